// Package validation содержит функции валидации входных данных.
package validation

import (
	"net/url"
	"strings"
)

var channelPathPrefixes = []string{"/channel/", "/c/", "/user/", "/@"}

// ExtractChannelID извлекает идентификатор канала из ссылки YouTube.
// Поддерживаются форматы /channel/<id>, /c/<name>, /user/<name> и /@<handle>.
func ExtractChannelID(rawURL string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", false
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if host != "youtube.com" && host != "m.youtube.com" {
		return "", false
	}

	for _, prefix := range channelPathPrefixes {
		rest, ok := strings.CutPrefix(u.Path, prefix)
		if !ok {
			continue
		}
		id, _, _ := strings.Cut(rest, "/")
		if isChannelToken(id) {
			return id, true
		}
	}

	return "", false
}

func isChannelToken(s string) bool {
	if s == "" {
		return false
	}
	for _, ch := range s {
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9':
		case ch == '_' || ch == '-' || ch == '.':
		default:
			return false
		}
	}
	return true
}
