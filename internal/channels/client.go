// Package channels предоставляет клиент внешней системы верификации каналов.
package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Info описывает данные канала, полученные от системы верификации.
type Info struct {
	ChannelID       string `json:"channel_id"`
	Title           string `json:"title"`
	Thumbnail       string `json:"thumbnail"`
	SubscriberCount int64  `json:"subscriber_count"`
	VideoCount      int64  `json:"video_count"`
	ViewCount       int64  `json:"view_count"`
	Verified        bool   `json:"verified"`
}

// Client инкапсулирует HTTP-взаимодействие с системой верификации каналов.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// NewClient создаёт клиент верификации каналов по указанному адресу.
func NewClient(baseURL string) *Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.HTTPClient.Timeout = 5 * time.Second
	c.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: c,
	}
}

// GetChannelInfo запрашивает данные канала у внешней системы верификации.
// Возвращает (nil, nil), если канал системе не известен.
func (c *Client) GetChannelInfo(ctx context.Context, channelID string) (*Info, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("verifier client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	url := fmt.Sprintf("%s/api/channels/%s", base, channelID)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var info Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &info, nil
}

// Simulated возвращает детерминированные данные канала без обращения к внешней
// системе. Используется, когда адрес верификатора не настроен.
func Simulated(channelID string) *Info {
	h := fnv.New64a()
	h.Write([]byte(channelID))
	seed := h.Sum64()

	short := channelID
	if len(short) > 8 {
		short = short[:8] + "..."
	}

	return &Info{
		ChannelID:       channelID,
		Title:           "YouTube Channel - " + short,
		SubscriberCount: 100 + int64(seed%10000),
		VideoCount:      10 + int64(seed/7%100),
		ViewCount:       10000 + int64(seed/13%1000000),
		Verified:        seed%10 >= 7,
	}
}
