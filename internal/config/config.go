// Package config содержит логику чтения конфигурации сервиса subboost.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса subboost.
type Config struct {
	RunAddress      string        `env:"RUN_ADDRESS"`
	DatabaseURI     string        `env:"DATABASE_URI"`
	VerifierAddress string        `env:"VERIFIER_ADDRESS"`
	AuthSecret      string        `env:"AUTH_SECRET"`
	TickInterval    time.Duration `env:"TICK_INTERVAL"`
	MaxLifetime     time.Duration `env:"MAX_LIFETIME"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envVerifierAddress := cfg.VerifierAddress
	envAuthSecret := cfg.AuthSecret
	envTickInterval := cfg.TickInterval
	envMaxLifetime := cfg.MaxLifetime

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.VerifierAddress, "r", "", "channel verifier address")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret for signing auth cookies")
	flag.DurationVar(&cfg.TickInterval, "t", time.Second, "order progress tick interval")
	flag.DurationVar(&cfg.MaxLifetime, "l", 24*time.Hour, "max order processing lifetime")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envVerifierAddress != "" {
		cfg.VerifierAddress = envVerifierAddress
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envTickInterval != 0 {
		cfg.TickInterval = envTickInterval
	}
	if envMaxLifetime != 0 {
		cfg.MaxLifetime = envMaxLifetime
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
