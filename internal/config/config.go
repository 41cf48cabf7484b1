// Package config содержит логику чтения конфигурации сервиса учёта квот.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultRunAddress   = "localhost:8080"
	defaultSyncInterval = time.Minute
	defaultLogLevel     = "info"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress            string        `env:"RUN_ADDRESS"`
	DatabaseURI           string        `env:"DATABASE_URI"`
	CatalogServiceAddress string        `env:"CATALOG_SERVICE_ADDRESS"`
	CatalogSyncInterval   time.Duration `env:"CATALOG_SYNC_INTERVAL"`
	LogLevel              string        `env:"LOG_LEVEL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	fromEnv := *cfg

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory store when empty")
	flag.StringVar(&cfg.CatalogServiceAddress, "c", "", "refrigerant registry address, sync disabled when empty")
	flag.DurationVar(&cfg.CatalogSyncInterval, "i", defaultSyncInterval, "refrigerant registry sync interval")
	flag.StringVar(&cfg.LogLevel, "l", defaultLogLevel, "log level")

	flag.Parse()

	if fromEnv.RunAddress != "" {
		cfg.RunAddress = fromEnv.RunAddress
	}
	if fromEnv.DatabaseURI != "" {
		cfg.DatabaseURI = fromEnv.DatabaseURI
	}
	if fromEnv.CatalogServiceAddress != "" {
		cfg.CatalogServiceAddress = fromEnv.CatalogServiceAddress
	}
	if fromEnv.CatalogSyncInterval != 0 {
		cfg.CatalogSyncInterval = fromEnv.CatalogSyncInterval
	}
	if fromEnv.LogLevel != "" {
		cfg.LogLevel = fromEnv.LogLevel
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.CatalogSyncInterval <= 0 {
		return nil, fmt.Errorf("catalog sync interval must be positive, got %s", cfg.CatalogSyncInterval)
	}

	return cfg, nil
}
