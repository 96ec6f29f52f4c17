// Package config содержит логику чтения конфигурации сервиса закупок.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса закупок.
type Config struct {
	RunAddress           string `env:"RUN_ADDRESS"`
	DatabaseURI          string `env:"DATABASE_URI"`
	DocprocSystemAddress string `env:"DOCPROC_SYSTEM_ADDRESS"`
	AuthSecret           string `env:"AUTH_SECRET"`
	MinioEndpoint        string `env:"MINIO_ENDPOINT"`
	MinioAccessKey       string `env:"MINIO_ACCESS_KEY"`
	MinioSecretKey       string `env:"MINIO_SECRET_KEY"`
	MinioBucket          string `env:"MINIO_BUCKET"`
	MinioUseSSL          bool   `env:"MINIO_USE_SSL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envDocprocAddress := cfg.DocprocSystemAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.DocprocSystemAddress, "r", "", "document processing system address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envDocprocAddress != "" {
		cfg.DocprocSystemAddress = envDocprocAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.AuthSecret == "" {
		cfg.AuthSecret = "procurement-secret"
	}
	if cfg.MinioBucket == "" {
		cfg.MinioBucket = "procurement-documents"
	}

	return cfg, nil
}
