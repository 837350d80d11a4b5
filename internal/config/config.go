// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all client configuration.
type Config struct {
	ServerURL   string
	DBPath      string
	HTTPTimeout time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		ServerURL:   getEnv("HEALTHCHAT_SERVER_URL", "http://localhost:8000"),
		DBPath:      getEnv("HEALTHCHAT_DB_PATH", "healthchat.db"),
		HTTPTimeout: time.Duration(getEnvInt("HEALTHCHAT_HTTP_TIMEOUT", 120)) * time.Second,
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are usable.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("HEALTHCHAT_SERVER_URL cannot be empty")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("HEALTHCHAT_SERVER_URL must be an absolute URL")
	}
	if c.DBPath == "" {
		return fmt.Errorf("HEALTHCHAT_DB_PATH cannot be empty")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HEALTHCHAT_HTTP_TIMEOUT must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}
