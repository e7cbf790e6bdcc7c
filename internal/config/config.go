// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	// DefaultRegion overrides the catalog's default fallback region when
	// set. Must name a catalog region.
	DefaultRegion string

	// SessionCeiling is the wall-clock budget per assessment before part
	// transitions are refused, leaving a margin under the platform's hard
	// execution limit.
	SessionCeiling time.Duration
	// VoiceName is the examiner voice requested from the remote service.
	VoiceName string

	// LiveEndpointTemplate expands a region id into the remote AI
	// websocket URL.
	LiveEndpointTemplate string
	// CredentialsPath points at the service-account JSON file. When empty,
	// CredentialsEnvVar names an environment variable holding the JSON.
	CredentialsPath   string
	CredentialsEnvVar string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		FrontendURL:          getEnv("FRONTEND_URL", ""),
		DBPath:               getEnv("DB_PATH", "./data/entitlements.db"),
		DefaultRegion:        getEnv("DEFAULT_REGION", ""),
		SessionCeiling:       getEnvDuration("SESSION_CEILING", 14*time.Minute),
		VoiceName:            getEnv("VOICE_NAME", "Aoede"),
		LiveEndpointTemplate: getEnv("LIVE_ENDPOINT_TEMPLATE", "wss://%s-aiplatform.googleapis.com/ws/google.cloud.aiplatform.v1.LlmBidiService/BidiGenerateContent"),
		CredentialsPath:      getEnv("CREDENTIALS_PATH", ""),
		CredentialsEnvVar:    getEnv("CREDENTIALS_ENV_VAR", "SERVICE_ACCOUNT_JSON"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.SessionCeiling <= 0 {
		return fmt.Errorf("SESSION_CEILING must be > 0")
	}
	if !strings.Contains(c.LiveEndpointTemplate, "%s") {
		return fmt.Errorf("LIVE_ENDPOINT_TEMPLATE must contain a %%s region placeholder")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	// Bare numbers are taken as seconds.
	if n, err := strconv.Atoi(value); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}
