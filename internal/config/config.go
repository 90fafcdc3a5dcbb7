// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Port        string `yaml:"port"`
	FrontendURL string `yaml:"frontend_url"`
	DBPath      string `yaml:"db_path"`

	// APIURL is the origin of the remote session API. Requests to it are
	// authenticated by the token manager.
	APIURL     string `yaml:"api_url"`
	AuthIssuer string `yaml:"auth_issuer"`
	ClientID   string `yaml:"client_id"`
	App        string `yaml:"app"`

	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	ProbeInterval     time.Duration `yaml:"probe_interval"`
	LoginRetryDelay   time.Duration `yaml:"login_retry_delay"`
	PurgeAfter        time.Duration `yaml:"purge_after"`
	QuotaBytes        int64         `yaml:"quota_bytes"`
	StartOffline      bool          `yaml:"start_offline"`
}

// Load reads configuration from environment variables. If CONFIG_FILE
// names a YAML file, values found there override the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		FrontendURL:       getEnv("FRONTEND_URL", ""),
		DBPath:            getEnv("DB_PATH", "./data/sudoku.db"),
		APIURL:            getEnv("API_URL", "https://api.bubblyclouds.com"),
		AuthIssuer:        getEnv("AUTH_ISSUER", "https://auth.bubblyclouds.com"),
		ClientID:          getEnv("CLIENT_ID", ""),
		App:               getEnv("APP", "sudoku"),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		ProbeInterval:     getEnvDuration("PROBE_INTERVAL", 30*time.Second),
		LoginRetryDelay:   getEnvDuration("LOGIN_RETRY_DELAY", 5*time.Second),
		PurgeAfter:        getEnvDuration("PURGE_AFTER", 90*24*time.Hour),
		QuotaBytes:        int64(getEnvInt("QUOTA_BYTES", 5*1024*1024)),
		StartOffline:      getEnvBool("START_OFFLINE", false),
	}

	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.App == "" {
		return fmt.Errorf("APP cannot be empty")
	}
	for name, raw := range map[string]string{"API_URL": c.APIURL, "AUTH_ISSUER": c.AuthIssuer} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL", name)
		}
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be > 0")
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("PROBE_INTERVAL must be > 0")
	}
	if c.PurgeAfter <= 0 {
		return fmt.Errorf("PURGE_AFTER must be > 0")
	}
	if c.QuotaBytes < 0 {
		return fmt.Errorf("QUOTA_BYTES must be >= 0")
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

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
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

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
