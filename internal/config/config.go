// Package config loads relaycart settings from a YAML file and RELAYCART_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	API     APIConfig     `yaml:"api"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
}

type APIConfig struct {
	// BaseURL is the cart and auth API root.
	BaseURL     string        `yaml:"base_url"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	RefreshPath string        `yaml:"refresh_path"`
	// MetricsAddr serves /metrics when set, e.g. ":9464".
	MetricsAddr string `yaml:"metrics_addr"`
}

type StorageConfig struct {
	// DSN selects the key-value slot: file://dir, memory://name or postgres://...
	DSN                 string        `yaml:"dsn"`
	CartKey             string        `yaml:"cart_key"`
	Expiration          time.Duration `yaml:"expiration"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	MaintenanceJitter   float64       `yaml:"maintenance_jitter"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:     "http://127.0.0.1:8080",
			Timeout:     15 * time.Second,
			MaxRetries:  3,
			RefreshPath: "/auth/refresh",
		},
		Storage: StorageConfig{
			DSN:                 "file://" + defaultStorageDir(),
			CartKey:             "relaycart.cart",
			Expiration:          7 * 24 * time.Hour,
			MaintenanceInterval: time.Hour,
			MaintenanceJitter:   0.2,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func defaultStorageDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "relaycart")
	}
	return ".relaycart"
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.API.BaseURL) == "" {
		errs = append(errs, errors.New("api.base_url is required"))
	} else if u, err := url.Parse(c.API.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("api.base_url %q is not an absolute URL", c.API.BaseURL))
	}
	if c.API.Timeout <= 0 {
		errs = append(errs, errors.New("api.timeout must be positive"))
	}
	if c.API.MaxRetries < 0 {
		errs = append(errs, errors.New("api.max_retries must not be negative"))
	}
	if strings.TrimSpace(c.Storage.DSN) == "" {
		errs = append(errs, errors.New("storage.dsn is required"))
	}
	if c.Storage.Expiration <= 0 {
		errs = append(errs, errors.New("storage.expiration must be positive"))
	}
	if c.Storage.MaintenanceJitter < 0 || c.Storage.MaintenanceJitter > 1 {
		errs = append(errs, errors.New("storage.maintenance_jitter must be between 0 and 1"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be console or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// LoadFromFile reads path over the defaults. Missing keys keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Load builds the effective configuration: defaults, then the file at path if
// one is given, then environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from RELAYCART_* variables. Unparseable values are
// ignored with a warning on stderr.
func (c *Config) ApplyEnv() {
	c.API.BaseURL = envOrDefault("RELAYCART_BASE_URL", c.API.BaseURL)
	c.API.Timeout = durationEnv("RELAYCART_TIMEOUT", c.API.Timeout)
	c.API.MaxRetries = intEnv("RELAYCART_MAX_RETRIES", c.API.MaxRetries)
	c.API.RefreshPath = envOrDefault("RELAYCART_REFRESH_PATH", c.API.RefreshPath)
	c.API.MetricsAddr = envOrDefault("RELAYCART_METRICS_ADDR", c.API.MetricsAddr)
	c.Storage.DSN = envOrDefault("RELAYCART_STORAGE_DSN", c.Storage.DSN)
	c.Storage.CartKey = envOrDefault("RELAYCART_CART_KEY", c.Storage.CartKey)
	c.Storage.Expiration = durationEnv("RELAYCART_EXPIRATION", c.Storage.Expiration)
	c.Storage.MaintenanceInterval = durationEnv("RELAYCART_MAINTENANCE_INTERVAL", c.Storage.MaintenanceInterval)
	c.Storage.MaintenanceJitter = floatEnv("RELAYCART_MAINTENANCE_JITTER", c.Storage.MaintenanceJitter)
	c.Log.Level = envOrDefault("RELAYCART_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOrDefault("RELAYCART_LOG_FORMAT", c.Log.Format)
}
