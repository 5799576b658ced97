// Package config provides YAML-based configuration loading for Stagecoach.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Stagecoach configuration, loaded from config.yaml.
type Config struct {
	UserID    string          `yaml:"user_id"`
	Storage   StorageConfig   `yaml:"storage"`
	Relay     RelayConfig     `yaml:"relay"`
	Sync      SyncConfig      `yaml:"sync"`
	Retention RetentionConfig `yaml:"retention"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// StorageConfig holds settings for the local message cache.
type StorageConfig struct {
	Driver   string `yaml:"driver"` // sqlite or mysql
	Path     string `yaml:"path"`   // sqlite file path
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
}

// RelayConfig selects and configures the message relay backend.
type RelayConfig struct {
	Platform string            `yaml:"platform"` // discord, slack, or mock
	Token    string            `yaml:"token"`
	Channels map[string]string `yaml:"channels"` // conversation id -> platform channel id
}

// SyncConfig tunes paging and connectivity debouncing.
type SyncConfig struct {
	PageSize   int    `yaml:"page_size"`
	DebounceMS int    `yaml:"debounce_ms"`
	ProbeAddr  string `yaml:"probe_addr"`
}

// RetentionConfig controls the cached-history sweep.
type RetentionConfig struct {
	Days     int    `yaml:"days"`
	Schedule string `yaml:"schedule"` // 5-field cron expression
}

// DashboardConfig holds settings for the local status dashboard.
type DashboardConfig struct {
	Port int `yaml:"port"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Driver == "sqlite" && c.Storage.Path == "" {
		c.Storage.Path = "stagecoach.db"
	}
	if c.Storage.Driver == "mysql" {
		if c.Storage.Host == "" {
			c.Storage.Host = "127.0.0.1"
		}
		if c.Storage.Port == 0 {
			c.Storage.Port = 3306
		}
		if c.Storage.Database == "" && c.UserID != "" {
			c.Storage.Database = "stagecoach_" + c.UserID
		}
	}
	if c.Relay.Platform == "" {
		c.Relay.Platform = "mock"
	}
	if c.Sync.PageSize == 0 {
		c.Sync.PageSize = 50
	}
	if c.Sync.DebounceMS == 0 {
		c.Sync.DebounceMS = 300
	}
	if c.Sync.ProbeAddr == "" {
		c.Sync.ProbeAddr = "1.1.1.1:443"
	}
	if c.Retention.Days == 0 {
		c.Retention.Days = 90
	}
	if c.Retention.Schedule == "" {
		c.Retention.Schedule = "0 4 * * *"
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 7683
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.UserID == "" {
		errs = append(errs, "user_id is required")
	}
	switch c.Storage.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("storage.driver %q is not supported", c.Storage.Driver))
	}
	switch c.Relay.Platform {
	case "mock":
	case "discord", "slack":
		if c.Relay.Token == "" {
			errs = append(errs, fmt.Sprintf("relay.token is required for platform %q", c.Relay.Platform))
		}
	default:
		errs = append(errs, fmt.Sprintf("relay.platform %q is not supported", c.Relay.Platform))
	}
	if c.Sync.PageSize < 0 {
		errs = append(errs, "sync.page_size must not be negative")
	}
	if c.Retention.Days < 0 {
		errs = append(errs, "retention.days must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
