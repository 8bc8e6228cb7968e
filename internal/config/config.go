package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Remote     RemoteConfig     `yaml:"remote"`
	Sync       SyncConfig       `yaml:"sync"`
	Network    NetworkConfig    `yaml:"network"`
	Backup     BackupConfig     `yaml:"backup"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// RemoteConfig points at the milestone service that applies updates.
type RemoteConfig struct {
	BaseURL        string `yaml:"base_url"`
	SessionToken   string `yaml:"session_token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

func (c RemoteConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SyncConfig tunes the drain retry schedule.
type SyncConfig struct {
	MaxRetries       int     `yaml:"max_retries"`
	BaseDelaySeconds int     `yaml:"base_delay_seconds"`
	BackoffFactor    float64 `yaml:"backoff_factor"`
}

func (c SyncConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelaySeconds) * time.Second
}

// NetworkConfig tunes the connectivity prober.
type NetworkConfig struct {
	ProbeURL             string `yaml:"probe_url"`
	ProbeIntervalSeconds int    `yaml:"probe_interval_seconds"`
	ProbeTimeoutSeconds  int    `yaml:"probe_timeout_seconds"`
}

func (c NetworkConfig) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalSeconds) * time.Second
}

func (c NetworkConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	IntervalHours int    `yaml:"interval_hours"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	Port      int                `yaml:"port"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key  string `yaml:"key"`
	Name string `yaml:"name"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; environment variables referenced in the YAML are
	// expanded before parsing.
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	if c.Remote.BaseURL == "" {
		return errors.New("remote base_url is required")
	}
	if _, err := url.ParseRequestURI(c.Remote.BaseURL); err != nil {
		return fmt.Errorf("remote base_url is invalid: %w", err)
	}

	if c.Sync.MaxRetries < 0 {
		return errors.New("sync max_retries must not be negative")
	}
	if c.Sync.BackoffFactor < 1 {
		return errors.New("sync backoff_factor must be at least 1")
	}

	if c.API.Enabled && c.API.Auth.Enabled && len(c.API.Auth.APIKeys) == 0 {
		return errors.New("api auth is enabled but no api keys configured")
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "fieldsync"
	}
	if c.App.Environment == "" {
		c.App.Environment = "development"
	}

	if c.Remote.TimeoutSeconds == 0 {
		c.Remote.TimeoutSeconds = 15
	}

	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = 3
	}
	if c.Sync.BaseDelaySeconds == 0 {
		c.Sync.BaseDelaySeconds = 3
	}
	if c.Sync.BackoffFactor == 0 {
		c.Sync.BackoffFactor = 3
	}

	if c.Network.ProbeIntervalSeconds == 0 {
		c.Network.ProbeIntervalSeconds = 10
	}
	if c.Network.ProbeTimeoutSeconds == 0 {
		c.Network.ProbeTimeoutSeconds = 5
	}
	if c.Network.ProbeURL == "" {
		c.Network.ProbeURL = c.Remote.BaseURL
	}

	if c.Backup.Enabled {
		if c.Backup.IntervalHours == 0 {
			c.Backup.IntervalHours = 24
		}
		if c.Backup.RetentionDays == 0 {
			c.Backup.RetentionDays = 7
		}
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}

	if c.API.Enabled && c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.RateLimit.RPS == 0 {
		c.API.RateLimit.RPS = 10
	}
	if c.API.RateLimit.Burst == 0 {
		c.API.RateLimit.Burst = 5
	}
}
