package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Vendor  VendorConfig  `mapstructure:"vendor"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
	Alerts  AlertsConfig  `mapstructure:"alerts"`
}

// ServerConfig defines listener ports and addresses
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	APIPort     int    `mapstructure:"api_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// VendorConfig defines how the vendor cloud is reached
type VendorConfig struct {
	Region         string `mapstructure:"region"`
	BaseURL        string `mapstructure:"base_url"` // overrides the region map when set
	ClientVersion  string `mapstructure:"client_version"`
	Product        string `mapstructure:"product"`
	UserAgent      string `mapstructure:"user_agent"`
	RequestTimeout string `mapstructure:"request_timeout"`
	RetryAttempts  int    `mapstructure:"retry_attempts"`
	RetryStep      string `mapstructure:"retry_step"`
}

// SyncConfig defines the polling loop behavior
type SyncConfig struct {
	Interval          string `mapstructure:"interval"`
	FreshnessWindow   string `mapstructure:"freshness_window"`
	ConnectTimeout    string `mapstructure:"connect_timeout"`
	SimulatedFallback bool   `mapstructure:"simulated_fallback"`
	ProfileID         string `mapstructure:"profile_id"`
	Retention         string `mapstructure:"retention"` // empty disables the sweeper
	CleanupInterval   string `mapstructure:"cleanup_interval"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"`
	Bolt  BoltConfig  `mapstructure:"bolt"`
	Redis RedisConfig `mapstructure:"redis"`
}

// BoltConfig defines BoltDB settings
type BoltConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AlertsConfig defines glucose threshold alerting
type AlertsConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	LowMgDl    float64 `mapstructure:"low_mg_dl"`
	HighMgDl   float64 `mapstructure:"high_mg_dl"`
	WebhookURL string  `mapstructure:"webhook_url"`
}

// KnownRegions are the vendor regions with a built-in base URL.
var KnownRegions = []string{"EU", "US", "DE", "FR", "JP", "AP", "AU", "AE"}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("GLUCOLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "127.0.0.1")
	v.SetDefault("server.api_port", 8480)
	v.SetDefault("server.metrics_port", 9480)

	// Vendor defaults
	v.SetDefault("vendor.region", "EU")
	v.SetDefault("vendor.client_version", "4.12.0")
	v.SetDefault("vendor.product", "llu.android")
	v.SetDefault("vendor.user_agent", "glucolink")
	v.SetDefault("vendor.request_timeout", "10s")
	v.SetDefault("vendor.retry_attempts", 3)
	v.SetDefault("vendor.retry_step", "1s")

	// Sync defaults
	v.SetDefault("sync.interval", "30s")
	v.SetDefault("sync.freshness_window", "15m")
	v.SetDefault("sync.connect_timeout", "75s")
	v.SetDefault("sync.simulated_fallback", false)
	v.SetDefault("sync.profile_id", "default")
	v.SetDefault("sync.retention", "")
	v.SetDefault("sync.cleanup_interval", "1h")

	// Storage defaults
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.bolt.path", "/var/lib/glucolink/glucolink.bolt")
	v.SetDefault("storage.redis.host", "127.0.0.1")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Alert defaults
	v.SetDefault("alerts.enabled", false)
	v.SetDefault("alerts.low_mg_dl", 70)
	v.SetDefault("alerts.high_mg_dl", 180)
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.APIPort <= 0 || cfg.Server.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", cfg.Server.APIPort)
	}
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	if cfg.Vendor.BaseURL == "" && !knownRegion(cfg.Vendor.Region) {
		return fmt.Errorf("unknown vendor region %q and no base_url override", cfg.Vendor.Region)
	}
	if cfg.Vendor.RetryAttempts <= 0 {
		return fmt.Errorf("vendor retry_attempts must be positive")
	}

	switch cfg.Storage.Type {
	case "bolt":
		if cfg.Storage.Bolt.Path == "" {
			return fmt.Errorf("storage bolt path is required")
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage redis host is required")
		}
	default:
		return fmt.Errorf("unknown storage type: %s", cfg.Storage.Type)
	}

	if cfg.Alerts.Enabled && cfg.Alerts.LowMgDl >= cfg.Alerts.HighMgDl {
		return fmt.Errorf("alert low threshold %.0f must be below high threshold %.0f",
			cfg.Alerts.LowMgDl, cfg.Alerts.HighMgDl)
	}

	return nil
}

func knownRegion(region string) bool {
	for _, r := range KnownRegions {
		if strings.EqualFold(r, region) {
			return true
		}
	}
	return false
}
