package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig loads configuration from file using viper.
// CLI flags > environment > config file > defaults precedence.
func LoadConfig(configPath string) (*AnalyticsConfig, error) {
	v := viper.New()

	// Set defaults matching DefaultAnalyticsConfig
	v.SetDefault("analytics.collector_url", "")
	v.SetDefault("analytics.referrer_timeout", "5s")
	v.SetDefault("analytics.queue_size", 256)
	v.SetDefault("hitstore.batch_size", 100)
	v.SetDefault("hitstore.flush_interval", "5s")

	// Bind environment variables with HK_ prefix
	v.SetEnvPrefix("HK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Load config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &AnalyticsConfig{
		CollectorURL:    v.GetString("analytics.collector_url"),
		ReferrerTimeout: v.GetDuration("analytics.referrer_timeout"),
		QueueSize:       v.GetInt("analytics.queue_size"),
		BatchSize:       v.GetInt("hitstore.batch_size"),
		FlushInterval:   v.GetDuration("hitstore.flush_interval"),
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateConfig checks URL scheme and positive values for queue, batch
// size and flush interval.
func validateConfig(cfg *AnalyticsConfig) error {
	if cfg.CollectorURL != "" {
		u, err := url.Parse(cfg.CollectorURL)
		if err != nil {
			return fmt.Errorf("invalid collector_url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("collector_url scheme must be http or https, got %q", u.Scheme)
		}
	}
	if cfg.ReferrerTimeout < 0 {
		return fmt.Errorf("referrer_timeout must not be negative, got %v", cfg.ReferrerTimeout)
	}
	if cfg.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive, got %d", cfg.QueueSize)
	}
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be positive, got %v", cfg.FlushInterval)
	}
	return nil
}
