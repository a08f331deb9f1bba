// Package config loads server settings from LATEFEE_* environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every key, e.g. LATEFEE_PORT.
const EnvPrefix = "LATEFEE"

// Config holds all configuration for the late fee server.
type Config struct {
	Port        int    `mapstructure:"PORT"`
	DBDriver    string `mapstructure:"DB_DRIVER"`
	DBPath      string `mapstructure:"DB_PATH"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	RuleCacheTTL time.Duration `mapstructure:"RULE_CACHE_TTL"`

	ScanEnabled        bool   `mapstructure:"SCAN_ENABLED"`
	ScanSchedule       string `mapstructure:"SCAN_SCHEDULE"`
	ScanIncludePartial bool   `mapstructure:"SCAN_INCLUDE_PARTIAL"`
	BatchWorkers       int    `mapstructure:"BATCH_WORKERS"`

	GraceMode  string `mapstructure:"GRACE_MODE"`
	TieredMode string `mapstructure:"TIERED_MODE"`
	RuleOrder  string `mapstructure:"RULE_ORDER"`

	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	LogFormat      string        `mapstructure:"LOG_FORMAT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

var keys = []string{
	"PORT", "DB_DRIVER", "DB_PATH", "DATABASE_URL", "RULE_CACHE_TTL",
	"SCAN_ENABLED", "SCAN_SCHEDULE", "SCAN_INCLUDE_PARTIAL", "BATCH_WORKERS",
	"GRACE_MODE", "TIERED_MODE", "RULE_ORDER",
	"LOG_LEVEL", "LOG_FORMAT", "REQUEST_TIMEOUT",
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	viper.SetDefault("PORT", 8080)
	viper.SetDefault("DB_DRIVER", "sqlite")
	viper.SetDefault("DB_PATH", "./latefee.db")
	viper.SetDefault("RULE_CACHE_TTL", "30m")
	viper.SetDefault("SCAN_ENABLED", true)
	viper.SetDefault("SCAN_SCHEDULE", "0 2 * * *") // At 02:00 every day.
	viper.SetDefault("SCAN_INCLUDE_PARTIAL", false)
	viper.SetDefault("BATCH_WORKERS", 4)
	viper.SetDefault("GRACE_MODE", "ignore")
	viper.SetDefault("TIERED_MODE", "single")
	viper.SetDefault("RULE_ORDER", "newest")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "text")
	viper.SetDefault("REQUEST_TIMEOUT", "30s")

	viper.SetEnvPrefix(EnvPrefix)
	viper.AutomaticEnv()

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, k := range keys {
		_ = viper.BindEnv(k)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the server cannot start with.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("%s_DATABASE_URL is required when DB_DRIVER=postgres", EnvPrefix)
		}
	default:
		return fmt.Errorf("%s_DB_DRIVER must be sqlite or postgres, got %q", EnvPrefix, c.DBDriver)
	}

	if err := oneOf("GRACE_MODE", c.GraceMode, "ignore", "subtract"); err != nil {
		return err
	}
	if err := oneOf("TIERED_MODE", c.TieredMode, "single", "accrual"); err != nil {
		return err
	}
	if err := oneOf("RULE_ORDER", c.RuleOrder, "newest", "priority"); err != nil {
		return err
	}

	if c.ScanEnabled {
		if _, err := cron.ParseStandard(c.ScanSchedule); err != nil {
			return fmt.Errorf("%s_SCAN_SCHEDULE: %w", EnvPrefix, err)
		}
	}
	if c.BatchWorkers < 1 {
		return fmt.Errorf("%s_BATCH_WORKERS must be >= 1", EnvPrefix)
	}
	return nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s_%s must be one of %v, got %q", EnvPrefix, key, allowed, value)
}
