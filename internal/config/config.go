// Package config defines all configuration for the copy-trading simulator.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// deploy-sensitive fields overridable via COPY_* environment variables.
// Decision parameters (guardrails, sizing, buffering, system) additionally
// accept runtime updates through the operator API; see Manager.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Venue     VenueConfig     `mapstructure:"venue"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Book      BookConfig      `mapstructure:"book"`

	Guardrails Guardrails `mapstructure:"guardrails"`
	Sizing     Sizing     `mapstructure:"sizing"`
	Buffering  Buffering  `mapstructure:"small_trade_buffering"`
	System     System     `mapstructure:"system"`
}

// VenueConfig holds the venue endpoints.
type VenueConfig struct {
	CLOBBaseURL string `mapstructure:"clob_base_url"`
	WSMarketURL string `mapstructure:"ws_market_url"`
}

// StoreConfig sets where the sqlite database and side files live.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the operator HTTP API.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// ExecutorConfig tunes the decision worker pool.
type ExecutorConfig struct {
	Workers int `mapstructure:"workers"`
}

// BookConfig tunes the book cache and feeds.
type BookConfig struct {
	MaxActiveBooks  int           `mapstructure:"max_active_books"`
	BookTTL         time.Duration `mapstructure:"book_ttl"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	FreshnessWindow time.Duration `mapstructure:"freshness_window"`
}

// Load reads config from a YAML file with env var overrides.
// Endpoint overrides use COPY_VENUE_CLOB_BASE_URL / COPY_VENUE_WS_MARKET_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("COPY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if url := os.Getenv("COPY_CLOB_BASE_URL"); url != "" {
		cfg.Venue.CLOBBaseURL = url
	}
	if url := os.Getenv("COPY_WS_MARKET_URL"); url != "" {
		cfg.Venue.WSMarketURL = url
	}
	if dir := os.Getenv("COPY_DATA_DIR"); dir != "" {
		cfg.Store.DataDir = dir
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.data_dir", "data")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("dashboard.enabled", true)
	v.SetDefault("dashboard.port", 8090)
	v.SetDefault("executor.workers", 4)
	v.SetDefault("book.max_active_books", 200)
	v.SetDefault("book.book_ttl", 10*time.Minute)
	v.SetDefault("book.sweep_interval", 30*time.Second)
	v.SetDefault("book.freshness_window", 2*time.Second)
}

// Validate checks all required fields and value ranges. Programmer errors in
// the file fail the process at startup.
func (c *Config) Validate() error {
	if c.Venue.CLOBBaseURL == "" {
		return fmt.Errorf("venue.clob_base_url is required")
	}
	if c.Venue.WSMarketURL == "" {
		return fmt.Errorf("venue.ws_market_url is required")
	}
	if c.Store.DataDir == "" {
		return fmt.Errorf("store.data_dir is required")
	}
	if c.Executor.Workers <= 0 {
		return fmt.Errorf("executor.workers must be > 0")
	}
	if c.Book.MaxActiveBooks <= 0 {
		return fmt.Errorf("book.max_active_books must be > 0")
	}
	if err := c.Guardrails.Validate(); err != nil {
		return fmt.Errorf("guardrails: %w", err)
	}
	if err := c.Sizing.Validate(); err != nil {
		return fmt.Errorf("sizing: %w", err)
	}
	if err := c.Buffering.Validate(); err != nil {
		return fmt.Errorf("small_trade_buffering: %w", err)
	}
	if err := c.System.Validate(); err != nil {
		return fmt.Errorf("system: %w", err)
	}
	return nil
}
