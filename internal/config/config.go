// Package config provides configuration management for the reconciliation core.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	// defaultDaysBack is the lookback window handed to C5/C6 when unset.
	defaultDaysBack = 30
	// defaultMarketCheckInterval mirrors the teacher's own default schedule cadence.
	defaultMarketCheckInterval = "15m"
	// defaultCheckIntervalFallback is returned by GetCheckInterval when
	// the configured interval fails to parse.
	defaultCheckIntervalFallback = 15 * time.Minute
)

// Config represents the complete reconciliation-core configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	Storage     StorageConfig     `yaml:"storage"`
	Status      StatusConfig      `yaml:"status"`
}

// EnvironmentConfig defines environment-level settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker session settings (C1).
type BrokerConfig struct {
	Provider  string `yaml:"provider"` // tastytrade
	APIKey    string `yaml:"api_key"`
	AccountID string `yaml:"account_id"`
	Sandbox   bool   `yaml:"sandbox"`
}

// ReconcileConfig is spec.md §6's Configuration table, recognised by
// the core itself (as opposed to the CLI surface, which is a superset
// of this and may elide anything here).
type ReconcileConfig struct {
	// DaysBack is the lookback window passed to C5/C6.
	DaysBack int `yaml:"days_back"`
	// DryRun suppresses every write in C12.
	DryRun bool `yaml:"dry_run"`
	// UserID, PositionID, Symbol are scope filters; empty means unscoped.
	UserID     string `yaml:"user_id"`
	PositionID string `yaml:"position_id"`
	Symbol     string `yaml:"symbol"`
	// CancelOrphanedOrders is copied into orchestrator.Options; no phase
	// reads it, and C10 never cancels a broker order.
	CancelOrphanedOrders bool `yaml:"cancel_orphaned_orders"`
	// ReplaceCancelledTargets is copied into orchestrator.Options; no
	// phase reads it, and C10 step 7 recreates a missing or cancelled
	// profit target whether or not it is set.
	ReplaceCancelledTargets bool `yaml:"replace_cancelled_targets"`
	// Verbose raises logging verbosity regardless of LogLevel.
	Verbose bool `yaml:"verbose"`
}

// ScheduleConfig defines the orchestrator's run cadence.
type ScheduleConfig struct {
	MarketCheckInterval string `yaml:"market_check_interval"`
	Timezone            string `yaml:"timezone"` // e.g. "America/New_York"
}

// StorageConfig defines the C4 store's backing file.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// StatusConfig defines the read-only operator status surface.
type StatusConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", configPath, err)
	}

	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", configPath, err)
	}

	config.Normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// resolveLocation returns the configured TZ or the NY fallback.
func (c *Config) resolveLocation() (*time.Location, error) {
	tz := c.Schedule.Timezone
	if strings.TrimSpace(tz) == "" {
		tz = "America/New_York"
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", tz, err)
	}

	return loc, nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	switch strings.ToLower(c.Environment.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of: debug, info, warn, error")
	}

	if strings.TrimSpace(c.Broker.APIKey) == "" {
		return fmt.Errorf("broker.api_key is required")
	}
	if strings.TrimSpace(c.Broker.AccountID) == "" {
		return fmt.Errorf("broker.account_id is required")
	}
	switch strings.ToLower(c.Broker.Provider) {
	case "tastytrade":
	default:
		return fmt.Errorf("broker.provider must be 'tastytrade'")
	}

	if c.Reconcile.DaysBack <= 0 {
		return fmt.Errorf("reconcile.days_back must be > 0")
	}

	if c.Schedule.MarketCheckInterval == "" {
		return fmt.Errorf("schedule.market_check_interval is required (set in Normalize)")
	}
	trimmedInterval := strings.TrimSpace(c.Schedule.MarketCheckInterval)
	duration, err := time.ParseDuration(trimmedInterval)
	if err != nil {
		return fmt.Errorf("schedule.market_check_interval invalid: %w", err)
	}
	if duration <= 0 {
		return fmt.Errorf("schedule.market_check_interval must be > 0")
	}
	if _, err := c.resolveLocation(); err != nil {
		return fmt.Errorf("timezone resolution failed: %w", err)
	}

	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}

	if c.Status.Enabled {
		if c.Status.Port <= 0 || c.Status.Port > 65535 {
			return fmt.Errorf("status.port must be between 1 and 65535")
		}
	}

	return nil
}

// IsPaperTrading returns true if the core is configured against the
// sandbox/paper broker environment.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// GetCheckInterval returns the configured orchestrator run interval.
func (c *Config) GetCheckInterval() time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(c.Schedule.MarketCheckInterval))
	if err != nil || d <= 0 {
		return defaultCheckIntervalFallback
	}
	return d
}

// Normalize sets default values for configuration fields.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Schedule.MarketCheckInterval) == "" {
		c.Schedule.MarketCheckInterval = defaultMarketCheckInterval
	}
	if strings.TrimSpace(c.Environment.Mode) == "" {
		c.Environment.Mode = "paper"
	}
	if strings.TrimSpace(c.Environment.LogLevel) == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Reconcile.DaysBack == 0 {
		c.Reconcile.DaysBack = defaultDaysBack
	}
	if c.Status.Port == 0 {
		c.Status.Port = 9847
	}
}
