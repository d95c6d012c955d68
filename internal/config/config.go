// Package config handles event-kernel configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/eventkerneld/config.yaml, /config/config.yaml, /etc/eventkerneld/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "eventkerneld", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/eventkerneld/config.yaml")
	return paths
}

// searchPathsFunc is a seam so tests can override the search order without
// touching the developer machine's real config locations.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc() and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds every kernel knob named in spec.md §6, plus the paths and
// log level the CLI needs.
type Config struct {
	Ring      RingConfig      `yaml:"ring"`
	Defer     DeferConfig     `yaml:"defer"`
	SafeMode  SafeModeConfig  `yaml:"safe_mode"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Trigger   TriggerConfig   `yaml:"trigger"`
	Paths     PathsConfig     `yaml:"paths"`
	DevMode   bool            `yaml:"dev_mode"`
	LogLevel  string          `yaml:"log_level"`
}

// RingConfig bounds the telemetry ring buffer (C3).
type RingConfig struct {
	MaxEntries int           `yaml:"max_entries"` // default 1000
	MaxAge     time.Duration `yaml:"max_age"`      // default 5m
}

// DeferConfig controls the deferred-queue TTL (C6).
type DeferConfig struct {
	TTL time.Duration `yaml:"ttl"` // default 30s
}

// SafeModeConfig controls the contract engine's circuit breaker (C5).
type SafeModeConfig struct {
	Window    time.Duration `yaml:"window"`    // default 10s
	Threshold int           `yaml:"threshold"` // default 3
	Cooldown  time.Duration `yaml:"cooldown"`  // default 30s
}

// DeliveryConfig controls the delivery tracker's acknowledgement window (C7).
type DeliveryConfig struct {
	AckTimeout time.Duration `yaml:"ack_timeout"` // default 65s
}

// TriggerConfig controls the trigger-file ingestor (C8).
type TriggerConfig struct {
	Dir                string        `yaml:"dir"`
	PollInterval       time.Duration `yaml:"poll_interval"`        // default 1s
	StaleProcessingAge time.Duration `yaml:"stale_processing_age"` // default 60s
	FallbackTTL        time.Duration `yaml:"fallback_ttl"`         // default 5m
	FallbackCap        int           `yaml:"fallback_cap"`         // default 2000
	WorkerRoles        []string      `yaml:"worker_roles"`
}

// PathsConfig locates the kernel's persisted-state files and archive.
type PathsConfig struct {
	DataDir           string `yaml:"data_dir"`
	MessageStateFile  string `yaml:"message_state_file"`
	ContractStatsFile string `yaml:"contract_stats_file"`
	ArchiveFile       string `yaml:"archive_file"` // empty disables the SQLite ring archive
	BridgeDir         string `yaml:"bridge_dir"`    // per-recipient hm-bridge liveness markers
	PtyDir            string `yaml:"pty_dir"`       // per-recipient pty liveness markers
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}, ${EVENTKERNEL_DATA_DIR}).
	// This is a convenience for container deployments; the recommended
	// approach is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with the defaults spec.md §6
// documents. Called automatically by Load. After this, callers can read
// any field without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Ring.MaxEntries == 0 {
		c.Ring.MaxEntries = 1000
	}
	if c.Ring.MaxAge == 0 {
		c.Ring.MaxAge = 5 * time.Minute
	}
	if c.Defer.TTL == 0 {
		c.Defer.TTL = 30 * time.Second
	}
	if c.SafeMode.Window == 0 {
		c.SafeMode.Window = 10 * time.Second
	}
	if c.SafeMode.Threshold == 0 {
		c.SafeMode.Threshold = 3
	}
	if c.SafeMode.Cooldown == 0 {
		c.SafeMode.Cooldown = 30 * time.Second
	}
	if c.Delivery.AckTimeout == 0 {
		c.Delivery.AckTimeout = 65 * time.Second
	}
	if c.Trigger.PollInterval == 0 {
		c.Trigger.PollInterval = time.Second
	}
	if c.Trigger.StaleProcessingAge == 0 {
		c.Trigger.StaleProcessingAge = 60 * time.Second
	}
	if c.Trigger.FallbackTTL == 0 {
		c.Trigger.FallbackTTL = 5 * time.Minute
	}
	if c.Trigger.FallbackCap == 0 {
		c.Trigger.FallbackCap = 2000
	}
	if len(c.Trigger.WorkerRoles) == 0 {
		c.Trigger.WorkerRoles = []string{"workers"}
	}
	if c.Paths.DataDir == "" {
		c.Paths.DataDir = "./data"
	}
	if c.Trigger.Dir == "" {
		c.Trigger.Dir = filepath.Join(c.Paths.DataDir, "triggers")
	}
	if c.Paths.MessageStateFile == "" {
		c.Paths.MessageStateFile = filepath.Join(c.Paths.DataDir, "message-state.json")
	}
	if c.Paths.ContractStatsFile == "" {
		c.Paths.ContractStatsFile = filepath.Join(c.Paths.DataDir, "contract-stats.json")
	}
	if c.Paths.BridgeDir == "" {
		c.Paths.BridgeDir = filepath.Join(c.Paths.DataDir, "bridge")
	}
	if c.Paths.PtyDir == "" {
		c.Paths.PtyDir = filepath.Join(c.Paths.DataDir, "pty")
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Ring.MaxEntries < 1 {
		return fmt.Errorf("ring.max_entries %d must be >= 1", c.Ring.MaxEntries)
	}
	if c.SafeMode.Threshold < 1 {
		return fmt.Errorf("safe_mode.threshold %d must be >= 1", c.SafeMode.Threshold)
	}
	if c.Trigger.FallbackCap < 1 {
		return fmt.Errorf("trigger.fallback_cap %d must be >= 1", c.Trigger.FallbackCap)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration suitable for local development.
// All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
