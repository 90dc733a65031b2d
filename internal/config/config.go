// Package config provides the host configuration for devicehub.
//
// The host config describes the process: where adapter documents live,
// which adapters are loaded, how aggressively the lifecycle manager
// isolates failing adapters, and where the event journal is kept. Adapter
// documents themselves are handled by the configstore package.
//
// Config file locations (priority order):
//  1. $DEVICEHUB_CONFIG
//  2. ./devicehub.yaml
//  3. ~/.config/devicehub/config.yaml
//  4. /etc/devicehub/config.yaml
//
// ADAPTER_* environment variables override the file; see ApplyEnv.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"devicehub/internal/lifecycle"
)

const (
	DefaultAdapterConfigPath = "./config/adapters"
	DefaultJournalPath       = "./devicehub.db"
	DefaultJournalRetention  = 30 * 24 * time.Hour
)

// Load finds and loads the config file, or returns defaults if none found.
// Environment overrides are applied in both cases.
func Load() (*Config, string, error) {
	path := FindConfigPath()

	if path == "" {
		cfg := DefaultConfig()
		if err := cfg.ApplyEnv(); err != nil {
			return nil, "", err
		}
		return cfg, "", nil
	}

	cfg, path, err := LoadFromPath(path)
	if err != nil {
		return nil, path, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// LoadFromPath loads config from a specific path. Values missing from the
// file keep their defaults.
func LoadFromPath(path string) (*Config, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, errors.Wrap(err, "read config")
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, path, errors.Wrap(err, "parse config")
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, path, err
	}

	return cfg, path, nil
}

// Save writes config to the specified path
func (c *Config) Save(path string) error {
	if err := EnsureConfigDir(path); err != nil {
		return errors.Wrap(err, "create config dir")
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}

	return os.WriteFile(path, data, 0o644)
}

// DefaultConfig returns sensible defaults for a new installation
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Posture: PostureBalanced,
		Adapters: AdaptersConfig{
			ConfigPath: DefaultAdapterConfigPath,
			Builtin:    DefaultBuiltins(),
		},
		Journal: JournalConfig{
			Enabled:   true,
			Path:      DefaultJournalPath,
			Retention: Duration(DefaultJournalRetention),
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// applyDefaults fills in values a file explicitly blanked
func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = 1
	}
	c.Posture = ParsePosture(string(c.Posture))
	if c.Adapters.ConfigPath == "" {
		c.Adapters.ConfigPath = DefaultAdapterConfigPath
	}
	if c.Journal.Path == "" {
		c.Journal.Path = DefaultJournalPath
	}
	if c.Journal.Retention <= 0 {
		c.Journal.Retention = Duration(DefaultJournalRetention)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate rejects values no component can work with
func (c *Config) Validate() error {
	var problems []string
	if o := c.Lifecycle; o != nil {
		if o.MaxFailureCount != nil && *o.MaxFailureCount < 1 {
			problems = append(problems, "lifecycle.max_failure_count must be at least 1")
		}
		if o.MaxRecoveryAttempts != nil && *o.MaxRecoveryAttempts < 1 {
			problems = append(problems, "lifecycle.max_recovery_attempts must be at least 1")
		}
		for name, d := range map[string]*Duration{
			"failure_window":            o.FailureWindow,
			"health_check_interval":     o.HealthCheckInterval,
			"recovery_interval":         o.RecoveryInterval,
			"graceful_shutdown_timeout": o.GracefulShutdownTimeout,
		} {
			if d != nil && *d <= 0 {
				problems = append(problems, "lifecycle."+name+" must be positive")
			}
		}
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		problems = append(problems, fmt.Sprintf("logging.format %q is not json or console", c.Logging.Format))
	}
	if len(problems) > 0 {
		return errors.Newf("invalid host config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// EffectiveLifecycle returns the posture profile with overrides applied
func (c *Config) EffectiveLifecycle() lifecycle.Options {
	base := c.Posture.Profile()

	o := c.Lifecycle
	if o == nil {
		return base
	}
	if o.MaxFailureCount != nil {
		base.MaxFailureCount = *o.MaxFailureCount
	}
	if o.FailureWindow != nil {
		base.FailureWindow = o.FailureWindow.Duration()
	}
	if o.HealthCheckInterval != nil {
		base.HealthCheckInterval = o.HealthCheckInterval.Duration()
	}
	if o.RecoveryInterval != nil {
		base.RecoveryInterval = o.RecoveryInterval.Duration()
	}
	if o.GracefulShutdownTimeout != nil {
		base.GracefulShutdownTimeout = o.GracefulShutdownTimeout.Duration()
	}
	if o.ForceShutdownTimeout != nil {
		base.ForceShutdownTimeout = o.ForceShutdownTimeout.Duration()
	}
	if o.ProbeTimeout != nil {
		base.ProbeTimeout = o.ProbeTimeout.Duration()
	}
	if o.MaxRecoveryAttempts != nil {
		base.MaxRecoveryAttempts = *o.MaxRecoveryAttempts
	}
	if o.EventCapacity != nil {
		base.EventCapacity = *o.EventCapacity
	}
	return base
}

// Summary returns a human-readable config summary
func (c *Config) Summary() string {
	lc := c.EffectiveLifecycle()

	summary := fmt.Sprintf("Posture: %s, adapter documents: %s\n", c.Posture, c.Adapters.ConfigPath)
	summary += fmt.Sprintf("Isolation: %d failures in %s, health every %s, recovery every %s\n",
		lc.MaxFailureCount, lc.FailureWindow, lc.HealthCheckInterval, lc.RecoveryInterval)
	summary += fmt.Sprintf("Built-in adapters: %s", strings.Join(c.Adapters.Builtin.Enabled(), ", "))
	if n := len(c.Adapters.Plugins); n > 0 {
		summary += fmt.Sprintf(", plugins: %d", n)
	}

	return summary
}
