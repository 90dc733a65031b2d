package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the host process configuration. Adapter documents live
// separately under Adapters.ConfigPath.
type Config struct {
	Version   int                `yaml:"version"`
	Posture   Posture            `yaml:"posture"`
	Lifecycle *LifecycleOverride `yaml:"lifecycle,omitempty"`
	Adapters  AdaptersConfig     `yaml:"adapters"`
	Journal   JournalConfig      `yaml:"journal"`
	Logging   LoggingConfig      `yaml:"logging"`
}

// LifecycleOverride replaces individual posture values
type LifecycleOverride struct {
	MaxFailureCount         *int      `yaml:"max_failure_count,omitempty"`
	FailureWindow           *Duration `yaml:"failure_window,omitempty"`
	HealthCheckInterval     *Duration `yaml:"health_check_interval,omitempty"`
	RecoveryInterval        *Duration `yaml:"recovery_interval,omitempty"`
	GracefulShutdownTimeout *Duration `yaml:"graceful_shutdown_timeout,omitempty"`
	ForceShutdownTimeout    *Duration `yaml:"force_shutdown_timeout,omitempty"`
	ProbeTimeout            *Duration `yaml:"probe_timeout,omitempty"`
	MaxRecoveryAttempts     *int      `yaml:"max_recovery_attempts,omitempty"`
	EventCapacity           *int      `yaml:"event_capacity,omitempty"`
}

// AdaptersConfig controls where adapters come from
type AdaptersConfig struct {
	// ConfigPath is the directory of per-adapter JSON documents
	ConfigPath string          `yaml:"config_path"`
	Watch      *bool           `yaml:"watch,omitempty"`
	Builtin    BuiltinAdapters `yaml:"builtin"`
	// Plugins are Go plugin files exporting NewAdapter
	Plugins []string `yaml:"plugins,omitempty"`
}

// WatchEnabled reports whether document hot reload is on (default true)
func (a AdaptersConfig) WatchEnabled() bool {
	return a.Watch == nil || *a.Watch
}

// JournalConfig holds the lifecycle event journal settings
type JournalConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Path      string   `yaml:"path"`
	Retention Duration `yaml:"retention"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration wraps time.Duration for YAML. Strings use time.ParseDuration
// syntax; bare integers are milliseconds, matching the ADAPTER_* variables.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!int" {
		var ms int64
		if err := value.Decode(&ms); err != nil {
			return err
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func durationPtr(d time.Duration) *Duration {
	v := Duration(d)
	return &v
}
