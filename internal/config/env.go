package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces the host-wide environment knobs
const EnvPrefix = "ADAPTER"

// Environment keys, read as ADAPTER_<KEY>. Durations are milliseconds.
const (
	KeyConfigPath              = "config_path"
	KeyMaxFailureCount         = "max_failure_count"
	KeyFailureWindow           = "failure_window"
	KeyRecoveryInterval        = "recovery_interval"
	KeyHealthCheckInterval     = "health_check_interval"
	KeyGracefulShutdownTimeout = "graceful_shutdown_timeout"
)

func newEnv() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range []string{
		KeyConfigPath,
		KeyMaxFailureCount,
		KeyFailureWindow,
		KeyRecoveryInterval,
		KeyHealthCheckInterval,
		KeyGracefulShutdownTimeout,
	} {
		_ = v.BindEnv(key)
	}
	return v
}

// ApplyEnv overlays ADAPTER_* variables onto the config. A malformed value
// is an error rather than being silently ignored.
func (c *Config) ApplyEnv() error {
	v := newEnv()

	if v.IsSet(KeyConfigPath) {
		if p := v.GetString(KeyConfigPath); p != "" {
			c.Adapters.ConfigPath = p
		}
	}

	o := c.Lifecycle
	if o == nil {
		o = &LifecycleOverride{}
	}
	touched := false

	if v.IsSet(KeyMaxFailureCount) {
		n, err := cast.ToIntE(v.Get(KeyMaxFailureCount))
		if err != nil || n < 1 {
			return errors.Newf("ADAPTER_MAX_FAILURE_COUNT: %q is not a positive integer", v.GetString(KeyMaxFailureCount))
		}
		o.MaxFailureCount = &n
		touched = true
	}

	for key, dst := range map[string]**Duration{
		KeyFailureWindow:           &o.FailureWindow,
		KeyRecoveryInterval:        &o.RecoveryInterval,
		KeyHealthCheckInterval:     &o.HealthCheckInterval,
		KeyGracefulShutdownTimeout: &o.GracefulShutdownTimeout,
	} {
		if !v.IsSet(key) {
			continue
		}
		ms, err := cast.ToInt64E(v.Get(key))
		if err != nil || ms <= 0 {
			return errors.Newf("%s_%s: %q is not a positive number of milliseconds",
				EnvPrefix, strings.ToUpper(key), v.GetString(key))
		}
		*dst = durationPtr(time.Duration(ms) * time.Millisecond)
		touched = true
	}

	if touched {
		c.Lifecycle = o
	}
	return nil
}
