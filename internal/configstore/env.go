package configstore

import (
	"context"
	"strings"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"devicehub/internal/adapter"
)

// Overrides are process-level values layered over a stored document.
// Nil fields are not set in the environment.
type Overrides struct {
	Enabled             *bool
	LogLevel            *string
	ConnectionPoolSize  *int
	HealthCheckInterval *int64
}

// Empty reports whether no override is set
func (o Overrides) Empty() bool {
	return o.Enabled == nil && o.LogLevel == nil && o.ConnectionPoolSize == nil && o.HealthCheckInterval == nil
}

// EnvPrefix returns the environment prefix for an adapter, e.g. ADAPTER_HIK_1_
func EnvPrefix(adapterID string) string {
	return "ADAPTER_" + strings.ToUpper(strings.ReplaceAll(adapterID, "-", "_")) + "_"
}

// GetEnvironmentConfiguration reads ADAPTER_{ID}_ENABLED, _LOG_LEVEL,
// _CONNECTION_POOL_SIZE and _HEALTH_CHECK_INTERVAL. Unparseable values are
// logged and ignored.
func (s *Store) GetEnvironmentConfiguration(adapterID string) Overrides {
	prefix := EnvPrefix(adapterID)
	var o Overrides

	if v, ok := s.lookupEnv(prefix + "ENABLED"); ok {
		if b, err := cast.ToBoolE(strings.TrimSpace(v)); err == nil {
			o.Enabled = &b
		} else {
			s.ignoredEnv(prefix+"ENABLED", v, err)
		}
	}
	if v, ok := s.lookupEnv(prefix + "LOG_LEVEL"); ok && strings.TrimSpace(v) != "" {
		level := strings.ToLower(strings.TrimSpace(v))
		o.LogLevel = &level
	}
	if v, ok := s.lookupEnv(prefix + "CONNECTION_POOL_SIZE"); ok {
		if n, err := cast.ToIntE(strings.TrimSpace(v)); err == nil {
			o.ConnectionPoolSize = &n
		} else {
			s.ignoredEnv(prefix+"CONNECTION_POOL_SIZE", v, err)
		}
	}
	if v, ok := s.lookupEnv(prefix + "HEALTH_CHECK_INTERVAL"); ok {
		if n, err := cast.ToInt64E(strings.TrimSpace(v)); err == nil {
			o.HealthCheckInterval = &n
		} else {
			s.ignoredEnv(prefix+"HEALTH_CHECK_INTERVAL", v, err)
		}
	}

	return o
}

// GetMergedConfiguration returns the stored document with environment
// overrides applied. The merge is never persisted. A missing document
// yields (nil, nil).
func (s *Store) GetMergedConfiguration(ctx context.Context, adapterID string) (*adapter.Configuration, error) {
	cfg, err := s.GetConfiguration(ctx, adapterID)
	if err != nil || cfg == nil {
		return cfg, err
	}

	merged := ApplyOverrides(*cfg, s.GetEnvironmentConfiguration(adapterID))
	if res := s.validator.Validate(merged); !res.Valid {
		// Overrides that break the schema are dropped in favour of the document
		s.log.Warn("environment overrides rejected",
			zap.String("adapter_id", adapterID),
			zap.Strings("errors", res.Errors),
		)
		return cfg, nil
	}
	return &merged, nil
}

// ApplyOverrides layers o over cfg
func ApplyOverrides(cfg adapter.Configuration, o Overrides) adapter.Configuration {
	out := cfg.Clone()
	if o.Enabled != nil {
		out.Enabled = *o.Enabled
	}
	if o.LogLevel != nil {
		out.LogLevel = *o.LogLevel
	}
	if o.ConnectionPoolSize != nil {
		out.ConnectionPoolSize = adapter.PoolSizeOf(*o.ConnectionPoolSize)
	}
	if o.HealthCheckInterval != nil {
		out.HealthCheckInterval = *o.HealthCheckInterval
	}
	return out
}

func (s *Store) ignoredEnv(key, value string, err error) {
	s.log.Warn("ignoring environment override",
		zap.String("key", key),
		zap.String("value", value),
		zap.Error(err),
	)
}
