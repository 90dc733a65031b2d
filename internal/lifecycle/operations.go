package lifecycle

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"devicehub/internal/adapter"
	"devicehub/internal/registry"
)

// GracefulShutdownConnections shuts the adapter's instance down, bounded by
// the graceful timeout. Concurrent calls for one adapter share a single
// in-flight Shutdown and all receive its result.
func (m *Manager) GracefulShutdownConnections(ctx context.Context, id string) error {
	inst, ok := m.registry.GetAdapter(id)
	if !ok {
		return errors.Wrapf(ErrUnknownAdapter, "adapter %s", id)
	}

	ch := m.shutdowns.DoChan(id, func() (any, error) {
		// detached so an impatient first caller does not cut it short for the others
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.GracefulShutdownTimeout)
		defer cancel()

		start := m.now()
		err := runBounded(sctx, inst.Shutdown)
		ev := Event{
			AdapterID: id,
			Type:      EventGracefulShutdown,
			Success:   err == nil,
			Duration:  m.since(start),
		}
		if err != nil {
			ev.Error = err.Error()
			m.record(ev)
			m.log.Warn("graceful shutdown failed", zap.String("adapter_id", id), zap.Error(err))
			m.RecordFailure(id, "graceful shutdown failed: "+err.Error())
			return nil, errors.Wrapf(err, "graceful shutdown of %s", id)
		}
		m.record(ev)
		m.log.Info("adapter connections shut down", zap.String("adapter_id", id), zap.Duration("took", ev.Duration))
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "waiting for shutdown of %s", id)
	}
}

// ForceShutdownConnections gives Shutdown a short deadline and never fails;
// problems are logged and recorded
func (m *Manager) ForceShutdownConnections(ctx context.Context, id string) {
	inst, ok := m.registry.GetAdapter(id)
	if !ok {
		m.log.Warn("force shutdown of unknown adapter", zap.String("adapter_id", id))
		return
	}

	sctx, cancel := context.WithTimeout(ctx, m.opts.ForceShutdownTimeout)
	defer cancel()

	start := m.now()
	err := runBounded(sctx, inst.Shutdown)
	ev := Event{
		AdapterID: id,
		Type:      EventForceShutdown,
		Success:   err == nil,
		Duration:  m.since(start),
	}
	if err != nil {
		ev.Error = err.Error()
		m.log.Error("force shutdown failed", zap.String("adapter_id", id), zap.Error(err))
	}
	m.record(ev)
}

// HotReloadAdapter drains the adapter, reloads it from its origin and
// probes the fresh instance. A failure in any step is recorded once.
func (m *Manager) HotReloadAdapter(ctx context.Context, id string) error {
	if _, ok := m.registry.GetRegistration(id); !ok {
		return errors.Wrapf(ErrUnknownAdapter, "adapter %s", id)
	}

	start := m.now()
	err := m.hotReload(ctx, id)
	ev := Event{
		AdapterID: id,
		Type:      EventHotReload,
		Success:   err == nil,
		Duration:  m.since(start),
	}
	if err != nil {
		ev.Error = err.Error()
		m.record(ev)
		m.log.Error("hot reload failed", zap.String("adapter_id", id), zap.Error(err))
		m.RecordFailure(id, "hot reload failed: "+err.Error())
		return err
	}
	m.record(ev)
	m.log.Info("adapter hot reloaded", zap.String("adapter_id", id), zap.Duration("took", ev.Duration))
	return nil
}

func (m *Manager) hotReload(ctx context.Context, id string) error {
	reg, ok := m.registry.GetRegistration(id)
	if !ok {
		return errors.Wrapf(ErrUnknownAdapter, "adapter %s", id)
	}
	if reg.Origin == "" {
		return errors.Wrapf(registry.ErrNotReloadable, "adapter %s", id)
	}
	if reg.Enabled {
		if err := m.drain(ctx, id); err != nil {
			return errors.Wrap(err, "drain")
		}
	}
	if err := m.registry.ReloadAdapter(ctx, id); err != nil {
		return errors.Wrap(err, "reload")
	}
	reg, ok = m.registry.GetRegistration(id)
	if !ok || !reg.Enabled {
		return nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()
	h, err := m.registry.PerformHealthCheck(probeCtx, id)
	if err != nil {
		return errors.Wrap(err, "health check")
	}
	if h.Status == adapter.HealthCritical {
		return errors.Newf("reloaded adapter is unhealthy: %s", healthReason(h))
	}
	return nil
}

// drain is a graceful shutdown whose failure is reported by the caller
// rather than recorded separately
func (m *Manager) drain(ctx context.Context, id string) error {
	inst, ok := m.registry.GetAdapter(id)
	if !ok {
		return errors.Wrapf(ErrUnknownAdapter, "adapter %s", id)
	}
	res := <-m.shutdowns.DoChan(id, func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.GracefulShutdownTimeout)
		defer cancel()
		return nil, runBounded(sctx, inst.Shutdown)
	})
	return res.Err
}

// EnableAdapter is the operator action that brings an adapter into service.
// It clears all failure history, including quarantine and disabled.
// An already enabled adapter that is isolated is restarted.
func (m *Manager) EnableAdapter(ctx context.Context, id string) error {
	reg, ok := m.registry.GetRegistration(id)
	if !ok {
		return errors.Wrapf(ErrUnknownAdapter, "adapter %s", id)
	}
	_, failing := m.GetFailureInfo(id)

	start := m.now()
	var err error
	switch {
	case !reg.Enabled:
		err = m.registry.SetAdapterEnabled(ctx, id, true)
	case failing:
		err = m.registry.RestartAdapter(ctx, id)
	}

	ev := Event{
		AdapterID: id,
		Type:      EventEnable,
		Success:   err == nil,
		Duration:  m.since(start),
	}
	if err != nil {
		ev.Error = err.Error()
		m.record(ev)
		m.log.Error("enable failed", zap.String("adapter_id", id), zap.Error(err))
		m.RecordFailure(id, "enable failed: "+err.Error())
		return err
	}

	m.clearFailures(id, false)
	m.record(ev)
	m.log.Info("adapter enabled", zap.String("adapter_id", id))

	m.CheckHealth(ctx, id)
	return nil
}

// DisableAdapter drains and disables an adapter. An existing failure
// record is pinned at disabled until the adapter is enabled again.
func (m *Manager) DisableAdapter(ctx context.Context, id string) error {
	reg, ok := m.registry.GetRegistration(id)
	if !ok {
		return errors.Wrapf(ErrUnknownAdapter, "adapter %s", id)
	}

	start := m.now()
	var err error
	if reg.Enabled {
		if derr := m.GracefulShutdownConnections(ctx, id); derr != nil {
			m.log.Warn("disabling after failed graceful shutdown", zap.String("adapter_id", id), zap.Error(derr))
		}
		err = m.registry.SetAdapterEnabled(ctx, id, false)
	}

	ev := Event{
		AdapterID: id,
		Type:      EventDisable,
		Success:   err == nil,
		Duration:  m.since(start),
	}
	if err != nil {
		ev.Error = err.Error()
		m.record(ev)
		m.log.Error("disable failed", zap.String("adapter_id", id), zap.Error(err))
		m.RecordFailure(id, "disable failed: "+err.Error())
		return err
	}
	m.record(ev)

	m.mu.Lock()
	var from IsolationLevel
	changed := false
	if info, ok := m.failures[id]; ok {
		from, changed = m.escalateLocked(info, IsolationDisabled)
	}
	m.mu.Unlock()
	if changed {
		m.isolationChanged(id, from, IsolationDisabled, "disabled by operator")
	}

	m.log.Info("adapter disabled", zap.String("adapter_id", id))
	return nil
}

// HandleConfigurationChange applies a hot-reloaded configuration document.
// cfg is nil when the document was removed; the running adapter then keeps
// its last configuration.
func (m *Manager) HandleConfigurationChange(id string, cfg *adapter.Configuration) {
	ctx := context.Background()

	reg, ok := m.registry.GetRegistration(id)
	if !ok {
		m.log.Debug("configuration change for unregistered adapter", zap.String("adapter_id", id))
		return
	}

	if cfg == nil {
		m.record(Event{
			AdapterID: id,
			Type:      EventConfigReload,
			Success:   true,
			Details:   map[string]any{"removed": true},
		})
		m.log.Warn("configuration document removed, keeping current settings", zap.String("adapter_id", id))
		return
	}

	next := cfg.Clone()
	if m.configs != nil {
		merged, err := m.configs.GetMergedConfiguration(ctx, id)
		if err != nil {
			m.log.Warn("merging environment overrides failed", zap.String("adapter_id", id), zap.Error(err))
		} else if merged != nil {
			next = merged.Clone()
		}
	}

	start := m.now()
	var err error
	switch {
	case reg.Enabled && !next.Enabled:
		if err = m.DisableAdapter(ctx, id); err == nil {
			err = m.registry.UpdateConfiguration(ctx, id, next)
		}
	default:
		if err = m.registry.UpdateConfiguration(ctx, id, next); err == nil && !reg.Enabled && next.Enabled {
			err = m.EnableAdapter(ctx, id)
		}
	}

	ev := Event{
		AdapterID: id,
		Type:      EventConfigReload,
		Success:   err == nil,
		Duration:  m.since(start),
		Details:   map[string]any{"enabled": next.Enabled},
	}
	if err != nil {
		ev.Error = err.Error()
		m.record(ev)
		m.log.Error("applying configuration change failed", zap.String("adapter_id", id), zap.Error(err))
		m.RecordFailure(id, "configuration reload failed: "+err.Error())
		return
	}
	m.record(ev)
	m.log.Info("configuration change applied", zap.String("adapter_id", id))
}
