package lifecycle

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"devicehub/internal/adapter"
)

// RunHealthChecks probes every enabled adapter once. Probes run in parallel,
// each under its own timeout, so one hung adapter does not hold the sweep.
func (m *Manager) RunHealthChecks(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.SweepConcurrency)

	for _, reg := range m.registry.ListRegistrations() {
		if !reg.Enabled {
			continue
		}
		id := reg.Descriptor.ID
		g.Go(func() error {
			m.CheckHealth(gctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

// CheckHealth probes one adapter and feeds the outcome into failure tracking.
// A critical report is a failure; healthy or warning clears automatic
// isolation. It returns the probe result.
func (m *Manager) CheckHealth(ctx context.Context, id string) adapter.Health {
	start := m.now()
	probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()

	h, err := m.registry.PerformHealthCheck(probeCtx, id)
	if err != nil {
		// unregistered between listing and probing
		m.log.Debug("health check skipped", zap.String("adapter_id", id), zap.Error(err))
		return adapter.Health{Status: adapter.HealthUnknown, LastHealthCheck: m.now()}
	}

	ev := Event{
		AdapterID: id,
		Type:      EventHealthCheck,
		Duration:  m.since(start),
		Details:   map[string]any{"status": string(h.Status), "issues": len(h.Issues)},
	}

	switch h.Status {
	case adapter.HealthCritical:
		reason := healthReason(h)
		ev.Error = reason
		m.record(ev)
		m.RecordFailure(id, reason)
	case adapter.HealthHealthy, adapter.HealthWarning:
		ev.Success = true
		m.record(ev)
		if m.clearFailures(id, true) {
			m.log.Info("adapter recovered", zap.String("adapter_id", id))
			m.record(Event{
				AdapterID: id,
				Type:      EventRecovered,
				Success:   true,
				Details:   map[string]any{"via": string(EventHealthCheck)},
			})
		}
	default:
		ev.Success = true
		m.record(ev)
	}
	return h
}

func healthReason(h adapter.Health) string {
	if len(h.Issues) > 0 {
		return "health check critical: " + h.Issues[0].Message
	}
	return "health check critical"
}

// RunRecovery attempts to revive adapters with automatic isolation. Adapters
// in quarantine or disabled, and those attempted within the last half
// recovery interval, are skipped.
func (m *Manager) RunRecovery(ctx context.Context) {
	now := m.now()
	cooldown := m.opts.RecoveryInterval / 2

	var due []string
	m.mu.Lock()
	for id, info := range m.failures {
		if info.IsolationLevel.rank() >= IsolationQuarantine.rank() {
			continue
		}
		if !info.LastRecoveryAttempt.IsZero() && now.Sub(info.LastRecoveryAttempt) < cooldown {
			continue
		}
		due = append(due, id)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.SweepConcurrency)
	for _, id := range due {
		g.Go(func() error {
			m.attemptRecovery(gctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) attemptRecovery(ctx context.Context, id string) {
	m.mu.Lock()
	info, ok := m.failures[id]
	if !ok || info.IsolationLevel.rank() >= IsolationQuarantine.rank() {
		m.mu.Unlock()
		return
	}
	info.RecoveryAttempts++
	info.LastRecoveryAttempt = m.now()
	attempt := info.RecoveryAttempts
	m.mu.Unlock()

	start := m.now()
	err := m.revive(ctx, id)
	ev := Event{
		AdapterID: id,
		Type:      EventRecoveryAttempt,
		Duration:  m.since(start),
		Details:   map[string]any{"attempt": attempt},
	}

	if err == nil {
		ev.Success = true
		m.record(ev)
		m.clearFailures(id, false)
		m.log.Info("adapter recovered", zap.String("adapter_id", id), zap.Int("attempt", attempt))
		m.record(Event{
			AdapterID: id,
			Type:      EventRecovered,
			Success:   true,
			Details:   map[string]any{"via": string(EventRecoveryAttempt), "attempt": attempt},
		})
		return
	}

	ev.Error = err.Error()
	m.record(ev)
	m.log.Warn("recovery attempt failed", zap.String("adapter_id", id), zap.Int("attempt", attempt), zap.Error(err))
	m.RecordFailure(id, "recovery failed: "+err.Error())

	if attempt >= m.opts.MaxRecoveryAttempts {
		m.mu.Lock()
		var from IsolationLevel
		changed := false
		if info, ok := m.failures[id]; ok {
			from, changed = m.escalateLocked(info, IsolationQuarantine)
		}
		m.mu.Unlock()
		if changed {
			m.isolationChanged(id, from, IsolationQuarantine, "recovery attempts exhausted")
		}
	}
}

// revive brings an adapter back: enable it if disabled, restart it
// otherwise, then require a non-critical probe
func (m *Manager) revive(ctx context.Context, id string) error {
	reg, ok := m.registry.GetRegistration(id)
	if !ok {
		return errors.Wrapf(ErrUnknownAdapter, "adapter %s", id)
	}

	opCtx, cancel := context.WithTimeout(ctx, m.opts.GracefulShutdownTimeout)
	defer cancel()

	var err error
	if reg.Enabled {
		err = m.registry.RestartAdapter(opCtx, id)
	} else {
		err = m.registry.SetAdapterEnabled(opCtx, id, true)
	}
	if err != nil {
		return err
	}

	probeCtx, cancelProbe := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancelProbe()
	h, err := m.registry.PerformHealthCheck(probeCtx, id)
	if err != nil {
		return err
	}
	if h.Status == adapter.HealthCritical {
		return errors.New(healthReason(h))
	}
	return nil
}

// since reports how long ago t was on the manager clock
func (m *Manager) since(t time.Time) time.Duration {
	return m.now().Sub(t)
}
