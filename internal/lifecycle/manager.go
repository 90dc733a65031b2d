package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"devicehub/internal/adapter"
	"devicehub/internal/registry"
)

// ErrUnknownAdapter is returned for operations on adapters the registry does not hold
var ErrUnknownAdapter = errors.New("unknown adapter")

// AdapterRegistry is the part of the registry the manager drives
type AdapterRegistry interface {
	GetAdapter(id string) (adapter.Adapter, bool)
	GetRegistration(id string) (registry.Registration, bool)
	ListRegistrations() []registry.Registration
	PerformHealthCheck(ctx context.Context, id string) (adapter.Health, error)
	ReloadAdapter(ctx context.Context, id string) error
	SetAdapterEnabled(ctx context.Context, id string, enabled bool) error
	RestartAdapter(ctx context.Context, id string) error
	UpdateConfiguration(ctx context.Context, id string, cfg adapter.Configuration) error
	Shutdown(ctx context.Context) error
}

// ConfigSource supplies merged configuration for hot-reloaded documents
type ConfigSource interface {
	GetMergedConfiguration(ctx context.Context, adapterID string) (*adapter.Configuration, error)
}

// EventSink receives every lifecycle event, e.g. a persistent journal
type EventSink interface {
	RecordEvent(ctx context.Context, ev Event) error
}

// Options tunes failure accounting and the background loops
type Options struct {
	MaxFailureCount         int
	FailureWindow           time.Duration
	HealthCheckInterval     time.Duration
	RecoveryInterval        time.Duration
	GracefulShutdownTimeout time.Duration
	ForceShutdownTimeout    time.Duration
	ProbeTimeout            time.Duration
	MaxRecoveryAttempts     int
	EventCapacity           int
	// SweepConcurrency bounds parallel probes and recoveries per sweep
	SweepConcurrency int
}

// DefaultOptions returns the documented defaults
func DefaultOptions() Options {
	return Options{
		MaxFailureCount:         5,
		FailureWindow:           5 * time.Minute,
		HealthCheckInterval:     30 * time.Second,
		RecoveryInterval:        60 * time.Second,
		GracefulShutdownTimeout: 30 * time.Second,
		ForceShutdownTimeout:    5 * time.Second,
		ProbeTimeout:            10 * time.Second,
		MaxRecoveryAttempts:     3,
		EventCapacity:           1000,
		SweepConcurrency:        16,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxFailureCount <= 0 {
		o.MaxFailureCount = d.MaxFailureCount
	}
	if o.FailureWindow <= 0 {
		o.FailureWindow = d.FailureWindow
	}
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = d.HealthCheckInterval
	}
	if o.RecoveryInterval <= 0 {
		o.RecoveryInterval = d.RecoveryInterval
	}
	if o.GracefulShutdownTimeout <= 0 {
		o.GracefulShutdownTimeout = d.GracefulShutdownTimeout
	}
	if o.ForceShutdownTimeout <= 0 {
		o.ForceShutdownTimeout = d.ForceShutdownTimeout
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = d.ProbeTimeout
	}
	if o.MaxRecoveryAttempts <= 0 {
		o.MaxRecoveryAttempts = d.MaxRecoveryAttempts
	}
	if o.EventCapacity <= 0 {
		o.EventCapacity = d.EventCapacity
	}
	if o.SweepConcurrency <= 0 {
		o.SweepConcurrency = d.SweepConcurrency
	}
	return o
}

// Manager runs health checks, failure isolation and recovery for every
// registered adapter
type Manager struct {
	registry AdapterRegistry
	configs  ConfigSource
	sink     EventSink
	opts     Options
	log      *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	failures map[string]*FailureInfo

	evMu   sync.Mutex
	events *eventRing

	shutdowns singleflight.Group

	loopMu sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customises a Manager
type Option func(*Manager)

// WithConfigSource lets configuration changes pick up environment overrides
func WithConfigSource(c ConfigSource) Option {
	return func(m *Manager) { m.configs = c }
}

// WithEventSink forwards every event to sink
func WithEventSink(sink EventSink) Option {
	return func(m *Manager) { m.sink = sink }
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a manager over a registry
func New(reg AdapterRegistry, log *zap.Logger, opts Options, options ...Option) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	opts = opts.withDefaults()
	m := &Manager{
		registry: reg,
		opts:     opts,
		log:      log.Named("lifecycle"),
		now:      time.Now,
		failures: make(map[string]*FailureInfo),
		events:   newEventRing(opts.EventCapacity),
	}
	for _, o := range options {
		o(m)
	}
	return m
}

// Options returns the effective options
func (m *Manager) Options() Options {
	return m.opts
}

// Start launches the health-check and recovery loops. Calling Start on a
// running manager does nothing.
func (m *Manager) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(2)
	go m.loop(loopCtx, "health", m.opts.HealthCheckInterval, m.RunHealthChecks)
	go m.loop(loopCtx, "recovery", m.opts.RecoveryInterval, m.RunRecovery)

	m.log.Info("lifecycle loops started",
		zap.Duration("health_interval", m.opts.HealthCheckInterval),
		zap.Duration("recovery_interval", m.opts.RecoveryInterval),
	)
}

// Stop halts the loops and waits for in-flight sweeps to finish
func (m *Manager) Stop() {
	m.loopMu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
	m.log.Info("lifecycle loops stopped")
}

// Shutdown stops the loops and shuts down every adapter
func (m *Manager) Shutdown(ctx context.Context) error {
	m.Stop()
	return m.registry.Shutdown(ctx)
}

func (m *Manager) loop(ctx context.Context, name string, interval time.Duration, sweep func(context.Context)) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			sweep(ctx)
			m.log.Debug("sweep finished", zap.String("sweep", name), zap.Duration("took", time.Since(start)))
		}
	}
}

// runBounded runs fn against ctx and gives up after ctx expires.
// A panic in fn is returned as an error.
func runBounded(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- errors.Newf("panic: %v", p)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "timed out")
	}
}
