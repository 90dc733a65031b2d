package lifecycle

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"devicehub/internal/adapter"
	"devicehub/internal/registry"
	"devicehub/internal/testutil"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memorySink struct {
	mu     sync.Mutex
	events []Event
}

func (s *memorySink) RecordEvent(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type fixture struct {
	reg   *registry.Registry
	mgr   *Manager
	clock *clock
	fake  *testutil.FakeAdapter
}

func newFixture(t *testing.T, options ...Option) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	reg := registry.New(nil, log, registry.Options{ProbeTimeout: 200 * time.Millisecond})

	fake := testutil.NewFake("hik", "1.0.0", []string{"face_terminal"}, "open_door")
	require.NoError(t, reg.RegisterAdapter(context.Background(), fake,
		&adapter.Configuration{AdapterID: "hik", Enabled: true}, ""))

	c := newClock()
	options = append([]Option{WithClock(c.Now)}, options...)
	mgr := New(reg, log, Options{
		ProbeTimeout:            200 * time.Millisecond,
		GracefulShutdownTimeout: time.Second,
		ForceShutdownTimeout:    100 * time.Millisecond,
	}, options...)

	return &fixture{reg: reg, mgr: mgr, clock: c, fake: fake}
}

func TestOptions_Defaults(t *testing.T) {
	m := New(nil, nil, Options{MaxFailureCount: 7})
	opts := m.Options()
	assert.Equal(t, 7, opts.MaxFailureCount)
	assert.Equal(t, 5*time.Minute, opts.FailureWindow)
	assert.Equal(t, 30*time.Second, opts.HealthCheckInterval)
	assert.Equal(t, 60*time.Second, opts.RecoveryInterval)
	assert.Equal(t, 30*time.Second, opts.GracefulShutdownTimeout)
	assert.Equal(t, 5*time.Second, opts.ForceShutdownTimeout)
	assert.Equal(t, 3, opts.MaxRecoveryAttempts)
	assert.Equal(t, 1000, opts.EventCapacity)
}

func TestRecordFailure_EscalationThreshold(t *testing.T) {
	f := newFixture(t)

	want := []IsolationLevel{
		IsolationNone,
		IsolationNone,
		IsolationWarning,
		IsolationWarning,
		IsolationQuarantine,
		IsolationQuarantine,
	}
	for i, level := range want {
		info := f.mgr.RecordFailure("hik", "probe failed")
		assert.Equal(t, i+1, info.FailureCount)
		assert.Equal(t, level, info.IsolationLevel, "after failure %d", i+1)
	}

	changes := f.mgr.GetLifecycleEvents(EventFilter{Type: EventIsolationChanged})
	require.Len(t, changes, 2)
	assert.Equal(t, "warning", changes[0].Details["to"])
	assert.Equal(t, "quarantine", changes[1].Details["to"])
}

func TestRecordFailure_QuarantineSkippedByRecovery(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.mgr.RecordFailure("hik", "probe failed")
	}
	initCalls := f.fake.InitCalls()

	f.clock.Advance(time.Hour)
	f.mgr.RunRecovery(context.Background())

	info, ok := f.mgr.GetFailureInfo("hik")
	require.True(t, ok)
	assert.Equal(t, IsolationQuarantine, info.IsolationLevel)
	assert.Zero(t, info.RecoveryAttempts)
	assert.Equal(t, initCalls, f.fake.InitCalls())
	assert.Empty(t, f.mgr.GetLifecycleEvents(EventFilter{Type: EventRecoveryAttempt}))
}

func TestRecordFailure_WindowPrunesOldFailures(t *testing.T) {
	f := newFixture(t)

	f.mgr.RecordFailure("hik", "a")
	f.mgr.RecordFailure("hik", "b")
	f.clock.Advance(6 * time.Minute)

	info := f.mgr.RecordFailure("hik", "c")
	assert.Equal(t, 1, info.FailureCount)
	require.Len(t, info.FailureReasons, 1)
	assert.Equal(t, "c", info.FailureReasons[0].Reason)
}

func TestRecordFailure_NeverLowersIsolation(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.mgr.RecordFailure("hik", "x")
	}
	require.Equal(t, IsolationWarning, f.mgr.IsolationLevel("hik"))

	f.clock.Advance(10 * time.Minute)
	info := f.mgr.RecordFailure("hik", "x")
	assert.Equal(t, 1, info.FailureCount)
	assert.Equal(t, IsolationWarning, info.IsolationLevel)
}

func TestCheckHealth_ResetsFailuresOnSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.fake.SetHealth(adapter.HealthCritical)
	var last int
	for i := 0; i < 2; i++ {
		f.mgr.CheckHealth(ctx, "hik")
		info, ok := f.mgr.GetFailureInfo("hik")
		require.True(t, ok)
		assert.Greater(t, info.FailureCount, last)
		last = info.FailureCount
	}

	f.fake.SetHealth(adapter.HealthHealthy)
	h := f.mgr.CheckHealth(ctx, "hik")
	assert.Equal(t, adapter.HealthHealthy, h.Status)

	_, ok := f.mgr.GetFailureInfo("hik")
	assert.False(t, ok, "one healthy probe clears the failure record")
	assert.Equal(t, IsolationNone, f.mgr.IsolationLevel("hik"))
	assert.Len(t, f.mgr.GetLifecycleEvents(EventFilter{Type: EventRecovered}), 1)
}

func TestCheckHealth_KeepsQuarantine(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.mgr.RecordFailure("hik", "x")
	}
	f.mgr.CheckHealth(context.Background(), "hik")

	assert.Equal(t, IsolationQuarantine, f.mgr.IsolationLevel("hik"))
	assert.Empty(t, f.mgr.GetLifecycleEvents(EventFilter{Type: EventRecovered}))
}

func TestCheckHealth_HungProbeIsFailure(t *testing.T) {
	f := newFixture(t)
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	f.fake.SetHealthFunc(func() adapter.Health {
		<-block
		return adapter.Health{Status: adapter.HealthHealthy}
	})

	h := f.mgr.CheckHealth(context.Background(), "hik")
	assert.Equal(t, adapter.HealthCritical, h.Status)
	assert.True(t, h.HasIssue(adapter.IssueHealthCheckFailed))

	info, ok := f.mgr.GetFailureInfo("hik")
	require.True(t, ok)
	assert.Equal(t, 1, info.FailureCount)
}

func TestRunHealthChecks_SkipsDisabledAdapters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other := testutil.NewFake("zk", "1.0.0", []string{"card_reader"})
	other.SetHealth(adapter.HealthCritical)
	require.NoError(t, f.reg.RegisterAdapter(ctx, other, &adapter.Configuration{AdapterID: "zk"}, ""))

	f.mgr.RunHealthChecks(ctx)

	checks := f.mgr.GetLifecycleEvents(EventFilter{Type: EventHealthCheck})
	require.Len(t, checks, 1)
	assert.Equal(t, "hik", checks[0].AdapterID)
	_, failing := f.mgr.GetFailureInfo("zk")
	assert.False(t, failing)
}

func TestRunRecovery_RevivesAdapter(t *testing.T) {
	f := newFixture(t)
	f.mgr.RecordFailure("hik", "transient")
	before := f.fake.InitCalls()

	f.mgr.RunRecovery(context.Background())

	_, ok := f.mgr.GetFailureInfo("hik")
	assert.False(t, ok)
	assert.Equal(t, before+1, f.fake.InitCalls(), "recovery restarts the instance")

	attempts := f.mgr.GetLifecycleEvents(EventFilter{Type: EventRecoveryAttempt})
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].Success)
	assert.Len(t, f.mgr.GetLifecycleEvents(EventFilter{Type: EventRecovered}), 1)
}

func TestRunRecovery_QuarantinesAfterThreeFailedAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fake.SetInitError(errors.New("device refused session"))
	f.mgr.RecordFailure("hik", "initial")

	for i := 1; i <= 3; i++ {
		f.clock.Advance(f.mgr.Options().RecoveryInterval)
		f.mgr.RunRecovery(ctx)

		info, ok := f.mgr.GetFailureInfo("hik")
		require.True(t, ok)
		assert.Equal(t, i, info.RecoveryAttempts)
	}
	assert.Equal(t, IsolationQuarantine, f.mgr.IsolationLevel("hik"))

	f.clock.Advance(f.mgr.Options().RecoveryInterval)
	f.mgr.RunRecovery(ctx)
	info, _ := f.mgr.GetFailureInfo("hik")
	assert.Equal(t, 3, info.RecoveryAttempts, "quarantined adapters are not retried")

	failed := f.mgr.GetLifecycleEvents(EventFilter{Type: EventRecoveryAttempt, FailuresOnly: true})
	assert.Len(t, failed, 3)
}

func TestRunRecovery_RespectsCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fake.SetInitError(errors.New("still down"))
	f.mgr.RecordFailure("hik", "initial")

	f.mgr.RunRecovery(ctx)
	f.clock.Advance(f.mgr.Options().RecoveryInterval / 4)
	f.mgr.RunRecovery(ctx)

	info, ok := f.mgr.GetFailureInfo("hik")
	require.True(t, ok)
	assert.Equal(t, 1, info.RecoveryAttempts)
}

func TestGracefulShutdown_CoalescesConcurrentCalls(t *testing.T) {
	f := newFixture(t)
	entered, release := f.fake.BlockShutdown()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = f.mgr.GracefulShutdownConnections(context.Background(), "hik")
		}()
	}

	<-entered
	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Equal(t, 1, f.fake.ShutdownCalls())
	assert.Len(t, f.mgr.GetLifecycleEvents(EventFilter{Type: EventGracefulShutdown}), 1)
}

func TestGracefulShutdown_FailureCounts(t *testing.T) {
	f := newFixture(t)
	f.fake.SetShutdownError(errors.New("session stuck"))

	err := f.mgr.GracefulShutdownConnections(context.Background(), "hik")
	require.Error(t, err)

	info, ok := f.mgr.GetFailureInfo("hik")
	require.True(t, ok)
	assert.Equal(t, 1, info.FailureCount)

	err = f.mgr.GracefulShutdownConnections(context.Background(), "nobody")
	assert.True(t, errors.Is(err, ErrUnknownAdapter))
}

func TestForceShutdown_NeverFails(t *testing.T) {
	f := newFixture(t)
	_, release := f.fake.BlockShutdown()
	defer release()

	start := time.Now()
	f.mgr.ForceShutdownConnections(context.Background(), "hik")
	assert.Less(t, time.Since(start), time.Second)

	events := f.mgr.GetLifecycleEvents(EventFilter{Type: EventForceShutdown})
	require.Len(t, events, 1)
	assert.False(t, events[0].Success)
	assert.NotEmpty(t, events[0].Error)

	f.mgr.ForceShutdownConnections(context.Background(), "nobody")
}

func TestHotReloadAdapter(t *testing.T) {
	log := zaptest.NewLogger(t)
	var built []*testutil.FakeAdapter
	loader := registry.NewFactoryLoader()
	require.NoError(t, loader.Register("hik", func(*zap.Logger) adapter.Adapter {
		fake := testutil.NewFake("hik", "1.0.0", []string{"face_terminal"}, "open_door")
		built = append(built, fake)
		return fake
	}))
	reg := registry.New(nil, log, registry.Options{ProbeTimeout: 200 * time.Millisecond, Loaders: []registry.Loader{loader}})
	ctx := context.Background()
	_, err := reg.LoadAdapter(ctx, registry.BuiltinOrigin("hik"), &adapter.Configuration{AdapterID: "hik", Enabled: true})
	require.NoError(t, err)

	sink := &memorySink{}
	m := New(reg, log, Options{}, WithEventSink(sink))

	require.NoError(t, m.HotReloadAdapter(ctx, "hik"))
	require.Len(t, built, 2)
	assert.False(t, built[0].Initialized())
	assert.True(t, built[1].Initialized())

	inst, ok := reg.GetAdapter("hik")
	require.True(t, ok)
	assert.Same(t, built[1], inst)

	reloads := m.GetLifecycleEvents(EventFilter{Type: EventHotReload})
	require.Len(t, reloads, 1)
	assert.True(t, reloads[0].Success)
	assert.Equal(t, len(m.GetLifecycleEvents(EventFilter{})), sink.Len())
}

func TestHotReloadAdapter_FailureIsRecorded(t *testing.T) {
	f := newFixture(t)

	err := f.mgr.HotReloadAdapter(context.Background(), "hik")
	require.Error(t, err)
	assert.True(t, errors.Is(err, registry.ErrNotReloadable))
	assert.True(t, f.fake.Initialized(), "nothing is drained when the reload cannot start")

	info, ok := f.mgr.GetFailureInfo("hik")
	require.True(t, ok)
	assert.Equal(t, 1, info.FailureCount)

	reloads := f.mgr.GetLifecycleEvents(EventFilter{Type: EventHotReload})
	require.Len(t, reloads, 1)
	assert.False(t, reloads[0].Success)

	assert.True(t, errors.Is(f.mgr.HotReloadAdapter(context.Background(), "nobody"), ErrUnknownAdapter))
}

func TestDisableThenEnable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.mgr.RecordFailure("hik", "x")
	}

	require.NoError(t, f.mgr.DisableAdapter(ctx, "hik"))
	reg, _ := f.reg.GetRegistration("hik")
	assert.False(t, reg.Enabled)
	assert.False(t, f.fake.Initialized())
	assert.Equal(t, IsolationDisabled, f.mgr.IsolationLevel("hik"))

	f.clock.Advance(time.Hour)
	f.mgr.RunRecovery(ctx)
	reg, _ = f.reg.GetRegistration("hik")
	assert.False(t, reg.Enabled, "disabled adapters are left alone by recovery")

	require.NoError(t, f.mgr.EnableAdapter(ctx, "hik"))
	reg, _ = f.reg.GetRegistration("hik")
	assert.True(t, reg.Enabled)
	assert.True(t, f.fake.Initialized())
	_, ok := f.mgr.GetFailureInfo("hik")
	assert.False(t, ok, "enabling purges failure history")

	ops := f.mgr.GetLifecycleEvents(EventFilter{AdapterID: "hik", Type: EventDisable})
	require.Len(t, ops, 1)
	assert.True(t, ops[0].Success)
	ops = f.mgr.GetLifecycleEvents(EventFilter{AdapterID: "hik", Type: EventEnable})
	require.Len(t, ops, 1)
	assert.True(t, ops[0].Success)
}

func TestEnableAdapter_RestartsIsolatedAdapter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.mgr.RecordFailure("hik", "x")
	}
	before := f.fake.InitCalls()

	require.NoError(t, f.mgr.EnableAdapter(ctx, "hik"))
	assert.Equal(t, before+1, f.fake.InitCalls())
	assert.Equal(t, IsolationNone, f.mgr.IsolationLevel("hik"))

	f.fake.SetInitError(errors.New("bad credentials"))
	require.NoError(t, f.mgr.DisableAdapter(ctx, "hik"))
	require.Error(t, f.mgr.EnableAdapter(ctx, "hik"))
	info, ok := f.mgr.GetFailureInfo("hik")
	require.True(t, ok)
	assert.Equal(t, 1, info.FailureCount)
}

func TestHandleConfigurationChange(t *testing.T) {
	f := newFixture(t)

	f.mgr.HandleConfigurationChange("hik", &adapter.Configuration{
		AdapterID: "hik",
		Enabled:   true,
		LogLevel:  adapter.LogLevelDebug,
	})
	reg, _ := f.reg.GetRegistration("hik")
	assert.True(t, reg.Enabled)
	assert.Equal(t, adapter.LogLevelDebug, reg.Config.LogLevel)
	assert.Equal(t, adapter.LogLevelDebug, f.fake.Config().LogLevel, "running instance is re-initialized")

	f.mgr.HandleConfigurationChange("hik", &adapter.Configuration{AdapterID: "hik", Enabled: false})
	reg, _ = f.reg.GetRegistration("hik")
	assert.False(t, reg.Enabled)
	assert.False(t, f.fake.Initialized())

	f.mgr.HandleConfigurationChange("hik", &adapter.Configuration{AdapterID: "hik", Enabled: true})
	reg, _ = f.reg.GetRegistration("hik")
	assert.True(t, reg.Enabled)
	assert.True(t, f.fake.Initialized())

	f.mgr.HandleConfigurationChange("hik", nil)
	reg, _ = f.reg.GetRegistration("hik")
	assert.True(t, reg.Enabled, "removing the document keeps the adapter running")

	reloads := f.mgr.GetLifecycleEvents(EventFilter{Type: EventConfigReload})
	assert.Len(t, reloads, 4)

	f.mgr.HandleConfigurationChange("unknown", &adapter.Configuration{AdapterID: "unknown"})
	assert.Len(t, f.mgr.GetLifecycleEvents(EventFilter{Type: EventConfigReload}), 4)
}

func TestHandleConfigurationChange_InvalidIsRecorded(t *testing.T) {
	f := newFixture(t)

	f.mgr.HandleConfigurationChange("hik", &adapter.Configuration{AdapterID: "hik", Enabled: true, ConnectionPoolSize: adapter.PoolSizeOf(500)})

	reloads := f.mgr.GetLifecycleEvents(EventFilter{Type: EventConfigReload, FailuresOnly: true})
	require.Len(t, reloads, 1)
	info, ok := f.mgr.GetFailureInfo("hik")
	require.True(t, ok)
	assert.Equal(t, 1, info.FailureCount)
}

func TestEventRing_EvictsOldest(t *testing.T) {
	log := zaptest.NewLogger(t)
	m := New(nil, log, Options{EventCapacity: 3})

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		m.record(Event{AdapterID: id, Type: EventHealthCheck, Success: true})
	}

	events := m.GetLifecycleEvents(EventFilter{})
	require.Len(t, events, 3)
	assert.Equal(t, "c", events[0].AdapterID)
	assert.Equal(t, "e", events[2].AdapterID)
	for _, ev := range events {
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestEvent_DurationInMilliseconds(t *testing.T) {
	ev := Event{
		ID:        "ev-1",
		AdapterID: "hik",
		Type:      EventHotReload,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Success:   true,
		Duration:  1500 * time.Millisecond,
	}
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, float64(1500), raw["durationMs"])
	assert.NotContains(t, raw, "duration")
	assert.Equal(t, "hot_reload", raw["eventType"])

	var back Event
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, ev, back)

	data, err = json.Marshal(Event{ID: "ev-2", Type: EventEnable})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "durationMs", "zero duration is omitted")
}

func TestGetLifecycleEvents_Filter(t *testing.T) {
	c := newClock()
	m := New(nil, zaptest.NewLogger(t), Options{}, WithClock(c.Now))

	m.record(Event{AdapterID: "a", Type: EventEnable, Success: true})
	c.Advance(time.Minute)
	mark := c.Now()
	m.record(Event{AdapterID: "a", Type: EventHealthCheck, Success: false})
	m.record(Event{AdapterID: "b", Type: EventHealthCheck, Success: true})
	m.record(Event{AdapterID: "a", Type: EventHealthCheck, Success: true})

	assert.Len(t, m.GetLifecycleEvents(EventFilter{AdapterID: "a"}), 3)
	assert.Len(t, m.GetLifecycleEvents(EventFilter{Type: EventHealthCheck}), 3)
	assert.Len(t, m.GetLifecycleEvents(EventFilter{Since: mark}), 3)
	assert.Len(t, m.GetLifecycleEvents(EventFilter{FailuresOnly: true}), 1)

	newest := m.GetLifecycleEvents(EventFilter{AdapterID: "a", Limit: 2})
	require.Len(t, newest, 2)
	assert.Equal(t, EventHealthCheck, newest[0].Type)
	assert.True(t, newest[1].Success)
}

func TestGetLifecycleStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.fake.SetHealth(adapter.HealthCritical)
	f.mgr.CheckHealth(ctx, "hik")
	f.mgr.CheckHealth(ctx, "hik")
	f.mgr.CheckHealth(ctx, "hik")

	stats := f.mgr.GetLifecycleStats()
	assert.Equal(t, 1, stats.AdaptersWithFailures)
	assert.Equal(t, 3, stats.TotalFailures)
	assert.Equal(t, 1, stats.IsolationLevels[IsolationWarning])
	assert.Equal(t, 3, stats.EventsByType[EventHealthCheck])
	assert.Equal(t, 1, stats.EventsByType[EventIsolationChanged])
	assert.Equal(t, 3, stats.FailedEvents)
	assert.Equal(t, stats.TotalEvents, stats.SuccessfulEvents+stats.FailedEvents)
}

func TestStartStop(t *testing.T) {
	log := zaptest.NewLogger(t)
	reg := registry.New(nil, log, registry.Options{})
	fake := testutil.NewFake("hik", "1.0.0", []string{"face_terminal"})
	require.NoError(t, reg.RegisterAdapter(context.Background(), fake, &adapter.Configuration{AdapterID: "hik", Enabled: true}, ""))

	m := New(reg, log, Options{HealthCheckInterval: 10 * time.Millisecond, RecoveryInterval: 10 * time.Millisecond})
	m.Start(context.Background())
	m.Start(context.Background())

	assert.Eventually(t, func() bool {
		return len(m.GetLifecycleEvents(EventFilter{Type: EventHealthCheck})) >= 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Shutdown(context.Background()))
	n := len(m.GetLifecycleEvents(EventFilter{}))
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, m.GetLifecycleEvents(EventFilter{}), n, "no sweeps after shutdown")
	assert.False(t, fake.Initialized())
}
