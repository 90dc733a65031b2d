package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDescriptor() Descriptor {
	return Descriptor{
		ID:                   "hikvision-isapi",
		Name:                 "Hikvision ISAPI",
		Version:              "1.2.0",
		SupportedDeviceTypes: []string{"face_terminal"},
	}
}

func TestValidateDescriptor(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Descriptor)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Descriptor) {}},
		{name: "underscore and digits", mutate: func(d *Descriptor) { d.ID = "zk_tcp-2" }},
		{name: "uppercase id", mutate: func(d *Descriptor) { d.ID = "Hikvision" }, wantErr: true},
		{name: "id with space", mutate: func(d *Descriptor) { d.ID = "hik vision" }, wantErr: true},
		{name: "empty id", mutate: func(d *Descriptor) { d.ID = "" }, wantErr: true},
		{name: "two part version", mutate: func(d *Descriptor) { d.Version = "1.2" }, wantErr: true},
		{name: "prerelease version", mutate: func(d *Descriptor) { d.Version = "2.0.0-beta.1" }},
		{name: "garbage version", mutate: func(d *Descriptor) { d.Version = "latest" }, wantErr: true},
		{name: "no name", mutate: func(d *Descriptor) { d.Name = " " }, wantErr: true},
		{name: "no device types", mutate: func(d *Descriptor) { d.SupportedDeviceTypes = nil }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDescriptor()
			tt.mutate(&d)
			err := ValidateDescriptor(d)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrContractViolation))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestDescriptor_ParsedVersion(t *testing.T) {
	d := validDescriptor()
	assert.Equal(t, "1.2.0", d.ParsedVersion().String())

	d.Version = "nope"
	assert.Equal(t, "0.0.0", d.ParsedVersion().String())
}

func TestDeriveHealth(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name       string
		sample     HealthSample
		wantStatus HealthStatus
		wantCodes  []string
	}{
		{
			name:       "healthy",
			sample:     HealthSample{ConnectedDevices: 2, ErrorRate: 3},
			wantStatus: HealthHealthy,
		},
		{
			name:       "high error rate is critical",
			sample:     HealthSample{ConnectedDevices: 1, ErrorRate: 25},
			wantStatus: HealthCritical,
			wantCodes:  []string{IssueHighErrorRate},
		},
		{
			name:       "exactly twenty percent is a warning",
			sample:     HealthSample{ConnectedDevices: 1, ErrorRate: 20},
			wantStatus: HealthWarning,
			wantCodes:  []string{IssueElevatedErrorRate},
		},
		{
			name:       "exactly ten percent is healthy",
			sample:     HealthSample{ConnectedDevices: 1, ErrorRate: 10},
			wantStatus: HealthHealthy,
		},
		{
			name:       "no devices",
			sample:     HealthSample{},
			wantStatus: HealthWarning,
			wantCodes:  []string{IssueNoConnectedDevices},
		},
		{
			name:       "critical wins over warning",
			sample:     HealthSample{ErrorRate: 50},
			wantStatus: HealthCritical,
			wantCodes:  []string{IssueHighErrorRate, IssueNoConnectedDevices},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := DeriveHealth(tt.sample, now)
			assert.Equal(t, tt.wantStatus, h.Status)
			assert.Equal(t, now, h.LastHealthCheck)

			var codes []string
			for _, issue := range h.Issues {
				codes = append(codes, issue.Code)
			}
			assert.Equal(t, tt.wantCodes, codes)
		})
	}
}

func TestCommandStats(t *testing.T) {
	stats := NewCommandStats()
	for i := 0; i < 3; i++ {
		stats.RecordCommand(10*time.Millisecond, true)
	}
	stats.RecordCommand(30*time.Millisecond, false)

	snap := stats.Snapshot()
	assert.Equal(t, uint64(3), snap.Successful)
	assert.Equal(t, uint64(1), snap.Failed)
	assert.InDelta(t, 25.0, snap.ErrorRate, 0.001)
	assert.Equal(t, 15*time.Millisecond, snap.AverageLatency)
	assert.False(t, snap.LastCommand.IsZero())

	h := DeriveHealth(stats.Sample(1, 1), time.Now())
	assert.Equal(t, HealthCritical, h.Status)
	require.Len(t, h.Issues, 1)
	assert.Equal(t, IssueHighErrorRate, h.Issues[0].Code)

	stats.Reset()
	assert.Zero(t, stats.Snapshot().ErrorRate)
}

func TestCommandStats_ConnectionFailuresKeptApart(t *testing.T) {
	stats := NewCommandStats()
	stats.RecordConnection(true)
	stats.RecordConnection(false)
	stats.RecordConnection(false)
	stats.RecordCommand(5*time.Millisecond, true)

	snap := stats.Snapshot()
	assert.Equal(t, uint64(3), snap.Connections)
	assert.Equal(t, uint64(2), snap.ConnectionFailures)
	assert.Equal(t, uint64(0), snap.Failed)
	assert.Zero(t, snap.ErrorRate)

	h := DeriveHealth(stats.Sample(1, int(snap.Connections)), time.Now())
	assert.Equal(t, HealthHealthy, h.Status)
	assert.False(t, h.HasIssue(IssueHighErrorRate))

	stats.Reset()
	assert.Zero(t, stats.Snapshot().ConnectionFailures)
}

func TestHeapAlloc_Cached(t *testing.T) {
	first := heapAlloc()
	require.NotZero(t, first)

	_ = make([]byte, 8<<20)
	assert.Equal(t, first, heapAlloc(), "a second reading inside memRefresh reuses the first")

	memCache.Lock()
	memCache.read = time.Now().Add(-memRefresh)
	memCache.Unlock()
	heapAlloc()
	memCache.Lock()
	assert.WithinDuration(t, time.Now(), memCache.read, time.Second, "a stale reading is refreshed")
	memCache.Unlock()
}

func TestCriticalHealth(t *testing.T) {
	h := CriticalHealth(IssueHealthCheckFailed, errors.New("boom"), time.Now())
	assert.Equal(t, HealthCritical, h.Status)
	assert.True(t, h.HasIssue(IssueHealthCheckFailed))
}

func TestSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := NewSubscription(ctx, "zkteco-tcp", "door-1", []string{EventAccessGranted})
	cancel()

	assert.True(t, sub.Active(), "subscription must outlive the creating context")
	assert.NotEmpty(t, sub.ID)

	var got []DeviceEvent
	fn := func(ev DeviceEvent) { got = append(got, ev) }

	assert.True(t, sub.Deliver(fn, DeviceEvent{Type: EventAccessGranted}))
	assert.False(t, sub.Deliver(fn, DeviceEvent{Type: EventDoorOpened}))

	sub.Cancel()
	sub.Cancel()
	assert.False(t, sub.Active())
	assert.False(t, sub.Deliver(fn, DeviceEvent{Type: EventAccessGranted}))
	assert.Len(t, got, 1)

	select {
	case <-sub.Done():
	default:
		t.Fatal("Done should be closed after Cancel")
	}
}

func TestEventQueue(t *testing.T) {
	sub := NewSubscription(context.Background(), "zkteco-tcp", "door-1", []string{EventAccessGranted})
	release := make(chan struct{})
	got := make(chan DeviceEvent, 8)
	delivered := make(chan struct{}, 8)
	q := NewEventQueue(sub, func(ev DeviceEvent) {
		<-release
		got <- ev
	}, 2, func() { delivered <- struct{}{} })

	// the first event is taken by the blocked callback, two more fill the backlog
	require.NoError(t, q.Push(DeviceEvent{ID: "1", Type: EventAccessGranted}))
	require.Eventually(t, func() bool { return len(q.ch) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, q.Push(DeviceEvent{ID: "2", Type: EventAccessGranted}))
	require.NoError(t, q.Push(DeviceEvent{ID: "3", Type: EventAccessGranted}))
	assert.ErrorIs(t, q.Push(DeviceEvent{ID: "4", Type: EventAccessGranted}), ErrEventQueueFull)
	assert.NoError(t, q.Push(DeviceEvent{ID: "5", Type: EventDoorOpened}), "filtered events are skipped")

	close(release)
	for _, want := range []string{"1", "2", "3"} {
		select {
		case ev := <-got:
			assert.Equal(t, want, ev.ID)
		case <-time.After(time.Second):
			t.Fatalf("event %s not delivered", want)
		}
		<-delivered
	}

	sub.Cancel()
	select {
	case <-q.Stopped():
	case <-time.After(time.Second):
		t.Fatal("queue goroutine still running after Cancel")
	}
	assert.NoError(t, q.Push(DeviceEvent{ID: "6", Type: EventAccessGranted}))
}

func TestSettings(t *testing.T) {
	settings := map[string]any{
		"port":    "8080",
		"tls":     "true",
		"timeout": 1500,
		"retry":   "2s",
		"name":    42,
	}

	assert.Equal(t, 8080, SettingInt(settings, "port", 80))
	assert.Equal(t, 80, SettingInt(settings, "missing", 80))
	assert.True(t, SettingBool(settings, "tls", false))
	assert.Equal(t, 1500*time.Millisecond, SettingDuration(settings, "timeout", time.Second))
	assert.Equal(t, 2*time.Second, SettingDuration(settings, "retry", time.Second))
	assert.Equal(t, "42", SettingString(settings, "name", ""))
}

func TestLogOptions_Includes(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	opts := LogOptions{
		Since:      base.Add(-time.Hour),
		Until:      base.Add(time.Hour),
		EventTypes: []string{EventAccessGranted},
	}

	assert.True(t, opts.Includes(base, EventAccessGranted))
	assert.False(t, opts.Includes(base, EventAccessDenied))
	assert.False(t, opts.Includes(base.Add(-2*time.Hour), EventAccessGranted))
	assert.False(t, opts.Includes(base.Add(2*time.Hour), EventAccessGranted))
	assert.True(t, LogOptions{}.Includes(base, "anything"))
}

func TestDeviceConfiguration_Address(t *testing.T) {
	d := DeviceConfiguration{Host: "10.0.0.5"}
	assert.Equal(t, "10.0.0.5:4370", d.Address(4370))
	d.Port = 80
	assert.Equal(t, "10.0.0.5:80", d.Address(4370))
}

func TestSessions(t *testing.T) {
	s := NewSessions[*int]()
	conn := new(int)

	_, _, ok := s.Reserve(Session[*int]{Config: DeviceConfiguration{DeviceID: "d1"}, Conn: conn}, 1)
	require.True(t, ok)
	_, _, ok = s.Reserve(Session[*int]{Config: DeviceConfiguration{DeviceID: "d2"}}, 1)
	assert.False(t, ok, "pool of one is full")
	prev, replaced, ok := s.Reserve(Session[*int]{Config: DeviceConfiguration{DeviceID: "d1"}, Conn: conn}, 1)
	require.True(t, ok, "reconnect ignores the limit")
	assert.True(t, replaced)
	assert.Same(t, conn, prev.Conn)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Touch("d1", at)
	got, ok := s.Get("d1")
	require.True(t, ok)
	assert.Equal(t, at, got.LastSeen)

	next := new(int)
	assert.False(t, s.Update("d1", func(sess *Session[*int]) bool { return sess.Conn == next }))
	assert.True(t, s.Update("d1", func(sess *Session[*int]) bool {
		if sess.Conn != conn {
			return false
		}
		sess.Conn = next
		return true
	}))
	got, _ = s.Get("d1")
	assert.Same(t, next, got.Conn)
	assert.False(t, s.Update("missing", func(*Session[*int]) bool { return true }))

	sub := NewSubscription(context.Background(), "a", "d1", nil)
	other := NewSubscription(context.Background(), "a", "d9", nil)
	s.AddSubscription(sub)
	s.AddSubscription(other)
	assert.Len(t, s.Subscriptions("d1"), 1)

	_, ok = s.Remove("d1")
	require.True(t, ok)
	assert.False(t, sub.Active(), "disconnect cancels the device's subscriptions")
	assert.True(t, other.Active())
	assert.False(t, s.Has("d1"))

	s.Put(Session[*int]{Config: DeviceConfiguration{DeviceID: "d3"}})
	drained := s.Drain()
	assert.Len(t, drained, 1)
	assert.Equal(t, 0, s.Len())
	assert.False(t, other.Active())
	assert.False(t, s.RemoveSubscription(other))
}
