package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devicehub/internal/lifecycle"
	"devicehub/internal/repository"
)

// newTestJournal creates an in-memory journal for testing
func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func event(id, adapterID string, typ lifecycle.EventType, offset time.Duration, success bool) lifecycle.Event {
	return lifecycle.Event{
		ID:        id,
		AdapterID: adapterID,
		Type:      typ,
		Timestamp: base.Add(offset),
		Success:   success,
	}
}

func TestRecordEvent_RoundTrip(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	ev := lifecycle.Event{
		ID:        "e1",
		AdapterID: "hikvision-isapi",
		Type:      lifecycle.EventHotReload,
		Timestamp: base,
		Success:   false,
		Error:     "reload: initialize failed",
		Duration:  1500 * time.Millisecond,
		Details:   map[string]any{"from": "warning", "to": "quarantine"},
	}
	require.NoError(t, j.RecordEvent(ctx, ev))

	got, err := j.Events(ctx, repository.Query{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ev.ID, got[0].ID)
	assert.Equal(t, ev.AdapterID, got[0].AdapterID)
	assert.Equal(t, ev.Type, got[0].Type)
	assert.True(t, ev.Timestamp.Equal(got[0].Timestamp))
	assert.False(t, got[0].Success)
	assert.Equal(t, ev.Error, got[0].Error)
	assert.Equal(t, ev.Duration, got[0].Duration)
	assert.Equal(t, "quarantine", got[0].Details["to"])
}

func TestRecordEvent_Idempotent(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	ev := event("dup", "zk", lifecycle.EventEnable, 0, true)
	require.NoError(t, j.RecordEvent(ctx, ev))
	require.NoError(t, j.RecordEvent(ctx, ev))

	got, err := j.Events(ctx, repository.Query{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestEvents_Query(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	for _, ev := range []lifecycle.Event{
		event("1", "hik", lifecycle.EventEnable, 0, true),
		event("2", "hik", lifecycle.EventHealthCheck, time.Minute, false),
		event("3", "zk", lifecycle.EventHealthCheck, 2*time.Minute, true),
		event("4", "hik", lifecycle.EventHealthCheck, 3*time.Minute, true),
	} {
		require.NoError(t, j.RecordEvent(ctx, ev))
	}

	tests := []struct {
		name  string
		query repository.Query
		want  []string
	}{
		{"all oldest first", repository.Query{}, []string{"1", "2", "3", "4"}},
		{"by adapter", repository.Query{AdapterID: "hik"}, []string{"1", "2", "4"}},
		{"by type", repository.Query{Type: lifecycle.EventHealthCheck}, []string{"2", "3", "4"}},
		{"since", repository.Query{Since: base.Add(2 * time.Minute)}, []string{"3", "4"}},
		{"failures", repository.Query{FailuresOnly: true}, []string{"2"}},
		{"newest two", repository.Query{Limit: 2}, []string{"3", "4"}},
		{"combined", repository.Query{AdapterID: "hik", Type: lifecycle.EventHealthCheck, Limit: 1}, []string{"4"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := j.Events(ctx, tt.query)
			require.NoError(t, err)
			ids := make([]string, 0, len(got))
			for _, ev := range got {
				ids = append(ids, ev.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestCountByType(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.RecordEvent(ctx, event("1", "hik", lifecycle.EventEnable, 0, true)))
	require.NoError(t, j.RecordEvent(ctx, event("2", "hik", lifecycle.EventHealthCheck, 0, true)))
	require.NoError(t, j.RecordEvent(ctx, event("3", "zk", lifecycle.EventHealthCheck, 0, false)))

	counts, err := j.CountByType(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[lifecycle.EventType]int{
		lifecycle.EventEnable:      1,
		lifecycle.EventHealthCheck: 2,
	}, counts)
}

func TestPrune(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.RecordEvent(ctx, event("old", "hik", lifecycle.EventEnable, -48*time.Hour, true)))
	require.NoError(t, j.RecordEvent(ctx, event("new", "hik", lifecycle.EventEnable, 0, true)))

	n, err := j.Prune(ctx, base.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := j.Events(ctx, repository.Query{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].ID)
}

func TestJournal_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	j, err := New(path)
	require.NoError(t, err)
	require.NoError(t, j.RecordEvent(ctx, event("1", "hik", lifecycle.EventEnable, 0, true)))
	require.NoError(t, j.Close())

	j, err = New(path)
	require.NoError(t, err)
	defer j.Close()

	got, err := j.Events(ctx, repository.Query{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "hik", got[0].AdapterID)
}

func TestJournal_AsLifecycleSink(t *testing.T) {
	j := newTestJournal(t)
	m := lifecycle.New(nil, nil, lifecycle.Options{}, lifecycle.WithEventSink(j))

	m.RecordFailure("hik", "x")
	m.RecordFailure("hik", "x")
	m.RecordFailure("hik", "x")

	got, err := j.Events(context.Background(), repository.Query{Type: lifecycle.EventIsolationChanged})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "warning", got[0].Details["to"])
	assert.Equal(t, m.GetLifecycleEvents(lifecycle.EventFilter{})[0].ID, got[0].ID)
}
