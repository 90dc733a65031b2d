package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType names a lifecycle action
type EventType string

const (
	EventHotReload        EventType = "hot_reload"
	EventEnable           EventType = "enable"
	EventDisable          EventType = "disable"
	EventHealthCheck      EventType = "health_check"
	EventRecoveryAttempt  EventType = "recovery_attempt"
	EventRecovered        EventType = "recovered"
	EventGracefulShutdown EventType = "graceful_shutdown"
	EventForceShutdown    EventType = "force_shutdown"
	EventConfigReload     EventType = "config_reload"
	EventIsolationChanged EventType = "isolation_changed"
)

// Event is an immutable audit record of a lifecycle action. Duration is
// encoded as whole milliseconds under durationMs.
type Event struct {
	ID        string         `json:"id"`
	AdapterID string         `json:"adapterId"`
	Type      EventType      `json:"eventType"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"-"`
}

type eventFields Event

type eventJSON struct {
	eventFields
	DurationMs int64 `json:"durationMs,omitempty"`
}

// MarshalJSON implements json.Marshaler
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventJSON{eventFields: eventFields(e), DurationMs: e.Duration.Milliseconds()})
}

// UnmarshalJSON implements json.Unmarshaler
func (e *Event) UnmarshalJSON(data []byte) error {
	var v eventJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*e = Event(v.eventFields)
	e.Duration = time.Duration(v.DurationMs) * time.Millisecond
	return nil
}

// eventRing keeps the most recent events, evicting the oldest
type eventRing struct {
	buf   []Event
	start int
	size  int
}

func newEventRing(capacity int) *eventRing {
	return &eventRing{buf: make([]Event, capacity)}
}

func (r *eventRing) push(ev Event) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = ev
		r.size++
		return
	}
	r.buf[r.start] = ev
	r.start = (r.start + 1) % len(r.buf)
}

// all returns events oldest first
func (r *eventRing) all() []Event {
	out := make([]Event, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

// EventFilter selects events from the history. Zero fields match everything.
type EventFilter struct {
	AdapterID string
	Type      EventType
	Since     time.Time
	// FailuresOnly keeps only unsuccessful events
	FailuresOnly bool
	// Limit keeps the newest matches
	Limit int
}

func (f EventFilter) matches(ev Event) bool {
	if f.AdapterID != "" && ev.AdapterID != f.AdapterID {
		return false
	}
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if f.FailuresOnly && ev.Success {
		return false
	}
	return true
}

// GetLifecycleEvents returns matching events oldest first
func (m *Manager) GetLifecycleEvents(filter EventFilter) []Event {
	m.evMu.Lock()
	all := m.events.all()
	m.evMu.Unlock()

	var out []Event
	for _, ev := range all {
		if filter.matches(ev) {
			out = append(out, ev)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// record stamps and stores an event and forwards it to the sink
func (m *Manager) record(ev Event) Event {
	ev.ID = uuid.NewString()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now()
	}

	m.evMu.Lock()
	m.events.push(ev)
	m.evMu.Unlock()

	if m.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.sink.RecordEvent(ctx, ev); err != nil {
			m.log.Warn("event journal write failed", zap.String("event_id", ev.ID), zap.Error(err))
		}
	}
	return ev
}

// Stats summarises lifecycle history and failure state
type Stats struct {
	TotalEvents          int                    `json:"totalEvents"`
	SuccessfulEvents     int                    `json:"successfulEvents"`
	FailedEvents         int                    `json:"failedEvents"`
	EventsByType         map[EventType]int      `json:"eventsByType"`
	AdaptersWithFailures int                    `json:"adaptersWithFailures"`
	TotalFailures        int                    `json:"totalFailures"`
	RecoveryAttempts     int                    `json:"recoveryAttempts"`
	IsolationLevels      map[IsolationLevel]int `json:"isolationLevels"`
}

// GetLifecycleStats counts retained events and current failure records
func (m *Manager) GetLifecycleStats() Stats {
	s := Stats{
		EventsByType:    make(map[EventType]int),
		IsolationLevels: make(map[IsolationLevel]int),
	}

	m.evMu.Lock()
	for _, ev := range m.events.all() {
		s.TotalEvents++
		if ev.Success {
			s.SuccessfulEvents++
		} else {
			s.FailedEvents++
		}
		s.EventsByType[ev.Type]++
	}
	m.evMu.Unlock()

	m.mu.Lock()
	for _, info := range m.failures {
		s.AdaptersWithFailures++
		s.TotalFailures += info.FailureCount
		s.RecoveryAttempts += info.RecoveryAttempts
		s.IsolationLevels[info.IsolationLevel]++
	}
	m.mu.Unlock()

	return s
}
