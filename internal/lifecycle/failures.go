package lifecycle

import (
	"time"

	"go.uber.org/zap"
)

// IsolationLevel is how far a misbehaving adapter is held back
type IsolationLevel string

const (
	IsolationNone       IsolationLevel = "none"
	IsolationWarning    IsolationLevel = "warning"
	IsolationQuarantine IsolationLevel = "quarantine"
	IsolationDisabled   IsolationLevel = "disabled"
)

func (l IsolationLevel) rank() int {
	switch l {
	case IsolationWarning:
		return 1
	case IsolationQuarantine:
		return 2
	case IsolationDisabled:
		return 3
	default:
		return 0
	}
}

// FailureReason is one recorded failure
type FailureReason struct {
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// FailureInfo tracks failures of one adapter. It exists only while at
// least one failure is uncleared.
type FailureInfo struct {
	AdapterID           string          `json:"adapterId"`
	FailureCount        int             `json:"failureCount"`
	LastFailure         time.Time       `json:"lastFailure"`
	FailureReasons      []FailureReason `json:"failureReasons"`
	IsolationLevel      IsolationLevel  `json:"isolationLevel"`
	RecoveryAttempts    int             `json:"recoveryAttempts"`
	LastRecoveryAttempt time.Time       `json:"lastRecoveryAttempt,omitempty"`
}

func (f *FailureInfo) clone() FailureInfo {
	out := *f
	out.FailureReasons = append([]FailureReason(nil), f.FailureReasons...)
	return out
}

// RecordFailure counts a failure inside the trailing window and escalates
// isolation: at MaxFailureCount to quarantine, at half of it to warning.
// Isolation never decreases here and never reaches disabled.
func (m *Manager) RecordFailure(adapterID, reason string) FailureInfo {
	now := m.now()

	m.mu.Lock()
	info, ok := m.failures[adapterID]
	if !ok {
		info = &FailureInfo{AdapterID: adapterID, IsolationLevel: IsolationNone}
		m.failures[adapterID] = info
	}

	cutoff := now.Add(-m.opts.FailureWindow)
	kept := info.FailureReasons[:0]
	for _, r := range info.FailureReasons {
		if r.At.After(cutoff) {
			kept = append(kept, r)
		}
	}
	info.FailureReasons = append(kept, FailureReason{At: now, Reason: reason})
	info.FailureCount = len(info.FailureReasons)
	info.LastFailure = now

	target := IsolationNone
	switch {
	case info.FailureCount >= m.opts.MaxFailureCount:
		target = IsolationQuarantine
	case float64(info.FailureCount) >= float64(m.opts.MaxFailureCount)/2:
		target = IsolationWarning
	}
	from, changed := m.escalateLocked(info, target)
	snapshot := info.clone()
	m.mu.Unlock()

	m.log.Warn("adapter failure recorded",
		zap.String("adapter_id", adapterID),
		zap.String("reason", reason),
		zap.Int("failure_count", snapshot.FailureCount),
		zap.String("isolation", string(snapshot.IsolationLevel)),
	)
	if changed {
		m.isolationChanged(adapterID, from, snapshot.IsolationLevel, reason)
	}
	return snapshot
}

// escalateLocked raises isolation to target if higher; m.mu must be held
func (m *Manager) escalateLocked(info *FailureInfo, target IsolationLevel) (IsolationLevel, bool) {
	from := info.IsolationLevel
	if target.rank() <= from.rank() {
		return from, false
	}
	info.IsolationLevel = target
	return from, true
}

func (m *Manager) isolationChanged(adapterID string, from, to IsolationLevel, reason string) {
	m.log.Warn("adapter isolation changed",
		zap.String("adapter_id", adapterID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	m.record(Event{
		AdapterID: adapterID,
		Type:      EventIsolationChanged,
		Success:   true,
		Details: map[string]any{
			"from":   string(from),
			"to":     string(to),
			"reason": reason,
		},
	})
}

// GetFailureInfo returns a copy of the adapter's failure record
func (m *Manager) GetFailureInfo(adapterID string) (FailureInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.failures[adapterID]
	if !ok {
		return FailureInfo{}, false
	}
	return info.clone(), true
}

// IsolationLevel returns the adapter's isolation, none when it has no failures
func (m *Manager) IsolationLevel(adapterID string) IsolationLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.failures[adapterID]; ok {
		return info.IsolationLevel
	}
	return IsolationNone
}

// clearFailures drops the failure record. With onlyAutomatic set, records
// at quarantine or disabled are kept. Reports whether a record was removed.
func (m *Manager) clearFailures(adapterID string, onlyAutomatic bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.failures[adapterID]
	if !ok {
		return false
	}
	if onlyAutomatic && info.IsolationLevel.rank() >= IsolationQuarantine.rank() {
		return false
	}
	delete(m.failures, adapterID)
	return true
}
