package adapter

import (
	"fmt"
	"runtime"
	"sync"
	"time"
)

// HealthStatus is the overall state reported by GetHealth
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
	HealthUnknown  HealthStatus = "unknown"
)

// Issue codes produced by DeriveHealth and the registry
const (
	IssueHighErrorRate      = "HIGH_ERROR_RATE"
	IssueElevatedErrorRate  = "ELEVATED_ERROR_RATE"
	IssueNoConnectedDevices = "NO_CONNECTED_DEVICES"
	IssueHealthCheckFailed  = "HEALTH_CHECK_FAILED"
	IssueNotInitialized     = "NOT_INITIALIZED"
)

// Error-rate thresholds in percent
const (
	CriticalErrorRate = 20.0
	WarningErrorRate  = 10.0
)

// HealthIssue is one problem contributing to a health status
type HealthIssue struct {
	Severity  HealthStatus `json:"severity"`
	Code      string       `json:"code"`
	Message   string       `json:"message"`
	Timestamp time.Time    `json:"timestamp"`
}

// HealthMetrics are throughput and resource figures
type HealthMetrics struct {
	ConnectionsPerSecond float64 `json:"connectionsPerSecond"`
	CommandsPerSecond    float64 `json:"commandsPerSecond"`
	EventsPerSecond      float64 `json:"eventsPerSecond"`
	MemoryBytes          uint64  `json:"memoryBytes"`
	CPUPercent           float64 `json:"cpuPercent"`
	LatencyMs            float64 `json:"latencyMs"`
}

// Health is an adapter health report. It is derived on every probe and
// never persisted.
type Health struct {
	Status                HealthStatus  `json:"status"`
	ConnectedDevices      int           `json:"connectedDevices"`
	TotalConnections      int           `json:"totalConnections"`
	ErrorRate             float64       `json:"errorRate"`
	AverageResponseTimeMs float64       `json:"averageResponseTimeMs"`
	LastHealthCheck       time.Time     `json:"lastHealthCheck"`
	Issues                []HealthIssue `json:"issues,omitempty"`
	Metrics               HealthMetrics `json:"metrics"`
}

// HasIssue reports whether an issue with the given code is present
func (h Health) HasIssue(code string) bool {
	for _, i := range h.Issues {
		if i.Code == code {
			return true
		}
	}
	return false
}

// HealthSample is the raw input to DeriveHealth
type HealthSample struct {
	ConnectedDevices      int
	TotalConnections      int
	ErrorRate             float64
	AverageResponseTimeMs float64
	Metrics               HealthMetrics
}

// DeriveHealth applies the shared thresholds to a sample:
// error rate above 20% is critical, above 10% is a warning, and no
// connected devices is a warning.
func DeriveHealth(s HealthSample, now time.Time) Health {
	h := Health{
		Status:                HealthHealthy,
		ConnectedDevices:      s.ConnectedDevices,
		TotalConnections:      s.TotalConnections,
		ErrorRate:             s.ErrorRate,
		AverageResponseTimeMs: s.AverageResponseTimeMs,
		LastHealthCheck:       now,
		Metrics:               s.Metrics,
	}

	switch {
	case s.ErrorRate > CriticalErrorRate:
		h.raise(HealthIssue{
			Severity:  HealthCritical,
			Code:      IssueHighErrorRate,
			Message:   fmt.Sprintf("error rate %.1f%% exceeds %.0f%%", s.ErrorRate, CriticalErrorRate),
			Timestamp: now,
		})
	case s.ErrorRate > WarningErrorRate:
		h.raise(HealthIssue{
			Severity:  HealthWarning,
			Code:      IssueElevatedErrorRate,
			Message:   fmt.Sprintf("error rate %.1f%% exceeds %.0f%%", s.ErrorRate, WarningErrorRate),
			Timestamp: now,
		})
	}

	if s.ConnectedDevices == 0 {
		h.raise(HealthIssue{
			Severity:  HealthWarning,
			Code:      IssueNoConnectedDevices,
			Message:   "no devices connected",
			Timestamp: now,
		})
	}

	return h
}

// raise appends an issue and lifts the status to its severity
func (h *Health) raise(issue HealthIssue) {
	h.Issues = append(h.Issues, issue)
	if severityRank(issue.Severity) > severityRank(h.Status) {
		h.Status = issue.Severity
	}
}

func severityRank(s HealthStatus) int {
	switch s {
	case HealthCritical:
		return 3
	case HealthWarning:
		return 2
	case HealthUnknown:
		return 1
	default:
		return 0
	}
}

// CriticalHealth builds the report returned when a health probe itself fails
func CriticalHealth(code string, err error, now time.Time) Health {
	return Health{
		Status:          HealthCritical,
		LastHealthCheck: now,
		Issues: []HealthIssue{{
			Severity:  HealthCritical,
			Code:      code,
			Message:   err.Error(),
			Timestamp: now,
		}},
	}
}

// CommandStats keeps the rolling counters an adapter uses for GetHealth
type CommandStats struct {
	mu           sync.Mutex
	started      time.Time
	successful   uint64
	failed       uint64
	totalLatency time.Duration
	lastCommand  time.Time
	connections  uint64
	connFailures uint64
	events       uint64
}

// NewCommandStats creates a zeroed counter set
func NewCommandStats() *CommandStats {
	return &CommandStats{started: time.Now()}
}

// RecordCommand counts one command execution
func (s *CommandStats) RecordCommand(d time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.successful++
	} else {
		s.failed++
	}
	s.totalLatency += d
	s.lastCommand = time.Now()
}

// RecordConnection counts one connection attempt. Connection attempts
// are kept apart from commands and never feed the error rate.
func (s *CommandStats) RecordConnection(ok bool) {
	s.mu.Lock()
	s.connections++
	if !ok {
		s.connFailures++
	}
	s.mu.Unlock()
}

// RecordEvent counts one delivered device event
func (s *CommandStats) RecordEvent() {
	s.mu.Lock()
	s.events++
	s.mu.Unlock()
}

// Reset zeroes the counters
func (s *CommandStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = time.Now()
	s.successful, s.failed = 0, 0
	s.totalLatency = 0
	s.lastCommand = time.Time{}
	s.connections, s.connFailures, s.events = 0, 0, 0
}

// CommandSnapshot is a consistent copy of CommandStats
type CommandSnapshot struct {
	Successful         uint64
	Failed             uint64
	ErrorRate          float64
	AverageLatency     time.Duration
	LastCommand        time.Time
	Connections        uint64
	ConnectionFailures uint64
	Events             uint64
	Elapsed            time.Duration
}

// Snapshot returns the current counters and derived rates
func (s *CommandStats) Snapshot() CommandSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := CommandSnapshot{
		Successful:         s.successful,
		Failed:             s.failed,
		LastCommand:        s.lastCommand,
		Connections:        s.connections,
		ConnectionFailures: s.connFailures,
		Events:             s.events,
		Elapsed:            time.Since(s.started),
	}
	if total := s.successful + s.failed; total > 0 {
		snap.ErrorRate = float64(s.failed) / float64(total) * 100
		snap.AverageLatency = s.totalLatency / time.Duration(total)
	}
	return snap
}

// Sample builds a HealthSample from the counters plus the caller's
// connection counts
func (s *CommandStats) Sample(connected, total int) HealthSample {
	snap := s.Snapshot()

	secs := snap.Elapsed.Seconds()
	if secs <= 0 {
		secs = 1
	}
	avgMs := float64(snap.AverageLatency) / float64(time.Millisecond)

	return HealthSample{
		ConnectedDevices:      connected,
		TotalConnections:      total,
		ErrorRate:             snap.ErrorRate,
		AverageResponseTimeMs: avgMs,
		Metrics: HealthMetrics{
			ConnectionsPerSecond: float64(snap.Connections) / secs,
			CommandsPerSecond:    float64(snap.Successful+snap.Failed) / secs,
			EventsPerSecond:      float64(snap.Events) / secs,
			MemoryBytes:          heapAlloc(),
			LatencyMs:            avgMs,
		},
	}
}

// ReadMemStats stops the world, so health checks share one reading
// refreshed at most every memRefresh.
const memRefresh = 10 * time.Second

var memCache struct {
	sync.Mutex
	read  time.Time
	bytes uint64
}

func heapAlloc() uint64 {
	memCache.Lock()
	defer memCache.Unlock()
	if time.Since(memCache.read) >= memRefresh {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		memCache.bytes = mem.HeapAlloc
		memCache.read = time.Now()
	}
	return memCache.bytes
}
