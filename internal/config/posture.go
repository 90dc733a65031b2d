package config

import (
	"time"

	"devicehub/internal/lifecycle"
)

// Posture selects how quickly misbehaving adapters are isolated
type Posture string

const (
	PostureCautious Posture = "cautious" // isolate early, retry slowly
	PostureBalanced Posture = "balanced" // documented defaults
	PostureTolerant Posture = "tolerant" // flaky sites, isolate late, retry often
)

// ParsePosture converts a string to Posture, defaulting to PostureBalanced
func ParsePosture(s string) Posture {
	switch s {
	case "cautious":
		return PostureCautious
	case "tolerant":
		return PostureTolerant
	default:
		return PostureBalanced
	}
}

// postureProfiles maps postures to lifecycle settings
var postureProfiles = map[Posture]lifecycle.Options{
	PostureCautious: {
		MaxFailureCount:         3,
		FailureWindow:           10 * time.Minute,
		HealthCheckInterval:     15 * time.Second,
		RecoveryInterval:        2 * time.Minute,
		GracefulShutdownTimeout: 30 * time.Second,
		ForceShutdownTimeout:    5 * time.Second,
		ProbeTimeout:            5 * time.Second,
		MaxRecoveryAttempts:     2,
	},
	PostureBalanced: lifecycle.DefaultOptions(),
	PostureTolerant: {
		MaxFailureCount:         10,
		FailureWindow:           5 * time.Minute,
		HealthCheckInterval:     60 * time.Second,
		RecoveryInterval:        30 * time.Second,
		GracefulShutdownTimeout: 45 * time.Second,
		ForceShutdownTimeout:    10 * time.Second,
		ProbeTimeout:            15 * time.Second,
		MaxRecoveryAttempts:     5,
	},
}

// Profile returns the lifecycle settings for a posture
func (p Posture) Profile() lifecycle.Options {
	if profile, ok := postureProfiles[p]; ok {
		return profile
	}
	return postureProfiles[PostureBalanced]
}
