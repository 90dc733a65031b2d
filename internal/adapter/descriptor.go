package adapter

import (
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-version"
)

// Contract errors
var (
	// ErrContractViolation is returned when an adapter does not satisfy the contract
	ErrContractViolation = errors.New("adapter contract violation")
	// ErrUnsupportedCommand is returned for command types an adapter does not implement
	ErrUnsupportedCommand = errors.New("unsupported command")
	// ErrDeviceNotConnected is returned for operations on an unknown device id
	ErrDeviceNotConnected = errors.New("device not connected")
	// ErrDiscoveryNotSupported is returned by adapters without network discovery
	ErrDiscoveryNotSupported = errors.New("discovery not supported")
	// ErrNotInitialized is returned when an adapter is used before Initialize
	ErrNotInitialized = errors.New("adapter not initialized")
	// ErrEventQueueFull is returned when a subscriber falls too far behind
	ErrEventQueueFull = errors.New("event queue full")
)

var (
	idPattern      = regexp.MustCompile(`^[a-z0-9_-]+$`)
	versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+`)
)

// Capabilities describes what an adapter can do
type Capabilities struct {
	ConnectionTypes          []string `json:"connectionTypes"`
	AuthMethods              []string `json:"authMethods"`
	SupportedCommands        []string `json:"supportedCommands"`
	SupportedEvents          []string `json:"supportedEvents"`
	SupportsDiscovery        bool     `json:"supportsDiscovery"`
	SupportsStreaming        bool     `json:"supportsStreaming"`
	SupportsLogFetch         bool     `json:"supportsLogFetch"`
	MaxConcurrentConnections int      `json:"maxConcurrentConnections"`
}

// SupportsCommand reports whether cmd is in the command vocabulary
func (c Capabilities) SupportsCommand(cmd string) bool {
	for _, s := range c.SupportedCommands {
		if s == cmd {
			return true
		}
	}
	return false
}

// Descriptor is the immutable identity of an adapter
type Descriptor struct {
	ID                   string       `json:"id"`
	Name                 string       `json:"name"`
	Version              string       `json:"version"`
	Vendor               string       `json:"vendor,omitempty"`
	Description          string       `json:"description,omitempty"`
	SupportedDeviceTypes []string     `json:"supportedDeviceTypes"`
	Capabilities         Capabilities `json:"capabilities"`
}

// SupportsDeviceType reports whether the adapter drives the given device type
func (d Descriptor) SupportsDeviceType(deviceType string) bool {
	for _, t := range d.SupportedDeviceTypes {
		if t == deviceType {
			return true
		}
	}
	return false
}

// ParsedVersion returns the descriptor version, or 0.0.0 when it does not parse
func (d Descriptor) ParsedVersion() *version.Version {
	v, err := version.NewVersion(d.Version)
	if err != nil {
		return version.Must(version.NewVersion("0.0.0"))
	}
	return v
}

// ValidID reports whether id is a well-formed adapter id
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// ValidVersion reports whether v is a MAJOR.MINOR.PATCH version string
func ValidVersion(v string) bool {
	if !versionPattern.MatchString(v) {
		return false
	}
	_, err := version.NewVersion(v)
	return err == nil
}

// ValidateDescriptor checks the identity fields the registry relies on.
// All problems are reported together, wrapped in ErrContractViolation.
func ValidateDescriptor(d Descriptor) error {
	var problems []string

	if !ValidID(d.ID) {
		problems = append(problems, "id "+quote(d.ID)+" must match [a-z0-9-_]+")
	}
	if strings.TrimSpace(d.Name) == "" {
		problems = append(problems, "name is required")
	}
	if !ValidVersion(d.Version) {
		problems = append(problems, "version "+quote(d.Version)+" is not a semantic version")
	}
	if len(d.SupportedDeviceTypes) == 0 {
		problems = append(problems, "at least one supported device type is required")
	}
	for _, t := range d.SupportedDeviceTypes {
		if strings.TrimSpace(t) == "" {
			problems = append(problems, "device types must not be empty")
			break
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.Wrapf(ErrContractViolation, "adapter %s: %s", quote(d.ID), strings.Join(problems, "; "))
}

func quote(s string) string {
	return `"` + s + `"`
}
