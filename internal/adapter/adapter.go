package adapter

import (
	"context"

	"go.uber.org/zap"
)

// Adapter is the contract every vendor integration implements.
//
// Connect and ExecuteCommand report expected failures (unreachable device,
// rejected credentials, vendor errors) through their result values rather
// than an error return. GetHealth must be fast and must never panic.
type Adapter interface {
	// Descriptor returns the identity and capabilities of the adapter
	Descriptor() Descriptor

	// Initialize acquires adapter-wide resources for the given configuration
	Initialize(ctx context.Context, cfg Configuration) error

	// Shutdown releases everything Initialize and Connect acquired.
	// It is idempotent and safe on a partially initialized adapter.
	Shutdown(ctx context.Context) error

	// Connect opens a session to one physical device
	Connect(ctx context.Context, device DeviceConfiguration) ConnectionResult

	// Disconnect closes the session for a device
	Disconnect(ctx context.Context, deviceID string) error

	// GetStatus reports the current state of a connected device
	GetStatus(ctx context.Context, deviceID string) (DeviceStatus, error)

	// ExecuteCommand dispatches a command to a connected device
	ExecuteCommand(ctx context.Context, deviceID string, cmd DeviceCommand) CommandResult

	// FetchLogs reads stored event records from a device
	FetchLogs(ctx context.Context, deviceID string, opts LogOptions) ([]DeviceLog, error)

	// Subscribe delivers device events of the given types to fn until the
	// returned subscription is cancelled
	Subscribe(ctx context.Context, deviceID string, eventTypes []string, fn EventCallback) (*Subscription, error)

	// Unsubscribe cancels a subscription created by Subscribe
	Unsubscribe(ctx context.Context, sub *Subscription) error

	// DiscoverDevices probes the network for devices this adapter can drive
	DiscoverDevices(ctx context.Context, opts DiscoveryOptions) ([]DiscoveredDevice, error)

	// ValidateConfiguration checks a device configuration before use
	ValidateConfiguration(device DeviceConfiguration) ValidationResult

	// GetHealth returns the adapter's current operational status
	GetHealth(ctx context.Context) Health
}

// Factory constructs a fresh adapter instance. Adapter packages export one
// factory and the host registers it explicitly.
type Factory func(log *zap.Logger) Adapter
