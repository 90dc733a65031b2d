// Package testutil provides a scriptable in-memory adapter for tests of the
// registry and lifecycle manager.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"devicehub/internal/adapter"
)

// FakeAdapter implements adapter.Adapter with controllable behaviour
type FakeAdapter struct {
	desc adapter.Descriptor

	mu            sync.Mutex
	cfg           adapter.Configuration
	initialized   bool
	initCalls     int
	shutdownCalls int
	initErr       error
	shutdownErr   error
	shutdownGate  chan struct{}
	shutdownEnter chan struct{}
	health        adapter.Health
	healthFn      func() adapter.Health
	devices       map[string]adapter.DeviceConfiguration
	subs          map[string]*adapter.Subscription
	callbacks     map[string]adapter.EventCallback
	stats         *adapter.CommandStats
}

// NewFake creates a healthy fake adapter
func NewFake(id, version string, deviceTypes []string, commands ...string) *FakeAdapter {
	return &FakeAdapter{
		desc: adapter.Descriptor{
			ID:                   id,
			Name:                 "Fake " + id,
			Version:              version,
			Vendor:               "test",
			SupportedDeviceTypes: deviceTypes,
			Capabilities: adapter.Capabilities{
				ConnectionTypes:   []string{"memory"},
				SupportedCommands: commands,
				SupportedEvents:   []string{adapter.EventAccessGranted},
				SupportsStreaming: true,
			},
		},
		health:    adapter.Health{Status: adapter.HealthHealthy, ConnectedDevices: 1},
		devices:   make(map[string]adapter.DeviceConfiguration),
		subs:      make(map[string]*adapter.Subscription),
		callbacks: make(map[string]adapter.EventCallback),
		stats:     adapter.NewCommandStats(),
	}
}

// Factory returns an adapter.Factory producing fresh fakes from a template
func Factory(id, version string, deviceTypes []string, commands ...string) adapter.Factory {
	return func(_ *zap.Logger) adapter.Adapter {
		return NewFake(id, version, deviceTypes, commands...)
	}
}

// Descriptor implements adapter.Adapter
func (f *FakeAdapter) Descriptor() adapter.Descriptor {
	return f.desc
}

// WithDescriptor replaces the descriptor, for contract violation tests
func (f *FakeAdapter) WithDescriptor(mutate func(*adapter.Descriptor)) *FakeAdapter {
	mutate(&f.desc)
	return f
}

// Initialize implements adapter.Adapter
func (f *FakeAdapter) Initialize(_ context.Context, cfg adapter.Configuration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	if f.initErr != nil {
		return f.initErr
	}
	f.cfg = cfg
	f.initialized = true
	return nil
}

// Shutdown implements adapter.Adapter
func (f *FakeAdapter) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	f.shutdownCalls++
	gate, enter := f.shutdownGate, f.shutdownEnter
	err := f.shutdownErr
	f.mu.Unlock()

	if enter != nil {
		select {
		case enter <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.initialized = false
	for id, sub := range f.subs {
		sub.Cancel()
		delete(f.subs, id)
	}
	f.devices = make(map[string]adapter.DeviceConfiguration)
	return nil
}

// Connect implements adapter.Adapter
func (f *FakeAdapter) Connect(_ context.Context, device adapter.DeviceConfiguration) adapter.ConnectionResult {
	if res := f.ValidateConfiguration(device); !res.Valid {
		return adapter.FailedConnection(device.DeviceID, res.Err())
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.initialized {
		return adapter.FailedConnection(device.DeviceID, adapter.ErrNotInitialized)
	}
	f.devices[device.DeviceID] = device
	f.stats.RecordConnection(true)
	return adapter.ConnectionResult{
		Success:     true,
		DeviceID:    device.DeviceID,
		DeviceInfo:  &adapter.DeviceInfo{Manufacturer: "test", Model: f.desc.ID},
		ConnectedAt: time.Now(),
	}
}

// Disconnect implements adapter.Adapter
func (f *FakeAdapter) Disconnect(_ context.Context, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.devices, deviceID)
	return nil
}

// GetStatus implements adapter.Adapter
func (f *FakeAdapter) GetStatus(_ context.Context, deviceID string) (adapter.DeviceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.devices[deviceID]; !ok {
		return adapter.DeviceStatus{}, errors.Wrapf(adapter.ErrDeviceNotConnected, "device %s", deviceID)
	}
	return adapter.DeviceStatus{DeviceID: deviceID, Online: true, State: adapter.DeviceOnline, LastSeen: time.Now()}, nil
}

// ExecuteCommand implements adapter.Adapter
func (f *FakeAdapter) ExecuteCommand(_ context.Context, deviceID string, cmd adapter.DeviceCommand) adapter.CommandResult {
	started := time.Now()
	if !f.desc.Capabilities.SupportsCommand(cmd.Type) {
		f.stats.RecordCommand(time.Since(started), false)
		return adapter.FailedCommand(cmd.Type, errors.Wrapf(adapter.ErrUnsupportedCommand, "%s", cmd.Type), started)
	}
	f.stats.RecordCommand(time.Since(started), true)
	return adapter.CommandResult{
		Success:     true,
		CommandType: cmd.Type,
		Data:        map[string]any{"deviceId": deviceID},
		Duration:    time.Since(started),
		ExecutedAt:  started,
	}
}

// FetchLogs implements adapter.Adapter
func (f *FakeAdapter) FetchLogs(context.Context, string, adapter.LogOptions) ([]adapter.DeviceLog, error) {
	return nil, nil
}

// Subscribe implements adapter.Adapter
func (f *FakeAdapter) Subscribe(ctx context.Context, deviceID string, eventTypes []string, fn adapter.EventCallback) (*adapter.Subscription, error) {
	sub := adapter.NewSubscription(ctx, f.desc.ID, deviceID, eventTypes)
	f.mu.Lock()
	f.subs[sub.ID] = sub
	f.callbacks[sub.ID] = fn
	f.mu.Unlock()
	return sub, nil
}

// Unsubscribe implements adapter.Adapter
func (f *FakeAdapter) Unsubscribe(_ context.Context, sub *adapter.Subscription) error {
	sub.Cancel()
	f.mu.Lock()
	delete(f.subs, sub.ID)
	delete(f.callbacks, sub.ID)
	f.mu.Unlock()
	return nil
}

// Emit delivers an event to every matching subscription
func (f *FakeAdapter) Emit(ev adapter.DeviceEvent) int {
	f.mu.Lock()
	type target struct {
		sub *adapter.Subscription
		fn  adapter.EventCallback
	}
	var targets []target
	for id, sub := range f.subs {
		if sub.DeviceID == ev.DeviceID {
			targets = append(targets, target{sub, f.callbacks[id]})
		}
	}
	f.mu.Unlock()

	n := 0
	for _, t := range targets {
		if t.sub.Deliver(t.fn, ev) {
			n++
		}
	}
	return n
}

// DiscoverDevices implements adapter.Adapter
func (f *FakeAdapter) DiscoverDevices(context.Context, adapter.DiscoveryOptions) ([]adapter.DiscoveredDevice, error) {
	return nil, adapter.ErrDiscoveryNotSupported
}

// ValidateConfiguration implements adapter.Adapter
func (f *FakeAdapter) ValidateConfiguration(device adapter.DeviceConfiguration) adapter.ValidationResult {
	res := adapter.NewValidationResult()
	if device.DeviceID == "" {
		res.AddError("deviceId is required")
	}
	return res
}

// GetHealth implements adapter.Adapter
func (f *FakeAdapter) GetHealth(context.Context) adapter.Health {
	f.mu.Lock()
	fn, h := f.healthFn, f.health
	f.mu.Unlock()
	if fn != nil {
		return fn()
	}
	h.LastHealthCheck = time.Now()
	return h
}

// SetHealth fixes the report returned by GetHealth
func (f *FakeAdapter) SetHealth(status adapter.HealthStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthFn = nil
	f.health = adapter.Health{Status: status, ConnectedDevices: 1}
}

// SetHealthFunc makes GetHealth call fn, which may block or panic
func (f *FakeAdapter) SetHealthFunc(fn func() adapter.Health) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthFn = fn
}

// SetInitError makes Initialize fail
func (f *FakeAdapter) SetInitError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initErr = err
}

// SetShutdownError makes Shutdown fail
func (f *FakeAdapter) SetShutdownError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdownErr = err
}

// BlockShutdown holds Shutdown until the returned release func is called.
// entered receives a value each time Shutdown starts waiting.
func (f *FakeAdapter) BlockShutdown() (entered <-chan struct{}, release func()) {
	gate := make(chan struct{})
	enter := make(chan struct{}, 8)
	f.mu.Lock()
	f.shutdownGate = gate
	f.shutdownEnter = enter
	f.mu.Unlock()

	var once sync.Once
	return enter, func() { once.Do(func() { close(gate) }) }
}

// InitCalls returns the number of Initialize calls
func (f *FakeAdapter) InitCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initCalls
}

// ShutdownCalls returns the number of Shutdown calls
func (f *FakeAdapter) ShutdownCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdownCalls
}

// Initialized reports whether the fake is between Initialize and Shutdown
func (f *FakeAdapter) Initialized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initialized
}

// Config returns the configuration passed to the last Initialize
func (f *FakeAdapter) Config() adapter.Configuration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}
