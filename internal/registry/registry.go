package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"devicehub/internal/adapter"
	"devicehub/internal/configstore"
)

// Registry errors
var (
	ErrAlreadyRegistered     = errors.New("adapter already registered")
	ErrAlreadyLoaded         = errors.New("adapter origin already loaded")
	ErrNotFound              = errors.New("adapter not registered")
	ErrConfigurationNotFound = errors.New("adapter configuration not found")
	ErrConfigurationMismatch = errors.New("configuration does not belong to adapter")
	ErrNotReloadable         = errors.New("adapter has no reloadable origin")
)

// DefaultProbeTimeout bounds a single GetHealth call
const DefaultProbeTimeout = 5 * time.Second

// ConfigSource supplies and persists adapter configuration
type ConfigSource interface {
	GetMergedConfiguration(ctx context.Context, adapterID string) (*adapter.Configuration, error)
	SetEnabled(ctx context.Context, adapterID string, enabled bool) error
}

// Registration is the runtime record of a registered adapter
type Registration struct {
	Adapter      adapter.Adapter
	Descriptor   adapter.Descriptor
	Config       adapter.Configuration
	RegisteredAt time.Time
	Enabled      bool
	Health       adapter.Health
	Origin       string
	Metadata     map[string]any
}

type entry struct {
	// op serialises Initialize/Shutdown on the instance
	op  sync.Mutex
	reg Registration
}

// Options configures a Registry
type Options struct {
	// ProbeTimeout bounds each health probe
	ProbeTimeout time.Duration
	// Loaders resolve origins passed to LoadAdapter
	Loaders []Loader
}

// Registry owns adapter registrations and the device-type index
type Registry struct {
	log          *zap.Logger
	configs      ConfigSource
	validator    *configstore.Validator
	loaders      []Loader
	probeTimeout time.Duration

	mu             sync.RWMutex
	entries        map[string]*entry
	byDeviceType   map[string][]string
	origins        map[string]string
	pending        map[string]bool
	pendingOrigins map[string]bool
}

// New creates a registry. configs may be nil when every registration
// supplies an explicit configuration.
func New(configs ConfigSource, log *zap.Logger, opts Options) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	return &Registry{
		log:            log.Named("registry"),
		configs:        configs,
		validator:      configstore.NewValidator(),
		loaders:        opts.Loaders,
		probeTimeout:   opts.ProbeTimeout,
		entries:        make(map[string]*entry),
		byDeviceType:   make(map[string][]string),
		origins:        make(map[string]string),
		pending:        make(map[string]bool),
		pendingOrigins: make(map[string]bool),
	}
}

// RegisterAdapter validates, configures and initializes an adapter instance,
// indexes it by device type and runs one health probe. cfg may be nil, in
// which case the configuration store must hold a document for the adapter.
func (r *Registry) RegisterAdapter(ctx context.Context, inst adapter.Adapter, cfg *adapter.Configuration, origin string) error {
	if inst == nil {
		return errors.Wrap(adapter.ErrContractViolation, "nil adapter instance")
	}

	desc := inst.Descriptor()
	if err := adapter.ValidateDescriptor(desc); err != nil {
		return err
	}
	id := desc.ID

	r.mu.Lock()
	if _, exists := r.entries[id]; exists || r.pending[id] {
		r.mu.Unlock()
		return errors.Wrapf(ErrAlreadyRegistered, "adapter %s", id)
	}
	r.pending[id] = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	resolved, err := r.resolveConfiguration(ctx, id, cfg)
	if err != nil {
		return err
	}

	log := r.log.With(zap.String("adapter_id", id), zap.String("version", desc.Version))

	if err := inst.Initialize(ctx, resolved); err != nil {
		if serr := inst.Shutdown(ctx); serr != nil {
			log.Warn("shutdown after failed initialize", zap.Error(serr))
		}
		return errors.Wrapf(err, "initialize adapter %s", id)
	}

	if !resolved.Enabled {
		if err := inst.Shutdown(ctx); err != nil {
			log.Warn("shutdown of disabled adapter failed", zap.Error(err))
		}
	}

	e := &entry{reg: Registration{
		Adapter:      inst,
		Descriptor:   desc,
		Config:       resolved,
		RegisteredAt: time.Now(),
		Enabled:      resolved.Enabled,
		Health:       adapter.Health{Status: adapter.HealthUnknown},
		Origin:       origin,
		Metadata:     map[string]any{},
	}}

	r.mu.Lock()
	r.entries[id] = e
	r.indexLocked(id, desc.SupportedDeviceTypes)
	if origin != "" {
		r.origins[origin] = id
	}
	r.mu.Unlock()

	if resolved.Enabled {
		if _, err := r.PerformHealthCheck(ctx, id); err != nil {
			log.Warn("initial health probe failed", zap.Error(err))
		}
	}

	log.Info("adapter registered",
		zap.Strings("device_types", desc.SupportedDeviceTypes),
		zap.Bool("enabled", resolved.Enabled),
		zap.String("origin", origin),
	)
	return nil
}

// UnregisterAdapter shuts the adapter down and removes it and its index entries.
// The registration is removed even when Shutdown fails.
func (r *Registry) UnregisterAdapter(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "adapter %s", id)
	}
	delete(r.entries, id)
	r.unindexLocked(id, e.reg.Descriptor.SupportedDeviceTypes)
	if e.reg.Origin != "" && r.origins[e.reg.Origin] == id {
		delete(r.origins, e.reg.Origin)
	}
	r.mu.Unlock()

	e.op.Lock()
	err := e.reg.Adapter.Shutdown(ctx)
	e.op.Unlock()

	if err != nil {
		r.log.Warn("adapter shutdown failed during unregister", zap.String("adapter_id", id), zap.Error(err))
		return errors.Wrapf(err, "shutdown adapter %s", id)
	}

	r.log.Info("adapter unregistered", zap.String("adapter_id", id))
	return nil
}

// SetAdapterEnabled initializes or shuts down the adapter and persists the
// flag. Setting the current state is a no-op.
func (r *Registry) SetAdapterEnabled(ctx context.Context, id string, enabled bool) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}

	e.op.Lock()
	defer e.op.Unlock()

	r.mu.RLock()
	current := e.reg.Enabled
	cfg := e.reg.Config.Clone()
	inst := e.reg.Adapter
	r.mu.RUnlock()

	if current == enabled {
		return nil
	}

	if enabled {
		cfg.Enabled = true
		if err := inst.Initialize(ctx, cfg); err != nil {
			_ = inst.Shutdown(ctx)
			return errors.Wrapf(err, "initialize adapter %s", id)
		}
	} else if err := inst.Shutdown(ctx); err != nil {
		return errors.Wrapf(err, "shutdown adapter %s", id)
	}

	r.mu.Lock()
	e.reg.Enabled = enabled
	e.reg.Config.Enabled = enabled
	if !enabled {
		e.reg.Health = adapter.Health{Status: adapter.HealthUnknown, LastHealthCheck: time.Now()}
	}
	r.mu.Unlock()

	r.persistEnabled(ctx, id, enabled)

	r.log.Info("adapter enabled state changed", zap.String("adapter_id", id), zap.Bool("enabled", enabled))
	return nil
}

// RestartAdapter shuts the instance down and initializes it again with its
// current configuration, leaving it enabled on success
func (r *Registry) RestartAdapter(ctx context.Context, id string) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}

	e.op.Lock()
	defer e.op.Unlock()

	r.mu.RLock()
	cfg := e.reg.Config.Clone()
	inst := e.reg.Adapter
	r.mu.RUnlock()

	if err := inst.Shutdown(ctx); err != nil {
		r.log.Warn("shutdown before restart failed", zap.String("adapter_id", id), zap.Error(err))
	}

	cfg.Enabled = true
	if err := inst.Initialize(ctx, cfg); err != nil {
		_ = inst.Shutdown(ctx)
		r.mu.Lock()
		e.reg.Enabled = false
		r.mu.Unlock()
		return errors.Wrapf(err, "restart adapter %s", id)
	}

	r.mu.Lock()
	wasEnabled := e.reg.Enabled
	e.reg.Enabled = true
	e.reg.Config.Enabled = true
	r.mu.Unlock()

	if !wasEnabled {
		r.persistEnabled(ctx, id, true)
	}

	r.log.Info("adapter restarted", zap.String("adapter_id", id))
	return nil
}

// UpdateConfiguration replaces the configuration of a registered adapter.
// An enabled adapter is re-initialized with the new values; the enabled
// flag itself is changed only through SetAdapterEnabled.
func (r *Registry) UpdateConfiguration(ctx context.Context, id string, cfg adapter.Configuration) error {
	if cfg.AdapterID != id {
		return errors.Wrapf(ErrConfigurationMismatch, "configuration for %q applied to %s", cfg.AdapterID, id)
	}
	if res := r.validator.Validate(cfg); !res.Valid {
		return errors.Wrapf(configstore.ErrInvalidConfiguration, "adapter %s: %v", id, res.Err())
	}

	e, err := r.entry(id)
	if err != nil {
		return err
	}

	e.op.Lock()
	defer e.op.Unlock()

	r.mu.RLock()
	enabled := e.reg.Enabled
	inst := e.reg.Adapter
	r.mu.RUnlock()

	next := cfg.Clone()
	next.Enabled = enabled

	if enabled {
		if err := inst.Shutdown(ctx); err != nil {
			r.log.Warn("shutdown before reconfigure failed", zap.String("adapter_id", id), zap.Error(err))
		}
		if err := inst.Initialize(ctx, next); err != nil {
			_ = inst.Shutdown(ctx)
			r.mu.Lock()
			e.reg.Enabled = false
			e.reg.Config = next
			r.mu.Unlock()
			return errors.Wrapf(err, "reconfigure adapter %s", id)
		}
	}

	r.mu.Lock()
	e.reg.Config = next
	r.mu.Unlock()

	r.log.Info("adapter configuration applied", zap.String("adapter_id", id))
	return nil
}

// GetAdapter returns the instance registered under id
func (r *Registry) GetAdapter(id string) (adapter.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.reg.Adapter, true
}

// GetRegistration returns a copy of the registration record
func (r *Registry) GetRegistration(id string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Registration{}, false
	}
	return copyRegistration(e.reg), true
}

// ListRegistrations returns copies of every registration, oldest first
func (r *Registry) ListRegistrations() []Registration {
	r.mu.RLock()
	out := make([]Registration, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, copyRegistration(e.reg))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		return out[i].Descriptor.ID < out[j].Descriptor.ID
	})
	return out
}

// GetAdaptersByDeviceType returns registrations indexed under a device type,
// in registration order
func (r *Registry) GetAdaptersByDeviceType(deviceType string) []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byDeviceType[deviceType]
	out := make([]Registration, 0, len(ids))
	for _, id := range ids {
		if e, ok := r.entries[id]; ok {
			out = append(out, copyRegistration(e.reg))
		}
	}
	return out
}

// DeviceTypes returns every indexed device type
func (r *Registry) DeviceTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byDeviceType))
	for t := range r.byDeviceType {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Shutdown shuts down every enabled adapter and clears the registry
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.byDeviceType = make(map[string][]string)
	r.origins = make(map[string]string)
	r.mu.Unlock()

	var result *multierror.Error
	for id, e := range entries {
		e.op.Lock()
		r.mu.RLock()
		enabled, inst := e.reg.Enabled, e.reg.Adapter
		r.mu.RUnlock()
		var err error
		if enabled {
			err = inst.Shutdown(ctx)
		}
		e.op.Unlock()
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "shutdown adapter %s", id))
		}
	}

	r.log.Info("registry shut down", zap.Int("adapters", len(entries)))
	return result.ErrorOrNil()
}

func (r *Registry) entry(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "adapter %s", id)
	}
	return e, nil
}

// resolveConfiguration returns the explicit configuration or the store's merged one
func (r *Registry) resolveConfiguration(ctx context.Context, id string, cfg *adapter.Configuration) (adapter.Configuration, error) {
	if cfg != nil {
		resolved := cfg.Clone()
		if resolved.AdapterID == "" {
			resolved.AdapterID = id
		}
		if resolved.AdapterID != id {
			return adapter.Configuration{}, errors.Wrapf(ErrConfigurationMismatch,
				"configuration for %q supplied to adapter %s", resolved.AdapterID, id)
		}
		if res := r.validator.Validate(resolved); !res.Valid {
			return adapter.Configuration{}, errors.Wrapf(configstore.ErrInvalidConfiguration, "adapter %s: %v", id, res.Err())
		}
		return resolved, nil
	}

	if r.configs == nil {
		return adapter.Configuration{}, errors.Wrapf(ErrConfigurationNotFound, "adapter %s", id)
	}
	stored, err := r.configs.GetMergedConfiguration(ctx, id)
	if err != nil {
		return adapter.Configuration{}, errors.Wrapf(err, "load configuration for %s", id)
	}
	if stored == nil {
		return adapter.Configuration{}, errors.Wrapf(ErrConfigurationNotFound, "adapter %s", id)
	}
	return *stored, nil
}

func (r *Registry) persistEnabled(ctx context.Context, id string, enabled bool) {
	if r.configs == nil {
		return
	}
	err := r.configs.SetEnabled(ctx, id, enabled)
	switch {
	case err == nil:
	case errors.Is(err, configstore.ErrNotFound):
		// Explicitly configured adapters have no document to update
	default:
		r.log.Warn("persisting enabled flag failed", zap.String("adapter_id", id), zap.Error(err))
	}
}

// indexLocked appends id under each device type; r.mu must be held
func (r *Registry) indexLocked(id string, deviceTypes []string) {
	for _, t := range deviceTypes {
		ids := r.byDeviceType[t]
		present := false
		for _, existing := range ids {
			if existing == id {
				present = true
				break
			}
		}
		if !present {
			r.byDeviceType[t] = append(ids, id)
		}
	}
}

// unindexLocked removes id from each device type; r.mu must be held
func (r *Registry) unindexLocked(id string, deviceTypes []string) {
	for _, t := range deviceTypes {
		ids := r.byDeviceType[t]
		kept := ids[:0]
		for _, existing := range ids {
			if existing != id {
				kept = append(kept, existing)
			}
		}
		if len(kept) == 0 {
			delete(r.byDeviceType, t)
		} else {
			r.byDeviceType[t] = kept
		}
	}
}

func copyRegistration(reg Registration) Registration {
	out := reg
	out.Config = reg.Config.Clone()
	out.Health.Issues = append([]adapter.HealthIssue(nil), reg.Health.Issues...)
	out.Metadata = make(map[string]any, len(reg.Metadata))
	for k, v := range reg.Metadata {
		out.Metadata[k] = v
	}
	return out
}
