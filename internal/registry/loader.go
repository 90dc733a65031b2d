package registry

import (
	"context"
	"plugin"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"devicehub/internal/adapter"
)

// BuiltinScheme prefixes origins resolved by a FactoryLoader
const BuiltinScheme = "builtin:"

// FactorySymbol is the symbol an adapter plugin must export
const FactorySymbol = "NewAdapter"

// Loader resolves an origin string to a fresh adapter instance
type Loader interface {
	// Handles reports whether the loader understands the origin
	Handles(origin string) bool
	// Load creates a new instance from the origin
	Load(ctx context.Context, origin string, log *zap.Logger) (adapter.Adapter, error)
	// Invalidate drops anything cached for the origin
	Invalidate(origin string)
}

// BuiltinOrigin returns the origin for a factory registered under name
func BuiltinOrigin(name string) string {
	return BuiltinScheme + name
}

// FactoryLoader serves adapters compiled into the host
type FactoryLoader struct {
	mu        sync.RWMutex
	factories map[string]adapter.Factory
}

// NewFactoryLoader creates an empty factory table
func NewFactoryLoader() *FactoryLoader {
	return &FactoryLoader{factories: make(map[string]adapter.Factory)}
}

// Register adds a named factory
func (l *FactoryLoader) Register(name string, f adapter.Factory) error {
	if f == nil {
		return errors.Newf("factory %s is nil", name)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.factories[name]; exists {
		return errors.Newf("factory %s already registered", name)
	}
	l.factories[name] = f
	return nil
}

// Names returns the registered factory names
func (l *FactoryLoader) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.factories))
	for n := range l.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Handles implements Loader
func (l *FactoryLoader) Handles(origin string) bool {
	return strings.HasPrefix(origin, BuiltinScheme)
}

// Load implements Loader
func (l *FactoryLoader) Load(_ context.Context, origin string, log *zap.Logger) (adapter.Adapter, error) {
	name := strings.TrimPrefix(origin, BuiltinScheme)

	l.mu.RLock()
	f, ok := l.factories[name]
	l.mu.RUnlock()
	if !ok {
		return nil, errors.Newf("no adapter factory named %q", name)
	}

	inst := f(log.Named(name))
	if inst == nil {
		return nil, errors.Wrapf(adapter.ErrContractViolation, "factory %s returned nil", name)
	}
	return inst, nil
}

// Invalidate implements Loader. Factories hold no per-origin state.
func (l *FactoryLoader) Invalidate(string) {}

// symbolTable is the part of *plugin.Plugin the loader uses
type symbolTable interface {
	Lookup(symName string) (plugin.Symbol, error)
}

// PluginLoader loads adapters from Go plugins (.so files). Each plugin
// exports exactly one factory named NewAdapter.
//
// The Go runtime never unloads a plugin, so Invalidate only forgets the
// resolved factory; loading changed code needs a new file path.
type PluginLoader struct {
	open func(path string) (symbolTable, error)

	mu        sync.Mutex
	factories map[string]adapter.Factory
}

// NewPluginLoader creates a loader backed by the plugin package
func NewPluginLoader() *PluginLoader {
	return &PluginLoader{
		open: func(path string) (symbolTable, error) {
			return plugin.Open(path)
		},
		factories: make(map[string]adapter.Factory),
	}
}

// Handles implements Loader
func (l *PluginLoader) Handles(origin string) bool {
	return strings.HasSuffix(origin, ".so")
}

// Load implements Loader
func (l *PluginLoader) Load(_ context.Context, origin string, log *zap.Logger) (adapter.Adapter, error) {
	f, err := l.factory(origin)
	if err != nil {
		return nil, err
	}
	inst := f(log)
	if inst == nil {
		return nil, errors.Wrapf(adapter.ErrContractViolation, "plugin %s returned nil adapter", origin)
	}
	return inst, nil
}

// Invalidate implements Loader
func (l *PluginLoader) Invalidate(origin string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.factories, origin)
}

func (l *PluginLoader) factory(path string) (adapter.Factory, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if f, ok := l.factories[path]; ok {
		return f, nil
	}

	p, err := l.open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open plugin %s", path)
	}
	sym, err := p.Lookup(FactorySymbol)
	if err != nil {
		return nil, errors.Wrapf(adapter.ErrContractViolation, "plugin %s does not export %s", path, FactorySymbol)
	}

	var f adapter.Factory
	switch fn := sym.(type) {
	case func(*zap.Logger) adapter.Adapter:
		f = fn
	case adapter.Factory:
		f = fn
	case *adapter.Factory:
		f = *fn
	default:
		return nil, errors.Wrapf(adapter.ErrContractViolation,
			"plugin %s: %s has type %T, want func(*zap.Logger) adapter.Adapter", path, FactorySymbol, sym)
	}

	l.factories[path] = f
	return f, nil
}

// LoadAdapter resolves origin through the configured loaders and registers
// the resulting instance. Loading an origin that is already registered fails.
func (r *Registry) LoadAdapter(ctx context.Context, origin string, cfg *adapter.Configuration) (adapter.Adapter, error) {
	loader := r.loaderFor(origin)
	if loader == nil {
		return nil, errors.Newf("no loader handles origin %q", origin)
	}

	r.mu.Lock()
	if owner, loaded := r.origins[origin]; loaded || r.pendingOrigins[origin] {
		r.mu.Unlock()
		if owner == "" {
			owner = "pending"
		}
		return nil, errors.Wrapf(ErrAlreadyLoaded, "origin %s (adapter %s)", origin, owner)
	}
	r.pendingOrigins[origin] = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pendingOrigins, origin)
		r.mu.Unlock()
	}()

	inst, err := loader.Load(ctx, origin, r.log)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", origin)
	}

	if err := r.RegisterAdapter(ctx, inst, cfg, origin); err != nil {
		return nil, err
	}
	return inst, nil
}

// ReloadAdapter replaces a registered adapter with a fresh instance from the
// same origin. The store's current configuration is used when available,
// otherwise the previous one. If the new instance cannot be registered the
// previous instance is registered again.
func (r *Registry) ReloadAdapter(ctx context.Context, id string) error {
	prev, ok := r.GetRegistration(id)
	if !ok {
		return errors.Wrapf(ErrNotFound, "adapter %s", id)
	}
	loader := r.loaderFor(prev.Origin)
	if prev.Origin == "" || loader == nil {
		return errors.Wrapf(ErrNotReloadable, "adapter %s", id)
	}

	log := r.log.With(zap.String("adapter_id", id), zap.String("origin", prev.Origin))

	if err := r.UnregisterAdapter(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		log.Warn("unregister before reload reported an error", zap.Error(err))
	}
	loader.Invalidate(prev.Origin)

	cfg := prev.Config.Clone()
	cfg.Enabled = prev.Enabled
	if r.configs != nil {
		fresh, err := r.configs.GetMergedConfiguration(ctx, id)
		switch {
		case err != nil:
			log.Warn("using previous configuration for reload", zap.Error(err))
		case fresh != nil:
			cfg = *fresh
		}
	}

	inst, err := r.LoadAdapter(ctx, prev.Origin, &cfg)
	if err != nil {
		restoreCfg := prev.Config.Clone()
		restoreCfg.Enabled = prev.Enabled
		if rerr := r.RegisterAdapter(ctx, prev.Adapter, &restoreCfg, prev.Origin); rerr != nil {
			log.Error("restoring previous instance failed", zap.Error(rerr))
		}
		return errors.Wrapf(err, "reload adapter %s", id)
	}

	log.Info("adapter reloaded", zap.String("version", inst.Descriptor().Version))
	return nil
}

func (r *Registry) loaderFor(origin string) Loader {
	for _, l := range r.loaders {
		if l.Handles(origin) {
			return l
		}
	}
	return nil
}
