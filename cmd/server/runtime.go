package main

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"devicehub/internal/adapter"
	"devicehub/internal/config"
	"devicehub/internal/configstore"
	"devicehub/internal/discovery"
	"devicehub/internal/logger"
	"devicehub/internal/registry"
	"devicehub/internal/vendors/hikvision"
	"devicehub/internal/vendors/sshgate"
	"devicehub/internal/vendors/zkteco"
)

// loadHostConfig reads --config when given, otherwise the search path
func loadHostConfig() (*config.Config, string, error) {
	if configPath == "" {
		return config.Load()
	}
	cfg, path, err := config.LoadFromPath(configPath)
	if err != nil {
		return nil, path, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// builtinFactories returns the factory for every compiled-in adapter,
// keyed by the name used in the host config
func builtinFactories(b config.BuiltinAdapters) map[string]adapter.Factory {
	hik := hikvision.Factory
	if p := b.Hikvision.BinaryPath; p != nil && *p != "" {
		path := *p
		hik = func(log *zap.Logger) adapter.Adapter {
			scanner := discovery.NewNmapScanner(discovery.WithBinaryPath(path), discovery.WithLogger(log))
			return hikvision.New(log, hikvision.WithScanner(scanner))
		}
	}
	return map[string]adapter.Factory{
		"hikvision": hik,
		"zkteco":    zkteco.Factory,
		"sshgate":   sshgate.Factory,
	}
}

// newFactoryLoader registers every compiled-in factory, enabled or not, so
// a plugin origin can never shadow a builtin name. Each instance logs at the
// logLevel of its document as read when the instance is created, so a
// reload picks up level changes.
func newFactoryLoader(b config.BuiltinAdapters, store *configstore.Store) (*registry.FactoryLoader, error) {
	factories := builtinFactories(b)
	loader := registry.NewFactoryLoader()
	for _, info := range b.List() {
		f, adapterID := factories[info.Name], info.AdapterID
		wrapped := func(log *zap.Logger) adapter.Adapter {
			return f(logger.WithLevel(log, documentLevel(store, adapterID)))
		}
		if err := loader.Register(info.Name, wrapped); err != nil {
			return nil, err
		}
	}
	return loader, nil
}

func documentLevel(store *configstore.Store, adapterID string) string {
	if store == nil {
		return ""
	}
	cfg, err := store.GetMergedConfiguration(context.Background(), adapterID)
	if err != nil || cfg == nil {
		return ""
	}
	return cfg.LogLevel
}

// ensureDocument writes a minimal enabled document for a builtin adapter
// that has none yet, so a fresh install starts with its adapters running
func ensureDocument(ctx context.Context, store *configstore.Store, info config.BuiltinInfo) error {
	existing, err := store.GetConfiguration(ctx, info.AdapterID)
	if err != nil {
		return errors.Wrapf(err, "read configuration for %s", info.AdapterID)
	}
	if existing != nil {
		return nil
	}
	return store.SaveConfiguration(ctx, adapter.Configuration{
		AdapterID:          info.AdapterID,
		Name:               info.Description,
		Enabled:            true,
		ConnectionPoolSize: adapter.PoolSizeOf(adapter.DefaultConnectionPoolSize),
	})
}

// loadAdapters registers the enabled builtins and every plugin. A failing
// adapter is logged and skipped; the host runs with the rest.
func loadAdapters(ctx context.Context, cfg *config.Config, store *configstore.Store, reg *registry.Registry, log *zap.Logger) int {
	loaded := 0
	for _, info := range cfg.Adapters.Builtin.List() {
		if !info.Enabled {
			continue
		}
		if err := ensureDocument(ctx, store, info); err != nil {
			log.Error("adapter document unavailable", zap.String("adapter", info.Name), zap.Error(err))
			continue
		}
		if _, err := reg.LoadAdapter(ctx, registry.BuiltinOrigin(info.Name), nil); err != nil {
			log.Error("builtin adapter failed to load", zap.String("adapter", info.Name), zap.Error(err))
			continue
		}
		loaded++
	}
	for _, path := range cfg.Adapters.Plugins {
		if _, err := reg.LoadAdapter(ctx, path, nil); err != nil {
			log.Error("plugin adapter failed to load", zap.String("path", path), zap.Error(err))
			continue
		}
		loaded++
	}
	return loaded
}
