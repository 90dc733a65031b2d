package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"devicehub/internal/config"
	"devicehub/internal/configstore"
	"devicehub/internal/registry"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestValidateDocument(t *testing.T) {
	dir := t.TempDir()
	v := configstore.NewValidator()

	res, err := validateDocument(v, writeFile(t, dir, "zkteco-tcp.json", `{"adapterId":"zkteco-tcp","enabled":true,"connectionPoolSize":60}`))
	require.NoError(t, err)
	assert.True(t, res.Valid, res.Errors)
	assert.Len(t, res.Warnings, 1)

	res, err = validateDocument(v, writeFile(t, dir, "other.json", `{"adapterId":"zkteco-tcp","enabled":true}`))
	require.NoError(t, err)
	assert.False(t, res.Valid)

	res, err = validateDocument(v, writeFile(t, dir, "bad-id.json", `{"adapterId":"Bad ID","enabled":true}`))
	require.NoError(t, err)
	assert.False(t, res.Valid)

	for _, pool := range []string{"0", "-1"} {
		res, err = validateDocument(v, writeFile(t, dir, "zkteco-tcp.json", `{"adapterId":"zkteco-tcp","enabled":true,"connectionPoolSize":`+pool+`}`))
		require.NoError(t, err)
		assert.False(t, res.Valid, "pool size %s", pool)
		assert.Contains(t, res.Errors, "connectionPoolSize must be at least 1")
	}

	_, err = validateDocument(v, writeFile(t, dir, "broken.json", `{`))
	assert.Error(t, err)
}

func TestBuiltinFactories(t *testing.T) {
	path := "/opt/nmap/bin/nmap"
	b := config.DefaultBuiltins()
	b.Hikvision.BinaryPath = &path

	factories := builtinFactories(b)
	for _, info := range b.List() {
		f, ok := factories[info.Name]
		require.True(t, ok, info.Name)
		assert.Equal(t, info.AdapterID, f(zaptest.NewLogger(t)).Descriptor().ID)
	}

	loader, err := newFactoryLoader(b, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"hikvision", "sshgate", "zkteco"}, loader.Names())

	inst, err := loader.Load(context.Background(), registry.BuiltinOrigin("zkteco"), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "zkteco-tcp", inst.Descriptor().ID)
}

func TestLoadAdapters(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	cfg := config.DefaultConfig()
	cfg.Adapters.ConfigPath = t.TempDir()
	cfg.Adapters.Plugins = []string{filepath.Join(t.TempDir(), "missing.so")}

	store, err := configstore.New(cfg.Adapters.ConfigPath, log)
	require.NoError(t, err)
	factories, err := newFactoryLoader(cfg.Adapters.Builtin, store)
	require.NoError(t, err)
	reg := registry.New(store, log, registry.Options{
		Loaders: []registry.Loader{factories, registry.NewPluginLoader()},
	})
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	loaded := loadAdapters(ctx, cfg, store, reg, log)
	assert.Equal(t, 2, loaded, "enabled builtins load, the missing plugin is skipped")

	doc, err := store.GetConfiguration(ctx, "zkteco-tcp")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.True(t, doc.Enabled)
	require.NotNil(t, doc.ConnectionPoolSize, "written documents carry an explicit pool size")
	assert.Equal(t, 10, *doc.ConnectionPoolSize)
	assert.True(t, store.Validate(*doc).Valid)

	_, ok := reg.GetAdapter("hikvision-isapi")
	assert.True(t, ok)
	_, ok = reg.GetAdapter("ssh-gate")
	assert.False(t, ok, "disabled by default")

	// a second pass keeps the existing documents
	require.NoError(t, ensureDocument(ctx, store, cfg.Adapters.Builtin.List()[1]))
}
