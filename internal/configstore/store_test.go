package configstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"devicehub/internal/adapter"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	s.lookupEnv = func(string) (string, bool) { return "", false }
	return s
}

func TestSave_RejectsOversizedPool(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.SaveConfiguration(ctx, adapter.Configuration{
		AdapterID:          "hik-1",
		Enabled:            true,
		ConnectionPoolSize: adapter.PoolSizeOf(150),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfiguration))
	assert.Contains(t, err.Error(), "connectionPoolSize")

	got, err := s.GetConfiguration(ctx, "hik-1")
	require.NoError(t, err)
	assert.Nil(t, got, "rejected configuration must not be cached or persisted")

	_, statErr := os.Stat(filepath.Join(s.Root(), "hik-1.json"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestSave_RoundTripsByteIdentically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cfg := adapter.Configuration{AdapterID: "hik-1", Enabled: true, ConnectionPoolSize: adapter.PoolSizeOf(10)}
	require.NoError(t, s.SaveConfiguration(ctx, cfg))

	written, err := os.ReadFile(filepath.Join(s.Root(), "hik-1.json"))
	require.NoError(t, err)

	// A fresh store reads from disk rather than cache
	fresh, err := New(s.Root(), zaptest.NewLogger(t))
	require.NoError(t, err)
	loaded, err := fresh.GetConfiguration(ctx, "hik-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, cfg, *loaded)

	require.NoError(t, fresh.SaveConfiguration(ctx, *loaded))
	rewritten, err := os.ReadFile(filepath.Join(s.Root(), "hik-1.json"))
	require.NoError(t, err)
	assert.Equal(t, string(written), string(rewritten))
}

func TestGetConfiguration_NotFound(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetConfiguration(context.Background(), "missing")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetConfiguration_InvalidDocumentNotCached(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	path := filepath.Join(s.Root(), "zk-1.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"adapterId":"zk-1","version":"v1"}`), 0o644))

	_, err := s.GetConfiguration(ctx, "zk-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfiguration))

	require.NoError(t, os.WriteFile(path, []byte(`{"adapterId":"zk-1","version":"1.0.0"}`), 0o644))
	got, err := s.GetConfiguration(ctx, "zk-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "1.0.0", got.Version)
}

func TestGetConfiguration_MismatchedID(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "a.json"), []byte(`{"adapterId":"b"}`), 0o644))

	_, err := s.GetConfiguration(context.Background(), "a")
	assert.True(t, errors.Is(err, ErrInvalidConfiguration))
}

func TestGetConfiguration_RejectsNonPositivePool(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "zero", doc: `{"adapterId":"hik-2","enabled":true,"connectionPoolSize":0}`},
		{name: "negative", doc: `{"adapterId":"hik-2","enabled":true,"connectionPoolSize":-1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "hik-2.json"), []byte(tt.doc), 0o644))

			got, err := s.GetConfiguration(context.Background(), "hik-2")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfiguration))
			assert.Contains(t, err.Error(), "connectionPoolSize must be at least 1")
			assert.Nil(t, got)
		})
	}

	s := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "hik-2.json"), []byte(`{"adapterId":"hik-2","enabled":true}`), 0o644))
	got, err := s.GetConfiguration(context.Background(), "hik-2")
	require.NoError(t, err)
	assert.Nil(t, got.ConnectionPoolSize)
	assert.Equal(t, adapter.DefaultConnectionPoolSize, got.PoolSize(), "an omitted pool size takes the default")
}

func TestValidate(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		name         string
		cfg          adapter.Configuration
		wantValid    bool
		wantWarnings int
	}{
		{name: "minimal", cfg: adapter.Configuration{AdapterID: "a"}, wantValid: true},
		{name: "missing id", cfg: adapter.Configuration{}, wantValid: false},
		{name: "bad id", cfg: adapter.Configuration{AdapterID: "A B"}, wantValid: false},
		{name: "bad version", cfg: adapter.Configuration{AdapterID: "a", Version: "1.x"}, wantValid: false},
		{name: "zero pool", cfg: adapter.Configuration{AdapterID: "a", ConnectionPoolSize: adapter.PoolSizeOf(0)}, wantValid: false},
		{name: "negative pool", cfg: adapter.Configuration{AdapterID: "a", ConnectionPoolSize: adapter.PoolSizeOf(-1)}, wantValid: false},
		{name: "pool of one", cfg: adapter.Configuration{AdapterID: "a", ConnectionPoolSize: adapter.PoolSizeOf(1)}, wantValid: true},
		{name: "pool at bound", cfg: adapter.Configuration{AdapterID: "a", ConnectionPoolSize: adapter.PoolSizeOf(100)}, wantValid: true, wantWarnings: 1},
		{name: "large pool warns", cfg: adapter.Configuration{AdapterID: "a", ConnectionPoolSize: adapter.PoolSizeOf(60)}, wantValid: true, wantWarnings: 1},
		{name: "unknown log level", cfg: adapter.Configuration{AdapterID: "a", LogLevel: "trace"}, wantValid: false},
		{name: "fast health check warns", cfg: adapter.Configuration{AdapterID: "a", HealthCheckInterval: 1000}, wantValid: true, wantWarnings: 1},
		{name: "negative interval", cfg: adapter.Configuration{AdapterID: "a", HealthCheckInterval: -5}, wantValid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := s.Validate(tt.cfg)
			assert.Equal(t, tt.wantValid, res.Valid, "errors: %v", res.Errors)
			assert.Len(t, res.Warnings, tt.wantWarnings)
		})
	}
}

func TestUpdateConfiguration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveConfiguration(ctx, adapter.Configuration{
		AdapterID: "hik-1",
		Enabled:   true,
		Settings:  map[string]any{"host": "10.0.0.2"},
	}))

	level := "debug"
	disabled := false
	updated, err := s.UpdateConfiguration(ctx, "hik-1", Patch{
		LogLevel: &level,
		Enabled:  &disabled,
		Settings: map[string]any{"port": float64(8000)},
	})
	require.NoError(t, err)
	assert.Equal(t, "hik-1", updated.AdapterID)
	assert.Equal(t, "debug", updated.LogLevel)
	assert.False(t, updated.Enabled)
	assert.Equal(t, map[string]any{"host": "10.0.0.2", "port": float64(8000)}, updated.Settings)

	_, err = s.UpdateConfiguration(ctx, "nobody", Patch{Enabled: &disabled})
	assert.True(t, errors.Is(err, ErrNotFound))

	bad := 500
	_, err = s.UpdateConfiguration(ctx, "hik-1", Patch{ConnectionPoolSize: &bad})
	assert.True(t, errors.Is(err, ErrInvalidConfiguration))

	got, err := s.GetConfiguration(ctx, "hik-1")
	require.NoError(t, err)
	assert.Nil(t, got.ConnectionPoolSize, "failed update must leave the previous value")
}

func TestUpdateConfiguration_ConcurrentPatchesAllApply(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveConfiguration(ctx, adapter.Configuration{AdapterID: "zk-1"}))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.UpdateConfiguration(ctx, "zk-1", Patch{
				Metadata: map[string]any{string(rune('a' + i)): true},
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := s.GetConfiguration(ctx, "zk-1")
	require.NoError(t, err)
	assert.Len(t, got.Metadata, 10)
}

func TestDeleteConfiguration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveConfiguration(ctx, adapter.Configuration{AdapterID: "hik-1"}))
	require.NoError(t, s.DeleteConfiguration(ctx, "hik-1"))
	require.NoError(t, s.DeleteConfiguration(ctx, "hik-1"))

	got, err := s.GetConfiguration(ctx, "hik-1")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestListConfigurations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveConfiguration(ctx, adapter.Configuration{AdapterID: "zk-1"}))
	require.NoError(t, s.SaveConfiguration(ctx, adapter.Configuration{AdapterID: "hik-1"}))
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "broken.json"), []byte("{"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "notes.txt"), []byte("x"), 0o644))

	list, err := s.ListConfigurations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "hik-1", list[0].AdapterID)
	assert.Equal(t, "zk-1", list[1].AdapterID)
}

func TestEnvironmentOverrides(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	env := map[string]string{
		"ADAPTER_HIK_1_ENABLED":               "false",
		"ADAPTER_HIK_1_LOG_LEVEL":             "DEBUG",
		"ADAPTER_HIK_1_CONNECTION_POOL_SIZE":  "25",
		"ADAPTER_HIK_1_HEALTH_CHECK_INTERVAL": "not-a-number",
	}
	s.lookupEnv = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	o := s.GetEnvironmentConfiguration("hik-1")
	require.NotNil(t, o.Enabled)
	assert.False(t, *o.Enabled)
	assert.Equal(t, "debug", *o.LogLevel)
	assert.Equal(t, 25, *o.ConnectionPoolSize)
	assert.Nil(t, o.HealthCheckInterval)

	require.NoError(t, s.SaveConfiguration(ctx, adapter.Configuration{AdapterID: "hik-1", Enabled: true, ConnectionPoolSize: adapter.PoolSizeOf(5)}))

	merged, err := s.GetMergedConfiguration(ctx, "hik-1")
	require.NoError(t, err)
	assert.False(t, merged.Enabled)
	assert.Equal(t, 25, merged.PoolSize())

	stored, err := s.GetConfiguration(ctx, "hik-1")
	require.NoError(t, err)
	assert.True(t, stored.Enabled, "merge must not be persisted")
	assert.Equal(t, 5, stored.PoolSize())
}

func TestEnvironmentOverrides_InvalidMergeFallsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.lookupEnv = func(k string) (string, bool) {
		if k == "ADAPTER_ZK_CONNECTION_POOL_SIZE" {
			return "1000", true
		}
		return "", false
	}

	require.NoError(t, s.SaveConfiguration(ctx, adapter.Configuration{AdapterID: "zk", ConnectionPoolSize: adapter.PoolSizeOf(4)}))
	merged, err := s.GetMergedConfiguration(ctx, "zk")
	require.NoError(t, err)
	assert.Equal(t, 4, merged.PoolSize())
}

func TestEnvPrefix(t *testing.T) {
	assert.Equal(t, "ADAPTER_HIKVISION_ISAPI_", EnvPrefix("hikvision-isapi"))
	assert.Equal(t, "ADAPTER_ZK_TCP_", EnvPrefix("zk_tcp"))
}

type changeRecorder struct {
	mu      sync.Mutex
	changes []*adapter.Configuration
	signal  chan struct{}
}

func newChangeRecorder() *changeRecorder {
	return &changeRecorder{signal: make(chan struct{}, 16)}
}

func (r *changeRecorder) record(_ string, cfg *adapter.Configuration) {
	r.mu.Lock()
	r.changes = append(r.changes, cfg)
	r.mu.Unlock()
	r.signal <- struct{}{}
}

func (r *changeRecorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.signal:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for configuration change")
	}
}

func startWatching(t *testing.T, s *Store) {
	t.Helper()
	s.watcher.WithDebounce(20 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Watch(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	time.Sleep(50 * time.Millisecond)
}

func writeDoc(t *testing.T, s *Store, cfg adapter.Configuration) {
	t.Helper()
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), cfg.AdapterID+".json"), data, 0o644))
}

func TestHotReload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := newChangeRecorder()
	s.OnChange(rec.record)

	require.NoError(t, s.SaveConfiguration(ctx, adapter.Configuration{AdapterID: "hik-1", Enabled: true}))
	startWatching(t, s)

	writeDoc(t, s, adapter.Configuration{AdapterID: "hik-1", Enabled: false, LogLevel: "warn"})
	rec.wait(t)

	got, err := s.GetConfiguration(ctx, "hik-1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, "warn", got.LogLevel)

	// A broken edit keeps the previous value
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "hik-1.json"), []byte(`{"adapterId":`), 0o644))
	time.Sleep(200 * time.Millisecond)
	got, err = s.GetConfiguration(ctx, "hik-1")
	require.NoError(t, err)
	assert.Equal(t, "warn", got.LogLevel)

	require.NoError(t, os.Remove(filepath.Join(s.Root(), "hik-1.json")))
	rec.wait(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.changes, 2)
	assert.NotNil(t, rec.changes[0])
	assert.Nil(t, rec.changes[1])
}

func TestHotReload_IgnoresOwnWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := newChangeRecorder()
	s.OnChange(rec.record)

	require.NoError(t, s.SaveConfiguration(ctx, adapter.Configuration{AdapterID: "zk-1"}))
	startWatching(t, s)

	require.NoError(t, s.SaveConfiguration(ctx, adapter.Configuration{AdapterID: "zk-1", Enabled: true}))

	select {
	case <-rec.signal:
		t.Fatal("store reported its own write as an external change")
	case <-time.After(200 * time.Millisecond):
	}
}
