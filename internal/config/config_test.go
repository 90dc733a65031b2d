package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devicehub/internal/lifecycle"
)

// isolate points every search location at empty temp directories
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv(EnvConfigPath, "")
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	t.Setenv("HOME", filepath.Join(dir, "home"))
	for _, key := range []string{
		KeyConfigPath, KeyMaxFailureCount, KeyFailureWindow,
		KeyRecoveryInterval, KeyHealthCheckInterval, KeyGracefulShutdownTimeout,
	} {
		t.Setenv(EnvPrefix+"_"+strings.ToUpper(key), "")
	}
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestParsePosture(t *testing.T) {
	tests := []struct {
		input string
		want  Posture
	}{
		{"cautious", PostureCautious},
		{"balanced", PostureBalanced},
		{"tolerant", PostureTolerant},
		{"reckless", PostureBalanced},
		{"", PostureBalanced},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParsePosture(tt.input), tt.input)
	}
}

func TestPostureProfile(t *testing.T) {
	assert.Equal(t, lifecycle.DefaultOptions(), PostureBalanced.Profile())
	assert.Equal(t, PostureBalanced.Profile(), Posture("unknown").Profile())

	cautious := PostureCautious.Profile()
	tolerant := PostureTolerant.Profile()
	assert.Less(t, cautious.MaxFailureCount, tolerant.MaxFailureCount)
	assert.Less(t, cautious.HealthCheckInterval, tolerant.HealthCheckInterval)
	assert.Less(t, cautious.MaxRecoveryAttempts, tolerant.MaxRecoveryAttempts)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 1, cfg.Version)
	assert.Equal(t, PostureBalanced, cfg.Posture)
	assert.Equal(t, DefaultAdapterConfigPath, cfg.Adapters.ConfigPath)
	assert.True(t, cfg.Adapters.WatchEnabled())
	assert.Equal(t, []string{"hikvision", "zkteco"}, cfg.Adapters.Builtin.Enabled())
	assert.True(t, cfg.Journal.Enabled)
	assert.Equal(t, DefaultJournalRetention, cfg.Journal.Retention.Duration())
	assert.Equal(t, lifecycle.DefaultOptions(), cfg.EffectiveLifecycle())
}

func TestLoadFromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devicehub.yaml")
	writeFile(t, path, `
posture: cautious
lifecycle:
  max_failure_count: 4
  health_check_interval: 45s
  recovery_interval: 90000
adapters:
  config_path: /var/lib/devicehub/adapters
  watch: false
  builtin:
    sshgate:
      enabled: true
  plugins:
    - /opt/devicehub/acme.so
journal:
  retention: 168h
logging:
  format: console
`)

	cfg, got, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	assert.Equal(t, PostureCautious, cfg.Posture)
	assert.Equal(t, "/var/lib/devicehub/adapters", cfg.Adapters.ConfigPath)
	assert.False(t, cfg.Adapters.WatchEnabled())
	assert.Equal(t, []string{"/opt/devicehub/acme.so"}, cfg.Adapters.Plugins)
	assert.Equal(t, []string{"hikvision", "zkteco", "sshgate"}, cfg.Adapters.Builtin.Enabled(),
		"unspecified builtins keep their defaults")
	assert.Equal(t, 168*time.Hour, cfg.Journal.Retention.Duration())
	assert.Equal(t, DefaultJournalPath, cfg.Journal.Path)
	assert.Equal(t, "info", cfg.Logging.Level)

	lc := cfg.EffectiveLifecycle()
	assert.Equal(t, 4, lc.MaxFailureCount)
	assert.Equal(t, 45*time.Second, lc.HealthCheckInterval)
	assert.Equal(t, 90*time.Second, lc.RecoveryInterval, "bare integers are milliseconds")
	assert.Equal(t, PostureCautious.Profile().FailureWindow, lc.FailureWindow)
}

func TestLoadFromPath_Errors(t *testing.T) {
	dir := t.TempDir()

	_, _, err := LoadFromPath(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	writeFile(t, bad, "lifecycle:\n  failure_window: soon\n")
	_, _, err = LoadFromPath(bad)
	assert.Error(t, err)

	invalid := filepath.Join(dir, "invalid.yaml")
	writeFile(t, invalid, "lifecycle:\n  max_failure_count: 0\nlogging:\n  format: xml\n")
	_, _, err = LoadFromPath(invalid)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_failure_count")
	assert.Contains(t, err.Error(), "logging.format")
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Posture = PostureTolerant
	cfg.Lifecycle = &LifecycleOverride{ProbeTimeout: durationPtr(3 * time.Second)}
	require.NoError(t, cfg.Save(path))

	loaded, _, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, PostureTolerant, loaded.Posture)
	assert.Equal(t, 3*time.Second, loaded.EffectiveLifecycle().ProbeTimeout)
	assert.Equal(t, cfg.Adapters, loaded.Adapters)
}

func TestFindConfigPath(t *testing.T) {
	dir := isolate(t)
	assert.Empty(t, FindConfigPath())

	home := filepath.Join(dir, "home", ".config", ConfigDirName, "config.yaml")
	writeFile(t, home, "version: 1\n")
	assert.Equal(t, home, FindConfigPath())

	xdg := filepath.Join(dir, "xdg", ConfigDirName, "config.yaml")
	writeFile(t, xdg, "version: 1\n")
	assert.Equal(t, xdg, FindConfigPath())

	writeFile(t, filepath.Join(dir, ConfigFileName), "version: 1\n")
	local, err := filepath.Abs(ConfigFileName)
	require.NoError(t, err)
	assert.Equal(t, local, FindConfigPath())

	explicit := filepath.Join(dir, "explicit.yaml")
	writeFile(t, explicit, "version: 1\n")
	t.Setenv(EnvConfigPath, explicit)
	assert.Equal(t, explicit, FindConfigPath())

	t.Setenv(EnvConfigPath, filepath.Join(dir, "gone.yaml"))
	assert.Equal(t, local, FindConfigPath(), "a missing explicit file falls through")
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	isolate(t)

	cfg, path, err := Load()
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Equal(t, DefaultConfig().Adapters, cfg.Adapters)
}

func TestApplyEnv(t *testing.T) {
	isolate(t)
	t.Setenv("ADAPTER_CONFIG_PATH", "/srv/adapters")
	t.Setenv("ADAPTER_MAX_FAILURE_COUNT", "8")
	t.Setenv("ADAPTER_FAILURE_WINDOW", "600000")
	t.Setenv("ADAPTER_RECOVERY_INTERVAL", "15000")
	t.Setenv("ADAPTER_HEALTH_CHECK_INTERVAL", "10000")
	t.Setenv("ADAPTER_GRACEFUL_SHUTDOWN_TIMEOUT", "2500")

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv())

	assert.Equal(t, "/srv/adapters", cfg.Adapters.ConfigPath)
	lc := cfg.EffectiveLifecycle()
	assert.Equal(t, 8, lc.MaxFailureCount)
	assert.Equal(t, 10*time.Minute, lc.FailureWindow)
	assert.Equal(t, 15*time.Second, lc.RecoveryInterval)
	assert.Equal(t, 10*time.Second, lc.HealthCheckInterval)
	assert.Equal(t, 2500*time.Millisecond, lc.GracefulShutdownTimeout)
}

func TestApplyEnv_OverridesFile(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, ConfigFileName), "lifecycle:\n  max_failure_count: 4\n")
	t.Setenv("ADAPTER_MAX_FAILURE_COUNT", "6")

	cfg, _, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.EffectiveLifecycle().MaxFailureCount)
}

func TestApplyEnv_Invalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"ADAPTER_MAX_FAILURE_COUNT", "many"},
		{"ADAPTER_MAX_FAILURE_COUNT", "0"},
		{"ADAPTER_FAILURE_WINDOW", "5m"},
		{"ADAPTER_HEALTH_CHECK_INTERVAL", "-1"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			isolate(t)
			t.Setenv(tt.key, tt.value)
			err := DefaultConfig().ApplyEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestApplyEnv_NothingSetLeavesOverrideNil(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv())
	assert.Nil(t, cfg.Lifecycle)
}

func TestBuiltinList(t *testing.T) {
	b := DefaultBuiltins()
	nmap := "/usr/local/bin/nmap"
	b.Hikvision.BinaryPath = &nmap

	list := b.List()
	require.Len(t, list, 3)
	assert.Equal(t, "hikvision-isapi", list[0].AdapterID)
	assert.Equal(t, &nmap, list[0].BinaryPath)
	assert.False(t, list[2].Enabled)
}

func TestSummary(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Adapters.Plugins = []string{"/opt/a.so"}
	s := cfg.Summary()
	assert.Contains(t, s, "Posture: balanced")
	assert.Contains(t, s, "5 failures in 5m0s")
	assert.Contains(t, s, "hikvision, zkteco")
	assert.Contains(t, s, "plugins: 1")
}
