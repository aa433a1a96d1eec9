package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agentcore.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const minimalConfig = `
[digest]
enable = true
run_mode = "inline"

[small_model]
mode = "on"
`

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTestConfig(t, minimalConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.True(t, cfg.Digest.Enable)
	require.Equal(t, "inline", cfg.Digest.RunMode)
	require.Equal(t, "Europe/Berlin", cfg.Digest.TZ)
	require.Equal(t, 7, cfg.Digest.CatchupMaxDays)
	require.Equal(t, 300, cfg.Digest.LockTimeoutS)
	require.Equal(t, "v1", cfg.Digest.KeyVersion)
	require.Equal(t, 48.0, cfg.JITWindow.TimeReferenceH)
	require.Equal(t, 168.0, cfg.JITWindow.FactRecallH)
	require.Equal(t, 336.0, cfg.JITWindow.RememberH)
	require.Equal(t, 7, cfg.Control.SequentialThresh)
	require.Equal(t, 5, cfg.MCP.RateLimitBurst)
	require.Equal(t, 0.0, cfg.MCP.RateLimitPerS, "rate limiting stays disabled unless explicitly configured")
}

func TestApplyEnvOverlay(t *testing.T) {
	cfg := Default()
	require.Equal(t, "off", cfg.Digest.RunMode)

	t.Setenv("DIGEST_RUN_MODE", "sidecar")
	t.Setenv("DIGEST_CATCHUP_MAX_DAYS", "14")
	t.Setenv("TYPEDSTATE_CSV_JIT_ONLY", "true")
	t.Setenv("SMALL_MODEL_FINAL_CAP", "2500")
	t.Setenv("ENABLE_CONTROL_LAYER", "true")

	ApplyEnv(cfg)
	require.Equal(t, "sidecar", cfg.Digest.RunMode)
	require.Equal(t, 14, cfg.Digest.CatchupMaxDays)
	require.True(t, cfg.TypedState.CSVJITOnly)
	require.Equal(t, 2500, cfg.SmallModel.FinalCap)
	require.True(t, cfg.Control.Enable)
}

func TestApplyEnvLeavesUnsetFieldsUntouched(t *testing.T) {
	cfg := Default()
	cfg.Digest.TZ = "America/New_York"
	ApplyEnv(cfg)
	require.Equal(t, "America/New_York", cfg.Digest.TZ)
}

func TestManagerGetSnapshotIsIsolatedFromCaller(t *testing.T) {
	path := writeTestConfig(t, minimalConfig)
	mgr, err := LoadManager(path)
	require.NoError(t, err)

	snap := mgr.Get()
	snap.Digest.RunMode = "mutated"

	require.Equal(t, "inline", mgr.Get().Digest.RunMode)
}
