package runtimestate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "digest_state.json")
	return New(path)
}

func TestGetState_MissingFileReturnsEmptyV2(t *testing.T) {
	s := newTestStore(t)
	state := s.GetState()
	require.Equal(t, schemaVersion, state.SchemaVersion)
	require.Equal(t, "never", state.Daily.Status)
	require.Equal(t, "off", state.CatchUp.Mode)
}

func TestUpdateCycle_PersistsAndReloads(t *testing.T) {
	s := newTestStore(t)
	written := 3
	key := "daily:v1:abc"
	reason := "scheduled"
	require.True(t, s.UpdateCycle(CycleDaily, "success", UpdateCycleParams{
		DigestWritten: &written,
		DigestKey:     &key,
		Reason:        &reason,
	}))

	state := s.GetState()
	require.Equal(t, "success", state.Daily.Status)
	require.NotNil(t, state.Daily.DigestWritten)
	require.Equal(t, 3, *state.Daily.DigestWritten)
	require.Equal(t, "daily:v1:abc", *state.Daily.DigestKey)
	require.NotNil(t, state.Daily.LastRun)
}

func TestUpdateCycle_DoesNotClobberOtherCycles(t *testing.T) {
	s := newTestStore(t)
	require.True(t, s.UpdateCycle(CycleDaily, "success", UpdateCycleParams{}))
	require.True(t, s.UpdateCycle(CycleWeekly, "skipped", UpdateCycleParams{}))

	state := s.GetState()
	require.Equal(t, "success", state.Daily.Status)
	require.Equal(t, "skipped", state.Weekly.Status)
	require.Equal(t, "never", state.Archive.Status)
}

func TestUpdateCatchUp_Persists(t *testing.T) {
	s := newTestStore(t)
	recovered := true
	require.True(t, s.UpdateCatchUp(2, 5, "completed", UpdateCatchUpParams{
		MissedRuns: 2,
		Recovered:  &recovered,
		Generated:  5,
		Mode:       "auto",
	}))

	state := s.GetState()
	require.Equal(t, 2, state.CatchUp.DaysProcessed)
	require.Equal(t, 5, state.CatchUp.Written)
	require.Equal(t, "auto", state.CatchUp.Mode)
	require.NotNil(t, state.CatchUp.Recovered)
	require.True(t, *state.CatchUp.Recovered)
}

func TestUpdateJIT_Persists(t *testing.T) {
	s := newTestStore(t)
	trigger := "manual_flush"
	require.True(t, s.UpdateJIT(&trigger, 42))

	state := s.GetState()
	require.NotNil(t, state.JIT.Trigger)
	require.Equal(t, "manual_flush", *state.JIT.Trigger)
	require.NotNil(t, state.JIT.Rows)
	require.Equal(t, 42, *state.JIT.Rows)
	require.NotNil(t, state.JIT.TS)
}

func TestMigrate_V1FlatJITFieldsPromoted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "digest_state.json")
	v1doc := map[string]any{
		"daily":            map[string]any{"status": "success"},
		"jit_last_trigger": "startup",
		"jit_last_rows":    float64(7),
		"jit_last_ts":      "2026-07-01T00:00:00Z",
	}
	data, err := json.Marshal(v1doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	s := New(path)
	state := s.GetState()
	require.Equal(t, schemaVersion, state.SchemaVersion)
	require.NotNil(t, state.JIT.Trigger)
	require.Equal(t, "startup", *state.JIT.Trigger)
	require.NotNil(t, state.JIT.Rows)
	require.Equal(t, 7, *state.JIT.Rows)
	require.Equal(t, "success", state.Daily.Status)
}

func TestWrite_IsAtomic_NoTempFileLeftBehind(t *testing.T) {
	s := newTestStore(t)
	require.True(t, s.UpdateCycle(CycleArchive, "success", UpdateCycleParams{}))

	entries, err := os.ReadDir(filepath.Dir(s.path))
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), ".tmp")
	}
}
