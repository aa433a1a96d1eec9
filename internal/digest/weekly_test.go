package digest

import (
	"testing"
	"time"

	"github.com/antigravity-dev/agentcore/internal/digestkey"
	"github.com/antigravity-dev/agentcore/internal/digeststore"
	"github.com/stretchr/testify/require"
)

func seedDailyDigest(t *testing.T, store *digeststore.Store, conv, date string) {
	t.Helper()
	sourceHash := digestkey.MakeSourceHash([]string{"evt-" + date})
	key := digestkey.MakeDailyDigestKey(conv, date, sourceHash)
	require.True(t, store.WriteDaily("evt-"+date, conv, key, date, 1, sourceHash, "summary for "+date, "", ""))
}

func TestWeeklyArchiver_Disabled(t *testing.T) {
	store := newTestDigestStore(t)
	a := NewWeeklyArchiver(store, WeeklyArchiverConfig{WeeklyEnabled: false}, nil, nil)
	summary := a.RunWeekly(nil)
	require.Equal(t, "WEEKLY_DISABLED", summary.Reason)
}

func TestWeeklyArchiver_RunWeekly_GroupsAndWritesOncePerWeek(t *testing.T) {
	store := newTestDigestStore(t)
	// Both dates fall in ISO week 2026-W31 (Jul 27 - Aug 2).
	seedDailyDigest(t, store, "conv-A", "2026-07-27")
	seedDailyDigest(t, store, "conv-A", "2026-07-28")

	a := NewWeeklyArchiver(store, WeeklyArchiverConfig{WeeklyEnabled: true, TZ: "UTC"}, nil, nil)
	summary := a.RunWeekly(nil)
	require.Equal(t, 1, summary.Written)

	rows := store.ListByAction(digeststore.ActionWeekly)
	require.Len(t, rows, 1)
	params := digeststore.ParametersOf(rows[0])
	require.Equal(t, "2026-W31", params["iso_week"])
}

func TestWeeklyArchiver_RunWeekly_Idempotent(t *testing.T) {
	store := newTestDigestStore(t)
	seedDailyDigest(t, store, "conv-A", "2026-07-27")

	a := NewWeeklyArchiver(store, WeeklyArchiverConfig{WeeklyEnabled: true, TZ: "UTC"}, nil, nil)
	require.Equal(t, 1, a.RunWeekly(nil).Written)
	require.Equal(t, 0, a.RunWeekly(nil).Written, "second run over the same daily rows must skip")
}

func TestWeeklyArchiver_MinDailyPerWeekGate(t *testing.T) {
	store := newTestDigestStore(t)
	seedDailyDigest(t, store, "conv-A", "2026-07-27")

	a := NewWeeklyArchiver(store, WeeklyArchiverConfig{WeeklyEnabled: true, TZ: "UTC", MinDailyPerWeek: 3}, nil, nil)
	summary := a.RunWeekly(nil)
	require.Equal(t, 0, summary.Written)
	require.Equal(t, 1, summary.Skipped)
}

func TestWeeklyArchiver_RunArchive_SkipsRecentWeeklyDigests(t *testing.T) {
	store := newTestDigestStore(t)
	require.True(t, store.WriteWeekly("evt-1", "conv-A", "wkey1", "2026-W31", []string{"dkey1"}, "summary", "", ""))

	a := NewWeeklyArchiver(store, WeeklyArchiverConfig{ArchiveEnabled: true}, nil, nil)
	summary := a.RunArchive(nil)
	require.Equal(t, 0, summary.Written)
	require.Equal(t, 1, summary.Skipped)
}

func TestWeeklyArchiver_RunArchive_ArchivesOldWeeklyDigests(t *testing.T) {
	store := newTestDigestStore(t)
	store.SetClock(func() time.Time { return time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC) })
	require.True(t, store.WriteWeekly("evt-1", "conv-A", "wkey1", "2026-W01", []string{"dkey1"}, "summary", "", ""))

	a := NewWeeklyArchiver(store, WeeklyArchiverConfig{ArchiveEnabled: true}, nil, nil)
	a.now = func() time.Time { return time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC) }

	summary := a.RunArchive(nil)
	require.Equal(t, 1, summary.Written)

	rows := store.ListByAction(digeststore.ActionArchive)
	require.Len(t, rows, 1)
	require.Equal(t, "wkey1", digeststore.ParametersOf(rows[0])["weekly_digest_key"])
}

func TestWeeklyArchiver_RunArchive_IdempotentOnSecondRun(t *testing.T) {
	store := newTestDigestStore(t)
	store.SetClock(func() time.Time { return time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC) })
	require.True(t, store.WriteWeekly("evt-1", "conv-A", "wkey1", "2026-W01", []string{"dkey1"}, "summary", "", ""))

	a := NewWeeklyArchiver(store, WeeklyArchiverConfig{ArchiveEnabled: true}, nil, nil)
	a.now = func() time.Time { return time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC) }

	require.Equal(t, 1, a.RunArchive(nil).Written)
	require.Equal(t, 0, a.RunArchive(nil).Written)
}
