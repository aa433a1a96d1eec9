package digest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/antigravity-dev/agentcore/internal/digestkey"
	"github.com/antigravity-dev/agentcore/internal/digeststore"
	"github.com/antigravity-dev/agentcore/internal/events"
	"github.com/stretchr/testify/require"
)

func newTestDigestStore(t *testing.T) *digeststore.Store {
	t.Helper()
	return digeststore.New(filepath.Join(t.TempDir(), "digest_store.csv"), nil)
}

func sampleEvent(id, conv, createdAt, rawText string) events.Event {
	return events.Event{
		ID:             id,
		ConversationID: conv,
		EventType:      "fact_save",
		CreatedAt:      createdAt,
		EventData:      map[string]any{"raw_text": rawText},
	}
}

func TestDailyScheduler_Disabled(t *testing.T) {
	s := NewDailyScheduler(newTestDigestStore(t), DailySchedulerConfig{Enabled: false}, nil)
	summary := s.Run(nil, nil)
	require.Equal(t, "DAILY_DISABLED", summary.Reason)
	require.Equal(t, 0, summary.Written)
}

func TestDailyScheduler_RunForDate_WritesAndIsIdempotent(t *testing.T) {
	store := newTestDigestStore(t)
	s := NewDailyScheduler(store, DailySchedulerConfig{Enabled: true, TZ: "UTC"}, nil)

	day := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	evts := []events.Event{
		sampleEvent("evt-1", "conv-A", "2026-07-30T10:00:00Z", "fact one"),
		sampleEvent("evt-2", "conv-A", "2026-07-30T11:00:00Z", "fact two"),
	}

	require.True(t, s.RunForDate("conv-A", day, evts))
	require.False(t, s.RunForDate("conv-A", day, evts), "re-run with identical inputs must be idempotent")

	rows := store.ListByAction(digeststore.ActionDaily)
	require.Len(t, rows, 1)
}

func TestDailyScheduler_RunForDate_MinEventsGate(t *testing.T) {
	store := newTestDigestStore(t)
	s := NewDailyScheduler(store, DailySchedulerConfig{Enabled: true, TZ: "UTC", MinEventsDaily: 5}, nil)

	day := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	evts := []events.Event{sampleEvent("evt-1", "conv-A", "2026-07-30T10:00:00Z", "fact one")}

	require.False(t, s.RunForDate("conv-A", day, evts))
	require.Empty(t, store.ListByAction(digeststore.ActionDaily))
}

func TestDailyScheduler_RunForDate_NoEventsSkips(t *testing.T) {
	store := newTestDigestStore(t)
	s := NewDailyScheduler(store, DailySchedulerConfig{Enabled: true, TZ: "UTC"}, nil)
	day := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	require.False(t, s.RunForDate("conv-A", day, nil))
}

func TestDailyScheduler_KeyVersionV2IncludesWindowBounds(t *testing.T) {
	store := newTestDigestStore(t)
	s := NewDailyScheduler(store, DailySchedulerConfig{Enabled: true, TZ: "UTC", KeyVersion: digestkey.V2}, nil)
	day := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	evts := []events.Event{sampleEvent("evt-1", "conv-A", "2026-07-30T10:00:00Z", "fact one")}

	require.True(t, s.RunForDate("conv-A", day, evts))
	rows := store.ListByAction(digeststore.ActionDaily)
	require.Len(t, rows, 1)
	params := digeststore.ParametersOf(rows[0])
	require.Equal(t, "2026-07-30", params["window_start"])
}

func TestDailyScheduler_CatchupCapsAtMaxDays(t *testing.T) {
	store := newTestDigestStore(t)
	s := NewDailyScheduler(store, DailySchedulerConfig{Enabled: true, TZ: "UTC", CatchupMaxDays: 2}, nil)
	s.now = func() time.Time { return time.Date(2026, 7, 31, 6, 0, 0, 0, time.UTC) }

	evts := []events.Event{
		sampleEvent("evt-1", "conv-A", "2026-07-20T10:00:00Z", "old fact"),
		sampleEvent("evt-2", "conv-A", "2026-07-29T10:00:00Z", "recent fact"),
		sampleEvent("evt-3", "conv-A", "2026-07-30T10:00:00Z", "recenter fact"),
	}

	summary := s.RunCatchup("conv-A", evts)
	require.Equal(t, "cap", summary.Mode)
	require.Equal(t, 2, summary.DaysExamined)
	require.NotNil(t, summary.Recovered)
	require.True(t, *summary.Recovered, "run_catchup must set recovered=true directly when it writes digests")
}

func TestDailyScheduler_CatchupMaxDaysZeroSkips(t *testing.T) {
	store := newTestDigestStore(t)
	s := NewDailyScheduler(store, DailySchedulerConfig{Enabled: true, TZ: "UTC", CatchupMaxDays: 0}, nil)
	summary := s.RunCatchup("conv-A", []events.Event{sampleEvent("evt-1", "conv-A", "2026-07-20T10:00:00Z", "x")})
	require.Equal(t, "off", summary.Mode)
	require.Equal(t, 0, summary.Written)
}
