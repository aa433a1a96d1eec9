package events

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const header = "event_id,conversation_id,timestamp,source_type,source_reliability,entity_ids,entity_match_type,action,raw_text,parameters,fact_type,fact_attributes,confidence_overall,confidence_breakdown,scenario_type,category,derived_from,stale_at,expires_at\n"

func writeCSV(t *testing.T, rows string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.csv")
	require.NoError(t, os.WriteFile(path, []byte(header+rows), 0o644))
	return path
}

func TestRankScore_WeightsCombineCorrectly(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	row := map[string]string{
		"source_type":        "system",
		"source_reliability": "1.0",
		"confidence_overall":  "high",
		"timestamp":           now.Format("2006-01-02T15:04:05Z"),
		"category":            "knowledge",
	}
	// confidence = (1.0 + 1.0)/2 = 1.0; recency = 1/(1+0) = 1.0; priority = 1.0
	require.InDelta(t, 1.0, RankScore(row, now), 1e-9)
}

func TestRecencyScore_UnparseableTimestampIsZero(t *testing.T) {
	row := map[string]string{"timestamp": "not-a-date"}
	require.Equal(t, 0.0, RecencyScore(row, time.Now()))
}

func TestRecencyScore_DecaysWithAge(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	fresh := map[string]string{"timestamp": now.Format("2006-01-02T15:04:05Z")}
	old := map[string]string{"timestamp": now.Add(-240 * time.Hour).Format("2006-01-02T15:04:05Z")}
	require.Greater(t, RecencyScore(fresh, now), RecencyScore(old, now))
}

func TestLoadCSVEvents_MapsColumnsCorrectly(t *testing.T) {
	path := writeCSV(t, `evt-1,conv-A,2026-07-01T00:00:00Z,system,1.0,,exact,fact_save,some text,"{""digest_key"":""k1""}",PREFERENCE,"{""color"":""blue""}",high,{},digest,knowledge,[],,
`)
	events, err := LoadCSVEvents(path, LoadOptions{SortedByRank: false})
	require.NoError(t, err)
	require.Len(t, events, 1)

	e := events[0]
	require.Equal(t, "evt-1", e.ID)
	require.Equal(t, "conv-A", e.ConversationID)
	require.Equal(t, "fact_save", e.EventType)
	require.Equal(t, "2026-07-01T00:00:00Z", e.CreatedAt)
	require.True(t, e.CSVSource)
	require.Equal(t, "blue", e.EventData["color"])
	require.Equal(t, "k1", e.EventData["digest_key"])
}

func TestLoadCSVEvents_SortedByRank_HighestFirst(t *testing.T) {
	path := writeCSV(t,
		`evt-low,conv-A,2020-01-01T00:00:00Z,inference,0.2,,exact,note,low,{},,{},low,{},digest,user,[],,
evt-high,conv-A,2026-07-31T00:00:00Z,system,1.0,,exact,note,high,{},,{},high,{},digest,knowledge,[],,
`)
	events, err := LoadCSVEvents(path, LoadOptions{SortedByRank: true, Now: time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "evt-high", events[0].ID)
	require.Equal(t, "evt-low", events[1].ID)
}

func TestLoadCSVEvents_ConversationFilter(t *testing.T) {
	path := writeCSV(t,
		`evt-1,conv-A,2026-07-01T00:00:00Z,system,1.0,,exact,note,a,{},,{},high,{},digest,knowledge,[],,
evt-2,conv-B,2026-07-01T00:00:00Z,system,1.0,,exact,note,b,{},,{},high,{},digest,knowledge,[],,
`)
	conv := "conv-B"
	events, err := LoadCSVEvents(path, LoadOptions{ConversationID: &conv})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "evt-2", events[0].ID)
}

func TestMaybeLoadCSVEvents_JITOnlyGateBlocksWithoutTrigger(t *testing.T) {
	path := writeCSV(t, `evt-1,conv-A,2026-07-01T00:00:00Z,system,1.0,,exact,note,a,{},,{},high,{},digest,knowledge,[],,
`)
	cfg := JITGateConfig{CSVEnable: true, Mode: "on", CSVJITOnly: true, CSVPath: path}
	result := MaybeLoadCSVEvents(cfg, false, nil, nil, nil, nil)
	require.Empty(t, result.Events)
}

func TestMaybeLoadCSVEvents_JITOnlyGateAllowsValidTrigger(t *testing.T) {
	path := writeCSV(t, `evt-1,conv-A,2026-07-01T00:00:00Z,system,1.0,,exact,note,a,{},,{},high,{},digest,knowledge,[],,
`)
	trigger := string(TriggerRemember)
	cfg := JITGateConfig{CSVEnable: true, Mode: "on", CSVJITOnly: true, CSVPath: path}
	result := MaybeLoadCSVEvents(cfg, false, &trigger, nil, nil, nil)
	require.Len(t, result.Events, 1)
	require.Equal(t, 1, result.RowsLoaded)
}

func TestMaybeLoadCSVEvents_DisabledReturnsEmpty(t *testing.T) {
	cfg := JITGateConfig{CSVEnable: false}
	result := MaybeLoadCSVEvents(cfg, false, nil, nil, nil, nil)
	require.Empty(t, result.Events)
}

func TestMaybeLoadCSVEvents_ModeOffReturnsEmpty(t *testing.T) {
	cfg := JITGateConfig{CSVEnable: true, Mode: "off"}
	result := MaybeLoadCSVEvents(cfg, false, nil, nil, nil, nil)
	require.Empty(t, result.Events)
}
