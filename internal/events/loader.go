// Package events loads the supplementary CSV event source for the chat
// pipeline's context-retrieval stage: the same digest-store CSV rows,
// re-shaped into workspace-event-compatible dicts and ranked for inclusion
// in a compact context window.
//
// CSV columns are never renamed on the way in; only the in-memory Event's
// field names differ from the column names (timestamp -> CreatedAt, event_id
// -> ID, action -> EventType).
package events

import (
	"encoding/csv"
	"encoding/json"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Event is a workspace-event-compatible record produced from a CSV row.
type Event struct {
	ID              string         `json:"id"`
	ConversationID  string         `json:"conversation_id"`
	EventType       string         `json:"event_type"`
	CreatedAt       string         `json:"created_at"`
	EventData       map[string]any `json:"event_data"`
	CSVSource       bool           `json:"_csv_source"`
	SourceType      string         `json:"_source_type"`
	SourceReliab    string         `json:"_source_reliability"`
	ConfidenceLabel string         `json:"_confidence_overall"`
}

var confidenceLabelToFloat = map[string]float64{
	"high":   1.0,
	"medium": 0.65,
	"low":    0.30,
}

var sourceTypeReliability = map[string]float64{
	"system":    1.0,
	"user":      0.85,
	"memory":    0.70,
	"inference": 0.50,
}

var categoryPriority = map[string]float64{
	"knowledge": 1.0,
	"decision":  0.8,
	"user":      0.6,
}

const defaultCategoryPriority = 0.4

func confidenceLabelToFloatOf(label string) float64 {
	if v, ok := confidenceLabelToFloat[strings.ToLower(strings.TrimSpace(label))]; ok {
		return v
	}
	return 0.65
}

func sourceReliabilityOf(sourceType, rawValue string) float64 {
	if f, err := strconv.ParseFloat(strings.TrimSpace(rawValue), 64); err == nil {
		if f < 0 {
			return 0
		}
		if f > 1 {
			return 1
		}
		return f
	}
	if v, ok := sourceTypeReliability[strings.ToLower(strings.TrimSpace(sourceType))]; ok {
		return v
	}
	return 0.70
}

func categoryToPriority(category string) float64 {
	if v, ok := categoryPriority[strings.ToLower(strings.TrimSpace(category))]; ok {
		return v
	}
	return defaultCategoryPriority
}

// ConfidenceScore is the mean of source reliability and the confidence-label
// float, in [0, 1].
func ConfidenceScore(row map[string]string) float64 {
	srcRel := sourceReliabilityOf(row["source_type"], row["source_reliability"])
	labelVal := confidenceLabelToFloatOf(valueOrDefault(row, "confidence_overall", "medium"))
	return (srcRel + labelVal) / 2.0
}

// RecencyScore is a 1/(1+days_elapsed) time-decay score in [0, 1]. Rows with
// unparseable timestamps score 0.
func RecencyScore(row map[string]string, now time.Time) float64 {
	tsStr := row["timestamp"]
	if tsStr == "" {
		return 0
	}
	parsed, err := parseFlexibleTimestamp(tsStr)
	if err != nil {
		return 0
	}
	deltaDays := now.Sub(parsed).Hours() / 24.0
	if deltaDays < 0 {
		deltaDays = 0
	}
	return 1.0 / (1.0 + deltaDays)
}

// FactPriorityScore maps the row's category to a priority score in [0, 1].
func FactPriorityScore(row map[string]string) float64 {
	return categoryToPriority(row["category"])
}

// RankScore is the composite ranking score used for deterministic ordering:
// 0.5*confidence + 0.3*recency + 0.2*fact_priority.
func RankScore(row map[string]string, now time.Time) float64 {
	return 0.5*ConfidenceScore(row) + 0.3*RecencyScore(row, now) + 0.2*FactPriorityScore(row)
}

func valueOrDefault(row map[string]string, key, fallback string) string {
	if v, ok := row[key]; ok && v != "" {
		return v
	}
	return fallback
}

func parseFlexibleTimestamp(s string) (time.Time, error) {
	s = strings.TrimSuffix(s, "Z")
	for _, layout := range []string{
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05.999999",
		"2006-01-02T15:04:05",
		"2006-01-02T15:04:05.999999999Z07:00",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, strconv.ErrSyntax
}

func tsToFloat(tsStr string) float64 {
	t, err := parseFlexibleTimestamp(tsStr)
	if err != nil {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func parseJSONField(value string) any {
	if strings.TrimSpace(value) == "" {
		return map[string]any{}
	}
	var out any
	if err := json.Unmarshal([]byte(value), &out); err != nil {
		return map[string]any{}
	}
	return out
}

// mapRowToEvent converts a single CSV row to a workspace-event-compatible Event.
func mapRowToEvent(row map[string]string) Event {
	parameters := asMap(parseJSONField(row["parameters"]))
	factAttributes := asMap(parseJSONField(row["fact_attributes"]))
	confidenceBreakdown := parseJSONField(row["confidence_breakdown"])
	derivedFrom := parseJSONField(row["derived_from"])

	eventData := map[string]any{}
	for k, v := range factAttributes {
		eventData[k] = v
	}
	for k, v := range parameters {
		eventData[k] = v
	}

	for _, extraKey := range []string{"fact_type", "category", "scenario_type", "entity_ids", "raw_text"} {
		if v := row[extraKey]; v != "" {
			eventData[extraKey] = v
		}
	}

	if isNonEmpty(derivedFrom) {
		eventData["derived_from"] = derivedFrom
	}
	if isNonEmpty(confidenceBreakdown) {
		eventData["confidence_breakdown"] = confidenceBreakdown
	}
	if v := row["stale_at"]; v != "" {
		eventData["stale_at"] = v
	}
	if v := row["expires_at"]; v != "" {
		eventData["expires_at"] = v
	}

	return Event{
		ID:              row["event_id"],
		ConversationID:  row["conversation_id"],
		EventType:       row["action"],
		CreatedAt:       row["timestamp"],
		EventData:       eventData,
		CSVSource:       true,
		SourceType:      row["source_type"],
		SourceReliab:    row["source_reliability"],
		ConfidenceLabel: row["confidence_overall"],
	}
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func isNonEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case map[string]any:
		return len(val) > 0
	case []any:
		return len(val) > 0
	default:
		return true
	}
}

// LoadOptions configures LoadCSVEvents.
type LoadOptions struct {
	SortedByRank   bool
	Now            time.Time
	StartTS        *time.Time
	EndTS          *time.Time
	ConversationID *string
	Actions        []string
	Logger         *slog.Logger
}

// LoadCSVEvents reads path and returns ranked, workspace-event-compatible
// events. CSV columns are preserved verbatim; only the mapping to Event
// fields renames timestamp->CreatedAt, event_id->ID, action->EventType.
func LoadCSVEvents(path string, opts LoadOptions) ([]Event, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	header := records[0]
	rawRows := make([]map[string]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		rawRows = append(rawRows, row)
	}
	logger.Info("events: loaded CSV rows", "count", len(rawRows), "path", path)

	if opts.StartTS != nil || opts.EndTS != nil || opts.ConversationID != nil || opts.Actions != nil {
		var actionsSet map[string]struct{}
		if opts.Actions != nil {
			actionsSet = make(map[string]struct{}, len(opts.Actions))
			for _, a := range opts.Actions {
				actionsSet[a] = struct{}{}
			}
		}
		filtered := make([]map[string]string, 0, len(rawRows))
		removed := 0
		for _, row := range rawRows {
			tsF := tsToFloat(row["timestamp"])
			if opts.StartTS != nil && tsF < float64(opts.StartTS.UnixNano())/1e9 {
				removed++
				continue
			}
			if opts.EndTS != nil && tsF > float64(opts.EndTS.UnixNano())/1e9 {
				removed++
				continue
			}
			if opts.ConversationID != nil && row["conversation_id"] != *opts.ConversationID {
				removed++
				continue
			}
			if actionsSet != nil {
				if _, ok := actionsSet[row["action"]]; !ok {
					removed++
					continue
				}
			}
			filtered = append(filtered, row)
		}
		if removed > 0 {
			logger.Info("events: filter applied", "before", len(rawRows), "after", len(filtered), "removed", removed)
		}
		rawRows = filtered
	}

	if opts.SortedByRank {
		type scored struct {
			row   map[string]string
			rank  float64
			tsF   float64
			evtID string
		}
		scoredRows := make([]scored, len(rawRows))
		for i, row := range rawRows {
			scoredRows[i] = scored{
				row:   row,
				rank:  RankScore(row, now),
				tsF:   tsToFloat(row["timestamp"]),
				evtID: row["event_id"],
			}
		}
		sort.SliceStable(scoredRows, func(i, j int) bool {
			if scoredRows[i].rank != scoredRows[j].rank {
				return scoredRows[i].rank > scoredRows[j].rank
			}
			if scoredRows[i].tsF != scoredRows[j].tsF {
				return scoredRows[i].tsF > scoredRows[j].tsF
			}
			return scoredRows[i].evtID < scoredRows[j].evtID
		})
		for i, sr := range scoredRows {
			rawRows[i] = sr.row
		}
	}

	events := make([]Event, len(rawRows))
	for i, row := range rawRows {
		events[i] = mapRowToEvent(row)
	}

	logger.Info("events: mapped events", "count", len(events), "sorted_by_rank", opts.SortedByRank)
	return events, nil
}

// JITTrigger identifies a valid just-in-time CSV-load trigger.
type JITTrigger string

const (
	TriggerTimeReference JITTrigger = "time_reference"
	TriggerRemember      JITTrigger = "remember"
	TriggerFactRecall    JITTrigger = "fact_recall"
)

func (t JITTrigger) valid() bool {
	switch t {
	case TriggerTimeReference, TriggerRemember, TriggerFactRecall:
		return true
	default:
		return false
	}
}

// JITGateConfig holds the configuration flags that gate MaybeLoadCSVEvents,
// mirroring the TypedState/JIT config surface.
type JITGateConfig struct {
	CSVEnable         bool
	Mode              string // "off" disables loading entirely
	EnableSmallOnly   bool
	CSVJITOnly        bool
	CSVPath           string
	FiltersEnable     bool
	WindowTimeRefH    float64
	WindowFactRecallH float64
	WindowRememberH   float64
}

// JITResult is the outcome of a MaybeLoadCSVEvents call, including the
// telemetry the caller should persist via runtimestate.Store.UpdateJIT.
type JITResult struct {
	Events      []Event
	Trigger     *string
	RowsLoaded  int
}

// noTriggerWarnOnce ensures the "JIT invoked without a trigger while
// disabled" warning fires at most once per process, per spec §4.E.
var noTriggerWarnOnce sync.Once

// MaybeLoadCSVEvents loads CSV events if every configured gate permits it,
// optionally narrowing the load to a trigger-derived time window.
//
// Gates, checked in order: CSVEnable, Mode != "off", EnableSmallOnly implies
// smallModelMode, CSVJITOnly implies a valid trigger is present.
func MaybeLoadCSVEvents(cfg JITGateConfig, smallModelMode bool, trigger *string, conversationID *string, actions []string, logger *slog.Logger) JITResult {
	if logger == nil {
		logger = slog.Default()
	}
	empty := JITResult{Trigger: trigger}

	if !cfg.CSVEnable {
		return empty
	}
	if cfg.Mode == "off" {
		return empty
	}
	if cfg.EnableSmallOnly && !smallModelMode {
		return empty
	}

	var jitTrigger JITTrigger
	if trigger != nil {
		jitTrigger = JITTrigger(*trigger)
	}
	if cfg.CSVJITOnly && !jitTrigger.valid() {
		logger.Info("events: JIT_ONLY gate active, skipping CSV load", "trigger", trigger)
		return empty
	}
	if !cfg.CSVJITOnly && trigger == nil {
		noTriggerWarnOnce.Do(func() {
			logger.Warn("events: JIT disabled but loader invoked without a trigger")
		})
	}

	if _, err := os.Stat(cfg.CSVPath); err != nil {
		logger.Warn("events: CSV not found at resolved path", "path", cfg.CSVPath)
		return empty
	}

	var startTS *time.Time
	if cfg.FiltersEnable && jitTrigger.valid() {
		now := time.Now().UTC()
		var windowH float64
		switch jitTrigger {
		case TriggerTimeReference:
			windowH = cfg.WindowTimeRefH
		case TriggerFactRecall:
			windowH = cfg.WindowFactRecallH
		default:
			windowH = cfg.WindowRememberH
		}
		start := now.Add(-time.Duration(windowH * float64(time.Hour)))
		startTS = &start
		logger.Info("events: trigger window computed", "trigger", jitTrigger, "window_h", windowH, "start_ts", start)
	}

	events, err := LoadCSVEvents(cfg.CSVPath, LoadOptions{
		SortedByRank:   true,
		StartTS:        startTS,
		ConversationID: conversationID,
		Actions:        actions,
		Logger:         logger,
	})
	if err != nil {
		logger.Warn("events: failed to load CSV events", "err", err)
		return empty
	}

	return JITResult{Events: events, Trigger: trigger, RowsLoaded: len(events)}
}
