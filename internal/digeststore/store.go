// Package digeststore persists digest records (daily/weekly/archive) to an
// append-only CSV file. Writes are idempotent by key only when callers check
// Exists first; the write methods themselves never deduplicate.
//
// The store is the index of record: re-run detection scans the CSV for a
// matching (action, digest_key) pair rather than round-tripping to the
// workspace event backend. Column order is an external contract shared with
// the typed-state event loader (internal/events) and must never change.
package digeststore

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Action identifies the kind of digest record a row represents.
type Action string

const (
	ActionDaily   Action = "daily_digest"
	ActionWeekly  Action = "weekly_digest"
	ActionArchive Action = "archive_digest"
)

// columns is the exact, never-renamed CSV column order shared with the
// typed-state event loader's column contract.
var columns = []string{
	"event_id", "conversation_id", "timestamp", "source_type", "source_reliability",
	"entity_ids", "entity_match_type", "action", "raw_text", "parameters",
	"fact_type", "fact_attributes", "confidence_overall", "confidence_breakdown",
	"scenario_type", "category", "derived_from", "stale_at", "expires_at",
}

// Row is one CSV record, keyed by column name in the order above.
type Row map[string]string

// Store is a thin wrapper around the digest store CSV for idempotent
// digest persistence.
type Store struct {
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// New returns a Store writing to path. logger may be nil to use slog.Default().
func New(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the Store's time source. Intended for tests that need
// to backdate written rows (e.g. to exercise archive-age thresholds).
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) readRows() []Row {
	f, err := os.Open(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("digeststore: failed to read", "path", s.path, "err", err)
		}
		return nil
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil || len(records) == 0 {
		if err != nil {
			s.logger.Warn("digeststore: failed to parse", "path", s.path, "err", err)
		}
		return nil
	}

	header := records[0]
	rows := make([]Row, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(Row, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func (s *Store) writeRow(row Row) bool {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.logger.Warn("digeststore: failed to create directory", "path", s.path, "err", err)
		return false
	}

	_, statErr := os.Stat(s.path)
	fileExists := statErr == nil

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.logger.Warn("digeststore: failed to write", "path", s.path, "err", err)
		return false
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if !fileExists {
		if err := w.Write(columns); err != nil {
			s.logger.Warn("digeststore: failed to write header", "path", s.path, "err", err)
			return false
		}
	}

	record := make([]string, len(columns))
	for i, col := range columns {
		record[i] = row[col]
	}
	if err := w.Write(record); err != nil {
		s.logger.Warn("digeststore: failed to write row", "path", s.path, "err", err)
		return false
	}
	w.Flush()
	return w.Error() == nil
}

// Exists reports whether a row with the given action and digest_key
// (matched against the parameters JSON column) already exists.
func (s *Store) Exists(action Action, digestKey string) bool {
	for _, row := range s.readRows() {
		if Action(row["action"]) != action {
			continue
		}
		var params map[string]any
		if err := json.Unmarshal([]byte(row["parameters"]), &params); err != nil {
			continue
		}
		if dk, _ := params["digest_key"].(string); dk == digestKey {
			return true
		}
	}
	return false
}

// ListByAction returns all rows matching the given action.
func (s *Store) ListByAction(action Action) []Row {
	var out []Row
	for _, row := range s.readRows() {
		if Action(row["action"]) == action {
			out = append(out, row)
		}
	}
	return out
}

func baseRow(now time.Time, eventID, conversationID string, action Action, factType string, parameters, factAttributes map[string]any, rawText string) Row {
	nowStr := now.Format("2006-01-02T15:04:05.999999Z")
	params, _ := json.Marshal(parameters)
	fa, _ := json.Marshal(factAttributes)
	if len(rawText) > 500 {
		rawText = rawText[:500]
	}
	return Row{
		"event_id":             eventID,
		"conversation_id":      conversationID,
		"timestamp":            nowStr,
		"source_type":          "system",
		"source_reliability":   "1.0",
		"entity_ids":           "",
		"entity_match_type":    "exact",
		"action":               string(action),
		"raw_text":             rawText,
		"parameters":           string(params),
		"fact_type":            factType,
		"fact_attributes":      string(fa),
		"confidence_overall":   "high",
		"confidence_breakdown": "{}",
		"scenario_type":        "digest",
		"category":             "knowledge",
		"derived_from":         "[]",
		"stale_at":             "",
		"expires_at":           "",
	}
}

// WriteDaily appends a daily_digest record. The caller MUST have already
// checked Exists; this method performs no internal deduplication.
func (s *Store) WriteDaily(eventID, conversationID, digestKey, digestDate string, eventCount int, sourceHash, compactText string, windowStart, windowEnd string) bool {
	params := map[string]any{
		"digest_key":  digestKey,
		"digest_date": digestDate,
		"source_hash": sourceHash,
	}
	fa := map[string]any{
		"digest_date": digestDate,
		"event_count": eventCount,
		"digest_key":  digestKey,
	}
	if windowStart != "" {
		params["window_start"] = windowStart
		fa["window_start"] = windowStart
	}
	if windowEnd != "" {
		params["window_end"] = windowEnd
		fa["window_end"] = windowEnd
	}
	if len(compactText) > 500 {
		compactText = compactText[:500]
	}
	row := baseRow(s.now(), eventID, conversationID, ActionDaily, "DAILY_DIGEST", params, fa, compactText)
	ok := s.writeRow(row)
	if ok {
		s.logger.Info("digeststore: wrote daily_digest", "date", digestDate, "conversation_id", conversationID, "digest_key", digestKey)
	}
	return ok
}

// WriteWeekly appends a weekly_digest record. The caller MUST have already
// checked Exists.
func (s *Store) WriteWeekly(eventID, conversationID, digestKey, isoWeek string, dailyDigestKeys []string, compactText string, windowStart, windowEnd string) bool {
	sorted := append([]string(nil), dailyDigestKeys...)
	sort.Strings(sorted)
	params := map[string]any{
		"digest_key":        digestKey,
		"iso_week":          isoWeek,
		"input_digest_keys": sorted,
	}
	fa := map[string]any{
		"iso_week":           isoWeek,
		"daily_digest_count": len(dailyDigestKeys),
		"digest_key":         digestKey,
	}
	if windowStart != "" {
		params["window_start"] = windowStart
		fa["window_start"] = windowStart
	}
	if windowEnd != "" {
		params["window_end"] = windowEnd
		fa["window_end"] = windowEnd
	}
	if len(compactText) > 500 {
		compactText = compactText[:500]
	}
	row := baseRow(s.now(), eventID, conversationID, ActionWeekly, "WEEKLY_DIGEST", params, fa, compactText)
	ok := s.writeRow(row)
	if ok {
		s.logger.Info("digeststore: wrote weekly_digest", "iso_week", isoWeek, "conversation_id", conversationID, "digest_key", digestKey)
	}
	return ok
}

// WriteArchive appends an archive_digest record. The caller MUST have
// already checked Exists.
func (s *Store) WriteArchive(eventID, conversationID, archiveKey, weeklyDigestKey, archiveDate, archiveGraphNodeID string) bool {
	params := map[string]any{
		"digest_key":        archiveKey,
		"archive_key":       archiveKey,
		"weekly_digest_key": weeklyDigestKey,
		"archive_date":      archiveDate,
	}
	fa := map[string]any{
		"archived_at":           archiveDate,
		"archive_key":           archiveKey,
		"archive_graph_node_id": archiveGraphNodeID,
		"input_digest_keys":     []string{weeklyDigestKey},
	}
	row := baseRow(s.now(), eventID, conversationID, ActionArchive, "ARCHIVE_DIGEST", params, fa, "")
	ok := s.writeRow(row)
	if ok {
		s.logger.Info("digeststore: wrote archive_digest", "date", archiveDate, "conversation_id", conversationID, "archive_key", archiveKey)
	}
	return ok
}

// DigestKeyOf extracts the parameters.digest_key field from a row, used by
// callers that need to recover the key from ListByAction results.
func DigestKeyOf(row Row) string {
	var params map[string]any
	if err := json.Unmarshal([]byte(row["parameters"]), &params); err != nil {
		return ""
	}
	dk, _ := params["digest_key"].(string)
	return dk
}

// ParametersOf decodes the parameters JSON column of a row.
func ParametersOf(row Row) map[string]any {
	var params map[string]any
	_ = json.Unmarshal([]byte(row["parameters"]), &params)
	return params
}

// ErrRowUnreadable is returned by helpers that strictly require a parseable row.
var ErrRowUnreadable = fmt.Errorf("digeststore: row not parseable")

// StringSliceFromAny converts a loosely-typed JSON array (as decoded into
// any) to a []string, dropping non-string elements.
func StringSliceFromAny(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
