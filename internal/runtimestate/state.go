// Package runtimestate persists the digest pipeline's run-state: last-run
// outcomes for the daily/weekly/archive cycles, catch-up summaries, and
// just-in-time CSV-load telemetry.
//
// State is a single JSON file, written atomically (temp file in the same
// directory + rename). A schema v1 file is migrated to v2 in memory on read;
// the file itself is rewritten as v2 only by the next update.
package runtimestate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const schemaVersion = 2

// Cycle identifies one of the three digest tiers tracked in state.
type Cycle string

const (
	CycleDaily   Cycle = "daily"
	CycleWeekly  Cycle = "weekly"
	CycleArchive Cycle = "archive"
)

// CycleState is the last-run record for one cycle.
type CycleState struct {
	LastRun       *string  `json:"last_run"`
	Status        string   `json:"status"`
	DurationS     *float64 `json:"duration_s"`
	InputEvents   *int     `json:"input_events"`
	DigestWritten *int     `json:"digest_written"`
	DigestKey     *string  `json:"digest_key"`
	Reason        *string  `json:"reason"`
	RetryPolicy   *string  `json:"retry_policy"`
}

func emptyCycle() CycleState {
	return CycleState{Status: "never"}
}

// CatchUpState summarizes the most recent catch-up run.
type CatchUpState struct {
	LastRun        *string `json:"last_run"`
	DaysProcessed  int     `json:"days_processed"`
	Written        int     `json:"written"`
	Status         string  `json:"status"`
	MissedRuns     int     `json:"missed_runs"`
	Recovered      *bool   `json:"recovered"`
	Generated      int     `json:"generated"`
	Mode           string  `json:"mode"`
}

// JITState tracks the most recent just-in-time CSV-load telemetry.
type JITState struct {
	Trigger *string `json:"trigger"`
	Rows    *int    `json:"rows"`
	TS      *string `json:"ts"`
}

// State is the full persisted runtime-state document.
type State struct {
	SchemaVersion int          `json:"schema_version"`
	Daily         CycleState   `json:"daily"`
	Weekly        CycleState   `json:"weekly"`
	Archive       CycleState   `json:"archive"`
	CatchUp       CatchUpState `json:"catch_up"`
	JIT           JITState     `json:"jit"`
}

func emptyState() State {
	return State{
		SchemaVersion: schemaVersion,
		Daily:         emptyCycle(),
		Weekly:        emptyCycle(),
		Archive:       emptyCycle(),
		CatchUp:       CatchUpState{Status: "never", Mode: "off"},
		JIT:           JITState{},
	}
}

// Store reads and writes a single runtime-state JSON document at path.
type Store struct {
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

func withClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a Store persisting to path.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:   path,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) nowISO() string {
	return s.now().Format("2006-01-02T15:04:05.999999999Z")
}

// legacyDoc models a pre-v2 (or v2) state document loosely enough to detect
// and promote the flat jit_last_* fields.
type legacyDoc map[string]json.RawMessage

func (s *Store) read() State {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("runtimestate: failed to read state", "path", s.path, "err", err)
		}
		return emptyState()
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Warn("runtimestate: failed to parse state", "path", s.path, "err", err)
		return emptyState()
	}
	return migrate(raw)
}

// migrate upgrades a loosely-typed decoded document to a v2 State,
// promoting v1's flat jit_last_* fields into the jit block and filling in
// any fields a v1 document lacked. It is a no-op (aside from re-typing) for
// documents already on v2.
func migrate(raw map[string]any) State {
	st := emptyState()

	if jitRaw, ok := raw["jit"].(map[string]any); ok {
		st.JIT = jitFromMap(jitRaw)
	} else {
		st.JIT = JITState{
			Trigger: stringPtr(raw["jit_last_trigger"]),
			Rows:    intPtr(raw["jit_last_rows"]),
			TS:      stringPtr(raw["jit_last_ts"]),
		}
	}

	for _, pair := range []struct {
		key string
		dst *CycleState
	}{
		{"daily", &st.Daily},
		{"weekly", &st.Weekly},
		{"archive", &st.Archive},
	} {
		if m, ok := raw[pair.key].(map[string]any); ok {
			*pair.dst = cycleFromMap(m)
		}
	}

	if cu, ok := raw["catch_up"].(map[string]any); ok {
		st.CatchUp = catchUpFromMap(cu)
	}

	st.SchemaVersion = schemaVersion
	return st
}

func stringPtr(v any) *string {
	if v == nil {
		return nil
	}
	if s, ok := v.(string); ok {
		return &s
	}
	return nil
}

func intPtr(v any) *int {
	if v == nil {
		return nil
	}
	if f, ok := v.(float64); ok {
		i := int(f)
		return &i
	}
	return nil
}

func float64Ptr(v any) *float64 {
	if v == nil {
		return nil
	}
	if f, ok := v.(float64); ok {
		return &f
	}
	return nil
}

func boolPtr(v any) *bool {
	if v == nil {
		return nil
	}
	if b, ok := v.(bool); ok {
		return &b
	}
	return nil
}

func stringOf(v any, fallback string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fallback
}

func intOf(v any, fallback int) int {
	if f, ok := v.(float64); ok {
		return int(f)
	}
	return fallback
}

func jitFromMap(m map[string]any) JITState {
	return JITState{
		Trigger: stringPtr(m["trigger"]),
		Rows:    intPtr(m["rows"]),
		TS:      stringPtr(m["ts"]),
	}
}

func cycleFromMap(m map[string]any) CycleState {
	return CycleState{
		LastRun:       stringPtr(m["last_run"]),
		Status:        stringOf(m["status"], "never"),
		DurationS:     float64Ptr(m["duration_s"]),
		InputEvents:   intPtr(m["input_events"]),
		DigestWritten: intPtr(m["digest_written"]),
		DigestKey:     stringPtr(m["digest_key"]),
		Reason:        stringPtr(m["reason"]),
		RetryPolicy:   stringPtr(m["retry_policy"]),
	}
}

func catchUpFromMap(m map[string]any) CatchUpState {
	return CatchUpState{
		LastRun:       stringPtr(m["last_run"]),
		DaysProcessed: intOf(m["days_processed"], 0),
		Written:       intOf(m["written"], 0),
		Status:        stringOf(m["status"], "never"),
		MissedRuns:    intOf(m["missed_runs"], 0),
		Recovered:     boolPtr(m["recovered"]),
		Generated:     intOf(m["generated"], 0),
		Mode:          stringOf(m["mode"], "off"),
	}
}

func (s *Store) write(state State) bool {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Warn("runtimestate: failed to create directory", "path", s.path, "err", err)
		return false
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		s.logger.Warn("runtimestate: failed to marshal state", "err", err)
		return false
	}

	tmp, err := os.CreateTemp(dir, "state-*.tmp")
	if err != nil {
		s.logger.Warn("runtimestate: failed to create temp file", "err", err)
		return false
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		s.logger.Warn("runtimestate: failed to write temp file", "err", err)
		return false
	}
	tmp.Close()
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		s.logger.Warn("runtimestate: failed to replace state file", "path", s.path, "err", err)
		return false
	}
	return true
}

// GetState returns the current runtime state, migrating from v1 on read.
func (s *Store) GetState() State {
	return s.read()
}

// UpdateCycleParams carries the optional fields of an UpdateCycle call.
type UpdateCycleParams struct {
	DurationS     *float64
	InputEvents   *int
	DigestWritten *int
	DigestKey     *string
	Reason        *string
	RetryPolicy   *string
}

// UpdateCycle records the outcome of a daily/weekly/archive run.
func (s *Store) UpdateCycle(cycle Cycle, status string, params UpdateCycleParams) bool {
	now := s.nowISO()
	state := s.read()
	updated := CycleState{
		LastRun:       &now,
		Status:        status,
		DurationS:     params.DurationS,
		InputEvents:   params.InputEvents,
		DigestWritten: params.DigestWritten,
		DigestKey:     params.DigestKey,
		Reason:        params.Reason,
		RetryPolicy:   params.RetryPolicy,
	}
	switch cycle {
	case CycleDaily:
		state.Daily = updated
	case CycleWeekly:
		state.Weekly = updated
	case CycleArchive:
		state.Archive = updated
	default:
		s.logger.Warn("runtimestate: unknown cycle", "cycle", cycle)
		return false
	}

	ok := s.write(state)
	s.logger.Info("runtimestate: cycle updated",
		"cycle", cycle, "status", status, "written", derefInt(params.DigestWritten),
		"duration_s", derefFloat(params.DurationS), "reason", derefString(params.Reason))
	return ok
}

// UpdateCatchUpParams carries the optional fields of an UpdateCatchUp call.
type UpdateCatchUpParams struct {
	MissedRuns int
	Recovered  *bool
	Generated  int
	Mode       string
}

// UpdateCatchUp records the outcome of a catch-up pass.
func (s *Store) UpdateCatchUp(daysProcessed, written int, status string, params UpdateCatchUpParams) bool {
	now := s.nowISO()
	state := s.read()
	mode := params.Mode
	if mode == "" {
		mode = "off"
	}
	state.CatchUp = CatchUpState{
		LastRun:       &now,
		DaysProcessed: daysProcessed,
		Written:       written,
		Status:        status,
		MissedRuns:    params.MissedRuns,
		Recovered:     params.Recovered,
		Generated:     params.Generated,
		Mode:          mode,
	}
	return s.write(state)
}

// UpdateJIT records just-in-time CSV-load telemetry.
func (s *Store) UpdateJIT(trigger *string, rows int) bool {
	now := s.nowISO()
	state := s.read()
	state.JIT = JITState{Trigger: trigger, Rows: &rows, TS: &now}
	return s.write(state)
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func derefFloat(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// ErrNilStore guards against constructing helpers around a nil Store.
var ErrNilStore = fmt.Errorf("runtimestate: store is nil")
