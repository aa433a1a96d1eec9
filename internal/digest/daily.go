// Package digest implements the daily/weekly/archive digest builders: the
// compression jobs that turn raw typed-state events into tiered,
// idempotent summaries in the digest store.
package digest

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/antigravity-dev/agentcore/internal/contextmgr"
	"github.com/antigravity-dev/agentcore/internal/digestkey"
	"github.com/antigravity-dev/agentcore/internal/digeststore"
	"github.com/antigravity-dev/agentcore/internal/events"
	"github.com/google/uuid"
)

func digestTZ(name string) *time.Location {
	if name == "" {
		name = "Europe/Berlin"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

func dateToISO(t time.Time) string {
	return t.Format("2006-01-02")
}

// DailySchedulerConfig mirrors the daily scheduler's config surface.
type DailySchedulerConfig struct {
	Enabled        bool
	CatchupMaxDays int
	MinEventsDaily int
	KeyVersion     digestkey.Version
	TZ             string
}

// DailyScheduler builds daily_digest entries for a conversation/date range.
type DailyScheduler struct {
	store  *digeststore.Store
	cfg    DailySchedulerConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewDailyScheduler returns a DailyScheduler writing into store.
func NewDailyScheduler(store *digeststore.Store, cfg DailySchedulerConfig, logger *slog.Logger) *DailyScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DailyScheduler{store: store, cfg: cfg, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// RunSummary is the structured outcome of a scheduler run.
type RunSummary struct {
	Written         int
	InputEvents     int
	Skipped         int
	Reason          string
	ConversationIDs []string
	CatchUp         CatchUpSummary
}

// CatchUpSummary aggregates per-conversation catch-up outcomes.
type CatchUpSummary struct {
	Written       int
	DaysExamined  int
	MissedRuns    int
	Recovered     *bool
	Generated     int
	Mode          string
}

// Run is the scheduler's main entry point: for each conversation (supplied,
// or auto-derived from allEvents when nil), catches up every missing day up
// to yesterday.
func (s *DailyScheduler) Run(conversationIDs []string, allEvents []events.Event) RunSummary {
	if !s.cfg.Enabled {
		s.logger.Info("digest: daily scheduler disabled")
		return RunSummary{Reason: "DAILY_DISABLED", CatchUp: CatchUpSummary{Mode: "off"}}
	}

	convs := conversationIDs
	if convs == nil {
		convs = deriveConversationIDs(allEvents)
		s.logger.Info("digest: auto-derived conversation ids", "count", len(convs))
	}

	var totalWritten int
	agg := CatchUpSummary{Mode: "off"}
	for _, conv := range convs {
		cu := s.RunCatchup(conv, allEvents)
		totalWritten += cu.Written
		agg.Written += cu.Written
		agg.DaysExamined += cu.DaysExamined
		agg.MissedRuns += cu.MissedRuns
		agg.Generated += cu.Generated
		if cu.Mode != "" && cu.Mode != "off" {
			agg.Mode = cu.Mode
		}
	}

	if agg.MissedRuns > 0 {
		recovered := agg.Generated > 0
		agg.Recovered = &recovered
	}

	return RunSummary{
		Written:         totalWritten,
		ConversationIDs: convs,
		CatchUp:         agg,
	}
}

// RunCatchup fills every missing daily digest for conversationID, up to
// yesterday (in the configured digest timezone), capped at CatchupMaxDays.
func (s *DailyScheduler) RunCatchup(conversationID string, allEvents []events.Event) CatchUpSummary {
	loc := digestTZ(s.cfg.TZ)
	yesterday := s.now().In(loc).AddDate(0, 0, -1)
	yesterdayDate := truncateToDate(yesterday)

	if s.cfg.CatchupMaxDays == 0 {
		s.logger.Info("digest: catch-up skipped", "conversation_id", conversationID, "reason", "max_days=0")
		return CatchUpSummary{Mode: "off"}
	}

	convEvents := filterByConversation(allEvents, conversationID)
	if len(convEvents) == 0 {
		s.logger.Info("digest: no events for conversation, skipping catch-up", "conversation_id", conversationID)
		return CatchUpSummary{Mode: "off"}
	}

	dates := extractEventDates(convEvents, loc)
	if len(dates) == 0 {
		return CatchUpSummary{Mode: "off"}
	}

	firstDate := earliest(dates)
	mode := "full"
	if s.cfg.CatchupMaxDays > 0 {
		capStart := yesterdayDate.AddDate(0, 0, -(s.cfg.CatchupMaxDays - 1))
		if firstDate.Before(capStart) {
			firstDate = capStart
			mode = "cap"
		}
	}

	daysInWindow := int(yesterdayDate.Sub(firstDate).Hours()/24) + 1

	written := 0
	for current := firstDate; !current.After(yesterdayDate); current = current.AddDate(0, 0, 1) {
		if s.RunForDate(conversationID, current, convEvents) {
			written++
		}
	}

	recovered := written > 0
	return CatchUpSummary{
		Written:      written,
		DaysExamined: daysInWindow,
		MissedRuns:   daysInWindow,
		Generated:    written,
		Mode:         mode,
		Recovered:    &recovered,
	}
}

// RunForDate builds and persists a single daily_digest for
// (conversationID, targetDate). Returns true if a new digest was written.
func (s *DailyScheduler) RunForDate(conversationID string, targetDate time.Time, allEvents []events.Event) bool {
	loc := digestTZ(s.cfg.TZ)
	dateStr := dateToISO(targetDate)

	dayEvents := eventsForDate(allEvents, conversationID, targetDate, loc)
	if len(dayEvents) == 0 {
		s.logger.Info("digest: daily skip", "date", dateStr, "conversation_id", conversationID, "reason", "no_events")
		return false
	}

	if s.cfg.MinEventsDaily > 0 && len(dayEvents) < s.cfg.MinEventsDaily {
		s.logger.Info("digest: daily skip", "date", dateStr, "conversation_id", conversationID,
			"reason", "insufficient_input", "events", len(dayEvents), "min", s.cfg.MinEventsDaily)
		return false
	}

	eventIDs := make([]string, len(dayEvents))
	for i, e := range dayEvents {
		eventIDs[i] = e.ID
	}
	sourceHash := digestkey.MakeSourceHash(eventIDs)
	digestKey := digestkey.MakeDailyKey(s.keyVersion(), conversationID, dateStr, sourceHash)

	if s.store.Exists(digeststore.ActionDaily, digestKey) {
		s.logger.Info("digest: daily skip", "date", dateStr, "conversation_id", conversationID,
			"reason", "already_exists", "key", digestKey)
		return false
	}

	compactText := contextmgr.BuildCompactText(dayEvents, contextmgr.DefaultCaps())

	var windowStart, windowEnd string
	if s.keyVersion() == digestkey.V2 {
		windowStart, windowEnd = dateStr, dateStr
	}

	ok := s.store.WriteDaily(uuid.NewString(), conversationID, digestKey, dateStr, len(dayEvents), sourceHash, compactText, windowStart, windowEnd)

	status := "ok"
	if !ok {
		status = "error"
	}
	s.logger.Info("digest: daily run complete", "date", dateStr, "conversation_id", conversationID,
		"status", status, "events", len(dayEvents), "key", digestKey)
	return ok
}

func (s *DailyScheduler) keyVersion() digestkey.Version {
	if s.cfg.KeyVersion == "" {
		return digestkey.V1
	}
	return s.cfg.KeyVersion
}

func deriveConversationIDs(allEvents []events.Event) []string {
	seen := map[string]struct{}{}
	for _, e := range allEvents {
		if e.ConversationID != "" {
			seen[e.ConversationID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func filterByConversation(allEvents []events.Event, conversationID string) []events.Event {
	var out []events.Event
	for _, e := range allEvents {
		if e.ConversationID == conversationID {
			out = append(out, e)
		}
	}
	return out
}

func truncateToDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func extractEventDates(evts []events.Event, loc *time.Location) []time.Time {
	seen := map[string]time.Time{}
	for _, e := range evts {
		if e.CreatedAt == "" {
			continue
		}
		t, err := parseEventTimestamp(e.CreatedAt)
		if err != nil {
			continue
		}
		d := truncateToDate(t.In(loc))
		seen[dateToISO(d)] = d
	}
	out := make([]time.Time, 0, len(seen))
	for _, d := range seen {
		out = append(out, d)
	}
	return out
}

func earliest(dates []time.Time) time.Time {
	min := dates[0]
	for _, d := range dates[1:] {
		if d.Before(min) {
			min = d
		}
	}
	return min
}

func eventsForDate(allEvents []events.Event, conversationID string, targetDate time.Time, loc *time.Location) []events.Event {
	var out []events.Event
	for _, e := range allEvents {
		if e.ConversationID != conversationID || e.CreatedAt == "" {
			continue
		}
		t, err := parseEventTimestamp(e.CreatedAt)
		if err != nil {
			continue
		}
		if truncateToDate(t.In(loc)).Equal(truncateToDate(targetDate)) {
			out = append(out, e)
		}
	}
	return out
}

func parseEventTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999",
		"2006-01-02T15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("digest: unparseable event timestamp %q", s)
}
