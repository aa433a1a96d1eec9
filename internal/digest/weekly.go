package digest

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"log/slog"

	"github.com/antigravity-dev/agentcore/internal/contextmgr"
	"github.com/antigravity-dev/agentcore/internal/digestkey"
	"github.com/antigravity-dev/agentcore/internal/digeststore"
	"github.com/antigravity-dev/agentcore/internal/events"
	"github.com/google/uuid"
)

// archiveAfter is the age, in days, past which a weekly_digest becomes
// eligible for archiving.
const archiveAfter = 14 * 24 * time.Hour

func isoWeekLabel(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// WeeklyArchiverConfig mirrors the weekly/archive job's config surface.
type WeeklyArchiverConfig struct {
	WeeklyEnabled  bool
	ArchiveEnabled bool
	MinDailyPerWeek int
	KeyVersion      digestkey.Version
	TZ              string
}

// GraphSaver optionally persists an archive index to an external graph
// store. Implementations must fail open: any error should be swallowed and
// reported via the returned error only for logging, never to abort the
// archive write.
type GraphSaver interface {
	SaveArchiveIndex(conversationID, weeklyKey, archiveDate, archiveKey string) (nodeID string, err error)
}

// WeeklyArchiver builds weekly_digest entries from daily_digest rows and
// archives weekly_digests older than archiveAfter.
type WeeklyArchiver struct {
	store  *digeststore.Store
	cfg    WeeklyArchiverConfig
	graph  GraphSaver
	logger *slog.Logger
	now    func() time.Time
}

// NewWeeklyArchiver returns a WeeklyArchiver. graph may be nil (archive
// index persistence is then skipped entirely, which is itself fail-open).
func NewWeeklyArchiver(store *digeststore.Store, cfg WeeklyArchiverConfig, graph GraphSaver, logger *slog.Logger) *WeeklyArchiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &WeeklyArchiver{store: store, cfg: cfg, graph: graph, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// WeeklySummary is the structured outcome of a weekly/archive run.
type WeeklySummary struct {
	Written int
	Skipped int
	Reason  string
}

type convWeekKey struct {
	conversationID string
	isoWeek        string
}

// RunWeekly builds weekly_digest entries for every (conversation, ISO week)
// group of daily_digest rows, optionally restricted to conversationIDs. A
// daily row is placed by its digest_date; a week still in progress is not
// excluded.
func (a *WeeklyArchiver) RunWeekly(conversationIDs []string) WeeklySummary {
	if !a.cfg.WeeklyEnabled {
		a.logger.Info("digest: weekly archiver disabled")
		return WeeklySummary{Reason: "WEEKLY_DISABLED"}
	}

	dailyRows := a.store.ListByAction(digeststore.ActionDaily)
	grouped := a.groupByConvWeek(dailyRows)

	var convFilter map[string]struct{}
	if conversationIDs != nil {
		convFilter = make(map[string]struct{}, len(conversationIDs))
		for _, id := range conversationIDs {
			convFilter[id] = struct{}{}
		}
	}

	keys := make([]convWeekKey, 0, len(grouped))
	for k := range grouped {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].conversationID != keys[j].conversationID {
			return keys[i].conversationID < keys[j].conversationID
		}
		return keys[i].isoWeek < keys[j].isoWeek
	})

	var written, skipped int
	for _, k := range keys {
		if convFilter != nil {
			if _, ok := convFilter[k.conversationID]; !ok {
				continue
			}
		}
		if a.buildWeekly(k.conversationID, k.isoWeek, grouped[k]) {
			written++
		} else {
			skipped++
		}
	}

	return WeeklySummary{Written: written, Skipped: skipped}
}

// RunArchive archives weekly_digest rows older than archiveAfter.
func (a *WeeklyArchiver) RunArchive(conversationIDs []string) WeeklySummary {
	if !a.cfg.ArchiveEnabled {
		a.logger.Info("digest: archiver disabled")
		return WeeklySummary{}
	}

	weeklyRows := a.store.ListByAction(digeststore.ActionWeekly)
	nowUTC := a.now()
	threshold := nowUTC.Add(-archiveAfter)

	var convFilter map[string]struct{}
	if conversationIDs != nil {
		convFilter = make(map[string]struct{}, len(conversationIDs))
		for _, id := range conversationIDs {
			convFilter[id] = struct{}{}
		}
	}

	var written, skipped int
	for _, row := range weeklyRows {
		convID := row["conversation_id"]
		if convFilter != nil {
			if _, ok := convFilter[convID]; !ok {
				continue
			}
		}
		ts, err := parseEventTimestamp(row["timestamp"])
		if err != nil || ts.After(threshold) {
			skipped++
			continue
		}
		if a.buildArchive(convID, row, truncateToDate(nowUTC)) {
			written++
		} else {
			skipped++
		}
	}

	return WeeklySummary{Written: written, Skipped: skipped}
}

func (a *WeeklyArchiver) keyVersion() digestkey.Version {
	if a.cfg.KeyVersion == "" {
		return digestkey.V1
	}
	return a.cfg.KeyVersion
}

func (a *WeeklyArchiver) buildWeekly(conversationID, isoWeek string, dailyRows []digeststore.Row) bool {
	var dailyKeys []string
	for _, row := range dailyRows {
		if dk := digeststore.DigestKeyOf(row); dk != "" {
			dailyKeys = append(dailyKeys, dk)
		}
	}
	if len(dailyKeys) == 0 {
		a.logger.Info("digest: weekly skip", "week", isoWeek, "conversation_id", conversationID, "reason", "no_daily_keys")
		return false
	}

	if a.cfg.MinDailyPerWeek > 0 && len(dailyKeys) < a.cfg.MinDailyPerWeek {
		a.logger.Info("digest: weekly skip", "week", isoWeek, "conversation_id", conversationID,
			"reason", "insufficient_input", "daily_keys", len(dailyKeys), "min", a.cfg.MinDailyPerWeek)
		return false
	}

	var weeklyKey, weekStart, weekEnd string
	if a.keyVersion() == digestkey.V2 {
		var err error
		weeklyKey, err = digestkey.MakeWeeklyDigestKeyV2(conversationID, isoWeek, dailyKeys)
		if err != nil {
			a.logger.Warn("digest: weekly key compute failed", "week", isoWeek, "err", err)
			return false
		}
		weekStart, weekEnd, _ = digestkey.ISOWeekBounds(isoWeek)
	} else {
		weeklyKey = digestkey.MakeWeeklyDigestKey(conversationID, isoWeek, dailyKeys)
	}

	if a.store.Exists(digeststore.ActionWeekly, weeklyKey) {
		a.logger.Info("digest: weekly skip", "week", isoWeek, "conversation_id", conversationID,
			"reason", "already_exists", "key", weeklyKey)
		return false
	}

	digestEvents := dailyRowsToEvents(dailyRows)
	compactText := contextmgr.BuildCompactText(digestEvents, contextmgr.DefaultCaps())

	ok := a.store.WriteWeekly(uuid.NewString(), conversationID, weeklyKey, isoWeek, dailyKeys, compactText, weekStart, weekEnd)
	status := "ok"
	if !ok {
		status = "error"
	}
	a.logger.Info("digest: weekly run complete", "week", isoWeek, "conversation_id", conversationID,
		"status", status, "daily_count", len(dailyKeys), "key", weeklyKey)
	return ok
}

func (a *WeeklyArchiver) buildArchive(conversationID string, weeklyRow digeststore.Row, archiveDate time.Time) bool {
	weeklyKey := digeststore.DigestKeyOf(weeklyRow)
	if weeklyKey == "" {
		return false
	}

	archiveDateStr := dateToISO(archiveDate)
	var archiveKey string
	if a.keyVersion() == digestkey.V2 {
		archiveKey = digestkey.MakeArchiveDigestKeyV2(conversationID, weeklyKey, archiveDateStr)
	} else {
		archiveKey = digestkey.MakeArchiveDigestKey(conversationID, weeklyKey, archiveDateStr)
	}

	if a.store.Exists(digeststore.ActionArchive, archiveKey) {
		a.logger.Info("digest: archive skip", "date", archiveDateStr, "conversation_id", conversationID,
			"reason", "already_exists", "key", archiveKey)
		return false
	}

	var graphNodeID string
	if a.graph != nil {
		if nodeID, err := a.graph.SaveArchiveIndex(conversationID, weeklyKey, archiveDateStr, archiveKey); err == nil {
			graphNodeID = nodeID
		} else {
			a.logger.Warn("digest: graph archive save failed, continuing (fail-open)", "err", err)
		}
	}

	ok := a.store.WriteArchive(uuid.NewString(), conversationID, archiveKey, weeklyKey, archiveDateStr, graphNodeID)
	status := "ok"
	if !ok {
		status = "error"
	}
	nodeLabel := graphNodeID
	if nodeLabel == "" {
		nodeLabel = "none"
	}
	a.logger.Info("digest: archive run complete", "date", archiveDateStr, "conversation_id", conversationID,
		"status", status, "key", archiveKey, "graph_node", nodeLabel)
	return ok
}

func (a *WeeklyArchiver) groupByConvWeek(rows []digeststore.Row) map[convWeekKey][]digeststore.Row {
	loc := digestTZ(a.cfg.TZ)
	grouped := map[convWeekKey][]digeststore.Row{}
	for _, row := range rows {
		var localDate time.Time
		if ds, _ := digeststore.ParametersOf(row)["digest_date"].(string); ds != "" {
			d, err := time.ParseInLocation("2006-01-02", ds, loc)
			if err != nil {
				continue
			}
			localDate = d
		} else {
			ts, err := parseEventTimestamp(row["timestamp"])
			if err != nil {
				continue
			}
			localDate = ts.In(loc)
		}
		key := convWeekKey{conversationID: row["conversation_id"], isoWeek: isoWeekLabel(localDate)}
		grouped[key] = append(grouped[key], row)
	}
	return grouped
}

func dailyRowsToEvents(rows []digeststore.Row) []events.Event {
	out := make([]events.Event, 0, len(rows))
	for _, row := range rows {
		var fa map[string]any
		_ = json.Unmarshal([]byte(row["fact_attributes"]), &fa)
		out = append(out, events.Event{
			ID:             row["event_id"],
			ConversationID: row["conversation_id"],
			EventType:      "daily_digest",
			CreatedAt:      row["timestamp"],
			EventData: map[string]any{
				"digest_date": fa["digest_date"],
				"event_count": fa["event_count"],
				"digest_key":  fa["digest_key"],
			},
		})
	}
	return out
}
