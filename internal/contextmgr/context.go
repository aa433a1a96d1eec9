package contextmgr

import (
	"fmt"
	"log/slog"

	"github.com/antigravity-dev/agentcore/internal/events"
)

// TimeReferenceToday is the thinking-plan time_reference value that
// triggers the temporal guard (spec §4.I): "today" queries must bypass
// generic memory graph search entirely and fall back to a daily protocol
// file instead.
const TimeReferenceToday = "today"

// Plan is the subset of the Pipeline Orchestrator's Thinking Plan that
// Context Retrieval needs.
type Plan struct {
	Query         string
	TimeReference string
	MemoryKeys    []string // additional keys Control may have appended
}

// Conversation is the subset of conversation state Context Retrieval needs.
type Conversation struct {
	ID     string
	Events []events.Event
}

// MemoryGraphSearcher performs the generic (non-temporal) memory graph
// search. It must never be called when the temporal guard is active.
type MemoryGraphSearcher interface {
	Search(query string, keys []string) ([]events.Event, error)
}

// DailyProtocolLoader returns the day's protocol file content for a
// conversation, the fallback source for temporal-reference queries.
type DailyProtocolLoader interface {
	LoadDailyProtocol(conversationID string) (string, error)
}

// Context is the result of a GetContext call.
type Context struct {
	MemoryData   string
	MemoryUsed   bool
	SystemTools  []string
	Sources      []string
	RetrievalCnt int
}

// Manager retrieves and compacts conversational context per spec §4.I.
type Manager struct {
	graph     MemoryGraphSearcher
	protocol  DailyProtocolLoader
	caps      Caps
	log       *slog.Logger
	toolNames []string // system tools always advertised, e.g. configured skill/tool names
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.log = logger }
}

// WithCaps overrides the default section caps.
func WithCaps(caps Caps) Option {
	return func(m *Manager) { m.caps = caps }
}

// WithSystemTools sets the system tool names GetContext always reports.
func WithSystemTools(names []string) Option {
	return func(m *Manager) { m.toolNames = names }
}

// New returns a Manager. graph and protocol may be nil if unavailable; a
// nil graph makes every non-temporal query also fall back to the empty
// result rather than panicking.
func New(graph MemoryGraphSearcher, protocol DailyProtocolLoader, opts ...Option) *Manager {
	m := &Manager{graph: graph, protocol: protocol, caps: DefaultCaps(), log: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetContext implements get_context(query, plan, conv) from spec §4.I:
// returns (memory_data, memory_used, system_tools, sources). Temporal
// guard: when plan.TimeReference == "today", generic memory graph search
// is never invoked; the daily protocol file is consulted instead, and the
// returned sources must not contain "memory:today_topic".
func (m *Manager) GetContext(query string, plan Plan, conv Conversation) Context {
	if plan.TimeReference == TimeReferenceToday {
		return m.getContextTemporalGuarded(conv)
	}

	var evts []events.Event
	sources := []string{"conversation_events"}
	evts = append(evts, conv.Events...)

	if m.graph != nil {
		keys := append([]string(nil), plan.MemoryKeys...)
		found, err := m.graph.Search(query, keys)
		if err != nil {
			m.log.Warn("contextmgr: memory graph search failed", "conversation_id", conv.ID, "err", err)
		} else if len(found) > 0 {
			evts = append(evts, found...)
			sources = append(sources, "memory_graph")
		}
		if len(keys) > 0 {
			sources = append(sources, "jit_memory")
		}
	}

	text := BuildCompactText(mostRecentFirst(evts), m.caps)
	return Context{
		MemoryData:   text,
		MemoryUsed:   len(evts) > 0,
		SystemTools:  append([]string(nil), m.toolNames...),
		Sources:      sources,
		RetrievalCnt: len(evts),
	}
}

// getContextTemporalGuarded handles plan.TimeReference == "today": it must
// never call m.graph and must never emit "memory:today_topic" as a source,
// per spec §4.I invariant 5.
func (m *Manager) getContextTemporalGuarded(conv Conversation) Context {
	sources := []string{"daily_protocol"}
	memoryData := ContextError
	memoryUsed := false

	if m.protocol != nil {
		content, err := m.protocol.LoadDailyProtocol(conv.ID)
		if err != nil {
			m.log.Error("contextmgr: daily protocol load failed under temporal guard", "conversation_id", conv.ID, "err", err)
		} else if content != "" {
			memoryData = content
			memoryUsed = true
		}
	}

	return Context{
		MemoryData:   memoryData,
		MemoryUsed:   memoryUsed,
		SystemTools:  append([]string(nil), m.toolNames...),
		Sources:      sources,
		RetrievalCnt: 0,
	}
}

// SmallModelCaps bounds BuildSmallModelContext's output, distinct from the
// digest pipeline's Caps (spec's SMALL_MODEL_CHAR_CAP family).
type SmallModelCaps struct {
	Caps
	CharCap int
}

// DefaultSmallModelCaps returns the standard small-model section and
// character caps.
func DefaultSmallModelCaps() SmallModelCaps {
	return SmallModelCaps{Caps: DefaultCaps(), CharCap: 2000}
}

// BuildSmallModelContext assembles the NOW/RULES/NEXT compact view for
// small-model prompting (spec §4.I). It is fail-closed: any internal
// error, or an empty conversation, yields ContextError rather than an
// empty string, so the Output stage can never silently proceed without
// context.
func (m *Manager) BuildSmallModelContext(conv Conversation, caps SmallModelCaps) (result string) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("contextmgr: panic building small-model context", "conversation_id", conv.ID, "recover", r)
			result = ContextError
		}
	}()

	if len(conv.Events) == 0 {
		return ContextError
	}

	text := BuildCompactText(mostRecentFirst(conv.Events), caps.Caps)
	if caps.CharCap > 0 && len(text) > caps.CharCap {
		text = text[:caps.CharCap] + "\n  ... (truncated)"
	}
	if text == "" {
		return ContextError
	}
	return text
}

// mostRecentFirst orders evts newest-first, the "caller-preferred order"
// Build expects, absent a numeric rank score on the in-memory Event type.
func mostRecentFirst(evts []events.Event) []events.Event {
	out := SortedByCreatedAt(evts)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// FormatToolContext renders a tool-call result for inclusion in the
// small-model context, bounded by a separate cap
// (SMALL_MODEL_TOOL_CTX_CAP), preserving a trailing failure marker rather
// than truncating it away.
func FormatToolContext(toolName, result string, charCap int, failed bool) string {
	marker := ""
	if failed {
		marker = " [FAILED]"
	}
	line := fmt.Sprintf("tool:%s%s %s", toolName, marker, result)
	if charCap <= 0 || len(line) <= charCap {
		return line
	}
	keep := charCap - len(marker) - 1
	if keep < 0 {
		keep = 0
	}
	truncated := line
	if len(truncated) > keep {
		truncated = truncated[:keep]
	}
	return truncated + marker
}
