// Package contextmgr builds the compact NOW/RULES/NEXT context view used
// both for small-model prompting at request time and for the digest
// pipeline's summary text.
package contextmgr

import (
	"fmt"
	"sort"
	"strings"

	"github.com/antigravity-dev/agentcore/internal/events"
)

// Defaults for the three compact sections; callers can shrink them for
// small-model budgets.
const (
	DefaultNowCap  = 8
	DefaultRuleCap = 5
	DefaultNextCap = 5
)

// ContextError is the canonical fail-closed block returned when compaction
// cannot proceed: a NOW section plus a single clarifying NEXT bullet, never
// an empty string.
const ContextError = "[CONTEXT ERROR]\nNOW: context unavailable\nRULES: (none)\nNEXT: - please clarify your request"

// Caps bounds the three compact sections.
type Caps struct {
	Now  int
	Rule int
	Next int
}

// DefaultCaps returns the standard section caps.
func DefaultCaps() Caps {
	return Caps{Now: DefaultNowCap, Rule: DefaultRuleCap, Next: DefaultNextCap}
}

// CompactContext is the ranked NOW/RULES/NEXT selection built from events.
type CompactContext struct {
	Now   []string
	Rules []string
	Next  []string
}

func isRuleLike(e events.Event) bool {
	ft, _ := e.EventData["fact_type"].(string)
	return strings.EqualFold(ft, "RULE") || strings.EqualFold(ft, "CONSTRAINT") || strings.EqualFold(ft, "PREFERENCE")
}

func isPending(e events.Event) bool {
	status, _ := e.EventData["status"].(string)
	return strings.EqualFold(status, "pending") || strings.EqualFold(status, "open") || e.EventType == "task"
}

func summarize(e events.Event) string {
	if raw, ok := e.EventData["raw_text"].(string); ok && raw != "" {
		return raw
	}
	if digestKey, ok := e.EventData["digest_key"].(string); ok && digestKey != "" {
		return fmt.Sprintf("%s (%s)", e.EventType, digestKey)
	}
	return fmt.Sprintf("%s@%s", e.EventType, e.CreatedAt)
}

// Build produces a ranked CompactContext from a set of events, already in
// caller-preferred order (e.g. RankScore DESC). The same event may
// contribute to at most one section, in precedence RULES > NEXT > NOW.
func Build(evts []events.Event, caps Caps) CompactContext {
	var ctx CompactContext
	for _, e := range evts {
		switch {
		case isRuleLike(e) && len(ctx.Rules) < caps.Rule:
			ctx.Rules = append(ctx.Rules, summarize(e))
		case isPending(e) && len(ctx.Next) < caps.Next:
			ctx.Next = append(ctx.Next, summarize(e))
		case len(ctx.Now) < caps.Now:
			ctx.Now = append(ctx.Now, summarize(e))
		}
	}
	return ctx
}

// Format renders a CompactContext as the canonical NOW/RULES/NEXT text
// block consumed by the digest store's raw_text column and by small-model
// prompts.
func Format(ctx CompactContext) string {
	var b strings.Builder
	b.WriteString("NOW:\n")
	if len(ctx.Now) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, line := range ctx.Now {
		fmt.Fprintf(&b, "  - %s\n", line)
	}
	b.WriteString("RULES:\n")
	if len(ctx.Rules) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, line := range ctx.Rules {
		fmt.Fprintf(&b, "  - %s\n", line)
	}
	b.WriteString("NEXT:\n")
	if len(ctx.Next) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, line := range ctx.Next {
		fmt.Fprintf(&b, "  - %s\n", line)
	}
	return strings.TrimRight(b.String(), "\n")
}

// BuildCompactText builds and formats in one step, returning ContextError
// (fail-closed, never empty) if evts is empty.
func BuildCompactText(evts []events.Event, caps Caps) string {
	if len(evts) == 0 {
		return ContextError
	}
	return Format(Build(evts, caps))
}

// SortedByCreatedAt returns a copy of evts ordered by CreatedAt ascending,
// for callers that need lifecycle-correct application order rather than
// rank order.
func SortedByCreatedAt(evts []events.Event) []events.Event {
	out := append([]events.Event(nil), evts...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}
