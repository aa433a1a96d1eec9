package contextmgr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/agentcore/internal/events"
)

type fakeGraph struct {
	events []events.Event
	err    error
	calls  int
}

func (f *fakeGraph) Search(query string, keys []string) ([]events.Event, error) {
	f.calls++
	return f.events, f.err
}

type fakeProtocol struct {
	content string
	err     error
}

func (f *fakeProtocol) LoadDailyProtocol(conversationID string) (string, error) {
	return f.content, f.err
}

func TestGetContextCallsGraphForNonTemporalQueries(t *testing.T) {
	graph := &fakeGraph{events: []events.Event{{ID: "e1", EventType: "fact", CreatedAt: "2026-07-01T00:00:00Z", EventData: map[string]any{"raw_text": "likes go"}}}}
	m := New(graph, nil)

	ctx := m.GetContext("what do you know about me", Plan{Query: "x"}, Conversation{ID: "conv-1"})
	require.Equal(t, 1, graph.calls)
	require.True(t, ctx.MemoryUsed)
	require.Contains(t, ctx.Sources, "memory_graph")
}

func TestGetContextTemporalGuardNeverCallsGraph(t *testing.T) {
	graph := &fakeGraph{events: []events.Event{{ID: "e1"}}}
	protocol := &fakeProtocol{content: "today's protocol: standup at 9am"}
	m := New(graph, protocol)

	ctx := m.GetContext("what's today", Plan{TimeReference: TimeReferenceToday}, Conversation{ID: "conv-1"})
	require.Equal(t, 0, graph.calls, "temporal guard must never invoke generic memory graph search")
	require.Equal(t, "today's protocol: standup at 9am", ctx.MemoryData)
	require.NotContains(t, ctx.Sources, "memory:today_topic")
	require.Contains(t, ctx.Sources, "daily_protocol")
}

func TestGetContextTemporalGuardFailsClosedWhenProtocolErrors(t *testing.T) {
	graph := &fakeGraph{}
	protocol := &fakeProtocol{err: errors.New("disk error")}
	m := New(graph, protocol)

	ctx := m.GetContext("what's today", Plan{TimeReference: TimeReferenceToday}, Conversation{ID: "conv-1"})
	require.Equal(t, 0, graph.calls)
	require.Equal(t, ContextError, ctx.MemoryData)
	require.False(t, ctx.MemoryUsed)
}

func TestBuildSmallModelContextFailsClosedOnEmptyConversation(t *testing.T) {
	m := New(nil, nil)
	text := m.BuildSmallModelContext(Conversation{ID: "conv-1"}, DefaultSmallModelCaps())
	require.Equal(t, ContextError, text)
}

func TestBuildSmallModelContextTruncatesAtCharCap(t *testing.T) {
	m := New(nil, nil)
	var evts []events.Event
	for i := 0; i < 20; i++ {
		evts = append(evts, events.Event{
			ID:        "e",
			EventType: "fact",
			CreatedAt: "2026-07-01T00:00:00Z",
			EventData: map[string]any{"raw_text": "a fairly long fact about the user that takes up some space"},
		})
	}
	caps := DefaultSmallModelCaps()
	caps.CharCap = 50
	text := m.BuildSmallModelContext(Conversation{ID: "conv-1", Events: evts}, caps)
	require.LessOrEqual(t, len(text), 50+len("\n  ... (truncated)"))
}

func TestFormatToolContextPreservesFailureMarker(t *testing.T) {
	out := FormatToolContext("search", "some very long result that will certainly exceed the cap applied here", 30, true)
	require.Contains(t, out, "[FAILED]")
}
