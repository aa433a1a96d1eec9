package contextmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/antigravity-dev/agentcore/internal/errkind"
	"github.com/antigravity-dev/agentcore/internal/events"
	"github.com/antigravity-dev/agentcore/internal/toolhub"
)

// HubGraphSearcher adapts the MCP memory_graph_search tool, reached through
// the Hub, to the MemoryGraphSearcher interface GetContext consumes.
type HubGraphSearcher struct {
	Hub *toolhub.Hub
	Ctx context.Context
}

// Search calls memory_graph_search and decodes its "events" field into the
// in-memory Event shape used elsewhere in the pipeline.
func (h HubGraphSearcher) Search(query string, keys []string) ([]events.Event, error) {
	if h.Hub == nil {
		return nil, nil
	}
	ctx := h.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	result, err := h.Hub.Call(ctx, toolhub.ToolMemoryGraphSearch, map[string]any{
		"query":       query,
		"memory_keys": keys,
	})
	if err != nil {
		return nil, errkind.TransientErr("memory graph search", err)
	}
	raw, ok := result["events"]
	if !ok {
		return nil, nil
	}
	blob, err := json.Marshal(raw)
	if err != nil {
		return nil, errkind.TransientErr("decoding memory graph search result", err)
	}
	var evs []events.Event
	if err := json.Unmarshal(blob, &evs); err != nil {
		return nil, errkind.TransientErr("decoding memory graph search events", err)
	}
	return evs, nil
}

// FileProtocolLoader reads the daily protocol file for a conversation from
// a directory of Markdown files, one per conversation (the "Heute"/"today"
// fallback a fresh conversation still has even before any memory graph
// entries exist).
type FileProtocolLoader struct {
	Dir string
}

// LoadDailyProtocol reads "<conversationID>.md" from Dir. A missing file is
// not an error: an empty protocol is a legitimate state for a conversation
// that has not yet logged anything today, and GetContext's temporal guard
// still reports a "daily_protocol" source with whatever text comes back.
func (f FileProtocolLoader) LoadDailyProtocol(conversationID string) (string, error) {
	if f.Dir == "" {
		return "", nil
	}
	path := filepath.Join(f.Dir, conversationID+".md")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("contextmgr: reading daily protocol: %w", err)
	}
	return string(data), nil
}
