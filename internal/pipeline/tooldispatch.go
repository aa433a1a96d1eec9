package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/antigravity-dev/agentcore/internal/toolhub"
)

// Pending is the placeholder argument value chained calls expect to be
// substituted with a previous tool's result (spec §4.H.3 step 7:
// "inject the container ID from the previous result into any argument
// placeholder PENDING").
const Pending = "PENDING"

// ToolCall is one planned tool invocation plus its build arguments, in
// dispatch order.
type ToolCall struct {
	Name string
	Args map[string]any
}

// ToolOutcome is the result of dispatching one ToolCall.
type ToolOutcome struct {
	Name    string
	Result  map[string]any
	Err     error
	Skipped bool   // true if dispatch was skipped (e.g. container not running)
	Reason  string // skip/failure reason string
}

// buildArgs fills in required arguments via keyword-driven extraction from
// userText when the caller omitted them (spec §4.H.3 step 7: "auto-fill
// required arguments if the tool schema mandates query or message and the
// LLM omitted them").
func buildArgs(hub *toolhub.Hub, name string, args map[string]any, userText string) map[string]any {
	out := map[string]any{}
	for k, v := range args {
		out[k] = v
	}
	for _, required := range hub.Required(name) {
		if _, ok := out[required]; ok {
			continue
		}
		switch required {
		case "query", "message":
			out[required] = userText
		}
	}
	return out
}

// injectChainedResult substitutes any argument whose value is the literal
// Pending placeholder with a value extracted from the previous tool's
// result, e.g. request_container's "container_id" feeding
// exec_in_container's "container_id" argument.
func injectChainedResult(args map[string]any, prevResult map[string]any, key string) map[string]any {
	for k, v := range args {
		if s, ok := v.(string); ok && s == Pending {
			if replacement, ok := prevResult[key]; ok {
				args[k] = replacement
			}
		}
	}
	return args
}

// memorySearchTools are the generic (non-temporal) memory-search tools the
// temporal guard blocks from Tool Dispatch when plan.TimeReference == "today"
// (spec §4.I: "enforced both in the context manager and in the tool
// dispatcher of §4.H"), mirroring contextmgr's own refusal to call its
// MemoryGraphSearcher under the same condition.
var memorySearchTools = map[string]bool{
	toolhub.ToolMemoryGraphSearch:    true,
	toolhub.ToolMemorySemanticSearch: true,
	toolhub.ToolMemorySearchLayered:  true,
}

// dropMemorySearchTools removes any generic memory-search tool from names,
// preserving order.
func dropMemorySearchTools(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if memorySearchTools[n] {
			continue
		}
		out = append(out, n)
	}
	return out
}

// dispatchTools runs calls in order against hub, implementing spec
// §4.H.3 step 7 in full:
//   - filters to registered tools (callers must have already run
//     hub.FilterKnown on the suggestion list feeding calls),
//   - auto-fills required args,
//   - chains PENDING placeholders from the immediately preceding result,
//   - probes container_stats before exec_in_container on a non-fresh
//     container, skipping (not erroring) if the container is not running,
//   - emits a workspace_update-shaped event via emit for lifecycle
//     transitions (container creation/stop/verify-failed).
func dispatchTools(ctx context.Context, hub *toolhub.Hub, calls []ToolCall, userText string, emit func(entryType, content string)) []ToolOutcome {
	outcomes := make([]ToolOutcome, 0, len(calls))
	var prevResult map[string]any
	var lastContainerID string
	containerFresh := false

	for _, call := range calls {
		args := buildArgs(hub, call.Name, call.Args, userText)
		if prevResult != nil {
			args = injectChainedResult(args, prevResult, "container_id")
		}

		if call.Name == toolhub.ToolExecInContainer && !containerFresh && lastContainerID != "" {
			statsArgs := map[string]any{"container_id": lastContainerID}
			stats, err := hub.Call(ctx, toolhub.ToolContainerStats, statsArgs)
			running, _ := stats["running"].(bool)
			if err != nil || !running {
				if emit != nil {
					emit("container_stopped", fmt.Sprintf("container %s not running, skipping exec (reason=verify_failed)", lastContainerID))
				}
				outcomes = append(outcomes, ToolOutcome{Name: call.Name, Skipped: true, Reason: "verify_failed"})
				prevResult = nil
				continue
			}
		}

		result, err := hub.Call(ctx, call.Name, args)
		outcomes = append(outcomes, ToolOutcome{Name: call.Name, Result: result, Err: err})

		switch call.Name {
		case toolhub.ToolRequestContainer:
			if err == nil {
				if id, ok := result["container_id"].(string); ok {
					lastContainerID = id
					containerFresh = true
					if emit != nil {
						emit("container_started", fmt.Sprintf("container %s started", id))
					}
				}
			}
		case toolhub.ToolExecInContainer:
			containerFresh = false
		case toolhub.ToolStopContainer:
			if emit != nil {
				emit("container_stopped", fmt.Sprintf("container %s stopped", lastContainerID))
			}
			lastContainerID = ""
			containerFresh = false
		}

		if err != nil {
			prevResult = nil
			continue
		}
		prevResult = result
	}

	return outcomes
}

// TruncationMarkerFormat must always fit within any cap >= len(fmt.Sprintf
// with a 0 count), per spec §4.H.4.
const truncationMarkerFormat = "[...truncated:%d]"

// failureMarkers are the two literal tokens that must survive clipping
// (spec §4.H.4 / §8 boundary behaviors).
var failureMarkers = []string{"TOOL-FEHLER", "TOOL-SKIP"}

// ClipToolContext bounds text to cap characters, preserving any failure
// marker present in the unclipped text and keeping JSON-only outputs
// parseable is the caller's responsibility (structured clipping is applied
// only to free text here; JSON tool results should be summarized before
// being passed to this function).
func ClipToolContext(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}

	var marker string
	for _, m := range failureMarkers {
		if strings.Contains(text, m) {
			marker = m
			break
		}
	}

	truncatedCount := len(text) - limit
	suffix := fmt.Sprintf(truncationMarkerFormat, truncatedCount)

	if marker != "" && !strings.Contains(text[:minInt(limit, len(text))], marker) {
		// Marker would be clipped away; keep it by appending after the
		// truncation suffix instead of silently dropping it.
		budget := limit - len(suffix) - len(marker) - 1
		if budget < 0 {
			budget = 0
		}
		return text[:budget] + suffix + " " + marker
	}

	budget := limit - len(suffix)
	if budget < 0 {
		budget = 0
	}
	return text[:budget] + suffix
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ToolResultOutcomeString renders one ToolOutcome as the text appended to
// the tool context, using the TOOL-FEHLER / TOOL-SKIP failure markers spec
// §7 names.
func ToolResultOutcomeString(o ToolOutcome) string {
	switch {
	case o.Skipped:
		return fmt.Sprintf("TOOL-SKIP (%s): %s", o.Name, o.Reason)
	case o.Err != nil:
		return fmt.Sprintf("TOOL-FEHLER (%s): %v", o.Name, o.Err)
	default:
		return fmt.Sprintf("%s: %v", o.Name, o.Result)
	}
}
