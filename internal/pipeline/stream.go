package pipeline

import (
	"context"

	"github.com/antigravity-dev/agentcore/internal/contextmgr"
)

// ProcessStream implements spec §4.H.1's streaming entrypoint: a
// single-producer channel terminating with exactly one StreamEvent{Type:
// "done", Done: true}. Cancellation is cooperative: the producer checks
// ctx.Done() before each yield, including before every event (spec §4.H.5
// / §5 "cancellation is cooperative").
//
// The streaming path reuses Process's stage implementations so that sync
// and stream paths emit the same context source set for equivalent inputs
// (spec §4.H.5 "sync/stream parity"); it additionally emits the
// intermediate lifecycle events spec §4.H.5 names.
func (o *Orchestrator) ProcessStream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	out := make(chan StreamEvent, 8)

	go func() {
		defer close(out)
		userText := req.LastUserText()

		if resp, handled := o.intentConfirmationGate(ctx, req, userText); handled {
			emit(ctx, out, StreamEvent{Type: "confirmation_pending", Payload: map[string]any{"content": resp.Content}})
			emit(ctx, out, StreamEvent{Type: "done", Done: true, Payload: map[string]any{"done_reason": resp.DoneReason, "content": resp.Content}})
			return
		}

		var fin finalized

		emit(ctx, out, StreamEvent{Type: "thinking_stream"})
		plan, err := o.think(ctx, req, userText)
		if err != nil {
			emitError(ctx, out, err)
			return
		}
		emit(ctx, out, StreamEvent{Type: "thinking_done", Payload: map[string]any{"response_mode": plan.ResponseMode}})

		plan = applyResponseModePolicy(plan, userText, o.Settings.SequentialThreshold)
		if plan.flag(FlagSequentialDeferred) {
			emit(ctx, out, StreamEvent{Type: "sequential_deferred"})
		}

		if len(plan.SuggestedTools) > 0 {
			emit(ctx, out, StreamEvent{Type: "tool_selection", Payload: map[string]any{"tools": plan.SuggestedTools}})
		}

		memData, memUsed, sources := o.retrieveContext(plan, req)
		fin.sources = append(fin.sources, sources...)

		verification, confirmResp, handled := o.control(ctx, plan, req)
		if handled {
			emit(ctx, out, StreamEvent{Type: "confirmation_pending", Payload: map[string]any{"content": confirmResp.Content}})
			emit(ctx, out, StreamEvent{Type: "done", Done: true, Payload: map[string]any{"done_reason": confirmResp.DoneReason, "content": confirmResp.Content}})
			return
		}
		emit(ctx, out, StreamEvent{Type: "control", Payload: map[string]any{"risk": verification.Risk}})

		plan = o.applyRouterGates(plan)

		var toolCtx string
		var toolsFailed bool
		if o.Hub != nil && len(plan.SuggestedTools) > 0 {
			if plan.flag(FlagSkillGateBlocked) || plan.flag(FlagBlueprintGateBlocked) {
				fin.hasFailure = true
				toolsFailed = true
			} else {
				known := o.Hub.FilterKnown(plan.SuggestedTools)
				if plan.TimeReference == contextmgr.TimeReferenceToday {
					known = dropMemorySearchTools(known)
				}
				calls := make([]ToolCall, 0, len(known))
				for _, name := range known {
					calls = append(calls, ToolCall{Name: name, Args: map[string]any{}})
				}
				for _, c := range calls {
					emit(ctx, out, StreamEvent{Type: "tool_start", Payload: map[string]any{"tool": c.Name}})
				}
				outcomes := dispatchTools(ctx, o.Hub, calls, userText, func(entryType, content string) {
					emit(ctx, out, StreamEvent{Type: "workspace_update", Payload: map[string]any{
						"entry_type":      entryType,
						"content":         content,
						"conversation_id": req.ConversationID,
					}})
				})
				var parts []string
				for _, oc := range outcomes {
					if oc.Err != nil || oc.Skipped {
						toolsFailed = true
					}
					line := ClipToolContext(ToolResultOutcomeString(oc), o.Settings.ToolCtxCap)
					parts = append(parts, line)
					emit(ctx, out, StreamEvent{Type: "tool_result", Payload: map[string]any{"tool": oc.Name, "result": line}})
				}
				toolCtx = joinNonEmpty(parts)
			}
		}

		assembled := o.assembleContext(memData, toolCtx, toolsFailed, &fin)
		content, genErr := o.generate(ctx, req, plan, assembled)
		if genErr != nil {
			emitError(ctx, out, genErr)
			return
		}
		emit(ctx, out, StreamEvent{Type: "content", Payload: map[string]any{"content": content}})

		o.memorySave(ctx, plan, req, content, &fin)

		emit(ctx, out, StreamEvent{Type: "done", Done: true, Payload: map[string]any{
			"done_reason": DoneReasonStop,
			"memory_used": memUsed,
		}})
	}()

	return out, nil
}

// emit sends ev on out unless ctx has already been cancelled, implementing
// cooperative cancellation at each yield point.
func emit(ctx context.Context, out chan<- StreamEvent, ev StreamEvent) {
	if ctx.Err() != nil {
		return
	}
	select {
	case <-ctx.Done():
	case out <- ev:
	}
}

func emitError(ctx context.Context, out chan<- StreamEvent, err error) {
	emit(ctx, out, StreamEvent{Type: "done", Done: true, Payload: map[string]any{"done_reason": "error", "error": err.Error()}})
}

func joinNonEmpty(parts []string) string {
	out := ""
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i > 0 && out != "" {
			out += "\n"
		}
		out += p
	}
	return out
}
