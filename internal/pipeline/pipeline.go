package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/antigravity-dev/agentcore/internal/contextmgr"
	"github.com/antigravity-dev/agentcore/internal/errkind"
	"github.com/antigravity-dev/agentcore/internal/intentstore"
	"github.com/antigravity-dev/agentcore/internal/plancache"
	"github.com/antigravity-dev/agentcore/internal/router"
	"github.com/antigravity-dev/agentcore/internal/toolhub"
)

// Generator produces the final output text from a Plan and assembled
// context (spec §4.H.3 step 8). Production deployments back this with an
// LLM call.
type Generator interface {
	Generate(ctx context.Context, req Request, plan Plan, assembledContext string) (string, error)
}

// GeneratorFunc adapts a function to a Generator.
type GeneratorFunc func(ctx context.Context, req Request, plan Plan, assembledContext string) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request, plan Plan, assembledContext string) (string, error) {
	return f(ctx, req, plan, assembledContext)
}

// Settings are the config-sourced knobs the orchestrator needs (spec §6
// env var family, threaded through config.Config at wiring time).
type Settings struct {
	ControlDisabled       bool
	SkipOnLowRisk         bool
	SequentialThreshold   int
	ToolCtxCap            int
	FinalCap              int
	CharCap               int
}

// DefaultSettings returns the spec's documented defaults.
func DefaultSettings() Settings {
	return Settings{SequentialThreshold: defaultSequentialThreshold, ToolCtxCap: 4000, FinalCap: 8000, CharCap: 6000}
}

// Orchestrator is the Pipeline Orchestrator (spec §4.H): Process/
// ProcessStream implement the nine-state machine over the injected
// dependencies.
type Orchestrator struct {
	Thinker          Thinker
	Controller       Controller
	Generator        Generator
	Hub              *toolhub.Hub
	Context          *contextmgr.Manager
	BlueprintRouter  *router.Router
	SkillRouter      *router.Router
	Intents          *intentstore.Store
	PlanCache        *plancache.Cache
	Settings         Settings
	Log              *slog.Logger

	// MemorySave is called in the Memory Save stage (spec §4.H.3 step 9)
	// when the plan flagged a new fact; nil disables fact saving.
	MemorySave func(ctx context.Context, conversationID string, fact json.RawMessage) error
	// Autosave persists the assistant response to short-term memory; nil
	// disables autosave entirely.
	Autosave func(ctx context.Context, conversationID, response string) error
}

// finalized tracks per-request state threaded across stages, mirroring the
// "finalized context" spec.md's error-handling section references for the
// autosave-suppression rule.
type finalized struct {
	sources       []string
	hasFailure    bool
	pendingIntent bool
}

// Process implements spec §4.H.1's non-streaming entrypoint.
func (o *Orchestrator) Process(ctx context.Context, req Request) (Response, error) {
	userText := req.LastUserText()

	// --- State 1: Intent-Confirmation Gate ---
	if resp, handled := o.intentConfirmationGate(ctx, req, userText); handled {
		return resp, nil
	}

	var fin finalized

	// --- State 3: Thinking (state 2, tool pre-fetch, folds into Thinker) ---
	plan, err := o.think(ctx, req, userText)
	if err != nil {
		return o.errorResponse(req, err), err
	}

	// --- State 4: Response-mode policy ---
	plan = applyResponseModePolicy(plan, userText, o.Settings.SequentialThreshold)

	// --- State 5: Context Retrieval ---
	memData, memUsed, sources := o.retrieveContext(plan, req)
	fin.sources = append(fin.sources, sources...)

	// --- State 6: Control ---
	verification, confirmResp, handled := o.control(ctx, plan, req)
	if handled {
		return confirmResp, nil
	}

	// --- Router gates (spec §4.H.6) ---
	plan = o.applyRouterGates(plan)

	// --- State 7: Tool Dispatch ---
	toolCtx, toolsFailed := o.dispatch(ctx, plan, req, userText, &fin)

	// --- State 8: Output ---
	assembled := o.assembleContext(memData, toolCtx, toolsFailed, &fin)
	content, genErr := o.generate(ctx, req, plan, assembled)
	if genErr != nil {
		return o.errorResponse(req, genErr), genErr
	}

	// --- State 9: Memory Save ---
	o.memorySave(ctx, plan, req, content, &fin)

	_ = verification
	return Response{
		Model:            req.Model,
		Content:          content,
		ConversationID:   req.ConversationID,
		Done:             true,
		DoneReason:       DoneReasonStop,
		MemoryUsed:       memUsed,
		ValidationPassed: true,
	}, nil
}

func (o *Orchestrator) errorResponse(req Request, err error) Response {
	kind, _ := errkind.KindOf(err)
	return Response{
		Model:          req.Model,
		ConversationID: req.ConversationID,
		Done:           true,
		DoneReason:     errkind.DoneReason(kind),
		Content:        fmt.Sprintf("error: %v", err),
	}
}

// intentConfirmationGate implements spec §4.H.3 step 1.
func (o *Orchestrator) intentConfirmationGate(ctx context.Context, req Request, userText string) (Response, bool) {
	if o.Intents == nil {
		return Response{}, false
	}
	pending, ok := o.Intents.GetPending(req.ConversationID)
	if !ok {
		return Response{}, false
	}

	switch {
	case IsAffirmation(userText):
		if _, err := o.Intents.Confirm(pending.ID); err != nil {
			o.logf("intent confirm failed", "err", err)
			return o.errorResponse(req, err), true
		}
		content := "Skill wurde erstellt."
		if o.Hub != nil {
			args := map[string]any{
				"user_text":     pending.UserText,
				"thinking_plan": json.RawMessage(pending.ThinkingPlan),
				"prefer_create": true,
			}
			if _, err := o.Hub.Call(ctx, toolhub.ToolAutonomousSkillTask, args); err != nil {
				o.logf("autonomous_skill_task failed", "err", err)
				if _, ferr := o.Intents.MarkFailed(pending.ID); ferr != nil {
					o.logf("intent mark-failed failed", "err", ferr)
				}
				return o.errorResponse(req, err), true
			}
		}
		if _, err := o.Intents.MarkExecuted(pending.ID); err != nil {
			o.logf("intent mark-executed failed", "err", err)
		}
		return Response{
			Model: req.Model, ConversationID: req.ConversationID, Content: content,
			Done: true, DoneReason: DoneReasonConfirmationExecuted, ValidationPassed: true,
		}, true

	case IsNegation(userText):
		if _, err := o.Intents.Reject(pending.ID); err != nil {
			o.logf("intent reject failed", "err", err)
			return o.errorResponse(req, err), true
		}
		return Response{
			Model: req.Model, ConversationID: req.ConversationID, Content: "Abgebrochen.",
			Done: true, DoneReason: DoneReasonStop, ValidationPassed: true,
		}, true
	}

	return Response{}, false
}

// think implements spec §4.H.3 step 3, with the Thinking Plan Cache
// (§4.H.8) consulted first.
func (o *Orchestrator) think(ctx context.Context, req Request, userText string) (Plan, error) {
	think := func() (Plan, error) {
		if o.Thinker != nil {
			return o.Thinker.Think(ctx, req)
		}
		return HeuristicThinker{}.Think(ctx, req)
	}

	if o.PlanCache == nil {
		return think()
	}

	key := plancache.NormalizeKey(userText)
	raw, err := o.PlanCache.GetOrCompute(key, func() (json.RawMessage, error) {
		plan, err := think()
		if err != nil {
			return nil, err
		}
		return json.Marshal(plan)
	})
	if err != nil {
		return Plan{}, errkind.TransientErr("thinking failed", err)
	}
	var plan Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return Plan{}, errkind.FatalErr("thinking plan cache corrupt", err)
	}
	return plan, nil
}

// retrieveContext implements spec §4.H.3 step 5.
func (o *Orchestrator) retrieveContext(plan Plan, req Request) (string, bool, []string) {
	if o.Context == nil {
		return contextmgr.ContextError, false, nil
	}
	cmPlan := contextmgr.Plan{Query: plan.Query, TimeReference: plan.TimeReference, MemoryKeys: plan.MemoryKeys}
	conv := contextmgr.Conversation{ID: req.ConversationID}
	ctx := o.Context.GetContext(plan.Query, cmPlan, conv)
	return ctx.MemoryData, ctx.MemoryUsed, ctx.Sources
}

// control implements spec §4.H.3 step 6, including the confirmation-prompt
// short-circuit.
func (o *Orchestrator) control(ctx context.Context, plan Plan, req Request) (Verification, Response, bool) {
	risk := plan.Risk
	if risk == "" {
		risk = "low"
	}
	if shouldSkipControl(o.Settings.ControlDisabled, o.Settings.SkipOnLowRisk, plan, risk) {
		return Verification{Risk: risk}, Response{}, false
	}
	if o.Controller == nil {
		return Verification{Risk: risk}, Response{}, false
	}

	v, err := o.Controller.Review(ctx, plan, req)
	if err != nil {
		return Verification{}, o.errorResponse(req, err), true
	}

	if v.NeedsSkillConfirmation && o.Intents != nil {
		intent, err := o.Intents.Create(req.ConversationID, v.SkillName, intentstore.OriginAI, v.Reason, req.LastUserText(), plan.CloneForIntent(), plan.SequentialComplexity)
		if err != nil {
			return Verification{}, o.errorResponse(req, err), true
		}
		return v, Response{
			Model: req.Model, ConversationID: req.ConversationID,
			Content:    fmt.Sprintf("Soll ich den Skill %q erstellen? (ja/nein)", intent.SkillName),
			Done:       true,
			DoneReason: DoneReasonConfirmationPending,
		}, true
	}

	return v, Response{}, false
}

// applyRouterGates implements spec §4.H.6: when a configured router is
// unavailable, the corresponding tool class is blocked rather than falling
// through.
func (o *Orchestrator) applyRouterGates(plan Plan) Plan {
	if o.SkillRouter == nil {
		for _, t := range plan.SuggestedTools {
			if t == toolhub.ToolRunSkill || t == toolhub.ToolCreateSkill || t == toolhub.ToolAutonomousSkillTask {
				plan.setFlag(FlagSkillGateBlocked)
				break
			}
		}
	}
	if o.BlueprintRouter == nil {
		for _, t := range plan.SuggestedTools {
			if t == toolhub.ToolBlueprintSemSearch || t == toolhub.ToolBlueprintList {
				plan.setFlag(FlagBlueprintGateBlocked)
				break
			}
		}
	}
	return plan
}

// dispatch implements spec §4.H.3 step 7.
func (o *Orchestrator) dispatch(ctx context.Context, plan Plan, req Request, userText string, fin *finalized) (string, bool) {
	if o.Hub == nil || len(plan.SuggestedTools) == 0 {
		return "", false
	}
	if plan.flag(FlagSkillGateBlocked) || plan.flag(FlagBlueprintGateBlocked) {
		fin.hasFailure = true
		return "", true
	}

	known := o.Hub.FilterKnown(plan.SuggestedTools)
	if plan.TimeReference == contextmgr.TimeReferenceToday {
		known = dropMemorySearchTools(known)
	}
	calls := make([]ToolCall, 0, len(known))
	for _, name := range known {
		calls = append(calls, ToolCall{Name: name, Args: map[string]any{}})
	}

	outcomes := dispatchTools(ctx, o.Hub, calls, userText, func(entryType, content string) {
		o.logf("workspace event", "entry_type", entryType, "content", content)
	})

	var b strings.Builder
	failed := false
	for _, oc := range outcomes {
		if oc.Err != nil || oc.Skipped {
			failed = true
		}
		line := ToolResultOutcomeString(oc)
		b.WriteString(ClipToolContext(line, o.Settings.ToolCtxCap))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), failed
}

// assembleContext implements spec §4.H.4: on tool failure, a compact
// recovery context is prepended to the tool context, the combined block is
// appended once as source "tool_ctx", and "failure_ctx" is registered as a
// separate source tag with no character double-counting; the final cap is
// applied after all appends.
func (o *Orchestrator) assembleContext(memData, toolCtx string, toolsFailed bool, fin *finalized) string {
	var parts []string
	if memData != "" {
		parts = append(parts, memData)
	}
	if toolCtx != "" {
		block := toolCtx
		if toolsFailed {
			fin.sources = append(fin.sources, "failure_ctx")
			block = contextmgr.ContextError + "\n" + toolCtx
			fin.hasFailure = true
		}
		fin.sources = append(fin.sources, "tool_ctx")
		parts = append(parts, block)
	}

	assembled := strings.Join(parts, "\n\n")
	finalCap := o.Settings.FinalCap
	if finalCap <= 0 {
		finalCap = o.Settings.CharCap
	}
	if finalCap > 0 && len(assembled) > finalCap {
		assembled = assembled[:finalCap]
	}
	return assembled
}

func (o *Orchestrator) generate(ctx context.Context, req Request, plan Plan, assembled string) (string, error) {
	if o.Generator == nil {
		return assembled, nil
	}
	return o.Generator.Generate(ctx, req, plan, assembled)
}

// memorySave implements spec §4.H.3 step 9. Autosave is suppressed
// whenever a failure marker or pending Intent exists in the finalized
// context (spec §7 propagation policy).
func (o *Orchestrator) memorySave(ctx context.Context, plan Plan, req Request, content string, fin *finalized) {
	if plan.NewFact != nil && o.MemorySave != nil {
		if err := o.MemorySave(ctx, req.ConversationID, plan.NewFact); err != nil {
			o.logf("memory fact save failed", "err", err)
		}
	}

	if fin.hasFailure || fin.pendingIntent {
		return
	}
	if o.Intents != nil {
		if _, ok := o.Intents.GetPending(req.ConversationID); ok {
			return
		}
	}
	if o.Autosave != nil {
		if err := o.Autosave(ctx, req.ConversationID, content); err != nil {
			o.logf("autosave failed", "err", err)
		}
	}
}

func (o *Orchestrator) logf(msg string, args ...any) {
	if o.Log != nil {
		o.Log.Warn(msg, args...)
	}
}
