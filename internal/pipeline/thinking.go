package pipeline

import (
	"context"
	"strings"
)

// Thinker produces a Plan from a request (spec §4.H.3 step 3). Production
// deployments back this with an LLM call; HeuristicThinker is a
// deterministic, dependency-free fallback used by tests and as a safety
// net when no LLM-backed Thinker is configured.
type Thinker interface {
	Think(ctx context.Context, req Request) (Plan, error)
}

// ThinkerFunc adapts a function to a Thinker.
type ThinkerFunc func(ctx context.Context, req Request) (Plan, error)

func (f ThinkerFunc) Think(ctx context.Context, req Request) (Plan, error) { return f(ctx, req) }

// skillCreationKeywords are the keyword-driven triggers for a skill-creation
// suggestion (spec §4.H.3 step 6 "skill-creation keyword").
var skillCreationKeywords = []string{"erstelle einen skill", "create a skill", "neuen skill"}

// timeReferenceKeywords trigger Plan.TimeReference = "today" (spec §4.I).
var timeReferenceKeywords = []string{"heute", "today", "right now", "gerade jetzt"}

// HeuristicThinker builds a Plan via deterministic keyword-driven
// extraction from the user text, mirroring the "deterministic per-tool
// heuristics (keyword-driven extraction from user text)" texture spec.md
// §4.H.3 step 7 describes for argument building, applied here one stage
// earlier for the Plan itself.
type HeuristicThinker struct {
	// KnownTools is not read by Think; the only SuggestedTools hint Think
	// produces is create_skill, on a skill-creation keyword.
	KnownTools []string
}

func (h HeuristicThinker) Think(_ context.Context, req Request) (Plan, error) {
	text := req.LastUserText()
	lower := strings.ToLower(text)

	plan := Plan{Query: text, ResponseMode: ResponseModeInteractive}

	for _, kw := range timeReferenceKeywords {
		if strings.Contains(lower, kw) {
			plan.TimeReference = "today"
			break
		}
	}

	for _, kw := range skillCreationKeywords {
		if strings.Contains(lower, kw) {
			plan.SkillCreationRequested = true
			plan.SkillName = extractSkillName(text)
			plan.SuggestedTools = append(plan.SuggestedTools, "create_skill")
			break
		}
	}

	plan.SequentialComplexity = estimateComplexity(text)
	return plan, nil
}

// extractSkillName pulls the token following "skill" as a best-effort name
// hint; callers are expected to let Control correct this.
func extractSkillName(text string) string {
	fields := strings.Fields(text)
	for i, f := range fields {
		if strings.EqualFold(strings.Trim(f, ".,:;"), "skill") && i+1 < len(fields) {
			return strings.Trim(fields[i+1], ".,:;")
		}
	}
	return ""
}

// estimateComplexity is a cheap proxy for sequential-thinking complexity:
// longer, multi-clause requests score higher.
func estimateComplexity(text string) int {
	words := len(strings.Fields(text))
	clauses := strings.Count(text, ",") + strings.Count(text, ";") + 1
	score := words/10 + clauses
	if score > 10 {
		score = 10
	}
	return score
}

// affirmationTokens / negationTokens are the closed lists spec §4.H.3 step
// 1 requires for the Intent-Confirmation Gate.
var affirmationTokens = map[string]bool{
	"ja": true, "yes": true, "ok": true, "okay": true, "sure": true, "bestätigt": true, "confirm": true, "confirmed": true,
}

var negationTokens = map[string]bool{
	"nein": true, "no": true, "nope": true, "abbrechen": true, "cancel": true, "reject": true,
}

func normalizeAffirmation(text string) string {
	return strings.ToLower(strings.TrimSpace(strings.Trim(text, ".!? ")))
}

// IsAffirmation reports whether text is one of the closed affirmation
// tokens.
func IsAffirmation(text string) bool { return affirmationTokens[normalizeAffirmation(text)] }

// IsNegation reports whether text is one of the closed negation tokens.
func IsNegation(text string) bool { return negationTokens[normalizeAffirmation(text)] }

// Response modes (spec §4.H.3 step 4).
const (
	ResponseModeInteractive = "interactive"
	ResponseModeDeep        = "deep"
)

// DeepPrefix forces deep mode regardless of complexity.
const DeepPrefix = "/deep"

// defaultSequentialThreshold is the default complexity at or above which
// interactive mode defers sequential thinking (spec §4.H.3 step 4).
const defaultSequentialThreshold = 7

// applyResponseModePolicy implements spec §4.H.3 step 4: maps user text to
// a mode, forcing deep via the /deep prefix, and in interactive mode defers
// sequential thinking at or above the complexity threshold.
func applyResponseModePolicy(plan Plan, userText string, threshold int) Plan {
	if threshold <= 0 {
		threshold = defaultSequentialThreshold
	}
	if strings.HasPrefix(strings.TrimSpace(userText), DeepPrefix) {
		plan.ResponseMode = ResponseModeDeep
		return plan
	}
	plan.ResponseMode = ResponseModeInteractive
	if plan.SequentialComplexity >= threshold {
		plan.setFlag(FlagSequentialDeferred)
		filtered := plan.SuggestedTools[:0]
		for _, t := range plan.SuggestedTools {
			if t != "think" {
				filtered = append(filtered, t)
			}
		}
		plan.SuggestedTools = filtered
	}
	return plan
}
