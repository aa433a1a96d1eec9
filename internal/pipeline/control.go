package pipeline

import (
	"context"

	"github.com/antigravity-dev/agentcore/internal/toolhub"
)

// Controller reviews a Plan and produces a Verification (spec §4.H.3 step
// 6). HeuristicController is the deterministic default: it flags
// confirmation whenever the plan requested skill creation, and assigns
// risk by whether a sensitive tool was suggested.
type Controller interface {
	Review(ctx context.Context, plan Plan, req Request) (Verification, error)
}

// ControllerFunc adapts a function to a Controller.
type ControllerFunc func(ctx context.Context, plan Plan, req Request) (Verification, error)

func (f ControllerFunc) Review(ctx context.Context, plan Plan, req Request) (Verification, error) {
	return f(ctx, plan, req)
}

// HeuristicController is the deterministic default Controller.
type HeuristicController struct{}

func (HeuristicController) Review(_ context.Context, plan Plan, _ Request) (Verification, error) {
	risk := "low"
	for _, t := range plan.SuggestedTools {
		if toolhub.SensitiveTools[t] {
			risk = "high"
			break
		}
	}
	if plan.SkillCreationRequested {
		return Verification{
			NeedsSkillConfirmation: true,
			SkillName:              plan.SkillName,
			Risk:                   "high",
			Reason:                 "skill creation requested",
		}, nil
	}
	return Verification{Risk: risk}, nil
}

// suggestsSensitiveTool reports whether any suggested tool is in
// toolhub.SensitiveTools.
func suggestsSensitiveTool(plan Plan) bool {
	for _, t := range plan.SuggestedTools {
		if toolhub.SensitiveTools[t] {
			return true
		}
	}
	return false
}

// shouldSkipControl implements spec §4.H.3 step 6's skip condition:
// control_disabled, or (skip_on_low_risk AND risk=low AND no sensitive-tool
// suggestion AND no skill-creation keyword). A sensitive tool suggestion
// always forces control to run (spec §4.H.6).
func shouldSkipControl(controlDisabled, skipOnLowRisk bool, plan Plan, estimatedRisk string) bool {
	if controlDisabled {
		return true
	}
	if suggestsSensitiveTool(plan) || plan.SkillCreationRequested {
		return false
	}
	return skipOnLowRisk && estimatedRisk == "low"
}
