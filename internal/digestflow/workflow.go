package digestflow

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// DigestCycleWorkflow runs one daily -> weekly -> archive cycle as a
// Temporal workflow, the durable-cluster alternative to RunLoop/RunOnce
// for deployments with a Temporal cluster available. It is started by a
// Temporal Schedule whose Spec.CronExpressions holds "0 4 * * *" (see
// StartScheduledWorker), mirroring internal/temporal/workflow.go's
// phase-commented structure:
//
//  1. CYCLE   — RunDigestCycleActivity performs daily -> weekly -> archive
//     under the cross-process lock, exactly as Worker.RunOnce does
//     in-process.
//  2. RECORD  — the activity itself persists Runtime State before
//     returning, so no separate record phase is needed here.
func DigestCycleWorkflow(ctx workflow.Context) (Summary, error) {
	logger := workflow.GetLogger(ctx)

	cycleOpts := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	}
	ctx = workflow.WithActivityOptions(ctx, cycleOpts)

	logger.Info("digestflow workflow: cycle starting")

	var a *Activities
	var summary Summary
	if err := workflow.ExecuteActivity(ctx, a.RunDigestCycleActivity).Get(ctx, &summary); err != nil {
		return Summary{}, fmt.Errorf("digest cycle activity failed: %w", err)
	}

	logger.Info("digestflow workflow: cycle complete",
		"daily", summary.Daily, "weekly", summary.Weekly, "archive", summary.Archive, "skipped", summary.Skipped)
	return summary, nil
}

// Activities bundles the Worker a Temporal activity delegates to. A
// *Worker is not itself serializable across a workflow boundary, so the
// activity closes over it at worker-registration time instead of
// receiving it as an activity argument.
type Activities struct {
	W *Worker
}

// RunDigestCycleActivity runs one non-startup cycle via the Worker's
// ordinary in-process path (lock acquisition, daily/weekly/archive,
// runtime state persistence) — the exact same code RunLoop drives, so
// behavior is identical whether or not Temporal is in front of it.
func (a *Activities) RunDigestCycleActivity() (Summary, error) {
	return a.W.RunOnce(context.Background(), false), nil
}
