package digestflow

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// TaskQueue is the Temporal task queue the digest cycle workflow and its
// activities run on.
const TaskQueue = "agentcore-digest-task-queue"

// ScheduleID names the durable Temporal Schedule driving DigestCycleWorkflow.
const ScheduleID = "agentcore-digest-daily"

// StartScheduledWorker connects to a Temporal cluster, registers
// DigestCycleWorkflow plus its activity, ensures the 04:00-local cron
// Schedule exists, and blocks running the worker — the Temporal-backed
// alternative to Worker.RunLoop, mirroring internal/temporal/worker.go's
// StartWorker.
func StartScheduledWorker(ctx context.Context, w *Worker, hostPort string) error {
	c, err := client.Dial(client.Options{HostPort: hostPort})
	if err != nil {
		return fmt.Errorf("digestflow: connect to temporal: %w", err)
	}
	defer c.Close()

	if err := ensureSchedule(ctx, c, w); err != nil {
		return err
	}

	tw := worker.New(c, TaskQueue, worker.Options{})
	acts := &Activities{W: w}

	tw.RegisterWorkflow(DigestCycleWorkflow)
	tw.RegisterActivity(acts.RunDigestCycleActivity)

	w.logger.Info("digestflow: temporal worker starting", "task_queue", TaskQueue)
	return tw.Run(worker.InterruptCh())
}

// ensureSchedule creates the daily digest Schedule if it does not already
// exist, using w.CronSpec() ("0 4 * * *") in the worker's time zone as the
// schedule spec.
func ensureSchedule(ctx context.Context, c client.Client, w *Worker) error {
	handle := c.ScheduleClient().GetHandle(ctx, ScheduleID)
	if _, err := handle.Describe(ctx); err == nil {
		return nil
	}

	_, err := c.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: ScheduleID,
		Spec: client.ScheduleSpec{
			CronExpressions: []string{w.CronSpec()},
			TimeZoneName:    w.tz,
		},
		Action: &client.ScheduleWorkflowAction{
			ID:        "agentcore-digest-cycle",
			Workflow:  DigestCycleWorkflow,
			TaskQueue: TaskQueue,
		},
	})
	if err != nil {
		return fmt.Errorf("digestflow: create schedule: %w", err)
	}
	return nil
}
