// Package digestflow coordinates the full digest pipeline (daily → weekly →
// archive) under the cross-process lock, on a 04:00-local schedule.
package digestflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/antigravity-dev/agentcore/internal/digest"
	"github.com/antigravity-dev/agentcore/internal/events"
	"github.com/antigravity-dev/agentcore/internal/lock"
	"github.com/antigravity-dev/agentcore/internal/runtimestate"
)

// RunMode selects how the worker is driven.
type RunMode string

const (
	ModeOff     RunMode = "off"
	ModeSidecar RunMode = "sidecar"
	ModeInline  RunMode = "inline"
)

// Deps bundles the schedulers a Worker coordinates. Daily and Weekly may
// each be nil; a nil scheduler's stage is skipped in every cycle.
type Deps struct {
	Daily  *digest.DailyScheduler
	Weekly *digest.WeeklyArchiver
	Lock   *lock.Service
	State  *runtimestate.Store
	// LoadAllEvents supplies the full event set the daily scheduler's
	// auto-derive and catch-up logic reads from.
	LoadAllEvents func() ([]events.Event, error)
}

// Worker orchestrates daily/weekly/archive in strict order under the lock.
type Worker struct {
	owner   string
	mode    RunMode
	tz      string
	deps    Deps
	logger  *slog.Logger
	nowFn   func() time.Time
	sleeper func(context.Context, time.Duration) error
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithTZ sets the configured digest timezone (IANA name, default
// "Europe/Berlin").
func WithTZ(tz string) Option {
	return func(w *Worker) { w.tz = tz }
}

func withClock(now func() time.Time) Option {
	return func(w *Worker) { w.nowFn = now }
}

func withSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(w *Worker) { w.sleeper = sleep }
}

// NewWorker returns a Worker with a freshly generated owner id
// ("digest-worker-<8 hex chars>"), mirroring the Python worker's identity
// scheme used for lock ownership and log correlation.
func NewWorker(mode RunMode, deps Deps, opts ...Option) *Worker {
	w := &Worker{
		owner:  "digest-worker-" + uuid.NewString()[:8],
		mode:   mode,
		tz:     "Europe/Berlin",
		deps:   deps,
		logger: slog.Default(),
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
	w.sleeper = func(ctx context.Context, d time.Duration) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Worker) location() *time.Location {
	loc, err := time.LoadLocation(w.tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// next04 returns the next 04:00 local-time instant, in UTC, strictly after
// now.
func (w *Worker) next04(now time.Time) time.Time {
	loc := w.location()
	local := now.In(loc)
	target := time.Date(local.Year(), local.Month(), local.Day(), 4, 0, 0, 0, loc)
	if !local.Before(target) {
		target = target.AddDate(0, 0, 1)
	}
	return target.UTC()
}

// CronSpec returns the equivalent standard 5-field cron expression for this
// worker's 04:00-local schedule, for callers wiring a durable scheduler
// (e.g. a Temporal Schedule) instead of calling RunLoop directly.
func (w *Worker) CronSpec() string {
	return "0 4 * * *"
}

// ValidateCronSpec parses CronSpec with the standard 5-field parser,
// surfacing a configuration error early rather than at the first scheduled
// fire.
func (w *Worker) ValidateCronSpec() error {
	_, err := cron.ParseStandard(w.CronSpec())
	return err
}

// inlineStartGuard ensures at most one goroutine per process ever runs an
// inline-mode digest worker loop (spec §4.G: "a double-start guard prevents
// duplicates in the same process"), regardless of how many times
// StartInline is called — e.g. if the API host's startup path is invoked
// more than once in tests or under a supervisor restart within the same
// process.
var inlineStartGuard sync.Once

// StartInline launches w.RunLoop in a background goroutine the first time
// it is called in this process; subsequent calls (on this or any other
// *Worker) are no-ops. This is the spec §4.G "inline" run_mode: the API
// host spawns one daemon worker on startup instead of running a separate
// sidecar process. Errors from RunLoop (other than context cancellation)
// are logged, not returned, since the caller has already moved on to
// serving requests.
func (w *Worker) StartInline(ctx context.Context) {
	inlineStartGuard.Do(func() {
		go func() {
			if err := w.RunLoop(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("digestflow: inline worker loop exited with error", "err", err)
			}
		}()
	})
}

// RunLoop is the blocking sidecar scheduler: runs a startup catch-up pass,
// then waits for each 04:00-local tick until ctx is cancelled.
func (w *Worker) RunLoop(ctx context.Context) error {
	if w.mode == ModeOff {
		w.logger.Info("digestflow: run mode off, loop not started")
		return nil
	}

	w.logger.Info("digestflow: worker starting", "owner", w.owner)
	w.RunOnce(ctx, true)

	for {
		now := w.nowFn()
		next := w.next04(now)
		wait := next.Sub(now)
		w.logger.Info("digestflow: next run scheduled", "next_run", next, "wait_s", int(wait.Seconds()))

		if err := w.sleeper(ctx, wait); err != nil {
			return ctx.Err()
		}
		w.RunOnce(ctx, false)
	}
}

// Summary is the structured outcome of one pipeline cycle.
type Summary struct {
	OK      bool
	Daily   int
	Weekly  int
	Archive int
	Skipped bool
	Reason  string
}

// RunOnce runs a single daily → weekly → archive cycle under the lock. If
// the lock is already held, the run is skipped (summary.Skipped=true) —
// another worker (sidecar or inline) owns this cycle.
func (w *Worker) RunOnce(ctx context.Context, isStartup bool) Summary {
	summary := Summary{}

	if w.deps.Lock == nil {
		return w.runCycle(isStartup)
	}

	acquired, _ := w.deps.Lock.With(w.owner, func() error {
		summary = w.runCycle(isStartup)
		return nil
	})
	if !acquired {
		w.logger.Warn("digestflow: run skipped, lock held", "owner", w.owner)
		return Summary{Skipped: true, Reason: "lock_held"}
	}
	return summary
}

func (w *Worker) runCycle(isStartup bool) Summary {
	label := "scheduled"
	if isStartup {
		label = "startup"
	}
	w.logger.Info("digestflow: run starting", "label", label, "owner", w.owner)
	start := time.Now()

	var dailySummary digest.RunSummary
	var weeklySummary, archiveSummary digest.WeeklySummary
	summary := Summary{}

	var allEvents []events.Event
	if w.deps.LoadAllEvents != nil {
		if evs, err := w.deps.LoadAllEvents(); err == nil {
			allEvents = evs
		} else {
			w.logger.Warn("digestflow: failed to load events for daily scheduler", "err", err)
		}
	}

	if w.deps.Daily != nil {
		dailySummary = w.deps.Daily.Run(nil, allEvents)
		summary.Daily = dailySummary.Written
	}
	if w.deps.Weekly != nil {
		weeklySummary = w.deps.Weekly.RunWeekly(nil)
		summary.Weekly = weeklySummary.Written
		archiveSummary = w.deps.Weekly.RunArchive(nil)
		summary.Archive = archiveSummary.Written
	}
	summary.OK = true

	duration := time.Since(start)
	w.logger.Info("digestflow: run complete", "label", label, "ok", summary.OK,
		"daily", summary.Daily, "weekly", summary.Weekly, "archive", summary.Archive,
		"duration_s", duration.Seconds())

	if w.deps.State != nil {
		w.persistState(summary, dailySummary, weeklySummary)
	}
	return summary
}

func (w *Worker) persistState(summary Summary, dailySummary digest.RunSummary, weeklySummary digest.WeeklySummary) {
	status := "ok"
	if !summary.OK {
		status = "error"
	}
	written := summary.Daily
	w.deps.State.UpdateCycle(runtimestate.CycleDaily, status, runtimestate.UpdateCycleParams{
		DigestWritten: &written,
	})
	if summary.Weekly > 0 {
		weeklyWritten := summary.Weekly
		w.deps.State.UpdateCycle(runtimestate.CycleWeekly, "ok", runtimestate.UpdateCycleParams{
			DigestWritten: &weeklyWritten,
		})
	}
	if summary.Archive > 0 {
		archiveWritten := summary.Archive
		w.deps.State.UpdateCycle(runtimestate.CycleArchive, "ok", runtimestate.UpdateCycleParams{
			DigestWritten: &archiveWritten,
		})
	}

	cu := dailySummary.CatchUp
	daysProcessed := cu.DaysExamined
	if daysProcessed == 0 {
		daysProcessed = summary.Daily
	}
	generated := cu.Generated
	if generated == 0 {
		generated = summary.Daily
	}
	mode := cu.Mode
	if mode == "" {
		mode = "off"
	}
	w.deps.State.UpdateCatchUp(daysProcessed, summary.Daily, status, runtimestate.UpdateCatchUpParams{
		MissedRuns: cu.MissedRuns,
		Recovered:  cu.Recovered,
		Generated:  generated,
		Mode:       mode,
	})
	_ = weeklySummary
}
