// Command agentcore-digestd is the Digest Worker daemon entrypoint (spec
// §4.G / SPEC_FULL §4.J): it runs the daily -> weekly -> archive cycle on
// the 04:00-local schedule, mirroring cmd/cortex/main.go's flag parsing,
// logger wiring, and graceful shutdown, with -once/-dry-run/-config in
// place of cortex's tick-loop flags.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/antigravity-dev/agentcore/internal/config"
	"github.com/antigravity-dev/agentcore/internal/digest"
	"github.com/antigravity-dev/agentcore/internal/digestflow"
	"github.com/antigravity-dev/agentcore/internal/digestkey"
	"github.com/antigravity-dev/agentcore/internal/digeststore"
	"github.com/antigravity-dev/agentcore/internal/events"
	"github.com/antigravity-dev/agentcore/internal/lock"
	"github.com/antigravity-dev/agentcore/internal/runtimestate"
)

func configureLogger(logLevel string, dev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if dev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func keyVersion(s string) digestkey.Version {
	if s == "v2" {
		return digestkey.V2
	}
	return digestkey.V1
}

func main() {
	configPath := flag.String("config", "agentcore.toml", "path to config file")
	once := flag.Bool("once", false, "run a single digest cycle then exit")
	dryRun := flag.Bool("dry-run", false, "load config and events but do not write digest/state files")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	flag.Parse()

	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(bootLogger)
	bootLogger.Info("agentcore-digestd starting", "config", *configPath)

	cfgManager, err := config.LoadManager(*configPath)
	if err != nil {
		bootLogger.Warn("failed to load config file, using defaults", "config", *configPath, "err", err)
		cfgManager = config.NewManager(config.Default())
	}
	cfg := cfgManager.Get()

	logger := configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	if !cfg.Digest.Enable {
		logger.Info("digest pipeline disabled (digest.enable=false), exiting")
		return
	}

	store := digeststore.New(cfg.Digest.StatePath+".csv", logger.With("component", "digeststore"))
	if cfg.TypedState.CSVPath != "" {
		store = digeststore.New(cfg.TypedState.CSVPath, logger.With("component", "digeststore"))
	}

	var daily *digest.DailyScheduler
	if cfg.Digest.DailyEnable {
		daily = digest.NewDailyScheduler(store, digest.DailySchedulerConfig{
			Enabled:        true,
			CatchupMaxDays: cfg.Digest.CatchupMaxDays,
			MinEventsDaily: cfg.Digest.MinEventsDaily,
			KeyVersion:     keyVersion(cfg.Digest.KeyVersion),
			TZ:             cfg.Digest.TZ,
		}, logger.With("component", "digest-daily"))
	}

	var weekly *digest.WeeklyArchiver
	if cfg.Digest.WeeklyEnable {
		weekly = digest.NewWeeklyArchiver(store, digest.WeeklyArchiverConfig{
			WeeklyEnabled:   cfg.Digest.WeeklyEnable,
			ArchiveEnabled:  cfg.Digest.ArchiveEnable,
			MinDailyPerWeek: cfg.Digest.MinDailyPerWeek,
			KeyVersion:      keyVersion(cfg.Digest.KeyVersion),
			TZ:              cfg.Digest.TZ,
		}, nil, logger.With("component", "digest-weekly"))
	}

	lockPath := cfg.Digest.LockPath
	if lockPath == "" {
		lockPath = "/tmp/agentcore-digest.lock"
	}
	lockSvc := lock.New(lockPath, lock.WithTimeout(time.Duration(cfg.Digest.LockTimeoutS)*time.Second))

	statePath := cfg.Digest.StatePath
	if statePath == "" {
		statePath = "/tmp/agentcore-runtime-state.json"
	}
	stateStore := runtimestate.New(statePath)

	loadEvents := func() ([]events.Event, error) {
		if cfg.TypedState.CSVPath == "" || !cfg.TypedState.CSVEnable {
			return nil, nil
		}
		return events.LoadCSVEvents(cfg.TypedState.CSVPath, events.LoadOptions{})
	}

	mode := digestflow.ModeSidecar
	switch cfg.Digest.RunMode {
	case "off":
		mode = digestflow.ModeOff
	case "inline":
		mode = digestflow.ModeInline
	}
	if *dryRun {
		mode = digestflow.ModeOff
	}

	worker := digestflow.NewWorker(mode, digestflow.Deps{
		Daily:         daily,
		Weekly:        weekly,
		Lock:          lockSvc,
		State:         stateStore,
		LoadAllEvents: loadEvents,
	}, digestflow.WithLogger(logger.With("component", "digestflow")), digestflow.WithTZ(cfg.Digest.TZ))

	if err := worker.ValidateCronSpec(); err != nil {
		logger.Error("invalid digest cron schedule", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *dryRun {
		evs, err := loadEvents()
		if err != nil {
			logger.Error("dry run: failed to load events", "err", err)
			os.Exit(1)
		}
		logger.Info("dry run: config and events loaded, nothing written", "events", len(evs))
		return
	}

	if *once {
		logger.Info("running single digest cycle")
		summary := worker.RunOnce(ctx, true)
		logger.Info("digest cycle complete", "ok", summary.OK, "daily", summary.Daily,
			"weekly", summary.Weekly, "archive", summary.Archive, "skipped", summary.Skipped)
		return
	}

	go func() {
		if err := worker.RunLoop(ctx); err != nil && ctx.Err() == nil {
			logger.Error("digest worker loop exited with error", "err", err)
		}
	}()

	logger.Info("agentcore-digestd running", "tz", cfg.Digest.TZ)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received signal, shutting down")
	cancel()
	time.Sleep(200 * time.Millisecond)
	logger.Info("agentcore-digestd stopped")
}
