// Command agentcore-api is the chat-pipeline HTTP entrypoint (spec §4.H /
// §6): it wires the Pipeline Orchestrator's dependencies — tool hub,
// context manager, routers, intent store, plan cache — and serves the
// normalized chat contract, mirroring cmd/cortex/main.go's flag parsing,
// logger wiring, and graceful shutdown.
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

	"github.com/antigravity-dev/agentcore/internal/apiserver"
	"github.com/antigravity-dev/agentcore/internal/config"
	"github.com/antigravity-dev/agentcore/internal/contextmgr"
	"github.com/antigravity-dev/agentcore/internal/digest"
	"github.com/antigravity-dev/agentcore/internal/digestflow"
	"github.com/antigravity-dev/agentcore/internal/digestkey"
	"github.com/antigravity-dev/agentcore/internal/digeststore"
	"github.com/antigravity-dev/agentcore/internal/events"
	"github.com/antigravity-dev/agentcore/internal/intentstore"
	"github.com/antigravity-dev/agentcore/internal/lock"
	"github.com/antigravity-dev/agentcore/internal/pipeline"
	"github.com/antigravity-dev/agentcore/internal/plancache"
	"github.com/antigravity-dev/agentcore/internal/router"
	"github.com/antigravity-dev/agentcore/internal/runtimestate"
	"github.com/antigravity-dev/agentcore/internal/toolhub"
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

// alwaysActive treats every blueprint/skill candidate as belonging to the
// caller's active set; a deployment that tracks per-conversation active
// sets can replace this with a lookup against its own session state.
func alwaysActive(string) bool { return true }

func buildHub(cfg *config.Config, logger *slog.Logger) *toolhub.Hub {
	hub := toolhub.New(logger.With("component", "toolhub"),
		toolhub.WithRateLimit(cfg.MCP.RateLimitPerS, cfg.MCP.RateLimitBurst))

	if cfg.MCP.HubURL != "" {
		timeout := cfg.MCP.Timeout.Duration
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		rpc := toolhub.NewJSONRPCClient(cfg.MCP.HubURL, timeout)
		required := map[string][]string{
			toolhub.ToolMemoryFactSave: {"fact"},
			toolhub.ToolCreateSkill:    {"skill_name"},
		}
		for _, name := range []string{
			toolhub.ToolMemorySave, toolhub.ToolMemoryFactSave, toolhub.ToolMemoryFactLoad,
			toolhub.ToolMemorySearchLayered, toolhub.ToolMemorySemanticSearch, toolhub.ToolMemoryGraphSearch,
			toolhub.ToolGraphAddNode, toolhub.ToolWorkspaceSave, toolhub.ToolWorkspaceEventSave,
			toolhub.ToolBlueprintSemSearch, toolhub.ToolBlueprintList,
			toolhub.ToolListSkills, toolhub.ToolRunSkill, toolhub.ToolCreateSkill,
			toolhub.ToolAutonomousSkillTask, toolhub.ToolGetSkillInfo,
			toolhub.ToolHomeRead, toolhub.ToolHomeWrite, toolhub.ToolHomeList,
			toolhub.ToolSnapshotList,
		} {
			hub.Register(name, rpc, required[name]...)
		}
	} else {
		logger.Warn("mcp.hub_url not configured, semantic/memory/skill tools unavailable")
	}

	if container, err := toolhub.NewContainerServer(cfg.Docker.Image, cfg.Docker.WorkspaceDir, logger.With("component", "container")); err != nil {
		logger.Warn("docker container server unavailable, container tools disabled", "err", err)
	} else {
		hub.Register(toolhub.ToolRequestContainer, container, "conversation_id")
		hub.Register(toolhub.ToolExecInContainer, container, "container_id", "command")
		hub.Register(toolhub.ToolStopContainer, container, "container_id")
		hub.Register(toolhub.ToolContainerStats, container, "container_id")
		hub.Register(toolhub.ToolContainerLogs, container, "container_id")
	}

	return hub
}

func keyVersion(s string) digestkey.Version {
	if s == "v2" {
		return digestkey.V2
	}
	return digestkey.V1
}

// buildInlineDigestWorker wires the same daily/weekly/archive/lock/state
// components cmd/agentcore-digestd assembles, for the spec §4.G "inline"
// run_mode: the API host runs the digest worker itself instead of a
// separate sidecar process.
func buildInlineDigestWorker(cfg *config.Config, logger *slog.Logger) *digestflow.Worker {
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

	return digestflow.NewWorker(digestflow.ModeInline, digestflow.Deps{
		Daily:         daily,
		Weekly:        weekly,
		Lock:          lockSvc,
		State:         stateStore,
		LoadAllEvents: loadEvents,
	}, digestflow.WithLogger(logger.With("component", "digestflow")), digestflow.WithTZ(cfg.Digest.TZ))
}

func main() {
	configPath := flag.String("config", "agentcore.toml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	protocolDir := flag.String("protocol-dir", "", "directory of per-conversation daily protocol files")
	flag.Parse()

	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(bootLogger)
	bootLogger.Info("agentcore-api starting", "config", *configPath)

	cfgManager, err := config.LoadManager(*configPath)
	if err != nil {
		bootLogger.Warn("failed to load config file, using defaults", "config", *configPath, "err", err)
		cfgManager = config.NewManager(config.Default())
	}
	cfg := cfgManager.Get()

	logger := configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	hub := buildHub(cfg, logger)

	graph := contextmgr.HubGraphSearcher{Hub: hub}
	protocol := contextmgr.FileProtocolLoader{Dir: *protocolDir}
	ctxMgr := contextmgr.New(graph, protocol, contextmgr.WithLogger(logger.With("component", "contextmgr")))

	blueprintRouter := router.NewBlueprintRouter(alwaysActive)
	skillRouter := router.NewSkillRouter(alwaysActive)

	var intents *intentstore.Store
	if cfg.Pipeline.IntentStorePath != "" {
		intents = intentstore.New(cfg.Pipeline.IntentStorePath)
	}

	var cache *plancache.Cache
	if cfg.Pipeline.PlanCachePath != "" {
		ttl := cfg.Pipeline.PlanCacheTTL.Duration
		if ttl <= 0 {
			ttl = 10 * time.Minute
		}
		cache = plancache.New(cfg.Pipeline.PlanCachePath, ttl)
	}

	settings := pipeline.DefaultSettings()
	settings.ControlDisabled = !cfg.Control.Enable
	settings.SkipOnLowRisk = cfg.Control.SkipOnLowRisk
	if cfg.Control.SequentialThresh > 0 {
		settings.SequentialThreshold = cfg.Control.SequentialThresh
	}
	if cfg.SmallModel.ToolCtxCap > 0 {
		settings.ToolCtxCap = cfg.SmallModel.ToolCtxCap
	}
	if cfg.SmallModel.FinalCap > 0 {
		settings.FinalCap = cfg.SmallModel.FinalCap
	}
	if cfg.SmallModel.CharCap > 0 {
		settings.CharCap = cfg.SmallModel.CharCap
	}

	orchestrator := &pipeline.Orchestrator{
		Hub:             hub,
		Context:         ctxMgr,
		BlueprintRouter: blueprintRouter,
		SkillRouter:     skillRouter,
		Intents:         intents,
		PlanCache:       cache,
		Settings:        settings,
		Log:             logger.With("component", "pipeline"),
	}

	bind := cfg.API.Bind
	if bind == "" {
		bind = ":8088"
	}
	srv := apiserver.NewServer(bind, orchestrator, logger.With("component", "apiserver"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Digest.Enable && cfg.Digest.RunMode == "inline" {
		worker := buildInlineDigestWorker(cfg, logger)
		if err := worker.ValidateCronSpec(); err != nil {
			logger.Error("invalid digest cron schedule, inline worker not started", "err", err)
		} else {
			logger.Info("starting inline digest worker", "owner", "digest-worker")
			worker.StartInline(ctx)
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received signal, shutting down")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			logger.Error("apiserver exited with error", "err", err)
			os.Exit(1)
		}
	}

	logger.Info("agentcore-api stopped")
}
