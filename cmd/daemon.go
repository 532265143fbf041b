package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/famulus-dev/famulus/internal/approval"
	"github.com/famulus-dev/famulus/internal/bus"
	"github.com/famulus-dev/famulus/internal/config"
	"github.com/famulus-dev/famulus/internal/cron"
	"github.com/famulus-dev/famulus/internal/daemon"
	"github.com/famulus-dev/famulus/internal/gateway"
	"github.com/famulus-dev/famulus/internal/heartbeat"
	"github.com/famulus-dev/famulus/internal/memory"
	"github.com/famulus-dev/famulus/internal/providers"
	"github.com/famulus-dev/famulus/internal/queue"
	"github.com/famulus-dev/famulus/internal/router"
	"github.com/famulus-dev/famulus/internal/store"
	"github.com/famulus-dev/famulus/internal/store/pg"
	"github.com/famulus-dev/famulus/internal/telemetry"
	"github.com/famulus-dev/famulus/internal/tools"
	"github.com/famulus-dev/famulus/internal/worker"
)

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the agent daemon (also the default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runDaemon()
		},
	}
}

func runDaemon() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
	logger := slog.Default()

	cfg := loadConfig()
	logger.Info("daemon.config", "config", cfg.String())

	stateDir := cfg.ResolvedStateDir()
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		logger.Error("state dir not writable", "dir", stateDir, "error", err)
		os.Exit(1)
	}
	workspace := cfg.ResolvedWorkspace()
	if !filepath.IsAbs(workspace) {
		workspace, _ = filepath.Abs(workspace)
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		logger.Error("workspace not writable", "dir", workspace, "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	tracer, shutdownTracer, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		ServiceVersion: Version,
	})
	if err != nil {
		logger.Warn("telemetry disabled", "error", err)
		tracer, shutdownTracer, _ = telemetry.Init(ctx, telemetry.Config{})
	}
	defer shutdownTracer(context.Background())

	msgBus := bus.New()

	// Storage: Postgres when a DSN is present, JSON under the state dir
	// otherwise.
	stores := store.NewFileStores(stateDir)
	if dsn := cfg.Database.PostgresDSN; dsn != "" {
		pgStores, err := pg.NewPGStores(dsn)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		stores = pgStores
		logger.Info("daemon.storage", "backend", "postgres")
	}

	// Memory surfaces: archival sqlite store + the live core file.
	memStore, err := memory.OpenSQLite(filepath.Join(stateDir, "memory.db"))
	if err != nil {
		logger.Error("open memory store", "error", err)
		os.Exit(1)
	}
	defer memStore.Close()

	core, err := memory.OpenCoreMemory(filepath.Join(stateDir, "core_memory.md"), logger)
	if err != nil {
		logger.Error("open core memory", "error", err)
		os.Exit(1)
	}
	defer core.Close()

	persona, err := router.LoadPersona(filepath.Join(stateDir, router.PersonaFile))
	if err != nil {
		logger.Error("load persona", "error", err)
		os.Exit(1)
	}

	tiers, workerProvider, workerModel := buildTiers(cfg, tracer, logger)

	flags := approval.NewFlagRegistry()
	gate := approval.NewManager(msgBus, time.Duration(cfg.Approval.TTLSeconds)*time.Second, logger)
	laneQueue := queue.New(logger)
	heavyQueue := worker.NewQueue(logger)
	cronSvc := cron.NewService(stores.CronJobs, msgBus, logger)

	toolsReg := tools.NewRegistry(flags)
	toolsReg.Register(tools.NewShellTool(workspace))
	toolsReg.Register(tools.NewReadFileTool(workspace, cfg.Tools.RestrictToWorkspace))
	toolsReg.Register(tools.NewWriteFileTool(workspace, cfg.Tools.RestrictToWorkspace))
	if cfg.Tools.Browser.Enabled {
		browserTool := tools.NewBrowserFetchTool(cfg.Tools.Browser.MaxChars)
		toolsReg.Register(browserTool)
		defer browserTool.Close()
	}
	toolsReg.Register(tools.NewMemorySearchTool(memStore))
	toolsReg.Register(tools.NewMemoryStoreTool(memStore))
	toolsReg.Register(tools.NewMemoryForgetTool(memStore))
	toolsReg.Register(tools.NewScheduleTaskTool(cronSvc))
	toolsReg.Register(tools.NewEnqueueHeavyTaskTool(heavyQueue))
	logger.Info("daemon.tools", "registered", toolsReg.Names())

	rt := router.New(router.Config{
		Tiers:    tiers,
		Tools:    toolsReg,
		Flags:    flags,
		Gate:     gate,
		Memory:   memStore,
		Core:     core,
		Persona:  persona,
		MaxSteps: cfg.Routing.MaxToolSteps,
		Logger:   logger,
	})

	processor := worker.NewProcessor(heavyQueue, workerProvider, workerModel, msgBus, logger)
	driver := daemon.NewTracedWorker(processor, heavyQueue, tracer)

	// The gateway is constructed after the monitor; the closure reads
	// its client count once it exists.
	var gw *gateway.Server
	monitor := heartbeat.NewMonitor(heartbeat.Config{
		IntervalMs:        cfg.Heartbeat.IntervalMs,
		WorkerIntervalMs:  cfg.Heartbeat.WorkerIntervalMs,
		SuppressUnchanged: cfg.Heartbeat.Suppress(),
		Port:              cfg.Gateway.Port,
	}, heartbeat.Sources{
		ActiveTasks:     laneQueue.ActiveCount,
		PendingTasks:    laneQueue.TotalSize,
		ApprovalPending: gate.HasPending,
		ConnectedClients: func() int {
			if gw == nil {
				return 0
			}
			return gw.ClientCount()
		},
	}, driver, msgBus, logger)

	d := daemon.New(daemon.Config{
		StateDir:      stateDir,
		DefaultTier:   cfg.Routing.DefaultTier,
		SingleSession: cfg.Gateway.SingleSession,
	}, daemon.Deps{
		Bus:         msgBus,
		Queue:       laneQueue,
		Router:      rt,
		Heartbeat:   monitor,
		Approvals:   gate,
		Cron:        cronSvc,
		Worker:      heavyQueue,
		Transcripts: stores.Transcripts,
		Tracer:      tracer,
		Logger:      logger,
	})

	gw = gateway.NewServer(gateway.Config{
		Host:         cfg.Gateway.Host,
		Port:         cfg.Gateway.Port,
		RateLimitRPM: cfg.Gateway.RateLimitRPM,
	}, msgBus, d, logger)
	gw.SetOnDisconnect(d.HandleDisconnect)

	if err := d.Startup(); err != nil {
		logger.Error("daemon startup failed", "error", err)
		os.Exit(1)
	}

	// The gateway outlives the drain so connected clients hear
	// shutting_down before their sockets close.
	gwCtx, stopGateway := context.WithCancel(context.Background())
	gwDone := make(chan error, 1)
	go func() { gwDone <- gw.Start(gwCtx) }()

	sigCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-sigCtx.Done()
	logger.Info("daemon.signal", "action", "shutting down")

	d.Shutdown(daemon.DefaultDrainGrace)
	stopGateway()
	if err := <-gwDone; err != nil {
		logger.Warn("gateway closed with error", "error", err)
	}
	d.Close()
}

// buildTiers maps tier names to ordered fallback candidate lists from
// the configured providers. Tier 2 prefers Anthropic, falls back to the
// hosted OpenAI-compatible endpoint, and finally to the local model so
// the daemon keeps answering offline. The worker engine is absent
// unless configured; heavy tasks wait until it is. Every backend is
// wrapped for provider.chat spans and carries the retry policy itself,
// so connection-phase retries happen exactly once per candidate.
func buildTiers(cfg *config.Config, tracer *telemetry.Tracer, logger *slog.Logger) (map[string][]providers.Candidate, providers.Provider, string) {
	retry := providers.DefaultRetryConfig()
	local := telemetry.WrapProvider(tracer,
		providers.NewOpenAIProvider("local", "", cfg.Providers.Local.APIBase, cfg.Providers.Local.Model).WithRetry(retry))

	var cloud []providers.Candidate
	if key := cfg.Providers.Anthropic.APIKey; key != "" {
		opts := []providers.AnthropicOption{
			providers.WithAnthropicModel(cfg.Providers.Anthropic.Model),
			providers.WithAnthropicRetry(retry),
		}
		if cfg.Providers.Anthropic.BaseURL != "" {
			opts = append(opts, providers.WithAnthropicBaseURL(cfg.Providers.Anthropic.BaseURL))
		}
		anthropic := telemetry.WrapProvider(tracer, providers.NewAnthropicProvider(key, opts...))
		cloud = append(cloud, providers.Candidate{Provider: anthropic, Model: cfg.Providers.Anthropic.Model})
	}
	if key := cfg.Providers.OpenAI.APIKey; key != "" {
		hosted := telemetry.WrapProvider(tracer,
			providers.NewOpenAIProvider("openai", key, cfg.Providers.OpenAI.APIBase, cfg.Providers.OpenAI.Model).WithRetry(retry))
		cloud = append(cloud, providers.Candidate{Provider: hosted, Model: cfg.Providers.OpenAI.Model})
	}
	if len(cloud) == 0 {
		logger.Warn("daemon.no_cloud_backend", "note", "tier2 requests will run on the local model")
	}
	cloud = append(cloud, providers.Candidate{Provider: local, Model: cfg.Providers.Local.Model})

	tiers := map[string][]providers.Candidate{
		router.TierLocal: {{Provider: local, Model: cfg.Providers.Local.Model}},
		router.TierCloud: cloud,
	}

	var workerProvider providers.Provider
	workerModel := cfg.Providers.Worker.Model
	if cfg.Providers.Worker.APIBase != "" {
		workerProvider = telemetry.WrapProvider(tracer,
			providers.NewOpenAIProvider("worker", "", cfg.Providers.Worker.APIBase, workerModel).WithRetry(retry))
	} else {
		logger.Info("daemon.worker_engine", "enabled", false)
	}
	return tiers, workerProvider, workerModel
}
