// Package daemon glues the subsystems into the running agent process:
// inbound gateway frames become lane tasks, routed turns stream back
// over the bus, scheduled jobs and heavy tasks feed the same pipeline,
// and the lifecycle broadcasts keep clients informed from starting
// through shutting_down.
package daemon

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/famulus-dev/famulus/internal/approval"
	"github.com/famulus-dev/famulus/internal/bus"
	"github.com/famulus-dev/famulus/internal/cron"
	"github.com/famulus-dev/famulus/internal/gateway"
	"github.com/famulus-dev/famulus/internal/heartbeat"
	"github.com/famulus-dev/famulus/internal/queue"
	"github.com/famulus-dev/famulus/internal/router"
	"github.com/famulus-dev/famulus/internal/sessions"
	"github.com/famulus-dev/famulus/internal/store"
	"github.com/famulus-dev/famulus/internal/telemetry"
	"github.com/famulus-dev/famulus/internal/worker"
	"github.com/famulus-dev/famulus/pkg/protocol"
)

// DefaultDrainGrace bounds how long Shutdown waits for in-flight turns.
const DefaultDrainGrace = 5 * time.Second

// Streamer runs one chat turn, forwarding stream events to cb as they
// happen.
type Streamer interface {
	Stream(ctx context.Context, req router.Request, cb router.Callbacks) (*router.Result, error)
}

var _ Streamer = (*router.Router)(nil)

// Config tunes the daemon.
type Config struct {
	// StateDir holds daemon.pid and the rest of the persistent state.
	StateDir string
	// DefaultTier is the boot-time routing override. Empty routes by
	// heuristic; clients adjust it at runtime via system:command.
	DefaultTier string
	// SingleSession routes every client through the shared main session
	// instead of an isolated per-client one.
	SingleSession bool
}

// Deps are the subsystems the daemon wires together. Cron, Worker, and
// Tracer are optional; the rest must be set.
type Deps struct {
	Bus         bus.Publisher
	Queue       *queue.Queue
	Router      Streamer
	Heartbeat   *heartbeat.Monitor
	Approvals   *approval.Manager
	Cron        *cron.Service
	Worker      *worker.Queue
	Transcripts store.TranscriptStore
	Tracer      *telemetry.Tracer
	Logger      *slog.Logger
}

// Daemon owns the message handlers and the process lifecycle.
type Daemon struct {
	cfg         Config
	pub         bus.Publisher
	queue       *queue.Queue
	router      Streamer
	hb          *heartbeat.Monitor
	approvals   *approval.Manager
	cron        *cron.Service
	worker      *worker.Queue
	transcripts store.TranscriptStore
	tracer      *telemetry.Tracer
	logger      *slog.Logger
	startedAt   time.Time

	mu          sync.Mutex
	defaultTier string
}

var _ gateway.Handler = (*Daemon)(nil)

func New(cfg Config, deps Deps) *Daemon {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer, _, _ = telemetry.Init(context.Background(), telemetry.Config{})
	}
	if !router.ValidTier(cfg.DefaultTier) {
		cfg.DefaultTier = ""
	}

	d := &Daemon{
		cfg:         cfg,
		pub:         deps.Bus,
		queue:       deps.Queue,
		router:      deps.Router,
		hb:          deps.Heartbeat,
		approvals:   deps.Approvals,
		cron:        deps.Cron,
		worker:      deps.Worker,
		transcripts: deps.Transcripts,
		tracer:      tracer,
		logger:      logger,
		startedAt:   time.Now(),
		defaultTier: cfg.DefaultTier,
	}
	if d.cron != nil {
		d.cron.SetOnFire(d.handleCronFire)
	}
	if d.worker != nil {
		d.worker.SetOnEvent(d.onWorkerEvent)
	}
	return d
}

// Startup records the pid, loads the scheduler, and starts the
// heartbeat, announcing starting then ready on the bus. A scheduler
// that fails to load is logged and skipped; the daemon still serves.
func (d *Daemon) Startup() error {
	if err := WritePid(d.cfg.StateDir); err != nil {
		return err
	}
	d.announce(protocol.StatusStarting)

	if d.cron != nil {
		if err := d.cron.Load(); err != nil {
			d.logger.Error("daemon.cron_load_failed", "error", err)
		}
	}
	d.hb.Start()

	d.announce(protocol.StatusReady)
	d.logger.Info("daemon.ready", "pid", os.Getpid(), "state_dir", d.cfg.StateDir)
	return nil
}

// Shutdown announces shutting_down, refuses new work, and waits up to
// grace for in-flight turns before stopping the scheduler and the
// heartbeat. The gateway itself is closed by the caller afterwards.
func (d *Daemon) Shutdown(grace time.Duration) {
	if grace <= 0 {
		grace = DefaultDrainGrace
	}
	d.announce(protocol.StatusShuttingDown)
	d.queue.MarkGatewayDraining()
	if !d.queue.WaitForActive(grace) {
		d.logger.Warn("daemon.drain_timeout", "active", d.queue.ActiveCount())
	}
	if d.cron != nil {
		d.cron.StopAll()
	}
	d.hb.Stop()
	d.logger.Info("daemon.stopped")
}

// Close flushes transcripts, removes the pid file, and cancels any
// tasks the drain grace left running.
func (d *Daemon) Close() {
	if err := d.transcripts.SaveAll(); err != nil {
		d.logger.Error("daemon.transcripts_save_failed", "error", err)
	}
	RemovePid(d.cfg.StateDir)
	d.queue.Close()
}

// HandleDisconnect is wired to the gateway's disconnect hook: queued
// work for the client's session is cancelled and its pending approvals
// resolve as denied. The shared main session is never cleared.
func (d *Daemon) HandleDisconnect(clientID string) {
	key := sessions.ClientKey(clientID)
	cleared := d.queue.ClearLane(sessions.LaneForKey(key))
	d.approvals.ReleaseSession(key)
	if cleared > 0 {
		d.logger.Info("daemon.session_cleared", "client", clientID, "cancelled", cleared)
	}
}

// DefaultTier returns the current routing override, or "" for auto.
func (d *Daemon) DefaultTier() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.defaultTier
}

func (d *Daemon) setDefaultTier(tier string) {
	d.mu.Lock()
	d.defaultTier = tier
	d.mu.Unlock()
	d.logger.Info("daemon.default_tier", "tier", tierLabel(tier))
	d.broadcastLog("info", "Routing set to "+tierLabel(tier))
}

func tierLabel(tier string) string {
	if tier == "" {
		return "auto"
	}
	return tier
}

func (d *Daemon) announce(status string) {
	d.pub.Broadcast(protocol.New(protocol.TypeSystemStatus, protocol.SystemStatusPayload{Status: status}))
}

func (d *Daemon) broadcastLog(level, message string) {
	d.pub.Broadcast(protocol.New(protocol.TypeLog, protocol.LogPayload{
		Level:   level,
		Source:  "daemon",
		Message: message,
	}))
}
