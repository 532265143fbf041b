// Package heartbeat aggregates subsystem signals into the daemon's global
// state and broadcasts periodic telemetry. It also drives the worker tick
// that drains the heavy-task queue in the background.
package heartbeat

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/famulus-dev/famulus/internal/bus"
	"github.com/famulus-dev/famulus/pkg/protocol"
)

// State is the daemon's global state, broadcast in every heartbeat.
type State string

const (
	StateIdle               State = "IDLE"
	StateThinking           State = "THINKING"
	StateExecutingTool      State = "EXECUTING_TOOL"
	StateBlockedWaitingUser State = "BLOCKED_WAITING_USER"
)

// StateSnapshot is one observation of the daemon. Comparable: equal
// snapshots suppress the broadcast.
type StateSnapshot struct {
	State            State
	ActiveTasks      int
	PendingTasks     int
	AwaitingApproval bool
	ConnectedClients int
	WorkerPending    int
	WorkerRunning    int
	WorkerCompleted  int
}

// Sources are the polled subsystem signals. Nil funcs read as zero.
type Sources struct {
	ActiveTasks      func() int
	PendingTasks     func() int
	ApprovalPending  func() bool
	ConnectedClients func() int
}

// WorkerDriver drains the heavy-task queue, one task per tick.
type WorkerDriver interface {
	Enabled() bool
	Model() string
	HasPending() bool
	// ProcessNext runs the next pending task to completion, including the
	// completion/failure broadcast.
	ProcessNext(ctx context.Context)
	// Counts returns pending, running, completed, failed.
	Counts() (int, int, int, int)
}

// Config tunes the monitor.
type Config struct {
	IntervalMs        int64 // heartbeat cadence, default 1000
	WorkerIntervalMs  int64 // worker tick cadence, default 3000
	SuppressUnchanged bool
	Port              int
}

func DefaultConfig() Config {
	return Config{
		IntervalMs:        1000,
		WorkerIntervalMs:  3000,
		SuppressUnchanged: true,
	}
}

// Monitor computes state, broadcasts heartbeats, and runs the worker tick.
type Monitor struct {
	cfg     Config
	sources Sources
	worker  WorkerDriver
	pub     bus.Publisher
	logger  *slog.Logger

	mu         sync.Mutex
	started    bool
	stop       chan struct{}
	wg         sync.WaitGroup
	thinking   int
	tick       uint64
	last       *StateSnapshot
	workerBusy bool
	startedAt  time.Time

	// Recreated on every Start so a Stop/Start cycle hands fresh task
	// contexts to the worker driver.
	ctx    context.Context
	cancel context.CancelFunc
}

func NewMonitor(cfg Config, sources Sources, worker WorkerDriver, pub bus.Publisher, logger *slog.Logger) *Monitor {
	if cfg.IntervalMs <= 0 {
		cfg.IntervalMs = 1000
	}
	if cfg.WorkerIntervalMs <= 0 {
		cfg.WorkerIntervalMs = 3000
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		cfg:     cfg,
		sources: sources,
		worker:  worker,
		pub:     pub,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the tick loop. Calling Start on a running monitor is a
// no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.startedAt = time.Now()
	m.stop = make(chan struct{})
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.wg.Add(1)
	go m.loop(m.stop)
}

// Stop halts the tick loop and cancels any in-flight worker task
// context. The monitor can be started again afterwards.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stop)
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

func (m *Monitor) loop(stop chan struct{}) {
	defer m.wg.Done()

	beat := time.NewTicker(time.Duration(m.cfg.IntervalMs) * time.Millisecond)
	defer beat.Stop()
	work := time.NewTicker(time.Duration(m.cfg.WorkerIntervalMs) * time.Millisecond)
	defer work.Stop()

	for {
		select {
		case <-stop:
			return
		case <-beat.C:
			m.beat()
		case <-work.C:
			m.workerTick()
		}
	}
}

// SetThinking moves the state machine into THINKING while any stream is
// open. Calls nest: every true must be matched by a false.
func (m *Monitor) SetThinking(active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if active {
		m.thinking++
	} else if m.thinking > 0 {
		m.thinking--
	}
}

// ComputeState applies the precedence: approval blocks, then streaming,
// then active tools, then idle.
func (m *Monitor) ComputeState() State {
	snap := m.Snapshot()
	return snap.State
}

// Snapshot observes all sources once.
func (m *Monitor) Snapshot() StateSnapshot {
	m.mu.Lock()
	thinking := m.thinking > 0
	m.mu.Unlock()

	snap := StateSnapshot{}
	if m.sources.ActiveTasks != nil {
		snap.ActiveTasks = m.sources.ActiveTasks()
	}
	if m.sources.PendingTasks != nil {
		snap.PendingTasks = m.sources.PendingTasks()
	}
	if m.sources.ApprovalPending != nil {
		snap.AwaitingApproval = m.sources.ApprovalPending()
	}
	if m.sources.ConnectedClients != nil {
		snap.ConnectedClients = m.sources.ConnectedClients()
	}
	if m.worker != nil {
		pending, running, completed, _ := m.worker.Counts()
		snap.WorkerPending = pending
		snap.WorkerRunning = running
		snap.WorkerCompleted = completed
	}

	switch {
	case snap.AwaitingApproval:
		snap.State = StateBlockedWaitingUser
	case thinking:
		snap.State = StateThinking
	case snap.ActiveTasks > 0:
		snap.State = StateExecutingTool
	default:
		snap.State = StateIdle
	}
	return snap
}

func (m *Monitor) beat() {
	snap := m.Snapshot()

	m.mu.Lock()
	m.tick++
	tick := m.tick
	if m.cfg.SuppressUnchanged && m.last != nil && *m.last == snap {
		m.mu.Unlock()
		return
	}
	m.last = &snap
	uptime := time.Since(m.startedAt).Milliseconds()
	m.mu.Unlock()

	payload := protocol.HeartbeatPayload{
		UptimeMs:         uptime,
		PID:              os.Getpid(),
		Port:             m.cfg.Port,
		State:            string(snap.State),
		ActiveTasks:      snap.ActiveTasks,
		PendingTasks:     snap.PendingTasks,
		AwaitingApproval: snap.AwaitingApproval,
		ConnectedClients: snap.ConnectedClients,
		Tick:             tick,
	}
	if m.worker != nil {
		pending, running, completed, failed := m.worker.Counts()
		payload.WorkerStatus = &protocol.WorkerStatus{
			Enabled:   m.worker.Enabled(),
			Model:     m.worker.Model(),
			Pending:   pending,
			Running:   running,
			Completed: completed,
			Failed:    failed,
		}
	}
	m.pub.Broadcast(protocol.New(protocol.TypeHeartbeat, payload))
}

// workerTick starts at most one heavy task; the busy guard holds until the
// task settles.
func (m *Monitor) workerTick() {
	if m.worker == nil || !m.worker.Enabled() {
		return
	}

	m.mu.Lock()
	if m.workerBusy || !m.worker.HasPending() {
		m.mu.Unlock()
		return
	}
	m.workerBusy = true
	ctx := m.ctx
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			m.workerBusy = false
			m.mu.Unlock()
		}()
		m.worker.ProcessNext(ctx)
	}()
}

// Tick returns the monotonic tick counter.
func (m *Monitor) Tick() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tick
}
