// Package queue implements the lane-based command queue. A lane is a named
// FIFO with a concurrency cap (default 1): work within a lane is serialised,
// lanes run in parallel. The chat handler uses one lane per client session,
// the cron scheduler injects into a dedicated lane, so a scheduled job can
// never preempt the user's live turn.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Well-known lanes.
const (
	LaneMain = "main"
	LaneCron = "cron"
)

// SessionLane returns the lane name for a connected client's session.
func SessionLane(clientID string) string {
	return "session:" + clientID
}

const (
	// DefaultWarnAfterMs is how long an entry may sit queued before the
	// wait warning fires.
	DefaultWarnAfterMs = 2000

	waitPollInterval = 50 * time.Millisecond
)

var (
	// ErrGatewayDraining rejects new work during shutdown.
	ErrGatewayDraining = errors.New("queue: gateway draining, not accepting new work")
	// ErrLaneCleared rejects entries that were still queued when their lane
	// was cleared.
	ErrLaneCleared = errors.New("queue: lane cleared")
)

// Task is one unit of lane work. The context is cancelled when the queue
// shuts down; tasks should pass it to blocking calls.
type Task func(ctx context.Context) (interface{}, error)

// Options tune a single enqueue.
type Options struct {
	// WarnAfterMs overrides DefaultWarnAfterMs. Negative disables the
	// warning for this entry.
	WarnAfterMs int64
	// OnWait is invoked (on its own goroutine) when the entry starts after
	// waiting at least the warn threshold.
	OnWait func(waitedMs int64, queuedAhead int)
}

// Pending is the awaitable handle for an enqueued task. It settles exactly
// once, even if the lane's generation advanced before the task finished.
type Pending struct {
	done   chan struct{}
	once   sync.Once
	result interface{}
	err    error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func (p *Pending) settle(result interface{}, err error) {
	p.once.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
	})
}

// Done is closed when the task has settled.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the task settles or ctx is cancelled.
func (p *Pending) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type entry struct {
	task        Task
	enqueuedAt  time.Time
	warnAfterMs int64
	onWait      func(int64, int)
	pending     *Pending
}

type lane struct {
	name          string
	entries       []*entry
	active        map[uint64]struct{}
	maxConcurrent int
	generation    uint64
	pumping       bool
}

// Queue owns all lanes. All exported methods are safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	lanes    map[string]*lane
	draining bool
	nextID   uint64
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func New(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		lanes:  make(map[string]*lane),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// locked; lanes are created lazily and live for the process lifetime.
func (q *Queue) getOrCreate(name string) *lane {
	l, ok := q.lanes[name]
	if !ok {
		l = &lane{name: name, active: make(map[uint64]struct{}), maxConcurrent: 1}
		q.lanes[name] = l
	}
	return l
}

// Enqueue appends task to the named lane and pumps it. Returns
// ErrGatewayDraining when the queue has been closed to new work.
func (q *Queue) Enqueue(laneName string, task Task, opts Options) (*Pending, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.draining {
		return nil, ErrGatewayDraining
	}

	warnAfter := opts.WarnAfterMs
	if warnAfter == 0 {
		warnAfter = DefaultWarnAfterMs
	}

	e := &entry{
		task:        task,
		enqueuedAt:  time.Now(),
		warnAfterMs: warnAfter,
		onWait:      opts.OnWait,
		pending:     newPending(),
	}

	l := q.getOrCreate(laneName)
	l.entries = append(l.entries, e)
	q.pump(l)
	return e.pending, nil
}

// EnqueueInDefault enqueues on the main lane.
func (q *Queue) EnqueueInDefault(task Task, opts Options) (*Pending, error) {
	return q.Enqueue(LaneMain, task, opts)
}

// pump starts queued entries while capacity remains. Caller holds q.mu; the
// lane's pumping flag blocks reentry from completions landing mid-loop.
func (q *Queue) pump(l *lane) {
	if l.pumping {
		return
	}
	l.pumping = true
	defer func() { l.pumping = false }()

	for len(l.entries) > 0 && len(l.active) < l.maxConcurrent {
		e := l.entries[0]
		l.entries = l.entries[1:]

		waitedMs := time.Since(e.enqueuedAt).Milliseconds()
		if e.warnAfterMs > 0 && waitedMs >= e.warnAfterMs {
			queuedAhead := len(l.entries)
			q.logger.Warn("queue.wait",
				"lane", l.name,
				"waited_ms", waitedMs,
				"queued_ahead", queuedAhead)
			if e.onWait != nil {
				go e.onWait(waitedMs, queuedAhead)
			}
		}

		q.nextID++
		id := q.nextID
		gen := l.generation
		l.active[id] = struct{}{}
		go q.run(l, id, gen, e)
	}
}

func (q *Queue) run(l *lane, id, gen uint64, e *entry) {
	result, err := runSafely(q.ctx, e.task)

	q.mu.Lock()
	// A completion from a stale generation must not touch lane accounting:
	// ResetAll already reclaimed the slot.
	if l.generation == gen {
		delete(l.active, id)
		q.pump(l)
	}
	q.mu.Unlock()

	e.pending.settle(result, err)
}

func runSafely(ctx context.Context, task Task) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: task panic: %v", r)
		}
	}()
	return task(ctx)
}

// ClearLane rejects every queued (not active) entry with ErrLaneCleared and
// returns how many were removed. Unknown or empty lanes return 0.
func (q *Queue) ClearLane(laneName string) int {
	q.mu.Lock()
	l, ok := q.lanes[laneName]
	if !ok || len(l.entries) == 0 {
		q.mu.Unlock()
		return 0
	}
	cleared := l.entries
	l.entries = nil
	q.mu.Unlock()

	for _, e := range cleared {
		e.pending.settle(nil, ErrLaneCleared)
	}
	return len(cleared)
}

// Size reports queued (not active) entries in one lane.
func (q *Queue) Size(laneName string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.lanes[laneName]; ok {
		return len(l.entries)
	}
	return 0
}

// TotalSize reports queued entries across all lanes.
func (q *Queue) TotalSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, l := range q.lanes {
		total += len(l.entries)
	}
	return total
}

// ActiveCount reports in-flight tasks across all lanes.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, l := range q.lanes {
		total += len(l.active)
	}
	return total
}

// SetLaneConcurrency adjusts a lane's cap (minimum 1) and pumps it.
func (q *Queue) SetLaneConcurrency(laneName string, n int) {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	l := q.getOrCreate(laneName)
	l.maxConcurrent = n
	q.pump(l)
}

// MarkGatewayDraining closes the queue to new work. Queued and active
// entries are unaffected.
func (q *Queue) MarkGatewayDraining() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.draining = true
}

// Draining reports whether new work is being refused.
func (q *Queue) Draining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

// ResetAll reopens the queue, bumps every lane's generation, clears the
// in-flight accounting, and re-pumps lanes with queued entries. Tasks that
// were running keep running; their completions are recognised as stale and
// only signal their awaiters.
func (q *Queue) ResetAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.draining = false
	for _, l := range q.lanes {
		l.generation++
		l.active = make(map[uint64]struct{})
		if len(l.entries) > 0 {
			q.pump(l)
		}
	}
}

// WaitForActive blocks until every task active at call time has finished,
// polling every 50ms. Returns true when they drained, false at the deadline.
func (q *Queue) WaitForActive(timeout time.Duration) bool {
	snapshot := q.activeIDs()
	if len(snapshot) == 0 {
		return true
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(waitPollInterval)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			live := q.activeIDs()
			remaining := false
			for id := range snapshot {
				if _, ok := live[id]; ok {
					remaining = true
					break
				}
			}
			if !remaining {
				return true
			}
		case <-deadline.C:
			return false
		}
	}
}

func (q *Queue) activeIDs() map[uint64]struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make(map[uint64]struct{})
	for _, l := range q.lanes {
		for id := range l.active {
			ids[id] = struct{}{}
		}
	}
	return ids
}

// Close cancels the context handed to running tasks. Called after the
// shutdown grace period so stuck tasks stop blocking exit.
func (q *Queue) Close() {
	q.cancel()
}
