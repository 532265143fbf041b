// Package worker holds the heavy-task queue and the processor the
// heartbeat's worker tick drives. Heavy tasks are background jobs
// (memory distillation, deep analysis) that must never block the
// interactive lanes; at most one runs at a time.
package worker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Task statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Task types. Unknown types are coerced to TypeGeneral on enqueue.
const (
	TypeDistillMemory = "distill_memory"
	TypeDeepAnalysis  = "deep_analysis"
	TypeCodeReview    = "code_review"
	TypeGeneral       = "general"
)

// Queue transition events passed to the EventFunc.
const (
	EventTaskEnqueued  = "task_enqueued"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
)

// Task is one background job. Timestamps are epoch milliseconds; zero
// means the transition has not happened.
type Task struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Prompt      string `json:"prompt"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	Result      string `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
	EnqueuedAt  int64  `json:"enqueuedAt"`
	StartedAt   int64  `json:"startedAt,omitempty"`
	CompletedAt int64  `json:"completedAt,omitempty"`

	onComplete func(result string)
	onError    func(err error)
}

// EnqueueRequest describes a task to enqueue. Type defaults to general.
// Callbacks are optional and run on the processor's goroutine after the
// status transition is recorded.
type EnqueueRequest struct {
	Description string
	Prompt      string
	Type        string
	OnComplete  func(result string)
	OnError     func(err error)
}

// EventFunc observes queue transitions.
type EventFunc func(event string, task Task)

// Queue is the in-memory heavy-task FIFO. Tasks stay queued until Prune.
type Queue struct {
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	tasks   []*Task
	byID    map[string]*Task
	seq     int
	onEvent EventFunc
}

func NewQueue(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		logger: logger,
		now:    time.Now,
		byID:   make(map[string]*Task),
	}
}

// SetOnEvent installs a transition observer. Must be set before the
// queue is shared across goroutines.
func (q *Queue) SetOnEvent(fn EventFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onEvent = fn
}

// Enqueue appends a pending task and returns its id.
func (q *Queue) Enqueue(req EnqueueRequest) string {
	taskType := req.Type
	switch taskType {
	case TypeDistillMemory, TypeDeepAnalysis, TypeCodeReview, TypeGeneral:
	default:
		taskType = TypeGeneral
	}

	q.mu.Lock()
	q.seq++
	t := &Task{
		ID:          fmt.Sprintf("heavy-%d-%d", q.seq, q.now().UnixMilli()),
		Description: req.Description,
		Prompt:      req.Prompt,
		Type:        taskType,
		Status:      StatusPending,
		EnqueuedAt:  q.now().UnixMilli(),
		onComplete:  req.OnComplete,
		onError:     req.OnError,
	}
	q.tasks = append(q.tasks, t)
	q.byID[t.ID] = t
	snapshot := *t
	onEvent := q.onEvent
	q.mu.Unlock()

	q.logger.Info("worker.task_enqueued", "id", snapshot.ID, "type", snapshot.Type)
	if onEvent != nil {
		onEvent(EventTaskEnqueued, snapshot)
	}
	return snapshot.ID
}

// Dequeue marks the first pending task running and returns a copy of it.
func (q *Queue) Dequeue() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.Status == StatusPending {
			t.Status = StatusRunning
			t.StartedAt = q.now().UnixMilli()
			return *t, true
		}
	}
	return Task{}, false
}

// Complete marks the task completed, stores the result, and invokes the
// completion callback. Returns false when the id is unknown.
func (q *Queue) Complete(id, result string) bool {
	q.mu.Lock()
	t, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return false
	}
	t.Status = StatusCompleted
	t.Result = result
	t.CompletedAt = q.now().UnixMilli()
	snapshot := *t
	onComplete := t.onComplete
	onEvent := q.onEvent
	q.mu.Unlock()

	q.logger.Info("worker.task_completed", "id", id, "resultChars", len(result))
	if onComplete != nil {
		onComplete(result)
	}
	if onEvent != nil {
		onEvent(EventTaskCompleted, snapshot)
	}
	return true
}

// Fail marks the task failed, records the error, and invokes the error
// callback. Returns false when the id is unknown.
func (q *Queue) Fail(id string, err error) bool {
	q.mu.Lock()
	t, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return false
	}
	t.Status = StatusFailed
	if err != nil {
		t.Error = err.Error()
	}
	t.CompletedAt = q.now().UnixMilli()
	snapshot := *t
	onError := t.onError
	onEvent := q.onEvent
	q.mu.Unlock()

	q.logger.Warn("worker.task_failed", "id", id, "error", snapshot.Error)
	if onError != nil && err != nil {
		onError(err)
	}
	if onEvent != nil {
		onEvent(EventTaskFailed, snapshot)
	}
	return true
}

// Get returns a copy of the task by id.
func (q *Queue) Get(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.byID[id]; ok {
		return *t, true
	}
	return Task{}, false
}

func (q *Queue) HasPending() bool {
	pending, _, _, _ := q.Counts()
	return pending > 0
}

func (q *Queue) HasRunning() bool {
	_, running, _, _ := q.Counts()
	return running > 0
}

// Counts returns pending, running, completed, failed.
func (q *Queue) Counts() (int, int, int, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var pending, running, completed, failed int
	for _, t := range q.tasks {
		switch t.Status {
		case StatusPending:
			pending++
		case StatusRunning:
			running++
		case StatusCompleted:
			completed++
		case StatusFailed:
			failed++
		}
	}
	return pending, running, completed, failed
}

// Snapshot returns copies of all tasks in enqueue order.
func (q *Queue) Snapshot() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, *t)
	}
	return out
}

// Prune drops completed and failed tasks, returning how many were
// removed. Pending and running tasks are kept.
func (q *Queue) Prune() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.tasks[:0]
	removed := 0
	for _, t := range q.tasks {
		if t.Status == StatusCompleted || t.Status == StatusFailed {
			delete(q.byID, t.ID)
			removed++
			continue
		}
		kept = append(kept, t)
	}
	q.tasks = kept
	return removed
}
