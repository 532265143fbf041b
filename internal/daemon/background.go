package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/famulus-dev/famulus/internal/heartbeat"
	"github.com/famulus-dev/famulus/internal/queue"
	"github.com/famulus-dev/famulus/internal/router"
	"github.com/famulus-dev/famulus/internal/sessions"
	"github.com/famulus-dev/famulus/internal/telemetry"
	"github.com/famulus-dev/famulus/internal/worker"
	"github.com/famulus-dev/famulus/pkg/protocol"
)

// handleCronFire turns a fired job into a synthetic chat turn on the
// cron lane, so scheduled work never preempts a live conversation. Each
// run gets its own session key and transcript.
func (d *Daemon) handleCronFire(jobID, alias, content string) {
	runID := uuid.NewString()[:8]
	turn := chatTurn{
		requestID:  fmt.Sprintf("cron:%s:%s", jobID, runID),
		sessionKey: sessions.CronRunKey(jobID, runID),
		content:    content,
		persist:    true,
	}

	_, span := d.tracer.StartCronFire(context.Background(), jobID, alias)
	pending, err := d.queue.Enqueue(queue.LaneCron, func(ctx context.Context) (interface{}, error) {
		return d.runTurn(telemetry.Reparent(ctx, span), turn)
	}, queue.Options{})
	if err != nil {
		telemetry.End(span, err)
		d.logger.Warn("daemon.cron_dropped", "job", jobID, "error", err)
		return
	}

	go func() {
		_, err := pending.Wait(context.Background())
		telemetry.End(span, err)
		if err != nil {
			d.logger.Error("daemon.cron_run_failed", "job", jobID, "alias", alias, "error", err)
		}
	}()
}

// divertToWorker hands the prompt to the heavy-task queue and closes
// the turn immediately; the result arrives later as a worker event.
func (d *Daemon) divertToWorker(requestID, content string) {
	if d.worker == nil {
		d.chatError(requestID, "background worker is not configured")
		return
	}
	id := d.worker.Enqueue(worker.EnqueueRequest{
		Description: describeTask(content),
		Prompt:      content,
	})
	d.logger.Info("daemon.worker_divert", "request", requestID, "task", id)
	d.pub.Broadcast(protocol.New(protocol.TypeChatStreamDone, protocol.ChatStreamDonePayload{
		RequestID: requestID,
		FullText:  fmt.Sprintf("Queued as background task %s. The result will arrive as a worker event.", id),
		Tier:      router.TierWorker,
	}))
}

// describeTask shortens the prompt to a queue listing line.
func describeTask(content string) string {
	line := content
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	runes := []rune(line)
	if len(runes) > 80 {
		return string(runes[:77]) + "..."
	}
	return line
}

func (d *Daemon) onWorkerEvent(event string, task worker.Task) {
	d.logger.Debug("daemon.worker_event", "event", event, "task", task.ID, "type", task.Type)
}

// tracedWorker wraps the heavy-task processor so each drained task gets
// a worker.task span.
type tracedWorker struct {
	inner  heartbeat.WorkerDriver
	queue  *worker.Queue
	tracer *telemetry.Tracer
}

// NewTracedWorker decorates driver with tracing. A nil tracer returns
// the driver unwrapped.
func NewTracedWorker(driver heartbeat.WorkerDriver, q *worker.Queue, tracer *telemetry.Tracer) heartbeat.WorkerDriver {
	if tracer == nil {
		return driver
	}
	return &tracedWorker{inner: driver, queue: q, tracer: tracer}
}

func (w *tracedWorker) Enabled() bool    { return w.inner.Enabled() }
func (w *tracedWorker) Model() string    { return w.inner.Model() }
func (w *tracedWorker) HasPending() bool { return w.inner.HasPending() }

func (w *tracedWorker) Counts() (int, int, int, int) { return w.inner.Counts() }

// ProcessNext peeks the task the processor will dequeue and wraps the
// run in a span. The queue is FIFO append-only, so the first pending
// task seen here is the one the processor takes.
func (w *tracedWorker) ProcessNext(ctx context.Context) {
	next, ok := w.firstPending()
	if !ok {
		w.inner.ProcessNext(ctx)
		return
	}
	ctx, span := w.tracer.StartWorkerTask(ctx, next.ID, next.Type)
	w.inner.ProcessNext(ctx)

	var err error
	if after, found := w.queue.Get(next.ID); found && after.Status == worker.StatusFailed {
		err = errors.New(after.Error)
	}
	telemetry.End(span, err)
}

func (w *tracedWorker) firstPending() (worker.Task, bool) {
	for _, t := range w.queue.Snapshot() {
		if t.Status == worker.StatusPending {
			return t, true
		}
	}
	return worker.Task{}, false
}
