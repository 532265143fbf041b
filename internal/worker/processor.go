package worker

import (
	"context"
	"log/slog"

	"github.com/famulus-dev/famulus/internal/bus"
	"github.com/famulus-dev/famulus/internal/providers"
	"github.com/famulus-dev/famulus/pkg/protocol"
)

// Processor drains the queue through the worker-engine backend, one task
// per call. The heartbeat's worker tick is the only caller; its busy
// guard ensures at most one task is in flight.
type Processor struct {
	queue    *Queue
	provider providers.Provider
	model    string
	pub      bus.Publisher
	logger   *slog.Logger
}

// NewProcessor wires the queue to its backend. A nil provider disables
// processing; tasks then stay pending until a backend is configured.
func NewProcessor(queue *Queue, provider providers.Provider, model string, pub bus.Publisher, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		queue:    queue,
		provider: provider,
		model:    model,
		pub:      pub,
		logger:   logger,
	}
}

func (p *Processor) Enabled() bool {
	return p.provider != nil
}

func (p *Processor) Model() string {
	if p.model != "" {
		return p.model
	}
	if p.provider != nil {
		return p.provider.DefaultModel()
	}
	return ""
}

func (p *Processor) HasPending() bool {
	return p.queue.HasPending()
}

// Counts returns pending, running, completed, failed.
func (p *Processor) Counts() (int, int, int, int) {
	return p.queue.Counts()
}

// ProcessNext runs the next pending task to completion and broadcasts
// the outcome. No-op when the queue is empty or no backend is set.
func (p *Processor) ProcessNext(ctx context.Context) {
	if p.provider == nil {
		return
	}
	task, ok := p.queue.Dequeue()
	if !ok {
		return
	}
	p.logger.Info("worker.task_started", "id", task.ID, "type", task.Type, "model", p.Model())

	resp, err := p.provider.Chat(ctx, providers.ChatRequest{
		Model: p.model,
		Messages: []providers.Message{
			{Role: "system", Content: taskSystemPrompt(task.Type)},
			{Role: "user", Content: task.Prompt},
		},
	})
	if err != nil {
		p.queue.Fail(task.ID, err)
		if p.pub != nil {
			p.pub.Broadcast(protocol.New(protocol.TypeWorkerTaskFailed, protocol.WorkerTaskFailedPayload{
				TaskID:      task.ID,
				Description: task.Description,
				Error:       err.Error(),
			}))
		}
		return
	}

	p.queue.Complete(task.ID, resp.Content)
	if p.pub != nil {
		p.pub.Broadcast(protocol.New(protocol.TypeWorkerTaskCompleted, protocol.WorkerTaskCompletedPayload{
			TaskID:       task.ID,
			Description:  task.Description,
			TaskType:     task.Type,
			ResultLength: len(resp.Content),
		}))
	}
}

// taskSystemPrompt frames the backend for the task type. The worker
// engine gets no tools; it reads the prompt and writes text.
func taskSystemPrompt(taskType string) string {
	switch taskType {
	case TypeDistillMemory:
		return "You distill conversation history into durable memory notes. Return only the distilled notes, one finding per line."
	case TypeDeepAnalysis:
		return "You perform thorough background analysis. Favour completeness over speed and state your confidence."
	case TypeCodeReview:
		return "You review code for correctness, clarity, and risk. Point at concrete lines and suggest fixes."
	default:
		return "You complete background tasks accurately and concisely."
	}
}
