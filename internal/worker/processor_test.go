package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/famulus-dev/famulus/internal/bus"
	"github.com/famulus-dev/famulus/internal/heartbeat"
	"github.com/famulus-dev/famulus/internal/providers"
	"github.com/famulus-dev/famulus/pkg/protocol"
)

var _ heartbeat.WorkerDriver = (*Processor)(nil)

type fakeEngine struct {
	mu   sync.Mutex
	reqs []providers.ChatRequest
	resp *providers.ChatResponse
	err  error
}

func (f *fakeEngine) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeEngine) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return f.Chat(ctx, req)
}

func (f *fakeEngine) DefaultModel() string { return "worker-default" }
func (f *fakeEngine) Name() string         { return "fake" }

func (f *fakeEngine) calls() []providers.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]providers.ChatRequest(nil), f.reqs...)
}

type capturePublisher struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

var _ bus.Publisher = (*capturePublisher)(nil)

func (p *capturePublisher) Subscribe(id string, h bus.Handler) {}
func (p *capturePublisher) Unsubscribe(id string)              {}

func (p *capturePublisher) Broadcast(env protocol.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
}

func (p *capturePublisher) all() []protocol.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Envelope(nil), p.envs...)
}

func newTestProcessor(engine providers.Provider, model string) (*Processor, *Queue, *capturePublisher) {
	q := newTestQueue()
	pub := &capturePublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewProcessor(q, engine, model, pub, logger), q, pub
}

func TestProcessNextCompletesTask(t *testing.T) {
	engine := &fakeEngine{resp: &providers.ChatResponse{Content: "analysis done", FinishReason: "stop"}}
	p, q, pub := newTestProcessor(engine, "")

	id := q.Enqueue(EnqueueRequest{
		Description: "review logs",
		Prompt:      "find anomalies in the overnight logs",
		Type:        TypeDeepAnalysis,
	})

	p.ProcessNext(context.Background())

	task, _ := q.Get(id)
	if task.Status != StatusCompleted || task.Result != "analysis done" {
		t.Fatalf("task after ProcessNext: %+v", task)
	}

	calls := engine.calls()
	if len(calls) != 1 {
		t.Fatalf("backend calls = %d, want 1", len(calls))
	}
	msgs := calls[0].Messages
	if len(msgs) != 2 || msgs[0].Role != "system" || msgs[1].Role != "user" {
		t.Fatalf("request messages = %+v", msgs)
	}
	if !strings.Contains(msgs[0].Content, "background analysis") {
		t.Fatalf("system prompt does not match task type: %q", msgs[0].Content)
	}
	if msgs[1].Content != "find anomalies in the overnight logs" {
		t.Fatalf("user prompt = %q", msgs[1].Content)
	}

	envs := pub.all()
	if len(envs) != 1 || envs[0].Type != protocol.TypeWorkerTaskCompleted {
		t.Fatalf("broadcasts = %+v, want one worker_task_completed", envs)
	}
	var payload protocol.WorkerTaskCompletedPayload
	if err := envs[0].DecodePayload(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.TaskID != id || payload.TaskType != TypeDeepAnalysis {
		t.Fatalf("payload = %+v", payload)
	}
	if payload.ResultLength != len("analysis done") {
		t.Fatalf("resultLength = %d, want %d", payload.ResultLength, len("analysis done"))
	}
}

func TestProcessNextFailsTask(t *testing.T) {
	engine := &fakeEngine{err: errors.New("backend unreachable")}
	p, q, pub := newTestProcessor(engine, "")

	var cbErr error
	id := q.Enqueue(EnqueueRequest{
		Description: "doomed",
		Prompt:      "whatever",
		OnError:     func(err error) { cbErr = err },
	})

	p.ProcessNext(context.Background())

	task, _ := q.Get(id)
	if task.Status != StatusFailed || task.Error != "backend unreachable" {
		t.Fatalf("task after failure: %+v", task)
	}
	if cbErr == nil {
		t.Fatal("error callback not invoked")
	}

	envs := pub.all()
	if len(envs) != 1 || envs[0].Type != protocol.TypeWorkerTaskFailed {
		t.Fatalf("broadcasts = %+v, want one worker_task_failed", envs)
	}
	var payload protocol.WorkerTaskFailedPayload
	if err := envs[0].DecodePayload(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.TaskID != id || payload.Error != "backend unreachable" {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestProcessNextEmptyQueue(t *testing.T) {
	engine := &fakeEngine{resp: &providers.ChatResponse{Content: "x"}}
	p, _, pub := newTestProcessor(engine, "")

	p.ProcessNext(context.Background())

	if got := engine.calls(); len(got) != 0 {
		t.Fatalf("backend called on empty queue: %d", len(got))
	}
	if got := pub.all(); len(got) != 0 {
		t.Fatalf("broadcasts on empty queue: %d", len(got))
	}
}

func TestProcessorDisabledWithoutBackend(t *testing.T) {
	p, q, _ := newTestProcessor(nil, "")

	if p.Enabled() {
		t.Fatal("Enabled = true without a backend")
	}
	id := q.Enqueue(EnqueueRequest{Description: "waits", Prompt: "p"})
	p.ProcessNext(context.Background())

	task, _ := q.Get(id)
	if task.Status != StatusPending {
		t.Fatalf("task status = %q, want pending", task.Status)
	}
}

func TestProcessorModel(t *testing.T) {
	engine := &fakeEngine{}
	p, _, _ := newTestProcessor(engine, "")
	if got := p.Model(); got != "worker-default" {
		t.Fatalf("Model = %q, want provider default", got)
	}

	p2, _, _ := newTestProcessor(engine, "qwen2.5:7b")
	if got := p2.Model(); got != "qwen2.5:7b" {
		t.Fatalf("Model = %q, want explicit override", got)
	}
}

func TestProcessorCountsDelegate(t *testing.T) {
	engine := &fakeEngine{resp: &providers.ChatResponse{Content: "ok"}}
	p, q, _ := newTestProcessor(engine, "")

	q.Enqueue(EnqueueRequest{Description: "a", Prompt: "a"})
	q.Enqueue(EnqueueRequest{Description: "b", Prompt: "b"})
	if !p.HasPending() {
		t.Fatal("HasPending = false, want true")
	}

	p.ProcessNext(context.Background())
	pending, running, completed, failed := p.Counts()
	if pending != 1 || running != 0 || completed != 1 || failed != 0 {
		t.Fatalf("counts = %d/%d/%d/%d, want 1/0/1/0", pending, running, completed, failed)
	}
}
