package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/famulus-dev/famulus/internal/providers"
)

func TestConfigEnabled(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want bool
	}{
		{name: "empty endpoint disabled", cfg: Config{}, want: false},
		{name: "endpoint set enabled", cfg: Config{Endpoint: "localhost:4318"}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Enabled(); got != tt.want {
				t.Errorf("Enabled() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInitDisabled(t *testing.T) {
	tr, shutdown, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if tr == nil {
		t.Fatal("Init() returned nil tracer")
	}
	if tr.provider != nil {
		t.Error("disabled tracer should not own a provider")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestSpanHelpers(t *testing.T) {
	tr, _, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	ctx := context.Background()
	tests := []struct {
		name  string
		start func() context.Context
	}{
		{"stream", func() context.Context {
			c, span := tr.StartStream(ctx, "req-1", "tier2")
			End(span, nil)
			return c
		}},
		{"provider call", func() context.Context {
			c, span := tr.StartProviderCall(ctx, "anthropic", "claude-3-5-haiku")
			End(span, errors.New("boom"))
			return c
		}},
		{"cron fire", func() context.Context {
			c, span := tr.StartCronFire(ctx, "job-1", "standup")
			End(span, nil)
			return c
		}},
		{"worker task", func() context.Context {
			c, span := tr.StartWorkerTask(ctx, "task-1", "chat")
			End(span, nil)
			return c
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.start(); got == nil {
				t.Error("span helper returned nil context")
			}
		})
	}
}

type stubProvider struct {
	resp   *providers.ChatResponse
	err    error
	chunks []providers.StreamChunk
	reqs   []providers.ChatRequest
}

func (s *stubProvider) Name() string {
	return "stub"
}

func (s *stubProvider) DefaultModel() string {
	return "stub-1"
}

func (s *stubProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	return s.ChatStream(ctx, req, nil)
}

func (s *stubProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return nil, s.err
	}
	for _, c := range s.chunks {
		if onChunk != nil {
			onChunk(c)
		}
	}
	return s.resp, nil
}

func TestWrapProviderDelegates(t *testing.T) {
	tr, _, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	stub := &stubProvider{
		resp: &providers.ChatResponse{
			Content:      "hello",
			FinishReason: "stop",
			Usage:        &providers.Usage{PromptTokens: 3, CompletionTokens: 2},
		},
		chunks: []providers.StreamChunk{{Content: "hel"}, {Content: "lo"}},
	}
	wrapped := WrapProvider(tr, stub)

	if wrapped.Name() != "stub" || wrapped.DefaultModel() != "stub-1" {
		t.Errorf("identity not delegated: %s/%s", wrapped.Name(), wrapped.DefaultModel())
	}

	var got []string
	resp, err := wrapped.ChatStream(context.Background(), providers.ChatRequest{Model: "stub-2"}, func(c providers.StreamChunk) {
		got = append(got, c.Content)
	})
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("Content = %q, want %q", resp.Content, "hello")
	}
	if len(got) != 2 || got[0] != "hel" || got[1] != "lo" {
		t.Errorf("chunks = %v, want [hel lo]", got)
	}
	if len(stub.reqs) != 1 || stub.reqs[0].Model != "stub-2" {
		t.Errorf("inner request = %+v", stub.reqs)
	}
}

func TestWrapProviderHandlesMissingUsage(t *testing.T) {
	tr, _, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	wrapped := WrapProvider(tr, &stubProvider{
		resp: &providers.ChatResponse{Content: "ok", FinishReason: "stop"},
	})
	resp, err := wrapped.Chat(context.Background(), providers.ChatRequest{})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("Content = %q", resp.Content)
	}
}

func TestWrapProviderPropagatesError(t *testing.T) {
	tr, _, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	wantErr := errors.New("backend down")
	wrapped := WrapProvider(tr, &stubProvider{err: wantErr})

	if _, err := wrapped.Chat(context.Background(), providers.ChatRequest{}); !errors.Is(err, wantErr) {
		t.Errorf("Chat() error = %v, want %v", err, wantErr)
	}
}
