package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/famulus-dev/famulus/internal/providers"
)

// WrapProvider decorates p so every backend call emits a provider.chat
// span with token usage and chunk counts.
func WrapProvider(t *Tracer, p providers.Provider) providers.Provider {
	return &tracedProvider{tracer: t, inner: p}
}

type tracedProvider struct {
	tracer *Tracer
	inner  providers.Provider
}

var _ providers.Provider = (*tracedProvider)(nil)

func (tp *tracedProvider) Name() string { return tp.inner.Name() }

func (tp *tracedProvider) DefaultModel() string { return tp.inner.DefaultModel() }

func (tp *tracedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	ctx, span := tp.tracer.StartProviderCall(ctx, tp.inner.Name(), tp.model(req))
	resp, err := tp.inner.Chat(ctx, req)
	recordResponse(span, resp)
	End(span, err)
	return resp, err
}

func (tp *tracedProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	ctx, span := tp.tracer.StartProviderCall(ctx, tp.inner.Name(), tp.model(req))

	// Chunk callbacks arrive from a single goroutine, so a plain
	// counter is safe here.
	var chunks int
	counting := func(c providers.StreamChunk) {
		chunks++
		if onChunk != nil {
			onChunk(c)
		}
	}

	resp, err := tp.inner.ChatStream(ctx, req, counting)
	span.SetAttributes(attribute.Int("llm.stream.chunks", chunks))
	recordResponse(span, resp)
	End(span, err)
	return resp, err
}

func (tp *tracedProvider) model(req providers.ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return tp.inner.DefaultModel()
}

func recordResponse(span trace.Span, resp *providers.ChatResponse) {
	if resp == nil {
		return
	}
	// Local backends may omit usage.
	if resp.Usage != nil {
		span.SetAttributes(
			attribute.Int("llm.tokens.prompt", resp.Usage.PromptTokens),
			attribute.Int("llm.tokens.completion", resp.Usage.CompletionTokens),
		)
	}
	span.SetAttributes(
		attribute.String("llm.finish_reason", resp.FinishReason),
		attribute.Int("llm.tool_calls", len(resp.ToolCalls)),
	)
}
