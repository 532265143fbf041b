// Package telemetry sets up the optional OTLP/HTTP trace pipeline.
// Without a configured endpoint every span is a no-op, so instrumented
// paths never pay for tracing that nobody collects.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const scopeName = "github.com/famulus-dev/famulus"

// Config selects the collector. An empty Endpoint disables tracing.
type Config struct {
	Endpoint       string // host:port of an OTLP/HTTP collector
	Insecure       bool
	ServiceVersion string
}

// Enabled reports whether spans will actually be exported.
func (c Config) Enabled() bool { return c.Endpoint != "" }

// Tracer creates the daemon's spans. The zero value is unusable; build
// one with Init.
type Tracer struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider // nil when disabled
}

// Init builds the trace pipeline and returns the tracer plus a shutdown
// func that flushes buffered spans.
func Init(ctx context.Context, cfg Config) (*Tracer, func(context.Context) error, error) {
	if !cfg.Enabled() {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer(scopeName)},
			func(context.Context) error { return nil }, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("famulus"),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return &Tracer{tracer: tp.Tracer(scopeName), provider: tp}, tp.Shutdown, nil
}

// StartStream opens the span covering one routed chat turn.
func (t *Tracer) StartStream(ctx context.Context, requestID, tier string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "router.stream", trace.WithAttributes(
		attribute.String("chat.request_id", requestID),
		attribute.String("chat.tier", tier),
	))
}

// StartProviderCall opens the span for one backend model call.
func (t *Tracer) StartProviderCall(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "provider.chat",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", provider),
			attribute.String("llm.model", model),
		))
}

// StartCronFire opens the span for one scheduled job firing.
func (t *Tracer) StartCronFire(ctx context.Context, jobID, alias string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "cron.fire", trace.WithAttributes(
		attribute.String("cron.job_id", jobID),
		attribute.String("cron.alias", alias),
	))
}

// StartWorkerTask opens the span for one heavy-task execution.
func (t *Tracer) StartWorkerTask(ctx context.Context, taskID, taskType string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "worker.task", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.String("task.type", taskType),
	))
}

// End closes the span, recording err when set.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Reparent returns a context that carries span while keeping ctx's
// deadline and cancellation. Used when a span outlives the context it
// was opened under, e.g. a cron fire whose turn runs on a queue lane.
func Reparent(ctx context.Context, span trace.Span) context.Context {
	return trace.ContextWithSpan(ctx, span)
}
