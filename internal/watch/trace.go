package watch

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Tracer records one span per invocation and derives the X-Ray style trace
// header handed to function processes.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a tracer that writes spans to stdout when printTraces
// is set and discards them otherwise. Trace headers are generated either
// way so functions always see a populated trace context.
func NewTracer(printTraces bool) (*Tracer, error) {
	var out io.Writer = io.Discard
	if printTraces {
		out = os.Stdout
	}
	exporter, err := stdouttrace.New(
		stdouttrace.WithWriter(out),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return nil, err
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer("lambdev/watch"),
	}, nil
}

// StartInvocation opens a span for an invocation and returns the trace
// header for the Lambda-Runtime-Trace-Id response header.
func (t *Tracer) StartInvocation(ctx context.Context, function string) (context.Context, trace.Span, string) {
	ctx, span := t.tracer.Start(ctx, "invocation",
		trace.WithAttributes(attribute.String("faas.name", function)),
	)
	return ctx, span, xrayTraceHeader(span.SpanContext())
}

// Shutdown flushes any buffered spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

// xrayTraceHeader renders a span context in the X-Amzn-Trace-Id format:
// Root=1-<8 hex epoch>-<24 hex>;Parent=<16 hex>;Sampled=1.
func xrayTraceHeader(sc trace.SpanContext) string {
	tid := sc.TraceID().String()
	return fmt.Sprintf("Root=1-%s-%s;Parent=%s;Sampled=1", tid[:8], tid[8:], sc.SpanID().String())
}
