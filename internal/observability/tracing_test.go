package observability

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewTracerProvider_DisabledWithoutEndpoint(t *testing.T) {
	t.Parallel()

	tp, shutdown, err := NewTracerProvider(context.Background(), TracingConfig{ServiceName: "clinic-dispatch"}, nil)
	if err != nil {
		t.Fatalf("NewTracerProvider() error = %v", err)
	}
	if tp == nil || shutdown == nil {
		t.Fatal("expected no-op provider and shutdown func")
	}

	_, span := tp.Tracer("test").Start(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		t.Fatal("no-op provider should not produce valid spans")
	}
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
}

func TestTracerUsesProvider(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, span := Tracer(tp, "dispatcher").Start(context.Background(), "dispatch.run")
	span.End()

	if got := len(recorder.Ended()); got != 1 {
		t.Fatalf("ended spans = %d, want 1", got)
	}
	if name := recorder.Ended()[0].Name(); name != "dispatch.run" {
		t.Fatalf("span name = %q, want dispatch.run", name)
	}

	_, span = Tracer(nil, "dispatcher").Start(context.Background(), "ignored")
	span.End()
}
