package tracing

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestSetup_NoEndpointIsNoop(t *testing.T) {
	otel.SetTracerProvider(noop.NewTracerProvider())
	shutdown, err := Setup(context.Background(), Config{ServiceName: "osiris-mcp"})
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	if span.SpanContext().IsValid() {
		t.Error("spans should not be recorded without an endpoint")
	}
}

func TestSetup_RequiresServiceName(t *testing.T) {
	if _, err := Setup(context.Background(), Config{OTLPEndpoint: "localhost:4318"}); err == nil {
		t.Error("expected error for missing service name")
	}
}

func TestSetup_InstallsProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	shutdown, err := Setup(context.Background(), Config{
		ServiceName:  "osiris-mcp",
		Version:      "test",
		OTLPEndpoint: "127.0.0.1:1",
	})
	if err != nil {
		t.Fatal(err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "op")
	if !span.SpanContext().IsValid() {
		t.Error("span context should be valid once a provider is installed")
	}
	span.End()

	// Nothing listens on the endpoint; shutdown must still return.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}
