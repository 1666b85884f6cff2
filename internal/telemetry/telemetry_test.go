package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

func TestSetupWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{Profile: "main"}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Errorf("tracer provider = %T, want sdk provider", otel.GetTracerProvider())
	}

	_, span := otel.Tracer("test").Start(context.Background(), "op")
	if !span.SpanContext().IsValid() {
		t.Error("expected a recording span")
	}
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}
