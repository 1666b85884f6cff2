// Package telemetry installs the OpenTelemetry tracer provider.
package telemetry

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// Config selects the exporter. Without an endpoint spans are recorded
// but never exported.
type Config struct {
	ServiceName  string
	Profile      string
	OTLPEndpoint string
}

// Setup initialises tracing. It returns a shutdown function that must be
// invoked on exit.
func Setup(ctx context.Context, cfg Config, logger *zap.Logger) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "atlasd"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("atlas.profile", cfg.Profile),
		),
	)
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.OTLPEndpoint != "" {
		// Accept "collector:4318" as well as full URLs.
		endpoint := cfg.OTLPEndpoint
		insecure := true
		if strings.HasPrefix(endpoint, "http://") {
			endpoint = strings.TrimPrefix(endpoint, "http://")
		} else if strings.HasPrefix(endpoint, "https://") {
			endpoint = strings.TrimPrefix(endpoint, "https://")
			insecure = false
		}

		exporterOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if insecure {
			exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, exporterOpts...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
		logger.Info("exporting traces", zap.String("endpoint", endpoint))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)

	return func(ctx context.Context) error {
		if err := provider.Shutdown(ctx); err != nil {
			logger.Error("shutdown tracer provider", zap.Error(err))
			return err
		}
		return nil
	}, nil
}
