package config

import (
	"context"
	"log"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// InitTracing installs an OTLP/gRPC tracer provider when OTEL_EXPORTER_OTLP_ENDPOINT
// is set. Otherwise the global no-op provider stays in place. The returned func
// flushes and stops the provider.
func InitTracing(ctx context.Context, serviceName string) func(context.Context) error {
	if strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")) == "" {
		return func(context.Context) error { return nil }
	}
	exp, err := otlptracegrpc.New(ctx)
	if err != nil {
		log.Printf("otlp exporter disabled: %v", err)
		return func(context.Context) error { return nil }
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", serviceName),
			attribute.String("deployment.environment", os.Getenv("GO_ENV")),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}
