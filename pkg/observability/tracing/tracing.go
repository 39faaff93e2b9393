// Package tracing wires OpenTelemetry for the memquest service.
//
// Tracing is optional. With no OTLP endpoint configured and stdout
// export disabled, Init is a no-op and the global tracer stays inert,
// so instrumented code paths cost nothing.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/memquest/memquest/pkg/observability/logging"
)

const tracerName = "github.com/memquest/memquest"

// Config selects the exporter and identifies the service.
type Config struct {
	// OTLPEndpoint is the collector address (host:port). Empty disables
	// OTLP export.
	OTLPEndpoint string
	// Insecure disables TLS on the OTLP connection.
	Insecure bool
	// Stdout prints spans to stdout instead of exporting. Useful for
	// local debugging.
	Stdout bool
	// ServiceName appears as service.name on every span.
	ServiceName string
	// SamplingRatio in [0,1]. Zero means sample everything.
	SamplingRatio float64
}

// Init installs a global tracer provider per cfg and returns a shutdown
// function. When no exporter is configured it returns a no-op shutdown
// and leaves the inert default provider in place.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	var exporter sdktrace.SpanExporter
	var err error
	switch {
	case cfg.Stdout:
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case cfg.OTLPEndpoint != "":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	default:
		logging.Debugf("Tracing: no exporter configured, spans disabled")
		return noop, nil
	}
	if err != nil {
		return noop, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "memquest-memory"
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
	)

	ratio := cfg.SamplingRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logging.Infof("Tracing: initialized (service=%s, stdout=%v, endpoint=%s)",
		serviceName, cfg.Stdout, cfg.OTLPEndpoint)
	return tp.Shutdown, nil
}

// Tracer returns the service tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a child span on the global tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := Tracer().Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}
