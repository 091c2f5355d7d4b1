// Package tracing configures the OpenTelemetry tracer provider, exporting
// via OTLP/gRPC when enabled, and provides StartBatch/StartBuild helpers
// for scan-batch and build-visit spans. The coordinator does not call
// these helpers, so no batch or build spans are emitted.
package tracing

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
)

// Config controls whether tracing is active and where spans are
// exported.
type Config struct {
	Enabled     bool
	Endpoint    string
	TLSCAPath   string
	TLSInsecure bool
}

// Shutdown flushes and stops the tracer provider. A no-op when tracing
// was never enabled.
type Shutdown func(ctx context.Context) error

// Init configures the global tracer provider per cfg and returns a
// shutdown function the caller must invoke during graceful shutdown. When
// cfg.Enabled is false, Init installs a no-op provider and returns a
// no-op shutdown.
func Init(ctx context.Context, serviceName string, cfg Config) (Shutdown, error) {
	if !cfg.Enabled {
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.TLSInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		creds, err := dialCredentials(cfg)
		if err != nil {
			return nil, fmt.Errorf("build trace exporter credentials: %w", err)
		}
		opts = append(opts, otlptracegrpc.WithTLSCredentials(creds))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

func dialCredentials(cfg Config) (credentials.TransportCredentials, error) {
	if cfg.TLSCAPath == "" {
		return credentials.NewTLS(&tls.Config{}), nil
	}

	pem, err := os.ReadFile(cfg.TLSCAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates parsed from %s", cfg.TLSCAPath)
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

// Tracer returns the named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartBatch opens a span for one scan batch.
func StartBatch(ctx context.Context, scanID int64) (context.Context, trace.Span) {
	return Tracer("ciscan/coordinator").Start(ctx, "scan_batch",
		trace.WithAttributes(attribute.Int64("ciscan.scan_id", scanID)))
}

// StartBuild opens a span for one build's visitation within a batch.
func StartBuild(ctx context.Context, buildNum int64) (context.Context, trace.Span) {
	return Tracer("ciscan/coordinator").Start(ctx, "visit_build",
		trace.WithAttributes(attribute.Int64("ciscan.build_num", buildNum)))
}
