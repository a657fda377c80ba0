// Package telemetry traces and meters migration runs.
//
// Nothing is recorded unless WIM_OTEL_ENABLED=true; otherwise the global
// providers are no-ops and WrapTarget hands back the connector unchanged.
//
// # Instruments
//
// Spans:
//
//	migrate.run      one per Engine.Start (wim.run_id, wim.scope, wim.state)
//	target.<Op>      one per Azure DevOps call made through WrapTarget
//
// Metrics:
//
//	wim.items                       work items processed, by wim.outcome
//	wim.target.operations           target calls, by wim.operation
//	wim.target.operation.duration   target call latency (ms)
//	wim.target.errors               failed target calls, by wim.error.kind
//
// # Exporters
//
//	WIM_OTEL_STDOUT=true                    pretty-print spans and metrics to stderr
//	OTEL_EXPORTER_OTLP_METRICS_ENDPOINT=... push metrics over OTLP/HTTP (e.g. localhost:4318)
//	OTEL_EXPORTER_OTLP_ENDPOINT=...         used when the metrics endpoint is unset
//
// Spans are only ever exported to stderr.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// instrumentationScope names the engine's tracer and meter when callers pass
// no scope of their own.
const instrumentationScope = "github.com/steveyegge/wimigrate"

// Export intervals
const (
	stdoutInterval = 15 * time.Second
	otlpInterval   = 30 * time.Second
)

var (
	mu          sync.Mutex
	shutdownFns []func(context.Context) error
)

// Enabled reports whether WIM_OTEL_ENABLED=true.
func Enabled() bool {
	return os.Getenv("WIM_OTEL_ENABLED") == "true"
}

func stdoutEnabled() bool {
	return os.Getenv("WIM_OTEL_STDOUT") == "true"
}

// metricsEndpoint returns the OTLP endpoint metrics are pushed to, or "".
func metricsEndpoint() string {
	return firstNonEmpty(
		os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"),
		os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	)
}

// Init installs the global providers for one wimigrate process. The CLI
// calls it before opening connectors, so the migrate.run span and the
// wim.* instruments created by migrate.NewEngine bind to them.
func Init(ctx context.Context, serviceName, version string) error {
	if !Enabled() {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}

	res, err := newResource(ctx, serviceName, version)
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}

	tp, err := buildTraceProvider(res, os.Stderr)
	if err != nil {
		return fmt.Errorf("telemetry: trace provider: %w", err)
	}
	mp, err := buildMetricProvider(ctx, res, os.Stderr)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return fmt.Errorf("telemetry: metric provider: %w", err)
	}
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	mu.Lock()
	shutdownFns = append(shutdownFns, tp.Shutdown, mp.Shutdown)
	mu.Unlock()
	return nil
}

// newResource tags every span and data point with the service version,
// host and process.
func newResource(ctx context.Context, serviceName, version string) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
}

// buildTraceProvider samples every migrate.run and target.* span. They are
// written to w only with WIM_OTEL_STDOUT.
func buildTraceProvider(res *resource.Resource, w io.Writer) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	if stdoutEnabled() {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

// buildMetricProvider attaches a periodic reader per configured exporter.
// With neither configured the wim.* instruments still work but nothing is
// exported.
func buildMetricProvider(ctx context.Context, res *resource.Resource, w io.Writer) (*sdkmetric.MeterProvider, error) {
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if stdoutEnabled() {
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(stdoutInterval)),
		))
	}

	if endpoint := metricsEndpoint(); endpoint != "" {
		exp, err := buildOTLPMetricExporter(ctx, endpoint)
		if err != nil {
			return nil, fmt.Errorf("otlp metric exporter %s: %w", endpoint, err)
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(otlpInterval)),
		))
	}

	return sdkmetric.NewMeterProvider(opts...), nil
}

// Tracer returns the tracer for scope, or for the module scope when empty.
// The engine traces under .../migrate and InstrumentedTarget under .../target.
func Tracer(scope string) trace.Tracer {
	if scope == "" {
		scope = instrumentationScope
	}
	return otel.Tracer(scope)
}

// Meter returns the meter for scope, defaulting like Tracer.
func Meter(scope string) metric.Meter {
	if scope == "" {
		scope = instrumentationScope
	}
	return otel.Meter(scope)
}

// Shutdown flushes pending spans and the final metric collection. A run
// that ends in under an export interval is only visible after this.
func Shutdown(ctx context.Context) {
	mu.Lock()
	fns := shutdownFns
	shutdownFns = nil
	mu.Unlock()
	for _, fn := range fns {
		_ = fn(ctx)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
