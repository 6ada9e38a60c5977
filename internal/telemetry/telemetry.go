// Package telemetry wires OpenTelemetry metrics and traces for amansync.
// Metrics are exported through a Prometheus registry served by the daemon
// at /metrics; finished spans are written to the structured log at debug
// level. Nothing is sent to an external collector.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Aman-CERP/amansync/internal/config"
)

const (
	serviceName = "amansync"
	meterName   = "github.com/Aman-CERP/amansync"
)

// Providers holds the initialized telemetry pipeline.
type Providers struct {
	// Meter creates instruments. It is a no-op meter when telemetry is off.
	Meter metric.Meter

	// Handler serves the Prometheus scrape endpoint. Nil when telemetry is off.
	Handler http.Handler

	shutdown func(ctx context.Context) error
}

// Shutdown flushes pending spans and releases the providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// Init sets up the global meter and tracer providers. When cfg.Enabled is
// false it returns no-op providers and leaves the globals untouched.
func Init(cfg config.TelemetryConfig, version string) (*Providers, error) {
	if !cfg.Enabled {
		return &Providers{Meter: noopmetric.NewMeterProvider().Meter(meterName)}, nil
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", version),
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(NewLogExporter(nil)),
		sdktrace.WithResource(res),
	)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Providers{
		Meter:   mp.Meter(meterName),
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		shutdown: func(ctx context.Context) error {
			return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
		},
	}, nil
}
