package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Telemetry holds the service's metric instruments. A nil *Telemetry is a
// valid no-op sink, so callers never have to guard their recording calls.
type Telemetry struct {
	meterProvider  metric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	meter          metric.Meter

	revalidationsTotal metric.Int64Counter
	downloadsTotal     metric.Int64Counter
	promotionsTotal    metric.Int64Counter
}

// Config holds telemetry configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string
}

// New sets up the Prometheus exporter, the meter and tracer providers, and
// runtime instrumentation.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(meterProvider)

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tracerProvider)

	if err := runtime.Start(); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	t := &Telemetry{
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		meter:          otel.Meter(cfg.ServiceName),
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return t, nil
}

func (t *Telemetry) initializeMetrics() error {
	var err error

	t.revalidationsTotal, err = t.meter.Int64Counter("asset_revalidations_total",
		metric.WithDescription("Conditional update probes by outcome"))
	if err != nil {
		return err
	}

	t.downloadsTotal, err = t.meter.Int64Counter("asset_downloads_total",
		metric.WithDescription("Completed download jobs by kind and result"))
	if err != nil {
		return err
	}

	t.promotionsTotal, err = t.meter.Int64Counter("asset_promotions_total",
		metric.WithDescription("Promotions of downloaded assets by result"))

	return err
}

// Handler serves the Prometheus scrape endpoint.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.Handler()
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.tracerProvider == nil {
		return nil
	}

	return t.tracerProvider.Shutdown(ctx)
}

// RecordRevalidation records one conditional probe outcome.
func (t *Telemetry) RecordRevalidation(ctx context.Context, outcome string) {
	if t == nil || t.revalidationsTotal == nil {
		return
	}

	t.revalidationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordDownload records one completed download job.
func (t *Telemetry) RecordDownload(ctx context.Context, kind string, success bool) {
	if t == nil || t.downloadsTotal == nil {
		return
	}

	t.downloadsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("success", success),
	))
}

// RecordPromotion records one promotion attempt.
func (t *Telemetry) RecordPromotion(ctx context.Context, ok bool) {
	if t == nil || t.promotionsTotal == nil {
		return
	}

	t.promotionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", ok)))
}
