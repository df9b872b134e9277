// Package observability wires the optional OpenTelemetry providers: a
// tracer for per-check spans and a meter exported periodically. Both write
// through the stdout exporters and are off unless enabled in config.
package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/policyshield/policyshield"

// Config controls the telemetry providers.
type Config struct {
	// Enabled turns telemetry on. Disabled providers hand out no-op
	// tracers and meters.
	Enabled bool
	// ServiceName identifies this process in exported spans.
	ServiceName string
	// ServiceVersion is the build version attribute.
	ServiceVersion string
	// SampleRate is the span sampling ratio in [0, 1]. 1 samples all.
	SampleRate float64
	// ExportInterval is the metric reader period (default 30s).
	ExportInterval time.Duration
	// Writer receives exported spans and metrics (default os.Stdout).
	Writer io.Writer
}

// Provider owns the tracer and meter providers for one process.
type Provider struct {
	cfg    Config
	logger *slog.Logger

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
}

// New builds the providers. With cfg.Enabled false it returns a provider
// whose Tracer and Meter are no-ops and whose Shutdown does nothing.
func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "policyshield"
	}
	if cfg.ExportInterval <= 0 {
		cfg.ExportInterval = 30 * time.Second
	}
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}

	p := &Provider{cfg: cfg, logger: logger}
	if !cfg.Enabled {
		p.logger.Debug("telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	traceExp, err := stdouttrace.New(stdouttrace.WithWriter(cfg.Writer))
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)

	metricExp, err := stdoutmetric.New(stdoutmetric.WithEncoder(json.NewEncoder(cfg.Writer)))
	if err != nil {
		return nil, fmt.Errorf("metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp,
			sdkmetric.WithInterval(cfg.ExportInterval),
		)),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p.logger.Info("telemetry enabled",
		"service", cfg.ServiceName,
		"sample_rate", cfg.SampleRate,
		"export_interval", cfg.ExportInterval,
	)
	return p, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Tracer returns the span tracer, a no-op when telemetry is disabled.
func (p *Provider) Tracer() oteltrace.Tracer {
	if p.tracerProvider == nil {
		return tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	return p.tracerProvider.Tracer(instrumentationName)
}

// Meter returns the meter, a no-op when telemetry is disabled.
func (p *Provider) Meter() metric.Meter {
	if p.meterProvider == nil {
		return metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	return p.meterProvider.Meter(instrumentationName)
}

// Enabled reports whether spans and metrics are being exported.
func (p *Provider) Enabled() bool { return p.tracerProvider != nil }

// ForceFlush drains buffered spans, for tests and pre-shutdown syncs.
func (p *Provider) ForceFlush(ctx context.Context) error {
	if p.tracerProvider == nil {
		return nil
	}
	return p.tracerProvider.ForceFlush(ctx)
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
