// Package telemetry configures structured logging and OpenTelemetry for the
// engine. When tracing and metrics are disabled every instrument is a no-op.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"roledesk/internal/config"
)

const (
	ServiceName = "roledesk"
	TracerName  = "roledesk"
	MeterName   = "roledesk"
)

var (
	AttrTaskID     = attribute.Key("roledesk.task.id")
	AttrRole       = attribute.Key("roledesk.role")
	AttrProjectID  = attribute.Key("roledesk.project.id")
	AttrTargetRole = attribute.Key("roledesk.delegation.target_role")
	AttrStatus     = attribute.Key("roledesk.task.status")
	AttrStepKind   = attribute.Key("roledesk.step.kind")
)

type Provider struct {
	Tracer   trace.Tracer
	Meter    metric.Meter
	Metrics  *Metrics
	shutdown func(context.Context) error
}

// Noop returns a provider whose tracer and meter discard everything.
func Noop() *Provider {
	meter := noop.NewMeterProvider().Meter(MeterName)
	metrics, _ := NewMetrics(meter)
	return &Provider{
		Tracer:   nooptrace.NewTracerProvider().Tracer(TracerName),
		Meter:    meter,
		Metrics:  metrics,
		shutdown: func(context.Context) error { return nil },
	}
}

// Init builds a provider from the telemetry config. Tracing is "none"
// (default) or "stdout"; spans are written to out when stdout is chosen.
func Init(ctx context.Context, cfg config.TelemetryConfig, out io.Writer) (*Provider, error) {
	tracing := strings.ToLower(strings.TrimSpace(cfg.Tracing))
	if (tracing == "" || tracing == "none") && !cfg.Metrics {
		return Noop(), nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	var tracer trace.Tracer
	var tp *sdktrace.TracerProvider
	switch tracing {
	case "", "none":
		tracer = nooptrace.NewTracerProvider().Tracer(TracerName)
	case "stdout":
		if out == nil {
			out = os.Stdout
		}
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(out))
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		tracer = tp.Tracer(TracerName)
	default:
		return nil, fmt.Errorf("unknown tracing exporter: %s (supported: none, stdout)", cfg.Tracing)
	}

	var meter metric.Meter
	var mp *sdkmetric.MeterProvider
	if cfg.Metrics {
		mp = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		otel.SetMeterProvider(mp)
		meter = mp.Meter(MeterName)
	} else {
		meter = noop.NewMeterProvider().Meter(MeterName)
	}
	metrics, err := NewMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	return &Provider{
		Tracer:  tracer,
		Meter:   meter,
		Metrics: metrics,
		shutdown: func(ctx context.Context) error {
			var tErr, mErr error
			if tp != nil {
				tErr = tp.Shutdown(ctx)
			}
			if mp != nil {
				mErr = mp.Shutdown(ctx)
			}
			if tErr != nil {
				return tErr
			}
			return mErr
		},
	}, nil
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// StartSpan starts an internal span with the given attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound HTTP request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
