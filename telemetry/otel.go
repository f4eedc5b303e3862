// Package telemetry provides the OpenTelemetry-backed implementation of
// core.Telemetry. With no OTLP endpoint configured it degrades to a
// local-only tracer provider, so components always get a working Telemetry.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/joshuawlim/kenny/core"
)

// OTel implements core.Telemetry over OpenTelemetry tracing and metrics.
type OTel struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	meter    metric.Meter

	mu       sync.Mutex
	counters map[string]metric.Float64Counter
}

// New sets up tracing for a component. The OTLP endpoint comes from
// OTEL_EXPORTER_OTLP_ENDPOINT; without it spans stay in-process.
func New(serviceName, componentID string) (*OTel, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			attribute.String("kenny.component.id", componentID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	var provider *sdktrace.TracerProvider
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		exporter, err := otlptracegrpc.New(context.Background(),
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create OTLP exporter: %w", err)
		}
		provider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
	} else {
		provider = sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	}

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &OTel{
		provider: provider,
		tracer:   provider.Tracer("kenny"),
		meter:    otel.GetMeterProvider().Meter("kenny"),
		counters: make(map[string]metric.Float64Counter),
	}, nil
}

// StartSpan begins a traced span.
func (t *OTel) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := t.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric adds to a named counter with the given labels.
func (t *OTel) RecordMetric(name string, value float64, labels map[string]string) {
	t.mu.Lock()
	counter, ok := t.counters[name]
	if !ok {
		var err error
		counter, err = t.meter.Float64Counter(name)
		if err != nil {
			t.mu.Unlock()
			return
		}
		t.counters[name] = counter
	}
	t.mu.Unlock()

	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	counter.Add(context.Background(), value, metric.WithAttributes(attrs...))
}

// Shutdown flushes pending spans.
func (t *OTel) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
}
