// Package tracing wraps the OpenTelemetry tracing API used by the broker
// consumer to extract an inbound span from a task envelope's
// properties.trace map and tag it the way spec.md §4.2 describes
// (worker_task_processing, worker_task_result, worker_task_expire_time).
//
// Grounded on open-policy-agent-opa's internal/distributedtracing and
// features/tracing packages, which are the only pack examples wiring
// go.opentelemetry.io/otel. Unlike OPA we do not ship an OTLP exporter
// here — when none is configured the global TracerProvider defaults to
// the SDK's no-op implementation, so spans are free to create even in
// tests with nothing listening on the other end.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Tracer creates spans for one named component.
type Tracer struct {
	tracer trace.Tracer
}

// New returns a Tracer backed by the global OTel TracerProvider.
func New(instrumentationName string) *Tracer {
	return &Tracer{tracer: otel.Tracer(instrumentationName)}
}

// StartSpan extracts a parent span context from carrier (the decoded
// properties.trace map; may be nil, producing a root span) and starts a
// new span named operation.
func (t *Tracer) StartSpan(ctx context.Context, carrier map[string]string, operation string) (context.Context, trace.Span) {
	if len(carrier) > 0 {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(carrier))
	}
	return t.tracer.Start(ctx, operation)
}

// SetTag sets a single attribute on span, coercing common Go types to the
// matching attribute.KeyValue constructor.
func SetTag(span trace.Span, key string, value interface{}) {
	span.SetAttributes(toAttribute(key, value))
}

// LogKV attaches a structured event to span, mirroring opentracing's
// span.LogKV used throughout the original workflow.py (e.g. logging the
// formatted exception on a decode or sampling-refresh failure).
func LogKV(span trace.Span, kv map[string]interface{}) {
	attrs := make([]attribute.KeyValue, 0, len(kv))
	for k, v := range kv {
		attrs = append(attrs, toAttribute(k, v))
	}
	span.AddEvent("log", trace.WithAttributes(attrs...))
}

func toAttribute(key string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case error:
		return attribute.String(key, v.Error())
	default:
		return attribute.String(key, fmt.Sprint(v))
	}
}
