package otelx

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	traceparentKey = "traceparent"
	tracestateKey  = "tracestate"
)

// TraceContext is the W3C trace context in its stored form, kept next to
// deferred work (outbox rows) so the worker that picks it up later can
// continue the caller's trace.
type TraceContext struct {
	Parent string
	State  string
}

// CaptureTraceContext serialises the span context in ctx through the global
// propagator. The zero value is returned when ctx carries no span.
func CaptureTraceContext(ctx context.Context) TraceContext {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return TraceContext{Parent: carrier.Get(traceparentKey), State: carrier.Get(tracestateKey)}
}

func (tc TraceContext) IsZero() bool {
	return tc.Parent == "" && tc.State == ""
}

// Attach returns ctx with tc as its remote parent.
func (tc TraceContext) Attach(ctx context.Context) context.Context {
	if tc.IsZero() {
		return ctx
	}
	carrier := propagation.MapCarrier{}
	carrier.Set(traceparentKey, tc.Parent)
	if tc.State != "" {
		carrier.Set(tracestateKey, tc.State)
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
