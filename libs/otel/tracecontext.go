package otelx

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// TraceHeaders is the W3C trace context of a request, flattened so it can be stored next to a record
// and restored when the record is handled later.
type TraceHeaders struct {
	Traceparent string
	Tracestate  string
}

// Capture reads the trace context of ctx through the global propagator.
func Capture(ctx context.Context) TraceHeaders {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return TraceHeaders{Traceparent: carrier.Get("traceparent"), Tracestate: carrier.Get("tracestate")}
}

func (h TraceHeaders) Empty() bool {
	return h.Traceparent == "" && h.Tracestate == ""
}

// Restore returns ctx carrying h as its remote parent. Empty headers leave ctx untouched.
func (h TraceHeaders) Restore(ctx context.Context) context.Context {
	if h.Empty() {
		return ctx
	}
	carrier := propagation.MapCarrier{}
	if h.Traceparent != "" {
		carrier.Set("traceparent", h.Traceparent)
	}
	if h.Tracestate != "" {
		carrier.Set("tracestate", h.Tracestate)
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
