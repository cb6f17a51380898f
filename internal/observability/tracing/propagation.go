package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// SetPropagator installs W3C tracecontext and baggage propagation.
func SetPropagator() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

// ContinueRequest continues a trace carried by inbound headers. Gateway
// notifications carry none, so they start a new trace.
func ContinueRequest(ctx context.Context, header http.Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(header))
}

// InjectGatewayHeaders writes the trace context of ctx onto an outbound
// gateway request and returns its trace id, or "" when ctx has no span.
// Gateways sign the body and their own headers only, so the extra headers
// never affect verification.
func InjectGatewayHeaders(ctx context.Context, header http.Header) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
	return sc.TraceID().String()
}
