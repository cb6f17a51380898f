package tracing

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const gatewayTracer = "railpay/gateway"

// StartGatewaySpan opens a client span around one gateway operation. The
// returned finish func records err, if any, and ends the span.
func StartGatewaySpan(ctx context.Context, channel, operation string, attrs ...attribute.KeyValue) (context.Context, func(err error)) {
	base := []attribute.KeyValue{
		attribute.String("payment.channel", channel),
		attribute.String("payment.operation", operation),
	}
	ctx, span := otel.Tracer(gatewayTracer).Start(ctx, "gateway."+channel+"."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(SafeAttributes(append(base, attrs...)...)...),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(SafeError(err))
			span.SetStatus(codes.Error, "gateway error")
		}
		span.End()
	}
}

// StartSpan opens an internal span for a state transition or job.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer("railpay").Start(ctx, name, trace.WithAttributes(SafeAttributes(attrs...)...))
}

// EndSpan records err on span and ends it.
func EndSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		span.RecordError(SafeError(err))
		span.SetStatus(codes.Error, "error")
	}
	span.End()
}
