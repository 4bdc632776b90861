package shipper

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/tournevent/carrierlink"

// Tracer returns t, or the global tracer when t is nil.
func Tracer(t trace.Tracer) trace.Tracer {
	if t != nil {
		return t
	}
	return otel.Tracer(instrumentationName)
}

// StartSpan starts a span named "<carrier>.<operation>".
func StartSpan(ctx context.Context, tracer trace.Tracer, carrier, operation string) (context.Context, trace.Span) {
	return tracer.Start(ctx, carrier+"."+operation,
		trace.WithAttributes(
			attribute.String("carrier", carrier),
			attribute.String("operation", operation),
		),
	)
}

// EndSpan records err on the span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, KindName(err))
		var shipperErr *ShipperError
		if errors.As(err, &shipperErr) {
			span.SetAttributes(attribute.String("error.code", shipperErr.Code))
		}
	}
	span.End()
}
