package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new span for a service operation.
//
//	ctx, span := telemetry.StartSpan(ctx, "rolesync/resolver", "resolver.Resolve",
//	    attribute.String(telemetry.AttrUserID, userID),
//	)
//	defer span.End()
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// RecordError records an error on the span and sets the span status to error.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// AddEvent adds a named event to the span.
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Common attribute keys
const (
	AttrUserID          = "user.id"
	AttrRoleSource      = "role.source"
	AttrRoleConfidence  = "role.confidence"
	AttrBreakerService  = "breaker.service"
	AttrBreakerState    = "breaker.state"
	AttrSyncOperationID = "sync.operation_id"
	AttrSyncType        = "sync.type"
	AttrSyncStrategy    = "sync.strategy"
	AttrSyncStatus      = "sync.status"
)
