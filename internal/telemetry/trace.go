package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new span for a manager operation.
// This is a convenience wrapper around otel.Tracer().Start() with common patterns.
//
// Usage:
//
//	ctx, span := telemetry.StartSpan(ctx, "aegis/authn", "authn.Authenticate",
//	    attribute.String(telemetry.AttrUserID, userID),
//	)
//	defer span.End()
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// RecordError records an error on the span and sets the span status to error.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// AddEvent adds a named event to the span with optional attributes.
// Use for business events like denied authorizations or fired detectors.
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Common attribute keys for control-plane spans.
const (
	AttrUserID    = "principal.user_id"
	AttrSessionID = "principal.session_id"
	AttrClientID  = "oauth.client_id"
	AttrProvider  = "identity.provider_id"
	AttrPluginID  = "plugin.id"

	AttrPermission   = "authz.permission"
	AttrResourceType = "authz.resource_type"
	AttrResourceID   = "authz.resource_id"
	AttrDecision     = "authz.decision"

	AttrEventTopic = "bus.topic"
	AttrRuleID     = "controls.rule_id"
)
