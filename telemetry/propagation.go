package telemetry

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	// HeaderCorrelationID is the HTTP header carrying the envelope's
	// correlation id across a transport hop
	HeaderCorrelationID = "X-Correlation-ID"
)

// InjectTraceMetadata writes the active W3C trace context into an envelope
// metadata map so traces survive transport hops that are not HTTP. The map
// is created when nil. Returns the (possibly new) map.
func InjectTraceMetadata(ctx context.Context, metadata map[string]string) map[string]string {
	if metadata == nil {
		metadata = make(map[string]string)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(metadata))
	return metadata
}

// ExtractTraceMetadata restores trace context previously written by
// InjectTraceMetadata into a new context
func ExtractTraceMetadata(ctx context.Context, metadata map[string]string) context.Context {
	if len(metadata) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(metadata))
}

// InjectTraceHeaders writes the active trace context and the correlation id
// into outbound HTTP headers
func InjectTraceHeaders(ctx context.Context, headers http.Header, correlationID string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
	if correlationID != "" {
		headers.Set(HeaderCorrelationID, correlationID)
	}
}

// ExtractTraceHeaders restores trace context from inbound HTTP headers
func ExtractTraceHeaders(ctx context.Context, headers http.Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(headers))
}
