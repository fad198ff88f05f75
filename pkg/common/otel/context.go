package otel

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// emptyTraceID is logged for records written outside any span.
const emptyTraceID = "00000000000000000000000000000000"

// GetTraceID returns the trace id from the current span context.
func GetTraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	return emptyTraceID
}
