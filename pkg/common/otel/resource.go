package otel

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// NewResource describes the running service instance.
func NewResource(serviceName, serviceID string, extra map[string]string) *resource.Resource {
	attrs := make([]attribute.KeyValue, 0, len(extra)+2)
	attrs = append(attrs, semconv.ServiceName(serviceName))
	if serviceID != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(serviceID))
	}
	for k, v := range extra {
		attrs = append(attrs, attribute.String(k, v))
	}
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}
