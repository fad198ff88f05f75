package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestEndpointExcluder(t *testing.T) {
	excluder := newEndpointExcluder(map[string]struct{}{"/v1/health": {}, "/v1/readiness": {}}, 1)
	traceID := trace.TraceID{1}

	tests := []struct {
		name  string
		attrs []attribute.KeyValue
		want  sdktrace.SamplingDecision
	}{
		{name: "health check", attrs: []attribute.KeyValue{attribute.String("url.path", "/v1/health")}, want: sdktrace.Drop},
		{name: "legacy target", attrs: []attribute.KeyValue{attribute.String("http.target", "/v1/readiness")}, want: sdktrace.Drop},
		{name: "other route", attrs: []attribute.KeyValue{attribute.String("url.path", "/records")}, want: sdktrace.RecordAndSample},
		{name: "no route", want: sdktrace.RecordAndSample},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := excluder.ShouldSample(sdktrace.SamplingParameters{
				ParentContext: context.Background(),
				TraceID:       traceID,
				Name:          "span",
				Attributes:    tt.attrs,
			})
			assert.Equal(t, tt.want, res.Decision)
		})
	}
}

func TestGetTraceID_NoSpan(t *testing.T) {
	assert.Equal(t, "00000000000000000000000000000000", GetTraceID(context.Background()))
}
