// Package otel carries the shared tracing vocabulary: a tracer accessor and
// the attribute keys spans across the gateway agree on.
package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns a tracer for the given instrumentation name.
func Tracer(name string) trace.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}
