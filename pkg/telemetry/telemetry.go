// Package telemetry carries the tracing plumbing: a Jaeger-backed tracer
// provider set up once at startup and a thin span wrapper the hub opens
// around roster mutations.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const PACKAGE = "wallgrid"

var tracer = otel.Tracer(PACKAGE)

type Telemetry struct {
	span trace.Span
}

func NewTelemetry(ctx context.Context, name string, attributes ...attribute.KeyValue) *Telemetry {
	_, span := tracer.Start(ctx, name, trace.WithAttributes(attributes...))

	return &Telemetry{span: span}
}

func (t *Telemetry) AddEvent(text string, attributes ...attribute.KeyValue) {
	traceAttributes := trace.WithAttributes(attributes...)
	t.span.AddEvent(text, traceAttributes)
}

func (t *Telemetry) AddError(err error) {
	t.span.RecordError(err)
}

func (t *Telemetry) Fail(err error) {
	t.span.SetStatus(codes.Error, err.Error())
	t.AddError(err)
}

func (t *Telemetry) End() {
	t.span.End()
}
