package telemetry

import (
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// A simple helper that configures OpenTelemetry for the hub.
func SetupTelemetry(cfg Config) (*tracesdk.TracerProvider, error) {
	res, err := NewResource(cfg.ID)
	if err != nil {
		return nil, err
	}

	exp, err := NewJaegerExporter(cfg.JaegerURL)
	if err != nil {
		return nil, err
	}

	tp := NewTracerProvider(exp, res)

	// Set the trace provider as the global trace provider.
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer(PACKAGE)

	// Context propagation for the OpenTelemetry SDK.
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp, nil
}

// Creates a trace provider wired to the Jaeger exporter. Span processors hang
// off it and associate every event with this service instance.
func NewTracerProvider(exp *jaeger.Exporter, res *resource.Resource) *tracesdk.TracerProvider {
	return tracesdk.NewTracerProvider(
		tracesdk.WithSampler(tracesdk.AlwaysSample()),
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
	)
}

// Creates Jaeger exporter.
func NewJaegerExporter(url string) (*jaeger.Exporter, error) {
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(url)))
	if err != nil {
		return nil, err
	}

	return exp, nil
}

// Creates a new resource to identify the service instance.
func NewResource(id string) (*resource.Resource, error) {
	if id == "" {
		generated, err := uuid.NewRandom()
		if err != nil {
			return nil, err
		}
		id = generated.String()
	}

	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(PACKAGE),
		attribute.String("ID", id),
	), nil
}
