// Package otelx wires the OTLP trace pipeline. With no endpoint it
// still installs a real SDK provider and the W3C propagators, so trace
// IDs flow through the edge into upstream requests even when nothing
// is exported.
package otelx

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/loveledger/edge/internal/xerrors"
)

type Options struct {
	Endpoint    string  // gRPC collector address, empty disables export
	Insecure    bool    // plaintext transport, fine for a same-host collector
	SampleRatio float64 // head sampling ratio, parent decision wins
	Service     string
	Version     string
}

// Init installs the global tracer provider and propagators. The
// returned shutdown flushes pending spans and is never nil, even on
// error.
func Init(ctx context.Context, o Options) (func(context.Context) error, error) {
	installPropagators()

	if o.Endpoint == "" {
		otel.SetTracerProvider(sdktrace.NewTracerProvider())
		return noShutdown, nil
	}

	exp, err := dialCollector(ctx, o)
	if err != nil {
		otel.SetTracerProvider(sdktrace.NewTracerProvider())
		return noShutdown, xerrors.Wrap(err, "otelx: dial collector")
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(o.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(buildResource(ctx, o)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func noShutdown(context.Context) error { return nil }

func dialCollector(ctx context.Context, o Options) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(o.Endpoint)}
	if o.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	// otlptracegrpc.New blocks with no timeout of its own. The collector
	// rides the same host, so three seconds covers the worst case.
	dctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return otlptracegrpc.New(dctx, opts...)
}

func buildResource(ctx context.Context, o Options) *resource.Resource {
	// detector failures leave a partial resource, which still serves
	r, _ := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithHost(),
		resource.WithProcessPID(),
		resource.WithAttributes(
			semconv.ServiceName(o.Service),
			semconv.ServiceVersion(o.Version),
		),
	)
	return r
}

func installPropagators() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}
