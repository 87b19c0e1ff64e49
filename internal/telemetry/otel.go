package telemetry

import (
	"context"
	"errors"
	"log"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTracer is nil unless tracing has been enabled.
var DefaultTracer trace.Tracer = nil

// SetupOTelSDK bootstraps the OpenTelemetry pipeline, exporting spans to outfile.
// If it does not return an error, make sure to call shutdown for proper cleanup.
func SetupOTelSDK(ctx context.Context, outfile string) (shutdown func(context.Context) error, err error) {
	var shutdownFuncs []func(context.Context) error

	// shutdown calls cleanup functions registered via shutdownFuncs.
	// The errors from the calls are joined.
	// Each registered cleanup will be invoked once.
	shutdown = func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		DefaultTracer = nil
		return err
	}

	handleErr := func(inErr error) {
		err = errors.Join(inErr, shutdown(ctx))
	}

	otel.SetTextMapPropagator(newPropagator())

	f, err := os.Create(outfile)
	if err != nil {
		handleErr(err)
		return
	}
	shutdownFuncs = append(shutdownFuncs, func(context.Context) error { return f.Close() })

	tracerProvider, err := newTraceProvider(f)
	if err != nil {
		handleErr(err)
		return
	}
	// the provider must be flushed before the file is closed
	shutdownFuncs = append([]func(context.Context) error{tracerProvider.Shutdown}, shutdownFuncs...)
	otel.SetTracerProvider(tracerProvider)

	DefaultTracer = tracerProvider.Tracer("github.com/serverledge-faas/offloadge")
	log.Printf("Tracing enabled (output: %s)\n", outfile)

	return
}

func newPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

func newTraceProvider(f *os.File) (*sdktrace.TracerProvider, error) {
	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(f))
	if err != nil {
		return nil, err
	}

	traceProvider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter))
	return traceProvider, nil
}
