// Package otel wires OpenTelemetry tracing for cloud labs processes.
package otel

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	envEnabled     = "CLOUDLABS_OTEL_ENABLED"
	envEndpoint    = "CLOUDLABS_OTEL_ENDPOINT"
	envSampleRatio = "CLOUDLABS_OTEL_SAMPLE_RATIO"
)

// Setup initialises OpenTelemetry tracing for the given service.
//
// Tracing is opt-in: when CLOUDLABS_OTEL_ENDPOINT is empty or
// CLOUDLABS_OTEL_ENABLED is "false", Setup returns a no-op shutdown function
// and no global provider is registered. CLOUDLABS_OTEL_SAMPLE_RATIO selects a
// parent-based ratio sampler; it defaults to sampling everything.
func Setup(ctx context.Context, serviceName string) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	if strings.EqualFold(os.Getenv(envEnabled), "false") {
		return noop, nil
	}
	endpoint := strings.TrimSpace(os.Getenv(envEndpoint))
	if endpoint == "" {
		return noop, nil
	}

	sampler, err := samplerFromEnv()
	if err != nil {
		return noop, err
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return noop, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}

func samplerFromEnv() (sdktrace.Sampler, error) {
	raw := strings.TrimSpace(os.Getenv(envSampleRatio))
	if raw == "" {
		return sdktrace.AlwaysSample(), nil
	}
	ratio, err := strconv.ParseFloat(raw, 64)
	if err != nil || ratio < 0 || ratio > 1 {
		return nil, fmt.Errorf("%s must be a number between 0 and 1, got %q", envSampleRatio, raw)
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio)), nil
}

// SpanIdentifiers returns the trace and span ids of the span in ctx, or empty
// strings when ctx carries no valid span.
func SpanIdentifiers(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}
