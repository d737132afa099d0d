// Package telemetry configures tracing and exposes span helpers shared by pipeline stages.
//
// Trace modes:
//   - off: nothing is sampled.
//   - errors: a low ratio of root traces is kept (at least 1%).
//   - sampled: root traces are kept at the configured ratio.
//   - detailed: everything is sampled and dependency spans (GitHub calls, reconcile runs)
//     are emitted in addition to HTTP spans.
package telemetry

import (
	"context"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// DefaultServiceName is reported when Config.ServiceName is empty.
const DefaultServiceName = "pr-leaderboard"

const (
	traceModeOff      = "off"
	traceModeErrors   = "errors"
	traceModeSampled  = "sampled"
	traceModeDetailed = "detailed"

	minErrorsRatio = 0.01
)

var knownTraceModes = map[string]string{
	traceModeOff:      traceModeOff,
	traceModeErrors:   traceModeErrors,
	traceModeSampled:  traceModeSampled,
	traceModeDetailed: traceModeDetailed,
}

var globalTraceMode atomic.Value

// Config configures OpenTelemetry tracing setup.
type Config struct {
	Enabled          bool
	ServiceName      string
	ServiceVersion   string
	TraceMode        string
	TraceSampleRatio float64
	// SpanProcessors receive every sampled span, e.g. an exporter pipeline or a test recorder.
	SpanProcessors []sdktrace.SpanProcessor
}

// Runtime contains initialized telemetry providers and lifecycle hooks.
type Runtime struct {
	TracerProvider *sdktrace.TracerProvider
	Shutdown       func(ctx context.Context) error
}

// Setup installs the global tracer provider and trace mode.
func Setup(cfg Config) (Runtime, error) {
	mode := normalizeTraceMode(cfg.TraceMode)
	if !cfg.Enabled {
		mode = traceModeOff
	}
	setTraceMode(mode)

	res, err := serviceResource(cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return Runtime{}, err
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(samplerForMode(mode, cfg.TraceSampleRatio)),
		sdktrace.WithResource(res),
	}
	for _, processor := range cfg.SpanProcessors {
		if processor != nil {
			opts = append(opts, sdktrace.WithSpanProcessor(processor))
		}
	}
	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)

	return Runtime{
		TracerProvider: provider,
		Shutdown:       provider.Shutdown,
	}, nil
}

func serviceResource(name, version string) (*resource.Resource, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultServiceName
	}
	attrs := resource.NewSchemaless(semconv.ServiceNameKey.String(name))
	if version = strings.TrimSpace(version); version != "" {
		attrs = resource.NewSchemaless(
			semconv.ServiceNameKey.String(name),
			semconv.ServiceVersionKey.String(version),
		)
	}
	return resource.Merge(resource.Default(), attrs)
}

func samplerForMode(mode string, ratio float64) sdktrace.Sampler {
	ratio = clampRatio(ratio)
	switch normalizeTraceMode(mode) {
	case traceModeOff:
		return sdktrace.NeverSample()
	case traceModeDetailed:
		return sdktrace.AlwaysSample()
	case traceModeErrors:
		ratio = max(ratio, minErrorsRatio)
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// TraceMode reports the configured global trace mode.
func TraceMode() string {
	mode, _ := globalTraceMode.Load().(string)
	if mode == "" {
		return traceModeOff
	}
	return mode
}

// ShouldTraceDependencies reports if detailed dependency spans should be emitted.
func ShouldTraceDependencies() bool {
	return TraceMode() == traceModeDetailed
}

// StartDependencySpan starts a span for a dependency call when detailed tracing is enabled.
// The returned span is nil otherwise; EndSpan accepts nil.
func StartDependencySpan(
	ctx context.Context,
	tracerName string,
	spanName string,
	opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	if !ShouldTraceDependencies() {
		return ctx, nil
	}
	return otel.Tracer(tracerName).Start(ctx, spanName, opts...)
}

// EndSpan records err on span, sets its status and ends it.
func EndSpan(span trace.Span, err error, okDescription string) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, okDescription)
	}
	span.End()
}

func setTraceMode(mode string) {
	globalTraceMode.Store(normalizeTraceMode(mode))
}

// normalizeTraceMode maps unknown or empty modes to sampled.
func normalizeTraceMode(mode string) string {
	if known, ok := knownTraceModes[strings.ToLower(strings.TrimSpace(mode))]; ok {
		return known
	}
	return traceModeSampled
}

func clampRatio(ratio float64) float64 {
	return min(max(ratio, 0), 1)
}
