// Package telemetry configures OpenTelemetry tracing for the gateway.
package telemetry

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.25.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"frontdoor/pkg/config"
)

const (
	defaultService  = "frontdoor"
	instrumentation = "frontdoor"
)

// Init installs the global tracer provider. Without an endpoint spans stay in
// process. An exporter that fails to start is fatal only when cfg.Required.
func Init(ctx context.Context, cfg config.TracingConfig, serviceName string, logger *zap.Logger) (func(context.Context) error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []trace.TracerProviderOption{
		trace.WithResource(serviceResource(serviceName)),
		trace.WithSampler(parseSampler(cfg.Sampler, cfg.SamplerArg)),
	}
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		exporter, err := otlptracehttp.New(ctx, exporterOptions(endpoint, cfg)...)
		switch {
		case err == nil:
			opts = append(opts, trace.WithBatcher(exporter))
		case cfg.Required:
			return nil, fmt.Errorf("otlp exporter %s: %w", endpoint, err)
		default:
			logger.Warn("span export disabled", zap.String("endpoint", endpoint), zap.Error(err))
		}
	}
	tp := trace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp.Shutdown, nil
}

func serviceResource(name string) *resource.Resource {
	if name = strings.TrimSpace(name); name == "" {
		name = defaultService
	}
	// On a schema URL conflict Merge still returns the combined attributes.
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(name)))
	return res
}

func exporterOptions(endpoint string, cfg config.TracingConfig) []otlptracehttp.Option {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithTimeout(timeout)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if headers := parseHeaders(cfg.Headers); len(headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(headers))
	}
	return opts
}

// parseSampler maps the OTEL_TRACES_SAMPLER names. The ratio is clamped to
// [0,1] and defaults to 1.
func parseSampler(name, arg string) trace.Sampler {
	ratio := 1.0
	if v, err := strconv.ParseFloat(strings.TrimSpace(arg), 64); err == nil {
		ratio = math.Min(1, math.Max(0, v))
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "always_on":
		return trace.AlwaysSample()
	case "always_off":
		return trace.NeverSample()
	case "traceidratio":
		return trace.TraceIDRatioBased(ratio)
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(ratio))
	}
}

// HTTPMiddleware opens a server span per inbound request.
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		serviceName = defaultService
	}
	return otelhttp.NewMiddleware(serviceName)
}

// Start opens an internal span on the global tracer provider.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// End marks span failed when err is set, then ends it.
func End(span oteltrace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// parseHeaders reads the k=v,k=v form used by OTEL_EXPORTER_OTLP_HEADERS.
func parseHeaders(raw string) map[string]string {
	var out map[string]string
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(part, "=")
		if k = strings.TrimSpace(k); !ok || k == "" {
			continue
		}
		if out == nil {
			out = map[string]string{}
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}
