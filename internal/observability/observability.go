// Package observability configures OpenTelemetry tracing and provides the
// span helpers used around workflow executions, steps and agent calls.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// DefaultServiceName is the service name reported when none is configured.
const DefaultServiceName = "conductor"

var (
	mu             sync.RWMutex
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
)

// Config holds tracing configuration.
type Config struct {
	ServiceName string `yaml:"service_name"`
	Enabled     bool   `yaml:"enabled"`
	// Exporter is "otlp", "stdout" or "none".
	Exporter string            `yaml:"exporter"`
	Endpoint string            `yaml:"endpoint"`
	Headers  map[string]string `yaml:"headers"`
	Insecure bool              `yaml:"insecure"`
}

// ApplyEnv overrides fields from the standard OpenTelemetry variables:
// OTEL_SERVICE_NAME, OTEL_TRACES_EXPORTER, OTEL_EXPORTER_OTLP_ENDPOINT and
// OTEL_EXPORTER_OTLP_HEADERS ("k1=v1,k2=v2"). OTEL_TRACES_ENABLED=true
// enables tracing.
func (c Config) ApplyEnv() Config {
	if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
	if v := os.Getenv("OTEL_TRACES_ENABLED"); v != "" {
		c.Enabled = v == "true"
	}
	if v := os.Getenv("OTEL_TRACES_EXPORTER"); v != "" {
		c.Exporter = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Endpoint = v
	}
	if h := parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")); len(h) > 0 {
		if c.Headers == nil {
			c.Headers = make(map[string]string, len(h))
		}
		for k, v := range h {
			c.Headers[k] = v
		}
	}
	return c
}

// Init installs a global tracer provider. A disabled config or the "none"
// exporter leaves the no-op provider in place.
func Init(cfg Config) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
	if !cfg.Enabled || cfg.Exporter == "none" || cfg.Exporter == "" {
		slog.Debug("tracing disabled")
		setTracer(otel.GetTracerProvider().Tracer(cfg.ServiceName), nil)
		return nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracehttp.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err = otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
		if err != nil {
			return fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		slog.Info("tracing initialized", "exporter", "otlp", "endpoint", cfg.Endpoint)

	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		slog.Info("tracing initialized", "exporter", "stdout")

	default:
		return fmt.Errorf("unknown exporter type: %s", cfg.Exporter)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	setTracer(tp.Tracer(cfg.ServiceName), tp)
	return nil
}

// UseTracerProvider installs tp for this package without touching the
// global provider. Shutdown will not close it.
func UseTracerProvider(tp trace.TracerProvider) {
	setTracer(tp.Tracer(DefaultServiceName), nil)
}

func setTracer(t trace.Tracer, tp *sdktrace.TracerProvider) {
	mu.Lock()
	defer mu.Unlock()
	tracer = t
	tracerProvider = tp
}

func currentTracer() trace.Tracer {
	mu.RLock()
	t := tracer
	mu.RUnlock()
	if t == nil {
		return otel.GetTracerProvider().Tracer(DefaultServiceName)
	}
	return t
}

// Shutdown flushes and stops the provider installed by Init.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	tp := tracerProvider
	tracerProvider = nil
	mu.Unlock()

	if tp == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return tp.Shutdown(ctx)
}

// StartSpan starts a span with the package tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return currentTracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartWorkflowSpan starts the root span of a workflow execution.
func StartWorkflowSpan(ctx context.Context, workflowID, pattern, executionID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "workflow."+workflowID,
		attribute.String("workflow.id", workflowID),
		attribute.String("workflow.pattern", pattern),
		attribute.String("workflow.execution_id", executionID),
	)
}

// StartStepSpan starts the span of one workflow step.
func StartStepSpan(ctx context.Context, stepID, agentName, action string) (context.Context, trace.Span) {
	return StartSpan(ctx, "step."+stepID,
		attribute.String("step.id", stepID),
		attribute.String("agent.name", agentName),
		attribute.String("agent.action", action),
	)
}

// StartAgentSpan starts the span of one agent Process call.
func StartAgentSpan(ctx context.Context, agentName, action, messageID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "agent."+agentName,
		attribute.String("agent.name", agentName),
		attribute.String("agent.action", action),
		attribute.String("message.id", messageID),
	)
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Attribute converts a loosely typed value into a span attribute.
func Attribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	case []string:
		return attribute.StringSlice(key, v)
	case time.Duration:
		return attribute.Int64(key, v.Milliseconds())
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}

func parseHeaders(s string) map[string]string {
	if s == "" {
		return nil
	}
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" {
			continue
		}
		headers[k] = v
	}
	return headers
}
