// Package telemetry wires the supervisor's ambient tracing and metrics: an
// otel TracerProvider exporting spans to one of otlphttp/jaeger/zipkin (or
// nowhere, in "none" mode), and a set of prometheus gauges/counters scraped
// over /metrics. Neither concern is part of spec.md's explicit scope, but
// every long-running component in the corpus this supervisor is built from
// carries both (internal/domain/agent/react/tracing.go for spans,
// internal/observability/context_metrics_test.go for the metrics
// constructor idiom) — an ambient stack concern, not a feature.
package telemetry

import (
	"context"
	"fmt"

	prometheusclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/logging"
)

const (
	traceScope = "sandboxd"

	traceSpanContainerStart = "sandboxd.container.start"
	traceSpanToolsFetch     = "sandboxd.tools.fetch"
	traceSpanProxyRequest   = "sandboxd.proxy.request"

	traceAttrMCPID   = "sandboxd.mcp_id"
	traceAttrMCPType = "sandboxd.mcp_type"
	traceAttrStatus  = "sandboxd.status"
	traceAttrMethod  = "sandboxd.method"
)

// Exporter names accepted by config.Config.TelemetryExporter.
const (
	ExporterNone     = "none"
	ExporterOTLPHTTP = "otlphttp"
	ExporterJaeger   = "jaeger"
	ExporterZipkin   = "zipkin"
)

// Provider owns the process-wide TracerProvider and MeterProvider and holds
// both open for Shutdown. A "none" exporter still installs a
// TracerProvider (with no exporter attached) so span-recording call sites
// never need a nil check.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
	mp     *sdkmetric.MeterProvider
	spans  metric.Int64Counter
	logger logging.Logger
}

// NewProvider builds the TracerProvider for exporter ("none", "otlphttp",
// "jaeger", or "zipkin") and endpoint (ignored for "none"), and installs it
// as the global otel provider, mirroring the teacher's "construct once at
// startup, hand the span-start helper a shared tracer" pattern. It also
// builds a MeterProvider bridged into reg via otel's prometheus exporter,
// so otel-native instruments (the spans-started counter below) are scraped
// on the same /metrics endpoint telemetry.Metrics' client_golang
// collectors are registered against.
func NewProvider(ctx context.Context, exporter, endpoint string, reg *prometheusclient.Registry) (*Provider, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", "sandboxd"),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	switch exporter {
	case "", ExporterNone:
		// No exporter attached: spans are created and recorded in-process
		// but never shipped anywhere. Still useful for RecordError/SetStatus
		// logic exercised by tests and local debugging.
	case ExporterOTLPHTTP:
		exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("telemetry: build otlphttp exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	case ExporterJaeger:
		exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
		if err != nil {
			return nil, fmt.Errorf("telemetry: build jaeger exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	case ExporterZipkin:
		exp, err := zipkin.New(endpoint)
		if err != nil {
			return nil, fmt.Errorf("telemetry: build zipkin exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	default:
		return nil, fmt.Errorf("telemetry: unknown exporter %q", exporter)
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	metricExp, err := otelprometheus.New(otelprometheus.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build prometheus metric bridge: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(metricExp), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)

	spans, err := mp.Meter(traceScope).Int64Counter(
		"sandboxd.telemetry.spans_started",
		metric.WithDescription("Number of tracing spans started, by span name."),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build spans-started counter: %w", err)
	}

	logger := logging.NewComponentLogger("telemetry")
	logger.Info("tracing provider ready: exporter=%s", exporterOrNone(exporter))

	return &Provider{tp: tp, tracer: tp.Tracer(traceScope), mp: mp, spans: spans, logger: logger}, nil
}

func exporterOrNone(exporter string) string {
	if exporter == "" {
		return ExporterNone
	}
	return exporter
}

// Shutdown flushes and closes every registered span exporter and the
// metric bridge.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	err := p.tp.Shutdown(ctx)
	if p.mp != nil {
		if mErr := p.mp.Shutdown(ctx); mErr != nil && err == nil {
			err = mErr
		}
	}
	if p.logger != nil {
		if err != nil {
			p.logger.Warn("tracing provider shutdown: %v", err)
		} else {
			p.logger.Info("tracing provider shut down")
		}
	}
	return err
}

// StartContainerSpan starts a span around a single MCP's container
// start/attach sequence (C2/C3), per tracing.go's startReactSpan shape.
func (p *Provider) StartContainerSpan(ctx context.Context, mcpID, mcpType string) (context.Context, trace.Span) {
	return p.start(ctx, traceSpanContainerStart, attribute.String(traceAttrMCPID, mcpID), attribute.String(traceAttrMCPType, mcpType))
}

// StartToolsFetchSpan starts a span around a wrapper's tools/list fetch.
func (p *Provider) StartToolsFetchSpan(ctx context.Context, mcpID string) (context.Context, trace.Span) {
	return p.start(ctx, traceSpanToolsFetch, attribute.String(traceAttrMCPID, mcpID))
}

// StartProxyRequestSpan starts a span around one C8 proxy request.
func (p *Provider) StartProxyRequestSpan(ctx context.Context, mcpID, method string) (context.Context, trace.Span) {
	return p.start(ctx, traceSpanProxyRequest, attribute.String(traceAttrMCPID, mcpID), attribute.String(traceAttrMethod, method))
}

func (p *Provider) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(traceScope)
	if p != nil && p.tracer != nil {
		tracer = p.tracer
	}
	if p != nil && p.spans != nil {
		p.spans.Add(ctx, 1, metric.WithAttributes(attribute.String("span_name", name)))
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartProxyRequestSpanFrom starts a C8 proxy-request span against the
// process-wide global tracer (installed by NewProvider, or otel's no-op
// default if telemetry was never initialized — e.g. in package tests).
// Callers that don't hold a *Provider reference, like internal/httpapi, use
// this instead of the Provider method.
func StartProxyRequestSpanFrom(ctx context.Context, mcpID, method string) (context.Context, trace.Span) {
	return otel.Tracer(traceScope).Start(ctx, traceSpanProxyRequest,
		trace.WithAttributes(attribute.String(traceAttrMCPID, mcpID), attribute.String(traceAttrMethod, method)))
}

// MarkSpanResult records err (if any) onto span and sets its final status,
// matching tracing.go's markSpanResult exactly: RecordError+SetStatus(Error)
// on failure, SetStatus(Ok) on success, both tagged with a status attribute.
func MarkSpanResult(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(traceAttrStatus, "error"))
		return
	}
	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attribute.String(traceAttrStatus, "success"))
}
