package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"trapline/internal/config"
)

// Provider manages OpenTelemetry tracing for the capture pipeline.
// There is no standalone telemetry.Config: the Supervisor builds a
// Provider straight from config.TelemetryConfig, the same struct
// config.Load already parses and applies environment overrides to, so
// there is exactly one place exporter/endpoint settings are read from.
type Provider struct {
	config   config.TelemetryConfig
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider creates a new telemetry provider
func NewProvider(cfg config.TelemetryConfig) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			config: cfg,
			tracer: otel.Tracer("trapline"),
		}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "trapline"
	}

	slog.Info("creating exporter", "type", cfg.Exporter)

	// Create exporter based on config
	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		slog.Debug("creating OTLP exporter")
		exporter, err = createOTLPExporter(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("OTLP exporter initialized", "endpoint", cfg.Endpoint)
	case "stdout":
		slog.Debug("creating stdout exporter")
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			slog.Error("stdout exporter creation failed", "error", err)
			return nil, err
		}
		slog.Info("stdout trace exporter initialized")
	default:
		// No exporter - tracing disabled
		return &Provider{
			config: cfg,
			tracer: otel.Tracer("trapline"),
		}, nil
	}

	// Create simple trace provider without resource (avoids schema version conflicts)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter), // Use sync exporter for simplicity
	)

	// Set as global provider
	otel.SetTracerProvider(tp)

	return &Provider{
		config:   cfg,
		tracer:   tp.Tracer("trapline"),
		provider: tp,
	}, nil
}

// createOTLPExporter creates an OTLP gRPC exporter
func createOTLPExporter(cfg config.TelemetryConfig) (sdktrace.SpanExporter, error) {
	ctx := context.Background()

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}

	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the tracer for creating spans
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown gracefully shuts down the trace provider
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// Enabled returns whether telemetry is enabled
func (p *Provider) Enabled() bool {
	return p.config.Enabled && p.provider != nil
}

// Span and event attributes. Everything traces the capture pipeline
// (Enrich, then Bus.Publish, then sinks), not the emulators' wire
// protocols themselves: a single attribute set covers captures from
// any service.
const (
	AttrSessionID  = "trapline.session.id"
	AttrService    = "trapline.service"
	AttrEventType  = "trapline.event.type"
	AttrClientAddr = "trapline.client.addr"
	AttrRiskScore  = "trapline.risk.score"
	AttrRiskLevel  = "trapline.risk.level"
	AttrBytesIn    = "trapline.bytes.in"
	AttrBytesOut   = "trapline.bytes.out"
	AttrEventCount = "trapline.event.count"
	AttrDurationMs = "trapline.duration.ms"
	AttrCause      = "trapline.session.cause"
	AttrSinkName   = "trapline.sink.name"
)

// StartCaptureSpan starts a span around one capture's trip through
// Enrich and Bus.Publish. service and eventType are the raw capture
// fields; sourceIP is the attacker's address.
func (p *Provider) StartCaptureSpan(ctx context.Context, service, eventType, sourceIP string) (context.Context, trace.Span) {
	ctx, span := p.tracer.Start(ctx, "capture.publish",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrService, service),
			attribute.String(AttrEventType, eventType),
			attribute.String(AttrClientAddr, sourceIP),
		),
	)
	return ctx, span
}

// EndCaptureSpan closes a capture span with the enrichment's risk
// verdict and any publish error (e.g. every durable sink timed out).
func (p *Provider) EndCaptureSpan(span trace.Span, riskScore int, riskLevel string, err error) {
	span.SetAttributes(
		attribute.Int(AttrRiskScore, riskScore),
		attribute.String(AttrRiskLevel, riskLevel),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// RecordSinkDropped records a sink dropping a capture under
// backpressure: durable sinks drop only after SendTimeout elapses,
// non-durable sinks (the Hub) drop immediately when their Bus queue is
// full.
func (p *Provider) RecordSinkDropped(ctx context.Context, sinkName string) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("sink.dropped",
		trace.WithAttributes(
			attribute.String(AttrSinkName, sinkName),
		),
	)
}

// RecordSessionOpened records a new attacker session being tracked by
// the session registry.
func (p *Provider) RecordSessionOpened(ctx context.Context, sessionID, service, clientAddr string) {
	_, span := p.tracer.Start(ctx, "session.opened",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrSessionID, sessionID),
			attribute.String(AttrService, service),
			attribute.String(AttrClientAddr, clientAddr),
		),
	)
	span.End()
}

// RecordSessionEnded records a session's final disposition (idle
// timeout or max duration, the only two causes the session registry's
// own sweep observes) along with the totals an auditor would want out
// of the Capture Log.
func (p *Provider) RecordSessionEnded(ctx context.Context, sessionID, service, cause string, durationMs int64, eventCount int, bytesIn, bytesOut int64) {
	_, span := p.tracer.Start(ctx, "session.record",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrSessionID, sessionID),
			attribute.String(AttrService, service),
			attribute.String(AttrCause, cause),
			attribute.Int64(AttrDurationMs, durationMs),
			attribute.Int(AttrEventCount, eventCount),
			attribute.Int64(AttrBytesIn, bytesIn),
			attribute.Int64(AttrBytesOut, bytesOut),
		),
	)
	span.End()

	slog.Info("session record exported",
		"session_id", sessionID,
		"service", service,
		"cause", cause,
		"duration_ms", durationMs,
		"events", eventCount,
		"bytes_in", bytesIn,
		"bytes_out", bytesOut,
	)
}

// RecordSessionForceClosed records a session the Supervisor force-
// closed at shutdown rather than one that ended on its own.
func (p *Provider) RecordSessionForceClosed(ctx context.Context, sessionID string) {
	_, span := p.tracer.Start(ctx, "session.force_closed",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrSessionID, sessionID),
		),
	)
	span.End()
}
