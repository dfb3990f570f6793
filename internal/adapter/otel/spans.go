package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Strob0t/ReviewForge/internal/domain/llm"
	"github.com/Strob0t/ReviewForge/internal/domain/session"
)

const tracerName = "reviewforge"

// Telemetry records stage spans and pipeline metrics.
type Telemetry struct {
	tracer  trace.Tracer
	meter   metric.Meter
	metrics *Metrics
}

// NewTelemetry uses the global providers installed by Setup.
func NewTelemetry() (*Telemetry, error) {
	return NewTelemetryWith(otel.GetTracerProvider(), otel.GetMeterProvider())
}

// NewTelemetryWith uses explicit providers.
func NewTelemetryWith(tp trace.TracerProvider, mp metric.MeterProvider) (*Telemetry, error) {
	meter := mp.Meter(meterName)
	m, err := NewMetrics(meter)
	if err != nil {
		return nil, err
	}
	return &Telemetry{tracer: tp.Tracer(tracerName), meter: meter, metrics: m}, nil
}

func (t *Telemetry) StartStage(ctx context.Context, sessionID string, stage session.Stage) (context.Context, func(session.OutputStatus, error)) {
	stageAttr := attribute.String("stage", string(stage))
	ctx, span := t.tracer.Start(ctx, "stage."+string(stage),
		trace.WithAttributes(attribute.String("session.id", sessionID), stageAttr))
	t.metrics.StagesStarted.Add(ctx, 1, metric.WithAttributes(stageAttr))
	start := time.Now()

	return ctx, func(status session.OutputStatus, err error) {
		if status == "" {
			status = "error"
		}
		statusAttr := attribute.String("status", string(status))
		span.SetAttributes(statusAttr)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		attrs := metric.WithAttributes(stageAttr, statusAttr)
		t.metrics.StagesFinished.Add(ctx, 1, attrs)
		t.metrics.StageDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
}

func (t *Telemetry) DocumentExtracted(ctx context.Context, r session.DocumentResult) {
	attrs := []attribute.KeyValue{attribute.String("status", string(r.Status))}
	if r.ErrorKind != "" {
		attrs = append(attrs, attribute.String("error.kind", string(r.ErrorKind)))
	}
	t.metrics.DocumentsExtracted.Add(ctx, 1, metric.WithAttributes(attrs...))
	trace.SpanFromContext(ctx).AddEvent("document", trace.WithAttributes(
		attribute.String("document.id", r.DocumentID),
		attribute.String("status", string(r.Status)),
		attribute.Int("attempts", r.Attempts),
		attribute.Int("evidence", r.EvidenceCount),
	))
}

func (t *Telemetry) LLMCall(ctx context.Context, backend string, kind llm.Kind, d time.Duration) {
	result := string(kind)
	if result == "" {
		result = "ok"
	}
	attrs := metric.WithAttributes(attribute.String("backend", backend), attribute.String("result", result))
	t.metrics.LLMCalls.Add(ctx, 1, attrs)
	t.metrics.LLMDuration.Record(ctx, d.Seconds(), attrs)
}
