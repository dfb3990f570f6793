package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "reviewforge"

// Metrics holds the pipeline's metric instruments.
type Metrics struct {
	StagesStarted      metric.Int64Counter
	StagesFinished     metric.Int64Counter
	DocumentsExtracted metric.Int64Counter
	LLMCalls           metric.Int64Counter
	StageDuration      metric.Float64Histogram
	LLMDuration        metric.Float64Histogram
}

// NewMetrics creates all metric instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.StagesStarted, err = meter.Int64Counter("reviewforge.stages.started",
		metric.WithDescription("Number of stage runs started"))
	if err != nil {
		return nil, err
	}

	m.StagesFinished, err = meter.Int64Counter("reviewforge.stages.finished",
		metric.WithDescription("Number of stage runs finished, by output status"))
	if err != nil {
		return nil, err
	}

	m.DocumentsExtracted, err = meter.Int64Counter("reviewforge.documents.extracted",
		metric.WithDescription("Per-document extraction outcomes"))
	if err != nil {
		return nil, err
	}

	m.LLMCalls, err = meter.Int64Counter("reviewforge.llm.calls",
		metric.WithDescription("LLM backend attempts, by backend and error kind"))
	if err != nil {
		return nil, err
	}

	m.StageDuration, err = meter.Float64Histogram("reviewforge.stage.duration_seconds",
		metric.WithDescription("Stage run duration in seconds"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	m.LLMDuration, err = meter.Float64Histogram("reviewforge.llm.duration_seconds",
		metric.WithDescription("LLM attempt duration in seconds"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// CacheLookups reports cumulative extraction cache lookups by result
// (l1_hit, l2_hit, miss, l2_error).
type CacheLookups func() map[string]int64

// ObserveCache registers an observable counter read from lookups at each
// collection.
func (t *Telemetry) ObserveCache(lookups CacheLookups) error {
	_, err := t.meter.Int64ObservableCounter("reviewforge.cache.lookups",
		metric.WithDescription("Extraction cache lookups, by result"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			for result, n := range lookups() {
				o.Observe(n, metric.WithAttributes(attribute.String("result", result)))
			}
			return nil
		}))
	return err
}
