package service

import (
	"context"
	"time"

	"github.com/Strob0t/ReviewForge/internal/domain/llm"
	"github.com/Strob0t/ReviewForge/internal/domain/session"
)

// Telemetry records traces and metrics for pipeline work.
type Telemetry interface {
	// StartStage opens a span for one stage run. The returned func ends it
	// with the output status, or the error when no output was written.
	StartStage(ctx context.Context, sessionID string, stage session.Stage) (context.Context, func(status session.OutputStatus, err error))
	// DocumentExtracted counts one per-document extraction outcome.
	DocumentExtracted(ctx context.Context, r session.DocumentResult)
	// LLMCall records one backend attempt.
	LLMCall(ctx context.Context, backend string, kind llm.Kind, d time.Duration)
}

type noopTelemetry struct{}

func (noopTelemetry) StartStage(ctx context.Context, _ string, _ session.Stage) (context.Context, func(session.OutputStatus, error)) {
	return ctx, func(session.OutputStatus, error) {}
}
func (noopTelemetry) DocumentExtracted(context.Context, session.DocumentResult) {}
func (noopTelemetry) LLMCall(context.Context, string, llm.Kind, time.Duration) {}
