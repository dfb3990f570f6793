package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Strob0t/ReviewForge/internal/domain/session"
	"github.com/Strob0t/ReviewForge/internal/port/broadcast"
	"github.com/Strob0t/ReviewForge/internal/port/messagequeue"
)

// Events publishes session lifecycle events. With a queue, events go to
// NATS and Bridge relays them to live clients; without one they go to the
// broadcaster directly. A nil *Events drops everything.
type Events struct {
	queue messagequeue.Queue
	hub   broadcast.Broadcaster
}

// NewEvents creates an event publisher. Either argument may be nil.
func NewEvents(queue messagequeue.Queue, hub broadcast.Broadcaster) *Events {
	return &Events{queue: queue, hub: hub}
}

func (e *Events) emit(ctx context.Context, sessionID, subject string, payload any) {
	if e == nil {
		return
	}
	if e.queue != nil {
		data, err := json.Marshal(payload)
		if err == nil {
			err = e.queue.Publish(ctx, subject, data)
		}
		if err == nil {
			return
		}
		slog.WarnContext(ctx, "event publish failed, broadcasting directly", "subject", subject, "error", err)
	}
	if e.hub != nil {
		e.hub.BroadcastEvent(ctx, sessionID, subject, payload)
	}
}

// Bridge forwards every queued session event to the broadcaster. The
// returned func stops forwarding.
func (e *Events) Bridge(ctx context.Context) (func(), error) {
	if e == nil || e.queue == nil || e.hub == nil {
		return func() {}, nil
	}
	cancel, err := e.queue.Subscribe(ctx, messagequeue.SubjectAll, func(ctx context.Context, subject string, data []byte) error {
		var scope struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(data, &scope); err != nil {
			slog.WarnContext(ctx, "dropping malformed session event", "subject", subject, "error", err)
			return nil
		}
		e.hub.BroadcastEvent(ctx, scope.SessionID, subject, json.RawMessage(data))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", messagequeue.SubjectAll, err)
	}
	return cancel, nil
}

func (e *Events) sessionCreated(ctx context.Context, s *session.Session) {
	e.emit(ctx, s.ID, messagequeue.SubjectSessionCreated, messagequeue.SessionCreatedPayload{
		SessionID:   s.ID,
		Name:        s.Name,
		ChecklistID: s.ChecklistID,
	})
}

func (e *Events) stageStarted(ctx context.Context, sessionID string, stage session.Stage) {
	e.emit(ctx, sessionID, messagequeue.SubjectStageStarted, messagequeue.StagePayload{SessionID: sessionID, Stage: string(stage)})
}

func (e *Events) stageFinished(ctx context.Context, out *session.StageOutput) {
	subject := messagequeue.SubjectStageCommitted
	if out.Status == session.OutputFailed {
		subject = messagequeue.SubjectStageFailed
	}
	e.emit(ctx, out.SessionID, subject, messagequeue.StagePayload{
		SessionID: out.SessionID,
		Stage:     string(out.Stage),
		Seq:       out.Seq,
		Status:    string(out.Status),
		Total:     out.Counts.Total,
		Succeeded: out.Counts.Succeeded,
		Failed:    out.Counts.Failed,
		Error:     out.Error,
	})
}

func (e *Events) documentResult(ctx context.Context, sessionID string, r session.DocumentResult) {
	e.emit(ctx, sessionID, messagequeue.SubjectDocumentResult, messagequeue.DocumentResultPayload{
		SessionID:  sessionID,
		DocumentID: r.DocumentID,
		Status:     string(r.Status),
		Attempts:   r.Attempts,
		ErrorKind:  string(r.ErrorKind),
		Evidence:   r.EvidenceCount,
	})
}

func (e *Events) reviewSubmitted(ctx context.Context, sessionID string, d *session.ReviewDecision) {
	e.emit(ctx, sessionID, messagequeue.SubjectReviewSubmitted, messagequeue.ReviewSubmittedPayload{
		SessionID: sessionID,
		Action:    string(d.Action),
		Target:    string(d.Target),
		Reviewer:  d.Reviewer,
	})
}
