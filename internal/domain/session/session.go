// Package session defines the review session, its stage pointer and the
// immutable per-stage output records.
package session

import (
	"encoding/json"
	"time"
)

// Session is a single review run over one folder of documents.
type Session struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	SourceDir   string `json:"source_dir"`
	ChecklistID string `json:"checklist_id"`
	// Stage is the last stage whose output was committed.
	Stage Stage `json:"stage"`
	// FatalError is set when a session-level failure halts the pipeline;
	// it must be cleared before the session can advance.
	FatalError string        `json:"fatal_error,omitempty"`
	Archived   bool          `json:"archived"`
	Version    int           `json:"version"`
	Outputs    []StageOutput `json:"outputs,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// OutputStatus is the outcome recorded in a StageOutput.
type OutputStatus string

const (
	OutputSucceeded      OutputStatus = "succeeded"
	OutputFailed         OutputStatus = "failed"
	OutputCancelled      OutputStatus = "cancelled"
	OutputAwaitingReview OutputStatus = "awaiting_review"
)

// Counts summarizes per-item outcomes in a stage.
type Counts struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped,omitempty"`
	Cancelled int `json:"cancelled,omitempty"`
}

// StageOutput is an immutable, append-only record of one stage execution.
type StageOutput struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Stage     Stage           `json:"stage"`
	Seq       int             `json:"seq"`
	Status    OutputStatus    `json:"status"`
	Counts    Counts          `json:"counts"`
	Error     string          `json:"error,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Latest returns the most recent output recorded for stage.
func (s *Session) Latest(stage Stage) (StageOutput, bool) {
	for i := len(s.Outputs) - 1; i >= 0; i-- {
		if s.Outputs[i].Stage == stage {
			return s.Outputs[i], true
		}
	}
	return StageOutput{}, false
}

// LatestCommitted returns the most recent output for stage that may feed the
// next stage, skipping failed and cancelled attempts.
func (s *Session) LatestCommitted(stage Stage) (StageOutput, bool) {
	for i := len(s.Outputs) - 1; i >= 0; i-- {
		o := s.Outputs[i]
		if o.Stage == stage && (o.Status == OutputSucceeded || o.Status == OutputAwaitingReview) {
			return o, true
		}
	}
	return StageOutput{}, false
}

// History returns every output for stage, oldest first.
func (s *Session) History(stage Stage) []StageOutput {
	var out []StageOutput
	for _, o := range s.Outputs {
		if o.Stage == stage {
			out = append(out, o)
		}
	}
	return out
}

// NextSeq returns the sequence number for the next appended output.
func (s *Session) NextSeq() int {
	if len(s.Outputs) == 0 {
		return 1
	}
	return s.Outputs[len(s.Outputs)-1].Seq + 1
}

// Summary is a session without its output payloads, for listings.
func (s *Session) Summary() Session {
	c := *s
	c.Outputs = nil
	return c
}

// OutputBySeq returns the output with the given sequence number.
func (s *Session) OutputBySeq(seq int) (StageOutput, bool) {
	for _, o := range s.Outputs {
		if o.Seq == seq {
			return o, true
		}
	}
	return StageOutput{}, false
}
