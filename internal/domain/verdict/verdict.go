// Package verdict defines per-requirement coverage verdicts, the flags
// attached to them and the reviewer corrections that override them.
package verdict

import (
	"fmt"
	"time"

	"github.com/Strob0t/ReviewForge/internal/domain"
)

// Status is a requirement's coverage verdict.
type Status string

const (
	StatusCovered    Status = "covered"
	StatusPartial    Status = "partial"
	StatusMissing    Status = "missing"
	StatusNotStarted Status = "not_started"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCovered, StatusPartial, StatusMissing, StatusNotStarted:
		return true
	}
	return false
}

// FlagCode identifies why a requirement or session needs attention.
type FlagCode string

const (
	FlagConflict               FlagCode = "conflict"
	FlagDateMismatch           FlagCode = "date_mismatch"
	FlagFieldMismatch          FlagCode = "field_mismatch"
	FlagInsufficientEvidence   FlagCode = "insufficient_evidence"
	FlagSourceExtractionFailed FlagCode = "source_extraction_failed"
	FlagNeedsReview            FlagCode = "needs_review"
	FlagLowConfidence          FlagCode = "low_confidence"
)

// Flag is an issue surfaced for human attention.
type Flag struct {
	Code        FlagCode `json:"code"`
	Message     string   `json:"message"`
	Field       string   `json:"field,omitempty"`
	DocumentIDs []string `json:"document_ids,omitempty"`
	EvidenceIDs []string `json:"evidence_ids,omitempty"`
}

// Result is the computed verdict for one requirement.
type Result struct {
	RequirementID string   `json:"requirement_id"`
	CategoryID    string   `json:"category_id"`
	Status        Status   `json:"status"`
	Confidence    float64  `json:"confidence"`
	Value         string   `json:"value,omitempty"`
	EvidenceIDs   []string `json:"evidence_ids"`
	Flags         []Flag   `json:"flags,omitempty"`
}

// HasFlag reports whether r carries a flag with the given code.
func (r *Result) HasFlag(code FlagCode) bool {
	for _, f := range r.Flags {
		if f.Code == code {
			return true
		}
	}
	return false
}

// Correction is a reviewer override of a computed verdict. Corrections are
// appended to history and applied as an overlay; they never rewrite it.
type Correction struct {
	RequirementID string    `json:"requirement_id"`
	Status        Status    `json:"status"`
	Value         string    `json:"value,omitempty"`
	Reason        string    `json:"reason"`
	Reviewer      string    `json:"reviewer,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Validate checks a correction's required fields.
func (c *Correction) Validate() error {
	if c.RequirementID == "" {
		return fmt.Errorf("correction requirement_id is required: %w", domain.ErrValidation)
	}
	if !c.Status.Valid() {
		return fmt.Errorf("correction status %q is invalid: %w", c.Status, domain.ErrValidation)
	}
	if c.Reason == "" {
		return fmt.Errorf("correction for %s needs a reason: %w", c.RequirementID, domain.ErrValidation)
	}
	return nil
}
