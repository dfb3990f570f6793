// Package evidence defines evidence excerpts extracted from documents.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Strob0t/ReviewForge/internal/domain"
)

// Assessment is the extractor's judgement of how well an excerpt supports a
// requirement.
type Assessment string

const (
	AssessSatisfied    Assessment = "satisfied"
	AssessPartial      Assessment = "partial"
	AssessInsufficient Assessment = "insufficient"
)

// Evidence is an immutable excerpt linking a document location to a
// requirement.
type Evidence struct {
	ID            string            `json:"id"`
	SessionID     string            `json:"session_id"`
	DocumentID    string            `json:"document_id"`
	RequirementID string            `json:"requirement_id"`
	Page          int               `json:"page,omitempty"`
	Section       string            `json:"section,omitempty"`
	Text          string            `json:"text"`
	Assessment    Assessment        `json:"assessment"`
	Confidence    float64           `json:"confidence"`
	Value         string            `json:"value,omitempty"`
	Fields        map[string]string `json:"fields,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// ComputeID derives a content-addressed ID so re-extracting the same excerpt
// yields the same identity.
func ComputeID(sessionID, documentID, requirementID string, page int, text string) string {
	h := sha256.New()
	for _, part := range []string{sessionID, documentID, requirementID, strconv.Itoa(page), strings.TrimSpace(text)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return "ev-" + hex.EncodeToString(h.Sum(nil)[:10])
}

// Validate checks required fields and value ranges.
func (e *Evidence) Validate() error {
	if e.DocumentID == "" || e.RequirementID == "" {
		return fmt.Errorf("evidence needs document_id and requirement_id: %w", domain.ErrValidation)
	}
	switch e.Assessment {
	case AssessSatisfied, AssessPartial, AssessInsufficient:
	default:
		return fmt.Errorf("invalid assessment %q: %w", e.Assessment, domain.ErrValidation)
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("confidence %v out of range [0,1]: %w", e.Confidence, domain.ErrValidation)
	}
	if e.Page < 0 {
		return fmt.Errorf("page must be non-negative: %w", domain.ErrValidation)
	}
	return nil
}

// Less orders evidence by document, requirement, page and ID so aggregated
// output is deterministic.
func Less(a, b *Evidence) int {
	if c := strings.Compare(a.DocumentID, b.DocumentID); c != 0 {
		return c
	}
	if c := strings.Compare(a.RequirementID, b.RequirementID); c != 0 {
		return c
	}
	if a.Page != b.Page {
		return a.Page - b.Page
	}
	return strings.Compare(a.ID, b.ID)
}
