// Package report defines the structured review report.
package report

import (
	"time"

	"github.com/Strob0t/ReviewForge/internal/domain/verdict"
)

// Report is the structured output handed to renderers. It carries display
// names for documents but every reference inside it is by ID.
type Report struct {
	SessionID   string               `json:"session_id"`
	SessionName string               `json:"session_name"`
	ChecklistID string               `json:"checklist_id"`
	Final       bool                 `json:"final"`
	GeneratedAt time.Time            `json:"generated_at"`
	Summary     Summary              `json:"summary"`
	Categories  []CategorySection    `json:"categories"`
	Documents   []DocumentLine       `json:"documents"`
	Flags       []verdict.Flag       `json:"flags,omitempty"`
	Corrections []verdict.Correction `json:"corrections,omitempty"`
}

// Summary counts verdicts across the checklist.
type Summary struct {
	Total         int     `json:"total"`
	Covered       int     `json:"covered"`
	Partial       int     `json:"partial"`
	Missing       int     `json:"missing"`
	NotStarted    int     `json:"not_started"`
	Flagged       int     `json:"flagged"`
	CoveragePct   float64 `json:"coverage_pct"`
	FailedDocs    int     `json:"failed_documents"`
	EvidenceCount int     `json:"evidence_count"`
}

// CategorySection groups requirement items by checklist category.
type CategorySection struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Items []Item `json:"items"`
}

// Item is one requirement's verdict with its supporting evidence.
type Item struct {
	RequirementID string         `json:"requirement_id"`
	Text          string         `json:"text"`
	Status        verdict.Status `json:"status"`
	// OriginalStatus is set when a reviewer correction changed Status.
	OriginalStatus verdict.Status `json:"original_status,omitempty"`
	Confidence     float64        `json:"confidence"`
	Value          string         `json:"value,omitempty"`
	Evidence       []EvidenceRef  `json:"evidence,omitempty"`
	Flags          []verdict.Flag `json:"flags,omitempty"`
	Note           string         `json:"note,omitempty"`
}

// EvidenceRef cites a location in a source document.
type EvidenceRef struct {
	EvidenceID   string  `json:"evidence_id"`
	DocumentID   string  `json:"document_id"`
	DocumentName string  `json:"document_name"`
	Page         int     `json:"page,omitempty"`
	Section      string  `json:"section,omitempty"`
	Text         string  `json:"text"`
	Assessment   string  `json:"assessment"`
	Confidence   float64 `json:"confidence"`
}

// DocumentLine lists a discovered document and its extraction outcome.
type DocumentLine struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Path   string `json:"path"`
	Type   string `json:"type"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
