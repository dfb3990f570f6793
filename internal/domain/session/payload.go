package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/ReviewForge/internal/domain"
	"github.com/Strob0t/ReviewForge/internal/domain/document"
	"github.com/Strob0t/ReviewForge/internal/domain/evidence"
	"github.com/Strob0t/ReviewForge/internal/domain/llm"
	"github.com/Strob0t/ReviewForge/internal/domain/report"
	"github.com/Strob0t/ReviewForge/internal/domain/verdict"
)

// Payload is the stage-specific body of a StageOutput. Each stage has exactly
// one concrete payload type.
type Payload interface {
	Stage() Stage
	Validate() error
}

// NewOutput wraps p in a StageOutput ready to append.
func NewOutput(sessionID string, status OutputStatus, counts Counts, p Payload) (StageOutput, error) {
	if err := p.Validate(); err != nil {
		return StageOutput{}, fmt.Errorf("%s payload: %w", p.Stage(), err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return StageOutput{}, fmt.Errorf("marshal %s payload: %w", p.Stage(), err)
	}
	return StageOutput{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Stage:     p.Stage(),
		Status:    status,
		Counts:    counts,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// FailedOutput records a stage attempt that produced no usable payload.
func FailedOutput(sessionID string, stage Stage, err error) StageOutput {
	return StageOutput{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Stage:     stage,
		Status:    OutputFailed,
		Error:     err.Error(),
		Payload:   json.RawMessage(`{}`),
		CreatedAt: time.Now().UTC(),
	}
}

// Decode parses an output's payload into the concrete type for its stage and
// validates it.
func Decode(o StageOutput) (Payload, error) {
	var p Payload
	switch o.Stage {
	case StageInitialize:
		p = &InitializePayload{}
	case StageDocumentDiscovery:
		p = &DiscoveryPayload{}
	case StageEvidenceExtraction:
		p = &ExtractionPayload{}
	case StageCrossValidation:
		p = &ValidationPayload{}
	case StageReportGeneration:
		p = &ReportPayload{}
	case StageHumanReview:
		p = &ReviewPayload{}
	case StageComplete:
		p = &CompletePayload{}
	default:
		return nil, fmt.Errorf("output %s: unknown stage %q: %w", o.ID, o.Stage, domain.ErrValidation)
	}
	if err := json.Unmarshal(o.Payload, p); err != nil {
		return nil, fmt.Errorf("decode %s output %s: %w", o.Stage, o.ID, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%s output %s: %w", o.Stage, o.ID, err)
	}
	return p, nil
}

// DecodeAs decodes o and asserts the payload type.
func DecodeAs[T Payload](o StageOutput) (T, error) {
	var zero T
	p, err := Decode(o)
	if err != nil {
		return zero, err
	}
	t, ok := p.(T)
	if !ok {
		return zero, fmt.Errorf("output %s holds %T: %w", o.ID, p, domain.ErrValidation)
	}
	return t, nil
}

// InitializePayload records the inputs a session was created with.
type InitializePayload struct {
	SourceDir   string   `json:"source_dir"`
	ChecklistID string   `json:"checklist_id"`
	Pinned      []string `json:"pinned,omitempty"`
	Ignored     []string `json:"ignored,omitempty"`
}

func (*InitializePayload) Stage() Stage { return StageInitialize }

func (p *InitializePayload) Validate() error {
	if p.SourceDir == "" {
		return fmt.Errorf("source_dir is required: %w", domain.ErrValidation)
	}
	if p.ChecklistID == "" {
		return fmt.Errorf("checklist_id is required: %w", domain.ErrValidation)
	}
	return nil
}

// DiscoveryPayload is the document inventory.
type DiscoveryPayload struct {
	Documents []document.Document `json:"documents"`
	Warnings  []string            `json:"warnings,omitempty"`
}

func (*DiscoveryPayload) Stage() Stage { return StageDocumentDiscovery }

func (p *DiscoveryPayload) Validate() error {
	seen := make(map[string]bool, len(p.Documents))
	for _, d := range p.Documents {
		if d.ID == "" {
			return fmt.Errorf("document %q has no id: %w", d.Path, domain.ErrValidation)
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate document id %s: %w", d.ID, domain.ErrValidation)
		}
		seen[d.ID] = true
	}
	return nil
}

// Document looks up a discovered document by ID.
func (p *DiscoveryPayload) Document(id string) (document.Document, bool) {
	for _, d := range p.Documents {
		if d.ID == id {
			return d, true
		}
	}
	return document.Document{}, false
}

// DocStatus is the per-document extraction outcome.
type DocStatus string

const (
	DocSucceeded        DocStatus = "succeeded"
	DocExtractionFailed DocStatus = "extraction_failed"
	DocSkipped          DocStatus = "skipped"
	DocCancelled        DocStatus = "cancelled"
)

// DocumentResult records how extraction went for one document.
type DocumentResult struct {
	DocumentID    string    `json:"document_id"`
	Status        DocStatus `json:"status"`
	Attempts      int       `json:"attempts"`
	ErrorKind     llm.Kind  `json:"error_kind,omitempty"`
	Error         string    `json:"error,omitempty"`
	EvidenceCount int       `json:"evidence_count"`
	NeedsReview   bool      `json:"needs_review,omitempty"`
	Cached        bool      `json:"cached,omitempty"`
	// CarriedFrom is the Seq of the output this document's evidence was
	// reused from when it was not re-extracted in this run.
	CarriedFrom int `json:"carried_from,omitempty"`
}

// ExtractionPayload is the evidence set produced by one extraction run. It
// holds the complete evidence for the session: documents not re-extracted
// carry their evidence forward unchanged.
type ExtractionPayload struct {
	Results  []DocumentResult    `json:"results"`
	Evidence []evidence.Evidence `json:"evidence"`
}

func (*ExtractionPayload) Stage() Stage { return StageEvidenceExtraction }

func (p *ExtractionPayload) Validate() error {
	docs := make(map[string]bool, len(p.Results))
	for _, r := range p.Results {
		if r.DocumentID == "" {
			return fmt.Errorf("result without document_id: %w", domain.ErrValidation)
		}
		if docs[r.DocumentID] {
			return fmt.Errorf("document %s extracted twice: %w", r.DocumentID, domain.ErrValidation)
		}
		docs[r.DocumentID] = true
	}
	ids := make(map[string]bool, len(p.Evidence))
	for i := range p.Evidence {
		e := &p.Evidence[i]
		if err := e.Validate(); err != nil {
			return err
		}
		if !docs[e.DocumentID] {
			return fmt.Errorf("evidence %s cites unknown document %s: %w", e.ID, e.DocumentID, domain.ErrValidation)
		}
		if ids[e.ID] {
			return fmt.Errorf("duplicate evidence %s: %w", e.ID, domain.ErrValidation)
		}
		ids[e.ID] = true
	}
	return nil
}

// Result returns the extraction result for a document.
func (p *ExtractionPayload) Result(documentID string) (DocumentResult, bool) {
	for _, r := range p.Results {
		if r.DocumentID == documentID {
			return r, true
		}
	}
	return DocumentResult{}, false
}

// ValidationPayload holds per-requirement verdicts.
type ValidationPayload struct {
	ExtractionSeq int              `json:"extraction_seq"`
	Results       []verdict.Result `json:"results"`
	Flags         []verdict.Flag   `json:"flags,omitempty"`
}

func (*ValidationPayload) Stage() Stage { return StageCrossValidation }

func (p *ValidationPayload) Validate() error {
	seen := make(map[string]bool, len(p.Results))
	for _, r := range p.Results {
		if !r.Status.Valid() {
			return fmt.Errorf("requirement %s has invalid status %q: %w", r.RequirementID, r.Status, domain.ErrValidation)
		}
		if seen[r.RequirementID] {
			return fmt.Errorf("duplicate verdict for %s: %w", r.RequirementID, domain.ErrValidation)
		}
		seen[r.RequirementID] = true
	}
	return nil
}

// ReportPayload holds a generated report and where it was rendered.
type ReportPayload struct {
	Report report.Report `json:"report"`
	Refs   []string      `json:"refs,omitempty"`
}

func (*ReportPayload) Stage() Stage { return StageReportGeneration }

func (p *ReportPayload) Validate() error {
	if p.Report.SessionID == "" {
		return fmt.Errorf("report session_id is required: %w", domain.ErrValidation)
	}
	return nil
}

// ReviewAction is the reviewer's decision.
type ReviewAction string

const (
	ActionApprove ReviewAction = "approve"
	ActionRevise  ReviewAction = "revise"
)

// ReviewDecision is submitted by a human reviewer at human_review.
type ReviewDecision struct {
	Action ReviewAction `json:"action"`
	// Target is the stage to re-run on revise.
	Target Stage `json:"target,omitempty"`
	// Documents narrows a re-extraction to these document IDs.
	Documents   []string             `json:"documents,omitempty"`
	Corrections []verdict.Correction `json:"corrections,omitempty"`
	Reviewer    string               `json:"reviewer,omitempty"`
	Notes       string               `json:"notes,omitempty"`
}

// Validate checks the decision's shape.
func (d *ReviewDecision) Validate() error {
	switch d.Action {
	case ActionApprove:
		if d.Target != "" || len(d.Documents) > 0 {
			return fmt.Errorf("approve takes no target or documents: %w", domain.ErrValidation)
		}
	case ActionRevise:
		if !RevisionTarget(d.Target) {
			return fmt.Errorf("revision target %q must be %s or %s: %w", d.Target, StageEvidenceExtraction, StageCrossValidation, domain.ErrValidation)
		}
		if len(d.Documents) > 0 && d.Target != StageEvidenceExtraction {
			return fmt.Errorf("documents can only narrow a %s revision: %w", StageEvidenceExtraction, domain.ErrValidation)
		}
	default:
		return fmt.Errorf("invalid review action %q: %w", d.Action, domain.ErrValidation)
	}
	for i := range d.Corrections {
		if err := d.Corrections[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ReviewPayload is written when a session reaches human_review (awaiting a
// decision) and again when a revision decision is recorded.
type ReviewPayload struct {
	ReportSeq       int             `json:"report_seq"`
	FailedDocuments []string        `json:"failed_documents,omitempty"`
	FlagCount       int             `json:"flag_count"`
	Decision        *ReviewDecision `json:"decision,omitempty"`
}

func (*ReviewPayload) Stage() Stage { return StageHumanReview }

func (p *ReviewPayload) Validate() error {
	if p.ReportSeq < 1 {
		return fmt.Errorf("report_seq is required: %w", domain.ErrValidation)
	}
	if p.Decision != nil {
		return p.Decision.Validate()
	}
	return nil
}

// CompletePayload is the signed-off final report.
type CompletePayload struct {
	Decision ReviewDecision `json:"decision"`
	Report   report.Report  `json:"report"`
	Refs     []string       `json:"refs,omitempty"`
}

func (*CompletePayload) Stage() Stage { return StageComplete }

func (p *CompletePayload) Validate() error {
	if p.Decision.Action != ActionApprove {
		return fmt.Errorf("complete requires an approve decision: %w", domain.ErrValidation)
	}
	if !p.Report.Final {
		return fmt.Errorf("complete requires a final report: %w", domain.ErrValidation)
	}
	return nil
}
