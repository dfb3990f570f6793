package session

import (
	"fmt"

	"github.com/Strob0t/ReviewForge/internal/domain"
)

// Stage is a step of the review pipeline.
type Stage string

const (
	StageInitialize         Stage = "initialize"
	StageDocumentDiscovery  Stage = "document_discovery"
	StageEvidenceExtraction Stage = "evidence_extraction"
	StageCrossValidation    Stage = "cross_validation"
	StageReportGeneration   Stage = "report_generation"
	StageHumanReview        Stage = "human_review"
	StageComplete           Stage = "complete"
)

var order = []Stage{
	StageInitialize,
	StageDocumentDiscovery,
	StageEvidenceExtraction,
	StageCrossValidation,
	StageReportGeneration,
	StageHumanReview,
	StageComplete,
}

// Stages returns every stage in pipeline order.
func Stages() []Stage {
	out := make([]Stage, len(order))
	copy(out, order)
	return out
}

// Index returns the stage's position in the pipeline, or -1 when unknown.
func (s Stage) Index() int {
	for i, st := range order {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool { return s.Index() >= 0 }

// Next returns the stage after s. The second result is false at complete.
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i == len(order)-1 {
		return "", false
	}
	return order[i+1], true
}

// Prev returns the stage before s. The second result is false at initialize.
func (s Stage) Prev() (Stage, bool) {
	i := s.Index()
	if i <= 0 {
		return "", false
	}
	return order[i-1], true
}

// ParseStage converts a string to a Stage.
func ParseStage(v string) (Stage, error) {
	s := Stage(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown stage %q: %w", v, domain.ErrValidation)
	}
	return s, nil
}

// RevisionTarget reports whether a human reviewer may send the session back
// to s.
func RevisionTarget(s Stage) bool {
	return s == StageEvidenceExtraction || s == StageCrossValidation
}

// ValidTransition reports whether the committed stage pointer may move from
// one stage to another. Forward moves go one step at a time; the only
// backward move is a revision out of human_review, which parks the pointer
// just before the stage to re-run.
func ValidTransition(from, to Stage) bool {
	if next, ok := from.Next(); ok && next == to {
		return true
	}
	if from != StageHumanReview {
		return false
	}
	for _, target := range []Stage{StageEvidenceExtraction, StageCrossValidation} {
		if prev, _ := target.Prev(); prev == to {
			return true
		}
	}
	return false
}
