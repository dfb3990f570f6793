package evidence

import (
	"errors"
	"slices"
	"testing"

	"github.com/Strob0t/ReviewForge/internal/domain"
)

func TestComputeIDIsContentAddressed(t *testing.T) {
	a := ComputeID("s1", "doc-a", "REQ-001", 3, "  Project ID: VCS-123 ")
	b := ComputeID("s1", "doc-a", "REQ-001", 3, "Project ID: VCS-123")
	if a != b {
		t.Fatal("surrounding whitespace must not change the ID")
	}
	if a == ComputeID("s1", "doc-b", "REQ-001", 3, "Project ID: VCS-123") {
		t.Fatal("different documents must give different IDs")
	}
	if a == ComputeID("s1", "doc-a", "REQ-001", 4, "Project ID: VCS-123") {
		t.Fatal("different pages must give different IDs")
	}
}

func TestValidate(t *testing.T) {
	ok := Evidence{DocumentID: "d", RequirementID: "r", Assessment: AssessPartial, Confidence: 0.5}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid evidence rejected: %v", err)
	}

	bad := []Evidence{
		{RequirementID: "r", Assessment: AssessPartial},
		{DocumentID: "d", RequirementID: "r", Assessment: "maybe"},
		{DocumentID: "d", RequirementID: "r", Assessment: AssessSatisfied, Confidence: 1.2},
		{DocumentID: "d", RequirementID: "r", Assessment: AssessSatisfied, Page: -1},
	}
	for i, e := range bad {
		if err := e.Validate(); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("case %d: expected ErrValidation, got %v", i, err)
		}
	}
}

func TestLessOrdersDeterministically(t *testing.T) {
	items := []*Evidence{
		{ID: "3", DocumentID: "b", RequirementID: "R1"},
		{ID: "2", DocumentID: "a", RequirementID: "R2", Page: 1},
		{ID: "1", DocumentID: "a", RequirementID: "R2", Page: 1},
		{ID: "0", DocumentID: "a", RequirementID: "R1", Page: 9},
	}
	slices.SortFunc(items, Less)
	var got []string
	for _, e := range items {
		got = append(got, e.ID)
	}
	if want := []string{"0", "1", "2", "3"}; !slices.Equal(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}
