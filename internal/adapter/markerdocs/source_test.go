package markerdocs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/Strob0t/ReviewForge/internal/domain"
	"github.com/Strob0t/ReviewForge/internal/domain/document"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

const planMarkdown = `# Project Plan

{0}------------------------------------------------

Project Alpha, registry ID VCS-1234.

{1}------------------------------------------------

Start date 2021-01-01.
`

func fixture(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "Project_Plan.pdf", "%PDF-1.7 binary")
	writeFile(t, root, "Project_Plan.pdf.md", planMarkdown)
	writeFile(t, root, "reports/Monitoring Report.pdf", "%PDF-1.7 other")
	writeFile(t, root, "reports/Monitoring Report.md", "Monitoring period 2022.")
	writeFile(t, root, "annex/validation_statement.pdf", "%PDF no text")
	writeFile(t, root, "notes.txt", "page one\fpage two")
	writeFile(t, root, "data/soil samples.csv", "plot,carbon\nA, 12.5\nB,13\n")
	writeFile(t, root, ".cache/ignored.md", "hidden")
	return root
}

func TestDiscover(t *testing.T) {
	root := fixture(t)
	docs, err := New().Discover(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}

	var paths []string
	byPath := map[string]document.Document{}
	for _, d := range docs {
		paths = append(paths, d.Path)
		byPath[d.Path] = d
	}
	want := []string{
		"Project_Plan.pdf",
		"annex/validation_statement.pdf",
		"data/soil samples.csv",
		"notes.txt",
		"reports/Monitoring Report.pdf",
	}
	if !reflect.DeepEqual(paths, want) {
		t.Fatalf("paths %v, want %v", paths, want)
	}

	plan := byPath["Project_Plan.pdf"]
	if plan.Type != document.TypeProjectPlan || plan.Pages != 2 || plan.ID != document.IDFor("Project_Plan.pdf") {
		t.Fatalf("plan %+v", plan)
	}
	if plan.ContentHash == "" || plan.Size != int64(len("%PDF-1.7 binary")) {
		t.Fatalf("plan hash/size %+v", plan)
	}
	if byPath["annex/validation_statement.pdf"].Pages != 0 {
		t.Fatal("pdf without sidecar should have no pages")
	}
	if byPath["reports/Monitoring Report.pdf"].Pages != 1 {
		t.Fatal("stem sidecar not used")
	}
	if d := byPath["data/soil samples.csv"]; d.Type != document.TypeSpreadsheet || d.Pages != 1 {
		t.Fatalf("csv %+v", d)
	}
}

func TestDiscoverIsIdempotent(t *testing.T) {
	root := fixture(t)
	a, err := New().Discover(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	b, err := New().Discover(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatal("rediscovering an unchanged folder changed the inventory")
	}
}

func TestDiscoverMissingRoot(t *testing.T) {
	_, err := New().Discover(context.Background(), filepath.Join(t.TempDir(), "nope"))
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPages(t *testing.T) {
	root := fixture(t)
	s := New()
	ctx := context.Background()

	pages, err := s.Pages(ctx, root, document.Document{Path: "Project_Plan.pdf"})
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 2 {
		t.Fatalf("pages %+v", pages)
	}
	if pages[0].Number != 1 || pages[0].Text != "# Project Plan\n\nProject Alpha, registry ID VCS-1234." {
		t.Fatalf("preamble should join page 1: %+v", pages[0])
	}
	if pages[1].Number != 2 || pages[1].Text != "Start date 2021-01-01." {
		t.Fatalf("page numbering %+v", pages)
	}

	pages, err = s.Pages(ctx, root, document.Document{Path: "notes.txt"})
	if err != nil || len(pages) != 2 || pages[1].Text != "page two" {
		t.Fatalf("txt pages %+v err %v", pages, err)
	}

	pages, err = s.Pages(ctx, root, document.Document{Path: "data/soil samples.csv"})
	if err != nil || len(pages) != 1 || pages[0].Text != "plot | carbon\nA | 12.5\nB | 13" {
		t.Fatalf("csv pages %+v err %v", pages, err)
	}

	if _, err := s.Pages(ctx, root, document.Document{Path: "annex/validation_statement.pdf"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Pages(ctx, root, document.Document{Path: "../outside.txt"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestSplitPages(t *testing.T) {
	pages := SplitPages([]byte("no markers here\n"))
	if len(pages) != 1 || pages[0].Number != 1 {
		t.Fatalf("%+v", pages)
	}

	pages = SplitPages([]byte("{0}----\n\n{1}----\nsecond\n{4}------\nfifth"))
	if len(pages) != 2 || pages[0].Number != 2 || pages[1].Number != 5 {
		t.Fatalf("blank pages should be dropped and numbers kept: %+v", pages)
	}
}
