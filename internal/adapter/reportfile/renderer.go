// Package reportfile writes review reports to disk as JSON and Markdown.
package reportfile

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/Strob0t/ReviewForge/internal/domain/report"
	"github.com/Strob0t/ReviewForge/internal/domain/verdict"
)

//go:embed templates/report.md.tmpl
var templateFS embed.FS

var markdown = template.Must(template.New("report.md.tmpl").Funcs(template.FuncMap{
	"statusMark": statusMark,
	"cell":       cell,
}).ParseFS(templateFS, "templates/report.md.tmpl"))

func statusMark(s verdict.Status) string {
	switch s {
	case verdict.StatusCovered:
		return "✅"
	case verdict.StatusPartial:
		return "🟡"
	case verdict.StatusMissing:
		return "❌"
	}
	return "⏸"
}

// cell flattens text for a single Markdown line or table cell.
func cell(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return strings.ReplaceAll(s, "|", `\|`)
}

// Renderer writes <dir>/<session>/report-<seq>.json and .md.
type Renderer struct {
	dir string
}

// New creates a Renderer rooted at dir.
func New(dir string) *Renderer {
	return &Renderer{dir: dir}
}

// Markdown renders r as Markdown.
func Markdown(r *report.Report) ([]byte, error) {
	var buf bytes.Buffer
	if err := markdown.Execute(&buf, r); err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}
	return buf.Bytes(), nil
}

func (w *Renderer) Render(ctx context.Context, r *report.Report, seq int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := filepath.Join(w.dir, r.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}

	js, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	md, err := Markdown(r)
	if err != nil {
		return nil, err
	}

	base := filepath.Join(dir, fmt.Sprintf("report-%d", seq))
	refs := make([]string, 0, 2)
	for _, f := range []struct {
		ext  string
		data []byte
	}{{".json", js}, {".md", md}} {
		p := base + f.ext
		if err := writeAtomic(p, f.data); err != nil {
			return nil, err
		}
		refs = append(refs, p)
	}
	return refs, nil
}

// writeAtomic writes data to a temp file beside p and renames it into place.
func writeAtomic(p string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(p), ".report-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", p, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("rename %s: %w", p, err)
	}
	return nil
}
