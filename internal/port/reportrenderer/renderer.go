// Package reportrenderer defines the port for rendering review reports.
package reportrenderer

import (
	"context"

	"github.com/Strob0t/ReviewForge/internal/domain/report"
)

// Renderer persists a report in one or more presentation formats and returns
// references (paths or URLs) to what it wrote. Formatting is the renderer's
// concern; the report content is fixed by the caller.
type Renderer interface {
	Render(ctx context.Context, r *report.Report, seq int) ([]string, error)
}
