// Package docsource defines the port for reading project documents.
package docsource

import (
	"context"

	"github.com/Strob0t/ReviewForge/internal/domain/document"
)

// Source lists documents under a folder and returns their extracted text.
// Converting PDFs to text is outside this system; implementations read text
// that an external converter has already produced.
type Source interface {
	// Discover returns every candidate document under root with a stable ID,
	// ordered by path. Type and Discovery are populated; overrides are
	// applied by the caller.
	Discover(ctx context.Context, root string) ([]document.Document, error)

	// Pages returns the text of doc, one entry per page.
	Pages(ctx context.Context, root string, doc document.Document) ([]document.Page, error)
}
