package service

import (
	"context"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/Strob0t/ReviewForge/internal/domain/document"
	"github.com/Strob0t/ReviewForge/internal/domain/session"
	"github.com/Strob0t/ReviewForge/internal/port/docsource"
)

// Discoverer builds the document inventory for a session.
type Discoverer struct {
	source docsource.Source
}

// NewDiscoverer creates a Discoverer over source.
func NewDiscoverer(source docsource.Source) *Discoverer {
	return &Discoverer{source: source}
}

// Discover lists the documents under init.SourceDir and applies the pin and
// ignore overrides, which may name a document by ID or by relative path.
// Running it twice over an unchanged folder yields the same inventory.
func (d *Discoverer) Discover(ctx context.Context, init *session.InitializePayload) (*session.DiscoveryPayload, error) {
	docs, err := d.source.Discover(ctx, init.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", init.SourceDir, err)
	}

	out := &session.DiscoveryPayload{Documents: make([]document.Document, 0, len(docs))}
	matched := make(map[string]bool)
	names := make(map[string][]string)
	for _, doc := range docs {
		doc.Discovery = document.DiscoveryNormal
		if ref, ok := matchOverride(doc, init.Ignored); ok {
			doc.Discovery = document.DiscoveryIgnored
			matched[ref] = true
		} else if ref, ok := matchOverride(doc, init.Pinned); ok {
			doc.Discovery = document.DiscoveryPinned
			matched[ref] = true
		}
		if doc.Pages == 0 && doc.Discovery != document.DiscoveryIgnored {
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: no extracted text found", doc.Path))
		}
		names[doc.Name] = append(names[doc.Name], doc.Path)
		out.Documents = append(out.Documents, doc)
	}

	slices.SortFunc(out.Documents, func(a, b document.Document) int { return strings.Compare(a.Path, b.Path) })

	if len(out.Documents) == 0 {
		out.Warnings = append(out.Warnings, "no documents found")
	}
	for _, ref := range append(slices.Clone(init.Pinned), init.Ignored...) {
		if !matched[ref] {
			out.Warnings = append(out.Warnings, fmt.Sprintf("override %q matches no document", ref))
		}
	}
	for _, name := range sortedKeys(names) {
		if paths := names[name]; len(paths) > 1 {
			out.Warnings = append(out.Warnings, fmt.Sprintf("name %q is shared by %s", name, strings.Join(paths, ", ")))
		}
	}
	return out, nil
}

func matchOverride(doc document.Document, refs []string) (string, bool) {
	for _, ref := range refs {
		if ref == doc.ID || path.Clean(strings.ReplaceAll(ref, "\\", "/")) == doc.Path {
			return ref, true
		}
	}
	return "", false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
