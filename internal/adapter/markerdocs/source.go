// Package markerdocs reads project documents from a folder. PDFs and office
// files are read through the paginated markdown sidecars the marker converter
// writes next to them; text, markdown and CSV files are read directly.
package markerdocs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/Strob0t/ReviewForge/internal/domain"
	"github.com/Strob0t/ReviewForge/internal/domain/document"
)

// Source implements docsource.Source over the local filesystem.
type Source struct {
	// MaxFileSize skips files larger than this many bytes. Zero means no limit.
	MaxFileSize int64
}

// New creates a Source.
func New() *Source { return &Source{} }

// direct lists extensions whose own content is the document text.
var direct = map[string]bool{".md": true, ".markdown": true, ".txt": true, ".csv": true}

// sidecarCandidates returns the paths a converted sidecar may have for a
// source file: "<file>.md" and "<stem>.md".
func sidecarCandidates(rel string) []string {
	ext := filepath.Ext(rel)
	return []string{rel + ".md", strings.TrimSuffix(rel, ext) + ".md"}
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~$")
}

func (s *Source) Discover(ctx context.Context, root string) ([]document.Document, error) {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("source dir %s: %w", root, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source %s is not a directory: %w", root, domain.ErrValidation)
	}

	files := map[string]fs.FileInfo{}
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p != root && hidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		if s.MaxFileSize > 0 && fi.Size() > s.MaxFileSize {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = fi
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	// Markdown files that are a converted copy of another file are not
	// documents of their own.
	sidecars := map[string]string{}
	for rel := range files {
		if direct[strings.ToLower(filepath.Ext(rel))] {
			continue
		}
		for _, c := range sidecarCandidates(rel) {
			if _, ok := files[c]; ok {
				sidecars[c] = rel
				break
			}
		}
	}

	var docs []document.Document
	for rel, fi := range files {
		if _, ok := sidecars[rel]; ok {
			continue
		}
		doc := document.Document{
			ID:        document.IDFor(rel),
			Path:      rel,
			Name:      filepath.Base(rel),
			Type:      document.Classify(rel),
			Size:      fi.Size(),
			Discovery: document.DiscoveryNormal,
		}
		if doc.ContentHash, err = hashFile(filepath.Join(root, filepath.FromSlash(rel))); err != nil {
			return nil, err
		}
		pages, err := s.Pages(ctx, root, doc)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		doc.Pages = len(pages)
		docs = append(docs, doc)
	}
	slices.SortFunc(docs, func(a, b document.Document) int { return strings.Compare(a.Path, b.Path) })
	return docs, nil
}

// Pages returns the page texts of doc. A file with no readable text yields
// domain.ErrNotFound.
func (s *Source) Pages(ctx context.Context, root string, doc document.Document) ([]document.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rel := filepath.FromSlash(doc.Path)
	if !filepath.IsLocal(rel) {
		return nil, fmt.Errorf("document path %q escapes the source dir: %w", doc.Path, domain.ErrValidation)
	}

	ext := strings.ToLower(filepath.Ext(rel))
	if direct[ext] {
		content, err := os.ReadFile(filepath.Join(root, rel))
		if err != nil {
			return nil, notFound(err, doc.Path)
		}
		switch ext {
		case ".csv":
			return csvPage(content)
		case ".txt":
			return splitFormFeeds(content), nil
		default:
			return SplitPages(content), nil
		}
	}

	for _, c := range sidecarCandidates(rel) {
		content, err := os.ReadFile(filepath.Join(root, c))
		if err == nil {
			return SplitPages(content), nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read sidecar for %s: %w", doc.Path, err)
		}
	}
	return nil, fmt.Errorf("no converted text for %s: %w", doc.Path, domain.ErrNotFound)
}

func notFound(err error, p string) error {
	if os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", p, domain.ErrNotFound)
	}
	return fmt.Errorf("read %s: %w", p, err)
}

func hashFile(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", p, err)
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", p, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
