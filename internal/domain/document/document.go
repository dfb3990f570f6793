// Package document defines source documents discovered for a review session.
package document

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"path/filepath"
	"strings"
)

// Type classifies a document by the role it plays in a registration.
type Type string

const (
	TypeProjectPlan        Type = "project_plan"
	TypeMonitoringReport   Type = "monitoring_report"
	TypeGHGReport          Type = "ghg_report"
	TypeValidationReport   Type = "validation_report"
	TypeSupportingEvidence Type = "supporting_evidence"
	TypeSpreadsheet        Type = "spreadsheet"
	TypeOther              Type = "other"
)

// Discovery is the reviewer override applied during discovery.
type Discovery string

const (
	DiscoveryNormal  Discovery = "normal"
	DiscoveryPinned  Discovery = "pinned"  // extracted against every requirement category
	DiscoveryIgnored Discovery = "ignored" // kept in the inventory, never extracted
)

// Document is a discovered input file. ID is the only identity; Name is for
// display and two documents may share one.
type Document struct {
	ID          string    `json:"id"`
	Path        string    `json:"path"` // slash-separated, relative to the session source dir
	Name        string    `json:"name"`
	Type        Type      `json:"type"`
	ContentHash string    `json:"content_hash"`
	Pages       int       `json:"pages"`
	Size        int64     `json:"size"`
	Discovery   Discovery `json:"discovery"`
}

// Page is one page of extracted document text.
type Page struct {
	Number int    `json:"number"` // 1-based
	Text   string `json:"text"`
}

// IDFor derives the stable document ID from its path relative to the source
// directory, so re-discovering an unchanged folder yields identical IDs.
func IDFor(relPath string) string {
	p := path.Clean(filepath.ToSlash(relPath))
	sum := sha256.Sum256([]byte(p))
	return "doc-" + hex.EncodeToString(sum[:8])
}

var spreadsheetExt = map[string]bool{".csv": true, ".xlsx": true, ".xls": true, ".ods": true}

// Classify guesses a document's Type from its file name.
func Classify(name string) Type {
	ext := strings.ToLower(filepath.Ext(name))
	if spreadsheetExt[ext] {
		return TypeSpreadsheet
	}

	base := strings.ToLower(strings.TrimSuffix(filepath.Base(name), filepath.Ext(name)))
	base = strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(base)

	switch {
	case containsAny(base, "project plan", "projectplan", "project design", "pdd", "project description"):
		return TypeProjectPlan
	case containsAny(base, "monitoring"):
		return TypeMonitoringReport
	case containsAny(base, "ghg", "emission", "carbon accounting"):
		return TypeGHGReport
	case containsAny(base, "validation", "verification"):
		return TypeValidationReport
	}

	switch ext {
	case ".pdf", ".md", ".txt", ".docx":
		return TypeSupportingEvidence
	}
	return TypeOther
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Extractable reports whether the document should be sent to extraction.
func (d *Document) Extractable() bool {
	switch d.Discovery {
	case DiscoveryIgnored:
		return false
	case DiscoveryPinned:
		return true
	}
	return d.Type != TypeOther
}
