// Package checklist defines the static requirement checklist a registration is
// reviewed against.
package checklist

import (
	"fmt"
	"slices"

	"github.com/Strob0t/ReviewForge/internal/domain"
	"github.com/Strob0t/ReviewForge/internal/domain/document"
)

// Checklist is a named set of requirement categories.
type Checklist struct {
	ID         string     `json:"id" yaml:"id"`
	Name       string     `json:"name" yaml:"name"`
	Builtin    bool       `json:"builtin" yaml:"-"`
	Categories []Category `json:"categories" yaml:"categories"`
}

// Category groups requirements evidenced by the same kinds of document.
type Category struct {
	ID           string          `json:"id" yaml:"id"`
	Name         string          `json:"name" yaml:"name"`
	AppliesTo    []document.Type `json:"applies_to" yaml:"applies_to"`
	Requirements []Requirement   `json:"requirements" yaml:"requirements"`
}

// Requirement is one checklist item.
type Requirement struct {
	ID       string `json:"id" yaml:"id"`
	Text     string `json:"text" yaml:"text"`
	Criteria string `json:"criteria,omitempty" yaml:"criteria"`
	// Fields names values the extractor should capture verbatim so they can
	// be compared across documents, e.g. reporting_period_start.
	Fields []string `json:"fields,omitempty" yaml:"fields"`
}

// Validate checks that IDs are present and unique.
func (c *Checklist) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("checklist id is required: %w", domain.ErrValidation)
	}
	if len(c.Categories) == 0 {
		return fmt.Errorf("checklist %s has no categories: %w", c.ID, domain.ErrValidation)
	}
	cats := make(map[string]bool)
	reqs := make(map[string]bool)
	for _, cat := range c.Categories {
		if cat.ID == "" {
			return fmt.Errorf("checklist %s: category id is required: %w", c.ID, domain.ErrValidation)
		}
		if cats[cat.ID] {
			return fmt.Errorf("checklist %s: duplicate category %q: %w", c.ID, cat.ID, domain.ErrValidation)
		}
		cats[cat.ID] = true
		if len(cat.Requirements) == 0 {
			return fmt.Errorf("checklist %s: category %s has no requirements: %w", c.ID, cat.ID, domain.ErrValidation)
		}
		for _, r := range cat.Requirements {
			if r.ID == "" || r.Text == "" {
				return fmt.Errorf("checklist %s: requirement in %s needs id and text: %w", c.ID, cat.ID, domain.ErrValidation)
			}
			if reqs[r.ID] {
				return fmt.Errorf("checklist %s: duplicate requirement %q: %w", c.ID, r.ID, domain.ErrValidation)
			}
			reqs[r.ID] = true
		}
	}
	return nil
}

// Requirement looks up a requirement and its category by ID.
func (c *Checklist) Requirement(id string) (Requirement, Category, bool) {
	for _, cat := range c.Categories {
		for _, r := range cat.Requirements {
			if r.ID == id {
				return r, cat, true
			}
		}
	}
	return Requirement{}, Category{}, false
}

// RequirementIDs returns every requirement ID in checklist order.
func (c *Checklist) RequirementIDs() []string {
	var ids []string
	for _, cat := range c.Categories {
		for _, r := range cat.Requirements {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// CategoriesFor returns the categories a document is relevant to. Pinned
// documents are relevant to every category; an empty AppliesTo matches any
// extractable document.
func (c *Checklist) CategoriesFor(d document.Document) []Category {
	if !d.Extractable() {
		return nil
	}
	var out []Category
	for _, cat := range c.Categories {
		if d.Discovery == document.DiscoveryPinned || len(cat.AppliesTo) == 0 || slices.Contains(cat.AppliesTo, d.Type) {
			out = append(out, cat)
		}
	}
	return out
}
