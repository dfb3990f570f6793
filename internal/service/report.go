package service

import (
	"math"
	"time"

	"github.com/Strob0t/ReviewForge/internal/domain/checklist"
	"github.com/Strob0t/ReviewForge/internal/domain/document"
	"github.com/Strob0t/ReviewForge/internal/domain/evidence"
	"github.com/Strob0t/ReviewForge/internal/domain/report"
	"github.com/Strob0t/ReviewForge/internal/domain/session"
	"github.com/Strob0t/ReviewForge/internal/domain/verdict"
)

// ReportInput gathers the stage outputs a report is built from.
type ReportInput struct {
	Session    *session.Session
	Checklist  *checklist.Checklist
	Discovery  *session.DiscoveryPayload
	Extraction *session.ExtractionPayload
	Validation *session.ValidationPayload
	// Corrections are applied in order; a later correction for the same
	// requirement wins.
	Corrections []verdict.Correction
	Final       bool
	Now         time.Time
}

// BuildReport assembles the structured report. Verdicts come from the
// validation output unchanged; corrections are layered on top and the
// original status is kept alongside.
func BuildReport(in ReportInput) *report.Report {
	r := &report.Report{
		SessionID:   in.Session.ID,
		SessionName: in.Session.Name,
		ChecklistID: in.Checklist.ID,
		Final:       in.Final,
		GeneratedAt: in.Now,
		Flags:       in.Validation.Flags,
		Corrections: in.Corrections,
	}

	docs := make(map[string]document.Document, len(in.Discovery.Documents))
	for _, d := range in.Discovery.Documents {
		docs[d.ID] = d
		line := report.DocumentLine{ID: d.ID, Name: d.Name, Path: d.Path, Type: string(d.Type), Status: string(session.DocSkipped)}
		if res, ok := in.Extraction.Result(d.ID); ok {
			line.Status = string(res.Status)
			line.Error = res.Error
			if res.Status == session.DocExtractionFailed {
				r.Summary.FailedDocs++
			}
		}
		r.Documents = append(r.Documents, line)
	}

	evs := make(map[string]evidence.Evidence, len(in.Extraction.Evidence))
	for _, e := range in.Extraction.Evidence {
		evs[e.ID] = e
	}
	r.Summary.EvidenceCount = len(in.Extraction.Evidence)

	verdicts := make(map[string]verdict.Result, len(in.Validation.Results))
	for _, v := range in.Validation.Results {
		verdicts[v.RequirementID] = v
	}
	corrections := make(map[string]verdict.Correction)
	for _, c := range in.Corrections {
		corrections[c.RequirementID] = c
	}

	for _, cat := range in.Checklist.Categories {
		sec := report.CategorySection{ID: cat.ID, Name: cat.Name}
		for _, req := range cat.Requirements {
			v, ok := verdicts[req.ID]
			if !ok {
				v = verdict.Result{RequirementID: req.ID, CategoryID: cat.ID, Status: verdict.StatusNotStarted}
			}
			item := report.Item{
				RequirementID: req.ID,
				Text:          req.Text,
				Status:        v.Status,
				Confidence:    v.Confidence,
				Value:         v.Value,
				Flags:         v.Flags,
			}
			for _, id := range v.EvidenceIDs {
				e, ok := evs[id]
				if !ok {
					continue
				}
				item.Evidence = append(item.Evidence, report.EvidenceRef{
					EvidenceID:   e.ID,
					DocumentID:   e.DocumentID,
					DocumentName: docs[e.DocumentID].Name,
					Page:         e.Page,
					Section:      e.Section,
					Text:         e.Text,
					Assessment:   string(e.Assessment),
					Confidence:   e.Confidence,
				})
			}
			if c, ok := corrections[req.ID]; ok {
				if c.Status != item.Status {
					item.OriginalStatus = item.Status
					item.Status = c.Status
				}
				if c.Value != "" {
					item.Value = c.Value
				}
				item.Note = c.Reason
				if c.Reviewer != "" {
					item.Note += " (" + c.Reviewer + ")"
				}
			}
			tally(&r.Summary, item)
			sec.Items = append(sec.Items, item)
		}
		r.Categories = append(r.Categories, sec)
	}

	if r.Summary.Total > 0 {
		pct := float64(r.Summary.Covered) / float64(r.Summary.Total) * 100
		r.Summary.CoveragePct = math.Round(pct*10) / 10
	}
	return r
}

func tally(s *report.Summary, item report.Item) {
	s.Total++
	switch item.Status {
	case verdict.StatusCovered:
		s.Covered++
	case verdict.StatusPartial:
		s.Partial++
	case verdict.StatusMissing:
		s.Missing++
	case verdict.StatusNotStarted:
		s.NotStarted++
	}
	if len(item.Flags) > 0 {
		s.Flagged++
	}
}
