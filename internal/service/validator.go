package service

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Strob0t/ReviewForge/internal/domain/checklist"
	"github.com/Strob0t/ReviewForge/internal/domain/document"
	"github.com/Strob0t/ReviewForge/internal/domain/evidence"
	"github.com/Strob0t/ReviewForge/internal/domain/session"
	"github.com/Strob0t/ReviewForge/internal/domain/verdict"
)

// lowConfidence is the threshold under which a covered verdict is flagged.
const lowConfidence = 0.5

// dateLayouts are tried in order when normalising field values.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006/01/02",
	"02.01.2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"02 Jan 2006",
	"January 2006",
	"2006-01",
}

// Validate computes a verdict for every checklist requirement from the
// evidence of one extraction run. The result depends only on the set of
// evidence, never on its order.
func Validate(cl *checklist.Checklist, docs []document.Document, ext *session.ExtractionPayload) *session.ValidationPayload {
	evs := slices.Clone(ext.Evidence)
	slices.SortFunc(evs, func(a, b evidence.Evidence) int { return evidence.Less(&a, &b) })

	byReq := make(map[string][]evidence.Evidence)
	for _, e := range evs {
		byReq[e.RequirementID] = append(byReq[e.RequirementID], e)
	}

	failed := make(map[string]bool)
	for _, r := range ext.Results {
		if r.Status == session.DocExtractionFailed || r.Status == session.DocCancelled {
			failed[r.DocumentID] = true
		}
	}

	mismatches := fieldMismatches(evs)

	out := &session.ValidationPayload{}
	for _, cat := range cl.Categories {
		relevant := relevantDocs(cl, docs, cat.ID)
		for _, req := range cat.Requirements {
			res := judge(req, cat, relevant, byReq[req.ID], failed)
			for _, m := range mismatches {
				if m.requirements[req.ID] {
					res.Flags = append(res.Flags, m.flag)
				}
			}
			out.Results = append(out.Results, res)
		}
	}

	for _, m := range mismatches {
		out.Flags = append(out.Flags, m.flag)
	}
	for _, r := range ext.Results {
		switch {
		case r.Status == session.DocExtractionFailed && r.NeedsReview:
			out.Flags = append(out.Flags, verdict.Flag{
				Code:        verdict.FlagNeedsReview,
				Message:     fmt.Sprintf("extraction output for %s was unusable: %s", r.DocumentID, r.Error),
				DocumentIDs: []string{r.DocumentID},
			})
		case failed[r.DocumentID]:
			out.Flags = append(out.Flags, verdict.Flag{
				Code:        verdict.FlagSourceExtractionFailed,
				Message:     fmt.Sprintf("%s was not extracted (%s)", r.DocumentID, r.Status),
				DocumentIDs: []string{r.DocumentID},
			})
		}
	}
	return out
}

func relevantDocs(cl *checklist.Checklist, docs []document.Document, categoryID string) []string {
	var ids []string
	for _, d := range docs {
		for _, c := range cl.CategoriesFor(d) {
			if c.ID == categoryID {
				ids = append(ids, d.ID)
				break
			}
		}
	}
	slices.Sort(ids)
	return ids
}

func judge(req checklist.Requirement, cat checklist.Category, relevant []string, evs []evidence.Evidence, failed map[string]bool) verdict.Result {
	res := verdict.Result{RequirementID: req.ID, CategoryID: cat.ID, EvidenceIDs: []string{}}
	if len(relevant) == 0 {
		res.Status = verdict.StatusNotStarted
		return res
	}

	var sat, part, insuf []evidence.Evidence
	for _, e := range evs {
		res.EvidenceIDs = append(res.EvidenceIDs, e.ID)
		res.Confidence = max(res.Confidence, e.Confidence)
		switch e.Assessment {
		case evidence.AssessSatisfied:
			sat = append(sat, e)
		case evidence.AssessPartial:
			part = append(part, e)
		case evidence.AssessInsufficient:
			insuf = append(insuf, e)
		}
	}
	slices.Sort(res.EvidenceIDs)
	res.Value = bestValue(append(slices.Clone(sat), part...))

	switch {
	case len(sat) > 0 && len(insuf) > 0:
		res.Status = verdict.StatusPartial
		both := append(slices.Clone(sat), insuf...)
		res.Flags = append(res.Flags, verdict.Flag{
			Code:        verdict.FlagConflict,
			Message:     fmt.Sprintf("%d excerpt(s) support %s and %d refute it", len(sat), req.ID, len(insuf)),
			DocumentIDs: docIDs(both),
			EvidenceIDs: evIDs(both),
		})
	case len(sat) > 0:
		res.Status = verdict.StatusCovered
		if res.Confidence < lowConfidence {
			res.Flags = append(res.Flags, verdict.Flag{
				Code:    verdict.FlagLowConfidence,
				Message: fmt.Sprintf("best supporting excerpt has confidence %.2f", res.Confidence),
			})
		}
	case len(part) > 0:
		res.Status = verdict.StatusPartial
	case len(insuf) > 0:
		res.Status = verdict.StatusMissing
		res.Flags = append(res.Flags, verdict.Flag{
			Code:        verdict.FlagInsufficientEvidence,
			Message:     fmt.Sprintf("documents address %s but do not satisfy it", req.ID),
			DocumentIDs: docIDs(insuf),
			EvidenceIDs: evIDs(insuf),
		})
	default:
		res.Status = verdict.StatusMissing
	}

	if res.Status != verdict.StatusCovered {
		var lost []string
		for _, id := range relevant {
			if failed[id] {
				lost = append(lost, id)
			}
		}
		if len(lost) > 0 {
			res.Flags = append(res.Flags, verdict.Flag{
				Code:        verdict.FlagSourceExtractionFailed,
				Message:     fmt.Sprintf("%d relevant document(s) could not be extracted", len(lost)),
				DocumentIDs: lost,
			})
		}
	}
	return res
}

// bestValue picks the value of the most confident excerpt that states one.
// evs must be sorted; ties keep the first.
func bestValue(evs []evidence.Evidence) string {
	best, conf := "", -1.0
	for _, e := range evs {
		if e.Value != "" && e.Confidence > conf {
			best, conf = e.Value, e.Confidence
		}
	}
	return best
}

func docIDs(evs []evidence.Evidence) []string {
	var ids []string
	for _, e := range evs {
		if !slices.Contains(ids, e.DocumentID) {
			ids = append(ids, e.DocumentID)
		}
	}
	slices.Sort(ids)
	return ids
}

func evIDs(evs []evidence.Evidence) []string {
	ids := make([]string, 0, len(evs))
	for _, e := range evs {
		ids = append(ids, e.ID)
	}
	slices.Sort(ids)
	return ids
}

type mismatch struct {
	flag         verdict.Flag
	requirements map[string]bool
}

type fieldObservation struct {
	raw, norm string
	docID     string
	evID      string
	reqID     string
}

// fieldMismatches compares named field values across documents. A field
// whose normalised values differ between two documents yields one flag.
func fieldMismatches(evs []evidence.Evidence) []mismatch {
	byField := make(map[string][]fieldObservation)
	for _, e := range evs {
		for name, v := range e.Fields {
			byField[name] = append(byField[name], fieldObservation{
				raw: v, norm: normalizeField(v), docID: e.DocumentID, evID: e.ID, reqID: e.RequirementID,
			})
		}
	}

	var out []mismatch
	for _, name := range sortedKeys(byField) {
		obs := byField[name]
		docsByValue := make(map[string]map[string]bool)
		for _, o := range obs {
			if docsByValue[o.norm] == nil {
				docsByValue[o.norm] = make(map[string]bool)
			}
			docsByValue[o.norm][o.docID] = true
		}
		if len(docsByValue) < 2 || !spansDocuments(obs) {
			continue
		}

		code := verdict.FlagFieldMismatch
		if allDates(obs) {
			code = verdict.FlagDateMismatch
		}
		var parts []string
		for _, norm := range sortedKeys(docsByValue) {
			parts = append(parts, fmt.Sprintf("%s (%s)", norm, strings.Join(sortedKeys(docsByValue[norm]), ", ")))
		}
		m := mismatch{
			flag: verdict.Flag{
				Code:    code,
				Field:   name,
				Message: fmt.Sprintf("%s differs across documents: %s", name, strings.Join(parts, "; ")),
			},
			requirements: make(map[string]bool),
		}
		var docs, ids []string
		for _, o := range obs {
			m.requirements[o.reqID] = true
			if !slices.Contains(docs, o.docID) {
				docs = append(docs, o.docID)
			}
			ids = append(ids, o.evID)
		}
		slices.Sort(docs)
		slices.Sort(ids)
		m.flag.DocumentIDs = docs
		m.flag.EvidenceIDs = slices.Compact(ids)
		out = append(out, m)
	}
	return out
}

func spansDocuments(obs []fieldObservation) bool {
	for _, o := range obs[1:] {
		if o.docID != obs[0].docID {
			return true
		}
	}
	return false
}

func allDates(obs []fieldObservation) bool {
	for _, o := range obs {
		if _, ok := parseDate(o.raw); !ok {
			return false
		}
	}
	return true
}

func parseDate(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// normalizeField canonicalises dates to YYYY-MM-DD, numbers to their
// shortest decimal form and text to lower case with single spaces.
func normalizeField(v string) string {
	v = strings.TrimSpace(v)
	if t, ok := parseDate(v); ok {
		return t.Format("2006-01-02")
	}
	num := strings.NewReplacer(",", "", " ", "", "%", "").Replace(v)
	if f, err := strconv.ParseFloat(num, 64); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strings.ToLower(strings.Join(strings.Fields(v), " "))
}
