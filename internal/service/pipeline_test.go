package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/Strob0t/ReviewForge/internal/adapter/memstore"
	"github.com/Strob0t/ReviewForge/internal/config"
	"github.com/Strob0t/ReviewForge/internal/domain"
	"github.com/Strob0t/ReviewForge/internal/domain/checklist"
	"github.com/Strob0t/ReviewForge/internal/domain/document"
	"github.com/Strob0t/ReviewForge/internal/domain/llm"
	"github.com/Strob0t/ReviewForge/internal/domain/report"
	"github.com/Strob0t/ReviewForge/internal/domain/session"
	"github.com/Strob0t/ReviewForge/internal/domain/verdict"
)

type fakeRenderer struct {
	mu    sync.Mutex
	seqs  []int
	final []bool
}

func (r *fakeRenderer) Render(_ context.Context, rep *report.Report, seq int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seqs = append(r.seqs, seq)
	r.final = append(r.final, rep.Final)
	return []string{fmt.Sprintf("mem://%s/report-%d", rep.SessionID, seq)}, nil
}

type recordingHub struct {
	mu     sync.Mutex
	events []string
}

func (h *recordingHub) BroadcastEvent(_ context.Context, _, eventType string, _ any) {
	h.mu.Lock()
	h.events = append(h.events, eventType)
	h.mu.Unlock()
}

type harness struct {
	p        *Pipeline
	llm      *fakeLLM
	src      *fakeSource
	renderer *fakeRenderer
	hub      *recordingHub
	cache    *mapCache
}

func newHarness(t *testing.T, c Completer, maxConcurrent int, docs ...document.Document) *harness {
	t.Helper()
	src := newFakeSource(docs...)
	fl, _ := c.(*fakeLLM)
	if c == nil {
		fl = newFakeLLM()
		c = fl
	}
	reg, err := checklist.Registry("")
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Defaults()
	cfg.Extraction.MaxConcurrent = maxConcurrent
	h := &harness{llm: fl, src: src, renderer: &fakeRenderer{}, hub: &recordingHub{}, cache: newMapCache()}
	h.p = NewPipeline(PipelineDeps{
		Store:            memstore.New(),
		Checklists:       reg,
		DefaultChecklist: "registration-v1",
		Discoverer:       NewDiscoverer(src),
		Extractor:        NewExtractor(c, src, h.cache, cfg.Extraction, cfg.Cache, "test-model"),
		Renderer:         h.renderer,
		Events:           NewEvents(nil, h.hub),
	})
	return h
}

func threeDocs() []document.Document {
	return []document.Document{
		{Path: "project_plan.pdf"},
		{Path: "monitoring_report.pdf"},
		{Path: "validation_report.pdf"},
	}
}

func (h *harness) create(t *testing.T) *session.Session {
	t.Helper()
	s, err := h.p.Create(context.Background(), CreateRequest{SourceDir: "/data/alpha"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return s
}

func stagesOf(s *session.Session) []session.Stage {
	var out []session.Stage
	for _, o := range s.Outputs {
		out = append(out, o.Stage)
	}
	return out
}

func TestPipelineRunToReviewAndApprove(t *testing.T) {
	h := newHarness(t, nil, 5, threeDocs()...)
	plan := h.src.docs[0].ID
	h.llm.reply(plan, evidenceReply(entry("REQ-001", "satisfied", 0.9, "Project Alpha", "")))

	s := h.create(t)
	if s.Name != "alpha" || s.Stage != session.StageInitialize {
		t.Fatalf("created %+v", s)
	}

	s, err := h.p.Run(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Stage != session.StageHumanReview {
		t.Fatalf("stage %s, want human_review", s.Stage)
	}
	want := []session.Stage{
		session.StageInitialize, session.StageDocumentDiscovery, session.StageEvidenceExtraction,
		session.StageCrossValidation, session.StageReportGeneration, session.StageHumanReview,
	}
	if fmt.Sprint(stagesOf(s)) != fmt.Sprint(want) {
		t.Fatalf("outputs %v", stagesOf(s))
	}
	if last := s.Outputs[len(s.Outputs)-1]; last.Status != session.OutputAwaitingReview {
		t.Fatalf("human_review status %s", last.Status)
	}

	if _, err := h.p.Advance(context.Background(), s.ID); !errors.Is(err, domain.ErrPrecondition) {
		t.Fatalf("advance at human_review should need a decision, got %v", err)
	}

	s, err = h.p.Review(context.Background(), s.ID, session.ReviewDecision{
		Action:   session.ActionApprove,
		Reviewer: "kim",
		Corrections: []verdict.Correction{
			{RequirementID: "REQ-002", Status: verdict.StatusCovered, Reason: "map annex"},
		},
	})
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if s.Stage != session.StageComplete {
		t.Fatalf("stage %s, want complete", s.Stage)
	}

	rep, refs, err := h.p.Report(context.Background(), s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Final || len(refs) != 1 {
		t.Fatalf("final report %v refs %v", rep.Final, refs)
	}
	if len(rep.Corrections) != 1 || rep.Corrections[0].Reviewer != "kim" {
		t.Fatalf("corrections %+v", rep.Corrections)
	}
	if len(h.renderer.final) != 2 || h.renderer.final[0] || !h.renderer.final[1] {
		t.Fatalf("renderer calls %v", h.renderer.final)
	}
	if h.renderer.seqs[1] != s.Outputs[len(s.Outputs)-1].Seq {
		t.Fatalf("rendered seq %d does not match committed seq", h.renderer.seqs[1])
	}

	if _, err := h.p.Advance(context.Background(), s.ID); !errors.Is(err, domain.ErrPrecondition) {
		t.Fatalf("advance after complete: %v", err)
	}
	if len(h.hub.events) == 0 {
		t.Fatal("no events broadcast")
	}
}

func TestPipelineReviseCrossValidationKeepsHistory(t *testing.T) {
	h := newHarness(t, nil, 5, threeDocs()...)
	s := h.create(t)
	s, err := h.p.Run(context.Background(), s.ID)
	if err != nil {
		t.Fatal(err)
	}
	calls := h.llm.calls.Load()

	s, err = h.p.Review(context.Background(), s.ID, session.ReviewDecision{
		Action: session.ActionRevise,
		Target: session.StageCrossValidation,
		Notes:  "recheck dates",
	})
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if s.Stage != session.StageEvidenceExtraction {
		t.Fatalf("pointer %s, want evidence_extraction", s.Stage)
	}

	s, err = h.p.Run(context.Background(), s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.Stage != session.StageHumanReview {
		t.Fatalf("stage %s", s.Stage)
	}
	if n := len(s.History(session.StageCrossValidation)); n != 2 {
		t.Fatalf("cross_validation history %d, want 2", n)
	}
	if n := len(s.History(session.StageHumanReview)); n != 3 {
		t.Fatalf("human_review history %d, want 3", n)
	}
	if h.llm.calls.Load() != calls {
		t.Fatal("revising cross_validation must not re-extract")
	}
}

func TestPipelineReviseExtractionForDocuments(t *testing.T) {
	h := newHarness(t, nil, 5, threeDocs()...)
	mon := h.src.docs[1].ID
	h.llm.reply(mon,
		evidenceReply(entry("REQ-030", "partial", 0.5, "first pass", "")),
		evidenceReply(entry("REQ-030", "satisfied", 0.9, "second pass", "")),
	)
	s := h.create(t)
	s, err := h.p.Run(context.Background(), s.ID)
	if err != nil {
		t.Fatal(err)
	}
	calls := h.llm.calls.Load()

	if _, err := h.p.Review(context.Background(), s.ID, session.ReviewDecision{
		Action: session.ActionRevise, Target: session.StageEvidenceExtraction, Documents: []string{"doc-unknown"},
	}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("unknown document should be rejected, got %v", err)
	}

	s, err = h.p.Review(context.Background(), s.ID, session.ReviewDecision{
		Action: session.ActionRevise, Target: session.StageEvidenceExtraction, Documents: []string{mon},
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.Stage != session.StageDocumentDiscovery {
		t.Fatalf("pointer %s, want document_discovery", s.Stage)
	}
	if s, err = h.p.Run(context.Background(), s.ID); err != nil {
		t.Fatal(err)
	}
	if got := h.llm.calls.Load() - calls; got != 1 {
		t.Fatalf("re-extraction calls %d, want 1", got)
	}

	out, _ := s.LatestCommitted(session.StageEvidenceExtraction)
	ext, err := session.DecodeAs[*session.ExtractionPayload](out)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range ext.Evidence {
		if e.DocumentID == mon && e.Text != "second pass" {
			t.Fatalf("stale evidence kept: %q", e.Text)
		}
	}
	if r, _ := ext.Result(h.src.docs[0].ID); r.CarriedFrom == 0 {
		t.Fatalf("untouched document should be carried forward: %+v", r)
	}
	if r, _ := ext.Result(mon); r.Cached || r.CarriedFrom != 0 {
		t.Fatalf("revised document must be extracted afresh: %+v", r)
	}
}

func TestPipelineReviseExtractionBypassesCache(t *testing.T) {
	h := newHarness(t, nil, 5, threeDocs()...)
	mon := h.src.docs[1].ID
	h.llm.reply(mon,
		evidenceReply(entry("REQ-030", "partial", 0.5, "first pass", "")),
		evidenceReply(entry("REQ-030", "satisfied", 0.9, "second pass", "")),
	)
	s := h.create(t)
	s, err := h.p.Run(context.Background(), s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got := h.llm.calls.Load(); got != 3 {
		t.Fatalf("first run calls %d, want 3", got)
	}
	if len(h.cache.data) != 3 {
		t.Fatalf("cached replies %d, want 3", len(h.cache.data))
	}

	s, err = h.p.Review(context.Background(), s.ID, session.ReviewDecision{
		Action: session.ActionRevise, Target: session.StageEvidenceExtraction,
	})
	if err != nil {
		t.Fatal(err)
	}
	if s, err = h.p.Run(context.Background(), s.ID); err != nil {
		t.Fatal(err)
	}
	if got := h.llm.calls.Load(); got != 6 {
		t.Fatalf("re-extraction should call the LLM for every document, total calls %d", got)
	}

	out, _ := s.LatestCommitted(session.StageEvidenceExtraction)
	ext, err := session.DecodeAs[*session.ExtractionPayload](out)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range ext.Results {
		if r.Cached {
			t.Errorf("document %s answered from cache after revision", r.DocumentID)
		}
	}
	found := false
	for _, e := range ext.Evidence {
		if e.DocumentID == mon {
			found = true
			if e.Text != "second pass" {
				t.Fatalf("evidence for %s = %q, want the fresh reply", mon, e.Text)
			}
		}
	}
	if !found {
		t.Fatalf("no evidence for %s", mon)
	}

	// A later session over the same documents reuses the refreshed replies.
	s2 := h.create(t)
	if _, err := h.p.Run(context.Background(), s2.ID); err != nil {
		t.Fatal(err)
	}
	if got := h.llm.calls.Load(); got != 6 {
		t.Fatalf("unrevised run should be served from cache, total calls %d", got)
	}
	s2, _ = h.p.Get(context.Background(), s2.ID)
	out, _ = s2.LatestCommitted(session.StageEvidenceExtraction)
	ext, err = session.DecodeAs[*session.ExtractionPayload](out)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range ext.Evidence {
		if e.DocumentID == mon && e.Text != "second pass" {
			t.Fatalf("cache kept the stale reply: %q", e.Text)
		}
	}
}

func TestPipelineIsolatesUnparseableDocument(t *testing.T) {
	docs := []document.Document{
		{Path: "project_plan.pdf"},
		{Path: "monitoring_report.pdf"},
		{Path: "ghg_report.pdf"},
		{Path: "validation_report.pdf"},
		{Path: "land_deed.pdf"},
	}
	h := newHarness(t, nil, 5, docs...)
	bad := h.src.docs[2].ID
	h.llm.reply(bad, "the model rambled instead of answering")

	s := h.create(t)
	s, err := h.p.Run(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Stage != session.StageHumanReview || s.FatalError != "" {
		t.Fatalf("stage %s fatal %q", s.Stage, s.FatalError)
	}

	out, _ := s.LatestCommitted(session.StageEvidenceExtraction)
	if out.Counts.Succeeded != 4 || out.Counts.Failed != 1 {
		t.Fatalf("extraction counts %+v", out.Counts)
	}
	ext, err := session.DecodeAs[*session.ExtractionPayload](out)
	if err != nil {
		t.Fatal(err)
	}
	r, _ := ext.Result(bad)
	if r.Status != session.DocExtractionFailed || !r.NeedsReview || r.ErrorKind != llm.KindValidation || r.Attempts != 2 {
		t.Fatalf("failing document result %+v", r)
	}
	val, ok := s.LatestCommitted(session.StageCrossValidation)
	if !ok || val.Status != session.OutputSucceeded {
		t.Fatalf("cross_validation not committed: %+v", val)
	}
	vp, err := session.DecodeAs[*session.ValidationPayload](val)
	if err != nil {
		t.Fatal(err)
	}
	flagged := false
	for _, f := range vp.Flags {
		if f.Code == verdict.FlagNeedsReview && len(f.DocumentIDs) == 1 && f.DocumentIDs[0] == bad {
			flagged = true
		}
	}
	if !flagged {
		t.Fatalf("validation flags %+v lack needs_review for %s", vp.Flags, bad)
	}
	if st := h.p.StatusOf(s); len(st.FailedDocuments) != 1 || st.FailedDocuments[0] != bad {
		t.Fatalf("status failed documents %v", st.FailedDocuments)
	}
}

func TestPipelineRejectsUnknownCorrection(t *testing.T) {
	h := newHarness(t, nil, 5, threeDocs()...)
	s := h.create(t)
	s, err := h.p.Run(context.Background(), s.ID)
	if err != nil {
		t.Fatal(err)
	}
	typo := []verdict.Correction{{RequirementID: "REQ-0O2", Status: verdict.StatusCovered, Reason: "map annex"}}

	for _, dec := range []session.ReviewDecision{
		{Action: session.ActionApprove, Corrections: typo},
		{Action: session.ActionRevise, Target: session.StageCrossValidation, Corrections: typo},
	} {
		if _, err := h.p.Review(context.Background(), s.ID, dec); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("%s with unknown requirement: %v", dec.Action, err)
		}
	}
	s, err = h.p.Get(context.Background(), s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.Stage != session.StageHumanReview {
		t.Fatalf("rejected review moved the session to %s", s.Stage)
	}
	if priorCorrections(s) != nil {
		t.Fatalf("rejected corrections were kept: %+v", priorCorrections(s))
	}
}

func TestPipelineNoBackendHaltsSession(t *testing.T) {
	h := newHarness(t, nil, 5, threeDocs()...)
	for _, d := range h.src.docs {
		h.llm.errs[d.ID] = llm.Errorf(llm.KindConfiguration, "router", "no LLM backend available")
	}
	s := h.create(t)
	s, err := h.p.Run(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	s, _ = h.p.Get(context.Background(), s.ID)
	if s.Stage != session.StageDocumentDiscovery || s.FatalError == "" {
		t.Fatalf("stage %s fatal %q", s.Stage, s.FatalError)
	}
	if last := s.Outputs[len(s.Outputs)-1]; last.Status != session.OutputFailed {
		t.Fatalf("extraction output status %s", last.Status)
	}
	st := h.p.StatusOf(s)
	if st.FatalError == "" || len(st.FailureFlags) == 0 {
		t.Fatalf("status %+v", st)
	}

	if _, err := h.p.Advance(context.Background(), s.ID); !errors.Is(err, domain.ErrPrecondition) {
		t.Fatalf("fatal session must not advance, got %v", err)
	}

	delete(h.llm.errs, h.src.docs[0].ID)
	delete(h.llm.errs, h.src.docs[1].ID)
	delete(h.llm.errs, h.src.docs[2].ID)
	if _, err := h.p.ClearFailure(context.Background(), s.ID); err != nil {
		t.Fatal(err)
	}
	s, err = h.p.Advance(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("Advance after clear: %v", err)
	}
	if s.Stage != session.StageEvidenceExtraction {
		t.Fatalf("stage %s", s.Stage)
	}
}

func TestPipelineRejectsConcurrentStage(t *testing.T) {
	h := newHarness(t, nil, 5, threeDocs()...)
	s := h.create(t)

	if _, err := h.p.acquire(s.ID, session.StageEvidenceExtraction); err != nil {
		t.Fatal(err)
	}
	_, err := h.p.Advance(context.Background(), s.ID)
	if !errors.Is(err, ErrStageInProgress) || !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrStageInProgress, got %v", err)
	}
	h.p.release(s.ID)

	if _, err := h.p.Advance(context.Background(), s.ID); err != nil {
		t.Fatalf("after release: %v", err)
	}
}

// cancellingLLM cancels the session's extraction on its first call.
type cancellingLLM struct {
	*fakeLLM
	once      sync.Once
	p         *Pipeline
	sessionID string
}

func (c *cancellingLLM) Call(ctx context.Context, req llm.Request) (string, string, error) {
	c.once.Do(func() {
		if err := c.p.Cancel(ctx, c.sessionID); err != nil {
			panic(err)
		}
	})
	return c.fakeLLM.Call(ctx, req)
}

func TestPipelineCancelSavesPartialExtraction(t *testing.T) {
	cl := &cancellingLLM{fakeLLM: newFakeLLM()}
	h := newHarness(t, cl, 1, threeDocs()...)
	s := h.create(t)
	cl.p, cl.sessionID = h.p, s.ID

	if err := h.p.Cancel(context.Background(), s.ID); !errors.Is(err, domain.ErrPrecondition) {
		t.Fatalf("cancel without extraction: %v", err)
	}

	s, err := h.p.Advance(context.Background(), s.ID)
	if err != nil {
		t.Fatal(err)
	}
	s, err = h.p.Advance(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("extraction: %v", err)
	}
	if s.Stage != session.StageDocumentDiscovery {
		t.Fatalf("cancelled run must not move the pointer, stage %s", s.Stage)
	}
	last := s.Outputs[len(s.Outputs)-1]
	if last.Status != session.OutputCancelled || last.Counts.Succeeded != 1 || last.Counts.Cancelled != 2 {
		t.Fatalf("cancelled output %+v", last)
	}

	s, err = h.p.Advance(context.Background(), s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.Stage != session.StageEvidenceExtraction {
		t.Fatalf("stage %s", s.Stage)
	}
	if got := cl.calls.Load(); got != 3 {
		t.Fatalf("resume should extract only the remaining documents, total calls %d", got)
	}
	out, _ := s.LatestCommitted(session.StageEvidenceExtraction)
	if out.Counts.Succeeded != 3 {
		t.Fatalf("resumed counts %+v", out.Counts)
	}
}

func TestPipelineCreateValidation(t *testing.T) {
	h := newHarness(t, nil, 5)
	if _, err := h.p.Create(context.Background(), CreateRequest{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("missing source dir: %v", err)
	}
	if _, err := h.p.Create(context.Background(), CreateRequest{SourceDir: "/x", ChecklistID: "nope"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown checklist: %v", err)
	}
}

func TestPipelineArchive(t *testing.T) {
	h := newHarness(t, nil, 5, threeDocs()...)
	s := h.create(t)
	if _, err := h.p.Archive(context.Background(), s.ID, true); err != nil {
		t.Fatal(err)
	}
	if _, err := h.p.Advance(context.Background(), s.ID); !errors.Is(err, domain.ErrPrecondition) {
		t.Fatalf("archived session advanced: %v", err)
	}
	list, err := h.p.List(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Fatalf("archived session listed: %d", len(list))
	}
}
