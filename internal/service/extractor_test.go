package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/ReviewForge/internal/config"
	"github.com/Strob0t/ReviewForge/internal/domain/checklist"
	"github.com/Strob0t/ReviewForge/internal/domain/document"
	"github.com/Strob0t/ReviewForge/internal/domain/llm"
	"github.com/Strob0t/ReviewForge/internal/domain/session"
	"github.com/Strob0t/ReviewForge/internal/port/cache"
)

func builtinChecklist(t *testing.T) *checklist.Checklist {
	t.Helper()
	reg, err := checklist.Registry("")
	if err != nil {
		t.Fatal(err)
	}
	return reg["registration-v1"]
}

func newTestExtractor(l Completer, src *fakeSource, c cache.Cache, maxConcurrent int) *Extractor {
	cfg := config.Defaults()
	cfg.Extraction.MaxConcurrent = maxConcurrent
	return NewExtractor(l, src, c, cfg.Extraction, cfg.Cache, "test-model")
}

func extractInput(t *testing.T, src *fakeSource) ExtractInput {
	return ExtractInput{
		SessionID: "s1",
		SourceDir: "/docs",
		Checklist: builtinChecklist(t),
		Documents: src.docs,
	}
}

func resultFor(t *testing.T, out *ExtractOutput, docID string) session.DocumentResult {
	t.Helper()
	r, ok := out.Payload.Result(docID)
	if !ok {
		t.Fatalf("no result for %s", docID)
	}
	return r
}

func TestExtractIsolatesFailingDocument(t *testing.T) {
	src := newFakeSource(
		document.Document{Path: "project_plan.pdf"},
		document.Document{Path: "monitoring_report.pdf"},
		document.Document{Path: "ghg_emissions.pdf"},
	)
	plan, mon, ghg := src.docs[0].ID, src.docs[1].ID, src.docs[2].ID

	l := newFakeLLM()
	l.reply(plan, evidenceReply(entry("REQ-001", "satisfied", 0.9, "Project Alpha, ID 1234", "")))
	l.reply(mon, evidenceReply(entry("REQ-030", "partial", 0.6, "Monitoring is quarterly", "")))
	l.errs[ghg] = llm.Errorf(llm.KindTransient, "fake", "timed out")

	out := newTestExtractor(l, src, nil, 5).Extract(context.Background(), extractInput(t, src))

	if out.Fatal != nil || out.Cancelled {
		t.Fatalf("unexpected fatal=%v cancelled=%v", out.Fatal, out.Cancelled)
	}
	if r := resultFor(t, out, ghg); r.Status != session.DocExtractionFailed || r.ErrorKind != llm.KindTransient {
		t.Fatalf("ghg result %+v", r)
	}
	for _, id := range []string{plan, mon} {
		if r := resultFor(t, out, id); r.Status != session.DocSucceeded || r.EvidenceCount != 1 {
			t.Fatalf("result %+v", r)
		}
	}
	if out.Counts != (session.Counts{Total: 3, Succeeded: 2, Failed: 1}) {
		t.Fatalf("counts %+v", out.Counts)
	}
	if len(out.Payload.Evidence) != 2 {
		t.Fatalf("evidence %d, want 2", len(out.Payload.Evidence))
	}
	if err := out.Payload.Validate(); err != nil {
		t.Fatalf("payload invalid: %v", err)
	}
}

func TestExtractStricterRetryThenSucceeds(t *testing.T) {
	src := newFakeSource(document.Document{Path: "project_plan.pdf"})
	id := src.docs[0].ID

	l := newFakeLLM()
	l.reply(id,
		evidenceReply(entry("REQ-999", "satisfied", 0.9, "made up", "")),
		evidenceReply(entry("REQ-001", "satisfied", 0.9, "Project Alpha", "")),
	)

	out := newTestExtractor(l, src, nil, 5).Extract(context.Background(), extractInput(t, src))
	r := resultFor(t, out, id)
	if r.Status != session.DocSucceeded || r.Attempts != 2 {
		t.Fatalf("result %+v", r)
	}
	if len(l.prompts) != 2 || l.prompts[0].System == l.prompts[1].System {
		t.Fatal("second attempt should use the stricter system prompt")
	}
}

func TestExtractValidationFailureFlagsDocument(t *testing.T) {
	src := newFakeSource(document.Document{Path: "project_plan.pdf"})
	id := src.docs[0].ID

	l := newFakeLLM()
	l.reply(id, "I could not find anything useful.")

	out := newTestExtractor(l, src, nil, 5).Extract(context.Background(), extractInput(t, src))
	r := resultFor(t, out, id)
	if r.Status != session.DocExtractionFailed || r.ErrorKind != llm.KindValidation || !r.NeedsReview {
		t.Fatalf("result %+v", r)
	}
	if r.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", r.Attempts)
	}
}

func TestExtractBoundedConcurrency(t *testing.T) {
	var docs []document.Document
	for _, p := range []string{"a_monitoring.pdf", "b_monitoring.pdf", "c_monitoring.pdf", "d_monitoring.pdf", "e_monitoring.pdf", "f_monitoring.pdf"} {
		docs = append(docs, document.Document{Path: p})
	}
	src := newFakeSource(docs...)
	l := newFakeLLM()
	l.delay = 20 * time.Millisecond

	out := newTestExtractor(l, src, nil, 2).Extract(context.Background(), extractInput(t, src))
	if out.Counts.Succeeded != 6 {
		t.Fatalf("counts %+v", out.Counts)
	}
	if got := l.maxSeen.Load(); got > 2 {
		t.Fatalf("max concurrent calls %d, want <= 2", got)
	}
}

func TestExtractCancelKeepsFinishedDocuments(t *testing.T) {
	src := newFakeSource(
		document.Document{Path: "a_monitoring.pdf"},
		document.Document{Path: "b_monitoring.pdf"},
		document.Document{Path: "c_monitoring.pdf"},
	)
	l := newFakeLLM()

	var finished atomic.Int32
	in := extractInput(t, src)
	in.Stop = func() bool { return finished.Load() > 0 }
	in.OnResult = func(session.DocumentResult) { finished.Add(1) }

	out := newTestExtractor(l, src, nil, 1).Extract(context.Background(), in)
	if !out.Cancelled {
		t.Fatal("expected cancelled run")
	}
	if out.Counts.Succeeded != 1 || out.Counts.Cancelled != 2 {
		t.Fatalf("counts %+v", out.Counts)
	}
	if l.calls.Load() != 1 {
		t.Fatalf("no new document should be dispatched after cancel, calls %d", l.calls.Load())
	}
}

func TestExtractUsesCache(t *testing.T) {
	src := newFakeSource(document.Document{Path: "project_plan.pdf"})
	id := src.docs[0].ID
	l := newFakeLLM()
	l.reply(id, evidenceReply(entry("REQ-001", "satisfied", 0.9, "Project Alpha", "")))
	c := newMapCache()
	ex := newTestExtractor(l, src, c, 5)

	first := ex.Extract(context.Background(), extractInput(t, src))
	second := ex.Extract(context.Background(), extractInput(t, src))

	if l.calls.Load() != 1 {
		t.Fatalf("identical prompt should hit the cache, calls %d", l.calls.Load())
	}
	if !resultFor(t, second, id).Cached {
		t.Fatal("second run should report a cached result")
	}
	if first.Payload.Evidence[0].ID != second.Payload.Evidence[0].ID {
		t.Fatal("cached extraction should yield identical evidence IDs")
	}
}

func TestExtractOnlyCarriesOtherDocuments(t *testing.T) {
	src := newFakeSource(
		document.Document{Path: "project_plan.pdf"},
		document.Document{Path: "monitoring_report.pdf"},
	)
	plan, mon := src.docs[0].ID, src.docs[1].ID
	l := newFakeLLM()
	l.reply(plan, evidenceReply(entry("REQ-001", "satisfied", 0.9, "Project Alpha", "")))
	l.reply(mon,
		evidenceReply(entry("REQ-030", "partial", 0.5, "old text", "")),
		evidenceReply(entry("REQ-030", "satisfied", 0.8, "new text", "")),
	)
	ex := newTestExtractor(l, src, nil, 5)
	first := ex.Extract(context.Background(), extractInput(t, src))

	in := extractInput(t, src)
	in.Only = map[string]bool{mon: true}
	in.Previous = &first.Payload
	in.PrevSeq = 3
	second := ex.Extract(context.Background(), in)

	if r := resultFor(t, second, plan); r.CarriedFrom != 3 {
		t.Fatalf("plan should be carried from seq 3: %+v", r)
	}
	var monTexts []string
	for _, e := range second.Payload.Evidence {
		if e.DocumentID == mon {
			monTexts = append(monTexts, e.Text)
		}
	}
	if len(monTexts) != 1 || monTexts[0] != "new text" {
		t.Fatalf("re-extraction must replace the document's evidence, got %v", monTexts)
	}
	if l.calls.Load() != 3 {
		t.Fatalf("calls %d, want 3", l.calls.Load())
	}
}

func TestExtractConfigurationErrorIsFatal(t *testing.T) {
	src := newFakeSource(
		document.Document{Path: "a_monitoring.pdf"},
		document.Document{Path: "b_monitoring.pdf"},
	)
	l := newFakeLLM()
	for _, d := range src.docs {
		l.errs[d.ID] = llm.Errorf(llm.KindConfiguration, "router", "no LLM backend available")
	}
	out := newTestExtractor(l, src, nil, 1).Extract(context.Background(), extractInput(t, src))
	if llm.KindOf(out.Fatal) != llm.KindConfiguration {
		t.Fatalf("expected fatal configuration error, got %v", out.Fatal)
	}
	if l.calls.Load() != 1 {
		t.Fatalf("dispatch should stop after a fatal error, calls %d", l.calls.Load())
	}
}

func TestExtractSkipsIgnoredAndUnclassified(t *testing.T) {
	src := newFakeSource(
		document.Document{Path: "project_plan.pdf", Discovery: document.DiscoveryIgnored},
		document.Document{Path: "photo.jpg"},
	)
	l := newFakeLLM()
	out := newTestExtractor(l, src, nil, 5).Extract(context.Background(), extractInput(t, src))
	if out.Counts.Skipped != 2 || l.calls.Load() != 0 {
		t.Fatalf("counts %+v calls %d", out.Counts, l.calls.Load())
	}
}
