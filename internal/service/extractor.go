package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Strob0t/ReviewForge/internal/config"
	"github.com/Strob0t/ReviewForge/internal/domain/checklist"
	"github.com/Strob0t/ReviewForge/internal/domain/document"
	"github.com/Strob0t/ReviewForge/internal/domain/evidence"
	"github.com/Strob0t/ReviewForge/internal/domain/llm"
	"github.com/Strob0t/ReviewForge/internal/domain/session"
	"github.com/Strob0t/ReviewForge/internal/port/cache"
	"github.com/Strob0t/ReviewForge/internal/port/docsource"
	"github.com/Strob0t/ReviewForge/internal/workpool"
)

// Completer runs one LLM call. *Router implements it.
type Completer interface {
	Call(ctx context.Context, req llm.Request) (text, backend string, err error)
}

// ExtractInput describes one extraction run.
type ExtractInput struct {
	SessionID string
	SourceDir string
	Checklist *checklist.Checklist
	Documents []document.Document

	// Only restricts extraction to these document IDs. Documents outside the
	// set keep the evidence from Previous. Nil means every document.
	Only map[string]bool

	// Refresh names documents whose replies must come from the LLM rather
	// than the response cache. Fresh replies are still cached.
	Refresh map[string]bool

	// Previous is the last extraction for the session, if any, and PrevSeq
	// its output sequence number.
	Previous *session.ExtractionPayload
	PrevSeq  int

	// Stop is polled before each document is dispatched.
	Stop func() bool

	// OnResult is called as each document finishes.
	OnResult func(session.DocumentResult)
}

// ExtractOutput is the result of an extraction run.
type ExtractOutput struct {
	Payload   session.ExtractionPayload
	Counts    session.Counts
	Cancelled bool
	// Fatal is set when a session-level failure stopped the run.
	Fatal error
}

// Extractor pulls evidence out of documents with one LLM call per document,
// several documents at a time.
type Extractor struct {
	llm      Completer
	source   docsource.Source
	cache    cache.Cache
	cacheTTL time.Duration
	pool     *workpool.Pool
	cfg      config.Extraction
	model    string
	now      func() time.Time
}

// NewExtractor creates an Extractor. c may be nil to disable response
// caching.
func NewExtractor(llmc Completer, source docsource.Source, c cache.Cache, cfg config.Extraction, cacheCfg config.Cache, model string) *Extractor {
	return &Extractor{
		llm:      llmc,
		source:   source,
		cache:    c,
		cacheTTL: cacheCfg.L2TTL,
		pool:     workpool.NewPool(cfg.MaxConcurrent),
		cfg:      cfg,
		model:    model,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type docOutcome struct {
	result   session.DocumentResult
	evidence []evidence.Evidence
}

// Extract runs extraction for in.Documents. Per-document failures are
// recorded in the results and never fail the run. A cancelled run reports the
// documents it finished and marks the rest cancelled.
func (e *Extractor) Extract(ctx context.Context, in ExtractInput) *ExtractOutput {
	docs := slices.Clone(in.Documents)
	slices.SortFunc(docs, func(a, b document.Document) int { return strings.Compare(a.ID, b.ID) })

	var (
		outcomes []docOutcome
		targets  []document.Document
	)
	for _, doc := range docs {
		cats := in.Checklist.CategoriesFor(doc)
		if len(cats) == 0 {
			outcomes = append(outcomes, docOutcome{result: session.DocumentResult{DocumentID: doc.ID, Status: session.DocSkipped}})
			continue
		}
		if in.Only != nil && !in.Only[doc.ID] {
			if carried, ok := carryForward(in.Previous, in.PrevSeq, doc.ID); ok {
				outcomes = append(outcomes, carried)
				continue
			}
		}
		targets = append(targets, doc)
	}

	var fatal atomic.Pointer[error]
	stop := func() bool {
		if fatal.Load() != nil || ctx.Err() != nil {
			return true
		}
		return in.Stop != nil && in.Stop()
	}

	// In-flight calls finish even when the caller's context is cancelled.
	workCtx := context.WithoutCancel(ctx)
	done := make([]docOutcome, len(targets))
	skipped := e.pool.Each(ctx, len(targets), stop, func(i int) {
		o := e.extractDocument(workCtx, in, targets[i])
		if llm.Fatal(o.err) {
			err := o.err
			fatal.CompareAndSwap(nil, &err)
		}
		done[i] = o.docOutcome
		if in.OnResult != nil {
			in.OnResult(o.result)
		}
	})

	out := &ExtractOutput{}
	for _, i := range skipped {
		done[i] = docOutcome{result: session.DocumentResult{DocumentID: targets[i].ID, Status: session.DocCancelled}}
	}
	if p := fatal.Load(); p != nil {
		out.Fatal = *p
	} else if len(skipped) > 0 {
		out.Cancelled = true
	}

	outcomes = append(outcomes, done...)
	slices.SortFunc(outcomes, func(a, b docOutcome) int { return strings.Compare(a.result.DocumentID, b.result.DocumentID) })

	for _, o := range outcomes {
		out.Payload.Results = append(out.Payload.Results, o.result)
		out.Payload.Evidence = append(out.Payload.Evidence, o.evidence...)
		out.Counts.Total++
		switch o.result.Status {
		case session.DocSucceeded:
			out.Counts.Succeeded++
		case session.DocExtractionFailed:
			out.Counts.Failed++
		case session.DocSkipped:
			out.Counts.Skipped++
		case session.DocCancelled:
			out.Counts.Cancelled++
		}
	}
	slices.SortFunc(out.Payload.Evidence, func(a, b evidence.Evidence) int { return evidence.Less(&a, &b) })
	return out
}

// carryForward reuses a document's previous successful result and evidence.
func carryForward(prev *session.ExtractionPayload, prevSeq int, docID string) (docOutcome, bool) {
	if prev == nil {
		return docOutcome{}, false
	}
	r, ok := prev.Result(docID)
	if !ok || r.Status == session.DocCancelled {
		return docOutcome{}, false
	}
	if r.CarriedFrom == 0 {
		r.CarriedFrom = prevSeq
	}
	var ev []evidence.Evidence
	for _, e := range prev.Evidence {
		if e.DocumentID == docID {
			ev = append(ev, e)
		}
	}
	return docOutcome{result: r, evidence: ev}, true
}

type attemptOutcome struct {
	docOutcome
	err error
}

func (e *Extractor) extractDocument(ctx context.Context, in ExtractInput, doc document.Document) attemptOutcome {
	res := session.DocumentResult{DocumentID: doc.ID}
	fail := func(err error) attemptOutcome {
		res.Status = session.DocExtractionFailed
		res.ErrorKind = llm.KindOf(err)
		res.Error = err.Error()
		slog.WarnContext(ctx, "document extraction failed",
			"document_id", doc.ID, "kind", res.ErrorKind, "attempts", res.Attempts, "error", err)
		return attemptOutcome{docOutcome: docOutcome{result: res}, err: err}
	}

	pages, err := e.source.Pages(ctx, in.SourceDir, doc)
	if err != nil {
		return fail(fmt.Errorf("read pages: %w", err))
	}

	cats := in.Checklist.CategoriesFor(doc)
	allowed := make(map[string]bool)
	for _, c := range cats {
		for _, r := range c.Requirements {
			allowed[r.ID] = true
		}
	}

	refresh := in.Refresh[doc.ID]
	reason := ""
	for range 2 {
		system, user, err := buildExtractionPrompt(doc, cats, pages, e.cfg.MaxDocChars, reason)
		if err != nil {
			return fail(err)
		}
		req := llm.Request{
			Prompt:      user,
			System:      system,
			Model:       e.model,
			MaxTokens:   e.cfg.MaxTokens,
			Temperature: e.cfg.Temperature,
		}

		res.Attempts++
		reply, cached, err := e.complete(ctx, req, refresh)
		if err != nil && llm.KindOf(err) != llm.KindValidation {
			return fail(err)
		}
		var ev []evidence.Evidence
		if err == nil {
			ev, err = parseExtraction(reply, in.SessionID, doc, len(pages), allowed, e.now())
		}
		if err == nil {
			if !cached {
				e.store(ctx, req, reply)
			}
			res.Status = session.DocSucceeded
			res.Cached = cached
			res.EvidenceCount = len(ev)
			return attemptOutcome{docOutcome: docOutcome{result: res, evidence: ev}}
		}
		reason = err.Error()
		if cached {
			e.evict(ctx, req)
		}
	}

	res.NeedsReview = true
	return fail(llm.Errorf(llm.KindValidation, "extractor", "unusable reply after stricter retry: %s", reason))
}

func (e *Extractor) complete(ctx context.Context, req llm.Request, refresh bool) (reply string, cached bool, err error) {
	if e.cache != nil && !refresh {
		if data, ok, err := e.cache.Get(ctx, cacheKey(req)); err == nil && ok {
			return string(data), true, nil
		}
	}
	reply, _, err = e.llm.Call(ctx, req)
	return reply, false, err
}

func (e *Extractor) store(ctx context.Context, req llm.Request, reply string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Set(ctx, cacheKey(req), []byte(reply), e.cacheTTL); err != nil {
		slog.WarnContext(ctx, "extraction cache set failed", "error", err)
	}
}

func (e *Extractor) evict(ctx context.Context, req llm.Request) {
	if err := e.cache.Delete(ctx, cacheKey(req)); err != nil && !errors.Is(err, context.Canceled) {
		slog.WarnContext(ctx, "extraction cache delete failed", "error", err)
	}
}

// cacheKey identifies a response by everything that shapes it.
func cacheKey(req llm.Request) string {
	return cache.Key("extract", req.Model, req.System, req.Prompt)
}
