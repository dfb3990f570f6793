package service

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/Strob0t/ReviewForge/internal/domain"
	"github.com/Strob0t/ReviewForge/internal/domain/checklist"
	"github.com/Strob0t/ReviewForge/internal/domain/report"
	"github.com/Strob0t/ReviewForge/internal/domain/session"
	"github.com/Strob0t/ReviewForge/internal/domain/verdict"
)

// descriptor declares one stage: what it consumes and how it runs.
type descriptor struct {
	stage    session.Stage
	requires session.Stage
	run      func(ctx context.Context, rc *runContext) (*stageResult, error)
	decision *session.ReviewDecision
}

type runContext struct {
	session   *session.Session
	checklist *checklist.Checklist
	input     session.StageOutput
	state     *runState
	decision  *session.ReviewDecision
}

type stageResult struct {
	payload session.Payload
	status  session.OutputStatus
	counts  session.Counts
	errMsg  string
	// commit moves the stage pointer; otherwise the output is only appended.
	commit bool
	// next overrides the pointer target, used by revisions.
	next  session.Stage
	fatal error
}

func (r *stageResult) pointer(stage session.Stage) session.Stage {
	if r.next != "" {
		return r.next
	}
	return stage
}

func (p *Pipeline) descriptors() map[session.Stage]descriptor {
	ds := []descriptor{
		{stage: session.StageDocumentDiscovery, requires: session.StageInitialize, run: p.runDiscovery},
		{stage: session.StageEvidenceExtraction, requires: session.StageDocumentDiscovery, run: p.runExtraction},
		{stage: session.StageCrossValidation, requires: session.StageEvidenceExtraction, run: p.runValidation},
		{stage: session.StageReportGeneration, requires: session.StageCrossValidation, run: p.runReport},
		{stage: session.StageHumanReview, requires: session.StageReportGeneration, run: p.runAwaitReview},
		{stage: session.StageComplete, requires: session.StageHumanReview, run: p.runComplete},
	}
	m := make(map[session.Stage]descriptor, len(ds))
	for _, d := range ds {
		m[d.stage] = d
	}
	return m
}

// reviseDescriptor records a revision decision at human_review and parks the
// pointer before the stage to re-run.
func (p *Pipeline) reviseDescriptor() descriptor {
	return descriptor{stage: session.StageHumanReview, requires: session.StageHumanReview, run: p.runRevise}
}

func committed[T session.Payload](s *session.Session, stage session.Stage) (T, session.StageOutput, error) {
	var zero T
	out, ok := s.LatestCommitted(stage)
	if !ok {
		return zero, out, fmt.Errorf("no committed %s output: %w", stage, domain.ErrPrecondition)
	}
	v, err := session.DecodeAs[T](out)
	if err != nil {
		return zero, out, fmt.Errorf("%w: %w", errCorrupt, err)
	}
	return v, out, nil
}

func (p *Pipeline) runDiscovery(ctx context.Context, rc *runContext) (*stageResult, error) {
	init, err := session.DecodeAs[*session.InitializePayload](rc.input)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errCorrupt, err)
	}
	inv, err := p.discoverer.Discover(ctx, init)
	if err != nil {
		return nil, err
	}
	n := len(inv.Documents)
	return &stageResult{
		payload: inv,
		status:  session.OutputSucceeded,
		counts:  session.Counts{Total: n, Succeeded: n},
		commit:  true,
	}, nil
}

func (p *Pipeline) runExtraction(ctx context.Context, rc *runContext) (*stageResult, error) {
	s := rc.session
	inv, err := session.DecodeAs[*session.DiscoveryPayload](rc.input)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errCorrupt, err)
	}

	in := ExtractInput{
		SessionID: s.ID,
		SourceDir: s.SourceDir,
		Checklist: rc.checklist,
		Documents: inv.Documents,
		Stop:      rc.state.cancelled.Load,
		OnResult: func(r session.DocumentResult) {
			p.telemetry.DocumentExtracted(ctx, r)
			p.events.documentResult(ctx, s.ID, r)
		},
	}
	if err := p.scopeExtraction(s, inv, &in); err != nil {
		return nil, err
	}

	out := p.extractor.Extract(ctx, in)
	res := &stageResult{payload: &out.Payload, counts: out.Counts}
	switch {
	case out.Fatal != nil:
		res.status = session.OutputFailed
		res.errMsg = out.Fatal.Error()
		res.fatal = out.Fatal
	case out.Cancelled:
		res.status = session.OutputCancelled
		res.errMsg = fmt.Sprintf("cancelled with %d of %d documents not started", out.Counts.Cancelled, out.Counts.Total)
	default:
		res.status = session.OutputSucceeded
		res.commit = true
	}
	return res, nil
}

// scopeExtraction decides which documents to (re)extract. A revision naming
// documents re-runs only those; a run after a cancelled one resumes the
// documents that did not succeed. Everything else is carried forward.
// Documents a reviewer sent back bypass the response cache.
func (p *Pipeline) scopeExtraction(s *session.Session, inv *session.DiscoveryPayload, in *ExtractInput) error {
	prevOut, hasPrev := s.LatestCommitted(session.StageEvidenceExtraction)

	dec, err := pendingExtractionRevision(s, prevOut, hasPrev)
	if err != nil {
		return err
	}
	if dec != nil {
		in.Refresh = make(map[string]bool, len(inv.Documents))
		for _, id := range dec.Documents {
			if _, ok := inv.Document(id); !ok {
				return fmt.Errorf("revision names unknown document %s: %w", id, domain.ErrValidation)
			}
			in.Refresh[id] = true
		}
		if len(dec.Documents) > 0 {
			prev, err := session.DecodeAs[*session.ExtractionPayload](prevOut)
			if err != nil {
				return fmt.Errorf("%w: %w", errCorrupt, err)
			}
			in.Only = maps.Clone(in.Refresh)
			in.Previous, in.PrevSeq = prev, prevOut.Seq
			return nil
		}
		for _, doc := range inv.Documents {
			in.Refresh[doc.ID] = true
		}
	}

	last, ok := s.Latest(session.StageEvidenceExtraction)
	if !ok || last.Status != session.OutputCancelled || (hasPrev && prevOut.Seq > last.Seq) {
		return nil
	}
	prev, err := session.DecodeAs[*session.ExtractionPayload](last)
	if err != nil {
		return fmt.Errorf("%w: %w", errCorrupt, err)
	}
	in.Only = make(map[string]bool)
	for _, doc := range inv.Documents {
		if r, ok := prev.Result(doc.ID); !ok || r.Status != session.DocSucceeded {
			in.Only[doc.ID] = true
		}
	}
	in.Previous, in.PrevSeq = prev, last.Seq
	return nil
}

// pendingExtractionRevision returns the reviewer decision that sent the
// session back to evidence_extraction after its last committed extraction.
func pendingExtractionRevision(s *session.Session, prevOut session.StageOutput, hasPrev bool) (*session.ReviewDecision, error) {
	rev, ok := s.LatestCommitted(session.StageHumanReview)
	if !ok || !hasPrev || rev.Seq <= prevOut.Seq {
		return nil, nil
	}
	rp, err := session.DecodeAs[*session.ReviewPayload](rev)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errCorrupt, err)
	}
	d := rp.Decision
	if d == nil || d.Action != session.ActionRevise || d.Target != session.StageEvidenceExtraction {
		return nil, nil
	}
	return d, nil
}

func (p *Pipeline) runValidation(_ context.Context, rc *runContext) (*stageResult, error) {
	ext, err := session.DecodeAs[*session.ExtractionPayload](rc.input)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errCorrupt, err)
	}
	inv, _, err := committed[*session.DiscoveryPayload](rc.session, session.StageDocumentDiscovery)
	if err != nil {
		return nil, err
	}

	val := Validate(rc.checklist, inv.Documents, ext)
	val.ExtractionSeq = rc.input.Seq

	var c session.Counts
	for _, r := range val.Results {
		c.Total++
		switch r.Status {
		case verdict.StatusCovered, verdict.StatusPartial:
			c.Succeeded++
		case verdict.StatusMissing:
			c.Failed++
		case verdict.StatusNotStarted:
			c.Skipped++
		}
	}
	return &stageResult{payload: val, status: session.OutputSucceeded, counts: c, commit: true}, nil
}

// reportInputs gathers the outputs a report for the latest validation needs.
func (p *Pipeline) reportInputs(rc *runContext) (ReportInput, error) {
	s := rc.session
	val, _, err := committed[*session.ValidationPayload](s, session.StageCrossValidation)
	if err != nil {
		return ReportInput{}, err
	}
	extOut, ok := s.OutputBySeq(val.ExtractionSeq)
	if !ok {
		return ReportInput{}, fmt.Errorf("%w: validation cites missing extraction seq %d", errCorrupt, val.ExtractionSeq)
	}
	ext, err := session.DecodeAs[*session.ExtractionPayload](extOut)
	if err != nil {
		return ReportInput{}, fmt.Errorf("%w: %w", errCorrupt, err)
	}
	inv, _, err := committed[*session.DiscoveryPayload](s, session.StageDocumentDiscovery)
	if err != nil {
		return ReportInput{}, err
	}
	return ReportInput{
		Session:    s,
		Checklist:  rc.checklist,
		Discovery:  inv,
		Extraction: ext,
		Validation: val,
		Now:        p.now(),
	}, nil
}

func (p *Pipeline) render(ctx context.Context, s *session.Session, r *report.Report) ([]string, error) {
	if p.renderer == nil {
		return nil, nil
	}
	refs, err := p.renderer.Render(ctx, r, s.NextSeq())
	if err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	return refs, nil
}

func (p *Pipeline) runReport(ctx context.Context, rc *runContext) (*stageResult, error) {
	in, err := p.reportInputs(rc)
	if err != nil {
		return nil, err
	}
	in.Corrections = priorCorrections(rc.session)
	rep := BuildReport(in)
	refs, err := p.render(ctx, rc.session, rep)
	if err != nil {
		return nil, err
	}
	return &stageResult{
		payload: &session.ReportPayload{Report: *rep, Refs: refs},
		status:  session.OutputSucceeded,
		counts:  session.Counts{Total: rep.Summary.Total, Succeeded: rep.Summary.Covered, Failed: rep.Summary.Missing},
		commit:  true,
	}, nil
}

func (p *Pipeline) runAwaitReview(_ context.Context, rc *runContext) (*stageResult, error) {
	rp, err := session.DecodeAs[*session.ReportPayload](rc.input)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errCorrupt, err)
	}
	payload := &session.ReviewPayload{ReportSeq: rc.input.Seq, FlagCount: len(rp.Report.Flags)}
	for _, d := range rp.Report.Documents {
		if d.Status == string(session.DocExtractionFailed) {
			payload.FailedDocuments = append(payload.FailedDocuments, d.ID)
		}
	}
	for _, sec := range rp.Report.Categories {
		for _, it := range sec.Items {
			payload.FlagCount += len(it.Flags)
		}
	}
	return &stageResult{
		payload: payload,
		status:  session.OutputAwaitingReview,
		counts:  session.Counts{Total: rp.Report.Summary.Total, Failed: len(payload.FailedDocuments)},
		commit:  true,
	}, nil
}

func (p *Pipeline) runRevise(_ context.Context, rc *runContext) (*stageResult, error) {
	waiting, err := session.DecodeAs[*session.ReviewPayload](rc.input)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errCorrupt, err)
	}
	dec := rc.decision
	if err := checkCorrections(rc.checklist, dec.Corrections); err != nil {
		return nil, err
	}
	if len(dec.Documents) > 0 {
		inv, _, err := committed[*session.DiscoveryPayload](rc.session, session.StageDocumentDiscovery)
		if err != nil {
			return nil, err
		}
		for _, id := range dec.Documents {
			if _, ok := inv.Document(id); !ok {
				return nil, fmt.Errorf("unknown document %s: %w", id, domain.ErrValidation)
			}
		}
	}
	prev, _ := dec.Target.Prev()
	return &stageResult{
		payload: &session.ReviewPayload{
			ReportSeq:       waiting.ReportSeq,
			FailedDocuments: waiting.FailedDocuments,
			FlagCount:       waiting.FlagCount,
			Decision:        dec,
		},
		status: session.OutputSucceeded,
		commit: true,
		next:   prev,
	}, nil
}

func (p *Pipeline) runComplete(ctx context.Context, rc *runContext) (*stageResult, error) {
	if err := checkCorrections(rc.checklist, rc.decision.Corrections); err != nil {
		return nil, err
	}
	in, err := p.reportInputs(rc)
	if err != nil {
		return nil, err
	}
	in.Corrections = append(priorCorrections(rc.session), rc.decision.Corrections...)
	in.Final = true
	rep := BuildReport(in)
	refs, err := p.render(ctx, rc.session, rep)
	if err != nil {
		return nil, err
	}
	return &stageResult{
		payload: &session.CompletePayload{Decision: *rc.decision, Report: *rep, Refs: refs},
		status:  session.OutputSucceeded,
		counts:  session.Counts{Total: rep.Summary.Total, Succeeded: rep.Summary.Covered, Failed: rep.Summary.Missing},
		commit:  true,
	}, nil
}

// checkCorrections rejects corrections for requirements the session's
// checklist does not define.
func checkCorrections(cl *checklist.Checklist, cs []verdict.Correction) error {
	for _, c := range cs {
		if _, _, ok := cl.Requirement(c.RequirementID); !ok {
			return fmt.Errorf("correction names unknown requirement %s in checklist %s: %w", c.RequirementID, cl.ID, domain.ErrValidation)
		}
	}
	return nil
}

// priorCorrections collects corrections from earlier revision decisions,
// oldest first.
func priorCorrections(s *session.Session) []verdict.Correction {
	var out []verdict.Correction
	for _, o := range s.History(session.StageHumanReview) {
		if o.Status != session.OutputSucceeded {
			continue
		}
		rp, err := session.DecodeAs[*session.ReviewPayload](o)
		if err != nil || rp.Decision == nil {
			continue
		}
		out = append(out, rp.Decision.Corrections...)
	}
	return slices.Clip(out)
}
