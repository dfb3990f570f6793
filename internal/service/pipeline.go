package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/ReviewForge/internal/domain"
	"github.com/Strob0t/ReviewForge/internal/domain/checklist"
	"github.com/Strob0t/ReviewForge/internal/domain/llm"
	"github.com/Strob0t/ReviewForge/internal/domain/report"
	"github.com/Strob0t/ReviewForge/internal/domain/session"
	"github.com/Strob0t/ReviewForge/internal/domain/verdict"
	"github.com/Strob0t/ReviewForge/internal/logger"
	"github.com/Strob0t/ReviewForge/internal/port/reportrenderer"
	"github.com/Strob0t/ReviewForge/internal/port/sessionstore"
)

// ErrStageInProgress is returned when a session already has a stage running.
var ErrStageInProgress = fmt.Errorf("a stage is already running for this session: %w", domain.ErrConflict)

// errCorrupt marks a committed output that no longer decodes.
var errCorrupt = errors.New("session state is corrupt")

// CreateRequest starts a new review session.
type CreateRequest struct {
	Name        string   `json:"name"`
	SourceDir   string   `json:"source_dir"`
	ChecklistID string   `json:"checklist_id,omitempty"`
	Pinned      []string `json:"pinned,omitempty"`
	Ignored     []string `json:"ignored,omitempty"`
}

// PipelineDeps wires a Pipeline.
type PipelineDeps struct {
	Store            sessionstore.Store
	Checklists       map[string]*checklist.Checklist
	DefaultChecklist string
	Discoverer       *Discoverer
	Extractor        *Extractor
	Renderer         reportrenderer.Renderer
	Events           *Events
	Telemetry        Telemetry
}

// Pipeline drives sessions through their stages. Every state change goes
// through the store; the only in-memory state is which sessions have a stage
// running.
type Pipeline struct {
	store            sessionstore.Store
	checklists       map[string]*checklist.Checklist
	defaultChecklist string
	discoverer       *Discoverer
	extractor        *Extractor
	renderer         reportrenderer.Renderer
	events           *Events
	telemetry        Telemetry
	stages           map[session.Stage]descriptor
	now              func() time.Time

	mu      sync.Mutex
	running map[string]*runState
}

type runState struct {
	stage     session.Stage
	cancelled atomic.Bool
}

// NewPipeline creates a Pipeline.
func NewPipeline(d PipelineDeps) *Pipeline {
	p := &Pipeline{
		store:            d.Store,
		checklists:       d.Checklists,
		defaultChecklist: d.DefaultChecklist,
		discoverer:       d.Discoverer,
		extractor:        d.Extractor,
		renderer:         d.Renderer,
		events:           d.Events,
		telemetry:        d.Telemetry,
		now:              func() time.Time { return time.Now().UTC() },
		running:          make(map[string]*runState),
	}
	if p.telemetry == nil {
		p.telemetry = noopTelemetry{}
	}
	p.stages = p.descriptors()
	return p
}

// acquire marks a stage as running for sessionID.
func (p *Pipeline) acquire(sessionID string, stage session.Stage) (*runState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.running[sessionID]; ok {
		return nil, fmt.Errorf("session %s running %s: %w", sessionID, st.stage, ErrStageInProgress)
	}
	st := &runState{stage: stage}
	p.running[sessionID] = st
	return st, nil
}

func (p *Pipeline) release(sessionID string) {
	p.mu.Lock()
	delete(p.running, sessionID)
	p.mu.Unlock()
}

func (p *Pipeline) checklist(id string) (*checklist.Checklist, error) {
	cl, ok := p.checklists[id]
	if !ok {
		return nil, fmt.Errorf("checklist %q: %w", id, domain.ErrNotFound)
	}
	return cl, nil
}

// Create starts a session at initialize.
func (p *Pipeline) Create(ctx context.Context, req CreateRequest) (*session.Session, error) {
	if req.SourceDir == "" {
		return nil, fmt.Errorf("source_dir is required: %w", domain.ErrValidation)
	}
	if req.ChecklistID == "" {
		req.ChecklistID = p.defaultChecklist
	}
	if _, err := p.checklist(req.ChecklistID); err != nil {
		return nil, err
	}
	if req.Name == "" {
		req.Name = filepath.Base(filepath.Clean(req.SourceDir))
	}

	now := p.now()
	s := &session.Session{
		ID:          uuid.New().String(),
		Name:        req.Name,
		SourceDir:   req.SourceDir,
		ChecklistID: req.ChecklistID,
		Stage:       session.StageInitialize,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	out, err := session.NewOutput(s.ID, session.OutputSucceeded, session.Counts{}, &session.InitializePayload{
		SourceDir:   req.SourceDir,
		ChecklistID: req.ChecklistID,
		Pinned:      req.Pinned,
		Ignored:     req.Ignored,
	})
	if err != nil {
		return nil, err
	}
	if err := p.store.Create(ctx, s, out); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	slog.InfoContext(ctx, "session created", "session_id", s.ID, "source_dir", s.SourceDir, "checklist", s.ChecklistID)
	p.events.sessionCreated(ctx, s)
	return p.store.Load(ctx, s.ID)
}

// Get loads a session with its outputs.
func (p *Pipeline) Get(ctx context.Context, id string) (*session.Session, error) {
	return p.store.Load(ctx, id)
}

// List returns session summaries, newest first.
func (p *Pipeline) List(ctx context.Context, includeArchived bool) ([]session.Session, error) {
	return p.store.List(ctx, includeArchived)
}

// Running reports the stage currently executing for a session, if any.
func (p *Pipeline) Running(id string) (session.Stage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.running[id]
	if !ok {
		return "", false
	}
	return st.stage, true
}

// Advance runs the stage after the session's current one and commits its
// output. Per-document failures are recorded in the output; the returned
// error is reserved for stage-level failures.
func (p *Pipeline) Advance(ctx context.Context, id string) (*session.Session, error) {
	s, err := p.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkRunnable(s); err != nil {
		return nil, err
	}
	if s.Stage == session.StageHumanReview {
		return nil, fmt.Errorf("session %s is awaiting a review decision: %w", id, domain.ErrPrecondition)
	}
	next, ok := s.Stage.Next()
	if !ok {
		return nil, fmt.Errorf("session %s is complete: %w", id, domain.ErrPrecondition)
	}
	d, ok := p.stages[next]
	if !ok {
		return nil, fmt.Errorf("no runner for stage %s: %w", next, domain.ErrPrecondition)
	}

	st, err := p.acquire(id, next)
	if err != nil {
		return nil, err
	}
	defer p.release(id)

	// Reload under the run lock so the version and outputs are current.
	if s, err = p.store.Load(ctx, id); err != nil {
		return nil, err
	}
	if err := checkRunnable(s); err != nil {
		return nil, err
	}
	if s.Stage != d.requires {
		return nil, fmt.Errorf("session %s moved to %s: %w", id, s.Stage, domain.ErrConflict)
	}
	return p.runStage(ctx, s, d, st)
}

func checkRunnable(s *session.Session) error {
	if s.Archived {
		return fmt.Errorf("session %s is archived: %w", s.ID, domain.ErrPrecondition)
	}
	if s.FatalError != "" {
		return fmt.Errorf("session %s has an unresolved failure (%s); clear it first: %w", s.ID, s.FatalError, domain.ErrPrecondition)
	}
	return nil
}

// runStage checks the descriptor's precondition, runs it and persists the
// output. The output is written before the stage pointer moves.
func (p *Pipeline) runStage(ctx context.Context, s *session.Session, d descriptor, st *runState) (*session.Session, error) {
	ctx = logger.WithSession(ctx, s.ID, string(d.stage))
	ctx, end := p.telemetry.StartStage(ctx, s.ID, d.stage)

	input, err := p.precondition(s, d)
	if err != nil {
		end("", err)
		if errors.Is(err, errCorrupt) {
			p.markFatal(ctx, s.ID, err)
		}
		return nil, err
	}
	cl, err := p.checklist(s.ChecklistID)
	if err != nil {
		end("", err)
		p.markFatal(ctx, s.ID, err)
		return nil, err
	}

	slog.InfoContext(ctx, "stage started")
	p.events.stageStarted(ctx, s.ID, d.stage)
	start := time.Now()

	res, runErr := d.run(ctx, &runContext{session: s, checklist: cl, input: input, state: st, decision: d.decision})

	// Persist even if the caller went away mid-run.
	persistCtx := context.WithoutCancel(ctx)

	if runErr != nil {
		out := session.FailedOutput(s.ID, d.stage, runErr)
		if _, err := p.store.AppendStageOutput(persistCtx, s.ID, s.Version, &out); err != nil {
			slog.ErrorContext(ctx, "record failed stage", "error", err)
		} else {
			p.events.stageFinished(ctx, &out)
		}
		if llm.Fatal(runErr) || errors.Is(runErr, errCorrupt) {
			p.markFatal(persistCtx, s.ID, runErr)
		}
		end(session.OutputFailed, runErr)
		slog.WarnContext(ctx, "stage failed", "error", runErr, "duration", time.Since(start))
		return nil, fmt.Errorf("%s: %w", d.stage, runErr)
	}

	out, err := session.NewOutput(s.ID, res.status, res.counts, res.payload)
	if err != nil {
		end("", err)
		return nil, err
	}
	out.Error = res.errMsg

	if res.commit {
		_, err = p.store.Commit(persistCtx, s.ID, s.Version, &out, res.pointer(d.stage))
	} else {
		_, err = p.store.AppendStageOutput(persistCtx, s.ID, s.Version, &out)
	}
	if err != nil {
		end("", err)
		return nil, fmt.Errorf("persist %s output: %w", d.stage, err)
	}
	if res.fatal != nil {
		p.markFatal(persistCtx, s.ID, res.fatal)
	}

	end(out.Status, nil)
	p.events.stageFinished(ctx, &out)
	slog.InfoContext(ctx, "stage finished", "status", out.Status, "seq", out.Seq,
		"total", out.Counts.Total, "failed", out.Counts.Failed, "duration", time.Since(start))

	return p.store.Load(persistCtx, s.ID)
}

// precondition returns the committed output the stage consumes and checks it
// decodes.
func (p *Pipeline) precondition(s *session.Session, d descriptor) (session.StageOutput, error) {
	in, ok := s.LatestCommitted(d.requires)
	if !ok {
		return session.StageOutput{}, fmt.Errorf("%s requires a committed %s output: %w", d.stage, d.requires, domain.ErrPrecondition)
	}
	if _, err := session.Decode(in); err != nil {
		return session.StageOutput{}, fmt.Errorf("%w: %w", errCorrupt, err)
	}
	return in, nil
}

// markFatal records a session-level failure that blocks further stages.
func (p *Pipeline) markFatal(ctx context.Context, id string, cause error) {
	s, err := p.store.Load(ctx, id)
	if err != nil {
		slog.ErrorContext(ctx, "mark fatal: load session", "error", err)
		return
	}
	s.FatalError = cause.Error()
	s.UpdatedAt = p.now()
	if err := p.store.Save(ctx, s); err != nil {
		slog.ErrorContext(ctx, "mark fatal: save session", "error", err)
		return
	}
	slog.ErrorContext(ctx, "session halted", "error", cause)
}

// Run advances until the session waits for review, completes, or a stage
// does not commit.
func (p *Pipeline) Run(ctx context.Context, id string) (*session.Session, error) {
	for {
		s, err := p.Advance(ctx, id)
		if err != nil {
			return nil, err
		}
		if s.Stage == session.StageHumanReview || s.Stage == session.StageComplete {
			return s, nil
		}
		last := s.Outputs[len(s.Outputs)-1]
		if last.Status != session.OutputSucceeded {
			return s, nil
		}
		if err := ctx.Err(); err != nil {
			return s, err
		}
	}
}

// Cancel asks a running extraction to stop dispatching documents. Documents
// already in flight finish and the partial result is saved as cancelled.
func (p *Pipeline) Cancel(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.running[id]
	if !ok || st.stage != session.StageEvidenceExtraction {
		return fmt.Errorf("session %s has no extraction running: %w", id, domain.ErrPrecondition)
	}
	st.cancelled.Store(true)
	return nil
}

// Review records a human decision at human_review. Approve produces the
// final report; revise sends the session back to the target stage.
func (p *Pipeline) Review(ctx context.Context, id string, dec session.ReviewDecision) (*session.Session, error) {
	if err := dec.Validate(); err != nil {
		return nil, err
	}
	st, err := p.acquire(id, session.StageHumanReview)
	if err != nil {
		return nil, err
	}
	defer p.release(id)

	s, err := p.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkRunnable(s); err != nil {
		return nil, err
	}
	if s.Stage != session.StageHumanReview {
		return nil, fmt.Errorf("session %s is at %s, not %s: %w", id, s.Stage, session.StageHumanReview, domain.ErrPrecondition)
	}

	now := p.now()
	for i := range dec.Corrections {
		if dec.Corrections[i].Reviewer == "" {
			dec.Corrections[i].Reviewer = dec.Reviewer
		}
		if dec.Corrections[i].CreatedAt.IsZero() {
			dec.Corrections[i].CreatedAt = now
		}
	}

	d := p.stages[session.StageComplete]
	if dec.Action == session.ActionRevise {
		d = p.reviseDescriptor()
	}
	d.decision = &dec

	s2, err := p.runStage(ctx, s, d, st)
	if err != nil {
		return nil, err
	}
	p.events.reviewSubmitted(ctx, id, &dec)
	return s2, nil
}

// ClearFailure resolves a session-level failure so the session can advance.
func (p *Pipeline) ClearFailure(ctx context.Context, id string) (*session.Session, error) {
	if _, err := p.acquire(id, ""); err != nil {
		return nil, err
	}
	defer p.release(id)

	s, err := p.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.FatalError == "" {
		return s, nil
	}
	slog.InfoContext(ctx, "session failure cleared", "session_id", id, "was", s.FatalError)
	s.FatalError = ""
	s.UpdatedAt = p.now()
	if err := p.store.Save(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Archive sets or clears the archived flag. Sessions are never deleted.
func (p *Pipeline) Archive(ctx context.Context, id string, archived bool) (*session.Session, error) {
	if _, err := p.acquire(id, ""); err != nil {
		return nil, err
	}
	defer p.release(id)

	s, err := p.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Archived == archived {
		return s, nil
	}
	s.Archived = archived
	s.UpdatedAt = p.now()
	if err := p.store.Save(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// StageOutput returns the most recent output recorded for a stage, whatever
// its status.
func (p *Pipeline) StageOutput(ctx context.Context, id string, stage session.Stage) (*session.StageOutput, error) {
	s, err := p.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	out, ok := s.Latest(stage)
	if !ok {
		return nil, fmt.Errorf("session %s has no %s output: %w", id, stage, domain.ErrNotFound)
	}
	return &out, nil
}

// StageHistory returns every output recorded for a stage, oldest first.
func (p *Pipeline) StageHistory(ctx context.Context, id string, stage session.Stage) ([]session.StageOutput, error) {
	s, err := p.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.History(stage), nil
}

// Report returns the final report of a completed session, or the latest
// draft otherwise.
func (p *Pipeline) Report(ctx context.Context, id string) (*report.Report, []string, error) {
	s, err := p.store.Load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if out, ok := s.LatestCommitted(session.StageComplete); ok {
		c, err := session.DecodeAs[*session.CompletePayload](out)
		if err != nil {
			return nil, nil, err
		}
		return &c.Report, c.Refs, nil
	}
	if out, ok := s.LatestCommitted(session.StageReportGeneration); ok {
		r, err := session.DecodeAs[*session.ReportPayload](out)
		if err != nil {
			return nil, nil, err
		}
		return &r.Report, r.Refs, nil
	}
	return nil, nil, fmt.Errorf("session %s has no report yet: %w", id, domain.ErrNotFound)
}

// Status is the compact view every API operation returns.
type Status struct {
	SessionID       string               `json:"session_id"`
	Name            string               `json:"name"`
	Stage           session.Stage        `json:"stage"`
	Running         session.Stage        `json:"running,omitempty"`
	LastStatus      session.OutputStatus `json:"last_status,omitempty"`
	LastError       string               `json:"last_error,omitempty"`
	FatalError      string               `json:"fatal_error,omitempty"`
	Archived        bool                 `json:"archived"`
	FailedDocuments []string             `json:"failed_documents,omitempty"`
	FailureFlags    []string             `json:"failure_flags"`
	Version         int                  `json:"version"`
}

// StatusOf summarises a session's position and outstanding failures.
func (p *Pipeline) StatusOf(s *session.Session) Status {
	st := Status{
		SessionID:    s.ID,
		Name:         s.Name,
		Stage:        s.Stage,
		FatalError:   s.FatalError,
		Archived:     s.Archived,
		Version:      s.Version,
		FailureFlags: []string{},
	}
	if r, ok := p.Running(s.ID); ok {
		st.Running = r
	}
	if n := len(s.Outputs); n > 0 {
		st.LastStatus = s.Outputs[n-1].Status
		st.LastError = s.Outputs[n-1].Error
	}
	if s.FatalError != "" {
		st.FailureFlags = append(st.FailureFlags, "fatal")
	}
	if st.LastStatus == session.OutputFailed || st.LastStatus == session.OutputCancelled {
		st.FailureFlags = append(st.FailureFlags, string(st.LastStatus))
	}
	if out, ok := s.LatestCommitted(session.StageEvidenceExtraction); ok {
		if ext, err := session.DecodeAs[*session.ExtractionPayload](out); err == nil {
			for _, r := range ext.Results {
				if r.Status == session.DocExtractionFailed {
					st.FailedDocuments = append(st.FailedDocuments, r.DocumentID)
				}
			}
		}
	}
	if len(st.FailedDocuments) > 0 {
		st.FailureFlags = append(st.FailureFlags, string(session.DocExtractionFailed))
	}
	if out, ok := s.LatestCommitted(session.StageCrossValidation); ok {
		if val, err := session.DecodeAs[*session.ValidationPayload](out); err == nil {
			for _, f := range val.Flags {
				if !slices.Contains(st.FailureFlags, string(f.Code)) {
					st.FailureFlags = append(st.FailureFlags, string(f.Code))
				}
			}
			for _, r := range val.Results {
				if r.HasFlag(verdict.FlagConflict) && !slices.Contains(st.FailureFlags, string(verdict.FlagConflict)) {
					st.FailureFlags = append(st.FailureFlags, string(verdict.FlagConflict))
				}
			}
		}
	}
	return st
}
