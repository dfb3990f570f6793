package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Strob0t/ReviewForge/internal/adapter/reportfile"
	"github.com/Strob0t/ReviewForge/internal/domain/report"
	"github.com/Strob0t/ReviewForge/internal/domain/session"
	"github.com/Strob0t/ReviewForge/internal/service"
)

// Handlers holds the HTTP handlers for the review API.
type Handlers struct {
	Pipeline *service.Pipeline

	background sync.WaitGroup
}

// NewHandlers creates Handlers over a pipeline.
func NewHandlers(p *service.Pipeline) *Handlers {
	return &Handlers{Pipeline: p}
}

// Wait blocks until background stage runs started with ?async=true finish.
func (h *Handlers) Wait() { h.background.Wait() }

// outputSummary is a stage output without its payload.
type outputSummary struct {
	Seq       int                  `json:"seq"`
	Stage     session.Stage        `json:"stage"`
	Status    session.OutputStatus `json:"status"`
	Counts    session.Counts       `json:"counts"`
	Error     string               `json:"error,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
}

type sessionResponse struct {
	service.Status
	SourceDir   string          `json:"source_dir"`
	ChecklistID string          `json:"checklist_id"`
	Outputs     []outputSummary `json:"outputs"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// sessionError carries the session status alongside the error when the
// session could be loaded.
type sessionError struct {
	Error string `json:"error"`
	*service.Status
}

func (h *Handlers) sessionView(s *session.Session) sessionResponse {
	resp := sessionResponse{
		Status:      h.Pipeline.StatusOf(s),
		SourceDir:   s.SourceDir,
		ChecklistID: s.ChecklistID,
		Outputs:     make([]outputSummary, 0, len(s.Outputs)),
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
	for _, o := range s.Outputs {
		resp.Outputs = append(resp.Outputs, outputSummary{
			Seq:       o.Seq,
			Stage:     o.Stage,
			Status:    o.Status,
			Counts:    o.Counts,
			Error:     o.Error,
			CreatedAt: o.CreatedAt,
		})
	}
	return resp
}

// writeSessionError maps err to a status code and attaches the current
// session status when id names a loadable session.
func (h *Handlers) writeSessionError(w http.ResponseWriter, r *http.Request, id string, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed", "session_id", id, "error", err)
	}
	resp := sessionError{Error: errorMessage(err)}
	if id != "" {
		if s, lerr := h.Pipeline.Get(r.Context(), id); lerr == nil {
			st := h.Pipeline.StatusOf(s)
			resp.Status = &st
		}
	}
	writeJSON(w, code, resp)
}

// CreateSession handles POST /api/v1/sessions
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[service.CreateRequest](w, r)
	if !ok {
		return
	}
	s, err := h.Pipeline.Create(r.Context(), req)
	if err != nil {
		h.writeSessionError(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.sessionView(s))
}

// ListSessions handles GET /api/v1/sessions
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	archived, _ := strconv.ParseBool(r.URL.Query().Get("archived"))
	list, err := h.Pipeline.List(r.Context(), archived)
	if err != nil {
		h.writeSessionError(w, r, "", err)
		return
	}
	out := make([]service.Status, 0, len(list))
	for i := range list {
		out = append(out, h.Pipeline.StatusOf(&list[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetSession handles GET /api/v1/sessions/{id}
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	s, err := h.Pipeline.Get(r.Context(), id)
	if err != nil {
		h.writeSessionError(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, h.sessionView(s))
}

// AdvanceSession handles POST /api/v1/sessions/{id}/advance
func (h *Handlers) AdvanceSession(w http.ResponseWriter, r *http.Request) {
	h.step(w, r, h.Pipeline.Advance)
}

// RunSession handles POST /api/v1/sessions/{id}/run
func (h *Handlers) RunSession(w http.ResponseWriter, r *http.Request) {
	h.step(w, r, h.Pipeline.Run)
}

// step runs fn synchronously, or in the background when ?async=true. A
// background run outlives the request; its progress is visible through the
// session status and the event stream.
func (h *Handlers) step(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (*session.Session, error)) {
	id := urlParam(r, "id")
	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	if !async {
		s, err := fn(r.Context(), id)
		if err != nil {
			h.writeSessionError(w, r, id, err)
			return
		}
		writeJSON(w, http.StatusOK, h.sessionView(s))
		return
	}

	s, err := h.Pipeline.Get(r.Context(), id)
	if err != nil {
		h.writeSessionError(w, r, "", err)
		return
	}
	if stage, running := h.Pipeline.Running(id); running {
		st := h.Pipeline.StatusOf(s)
		writeJSON(w, http.StatusConflict, sessionError{Error: "stage " + string(stage) + " is already running", Status: &st})
		return
	}
	ctx := context.WithoutCancel(r.Context())
	h.background.Add(1)
	go func() {
		defer h.background.Done()
		if _, err := fn(ctx, id); err != nil {
			slog.WarnContext(ctx, "background stage run failed", "session_id", id, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, h.Pipeline.StatusOf(s))
}

// CancelSession handles POST /api/v1/sessions/{id}/cancel
func (h *Handlers) CancelSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := h.Pipeline.Cancel(r.Context(), id); err != nil {
		h.writeSessionError(w, r, id, err)
		return
	}
	s, err := h.Pipeline.Get(r.Context(), id)
	if err != nil {
		h.writeSessionError(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.Pipeline.StatusOf(s))
}

// ReviewSession handles POST /api/v1/sessions/{id}/review
func (h *Handlers) ReviewSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	dec, ok := readJSON[session.ReviewDecision](w, r)
	if !ok {
		return
	}
	s, err := h.Pipeline.Review(r.Context(), id, dec)
	if err != nil {
		h.writeSessionError(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, h.sessionView(s))
}

// ClearFailure handles POST /api/v1/sessions/{id}/clear-failure
func (h *Handlers) ClearFailure(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	s, err := h.Pipeline.ClearFailure(r.Context(), id)
	if err != nil {
		h.writeSessionError(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, h.sessionView(s))
}

type archiveRequest struct {
	Archived *bool `json:"archived"`
}

// ArchiveSession handles POST /api/v1/sessions/{id}/archive
func (h *Handlers) ArchiveSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	req, ok := readJSON[archiveRequest](w, r)
	if !ok {
		return
	}
	archived := true
	if req.Archived != nil {
		archived = *req.Archived
	}
	s, err := h.Pipeline.Archive(r.Context(), id, archived)
	if err != nil {
		h.writeSessionError(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, h.sessionView(s))
}

type stageResponse struct {
	service.Status
	Output  *session.StageOutput  `json:"output,omitempty"`
	History []session.StageOutput `json:"history,omitempty"`
}

// GetStageOutput handles GET /api/v1/sessions/{id}/stages/{stage}
func (h *Handlers) GetStageOutput(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	stage, err := session.ParseStage(urlParam(r, "stage"))
	if err != nil {
		h.writeSessionError(w, r, id, err)
		return
	}
	s, err := h.Pipeline.Get(r.Context(), id)
	if err != nil {
		h.writeSessionError(w, r, "", err)
		return
	}
	resp := stageResponse{Status: h.Pipeline.StatusOf(s)}
	if history, _ := strconv.ParseBool(r.URL.Query().Get("history")); history {
		resp.History, err = h.Pipeline.StageHistory(r.Context(), id, stage)
	} else {
		resp.Output, err = h.Pipeline.StageOutput(r.Context(), id, stage)
	}
	if err != nil {
		h.writeSessionError(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type reportResponse struct {
	service.Status
	Report *report.Report `json:"report"`
	Refs   []string       `json:"refs,omitempty"`
}

// GetReport handles GET /api/v1/sessions/{id}/report
//
// ?format=markdown returns the rendered Markdown instead of JSON.
func (h *Handlers) GetReport(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	rep, refs, err := h.Pipeline.Report(r.Context(), id)
	if err != nil {
		h.writeSessionError(w, r, id, err)
		return
	}
	switch r.URL.Query().Get("format") {
	case "", "json":
	case "markdown", "md":
		md, err := reportfile.Markdown(rep)
		if err != nil {
			h.writeSessionError(w, r, id, err)
			return
		}
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(md)
		return
	default:
		writeError(w, http.StatusBadRequest, "format must be json or markdown")
		return
	}
	s, err := h.Pipeline.Get(r.Context(), id)
	if err != nil {
		h.writeSessionError(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, reportResponse{Status: h.Pipeline.StatusOf(s), Report: rep, Refs: refs})
}
