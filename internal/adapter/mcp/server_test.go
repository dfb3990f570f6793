package mcp_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	rfmcp "github.com/Strob0t/ReviewForge/internal/adapter/mcp"
	"github.com/Strob0t/ReviewForge/internal/domain"
	"github.com/Strob0t/ReviewForge/internal/domain/report"
	"github.com/Strob0t/ReviewForge/internal/domain/session"
	"github.com/Strob0t/ReviewForge/internal/service"
)

// --- Mocks ---

type mockSessions struct {
	sessions  map[string]*session.Session
	created   service.CreateRequest
	decision  session.ReviewDecision
	archived  *bool
	advErr    error
	cancelled []string
}

func newMockSessions() *mockSessions {
	return &mockSessions{sessions: map[string]*session.Session{
		"s1": {ID: "s1", Name: "alpha", SourceDir: "/data/alpha", Stage: session.StageHumanReview},
	}}
}

func (m *mockSessions) Create(_ context.Context, req service.CreateRequest) (*session.Session, error) {
	if req.SourceDir == "" {
		return nil, fmt.Errorf("source_dir is required: %w", domain.ErrValidation)
	}
	m.created = req
	s := &session.Session{ID: "new", Name: req.Name, SourceDir: req.SourceDir, Stage: session.StageInitialize}
	m.sessions[s.ID] = s
	return s, nil
}

func (m *mockSessions) Get(_ context.Context, id string) (*session.Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	return s, nil
}

func (m *mockSessions) List(_ context.Context, includeArchived bool) ([]session.Session, error) {
	var out []session.Session
	for _, s := range m.sessions {
		if includeArchived || !s.Archived {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *mockSessions) Advance(ctx context.Context, id string) (*session.Session, error) {
	if m.advErr != nil {
		return nil, m.advErr
	}
	return m.Get(ctx, id)
}

func (m *mockSessions) Run(ctx context.Context, id string) (*session.Session, error) {
	return m.Get(ctx, id)
}

func (m *mockSessions) Cancel(_ context.Context, id string) error {
	m.cancelled = append(m.cancelled, id)
	return nil
}

func (m *mockSessions) Review(ctx context.Context, id string, dec session.ReviewDecision) (*session.Session, error) {
	if err := dec.Validate(); err != nil {
		return nil, err
	}
	m.decision = dec
	return m.Get(ctx, id)
}

func (m *mockSessions) ClearFailure(ctx context.Context, id string) (*session.Session, error) {
	return m.Get(ctx, id)
}

func (m *mockSessions) Archive(ctx context.Context, id string, archived bool) (*session.Session, error) {
	m.archived = &archived
	s, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.Archived = archived
	return s, nil
}

func (m *mockSessions) StageOutput(_ context.Context, id string, stage session.Stage) (*session.StageOutput, error) {
	return &session.StageOutput{SessionID: id, Stage: stage, Seq: 1, Status: session.OutputSucceeded, Payload: json.RawMessage(`{}`)}, nil
}

func (m *mockSessions) Report(_ context.Context, id string) (*report.Report, []string, error) {
	return &report.Report{SessionID: id, SessionName: "alpha", ChecklistID: "registration-v1"}, []string{"reports/s1/report-5.md"}, nil
}

func (m *mockSessions) StatusOf(s *session.Session) service.Status {
	return service.Status{SessionID: s.ID, Name: s.Name, Stage: s.Stage, Archived: s.Archived, FailureFlags: []string{}}
}

// --- Helpers ---

func newServer(m *mockSessions) *rfmcp.Server {
	return rfmcp.NewServer(rfmcp.ServerConfig{Name: "test", Version: "0.1.0"}, rfmcp.ServerDeps{Sessions: m})
}

func call(t *testing.T, s *rfmcp.Server, name string, args map[string]any) *mcplib.CallToolResult {
	t.Helper()
	tool, ok := s.MCPServer().ListTools()[name]
	if !ok {
		t.Fatalf("tool %s not registered", name)
	}
	result, err := tool.Handler(context.Background(), mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: name, Arguments: args},
	})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	return result
}

func text(t *testing.T, r *mcplib.CallToolResult) string {
	t.Helper()
	tc, ok := r.Content[0].(mcplib.TextContent)
	if !ok {
		t.Fatal("expected TextContent")
	}
	return tc.Text
}

func decodeText(t *testing.T, r *mcplib.CallToolResult) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(text(t, r)), &m); err != nil {
		t.Fatalf("unmarshal %q: %v", text(t, r), err)
	}
	return m
}

// --- Tests ---

func TestNewServer(t *testing.T) {
	s := rfmcp.NewServer(rfmcp.ServerConfig{Addr: ":3001", Name: "test-server", Version: "0.1.0"}, rfmcp.ServerDeps{})
	if s.MCPServer() == nil {
		t.Fatal("MCPServer() returned nil")
	}
}

func TestServerStartStop(t *testing.T) {
	s := rfmcp.NewServer(rfmcp.ServerConfig{Addr: "127.0.0.1:0", Name: "test-server", Version: "0.1.0"}, rfmcp.ServerDeps{})
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if s.Addr() == "" {
		t.Error("Addr() empty after Start")
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
}

func TestToolRegistration(t *testing.T) {
	s := newServer(newMockSessions())
	tools := s.MCPServer().ListTools()
	expected := []string{
		"create_session", "list_sessions", "get_session", "advance_session", "run_session",
		"clear_failure", "cancel_extraction", "submit_review", "archive_session",
		"get_stage_output", "get_report",
	}
	if len(tools) != len(expected) {
		t.Fatalf("expected %d tools, got %d", len(expected), len(tools))
	}
	for _, name := range expected {
		if _, ok := tools[name]; !ok {
			t.Errorf("expected tool %q not registered", name)
		}
	}
}

func TestHandleCreateSession(t *testing.T) {
	m := newMockSessions()
	s := newServer(m)
	r := call(t, s, "create_session", map[string]any{
		"source_dir": "/data/beta",
		"pinned":     []any{"plan.pdf", ""},
	})
	if r.IsError {
		t.Fatalf("tool returned error: %s", text(t, r))
	}
	out := decodeText(t, r)
	if out["stage"] != "initialize" {
		t.Errorf("stage = %v", out["stage"])
	}
	if _, ok := out["failure_flags"]; !ok {
		t.Error("result missing failure_flags")
	}
	if m.created.SourceDir != "/data/beta" || len(m.created.Pinned) != 1 {
		t.Errorf("create request = %+v", m.created)
	}
}

func TestHandleCreateSessionValidation(t *testing.T) {
	r := call(t, newServer(newMockSessions()), "create_session", map[string]any{})
	if !r.IsError {
		t.Fatal("expected error result")
	}
}

func TestHandleMissingSessionID(t *testing.T) {
	r := call(t, newServer(newMockSessions()), "get_session", map[string]any{})
	if !r.IsError {
		t.Fatal("expected error result")
	}
	if !strings.Contains(text(t, r), "session_id is required") {
		t.Errorf("unexpected message %q", text(t, r))
	}
}

func TestHandleErrorCarriesStatus(t *testing.T) {
	m := newMockSessions()
	m.advErr = fmt.Errorf("session s1 awaits a review decision: %w", domain.ErrPrecondition)
	r := call(t, newServer(m), "advance_session", map[string]any{"session_id": "s1"})
	if !r.IsError {
		t.Fatal("expected error result")
	}
	out := decodeText(t, r)
	if out["stage"] != "human_review" {
		t.Errorf("error stage = %v", out["stage"])
	}
	if !strings.Contains(out["error"].(string), "awaits a review decision") {
		t.Errorf("error = %v", out["error"])
	}
}

func TestHandleReviewDecodesDecision(t *testing.T) {
	m := newMockSessions()
	r := call(t, newServer(m), "submit_review", map[string]any{
		"session_id": "s1",
		"action":     "revise",
		"target":     "evidence_extraction",
		"documents":  []any{"doc-1"},
		"reviewer":   "kim",
		"corrections": []any{
			map[string]any{"requirement_id": "REQ-002", "status": "covered", "reason": "map annex"},
		},
	})
	if r.IsError {
		t.Fatalf("tool returned error: %s", text(t, r))
	}
	d := m.decision
	if d.Action != session.ActionRevise || d.Target != session.StageEvidenceExtraction {
		t.Errorf("decision = %+v", d)
	}
	if len(d.Documents) != 1 || len(d.Corrections) != 1 || d.Corrections[0].RequirementID != "REQ-002" {
		t.Errorf("decision = %+v", d)
	}
}

func TestHandleReviewRejectsInvalid(t *testing.T) {
	r := call(t, newServer(newMockSessions()), "submit_review", map[string]any{
		"session_id": "s1",
		"action":     "reject",
	})
	if !r.IsError {
		t.Fatal("expected error result")
	}
}

func TestHandleArchiveDefaultsTrue(t *testing.T) {
	m := newMockSessions()
	s := newServer(m)
	call(t, s, "archive_session", map[string]any{"session_id": "s1"})
	if m.archived == nil || !*m.archived {
		t.Fatalf("archived = %v", m.archived)
	}
	call(t, s, "archive_session", map[string]any{"session_id": "s1", "archived": false})
	if *m.archived {
		t.Fatal("expected unarchive")
	}
}

func TestHandleCancel(t *testing.T) {
	m := newMockSessions()
	r := call(t, newServer(m), "cancel_extraction", map[string]any{"session_id": "s1"})
	if r.IsError {
		t.Fatalf("tool returned error: %s", text(t, r))
	}
	if len(m.cancelled) != 1 {
		t.Fatalf("cancelled = %v", m.cancelled)
	}
}

func TestHandleStageOutputUnknownStage(t *testing.T) {
	r := call(t, newServer(newMockSessions()), "get_stage_output", map[string]any{"session_id": "s1", "stage": "bogus"})
	if !r.IsError {
		t.Fatal("expected error result")
	}
}

func TestHandleReportFormats(t *testing.T) {
	s := newServer(newMockSessions())
	r := call(t, s, "get_report", map[string]any{"session_id": "s1"})
	if r.IsError {
		t.Fatalf("tool returned error: %s", text(t, r))
	}
	out := decodeText(t, r)
	if out["stage"] != "human_review" || out["report"] == nil {
		t.Errorf("report result = %v", out)
	}

	r = call(t, s, "get_report", map[string]any{"session_id": "s1", "format": "markdown"})
	if r.IsError {
		t.Fatalf("markdown returned error: %s", text(t, r))
	}
	if !strings.Contains(text(t, r), "alpha") {
		t.Errorf("markdown missing session name: %q", text(t, r))
	}

	r = call(t, s, "get_report", map[string]any{"session_id": "s1", "format": "pdf"})
	if !r.IsError {
		t.Fatal("expected error for unknown format")
	}
}

func TestHandleListSessions(t *testing.T) {
	m := newMockSessions()
	m.sessions["s2"] = &session.Session{ID: "s2", Archived: true}
	s := newServer(m)

	var list []map[string]any
	if err := json.Unmarshal([]byte(text(t, call(t, s, "list_sessions", nil))), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 active session, got %d", len(list))
	}
	list = nil
	if err := json.Unmarshal([]byte(text(t, call(t, s, "list_sessions", map[string]any{"include_archived": true}))), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 sessions, got %d", len(list))
	}
}

func TestHandleNilDeps(t *testing.T) {
	s := rfmcp.NewServer(rfmcp.ServerConfig{Name: "test", Version: "0.1.0"}, rfmcp.ServerDeps{})
	r := call(t, s, "get_session", map[string]any{"session_id": "s1"})
	if !r.IsError {
		t.Fatal("expected error result with nil deps")
	}
}

func TestAuthMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	tests := []struct {
		name   string
		key    string
		header string
		want   int
	}{
		{"disabled", "", "", http.StatusOK},
		{"missing", "secret", "", http.StatusUnauthorized},
		{"bearer", "secret", "Bearer secret", http.StatusOK},
		{"bare", "secret", "secret", http.StatusOK},
		{"wrong", "secret", "Bearer nope", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			rfmcp.AuthMiddleware(tt.key, ok).ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("got %d, want %d", w.Code, tt.want)
			}
		})
	}
}
