package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/ReviewForge/internal/adapter/reportfile"
	"github.com/Strob0t/ReviewForge/internal/domain/session"
	"github.com/Strob0t/ReviewForge/internal/service"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.createSessionTool(),
		s.listSessionsTool(),
		s.sessionOpTool("get_session", "Get a review session's stage, failure flags and output history", Sessions.Get),
		s.sessionOpTool("advance_session", "Run the next stage of a review session", Sessions.Advance),
		s.sessionOpTool("run_session", "Run stages until the session needs human review, completes, or a stage fails", Sessions.Run),
		s.sessionOpTool("clear_failure", "Clear a session-level failure so the session can advance again", Sessions.ClearFailure),
		s.cancelTool(),
		s.reviewTool(),
		s.archiveTool(),
		s.stageOutputTool(),
		s.reportTool(),
	)
}

func sessionIDArg() mcplib.ToolOption {
	return mcplib.WithString("session_id",
		mcplib.Required(),
		mcplib.Description("The review session ID"),
	)
}

// outputSummary is a stage output without its payload.
type outputSummary struct {
	Seq       int                  `json:"seq"`
	Stage     session.Stage        `json:"stage"`
	Status    session.OutputStatus `json:"status"`
	Counts    session.Counts       `json:"counts"`
	Error     string               `json:"error,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
}

type sessionResult struct {
	service.Status
	SourceDir string          `json:"source_dir"`
	Outputs   []outputSummary `json:"outputs"`
}

type errorResult struct {
	Error string `json:"error"`
	*service.Status
}

func (s *Server) view(sess *session.Session) sessionResult {
	out := sessionResult{
		Status:    s.deps.Sessions.StatusOf(sess),
		SourceDir: sess.SourceDir,
		Outputs:   make([]outputSummary, 0, len(sess.Outputs)),
	}
	for _, o := range sess.Outputs {
		out.Outputs = append(out.Outputs, outputSummary{
			Seq: o.Seq, Stage: o.Stage, Status: o.Status, Counts: o.Counts, Error: o.Error, CreatedAt: o.CreatedAt,
		})
	}
	return out
}

// toolError reports err as a tool error. When id names a loadable session
// the result carries its stage and failure flags.
func (s *Server) toolError(ctx context.Context, id string, err error) *mcplib.CallToolResult {
	res := errorResult{Error: err.Error()}
	if id != "" {
		if sess, lerr := s.deps.Sessions.Get(ctx, id); lerr == nil {
			st := s.deps.Sessions.StatusOf(sess)
			res.Status = &st
		}
	}
	data, merr := json.Marshal(res)
	if merr != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal error", merr)
	}
	return mcplib.NewToolResultError(string(data))
}

func toolResultJSON(v any) *mcplib.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal result", err)
	}
	return mcplib.NewToolResultText(string(data))
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func stringsArg(args map[string]any, key string) []string {
	raw, _ := args[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// requireSession extracts session_id, or returns the error result to send.
func requireSession(req mcplib.CallToolRequest) (string, *mcplib.CallToolResult) { //nolint:gocritic // hugeParam: mcp-go handler signature
	id := stringArg(req.GetArguments(), "session_id")
	if id == "" {
		return "", mcplib.NewToolResultError("session_id is required")
	}
	return id, nil
}

func (*Server) unconfigured() *mcplib.CallToolResult {
	return mcplib.NewToolResultError("review pipeline not configured")
}

func (s *Server) createSessionTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("create_session",
		mcplib.WithDescription("Create a review session over a folder of project documents"),
		mcplib.WithString("source_dir", mcplib.Required(), mcplib.Description("Folder holding the documents")),
		mcplib.WithString("name", mcplib.Description("Display name; defaults to the folder name")),
		mcplib.WithString("checklist_id", mcplib.Description("Requirement checklist; defaults to the configured checklist")),
		mcplib.WithArray("pinned", mcplib.Description("Relative paths always included"), mcplib.Items(map[string]any{"type": "string"})),
		mcplib.WithArray("ignored", mcplib.Description("Relative paths never included"), mcplib.Items(map[string]any{"type": "string"})),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleCreateSession}
}

func (s *Server) handleCreateSession(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Sessions == nil {
		return s.unconfigured(), nil
	}
	args := req.GetArguments()
	sess, err := s.deps.Sessions.Create(ctx, service.CreateRequest{
		Name:        stringArg(args, "name"),
		SourceDir:   stringArg(args, "source_dir"),
		ChecklistID: stringArg(args, "checklist_id"),
		Pinned:      stringsArg(args, "pinned"),
		Ignored:     stringsArg(args, "ignored"),
	})
	if err != nil {
		return s.toolError(ctx, "", err), nil
	}
	return toolResultJSON(s.view(sess)), nil
}

func (s *Server) listSessionsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("list_sessions",
		mcplib.WithDescription("List review sessions, newest first"),
		mcplib.WithBoolean("include_archived", mcplib.Description("Include archived sessions")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleListSessions}
}

func (s *Server) handleListSessions(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Sessions == nil {
		return s.unconfigured(), nil
	}
	archived, _ := req.GetArguments()["include_archived"].(bool)
	list, err := s.deps.Sessions.List(ctx, archived)
	if err != nil {
		return s.toolError(ctx, "", err), nil
	}
	out := make([]service.Status, 0, len(list))
	for i := range list {
		out = append(out, s.deps.Sessions.StatusOf(&list[i]))
	}
	return toolResultJSON(out), nil
}

// sessionOpTool builds a tool that takes only session_id and returns the
// resulting session.
func (s *Server) sessionOpTool(name, desc string, op func(Sessions, context.Context, string) (*session.Session, error)) mcpserver.ServerTool {
	tool := mcplib.NewTool(name, mcplib.WithDescription(desc), sessionIDArg())
	return mcpserver.ServerTool{
		Tool: tool,
		Handler: func(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
			if s.deps.Sessions == nil {
				return s.unconfigured(), nil
			}
			id, bad := requireSession(req)
			if bad != nil {
				return bad, nil
			}
			sess, err := op(s.deps.Sessions, ctx, id)
			if err != nil {
				return s.toolError(ctx, id, err), nil
			}
			return toolResultJSON(s.view(sess)), nil
		},
	}
}

func (s *Server) cancelTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("cancel_extraction",
		mcplib.WithDescription("Stop a running evidence extraction; finished documents are kept"),
		sessionIDArg(),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleCancel}
}

func (s *Server) handleCancel(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Sessions == nil {
		return s.unconfigured(), nil
	}
	id, bad := requireSession(req)
	if bad != nil {
		return bad, nil
	}
	if err := s.deps.Sessions.Cancel(ctx, id); err != nil {
		return s.toolError(ctx, id, err), nil
	}
	sess, err := s.deps.Sessions.Get(ctx, id)
	if err != nil {
		return s.toolError(ctx, "", err), nil
	}
	return toolResultJSON(s.deps.Sessions.StatusOf(sess)), nil
}

func (s *Server) reviewTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("submit_review",
		mcplib.WithDescription("Approve the report or send the session back for revision"),
		sessionIDArg(),
		mcplib.WithString("action", mcplib.Required(), mcplib.Enum(string(session.ActionApprove), string(session.ActionRevise))),
		mcplib.WithString("target", mcplib.Description("Revision target"),
			mcplib.Enum(string(session.StageEvidenceExtraction), string(session.StageCrossValidation))),
		mcplib.WithArray("documents", mcplib.Description("Document IDs to re-extract"), mcplib.Items(map[string]any{"type": "string"})),
		mcplib.WithArray("corrections", mcplib.Description("Verdict corrections: requirement_id, status, reason"), mcplib.Items(map[string]any{"type": "object"})),
		mcplib.WithString("reviewer", mcplib.Description("Reviewer name")),
		mcplib.WithString("notes", mcplib.Description("Free-form notes")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleReview}
}

func (s *Server) handleReview(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Sessions == nil {
		return s.unconfigured(), nil
	}
	id, bad := requireSession(req)
	if bad != nil {
		return bad, nil
	}
	raw, err := json.Marshal(req.GetArguments())
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("invalid arguments", err), nil
	}
	var dec session.ReviewDecision
	if err := json.Unmarshal(raw, &dec); err != nil {
		return mcplib.NewToolResultErrorFromErr("invalid review decision", err), nil
	}
	sess, err := s.deps.Sessions.Review(ctx, id, dec)
	if err != nil {
		return s.toolError(ctx, id, err), nil
	}
	return toolResultJSON(s.view(sess)), nil
}

func (s *Server) archiveTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("archive_session",
		mcplib.WithDescription("Archive or unarchive a session; sessions are never deleted"),
		sessionIDArg(),
		mcplib.WithBoolean("archived", mcplib.Description("false to unarchive"), mcplib.DefaultBool(true)),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleArchive}
}

func (s *Server) handleArchive(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Sessions == nil {
		return s.unconfigured(), nil
	}
	id, bad := requireSession(req)
	if bad != nil {
		return bad, nil
	}
	archived := true
	if v, ok := req.GetArguments()["archived"].(bool); ok {
		archived = v
	}
	sess, err := s.deps.Sessions.Archive(ctx, id, archived)
	if err != nil {
		return s.toolError(ctx, id, err), nil
	}
	return toolResultJSON(s.view(sess)), nil
}

func (s *Server) stageOutputTool() mcpserver.ServerTool {
	stages := make([]string, 0, len(session.Stages()))
	for _, st := range session.Stages() {
		stages = append(stages, string(st))
	}
	tool := mcplib.NewTool("get_stage_output",
		mcplib.WithDescription("Get the latest output recorded for a stage, including its payload"),
		sessionIDArg(),
		mcplib.WithString("stage", mcplib.Required(), mcplib.Enum(stages...)),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleStageOutput}
}

func (s *Server) handleStageOutput(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Sessions == nil {
		return s.unconfigured(), nil
	}
	id, bad := requireSession(req)
	if bad != nil {
		return bad, nil
	}
	stage, err := session.ParseStage(stringArg(req.GetArguments(), "stage"))
	if err != nil {
		return s.toolError(ctx, id, err), nil
	}
	out, err := s.deps.Sessions.StageOutput(ctx, id, stage)
	if err != nil {
		return s.toolError(ctx, id, err), nil
	}
	sess, err := s.deps.Sessions.Get(ctx, id)
	if err != nil {
		return s.toolError(ctx, "", err), nil
	}
	return toolResultJSON(struct {
		service.Status
		Output *session.StageOutput `json:"output"`
	}{s.deps.Sessions.StatusOf(sess), out}), nil
}

func (s *Server) reportTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_report",
		mcplib.WithDescription("Get the final report of a completed session, or the latest draft"),
		sessionIDArg(),
		mcplib.WithString("format", mcplib.Enum("json", "markdown"), mcplib.DefaultString("json")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleReport}
}

func (s *Server) handleReport(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Sessions == nil {
		return s.unconfigured(), nil
	}
	id, bad := requireSession(req)
	if bad != nil {
		return bad, nil
	}
	rep, refs, err := s.deps.Sessions.Report(ctx, id)
	if err != nil {
		return s.toolError(ctx, id, err), nil
	}
	switch format := stringArg(req.GetArguments(), "format"); format {
	case "", "json":
	case "markdown":
		md, err := reportfile.Markdown(rep)
		if err != nil {
			return s.toolError(ctx, id, err), nil
		}
		return mcplib.NewToolResultText(string(md)), nil
	default:
		return mcplib.NewToolResultError(fmt.Sprintf("unknown format %q", format)), nil
	}
	sess, err := s.deps.Sessions.Get(ctx, id)
	if err != nil {
		return s.toolError(ctx, "", err), nil
	}
	return toolResultJSON(struct {
		service.Status
		Report any      `json:"report"`
		Refs   []string `json:"refs,omitempty"`
	}{s.deps.Sessions.StatusOf(sess), rep, refs}), nil
}
