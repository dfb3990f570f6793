package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/Strob0t/ReviewForge/internal/adapter/reportfile"
	"github.com/Strob0t/ReviewForge/internal/service"
)

const (
	sessionsURI   = "reviewforge://sessions"
	reportURIBase = "reviewforge://sessions/"
	reportURITail = "/report"
)

// registerResources registers all MCP resources on the server.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			sessionsURI,
			"Review Sessions",
			mcplib.WithResourceDescription("Active review sessions with their stage and failure flags"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleSessionsResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			reportURIBase+"{id}"+reportURITail,
			"Session Report",
			mcplib.WithTemplateDescription("The session's final report, or its latest draft, as Markdown"),
			mcplib.WithTemplateMIMEType("text/markdown"),
		),
		s.handleReportResource,
	)
}

func (s *Server) handleSessionsResource(ctx context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Sessions == nil {
		return []mcplib.ResourceContents{
			mcplib.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     `{"error":"review pipeline not configured"}`,
			},
		}, nil
	}
	list, err := s.deps.Sessions.List(ctx, false)
	if err != nil {
		return nil, err
	}
	out := make([]service.Status, 0, len(list))
	for i := range list {
		out = append(out, s.deps.Sessions.StatusOf(&list[i]))
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// reportSessionID extracts the session ID from a report resource URI.
func reportSessionID(uri string) (string, bool) {
	if !strings.HasPrefix(uri, reportURIBase) || !strings.HasSuffix(uri, reportURITail) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(uri, reportURIBase), reportURITail)
	return id, id != "" && !strings.Contains(id, "/")
}

func (s *Server) handleReportResource(ctx context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Sessions == nil {
		return nil, errors.New("review pipeline not configured")
	}
	id, ok := reportSessionID(req.Params.URI)
	if !ok {
		return nil, fmt.Errorf("malformed report uri %q", req.Params.URI)
	}
	rep, _, err := s.deps.Sessions.Report(ctx, id)
	if err != nil {
		return nil, err
	}
	md, err := reportfile.Markdown(rep)
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "text/markdown",
			Text:     string(md),
		},
	}, nil
}
