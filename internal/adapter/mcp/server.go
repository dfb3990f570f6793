// Package mcp exposes review session operations as Model Context Protocol
// tools so agents can drive a review.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/ReviewForge/internal/domain/report"
	"github.com/Strob0t/ReviewForge/internal/domain/session"
	"github.com/Strob0t/ReviewForge/internal/service"
)

// Sessions is the slice of the pipeline the tools call.
type Sessions interface {
	Create(ctx context.Context, req service.CreateRequest) (*session.Session, error)
	Get(ctx context.Context, id string) (*session.Session, error)
	List(ctx context.Context, includeArchived bool) ([]session.Session, error)
	Advance(ctx context.Context, id string) (*session.Session, error)
	Run(ctx context.Context, id string) (*session.Session, error)
	Cancel(ctx context.Context, id string) error
	Review(ctx context.Context, id string, dec session.ReviewDecision) (*session.Session, error)
	ClearFailure(ctx context.Context, id string) (*session.Session, error)
	Archive(ctx context.Context, id string, archived bool) (*session.Session, error)
	StageOutput(ctx context.Context, id string, stage session.Stage) (*session.StageOutput, error)
	Report(ctx context.Context, id string) (*report.Report, []string, error)
	StatusOf(s *session.Session) service.Status
}

// ServerConfig holds the MCP server identity and listen address.
type ServerConfig struct {
	Addr    string
	Name    string
	Version string
	APIKey  string
}

// ServerDeps wires the tools to the pipeline.
type ServerDeps struct {
	Sessions Sessions
}

// Server serves the review tools over streamable HTTP or stdio.
type Server struct {
	cfg       ServerConfig
	deps      ServerDeps
	mcpServer *mcpserver.MCPServer

	mu       sync.Mutex
	httpSrv  *http.Server
	listener net.Listener
}

// NewServer creates a Server with all tools and resources registered.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	s := &Server{cfg: cfg, deps: deps}
	s.mcpServer = mcpserver.NewMCPServer(
		cfg.Name,
		cfg.Version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithRecovery(),
		mcpserver.WithInstructions(instructions),
	)
	s.registerTools()
	s.registerResources()
	return s
}

const instructions = `Drive document review sessions. Create a session for a folder of project documents, ` +
	`then call run_session until the session reaches human_review. Inspect get_report and submit_review ` +
	`to approve or send the session back to evidence_extraction or cross_validation.`

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *mcpserver.MCPServer { return s.mcpServer }

// Handler returns the streamable HTTP handler guarded by the API key.
func (s *Server) Handler() http.Handler {
	return AuthMiddleware(s.cfg.APIKey, mcpserver.NewStreamableHTTPServer(s.mcpServer))
}

// Start listens on cfg.Addr and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("mcp listen %s: %w", s.cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.listener = ln
	s.mu.Unlock()

	slog.Info("mcp server listening", "addr", ln.Addr().String())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mcp server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the HTTP listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.httpSrv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// ServeStdio serves the tools on stdin/stdout until the client disconnects.
func (s *Server) ServeStdio() error {
	return mcpserver.ServeStdio(s.mcpServer)
}
