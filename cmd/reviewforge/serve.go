package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	rfhttp "github.com/Strob0t/ReviewForge/internal/adapter/http"
	rfmcp "github.com/Strob0t/ReviewForge/internal/adapter/mcp"
	rfotel "github.com/Strob0t/ReviewForge/internal/adapter/otel"
	"github.com/Strob0t/ReviewForge/internal/adapter/ws"
	"github.com/Strob0t/ReviewForge/internal/config"
	"github.com/Strob0t/ReviewForge/internal/middleware"
)

const (
	shutdownTimeout   = 10 * time.Second
	backgroundTimeout = 30 * time.Second
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	var port string
	var withMCP bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the review API, live events and optionally MCP tools",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, flush, err := flags.loadConfig(cmd)
			if err != nil {
				return err
			}
			defer flush()
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("mcp") {
				cfg.MCP.Enabled = withMCP
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "HTTP listen port")
	cmd.Flags().BoolVar(&withMCP, "mcp", false, "also serve MCP tools over streamable HTTP")
	return cmd
}

// wsOrigin turns a CORS origin URL into a websocket origin pattern.
func wsOrigin(origin string) string {
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		return u.Host
	}
	return origin
}

func serve(parent context.Context, cfg *config.Config) error {
	ctx, stop := signalContext(parent)
	defer stop()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"store", cfg.Store.Backend,
		"llm_mode", cfg.LLM.Mode,
		"nats", cfg.NATS.URL != "",
		"mcp", cfg.MCP.Enabled,
	)

	hub := ws.NewHub(wsOrigin(cfg.Server.CORSOrigin))
	a, err := buildApp(ctx, cfg, hub)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	// Stage events published to NATS reach websocket clients through the bridge.
	stopBridge, err := a.events.Bridge(ctx)
	if err != nil {
		return fmt.Errorf("event bridge: %w", err)
	}
	defer stopBridge()

	handlers := rfhttp.NewHandlers(a.pipeline)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(rfhttp.Logger)
	r.Use(chimw.Recoverer)
	r.Use(rfhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(rfhttp.SecurityHeaders)

	api := []func(http.Handler) http.Handler{rfotel.HTTPMiddleware(cfg.OTEL.ServiceName)}
	if cfg.Server.RateLimit > 0 {
		limiter := middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
		stopCleanup := limiter.StartCleanup(time.Minute, 10*time.Minute)
		defer stopCleanup()
		api = append(api, limiter.Handler)
	}
	rfhttp.MountRoutes(r, handlers, hub, api...)

	if cfg.MCP.Enabled {
		mcpSrv := rfmcp.NewServer(rfmcp.ServerConfig{
			Addr:    cfg.MCP.Addr,
			Name:    "reviewforge",
			Version: rfhttp.Version,
			APIKey:  cfg.MCP.APIKey,
		}, rfmcp.ServerDeps{Sessions: a.pipeline})
		if err := mcpSrv.Start(); err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := mcpSrv.Stop(sctx); err != nil {
				slog.Warn("mcp shutdown", "error", err)
			}
		}()
	}

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(backgroundTimeout):
		slog.Warn("background stage runs still in progress at exit")
	}
	return nil
}
