package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Strob0t/ReviewForge/internal/adapter/markerdocs"
	"github.com/Strob0t/ReviewForge/internal/adapter/memstore"
	rfnats "github.com/Strob0t/ReviewForge/internal/adapter/nats"
	"github.com/Strob0t/ReviewForge/internal/adapter/natskv"
	rfotel "github.com/Strob0t/ReviewForge/internal/adapter/otel"
	"github.com/Strob0t/ReviewForge/internal/adapter/postgres"
	"github.com/Strob0t/ReviewForge/internal/adapter/reportfile"
	"github.com/Strob0t/ReviewForge/internal/adapter/ristretto"
	"github.com/Strob0t/ReviewForge/internal/adapter/sqlite"
	"github.com/Strob0t/ReviewForge/internal/adapter/tiered"
	"github.com/Strob0t/ReviewForge/internal/adapter/ws"
	"github.com/Strob0t/ReviewForge/internal/config"
	"github.com/Strob0t/ReviewForge/internal/domain/checklist"
	"github.com/Strob0t/ReviewForge/internal/port/broadcast"
	"github.com/Strob0t/ReviewForge/internal/port/cache"
	"github.com/Strob0t/ReviewForge/internal/port/messagequeue"
	"github.com/Strob0t/ReviewForge/internal/port/sessionstore"
	"github.com/Strob0t/ReviewForge/internal/service"
)

// app holds the wired pipeline and everything that must be released on exit.
type app struct {
	cfg      *config.Config
	pipeline *service.Pipeline
	router   *service.Router
	events   *service.Events
	hub      *ws.Hub
	queue    *rfnats.Queue

	closers []func(context.Context) error
}

// buildApp wires infrastructure and services from cfg. A non-nil hub
// receives live stage events.
func buildApp(ctx context.Context, cfg *config.Config, hub *ws.Hub) (_ *app, err error) {
	a := &app{cfg: cfg, hub: hub}
	defer func() {
		if err != nil {
			a.close(context.WithoutCancel(ctx))
		}
	}()

	// --- Observability ---
	shutdownOTEL, err := rfotel.Setup(ctx, cfg.OTEL)
	if err != nil {
		return nil, fmt.Errorf("otel: %w", err)
	}
	a.closers = append(a.closers, shutdownOTEL)
	telemetry, err := rfotel.NewTelemetry()
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// --- Session store ---
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return store.Close() })
	slog.Info("session store ready", "backend", cfg.Store.Backend)

	// --- NATS (optional) ---
	var queue messagequeue.Queue
	var l2 cache.Cache
	if cfg.NATS.URL != "" {
		q, err := rfnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		a.queue = q
		queue = q
		a.closers = append(a.closers, func(context.Context) error { return q.Close() })

		kv, err := q.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
		if err != nil {
			slog.Warn("extraction cache l2 unavailable", "bucket", cfg.Cache.L2Bucket, "error", err)
		} else {
			l2 = natskv.New(kv)
		}
	}

	// --- Extraction cache ---
	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return nil, fmt.Errorf("extraction cache: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { l1.Close(); return nil })
	extractionCache := tiered.New(l1, l2, cfg.Cache.L1TTL)
	err = telemetry.ObserveCache(func() map[string]int64 {
		st := extractionCache.Stats()
		return map[string]int64{"l1_hit": st.L1Hits, "l2_hit": st.L2Hits, "miss": st.Misses, "l2_error": st.L2Errors}
	})
	if err != nil {
		slog.Warn("cache metrics unavailable", "error", err)
	}

	// --- LLM routing ---
	router, err := service.NewRouterFromRegistry(&cfg.LLM, &cfg.Breaker, service.WithCallObserver(telemetry.LLMCall))
	if err != nil {
		return nil, fmt.Errorf("llm router: %w", err)
	}
	a.router = router

	// --- Checklists ---
	checklists, err := checklist.Registry(cfg.Checklist.Path)
	if err != nil {
		return nil, fmt.Errorf("checklists: %w", err)
	}

	// --- Pipeline ---
	var bc broadcast.Broadcaster
	if hub != nil {
		bc = hub
	}
	a.events = service.NewEvents(queue, bc)
	src := markerdocs.New()
	a.pipeline = service.NewPipeline(service.PipelineDeps{
		Store:            store,
		Checklists:       checklists,
		DefaultChecklist: cfg.Checklist.DefaultID,
		Discoverer:       service.NewDiscoverer(src),
		Extractor:        service.NewExtractor(router, src, extractionCache, cfg.Extraction, cfg.Cache, cfg.LLM.Model),
		Renderer:         reportfile.New(cfg.Report.Dir),
		Events:           a.events,
		Telemetry:        telemetry,
	})
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config) (sessionstore.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return memstore.New(), nil
	case "sqlite":
		s, err := sqlite.Open(cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		return s, nil
	case "postgres":
		s, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		slog.Warn("shutdown incomplete", "error", err)
	}
}
