package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/ReviewForge/internal/config"
	"github.com/Strob0t/ReviewForge/internal/domain/llm"
	"github.com/Strob0t/ReviewForge/internal/port/llmbackend"
	"github.com/Strob0t/ReviewForge/internal/resilience"
)

// Routing modes.
const (
	ModeAuto = "auto"
	ModeAPI  = "api"
	ModeCLI  = "cli"
)

// CallObserver receives one notification per backend attempt.
type CallObserver func(ctx context.Context, backend string, kind llm.Kind, d time.Duration)

// Router selects an LLM backend per call, retries transient failures and, in
// auto mode, falls back to the other backend on credential failures. It holds
// no per-call state and is safe for concurrent use.
type Router struct {
	mode    string
	api     llmbackend.Backend
	cli     llmbackend.Backend
	timeout time.Duration
	policy  resilience.RetryPolicy
	observe CallObserver
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithCallObserver installs a per-attempt observer, used for metrics.
func WithCallObserver(fn CallObserver) RouterOption {
	return func(r *Router) { r.observe = fn }
}

// WithRetryPolicy overrides the retry policy built from configuration.
func WithRetryPolicy(p resilience.RetryPolicy) RouterOption {
	return func(r *Router) { r.policy = p }
}

// NewRouter creates a router over the given backends. Either backend may be
// nil when it is not compiled in.
func NewRouter(cfg *config.LLM, api, cli llmbackend.Backend, opts ...RouterOption) *Router {
	r := &Router{
		mode:    cfg.Mode,
		api:     api,
		cli:     cli,
		timeout: cfg.Timeout,
		policy: resilience.RetryPolicy{
			MaxRetries: cfg.MaxRetries,
			Initial:    cfg.BackoffInitial,
			Max:        cfg.BackoffMax,
			Jitter:     0.2,
		},
	}
	if r.mode == "" {
		r.mode = ModeAuto
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// NewRouterFromRegistry builds both backends from the llmbackend registry.
func NewRouterFromRegistry(cfg *config.LLM, breaker *config.Breaker, opts ...RouterOption) (*Router, error) {
	settings := llmbackend.Settings{
		APIKey:             cfg.APIKey,
		APIURL:             cfg.APIURL,
		APIVersion:         cfg.APIVersion,
		DefaultModel:       cfg.Model,
		CLIBinary:          cfg.CLIBinary,
		BreakerMaxFailures: breaker.MaxFailures,
		BreakerTimeout:     breaker.Timeout,
	}
	var api, cli llmbackend.Backend
	var err error
	if api, err = llmbackend.New(ModeAPI, settings); err != nil {
		return nil, fmt.Errorf("api backend: %w", err)
	}
	if cli, err = llmbackend.New(ModeCLI, settings); err != nil {
		return nil, fmt.Errorf("cli backend: %w", err)
	}
	return NewRouter(cfg, api, cli, opts...), nil
}

// Mode returns the routing mode.
func (r *Router) Mode() string { return r.mode }

// Select returns the backends to try in order. It fails with a configuration
// error when none is usable.
func (r *Router) Select() ([]llmbackend.Backend, error) {
	switch r.mode {
	case ModeAPI:
		return r.forced(r.api, ModeAPI)
	case ModeCLI:
		return r.forced(r.cli, ModeCLI)
	}

	var chain []llmbackend.Backend
	var reasons []error
	for _, b := range []llmbackend.Backend{r.api, r.cli} {
		if b == nil {
			continue
		}
		if err := b.Available(); err != nil {
			reasons = append(reasons, err)
			continue
		}
		chain = append(chain, b)
	}
	if len(chain) == 0 {
		return nil, &llm.Error{
			Kind:    llm.KindConfiguration,
			Backend: "router",
			Message: "no LLM backend available: set ANTHROPIC_API_KEY for the metered API or install and log in to the claude CLI",
			Err:     errors.Join(reasons...),
		}
	}
	return chain, nil
}

func (r *Router) forced(b llmbackend.Backend, name string) ([]llmbackend.Backend, error) {
	if b == nil {
		return nil, llm.Errorf(llm.KindConfiguration, "router", "llm.mode is %s but that backend is not built in", name)
	}
	if err := b.Available(); err != nil {
		return nil, err
	}
	return []llmbackend.Backend{b}, nil
}

// Call completes req on the first usable backend. It returns the text and
// the name of the backend that produced it.
func (r *Router) Call(ctx context.Context, req llm.Request) (string, string, error) {
	chain, err := r.Select()
	if err != nil {
		return "", "", err
	}

	var lastErr error
	for i, b := range chain {
		out, callErr := r.callWithRetry(ctx, b, req)
		if callErr == nil {
			return out, b.Name(), nil
		}
		lastErr = callErr
		if !llm.Fallbackable(callErr) || i == len(chain)-1 {
			break
		}
		slog.WarnContext(ctx, "llm backend rejected credentials, falling back",
			"backend", b.Name(), "next", chain[i+1].Name(), "kind", llm.KindOf(callErr))
	}
	return "", "", lastErr
}

func (r *Router) callWithRetry(ctx context.Context, b llmbackend.Backend, req llm.Request) (string, error) {
	out, attempts, err := resilience.Retry(ctx, r.policy, llm.Retryable,
		func(ctx context.Context) (string, error) {
			return r.attempt(ctx, b, req)
		},
		func(attempt int, err error, wait time.Duration) {
			slog.InfoContext(ctx, "llm call failed, retrying",
				"backend", b.Name(), "attempt", attempt, "kind", llm.KindOf(err), "wait", wait)
		})
	if err != nil && llm.KindOf(err) == "" {
		// Parent context cancelled between attempts.
		err = llm.Wrap(llm.KindTransient, b.Name(), err)
	}
	if err != nil && attempts > 1 {
		return "", fmt.Errorf("after %d attempts: %w", attempts, err)
	}
	return out, err
}

func (r *Router) attempt(ctx context.Context, b llmbackend.Backend, req llm.Request) (string, error) {
	callCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := b.Complete(callCtx, req)
	if err != nil && llm.KindOf(err) == "" {
		err = llm.Wrap(llm.KindTransient, b.Name(), err)
	}
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = llm.Wrap(llm.KindTransient, b.Name(), fmt.Errorf("call timed out after %s: %w", r.timeout, err))
	}
	if r.observe != nil {
		r.observe(ctx, b.Name(), llm.KindOf(err), time.Since(start))
	}
	return out, err
}
