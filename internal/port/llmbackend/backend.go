// Package llmbackend defines the language-model backend port and its
// factory registry.
package llmbackend

import (
	"context"
	"time"

	"github.com/Strob0t/ReviewForge/internal/domain/llm"
)

// Backend completes a single prompt. Implementations classify every failure
// as an *llm.Error so callers can route, retry or fall back uniformly.
type Backend interface {
	// Name returns the unique identifier for this backend (e.g. "api", "cli").
	Name() string

	// Available returns nil when the backend's prerequisites are met, or a
	// configuration error naming what is missing.
	Available() error

	// Complete runs one single-shot completion and returns the text.
	Complete(ctx context.Context, req llm.Request) (string, error)
}

// Settings carries the configuration a backend factory may need.
type Settings struct {
	APIKey       string
	APIURL       string
	APIVersion   string
	DefaultModel string
	CLIBinary    string

	BreakerMaxFailures int
	BreakerTimeout     time.Duration
}
