// Package logger provides structured logging setup for ReviewForge.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/Strob0t/ReviewForge/internal/config"
)

// New creates a *slog.Logger from the given Logging config, writing to stdout.
// The returned Closer must be closed before exit to flush async output.
func New(cfg config.Logging) (*slog.Logger, Closer) {
	return NewWriter(cfg, os.Stdout)
}

// NewWriter creates a logger writing to w. JSON is used unless w is an
// interactive terminal, in which case records are rendered as text.
// Every record carries a "service" attribute plus the session, stage and
// request identifiers found on the context.
func NewWriter(cfg config.Logging, w io.Writer) (*slog.Logger, Closer) {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if isTerminal(w) {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	var closer Closer = nopCloser{}
	if cfg.Async {
		ah := NewAsyncHandler(handler, 4096, 2)
		handler, closer = ah, ah
	}

	return slog.New(&ContextHandler{inner: handler}).With("service", cfg.Service), closer
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd())) //nolint:gosec // fd fits in int
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
