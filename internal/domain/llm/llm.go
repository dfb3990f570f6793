// Package llm defines the request shape and failure taxonomy shared by every
// language-model backend.
package llm

import (
	"errors"
	"fmt"
	"strings"
)

// Request is a single-shot completion request.
type Request struct {
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

// Kind classifies a backend failure.
type Kind string

const (
	KindConfiguration  Kind = "configuration"
	KindAuthentication Kind = "authentication"
	KindRateLimit      Kind = "rate_limit"
	KindTransient      Kind = "transient"
	KindBilling        Kind = "billing"
	KindValidation     Kind = "validation"
)

// Error is the single error type surfaced by backends and the router.
type Error struct {
	Kind    Kind
	Backend string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Backend != "" {
		b.WriteString(e.Backend)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, backend, format string, args ...any) *Error {
	return &Error{Kind: kind, Backend: backend, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around err.
func Wrap(kind Kind, backend string, err error) *Error {
	return &Error{Kind: kind, Backend: backend, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" when err
// carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether err is worth retrying with backoff.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == KindRateLimit || k == KindTransient
}

// Fallbackable reports whether the other backend should be tried in auto mode.
func Fallbackable(err error) bool {
	k := KindOf(err)
	return k == KindAuthentication || k == KindBilling
}

// Fatal reports whether err should halt the whole session rather than a
// single document.
func Fatal(err error) bool {
	return KindOf(err) == KindConfiguration
}
