// Package claudecli implements the subscription LLM backend by shelling out
// to a locally authenticated claude CLI in single-shot print mode.
package claudecli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/Strob0t/ReviewForge/internal/domain/llm"
)

const backendName = "cli"

// waitDelay bounds how long output pipes are drained after the process is
// killed on context cancellation.
const waitDelay = 5 * time.Second

// Backend runs one claude -p invocation per completion. The system text and
// prompt go on stdin and tools are disabled, so the CLI never acts on the
// filesystem and no document text appears in the process arguments.
type Backend struct {
	binary      string
	model       string
	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
	lookPath    func(file string) (string, error)
}

// New creates a CLI backend invoking binary.
func New(binary, model string) *Backend {
	if binary == "" {
		binary = "claude"
	}
	return &Backend{
		binary:      binary,
		model:       model,
		execCommand: exec.CommandContext,
		lookPath:    exec.LookPath,
	}
}

// Name returns "cli".
func (b *Backend) Name() string { return backendName }

// Available reports whether the CLI binary is on PATH.
func (b *Backend) Available() error {
	if _, err := b.lookPath(b.binary); err != nil {
		return llm.Errorf(llm.KindConfiguration, backendName, "%s CLI not found on PATH", b.binary)
	}
	return nil
}

// result is the final object printed by --output-format json.
type result struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
}

func (b *Backend) args(req llm.Request) []string {
	args := []string{"-p", "--output-format", "json", "--max-turns", "1", "--tools", ""}
	model := req.Model
	if model == "" {
		model = b.model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	return args
}

// stdinPayload is the payload written to the CLI: system instructions first, then
// the prompt.
func stdinPayload(req llm.Request) string {
	if strings.TrimSpace(req.System) == "" {
		return req.Prompt
	}
	return req.System + "\n\n" + req.Prompt
}

// Complete runs the CLI once and returns its result text.
func (b *Backend) Complete(ctx context.Context, req llm.Request) (string, error) {
	cmd := b.execCommand(ctx, b.binary, b.args(req)...)
	cmd.Stdin = strings.NewReader(stdinPayload(req))
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runErr != nil && ctx.Err() != nil {
		return "", llm.Wrap(llm.KindTransient, backendName, ctx.Err())
	}
	if runErr != nil && errors.Is(runErr, exec.ErrNotFound) {
		return "", llm.Wrap(llm.KindConfiguration, backendName, runErr)
	}

	res, parseErr := parseResult(stdout.Bytes())
	switch {
	case parseErr == nil && !res.IsError && runErr == nil:
		if strings.TrimSpace(res.Result) == "" {
			return "", llm.Errorf(llm.KindValidation, backendName, "empty result")
		}
		return res.Result, nil
	case parseErr == nil && res.IsError:
		return "", classify(res.Result+" "+stderr.String(), fmt.Errorf("result %s", res.Subtype))
	case runErr != nil:
		return "", classify(stdout.String()+" "+stderr.String(), runErr)
	default:
		return "", llm.Wrap(llm.KindValidation, backendName, parseErr)
	}
}

// parseResult finds the result object in the CLI output. Some versions print
// progress lines before it, so the last JSON line wins.
func parseResult(out []byte) (result, error) {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var r result
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			continue
		}
		if r.Type == "result" {
			return r, nil
		}
	}
	return result{}, fmt.Errorf("no result object in CLI output (%d bytes)", len(out))
}

// classify maps CLI failure text onto the failure taxonomy.
func classify(text string, err error) error {
	lower := strings.ToLower(text)
	msg := strings.TrimSpace(text)
	if len(msg) > 300 {
		msg = msg[:300]
	}
	kind := llm.KindTransient
	switch {
	case containsAny(lower, "invalid api key", "not logged in", "please run /login", "authentication", "oauth token"):
		kind = llm.KindAuthentication
	case containsAny(lower, "usage limit", "credit balance", "billing", "limit reached"):
		kind = llm.KindBilling
	case containsAny(lower, "rate limit", "rate_limit", "overloaded", "429"):
		kind = llm.KindRateLimit
	case containsAny(lower, "unknown option", "invalid model", "not_found_error"):
		kind = llm.KindConfiguration
	}
	return &llm.Error{Kind: kind, Backend: backendName, Message: msg, Err: err}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
