// Package anthropic implements the metered LLM backend over the Anthropic
// Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Strob0t/ReviewForge/internal/domain/llm"
	"github.com/Strob0t/ReviewForge/internal/resilience"
)

const backendName = "api"

// Client calls the Messages API with an API key.
type Client struct {
	baseURL    string
	apiKey     string
	version    string
	model      string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates a Messages API client. Request deadlines come from the
// caller's context.
func NewClient(baseURL, apiKey, version, model string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		version:    version,
		model:      model,
		httpClient: &http.Client{},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// Name returns "api".
func (c *Client) Name() string { return backendName }

// Available reports whether an API key is configured.
func (c *Client) Available() error {
	if c.apiKey == "" {
		return llm.Errorf(llm.KindConfiguration, backendName, "no API key configured (set ANTHROPIC_API_KEY)")
	}
	return nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Temperature float64   `json:"temperature"`
	Messages    []message `json:"messages"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends one user message and returns the concatenated text blocks.
func (c *Client) Complete(ctx context.Context, req llm.Request) (string, error) {
	if err := c.Available(); err != nil {
		return "", err
	}
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	body, err := json.Marshal(messagesRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		System:      req.System,
		Temperature: req.Temperature,
		Messages:    []message{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return "", llm.Wrap(llm.KindValidation, backendName, fmt.Errorf("marshal request: %w", err))
	}

	data, err := c.doRequest(ctx, http.MethodPost, "/v1/messages", body)
	if err != nil {
		return "", err
	}

	var resp messagesResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", llm.Wrap(llm.KindTransient, backendName, fmt.Errorf("unmarshal response: %w", err))
	}
	var out strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	if out.Len() == 0 {
		return "", llm.Errorf(llm.KindValidation, backendName, "empty response (stop_reason %s)", resp.StopReason)
	}
	return out.String(), nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var result []byte
	call := func() error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return llm.Wrap(llm.KindConfiguration, backendName, fmt.Errorf("create request: %w", err))
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", c.apiKey)
		req.Header.Set("anthropic-version", c.version)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return llm.Wrap(llm.KindTransient, backendName, fmt.Errorf("http request: %w", err))
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return llm.Wrap(llm.KindTransient, backendName, fmt.Errorf("read response: %w", err))
		}

		if resp.StatusCode >= 400 {
			return classifyStatus(resp.StatusCode, data)
		}

		result = data
		return nil
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(call)
		if errors.Is(err, resilience.ErrCircuitOpen) {
			err = llm.Wrap(llm.KindTransient, backendName, err)
		}
	} else {
		err = call()
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// classifyStatus maps an HTTP error response onto the failure taxonomy.
func classifyStatus(status int, body []byte) error {
	var ae apiError
	_ = json.Unmarshal(body, &ae)
	msg := ae.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	msg = fmt.Sprintf("HTTP %d: %s", status, msg)
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "credit balance") || strings.Contains(lower, "billing") || status == http.StatusPaymentRequired:
		return llm.Errorf(llm.KindBilling, backendName, "%s", msg)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return llm.Errorf(llm.KindAuthentication, backendName, "%s", msg)
	case status == http.StatusTooManyRequests:
		return llm.Errorf(llm.KindRateLimit, backendName, "%s", msg)
	case status == http.StatusNotFound:
		return llm.Errorf(llm.KindConfiguration, backendName, "%s", msg)
	case status == http.StatusRequestTimeout || status >= 500:
		// 529 overloaded lands here too.
		return llm.Errorf(llm.KindTransient, backendName, "%s", msg)
	default:
		return llm.Errorf(llm.KindValidation, backendName, "%s", msg)
	}
}

// CountsAgainstBreaker reports whether err says the remote service is
// unhealthy, as opposed to a problem with one request.
func CountsAgainstBreaker(err error) bool {
	if llm.Retryable(err) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// NewBreaker returns a breaker that only trips on service-health failures.
func NewBreaker(maxFailures int, timeout time.Duration) *resilience.Breaker {
	return resilience.NewBreaker(maxFailures, timeout, resilience.CountOnly(CountsAgainstBreaker))
}
