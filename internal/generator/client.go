package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ape/internal/config"
	"ape/internal/logging"
)

// Client sends a prompt to the code-generation service and returns the raw
// reply text.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// RequestError is a failed exchange with the patch service: transport error,
// non-2xx status, or a reply that does not match the expected shape.
type RequestError struct {
	StatusCode int // 0 when no response was received
	Reason     string
	Err        error
}

func (e *RequestError) Error() string {
	var b strings.Builder
	b.WriteString("patch request failed")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *RequestError) Unwrap() error { return e.Err }

// MessagesRequest is the JSON body posted to the endpoint.
type MessagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []Message `json:"messages"`
}

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MessagesResponse is the expected reply shape.
type MessagesResponse struct {
	Content []ContentBlock `json:"content"`
	Error   *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// ContentBlock is one block of reply content.
type ContentBlock struct {
	Type string  `json:"type"`
	Text *string `json:"text"`
}

// HTTPClient talks to a messages-style endpoint over HTTP.
type HTTPClient struct {
	endpoint   string
	apiKey     string
	model      string
	maxTokens  int
	header     string
	apiVersion string
	retries    int
	backoff    time.Duration
	httpClient *http.Client
}

// NewHTTPClient creates a client from the LLM configuration.
func NewHTTPClient(cfg config.LLMConfig, timeout time.Duration) *HTTPClient {
	header := cfg.CredentialHeader
	if header == "" {
		header = "x-api-key"
	}
	return &HTTPClient{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		header:     header,
		apiVersion: cfg.APIVersion,
		retries:    cfg.RequestRetries,
		backoff:    time.Second,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// WithBackoff sets the base delay between rate-limited retries.
func (c *HTTPClient) WithBackoff(d time.Duration) *HTTPClient {
	c.backoff = d
	return c
}

// Complete posts prompt as a single user message and returns the text of the
// first content block. Only 429 responses are retried.
func (c *HTTPClient) Complete(ctx context.Context, prompt string) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.httpClient.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(MessagesRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  []Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", &RequestError{Reason: "failed to marshal request", Err: err}
	}

	timer := logging.StartTimer(logging.CategoryAPI, "patch request")
	defer timer.Stop()
	logging.APIDebug("POST %s model=%s prompt_len=%d", c.endpoint, c.model, len(prompt))

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			delay := c.backoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return "", &RequestError{Reason: "cancelled while backing off", Err: ctx.Err()}
			case <-time.After(delay):
			}
		}

		text, retry, err := c.do(ctx, body)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !retry {
			break
		}
		logging.APIDebug("rate limited, retry %d/%d", attempt+1, c.retries)
	}
	logging.APIError("patch request failed: %v", lastErr)
	return "", lastErr
}

func (c *HTTPClient) do(ctx context.Context, body []byte) (text string, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", false, &RequestError{Reason: "failed to create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(c.header, c.apiKey)
	if c.apiVersion != "" {
		req.Header.Set("anthropic-version", c.apiVersion)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", false, &RequestError{Reason: "transport error", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false, &RequestError{StatusCode: resp.StatusCode, Reason: "failed to read response", Err: err}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", true, &RequestError{StatusCode: resp.StatusCode, Reason: "rate limit exceeded"}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", false, &RequestError{StatusCode: resp.StatusCode, Reason: truncate(string(data), 200)}
	}

	var parsed MessagesResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", false, &RequestError{StatusCode: resp.StatusCode, Reason: "malformed reply", Err: err}
	}
	if parsed.Error != nil {
		return "", false, &RequestError{StatusCode: resp.StatusCode, Reason: "service error: " + parsed.Error.Message}
	}
	if len(parsed.Content) == 0 || parsed.Content[0].Text == nil {
		return "", false, &RequestError{StatusCode: resp.StatusCode, Reason: "reply has no content text"}
	}

	logging.API("patch reply received: %d bytes", len(*parsed.Content[0].Text))
	return *parsed.Content[0].Text, false, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
