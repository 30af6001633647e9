// Package controlplane talks to the performance platform that owns test
// run plans and their status.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned when the platform does not know the run.
var ErrNotFound = errors.New("controlplane: not found")

// APIError is a non-2xx response or a non-zero envelope code.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Status >= http.StatusBadRequest {
		if e.Message == "" {
			return fmt.Sprintf("api request failed with status %d", e.Status)
		}
		return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
	}
	if e.Message == "" {
		return fmt.Sprintf("api returned code %d", e.Code)
	}
	return fmt.Sprintf("api returned code %d: %s", e.Code, e.Message)
}

// Is maps a 404 onto ErrNotFound.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

func (e *APIError) retryable() bool {
	return e.Status >= http.StatusInternalServerError
}

type envelope struct {
	Code    int             `json:"code"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// Client is a typed client for the run status API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	attempts   uint
	delay      time.Duration
	logger     *log.Entry
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithRetry sets how often FetchRun is attempted and the base backoff.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.attempts = attempts
		}
		c.delay = delay
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l *log.Entry) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New constructs a Client for the platform at base.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:8000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid platform url: %w", err)
	}
	c := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		attempts:   3,
		delay:      500 * time.Millisecond,
		logger:     log.WithField("component", "controlplane"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the normalised platform URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// FetchRun loads the plan for runID. Transport errors and 5xx responses are
// retried; 4xx responses are not.
func (c *Client) FetchRun(ctx context.Context, runID string) (*TestRunDetail, error) {
	var detail TestRunDetail
	err := retry.Do(
		func() error {
			return c.do(ctx, http.MethodGet, runPath(runID, ""), nil, &detail)
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.retryable()
			}
			return !errors.Is(err, context.Canceled)
		}),
		retry.OnRetry(func(n uint, err error) {
			c.logger.WithError(err).Warnf("fetching run %s failed, retrying (attempt %d)", runID, n+1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("fetching run %s: %w", runID, err)
	}
	if detail.RunID == "" {
		detail.RunID = runID
	}
	return &detail, nil
}

// StartRun marks the run as started. A nil or empty arguments map sends no body.
func (c *Client) StartRun(ctx context.Context, runID string, arguments map[string]string) error {
	var body any
	if len(arguments) > 0 {
		body = map[string]any{"arguments": arguments}
	}
	return c.do(ctx, http.MethodPost, runPath(runID, "start"), body, nil)
}

// CompleteRun marks the run as completed. A negative duration sends no body.
func (c *Client) CompleteRun(ctx context.Context, runID string, durationSeconds int) error {
	var body any
	if durationSeconds >= 0 {
		body = map[string]int{"duration_seconds": durationSeconds}
	}
	return c.do(ctx, http.MethodPost, runPath(runID, "complete"), body, nil)
}

// FailRun marks the run as failed with message.
func (c *Client) FailRun(ctx context.Context, runID, message string) error {
	return c.do(ctx, http.MethodPost, runPath(runID, "fail"), map[string]string{"error_message": message}, nil)
}

// CancelRun marks the run as cancelled.
func (c *Client) CancelRun(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodPost, runPath(runID, "cancel"), nil, nil)
}

func runPath(runID, action string) string {
	p := "/api/perf/runs/" + url.PathEscape(runID)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, method, path string, body, v any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debugf("%s %s", method, path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return &APIError{Status: resp.StatusCode, Message: extractMessage(data)}
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Code != 0 {
		return &APIError{Status: resp.StatusCode, Code: env.Code, Message: env.Message}
	}
	if v == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

func extractMessage(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.Message == "" {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Message)
}
