package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/plangraph/internal/logging"
	"github.com/rendis/plangraph/pkg/schema"
)

// DefaultRequestTimeout bounds every non-streaming request.
const DefaultRequestTimeout = 30 * time.Second

// RequestIDHeader tags each request for server-side correlation.
const RequestIDHeader = "X-Request-ID"

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
// It must not set a global Timeout, which would cut draft streams short.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) { h.http = c }
}

// WithHeader adds a header to every request, e.g. an Authorization token.
func WithHeader(key, value string) HTTPOption {
	return func(h *HTTPClient) { h.headers.Set(key, value) }
}

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) HTTPOption {
	return func(h *HTTPClient) { h.timeout = d }
}

// WithHTTPLogger sets the client logger.
func WithHTTPLogger(l *slog.Logger) HTTPOption {
	return func(h *HTTPClient) { h.logger = l }
}

// HTTPClient implements Client over the planner REST + SSE API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	headers http.Header
	timeout time.Duration
	retry   RetryPolicy
	logger  *slog.Logger
}

// NewHTTPClient creates a client for the planner at baseURL.
func NewHTTPClient(baseURL string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		headers: make(http.Header),
		timeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return c
}

type draftRequest struct {
	Query     string `json:"query"`
	ModelHint string `json:"model_hint,omitempty"`
}

type nodeEventRequest struct {
	Event  string `json:"event"`
	Source string `json:"source"`
}

type interactRequest struct {
	Message string `json:"message"`
}

// StreamDraft posts the query and decodes the SSE response.
func (c *HTTPClient) StreamDraft(ctx context.Context, query, modelHint string) (<-chan schema.StreamFrame, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/plans/draft", draftRequest{Query: query, ModelHint: modelHint})
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError("open draft stream", err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}

	frames := make(chan schema.StreamFrame, 16)
	go func() {
		defer close(frames)
		defer resp.Body.Close()
		readFrames(ctx, resp.Body, frames)
	}()
	return frames, nil
}

func (c *HTTPClient) FetchPlanDetail(ctx context.Context, planID string) (*schema.PlanDetail, error) {
	var out schema.PlanDetail
	if err := c.do(ctx, http.MethodGet, planPath(planID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) FetchPlanStatus(ctx context.Context, planID string) (*schema.StatusSnapshot, error) {
	var out schema.StatusSnapshot
	if err := c.do(ctx, http.MethodGet, planPath(planID)+"/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) UpdateNode(ctx context.Context, planID, nodeID string, update schema.NodeUpdate) (*schema.NodeUpdateResult, error) {
	var out schema.NodeUpdateResult
	if err := c.do(ctx, http.MethodPatch, nodePath(planID, nodeID), update, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) RerunNode(ctx context.Context, planID, nodeID string) error {
	return c.do(ctx, http.MethodPost, nodePath(planID, nodeID)+"/rerun", nil, nil)
}

func (c *HTTPClient) AppendNodeEvent(ctx context.Context, planID, nodeID, event, source string) error {
	return c.do(ctx, http.MethodPost, nodePath(planID, nodeID)+"/events", nodeEventRequest{Event: event, Source: source}, nil)
}

func (c *HTTPClient) Interact(ctx context.Context, planID, message string) error {
	return c.do(ctx, http.MethodPost, planPath(planID)+"/interact", interactRequest{Message: message}, nil)
}

// do issues a JSON request, retrying reads per the retry policy.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	attempts := 1
	if method == http.MethodGet && c.retry.Attempts > 1 {
		attempts = c.retry.Attempts
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := ComputeBackoff(c.retry, attempt-1)
			c.logger.DebugContext(ctx, "retrying planner request",
				slog.String("path", path),
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay),
			)
			if waitErr := waitForBackoff(ctx, delay); waitErr != nil {
				return err
			}
		}
		if err = c.doOnce(ctx, method, path, body, out); !IsRetryable(err) {
			return err
		}
	}
	return err
}

// doOnce issues a bounded JSON request and decodes the response into out (if non-nil).
func (c *HTTPClient) doOnce(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(method+" "+path, err)
	}
	defer resp.Body.Close()

	c.logger.DebugContext(ctx, "planner request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(start)),
		slog.String("request_id", req.Header.Get(RequestIDHeader)),
	)

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return schema.NewErrorf(schema.ErrCodeTransport, "decode %s %s response", method, path).WithCause(err)
	}
	return nil
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "encode request body").WithCause(err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeTransport, "create request").WithCause(err)
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept-Encoding", "identity")
	if runID := logging.RunID(ctx); runID != "" {
		req.Header.Set("X-Run-ID", runID)
	}
	req.Header.Set(RequestIDHeader, uuid.NewString())
	return req, nil
}

func planPath(planID string) string {
	return "/plans/" + url.PathEscape(planID)
}

func nodePath(planID, nodeID string) string {
	return planPath(planID) + "/nodes/" + url.PathEscape(nodeID)
}

func transportError(op string, err error) *schema.PlanError {
	if errors.Is(err, context.Canceled) {
		return schema.NewError(schema.ErrCodeCancelled, op).WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeTransport, "%s: %v", op, err).WithCause(err)
}

// statusError maps a non-2xx response to a PlanError, using the body's
// "error" or "message" field when present.
func statusError(resp *http.Response) *schema.PlanError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	msg := strings.TrimSpace(string(raw))
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Error != "" {
			msg = body.Error
		} else if body.Message != "" {
			msg = body.Message
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	code := schema.ErrCodeTransport
	switch resp.StatusCode {
	case http.StatusNotFound:
		code = schema.ErrCodeNotFound
	case http.StatusConflict:
		code = schema.ErrCodeConflict
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		code = schema.ErrCodeValidation
	}
	return schema.NewErrorf(code, "planner returned %d: %s", resp.StatusCode, msg).
		WithDetails(map[string]any{"status": resp.StatusCode})
}

var _ Client = (*HTTPClient)(nil)
