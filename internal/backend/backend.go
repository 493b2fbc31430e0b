// Package backend is the HTTP client for the memoir service's conversation
// lifecycle: starting and ending conversations, memoir generation and the
// storyteller profile.
//
// Every call carries a bearer token and a fresh X-Request-ID, is wrapped in a
// trace span, and runs behind a circuit breaker so a failing backend is
// rejected fast instead of stalling each session shutdown.
package backend

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

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/MrWong99/memoirvoice/internal/observe"
	"github.com/MrWong99/memoirvoice/internal/resilience"
)

const (
	// DefaultTimeout bounds each request when no HTTP client is supplied.
	DefaultTimeout = 15 * time.Second

	maxBody = 1 << 20

	// DefaultPerspective is the narrative voice used for memoir generation
	// when none is given.
	DefaultPerspective = "第一人称"
)

// ErrUnauthorized is returned when the backend rejects the token.
var ErrUnauthorized = errors.New("backend: unauthorized")

// APIError is returned for non-2xx responses other than 401.
type APIError struct {
	Op     string
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("backend: %s: HTTP %d: %s", e.Op, e.Status, e.Detail)
	}
	return fmt.Sprintf("backend: %s: HTTP %d", e.Op, e.Status)
}

// Started is the response of StartConversation.
type Started struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

// Conversation is the response of EndConversation.
type Conversation struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Topic   string `json:"topic"`
	Summary string `json:"summary"`
	Status  string `json:"status"`
}

// Profile is the subset of the user profile the dialog needs.
type Profile struct {
	ProfileCompleted bool `json:"profile_completed"`
}

// MemoirRequest asks the backend to write a memoir chapter from a
// conversation.
type MemoirRequest struct {
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title,omitempty"`
	Perspective    string `json:"perspective"`
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithToken sets the bearer token.
func WithToken(token string) Option {
	return func(cl *Client) { cl.token = token }
}

// WithBreaker guards every call with cb.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(cl *Client) { cl.breaker = cb }
}

// WithMetrics records request counts and latency on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(cl *Client) { cl.metrics = m }
}

// Client calls the memoir backend. It is safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics
}

// New returns a Client for the API rooted at baseURL (for example
// "http://host:8000/api").
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("backend: base URL must not be empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("backend: parse base URL: %w", err)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Breaker returns the circuit breaker guarding the client, or nil.
func (c *Client) Breaker() *resilience.CircuitBreaker { return c.breaker }

// StartConversation creates a new conversation.
func (c *Client) StartConversation(ctx context.Context) (Started, error) {
	var out Started
	err := c.do(ctx, "start", http.MethodPost, "/conversation/start", nil, &out)
	if err == nil && out.ConversationID == "" {
		err = errors.New("backend: start: response has no conversation_id")
	}
	return out, err
}

// EndConversation ends a conversation and waits for the backend to write the
// full summary.
func (c *Client) EndConversation(ctx context.Context, id string) (Conversation, error) {
	var out Conversation
	err := c.do(ctx, "end", http.MethodPost, "/conversation/"+url.PathEscape(id)+"/end", nil, &out)
	return out, err
}

// EndConversationQuick ends a conversation and leaves summarisation to the
// backend's background work.
func (c *Client) EndConversationQuick(ctx context.Context, id string) error {
	return c.do(ctx, "end_quick", http.MethodPost, "/conversation/"+url.PathEscape(id)+"/end-quick", nil, nil)
}

// GenerateMemoirAsync queues memoir generation. An empty perspective uses
// [DefaultPerspective].
func (c *Client) GenerateMemoirAsync(ctx context.Context, req MemoirRequest) error {
	if req.ConversationID == "" {
		return errors.New("backend: generate memoir: conversation id is required")
	}
	if req.Perspective == "" {
		req.Perspective = DefaultPerspective
	}
	return c.do(ctx, "generate_memoir", http.MethodPost, "/memoir/generate-async", req, nil)
}

// Profile fetches the current user's profile.
func (c *Client) Profile(ctx context.Context) (Profile, error) {
	var out Profile
	err := c.do(ctx, "profile", http.MethodGet, "/user/me/profile", nil, &out)
	return out, err
}

// CompleteProfile marks the profile interview as finished.
func (c *Client) CompleteProfile(ctx context.Context) error {
	return c.do(ctx, "complete_profile", http.MethodPost, "/user/me/complete-profile", nil, nil)
}

// Ping checks that the service answers on its /health endpoint, which lives
// at the root of the host rather than under the API prefix.
func (c *Client) Ping(ctx context.Context) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("backend: ping: %w", err)
	}
	u.Path, u.RawQuery = "/health", ""
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("backend: ping: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: ping: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
	if resp.StatusCode/100 != 2 {
		return &APIError{Op: "ping", Status: resp.StatusCode}
	}
	return nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) (err error) {
	ctx, span := observe.StartSpan(ctx, "backend."+op)
	start := time.Now()
	defer func() {
		observe.EndSpan(span, err)
		if c.metrics != nil {
			c.metrics.RecordLifecycle(ctx, op, statusLabel(err), time.Since(start))
		}
	}()

	call := func() error { return c.roundTrip(ctx, op, method, path, in, out) }
	if c.breaker == nil {
		return call()
	}
	return c.breaker.Execute(call)
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("backend: %s: marshal: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("backend: %s: create request: %w", op, err)
	}
	reqID := uuid.NewString()
	req.Header.Set("X-Request-ID", reqID)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if sid := observe.SessionID(ctx); sid != "" {
		req.Header.Set("X-Session-ID", sid)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("backend: %s: read body: %w", op, err)
	}
	observe.Logger(ctx).Debug("backend call", "op", op, "status", resp.StatusCode, "request_id", reqID)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w (%s)", ErrUnauthorized, op)
	case resp.StatusCode/100 != 2:
		var e struct {
			Detail any `json:"detail"`
		}
		_ = json.Unmarshal(data, &e)
		return &APIError{Op: op, Status: resp.StatusCode, Detail: detailString(e.Detail)}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("backend: %s: decode response: %w", op, err)
	}
	return nil
}

// detailString flattens FastAPI-style detail values, which are either a
// string or a list of validation errors.
func detailString(v any) string {
	switch d := v.(type) {
	case nil:
		return ""
	case string:
		return d
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func statusLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

// IsFailure reports whether err should count against a circuit breaker.
// Client errors (4xx, bad token) and cancellation say nothing about backend
// health and are excluded.
func IsFailure(err error) bool {
	if !resilience.DefaultIsFailure(err) || errors.Is(err, ErrUnauthorized) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status < 500 {
		return false
	}
	return true
}
