// Package api provides the HTTP plumbing shared by the job and memory
// clients: JSON round trips, bearer-token injection and logout-on-401.
//
// Auth is an explicit dependency here, not a patched global transport:
// every Client is built over a credentials.Provider and invalidates it
// when the backend answers 401/403.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatch/internal/credentials"
	"github.com/fyrsmithlabs/dispatch/internal/logging"
)

const (
	defaultTimeout = 30 * time.Second

	// mirrorTokenHeader duplicates the bearer token for transports that
	// strip Authorization (some proxies do).
	mirrorTokenHeader = "X-Dispatch-Token"

	requestIDHeader = "X-Request-ID"
)

// Client performs authenticated JSON calls against the backend.
type Client struct {
	baseURL string
	creds   credentials.Provider
	logger  *logging.Logger

	// httpClient bounds regular calls with a timeout; streamClient has no
	// timeout because event streams live as long as their job.
	httpClient   *http.Client
	streamClient *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout for non-streaming calls.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient swaps the underlying HTTP client for non-streaming
// calls. Used by tests to inject failing transports.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a Client for the backend at baseURL.
func New(baseURL string, creds credentials.Provider, logger *logging.Logger, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base URL must be absolute, got %q", baseURL)
	}
	if creds == nil {
		return nil, fmt.Errorf("credentials provider cannot be nil")
	}
	if logger == nil {
		logger = logging.Nop()
	}

	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		creds:        creds,
		logger:       logger,
		httpClient:   &http.Client{Timeout: defaultTimeout},
		streamClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Do performs a JSON request. in is marshaled as the request body when
// non-nil; out is unmarshaled from the response body when non-nil. Any
// non-2xx response becomes an *Error carrying status and raw body.
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	op := method + " " + path

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshaling request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: creating request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.authorize(ctx, req); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: reading response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.handleAuthFailure(ctx, resp.StatusCode, op)
		return &Error{Op: op, Status: resp.StatusCode, Body: string(respBody)}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%s: decoding response: %w", op, err)
		}
	}
	return nil
}

// Stream opens a long-lived GET and returns the raw body. A non-2xx
// response or an empty body is a hard error: a job's event channel must
// never silently read as empty.
func (c *Client) Stream(ctx context.Context, path string) (io.ReadCloser, error) {
	op := "GET " + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: creating request: %w", op, err)
	}
	req.Header.Set("Accept", "application/x-ndjson")
	if err := c.authorize(ctx, req); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		c.handleAuthFailure(ctx, resp.StatusCode, op)
		return nil, &Error{Op: op, Status: resp.StatusCode, Body: string(body)}
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, &Error{Op: op, Status: resp.StatusCode, Body: "stream response had no body"}
	}
	return resp.Body, nil
}

// authorize attaches the bearer token, its mirror header and a request ID.
func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	token, err := c.creds.Token(ctx)
	if err != nil {
		return fmt.Errorf("acquiring credential: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(mirrorTokenHeader, token)

	requestID := logging.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	req.Header.Set(requestIDHeader, requestID)
	return nil
}

// handleAuthFailure invalidates the cached credential on 401/403. The
// next call re-reads the secure store; there is no login endpoint on this
// surface, so every authenticated path participates.
func (c *Client) handleAuthFailure(ctx context.Context, status int, op string) {
	if status != http.StatusUnauthorized && status != http.StatusForbidden {
		return
	}
	c.logger.Warn(ctx, "credential rejected, invalidating cache",
		zap.String("op", op),
		zap.Int("status", status),
	)
	c.creds.Invalidate()
}
