// Package remote talks to the step service and the session store over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/linguaworks/lingua/internal/workflow"
)

const (
	defaultTimeout = 60 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
	userAgent      = "lingua"
)

// Credentials supplies the bearer token attached to every request. An empty
// token sends the request unauthenticated.
type Credentials interface {
	BearerToken() string
}

// StaticToken is a fixed bearer token.
type StaticToken string

func (t StaticToken) BearerToken() string { return string(t) }

// Client is an HTTP client for one lingua backend. The step service and the
// session store each get their own Client.
type Client struct {
	baseURL    string
	creds      Credentials
	httpClient *http.Client
	backoff    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithBackoff sets the initial backoff between rate-limited attempts.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) { c.backoff = d }
}

// NewClient creates a client for baseURL. creds may be nil.
func NewClient(baseURL string, creds Credentials, opts ...Option) *Client {
	if creds == nil {
		creds = StaticToken("")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		creds:      creds,
		httpClient: &http.Client{Timeout: defaultTimeout},
		backoff:    initialBackoff,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// do sends a JSON request and decodes the JSON response into out. HTTP 429
// responses are retried with exponential backoff.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		payload = b
	}

	var lastErr error
	for attempt := range maxRetries {
		respBody, err := c.send(ctx, method, path, payload)
		if err == nil {
			if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return &TransportError{Endpoint: path, Err: fmt.Errorf("decoding response: %w", err)}
			}
			return nil
		}

		if !isRateLimit(err) {
			return err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(c.backoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return &TransportError{Endpoint: path, Err: ctx.Err()}
			case <-time.After(backoff):
			}
		}
	}

	return &TransportError{
		Endpoint:   path,
		StatusCode: http.StatusTooManyRequests,
		Err:        fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr),
	}
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req, payload != nil)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Endpoint: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &rateLimitError{status: resp.StatusCode}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Endpoint: path, StatusCode: resp.StatusCode, Err: fmt.Errorf("reading response: %w", err)}
	}

	if resp.StatusCode >= 400 {
		return nil, errorFromResponse(path, resp.StatusCode, respBody)
	}
	return respBody, nil
}

func (c *Client) setHeaders(req *http.Request, hasBody bool) {
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if tok := c.creds.BearerToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
}

// call sends a request to an endpoint that answers with the
// {status, message, result} envelope and returns the result.
func (c *Client) call(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var resp workflow.Response
	if err := c.do(ctx, method, path, body, &resp); err != nil {
		return nil, err
	}
	if !resp.OK() {
		msg := resp.Message
		if msg == "" {
			msg = "request failed"
		}
		return nil, &TransportError{Endpoint: path, StatusCode: http.StatusOK, Message: msg}
	}
	return resp.Result, nil
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	var rl *rateLimitError
	return errors.As(err, &rl)
}
