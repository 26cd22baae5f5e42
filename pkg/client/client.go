package client

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
	"sync"
	"time"
)

// ErrNotFound is returned when eventlogd answers 404.
var ErrNotFound = errors.New("client: not found")

// APIError is a non-2xx response from eventlogd.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("eventlogd returned HTTP %d: %s", e.StatusCode, e.Message)
}

// Client talks to the eventlogd HTTP API.
type Client struct {
	base       string
	httpClient *http.Client

	// token state, guarded by mu
	mu          sync.Mutex
	bearerToken string
	tokenExpiry time.Time // zero = token was set manually (no auto-refresh)

	// token exchange credentials; empty secret disables exchange
	secret  string
	subject string
	scopes  []string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.httpClient.Timeout = d
		return nil
	}
}

// WithBearerToken attaches a pre-obtained operator token to every request.
// The token is treated as long-lived and will not be auto-refreshed.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		c.tokenExpiry = time.Time{}
		return nil
	}
}

// WithAdminSecret makes the client exchange secret for an operator token on
// first use and again shortly before it expires. No scopes means all scopes.
func WithAdminSecret(secret, subject string, scopes ...string) Option {
	return func(c *Client) error {
		if secret == "" || subject == "" {
			return errors.New("client: admin secret and subject are required")
		}
		c.secret = secret
		c.subject = subject
		c.scopes = scopes
		return nil
	}
}

// New creates a Client for the eventlogd instance at base.
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithAdminSecret(os.Getenv("EVENTLOG_SECRET"), "ci"),
//	)
func New(base string, opts ...Option) (*Client, error) {
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// do sends a JSON request to path and decodes the response into out (when
// non-nil). auth attaches the operator token, fetching one if needed.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any, auth bool) error {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	if auth {
		token, err := c.ensureToken(ctx)
		if err != nil {
			return fmt.Errorf("obtain operator token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, req.URL.Path)
	}
	if resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// errorMessage extracts {"error": "..."} from a response body.
func errorMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(body))
}
