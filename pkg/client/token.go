package client

import (
	"context"
	"time"
)

// refreshBuffer renews exchanged tokens this long before they expire.
const refreshBuffer = 60 * time.Second

// FetchToken exchanges the admin secret configured with WithAdminSecret for
// an operator token, caches it and returns it.
func (c *Client) FetchToken(ctx context.Context) (string, error) {
	token, expiry, err := c.fetchTokenRaw(ctx)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.bearerToken = token
	c.tokenExpiry = expiry
	c.mu.Unlock()
	return token, nil
}

// fetchTokenRaw calls POST /api/v1/token without touching cached state.
func (c *Client) fetchTokenRaw(ctx context.Context) (string, time.Time, error) {
	req := map[string]any{"secret": c.secret, "subject": c.subject}
	if len(c.scopes) > 0 {
		req["scopes"] = c.scopes
	}
	var resp struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
	}
	if err := c.do(ctx, "POST", "/api/v1/token", nil, req, &resp, false); err != nil {
		return "", time.Time{}, err
	}
	exp := time.Now().Add(time.Duration(resp.ExpiresIn)*time.Second - refreshBuffer)
	return resp.Token, exp, nil
}

// ensureToken returns the bearer token to send, exchanging the admin secret
// when the cached token is absent or close to expiry. An empty string means
// the client has no credentials and the request goes out unauthenticated.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bearerToken != "" && (c.tokenExpiry.IsZero() || time.Now().Before(c.tokenExpiry)) {
		return c.bearerToken, nil
	}
	if c.secret == "" {
		return c.bearerToken, nil
	}

	token, expiry, err := c.fetchTokenRaw(ctx)
	if err != nil {
		return "", err
	}
	c.bearerToken = token
	c.tokenExpiry = expiry
	return token, nil
}
