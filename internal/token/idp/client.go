// Package idp talks to the OAuth2/OIDC identity provider: the token
// endpoint for refresh grants and the introspection endpoint for
// server-side validation.
package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultTimeout = 10 * time.Second

// TokenResponse is the provider's reply to a refresh grant. RefreshToken
// is empty when the provider does not rotate refresh tokens.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	Scope        string `json:"scope"`
}

// IntrospectionResponse is the provider's reply to an introspection
// call (RFC 7662). Only the fields the session layer consults are kept.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope"`
	ClientID  string `json:"client_id"`
	Username  string `json:"username"`
	TokenType string `json:"token_type"`
	Exp       int64  `json:"exp"`
	Sub       string `json:"sub"`
}

// Client calls the identity provider over HTTP. Construct with NewClient.
type Client struct {
	tokenURL      string
	introspectURL string
	clientID      string
	clientSecret  string
	http          *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client, mainly for tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// NewClient returns a Client for the given endpoints. introspectURL may
// be empty when the deployment validates tokens locally only.
func NewClient(tokenURL, introspectURL, clientID, clientSecret string, opts ...Option) *Client {
	c := &Client{
		tokenURL:      tokenURL,
		introspectURL: introspectURL,
		clientID:      clientID,
		clientSecret:  clientSecret,
		http:          &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Refresh exchanges refreshToken for a new token set via the
// refresh_token grant. Non-2xx responses become errors carrying the
// provider's response body.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	body, err := c.postForm(ctx, c.tokenURL, form)
	if err != nil {
		return nil, err
	}
	var tr TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("idp: decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("idp: token response missing access_token")
	}
	return &tr, nil
}

// Introspect asks the provider whether token is active. tokenTypeHint
// is "access_token" or "refresh_token" per RFC 7662, or empty.
func (c *Client) Introspect(ctx context.Context, token, tokenTypeHint string) (*IntrospectionResponse, error) {
	if c.introspectURL == "" {
		return nil, fmt.Errorf("idp: introspection endpoint not configured")
	}
	form := url.Values{}
	form.Set("token", token)
	if tokenTypeHint != "" {
		form.Set("token_type_hint", tokenTypeHint)
	}
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	body, err := c.postForm(ctx, c.introspectURL, form)
	if err != nil {
		return nil, err
	}
	var ir IntrospectionResponse
	if err := json.Unmarshal(body, &ir); err != nil {
		return nil, fmt.Errorf("idp: decode introspection response: %w", err)
	}
	return &ir, nil
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("idp: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("idp: call %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("idp: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("idp: %s returned %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
