// Package sharepoint creates SharePoint list items through Microsoft Graph
// using an app registration's client credentials.
package sharepoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://graph.microsoft.com/v1.0"
	graphScope     = "https://graph.microsoft.com/.default"
)

// Client writes list items.
type Client interface {
	// CreateItem adds a row with the given column values to list and
	// returns the new item's ID.
	CreateItem(ctx context.Context, list string, fields map[string]any) (string, error)
}

// Credentials identify the app registration.
type Credentials struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

// StatusError is a non-2xx response from Graph.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sharepoint: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*graphClient)

// WithBaseURL sets a custom Graph base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *graphClient) {
		c.baseURL = u
	}
}

// WithTokenURL overrides the tenant token endpoint (for testing).
func WithTokenURL(u string) Option {
	return func(c *graphClient) {
		c.tokenURL = u
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *graphClient) {
		c.timeout = d
	}
}

// WithRateLimit throttles item creation to rps requests per second. Zero
// disables the limit.
func WithRateLimit(rps float64) Option {
	return func(c *graphClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		} else {
			c.limiter = nil
		}
	}
}

type graphClient struct {
	siteID   string
	baseURL  string
	tokenURL string
	timeout  time.Duration
	limiter  *rate.Limiter
	http     *http.Client
}

// NewClient returns a Graph client for siteID. Tokens are fetched and
// refreshed by the oauth2 client credentials flow.
func NewClient(creds Credentials, siteID string, opts ...Option) Client {
	c := &graphClient{
		siteID:   siteID,
		baseURL:  defaultBaseURL,
		tokenURL: fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", url.PathEscape(creds.TenantID)),
		timeout:  15 * time.Second,
		limiter:  rate.NewLimiter(5, 1),
	}
	for _, opt := range opts {
		opt(c)
	}

	cc := &clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     c.tokenURL,
		Scopes:       []string{graphScope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	base := &http.Client{Timeout: c.timeout}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	c.http = cc.Client(ctx)
	c.http.Timeout = c.timeout
	return c
}

func (c *graphClient) CreateItem(ctx context.Context, list string, fields map[string]any) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", eris.Wrap(err, "sharepoint: rate limit")
		}
	}

	payload, err := json.Marshal(map[string]any{"fields": fields})
	if err != nil {
		return "", eris.Wrap(err, "sharepoint: marshal item")
	}
	endpoint := fmt.Sprintf("%s/sites/%s/lists/%s/items",
		c.baseURL, url.PathEscape(c.siteID), url.PathEscape(list))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", eris.Wrap(err, "sharepoint: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", eris.Wrap(err, "sharepoint: request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", eris.Wrap(err, "sharepoint: read response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", eris.Wrap(err, "sharepoint: unmarshal response")
	}
	return out.ID, nil
}
