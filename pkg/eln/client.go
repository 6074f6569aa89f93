// Package eln is a client for the lab notebook's experiment API.
package eln

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// ErrNoID is returned when a successful response does not identify the
// created experiment.
var ErrNoID = eris.New("eln: response has no id")

// Client creates notebook experiments.
type Client interface {
	// CreateExperiment posts req and returns the notebook's identifier.
	CreateExperiment(ctx context.Context, req *ExperimentRequest) (string, error)
}

// ExperimentRequest is the body of a create call. Metadata is passed
// through as-is.
type ExperimentRequest struct {
	Title      string `json:"title"`
	User       string `json:"user"`
	Instrument string `json:"instrument"`
	Metadata   any    `json:"metadata,omitempty"`
}

type experimentResponse struct {
	ID json.RawMessage `json:"id"`
}

// StatusError is a response the client cannot use: a non-2xx status, or a
// 2xx whose body carries no experiment id. Err is set for the latter.
type StatusError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v (status %d): %s", e.Err, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("eln: unexpected status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Option configures the client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithRateLimit throttles calls to rps requests per second. Zero disables
// the limit.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		} else {
			c.limiter = nil
		}
	}
}

type httpClient struct {
	url     string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient returns a client posting to url with token as bearer
// credential. Requests are not limited unless WithRateLimit is given.
func NewClient(url, token string, opts ...Option) Client {
	c := &httpClient{
		url:   url,
		token: token,
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) CreateExperiment(ctx context.Context, in *ExperimentRequest) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", eris.Wrap(err, "eln: rate limit")
		}
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return "", eris.Wrap(err, "eln: marshal request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return "", eris.Wrap(err, "eln: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", eris.Wrap(err, "eln: request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", eris.Wrap(err, "eln: read response body")
	}
	trimmed := string(bytes.TrimSpace(body))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: trimmed}
	}

	// The server may already have created the experiment, so an unusable
	// body keeps its status and is never retried.
	var out experimentResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: trimmed, Err: eris.Wrap(err, "unmarshal response")}
	}
	id := idString(out.ID)
	if id == "" {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: trimmed, Err: ErrNoID}
	}
	return id, nil
}

// idString accepts both string and numeric identifiers.
func idString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
