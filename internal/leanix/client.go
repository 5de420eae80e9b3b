// Package leanix provides a client for the LeanIX Pathfinder and Poll
// APIs. It covers the token exchange, triggering and polling asynchronous
// full-export jobs, downloading the resulting snapshot archive, and
// downloading survey run result spreadsheets.
//
// All remote calls go through a single dispatcher that attaches the
// current bearer token and turns any response status >= 400 into an
// *APIError. The bearer token is refreshed before every export status
// poll because exports can outlive a token's validity.
//
// See https://dev.leanix.net/docs/authentication for the token exchange.
package leanix

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	tokenPath      = "/services/mtm/v1/oauth2/token"
	pathfinderBase = "/services/pathfinder/v1"
	pollBase       = "/services/poll/v2"

	// Export poll settings.
	defaultPollInterval = 5 * time.Second
	defaultPollTimeout  = 7200 * time.Second

	// maxErrorBody caps how much of an error response body is kept.
	maxErrorBody = 300
)

// Options configures a Client. Instance, APIToken and WorkspaceID are
// required; the rest have working defaults.
type Options struct {
	Instance    string // base URL of the LeanIX instance
	APIToken    string
	WorkspaceID string

	HTTPProxy     string
	HTTPSProxy    string
	ProxyRequired bool

	PollInterval time.Duration
	PollTimeout  time.Duration

	ExportFilename string // template with {cdate}
	SurveyFilename string // template with {cdate}, {id}, {run}
}

// Client provides methods for exporting snapshots and survey results
// from a LeanIX workspace. It is not safe for concurrent use; the
// bearer token is replaced in place on every re-authentication.
type Client struct {
	httpClient  *http.Client
	instance    string
	apiToken    string
	workspaceID string
	bearerToken string

	pollInterval time.Duration
	pollTimeout  time.Duration

	exportFilename string
	surveyFilename string

	now func() time.Time
}

// New creates a LeanIX API client.
func New(opts Options) (*Client, error) {
	if opts.Instance == "" {
		return nil, fmt.Errorf("instance URL is required")
	}
	if opts.APIToken == "" {
		return nil, fmt.Errorf("API token is required")
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.ProxyRequired {
		httpProxy, err := url.Parse(opts.HTTPProxy)
		if err != nil {
			return nil, fmt.Errorf("parse http proxy: %w", err)
		}
		httpsProxy, err := url.Parse(opts.HTTPSProxy)
		if err != nil {
			return nil, fmt.Errorf("parse https proxy: %w", err)
		}
		transport.Proxy = func(req *http.Request) (*url.URL, error) {
			if req.URL.Scheme == "https" {
				return httpsProxy, nil
			}
			return httpProxy, nil
		}
	}

	c := &Client{
		httpClient:     &http.Client{Transport: transport},
		instance:       strings.TrimRight(opts.Instance, "/"),
		apiToken:       opts.APIToken,
		workspaceID:    opts.WorkspaceID,
		pollInterval:   opts.PollInterval,
		pollTimeout:    opts.PollTimeout,
		exportFilename: opts.ExportFilename,
		surveyFilename: opts.SurveyFilename,
		now:            time.Now,
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
	if c.pollTimeout <= 0 {
		c.pollTimeout = defaultPollTimeout
	}
	return c, nil
}

// APIError is returned for any LeanIX API response with status >= 400.
type APIError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("leanix API error: status %d on %s: %s", e.StatusCode, e.URL, e.Body)
}

// tokenResponse is the JSON response from the OAuth token endpoint.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

// Connect exchanges the static API token for a short-lived bearer token
// used by all subsequent calls. It replaces the client's current token.
func (c *Client) Connect(ctx context.Context) error {
	form := url.Values{"grant_type": {"client_credentials"}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.instance+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build token request: %w", err)
	}
	req.SetBasicAuth("apitoken", c.apiToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("token exchange request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return &APIError{
			StatusCode: resp.StatusCode,
			URL:        c.instance + tokenPath,
			Body:       truncate(string(body), maxErrorBody),
		}
	}

	var result tokenResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("parse token response: %w", err)
	}
	if result.AccessToken == "" {
		return fmt.Errorf("no access token in response: %s", truncate(string(body), maxErrorBody))
	}

	c.bearerToken = result.AccessToken
	log.Debug().Msg("Bearer token refreshed")
	return nil
}

// call issues an authorized request against the instance. path is
// relative to the instance base URL. accept, when non-empty, is sent as
// the Accept header for this request only. The caller owns the returned
// body. Any response status >= 400 is drained and returned as *APIError.
func (c *Client) call(ctx context.Context, method, path string, params url.Values, body io.Reader, accept string) (*http.Response, error) {
	u := c.instance + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)
	if err != nil {
		log.Debug().Str("method", method).Str("path", path).Dur("duration", duration).Err(err).Msg("LeanIX API request failed")
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	log.Debug().Str("method", method).Str("path", path).Int("statusCode", resp.StatusCode).Dur("duration", duration).Msg("LeanIX API response")

	if resp.StatusCode >= http.StatusBadRequest {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody+1))
		resp.Body.Close()
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			URL:        u,
			Body:       truncate(string(errBody), maxErrorBody),
		}
	}
	return resp, nil
}

// getJSON issues an authorized GET and decodes the JSON response into v.
func (c *Client) getJSON(ctx context.Context, path string, params url.Values, v any) error {
	resp, err := c.call(ctx, http.MethodGet, path, params, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("parse response from %s: %w", path, err)
	}
	return nil
}

// postJSON issues an authorized POST and decodes the JSON response into v.
func (c *Client) postJSON(ctx context.Context, path string, params url.Values, v any) error {
	resp, err := c.call(ctx, http.MethodPost, path, params, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("parse response from %s: %w", path, err)
	}
	return nil
}

// truncate returns the first n characters of s, appending "..." if truncated.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
