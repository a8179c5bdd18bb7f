// Package twitchapi is the Helix API client: one HTTP call wrapper that
// attaches credentials, enforces the request timeout, feeds rate-limit
// headers back into the shared budget, and emits structured per-call
// telemetry. It never retries; retry policy belongs to callers.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/onnwee/channelwatch/ratelimit"
	"github.com/onnwee/channelwatch/telemetry"
)

const (
	// DefaultBaseURL is the production Helix endpoint; tests point this at a
	// mock server.
	DefaultBaseURL = "https://api.twitch.tv/helix"

	// requestTimeout bounds a single HTTP exchange.
	requestTimeout = 20 * time.Second
)

// TokenProvider is the opaque credential collaborator: current access tokens
// and scopes per identity, plus the resolved channel identity. An empty token
// means auth is not ready yet.
type TokenProvider interface {
	AccessToken(id ratelimit.Identity) string
	ClientID() string
	Scopes(id ratelimit.Identity) []string
	ChannelID() string
	BotUserID() string
	BotUsername() string
	BroadcasterUsername() string
	BroadcasterType() string
	LoadedTokens() int
}

// Client issues Helix calls. All fields must be set except HTTPClient and
// BaseURL, which default.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Tokens     TokenProvider
	Budget     *ratelimit.Budget
	Calls      *telemetry.CallLog
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return DefaultBaseURL
}

// HasScope reports whether the identity's token carries the given scope.
func (c *Client) HasScope(id ratelimit.Identity, scope string) bool {
	for _, s := range c.Tokens.Scopes(id) {
		if s == scope {
			return true
		}
	}
	return false
}

// callOpts describes one Helix request. gate=false skips the budget admission
// check for calls that must go out regardless (channel info, clip lookups).
type callOpts struct {
	identity     ratelimit.Identity
	method       string
	path         string
	query        url.Values
	body         any
	gate         bool
	minRemaining int
}

// call issues the request and decodes the JSON response into out (if non-nil).
// Rate-limit headers are captured on every response; a 429 zeroes the budget.
func (c *Client) call(ctx context.Context, opts callOpts, out any) error {
	token := c.Tokens.AccessToken(opts.identity)
	if token == "" {
		return ErrAuthUnavailable
	}
	if opts.gate {
		min := opts.minRemaining
		if min == 0 {
			min = ratelimit.DefaultMinRemaining
		}
		if !c.Budget.Admit(opts.identity, min) {
			return ErrBudgetExhausted
		}
	}

	endpoint := c.base() + opts.path
	if len(opts.query) > 0 {
		endpoint += "?" + opts.query.Encode()
	}

	var bodyReader io.Reader
	if opts.body != nil {
		buf, err := json.Marshal(opts.body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(buf)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, opts.method, endpoint, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Client-Id", c.Tokens.ClientID())
	if opts.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http().Do(req)
	if err != nil {
		c.record(opts, "n/a", err)
		return fmt.Errorf("%s %s: %w", opts.method, endpoint, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		resetAt := parseResetHeader(resp)
		c.Budget.RecordTooManyRequests(opts.identity, resetAt)
		rlErr := &RateLimitedError{ResetAt: resetAt}
		c.record(opts, strconv.Itoa(resp.StatusCode), rlErr)
		return rlErr
	case resp.StatusCode >= 400:
		c.captureBudgetHeaders(opts.identity, resp)
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Method: opts.method, Endpoint: endpoint, Body: string(b)}
		c.record(opts, strconv.Itoa(resp.StatusCode), httpErr)
		return httpErr
	}

	c.captureBudgetHeaders(opts.identity, resp)
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			decErr := fmt.Errorf("decode %s %s: %w", opts.method, endpoint, err)
			c.record(opts, strconv.Itoa(resp.StatusCode), decErr)
			return decErr
		}
	}
	c.record(opts, strconv.Itoa(resp.StatusCode), nil)
	return nil
}

// captureBudgetHeaders saves the three rate-limit headers when present.
func (c *Client) captureBudgetHeaders(id ratelimit.Identity, resp *http.Response) {
	limit, err1 := strconv.Atoi(resp.Header.Get("Ratelimit-Limit"))
	remaining, err2 := strconv.Atoi(resp.Header.Get("Ratelimit-Remaining"))
	if err1 != nil || err2 != nil {
		return
	}
	c.Budget.RecordSuccess(id, limit, remaining, parseResetHeader(resp))
	if telemetry.BudgetRemainingGauge != nil {
		telemetry.BudgetRemainingGauge.WithLabelValues(string(id)).Set(float64(remaining))
	}
}

func parseResetHeader(resp *http.Response) time.Time {
	if sec, err := strconv.ParseInt(resp.Header.Get("Ratelimit-Reset"), 10, 64); err == nil {
		return time.Unix(sec, 0)
	}
	return time.Now().Add(time.Minute)
}

// record emits call telemetry to the in-process log and prometheus.
func (c *Client) record(opts callOpts, status string, callErr error) {
	w := c.Budget.Snapshot(opts.identity)
	ev := telemetry.CallEvent{
		Timestamp:       time.Now(),
		Method:          opts.method,
		Endpoint:        opts.path,
		Status:          status,
		Identity:        string(opts.identity),
		BudgetLimit:     w.Limit,
		BudgetRemaining: w.Remaining,
		BudgetResetAt:   w.ResetAt,
	}
	outcome := "ok"
	if callErr != nil {
		ev.Error = callErr.Error()
		switch {
		case HTTPStatus(callErr) == 429:
			outcome = "rate_limited"
		case HTTPStatus(callErr) >= 400:
			outcome = "http_error"
		default:
			outcome = "network_error"
		}
	}
	c.Calls.Record(ev)
	if telemetry.HelixCalls != nil {
		telemetry.HelixCalls.WithLabelValues(string(opts.identity), outcome).Inc()
	}
}
