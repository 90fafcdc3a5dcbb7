// Package remote is the client for the session, party and puzzle API.
// Every call is guarded by connectivity and login checks; failures are
// logged and reported as nil or false, which callers must read as
// "unknown" rather than "does not exist".
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/sudoku-sync/internal/domain"
	"github.com/jonboulle/clockwork"
)

const (
	// DefaultRetryDelay is how long isLoggedIn waits before re-checking a
	// user whose tokens look expired.
	DefaultRetryDelay = 5 * time.Second
	// SessionTTL is the server-side expiry sent with every save.
	SessionTTL = 32 * 24 * time.Hour
)

// Auth is the subset of the token manager the client needs.
type Auth interface {
	User() *domain.UserProfile
	HasUser() bool
	Logout(ctx context.Context)
}

// Connectivity reports whether the API is reachable.
type Connectivity interface {
	IsOnline() bool
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	App        string
	HTTPClient *http.Client
	Auth       Auth
	Online     Connectivity
	Clock      clockwork.Clock
	RetryDelay time.Duration
}

// Client talks to the remote API.
type Client struct {
	baseURL    string
	app        string
	http       *http.Client
	auth       Auth
	online     Connectivity
	clock      clockwork.Clock
	retryDelay time.Duration
}

// NewClient creates a Client. HTTPClient should route through the auth
// manager so API requests carry a bearer token.
func NewClient(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.App == "" {
		opts.App = "sudoku"
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		app:        opts.App,
		http:       opts.HTTPClient,
		auth:       opts.Auth,
		online:     opts.Online,
		clock:      opts.Clock,
		retryDelay: opts.RetryDelay,
	}
}

// SessionKey is the server key for a puzzle id of the given kind.
// Non-puzzle kinds are suffixed with "-<KIND>".
func (c *Client) SessionKey(id string, kind string) string {
	key := c.app + "-" + id
	if kind != "" && kind != "PUZZLE" {
		key += "-" + kind
	}
	return key
}

func (c *Client) isOnline() bool {
	return c.online == nil || c.online.IsOnline()
}

// isLoggedIn gives an apparently expired user one more chance after
// retryDelay before logging out.
func (c *Client) isLoggedIn(ctx context.Context) bool {
	if c.auth == nil || !c.auth.HasUser() {
		slog.Debug("Not logged in")
		return false
	}
	if c.auth.User() != nil {
		return true
	}

	slog.Warn("No longer logged in, retrying", "delay", c.retryDelay)
	if c.retryDelay > 0 {
		select {
		case <-c.clock.After(c.retryDelay):
		case <-ctx.Done():
			return false
		}
	}
	if c.auth.User() != nil {
		slog.Info("Logged back in")
		return true
	}

	slog.Warn("No longer logged in, logging out")
	c.auth.Logout(ctx)
	return false
}

func (c *Client) ready(ctx context.Context) bool {
	return c.isOnline() && c.isLoggedIn(ctx)
}

// do sends a request and decodes a 2xx JSON body into out when out is
// non-nil. It reports whether the call succeeded.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) bool {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			slog.Error("Failed to encode request", "method", method, "path", path, "error", err)
			return false
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		slog.Error("Failed to build request", "method", method, "path", path, "error", err)
		return false
	}
	if body != nil || method == http.MethodDelete {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Error("Request failed", "method", method, "path", path, "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("Request rejected", "method", method, "path", path, "status", resp.StatusCode)
		return false
	}
	if out == nil {
		return true
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		slog.Error("Failed to decode response", "method", method, "path", path, "error", err)
		return false
	}
	return true
}

func (c *Client) appQuery() url.Values {
	return url.Values{"app": {c.app}}
}
