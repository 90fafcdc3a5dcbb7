// Package auth holds the OIDC token bundle and authenticates requests to
// the session API.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/sudoku-sync/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	// RefreshWindow is how close to expiry the access token is refreshed.
	RefreshWindow = 15 * time.Minute
	// RefreshLifetime is the assumed lifetime of a refresh token.
	RefreshLifetime = 14 * 24 * time.Hour

	tokenPath       = "/oidc/token"
	requestIDHeader = "X-Request-ID"
)

var publicPathPatterns = []*regexp.Regexp{regexp.MustCompile(`^/invites/[^/]+$`)}

// Store persists the token bundle.
type Store interface {
	LoadAuthState(ctx context.Context) (*domain.AuthState, error)
	SaveAuthState(ctx context.Context, state *domain.AuthState) error
}

// Options configures a Manager.
type Options struct {
	APIURL   string
	Issuer   string
	ClientID string
	Store    Store
	Base     http.RoundTripper
	Clock    clockwork.Clock
}

// RefreshResult reports the outcome of CheckRefresh.
type RefreshResult struct {
	// InProgress is set when another refresh was already running.
	InProgress bool
	// Refreshed is set when a new token bundle was stored.
	Refreshed bool
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

type idClaims struct {
	jwt.RegisteredClaims
	Name       string `json:"name,omitempty"`
	GivenName  string `json:"given_name,omitempty"`
	FamilyName string `json:"family_name,omitempty"`
	Nickname   string `json:"nickname,omitempty"`
	Email      string `json:"email,omitempty"`
	Picture    string `json:"picture,omitempty"`
}

// Manager is an http.RoundTripper that attaches the bearer token to API
// requests and captures token bundles from the issuer's token endpoint.
type Manager struct {
	apiOrigin    string
	issuerOrigin string
	tokenURL     string
	clientID     string
	base         http.RoundTripper
	store        Store
	clock        clockwork.Clock

	mu    sync.RWMutex
	state domain.AuthState

	refreshing atomic.Bool

	subMu   sync.Mutex
	subs    map[int]func(domain.AuthState)
	nextSub int
}

// NewManager creates a Manager. Call Load to restore a persisted bundle.
func NewManager(opts Options) (*Manager, error) {
	apiOrigin, err := origin(opts.APIURL)
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	issuerOrigin, err := origin(opts.Issuer)
	if err != nil {
		return nil, fmt.Errorf("parse issuer: %w", err)
	}
	if opts.Base == nil {
		opts.Base = http.DefaultTransport
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Manager{
		apiOrigin:    apiOrigin,
		issuerOrigin: issuerOrigin,
		tokenURL:     strings.TrimRight(opts.Issuer, "/") + tokenPath,
		clientID:     opts.ClientID,
		base:         opts.Base,
		store:        opts.Store,
		clock:        opts.Clock,
		subs:         make(map[int]func(domain.AuthState)),
	}, nil
}

func origin(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%q is not an absolute url", raw)
	}
	return u.Scheme + "://" + u.Host, nil
}

// Client returns an http.Client that routes through the manager.
func (m *Manager) Client() *http.Client {
	return &http.Client{Transport: m, Timeout: 30 * time.Second}
}

// Load restores the persisted bundle, if any.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	state, err := m.store.LoadAuthState(ctx)
	if err != nil {
		return fmt.Errorf("load auth state: %w", err)
	}
	if state == nil {
		return nil
	}
	m.mu.Lock()
	m.state = *state
	m.mu.Unlock()
	m.notify(*state)
	return nil
}

// State returns a copy of the current bundle.
func (m *Manager) State() domain.AuthState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// User returns the profile if the session is still valid, otherwise nil.
func (m *Manager) User() *domain.UserProfile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.state.HasValidUser(m.clock.Now()) {
		return nil
	}
	u := *m.state.User
	return &u
}

// HasUser reports whether any user is held, valid or not.
func (m *Manager) HasUser() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.User != nil
}

// Subscribe registers fn to be called with the new bundle after every
// change. The returned func removes the subscription.
func (m *Manager) Subscribe(fn func(domain.AuthState)) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *Manager) notify(state domain.AuthState) {
	m.subMu.Lock()
	fns := make([]func(domain.AuthState), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}

func (m *Manager) setState(ctx context.Context, state domain.AuthState) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveAuthState(ctx, &state); err != nil {
			slog.Error("Failed to persist auth state", "error", err)
		}
	}
	m.notify(state)
}

// Logout clears all auth state.
func (m *Manager) Logout(ctx context.Context) {
	slog.Info("Clearing auth state")
	m.setState(ctx, domain.AuthState{})
}

// RestoreState replaces the bundle with a JSON-encoded one and returns
// its user.
func (m *Manager) RestoreState(ctx context.Context, raw string) (*domain.UserProfile, error) {
	var state domain.AuthState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("decode auth state: %w", err)
	}
	m.setState(ctx, state)
	return state.User, nil
}

// CheckRefresh refreshes the access token if it expires within
// RefreshWindow. Only one refresh runs at a time; a concurrent caller gets
// InProgress and must not proceed with its request. The guard is only
// taken when a refresh is due. Failures are logged and leave the previous
// bundle in place.
func (m *Manager) CheckRefresh(ctx context.Context) RefreshResult {
	if !m.refreshDue(m.State()) {
		return RefreshResult{}
	}
	if !m.refreshing.CompareAndSwap(false, true) {
		slog.Warn("Skipping token refresh, already in progress")
		return RefreshResult{InProgress: true}
	}
	defer m.refreshing.Store(false)

	// A refresh that finished between the check and the swap leaves
	// nothing to do.
	state := m.State()
	if !m.refreshDue(state) {
		return RefreshResult{}
	}

	slog.Info("Refreshing access token")
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", m.clientID)
	form.Set("refresh_token", state.RefreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		slog.Error("Failed to build refresh request", "error", err)
		return RefreshResult{}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.base.RoundTrip(req)
	if err != nil {
		slog.Error("Token refresh failed", "error", err)
		return RefreshResult{}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Error("Token refresh rejected", "status", resp.StatusCode)
		return RefreshResult{}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		slog.Error("Failed to read refresh response", "error", err)
		return RefreshResult{}
	}
	if _, err := m.handleTokenSuccess(ctx, body); err != nil {
		slog.Error("Failed to handle refresh response", "error", err)
		return RefreshResult{}
	}
	return RefreshResult{Refreshed: true}
}

func (m *Manager) refreshDue(state domain.AuthState) bool {
	return state.RefreshToken != "" && state.AccessExpiresWithin(m.clock.Now(), RefreshWindow)
}

func (m *Manager) handleTokenSuccess(ctx context.Context, body []byte) (domain.AuthState, error) {
	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return domain.AuthState{}, fmt.Errorf("decode token response: %w", err)
	}
	user, err := decodeIDToken(tok.IDToken)
	if err != nil {
		return domain.AuthState{}, err
	}

	now := m.clock.Now()
	accessExpiry := now.Add(time.Duration(tok.ExpiresIn) * time.Second)
	refreshExpiry := now.Add(RefreshLifetime)
	userExpiry := refreshExpiry

	state := domain.AuthState{
		AccessToken:   tok.AccessToken,
		AccessExpiry:  &accessExpiry,
		RefreshToken:  tok.RefreshToken,
		RefreshExpiry: &refreshExpiry,
		User:          user,
		UserExpiry:    &userExpiry,
	}
	m.setState(ctx, state)
	return state, nil
}

// decodeIDToken reads the profile claims without verifying the signature.
// The token came straight from the issuer over TLS.
func decodeIDToken(raw string) (*domain.UserProfile, error) {
	var claims idClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return nil, fmt.Errorf("decode id token: %w", err)
	}
	return &domain.UserProfile{
		Sub:        claims.Subject,
		Name:       claims.Name,
		GivenName:  claims.GivenName,
		FamilyName: claims.FamilyName,
		Nickname:   claims.Nickname,
		Email:      claims.Email,
		Picture:    claims.Picture,
	}, nil
}

// RoundTrip implements http.RoundTripper.
func (m *Manager) RoundTrip(req *http.Request) (*http.Response, error) {
	dest := req.URL.Scheme + "://" + req.URL.Host
	switch {
	case dest == m.apiOrigin:
		return m.roundTripAPI(req)
	case dest == m.issuerOrigin && req.URL.Path == tokenPath:
		return m.roundTripToken(req)
	default:
		return m.base.RoundTrip(req)
	}
}

func (m *Manager) roundTripAPI(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	out := req.Clone(ctx)
	if out.Header.Get(requestIDHeader) == "" {
		out.Header.Set(requestIDHeader, uuid.NewString())
	}

	if m.State().AccessToken != "" {
		if res := m.CheckRefresh(ctx); res.InProgress {
			slog.Warn("Skipping API call, token refresh in progress", "path", req.URL.Path)
			return unauthorized(req), nil
		}
		out.Header.Set("Authorization", "Bearer "+m.State().AccessToken)
	} else if !isPublic(req) {
		slog.Warn("Clearing auth state, no access token for API call", "path", req.URL.Path)
		m.Logout(ctx)
		return unauthorized(req), nil
	}

	resp, err := m.base.RoundTrip(out)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		slog.Warn("Clearing auth state after 401", "path", req.URL.Path)
		m.Logout(ctx)
	}
	return resp, nil
}

func (m *Manager) roundTripToken(req *http.Request) (*http.Response, error) {
	resp, err := m.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	state, err := m.handleTokenSuccess(req.Context(), body)
	if err != nil {
		slog.Error("Failed to handle token response", "error", err)
		resp.Body = io.NopCloser(bytes.NewReader(body))
		return resp, nil
	}

	out, err := json.Marshal(struct {
		User *domain.UserProfile `json:"user"`
	}{state.User})
	if err != nil {
		return nil, fmt.Errorf("encode user: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(out))
	resp.ContentLength = int64(len(out))
	resp.Header.Set("Content-Length", strconv.Itoa(len(out)))
	resp.Header.Set("Content-Type", "application/json")
	return resp, nil
}

func isPublic(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	for _, p := range publicPathPatterns {
		if p.MatchString(req.URL.Path) {
			return true
		}
	}
	return false
}

func unauthorized(req *http.Request) *http.Response {
	return &http.Response{
		Status:     "401 Unauthorized",
		StatusCode: http.StatusUnauthorized,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Body:       http.NoBody,
		Request:    req,
	}
}
