// Package api provides the HTTP surface of the sync daemon.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ashureev/sudoku-sync/internal/domain"
	"github.com/ashureev/sudoku-sync/internal/sessions"
)

// Auth is the part of the token manager the handlers need.
type Auth interface {
	User() *domain.UserProfile
	Logout(ctx context.Context)
	RestoreState(ctx context.Context, raw string) (*domain.UserProfile, error)
}

// Remote is the part of the remote API client the handlers need.
type Remote interface {
	ListParties(ctx context.Context) []domain.Party
	DeleteAccount(ctx context.Context) bool
}

// Cache is the local store as seen by the handlers.
type Cache interface {
	Ping(ctx context.Context) error
	Clear(ctx context.Context) error
}

// Handler provides common handler dependencies.
type Handler struct {
	rec     *sessions.Reconciler
	auth    Auth
	remote  Remote
	cache   Cache
	streams *StreamManager
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(rec *sessions.Reconciler, auth Auth, remote Remote, cache Cache, streams *StreamManager) *Handler {
	if streams == nil {
		streams = NewStreamManager()
	}
	return &Handler{
		rec:     rec,
		auth:    auth,
		remote:  remote,
		cache:   cache,
		streams: streams,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}
