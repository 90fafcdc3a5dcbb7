package api

import (
	"net/http"

	"github.com/ashureev/sudoku-sync/internal/domain"
	"github.com/ashureev/sudoku-sync/internal/sessions"
	"github.com/go-chi/chi/v5"
)

// SessionHandler serves the merged session list and friend sessions.
type SessionHandler struct {
	*Handler
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(base *Handler) *SessionHandler {
	return &SessionHandler{Handler: base}
}

type sessionsResponse struct {
	Sessions  []domain.Session `json:"sessions"`
	IsLoading bool             `json:"isLoading"`
}

type friendsResponse struct {
	Friends   sessions.UserSessions `json:"friends"`
	IsLoading bool                  `json:"isLoading"`
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/sessions", h.ListSessions)
	r.Post("/api/sessions/refetch", h.RefetchSessions)
	r.Get("/api/parties", h.ListParties)
	r.Get("/api/friends", h.ListFriends)
	r.Post("/api/friends/refetch", h.RefetchFriends)
}

func (h *SessionHandler) sessionsResponse() sessionsResponse {
	list := h.rec.Sessions()
	if list == nil {
		list = []domain.Session{}
	}
	return sessionsResponse{Sessions: list, IsLoading: h.rec.IsLoading()}
}

// ListSessions loads sessions on first use and returns the merged list.
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	h.rec.FetchSessions(r.Context())
	JSON(w, http.StatusOK, h.sessionsResponse())
}

// RefetchSessions reloads sessions from the local cache and the server.
func (h *SessionHandler) RefetchSessions(w http.ResponseWriter, r *http.Request) {
	h.rec.RefetchSessions(r.Context())
	JSON(w, http.StatusOK, h.sessionsResponse())
}

func (h *SessionHandler) parties(r *http.Request) []domain.Party {
	parties := h.remote.ListParties(r.Context())
	if parties == nil {
		return []domain.Party{}
	}
	return parties
}

// ListParties returns the parties of the signed-in user.
func (h *SessionHandler) ListParties(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.parties(r))
}

// ListFriends loads party member sessions on first use and returns them.
func (h *SessionHandler) ListFriends(w http.ResponseWriter, r *http.Request) {
	h.rec.LazyLoadFriendSessions(r.Context(), h.parties(r))
	JSON(w, http.StatusOK, friendsResponse{
		Friends:   h.rec.FriendSessions(),
		IsLoading: h.rec.IsFriendSessionsLoading(),
	})
}

// RefetchFriends drops loaded member sessions and loads them again.
func (h *SessionHandler) RefetchFriends(w http.ResponseWriter, r *http.Request) {
	h.rec.ClearFriendSessions()
	h.rec.FetchFriendSessions(r.Context(), h.parties(r))
	JSON(w, http.StatusOK, friendsResponse{
		Friends:   h.rec.FriendSessions(),
		IsLoading: h.rec.IsFriendSessionsLoading(),
	})
}
