package api

import (
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/ashureev/sudoku-sync/internal/identity"
	"github.com/go-chi/chi/v5"
)

const maxAuthStateBytes = 64 << 10

// deleteLocks prevents concurrent account deletion for the same user.
var deleteLocks sync.Map

// AccountHandler handles the signed-in user and account endpoints.
type AccountHandler struct {
	*Handler
}

// NewAccountHandler creates a new account handler.
func NewAccountHandler(base *Handler) *AccountHandler {
	return &AccountHandler{Handler: base}
}

// RegisterRoutes registers account routes.
func (h *AccountHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/user", h.GetUser)
	r.Post("/api/auth/session", h.RestoreSession)
	r.Post("/api/logout", h.Logout)
	r.With(identity.RequireUser).Delete("/api/account", h.DeleteAccount)
}

// GetUser returns the signed-in user, or null.
func (h *AccountHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"user": identity.UserFromContext(r.Context()),
	})
}

// RestoreSession installs a token bundle handed over by a browser
// session and returns its user.
func (h *AccountHandler) RestoreSession(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxAuthStateBytes))
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, err := h.auth.RestoreState(r.Context(), string(raw))
	if err != nil {
		slog.Warn("Rejected auth state", "error", err)
		Error(w, http.StatusBadRequest, "invalid auth state")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"user": user})
}

// Logout forgets the tokens and everything tied to the user.
func (h *AccountHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	h.signOut(r)
	slog.Info("User logged out", "user_id", userID)
	JSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (h *AccountHandler) signOut(r *http.Request) {
	h.auth.Logout(r.Context())
	h.rec.ClearFriendSessions()
	h.streams.CloseAll("logged out")
}

// DeleteAccount deletes the account remotely, then wipes local state.
func (h *AccountHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	lock, _ := deleteLocks.LoadOrStore(userID, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	if !mutex.TryLock() {
		slog.Warn("Account deletion already in progress", "user_id", userID)
		Error(w, http.StatusConflict, "delete_in_progress")
		return
	}
	defer func() {
		mutex.Unlock()
		deleteLocks.Delete(userID)
	}()

	if !h.remote.DeleteAccount(r.Context()) {
		slog.Error("Failed to delete account", "user_id", userID)
		Error(w, http.StatusBadGateway, "delete_failed")
		return
	}

	h.signOut(r)
	h.rec.ClearSessions()
	if err := h.cache.Clear(r.Context()); err != nil {
		slog.Error("Failed to clear local cache", "error", err, "user_id", userID)
	}

	slog.Info("Account deleted", "user_id", userID)
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
