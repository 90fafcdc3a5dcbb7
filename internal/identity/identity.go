// Package identity attaches the signed-in user and the calling client to
// request contexts.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/ashureev/sudoku-sync/internal/domain"
)

const (
	ClientHeaderName     = "X-Sudoku-Client-ID"
	DefaultClientIDValue = "default"
)

type contextKey int

const (
	userKey contextKey = iota
	clientIDKey
)

var clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// UserSource reports the currently signed-in user, or nil.
type UserSource interface {
	User() *domain.UserProfile
}

// UserFromContext returns the user attached by Middleware, or nil.
func UserFromContext(ctx context.Context) *domain.UserProfile {
	if v, ok := ctx.Value(userKey).(*domain.UserProfile); ok {
		return v
	}
	return nil
}

// UserIDFromContext returns the subject of the signed-in user.
func UserIDFromContext(ctx context.Context) string {
	if u := UserFromContext(ctx); u != nil {
		return u.Sub
	}
	return ""
}

// ClientIDFromContext returns the id the client sent, or the default.
func ClientIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientIDKey).(string); ok {
		return v
	}
	return DefaultClientIDValue
}

func sanitizeClientID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !clientIDPattern.MatchString(id) {
		return DefaultClientIDValue
	}
	return id
}

func clientIDFromRequest(r *http.Request) string {
	id := r.Header.Get(ClientHeaderName)
	if id == "" {
		id = r.URL.Query().Get("client_id")
	}
	return sanitizeClientID(id)
}

// Middleware attaches the current user and the client id to the request.
// Requests without a user pass through; RequireUser rejects them.
func Middleware(src UserSource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), clientIDKey, clientIDFromRequest(r))
			if user := src.User(); user != nil {
				ctx = context.WithValue(ctx, userKey, user)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireUser answers 401 when no user is attached to the request.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if UserFromContext(r.Context()) == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
