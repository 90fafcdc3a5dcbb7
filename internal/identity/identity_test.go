package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashureev/sudoku-sync/internal/domain"
)

type staticUser struct{ user *domain.UserProfile }

func (s staticUser) User() *domain.UserProfile { return s.user }

func TestMiddlewareAttachesUserAndClient(t *testing.T) {
	var gotUser, gotClient string
	h := Middleware(staticUser{&domain.UserProfile{Sub: "u1"}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = UserIDFromContext(r.Context())
		gotClient = ClientIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ClientHeaderName, "tab-1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if gotUser != "u1" {
		t.Errorf("user = %q, want u1", gotUser)
	}
	if gotClient != "tab-1" {
		t.Errorf("client = %q, want tab-1", gotClient)
	}
}

func TestClientIDSanitized(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", DefaultClientIDValue},
		{"  ", DefaultClientIDValue},
		{"ok-id_1.2:3", "ok-id_1.2:3"},
		{"bad id", DefaultClientIDValue},
		{"<script>", DefaultClientIDValue},
	}
	for _, tt := range tests {
		if got := sanitizeClientID(tt.in); got != tt.want {
			t.Errorf("sanitizeClientID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRequireUser(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	rr := httptest.NewRecorder()
	Middleware(staticUser{})(RequireUser(next)).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))
	if rr.Code != http.StatusUnauthorized || called {
		t.Fatalf("expected 401 without a user, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	Middleware(staticUser{&domain.UserProfile{Sub: "u1"}})(RequireUser(next)).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))
	if rr.Code != http.StatusOK || !called {
		t.Fatalf("expected handler to run, got %d", rr.Code)
	}
}
