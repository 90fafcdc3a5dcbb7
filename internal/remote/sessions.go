package remote

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/ashureev/sudoku-sync/internal/domain"
)

// ListOptions narrows ListValues to one party or one user.
type ListOptions struct {
	PartyID string
	UserID  string
}

type memberSessionResponse struct {
	State     domain.ServerState `json:"state"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

type sessionPartyResponse struct {
	MemberSessions map[string]*memberSessionResponse `json:"memberSessions"`
}

type sessionResponse struct {
	SessionID string                           `json:"sessionId"`
	State     domain.ServerState               `json:"state"`
	UpdatedAt time.Time                        `json:"updatedAt"`
	Parties   map[string]*sessionPartyResponse `json:"parties,omitempty"`
}

type saveRequest struct {
	State     domain.ServerState `json:"state"`
	ExpiresAt time.Time          `json:"expiresAt"`
}

// toSession normalizes a response. Parties or member sessions the server
// sent as null are dropped.
func (r *sessionResponse) toSession() domain.Session {
	s := domain.Session{
		SessionID: r.SessionID,
		State:     r.State,
		UpdatedAt: r.UpdatedAt,
		Source:    domain.SourceServer,
	}
	if r.Parties == nil {
		return s
	}
	s.Parties = make(domain.Parties, len(r.Parties))
	for partyID, party := range r.Parties {
		if party == nil || party.MemberSessions == nil {
			continue
		}
		members := make(map[string]domain.Session, len(party.MemberSessions))
		for userID, ms := range party.MemberSessions {
			if ms == nil {
				continue
			}
			members[userID] = domain.Session{
				SessionID: r.SessionID,
				State:     ms.State,
				UpdatedAt: ms.UpdatedAt,
				Source:    domain.SourceServer,
			}
		}
		s.Parties[partyID] = domain.SessionParty{MemberSessions: members}
	}
	return s
}

// ListValues returns the sessions of the current user, or of the given
// party or user.
func (c *Client) ListValues(ctx context.Context, opts ListOptions) []domain.Session {
	if !c.ready(ctx) {
		return nil
	}

	q := c.appQuery()
	if opts.PartyID != "" {
		q.Set("partyId", opts.PartyID)
	}
	if opts.UserID != "" {
		q.Set("userId", opts.UserID)
	}

	slog.Info("Fetching sessions", "partyId", opts.PartyID, "userId", opts.UserID)
	var resp []sessionResponse
	if !c.do(ctx, http.MethodGet, "/sessions", q, nil, &resp) {
		return nil
	}

	sessions := make([]domain.Session, 0, len(resp))
	for i := range resp {
		sessions = append(sessions, resp[i].toSession())
	}
	return sessions
}

// GetValue fetches one session by server key.
func (c *Client) GetValue(ctx context.Context, key string) *domain.Session {
	if !c.ready(ctx) {
		return nil
	}

	slog.Info("Fetching session", "key", key)
	var resp sessionResponse
	if !c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(key), nil, nil, &resp) {
		return nil
	}
	s := resp.toSession()
	return &s
}

// SaveValue writes state under key with a SessionTTL expiry and returns
// the stored session, including the latest party snapshots.
func (c *Client) SaveValue(ctx context.Context, key string, state domain.ServerState) *domain.Session {
	if !c.ready(ctx) {
		return nil
	}

	slog.Info("Saving session", "key", key)
	body := saveRequest{State: state, ExpiresAt: c.clock.Now().Add(SessionTTL).UTC()}
	var resp sessionResponse
	if !c.do(ctx, http.MethodPatch, "/sessions/"+url.PathEscape(key), nil, body, &resp) {
		return nil
	}
	s := resp.toSession()
	return &s
}
