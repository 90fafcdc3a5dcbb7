package sessions

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ashureev/sudoku-sync/internal/domain"
	"github.com/ashureev/sudoku-sync/internal/remote"
	"golang.org/x/sync/errgroup"
)

const friendFetchLimit = 4

// UserSession is what is known about one party member's sessions.
// Sessions is nil when the fetch has not happened or failed.
type UserSession struct {
	IsLoading bool             `json:"isLoading"`
	Sessions  []domain.Session `json:"sessions,omitempty"`
}

// UserSessions maps user id to that user's sessions.
type UserSessions map[string]UserSession

type friendState struct {
	mu          sync.RWMutex
	sessions    UserSessions
	loading     bool
	initialized bool
	userSub     string
}

// FriendSessions returns a copy of the party members' sessions.
func (r *Reconciler) FriendSessions() UserSessions {
	r.friends.mu.RLock()
	defer r.friends.mu.RUnlock()
	out := make(UserSessions, len(r.friends.sessions))
	for k, v := range r.friends.sessions {
		out[k] = v
	}
	return out
}

// IsFriendSessionsLoading reports whether a friend fetch is running.
func (r *Reconciler) IsFriendSessionsLoading() bool {
	r.friends.mu.RLock()
	defer r.friends.mu.RUnlock()
	return r.friends.loading
}

// ClearFriendSessions forgets every member's sessions.
func (r *Reconciler) ClearFriendSessions() {
	r.friends.mu.Lock()
	r.friends.sessions = make(UserSessions)
	r.friends.mu.Unlock()
}

// SetUser resets friend sessions when the authenticated user changes.
// Local sessions do not depend on the user and are kept.
func (r *Reconciler) SetUser(sub string) {
	r.friends.mu.Lock()
	defer r.friends.mu.Unlock()
	if r.friends.userSub == sub {
		return
	}
	r.friends.userSub = sub
	r.friends.sessions = make(UserSessions)
	r.friends.initialized = false
}

// FetchFriendSessions loads the recent sessions of every member of every
// party. Members already loaded or loading are skipped. Fetches run in
// parallel.
func (r *Reconciler) FetchFriendSessions(ctx context.Context, parties []domain.Party) {
	r.friends.mu.Lock()
	if r.friends.loading {
		r.friends.mu.Unlock()
		return
	}
	r.friends.initialized = true
	r.friends.loading = true

	var pending []string
	seen := make(map[string]bool)
	for _, p := range parties {
		for _, m := range p.Members {
			if seen[m.UserID] {
				continue
			}
			seen[m.UserID] = true
			existing, ok := r.friends.sessions[m.UserID]
			if !ok || (!existing.IsLoading && existing.Sessions == nil) {
				r.friends.sessions[m.UserID] = UserSession{IsLoading: true}
				pending = append(pending, m.UserID)
			}
		}
	}
	r.friends.mu.Unlock()

	defer func() {
		r.friends.mu.Lock()
		r.friends.loading = false
		r.friends.mu.Unlock()
	}()

	results := make([][]domain.Session, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(friendFetchLimit)
	for i, userID := range pending {
		g.Go(func() error {
			results[i] = r.fetchUserSessions(gctx, parties, userID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		slog.Error("Failed to fetch friend sessions", "error", err)
	}

	r.friends.mu.Lock()
	for i, userID := range pending {
		r.friends.sessions[userID] = UserSession{Sessions: results[i]}
	}
	r.friends.mu.Unlock()
}

func (r *Reconciler) fetchUserSessions(ctx context.Context, parties []domain.Party, userID string) []domain.Session {
	var partyID string
	for i := range parties {
		if parties[i].HasMember(userID) {
			partyID = parties[i].PartyID
			break
		}
	}
	if partyID == "" || r.remote == nil {
		return nil
	}

	sessions := r.remote.ListValues(ctx, remote.ListOptions{PartyID: partyID, UserID: userID})
	if sessions == nil {
		return nil
	}
	return Recent(sessions, r.clock.Now())
}

// LazyLoadFriendSessions fetches friend sessions the first time it is
// called with at least one party.
func (r *Reconciler) LazyLoadFriendSessions(ctx context.Context, parties []domain.Party) {
	r.friends.mu.RLock()
	skip := r.friends.initialized || r.friends.loading
	r.friends.mu.RUnlock()
	if skip || len(parties) == 0 {
		return
	}
	slog.Info("Lazy loading friend sessions")
	r.FetchFriendSessions(ctx, parties)
}

// SessionParties collects, per party, the loaded session of each member
// for sessionID.
func (r *Reconciler) SessionParties(parties []domain.Party, sessionID string) domain.Parties {
	r.friends.mu.RLock()
	defer r.friends.mu.RUnlock()

	out := make(domain.Parties, len(parties))
	for i := range parties {
		p := &parties[i]
		members := make(map[string]domain.Session)
		for userID, us := range r.friends.sessions {
			if !p.HasMember(userID) {
				continue
			}
			for _, s := range us.Sessions {
				if s.SessionID == sessionID {
					members[userID] = s
					break
				}
			}
		}
		out[p.PartyID] = domain.SessionParty{MemberSessions: members}
	}
	return out
}

// PatchFriendSessions replaces sessionID in the loaded sessions of each
// user in userSessions. Users that are not loaded are left alone.
func (r *Reconciler) PatchFriendSessions(sessionID string, userSessions map[string]domain.Session) {
	r.friends.mu.Lock()
	defer r.friends.mu.Unlock()
	if r.friends.loading {
		return
	}

	for userID, s := range userSessions {
		existing, ok := r.friends.sessions[userID]
		if !ok || existing.IsLoading || existing.Sessions == nil {
			continue
		}
		next := make([]domain.Session, 0, len(existing.Sessions)+1)
		for _, old := range existing.Sessions {
			if old.SessionID != sessionID {
				next = append(next, old)
			}
		}
		next = append(next, s)
		r.friends.sessions[userID] = UserSession{Sessions: next}
	}
}
