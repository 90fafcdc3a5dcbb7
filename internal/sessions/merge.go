// Package sessions reconciles locally cached puzzle sessions with the
// server's copy and tracks the sessions of party members.
package sessions

import (
	"sort"
	"time"

	"github.com/ashureev/sudoku-sync/internal/domain"
	"github.com/ashureev/sudoku-sync/internal/store"
)

// MaxAge limits which server sessions are considered at all.
const MaxAge = 30 * 24 * time.Hour

// Merge combines local and server sessions, newest first, keeping one
// entry per session id. On equal timestamps the server entry wins.
func Merge(local, server []domain.Session) []domain.Session {
	all := make([]domain.Session, 0, len(local)+len(server))
	all = append(all, server...)
	all = append(all, local...)

	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.Source == domain.SourceServer && b.Source != domain.SourceServer
	})

	seen := make(map[string]bool, len(all))
	out := make([]domain.Session, 0, len(all))
	for _, s := range all {
		if seen[s.SessionID] {
			continue
		}
		seen[s.SessionID] = true
		out = append(out, s)
	}
	return out
}

// FromLocal builds a session from a cached puzzle entry and its timer.
func FromLocal(puzzle store.Entry[domain.GameState], timer *domain.Timer) domain.Session {
	return domain.Session{
		SessionID: puzzle.SessionID,
		State:     domain.ServerState{GameState: puzzle.State, Timer: timer},
		UpdatedAt: puzzle.UpdatedAt(),
		Source:    domain.SourceLocal,
	}
}

// FromServer marks a session as read from the server.
func FromServer(s domain.Session) domain.Session {
	s.Source = domain.SourceServer
	return s
}

// JoinLocal pairs cached puzzles with the timers of the same session and
// orders the result newest first.
func JoinLocal(puzzles []store.Entry[domain.GameState], timers []store.Entry[domain.Timer]) []domain.Session {
	byID := make(map[string]*domain.Timer, len(timers))
	for i := range timers {
		t := timers[i].State
		byID[timers[i].SessionID] = &t
	}

	out := make([]domain.Session, 0, len(puzzles))
	for _, p := range puzzles {
		out = append(out, FromLocal(p, byID[p.SessionID]))
	}
	sortNewestFirst(out)
	return out
}

// Recent drops sessions last updated before now-MaxAge.
func Recent(sessions []domain.Session, now time.Time) []domain.Session {
	cutoff := now.Add(-MaxAge)
	out := make([]domain.Session, 0, len(sessions))
	for _, s := range sessions {
		if !s.UpdatedAt.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

func sortNewestFirst(s []domain.Session) {
	sort.SliceStable(s, func(i, j int) bool { return s[i].UpdatedAt.After(s[j].UpdatedAt) })
}
