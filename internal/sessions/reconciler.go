package sessions

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/sudoku-sync/internal/domain"
	"github.com/ashureev/sudoku-sync/internal/remote"
	"github.com/ashureev/sudoku-sync/internal/store"
	"github.com/jonboulle/clockwork"
)

// LocalStore is the typed local cache for one kind of state.
type LocalStore[T any] interface {
	ListValues(ctx context.Context) ([]store.Entry[T], error)
	SaveValue(ctx context.Context, state T, overrideID string) (*store.Result[T], error)
}

// Remote lists server sessions.
type Remote interface {
	ListValues(ctx context.Context, opts remote.ListOptions) []domain.Session
}

// Options configures a Reconciler.
type Options struct {
	Puzzles LocalStore[domain.GameState]
	Timers  LocalStore[domain.Timer]
	Remote  Remote
	// Prefix is stripped from server session ids to derive local ids.
	Prefix string
	Clock  clockwork.Clock
}

// Reconciler holds the merged session list. Local sessions are published
// before the server responds; the merged list replaces them once it does.
type Reconciler struct {
	puzzles LocalStore[domain.GameState]
	timers  LocalStore[domain.Timer]
	remote  Remote
	prefix  string
	clock   clockwork.Clock

	mu       sync.RWMutex
	sessions []domain.Session
	loading  bool

	friends friendState

	subMu   sync.Mutex
	subs    map[int]chan []domain.Session
	nextSub int
}

// New creates a Reconciler.
func New(opts Options) *Reconciler {
	if opts.Prefix == "" {
		opts.Prefix = domain.SessionPrefix
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Reconciler{
		puzzles: opts.Puzzles,
		timers:  opts.Timers,
		remote:  opts.Remote,
		prefix:  opts.Prefix,
		clock:   opts.Clock,
		friends: friendState{sessions: make(UserSessions)},
		subs:    make(map[int]chan []domain.Session),
	}
}

// Sessions returns the current list, or nil if nothing has been loaded.
func (r *Reconciler) Sessions() []domain.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.sessions == nil {
		return nil
	}
	return append([]domain.Session(nil), r.sessions...)
}

// IsLoading reports whether a load pass is running.
func (r *Reconciler) IsLoading() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loading
}

// SetSessions replaces the list.
func (r *Reconciler) SetSessions(sessions []domain.Session) {
	r.mu.Lock()
	r.sessions = sessions
	r.mu.Unlock()
	r.publish(sessions)
}

// ClearSessions forgets the list so the next FetchSessions loads again.
func (r *Reconciler) ClearSessions() {
	r.SetSessions(nil)
}

// Subscribe returns a channel that receives every new snapshot. Only the
// latest snapshot is buffered; a slow reader skips intermediate ones.
func (r *Reconciler) Subscribe() (<-chan []domain.Session, func()) {
	ch := make(chan []domain.Session, 1)
	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.subMu.Unlock()

	return ch, func() {
		r.subMu.Lock()
		if _, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(ch)
		}
		r.subMu.Unlock()
	}
}

func (r *Reconciler) publish(sessions []domain.Session) {
	snapshot := append([]domain.Session(nil), sessions...)
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- snapshot:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- snapshot
		}
	}
}

// FetchSessions loads sessions unless they are already loaded or loading.
func (r *Reconciler) FetchSessions(ctx context.Context) {
	r.mu.RLock()
	skip := r.sessions != nil || r.loading
	r.mu.RUnlock()
	if skip {
		return
	}
	r.load(ctx, false)
}

// RefetchSessions reloads sessions regardless of current state.
func (r *Reconciler) RefetchSessions(ctx context.Context) {
	r.load(ctx, true)
}

func (r *Reconciler) load(ctx context.Context, force bool) {
	r.mu.Lock()
	if !force && len(r.sessions) > 0 {
		r.mu.Unlock()
		return
	}
	if r.loading {
		r.mu.Unlock()
		return
	}
	r.loading = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.loading = false
		r.mu.Unlock()
	}()

	local, err := r.localSessions(ctx)
	if err != nil {
		slog.Error("Failed to load local sessions", "error", err)
		return
	}
	r.SetSessions(local)

	if r.remote == nil {
		return
	}
	server := r.remote.ListValues(ctx, remote.ListOptions{})
	if len(server) == 0 {
		return
	}
	for i := range server {
		server[i] = FromServer(server[i])
	}
	r.mergeServer(ctx, Recent(server, r.clock.Now()))
}

func (r *Reconciler) localSessions(ctx context.Context) ([]domain.Session, error) {
	puzzles, err := r.puzzles.ListValues(ctx)
	if err != nil {
		return nil, err
	}
	timers, err := r.timers.ListValues(ctx)
	if err != nil {
		return nil, err
	}
	return JoinLocal(puzzles, timers), nil
}

func (r *Reconciler) mergeServer(ctx context.Context, server []domain.Session) {
	r.mu.RLock()
	previous := r.sessions
	r.mu.RUnlock()

	if previous == nil {
		r.SetSessions(server)
		return
	}

	known := make(map[string]bool, len(previous))
	for _, s := range previous {
		known[s.SessionID] = true
	}
	for _, s := range server {
		if !known[s.SessionID] {
			r.backfill(ctx, s)
		}
	}

	r.SetSessions(Merge(previous, server))
}

// backfill caches a server session that is missing locally. Completed
// puzzles keep only the last two answers.
func (r *Reconciler) backfill(ctx context.Context, s domain.Session) {
	if !strings.HasPrefix(s.SessionID, r.prefix) {
		return
	}
	id := strings.TrimPrefix(s.SessionID, r.prefix)

	game := s.State.GameState
	if game.Completed != nil && len(game.AnswerStack) > 2 {
		game.AnswerStack = game.AnswerStack[len(game.AnswerStack)-2:]
	}

	slog.Info("Saving missing local puzzle", "id", id)
	if _, err := r.puzzles.SaveValue(ctx, game, id); err != nil {
		slog.Error("Failed to save missing local puzzle", "id", id, "error", err)
	}
	if s.State.Timer != nil {
		slog.Info("Saving missing local timer", "id", id)
		if _, err := r.timers.SaveValue(ctx, *s.State.Timer, id); err != nil {
			slog.Error("Failed to save missing local timer", "id", id, "error", err)
		}
	}
}

// StartWorker refetches sessions every interval until ctx is done.
func (r *Reconciler) StartWorker(ctx context.Context, interval time.Duration) {
	ticker := r.clock.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Reconcile worker started", "interval", interval)

		for {
			select {
			case <-ticker.Chan():
				r.RefetchSessions(ctx)
			case <-ctx.Done():
				slog.Info("Reconcile worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
