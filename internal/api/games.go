package api

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ashureev/sudoku-sync/internal/domain"
	"github.com/ashureev/sudoku-sync/internal/game"
	"github.com/ashureev/sudoku-sync/internal/store"
	"github.com/ashureev/sudoku-sync/internal/timer"
	"github.com/jonboulle/clockwork"
)

// GameDeps are shared by every open game.
type GameDeps struct {
	Cache   *store.SQLiteStore
	Remote  game.Remote
	Friends game.Friends
	Clock   clockwork.Clock
}

// Game is an open puzzle with its running timer. Machine and Tracker are
// set once ready is closed.
type Game struct {
	Machine *game.Machine
	Tracker *timer.Tracker
	cancel  context.CancelFunc

	ready chan struct{}
	err   error
}

func (gm *Game) opened() bool {
	select {
	case <-gm.ready:
		return gm.err == nil
	default:
		return false
	}
}

// wait blocks until the game has finished opening and reports whether it
// opened successfully.
func (gm *Game) wait(ctx context.Context) error {
	select {
	case <-gm.ready:
		return gm.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Games keeps one Game per puzzle id. Background loops of open games
// run until the game is closed or the base context ends.
type Games struct {
	deps GameDeps
	base context.Context

	mu   sync.Mutex
	open map[string]*Game
}

// NewGames creates an empty registry whose loops stop with ctx.
func NewGames(ctx context.Context, deps GameDeps) *Games {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	return &Games{deps: deps, base: ctx, open: make(map[string]*Game)}
}

// OpenRequest describes a puzzle to open.
type OpenRequest struct {
	PuzzleID string
	Initial  domain.Grid
	Final    domain.Grid
	Metadata *domain.Metadata
	Parties  []domain.Party
}

// Open returns the open game for the puzzle, creating it if needed. A
// new game restores its local stack and timer, makes the timer visible
// and reconciles with the server copy. The registry is only locked to
// claim the puzzle id, so other games stay usable while one opens.
func (g *Games) Open(ctx context.Context, req OpenRequest) (*Game, error) {
	g.mu.Lock()
	if existing, ok := g.open[req.PuzzleID]; ok {
		g.mu.Unlock()
		if err := existing.wait(ctx); err != nil {
			return nil, err
		}
		return existing, nil
	}
	opening := &Game{ready: make(chan struct{})}
	g.open[req.PuzzleID] = opening
	g.mu.Unlock()

	machine, tracker, err := g.build(ctx, req)
	if err != nil {
		g.mu.Lock()
		if g.open[req.PuzzleID] == opening {
			delete(g.open, req.PuzzleID)
		}
		g.mu.Unlock()
		opening.err = err
		close(opening.ready)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(g.base)
	opening.Machine, opening.Tracker, opening.cancel = machine, tracker, cancel
	close(opening.ready)
	go tracker.Run(runCtx)
	go machine.Run(runCtx)

	slog.Info("Game opened", "puzzle_id", req.PuzzleID)
	return opening, nil
}

func (g *Games) build(ctx context.Context, req OpenRequest) (*game.Machine, *timer.Tracker, error) {
	tracker := timer.New(
		store.NewLocal[domain.Timer](g.deps.Cache, store.KindTimer, req.PuzzleID),
		req.PuzzleID,
		g.deps.Clock,
	)
	machine, err := game.New(ctx, game.Options{
		PuzzleID: req.PuzzleID,
		Initial:  req.Initial,
		Final:    req.Final,
		Metadata: req.Metadata,
		Store:    store.NewLocal[domain.GameState](g.deps.Cache, store.KindPuzzle, req.PuzzleID),
		Remote:   g.deps.Remote,
		Timer:    tracker,
		Friends:  g.deps.Friends,
		Parties:  req.Parties,
		Clock:    g.deps.Clock,
	})
	if err != nil {
		return nil, nil, err
	}

	tracker.Restore(ctx)
	tracker.SetVisible(ctx, true)
	machine.SyncRemote(ctx)
	return machine, tracker, nil
}

// Get returns the open game for the puzzle, or nil. A game that is still
// opening is not returned.
func (g *Games) Get(puzzleID string) *Game {
	g.mu.Lock()
	gm := g.open[puzzleID]
	g.mu.Unlock()
	if gm == nil || !gm.opened() {
		return nil
	}
	return gm
}

// Close hides the timer of the game and stops its loops. It reports
// whether the game was open or opening.
func (g *Games) Close(ctx context.Context, puzzleID string) bool {
	g.mu.Lock()
	opened, ok := g.open[puzzleID]
	delete(g.open, puzzleID)
	g.mu.Unlock()

	if !ok {
		return false
	}
	opened.close(ctx)
	slog.Info("Game closed", "puzzle_id", puzzleID)
	return true
}

// CloseAll closes every open game.
func (g *Games) CloseAll(ctx context.Context) {
	g.mu.Lock()
	open := g.open
	g.open = make(map[string]*Game)
	g.mu.Unlock()

	for _, opened := range open {
		opened.close(ctx)
	}
}

// close waits for a game that is still opening, then stops it.
func (gm *Game) close(ctx context.Context) {
	if err := gm.wait(ctx); err != nil {
		return
	}
	gm.cancel()
	gm.Tracker.SetVisible(ctx, false)
}
