// Package timer tracks the time a player spends on a puzzle while it is
// visible and not paused.
package timer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/sudoku-sync/internal/domain"
	"github.com/ashureev/sudoku-sync/internal/store"
	"github.com/jonboulle/clockwork"
)

// TickInterval is how often a running tracker advances lastInteraction.
const TickInterval = time.Second

// Store persists timer state for one puzzle.
type Store interface {
	GetValue(ctx context.Context, overrideID string) (*store.Result[domain.Timer], error)
	SaveValue(ctx context.Context, state domain.Timer, overrideID string) (*store.Result[domain.Timer], error)
}

// Tracker is Active while visible and not paused, Paused otherwise.
// Every change to the timer is written to the store.
type Tracker struct {
	store    Store
	puzzleID string
	clock    clockwork.Clock

	mu      sync.Mutex
	timer   *domain.Timer
	visible bool
	paused  bool
}

// New returns a tracker in the hidden state with no timer.
func New(s Store, puzzleID string, clock clockwork.Clock) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{store: s, puzzleID: puzzleID, clock: clock}
}

// Restore loads a saved timer and starts a new segment from it.
// It reports whether a saved timer was found.
func (t *Tracker) Restore(ctx context.Context) bool {
	saved, err := t.store.GetValue(ctx, t.puzzleID)
	if err != nil {
		slog.Error("Failed to load timer", "puzzle_id", t.puzzleID, "error", err)
		return false
	}
	if saved == nil {
		return false
	}
	state := saved.State
	t.NewSession(ctx, &state)
	return true
}

// NewSession folds the running segment into Seconds and opens a new
// segment starting now. A non-nil restore replaces the current timer first.
func (t *Tracker) NewSession(ctx context.Context, restore *domain.Timer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if restore != nil {
		t.timer = restore
	}
	t.newSessionLocked(ctx)
}

// Reset discards the accumulated time and starts again from zero.
func (t *Tracker) Reset(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timer = nil
	t.newSessionLocked(ctx)
}

func (t *Tracker) newSessionLocked(ctx context.Context) {
	now := t.clock.Now().UTC()
	next := domain.Timer{
		Seconds:    t.timer.ElapsedSeconds(),
		InProgress: &domain.InProgress{Start: now, LastInteraction: now},
	}
	if t.timer != nil {
		next.Stopped = t.timer.Stopped
	}
	t.timer = &next
	t.saveLocked(ctx)
}

// SetVisible records a visibility change of the puzzle.
func (t *Tracker) SetVisible(ctx context.Context, visible bool) {
	t.transition(ctx, func() { t.visible = visible })
}

// SetPaused pauses or resumes the tracker independently of visibility.
func (t *Tracker) SetPaused(ctx context.Context, paused bool) {
	t.transition(ctx, func() { t.paused = paused })
}

func (t *Tracker) transition(ctx context.Context, apply func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	wasActive := t.activeLocked()
	apply()
	active := t.activeLocked()
	if wasActive == active {
		return
	}
	if active {
		t.newSessionLocked(ctx)
		return
	}
	t.tickLocked(ctx)
}

func (t *Tracker) activeLocked() bool {
	return t.visible && !t.paused
}

// IsActive reports whether time is currently being counted.
func (t *Tracker) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeLocked()
}

// IsPaused reports whether the tracker was paused explicitly.
func (t *Tracker) IsPaused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

// Tick moves lastInteraction to now. Paused and stopped timers are left
// alone.
func (t *Tracker) Tick(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.activeLocked() {
		t.tickLocked(ctx)
	}
}

func (t *Tracker) tickLocked(ctx context.Context) {
	if t.timer == nil || t.timer.Stopped {
		return
	}
	now := t.clock.Now().UTC()
	if t.timer.InProgress == nil {
		t.timer.InProgress = &domain.InProgress{Start: now}
	}
	t.timer.InProgress.LastInteraction = now
	t.saveLocked(ctx)
}

// Stop freezes the timer. Later ticks have no effect.
func (t *Tracker) Stop(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer == nil || t.timer.Stopped {
		return
	}
	t.timer.Stopped = true
	t.saveLocked(ctx)
}

// Timer returns a copy of the current timer, or nil if none exists yet.
func (t *Tracker) Timer() *domain.Timer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer == nil {
		return nil
	}
	out := *t.timer
	if t.timer.InProgress != nil {
		ip := *t.timer.InProgress
		out.InProgress = &ip
	}
	return &out
}

// Seconds returns the elapsed whole seconds.
func (t *Tracker) Seconds() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer.ElapsedSeconds()
}

// Run ticks every TickInterval while the tracker is active, until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := t.clock.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			t.Tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) saveLocked(ctx context.Context) {
	if t.timer == nil {
		return
	}
	if _, err := t.store.SaveValue(ctx, *t.timer, t.puzzleID); err != nil {
		slog.Error("Failed to save timer", "puzzle_id", t.puzzleID, "error", err)
	}
}
