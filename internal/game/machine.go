// Package game implements the answer history of a single puzzle: cell
// input, notes, undo and redo, completion, and syncing with the local
// cache and the server.
package game

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/sudoku-sync/internal/domain"
	"github.com/ashureev/sudoku-sync/internal/store"
	"github.com/jonboulle/clockwork"
)

const (
	// InactivityTimeout pauses the timer when the selection has not moved.
	InactivityTimeout = 5 * time.Minute
	// InactivityCheckInterval is how often Run checks for inactivity.
	InactivityCheckInterval = time.Minute
	// PartyPollInterval is how often Run refreshes party member sessions.
	PartyPollInterval = 30 * time.Second

	localStackSize          = 10
	localCompletedStackSize = 2
	serverStackSize         = 3

	pollMinSinceSave = 30 * time.Second
	pollMaxSinceSave = 30 * time.Minute
)

// ErrPuzzleIDRequired is returned by New without a puzzle id.
var ErrPuzzleIDRequired = errors.New("puzzle id required")

// LocalStore is the puzzle kind of the local cache.
type LocalStore interface {
	GetValue(ctx context.Context, overrideID string) (*store.Result[domain.GameState], error)
	SaveValue(ctx context.Context, state domain.GameState, overrideID string) (*store.Result[domain.GameState], error)
}

// Remote reads and writes the server copy of a session.
type Remote interface {
	SessionKey(id string, kind string) string
	GetValue(ctx context.Context, key string) *domain.Session
	SaveValue(ctx context.Context, key string, state domain.ServerState) *domain.Session
}

// Timer is the time tracker for the puzzle.
type Timer interface {
	Timer() *domain.Timer
	NewSession(ctx context.Context, restore *domain.Timer)
	Reset(ctx context.Context)
	Stop(ctx context.Context)
	SetPaused(ctx context.Context, paused bool)
	IsPaused() bool
}

// Friends receives the party member sessions seen in server responses.
type Friends interface {
	SessionParties(parties []domain.Party, sessionID string) domain.Parties
	PatchFriendSessions(sessionID string, userSessions map[string]domain.Session)
}

// Options configures a Machine. Remote, Timer and Friends are optional.
type Options struct {
	PuzzleID string
	Initial  domain.Grid
	Final    domain.Grid
	Metadata *domain.Metadata

	Store   LocalStore
	Remote  Remote
	Timer   Timer
	Friends Friends
	// Parties seeds SessionParties from already loaded friend sessions.
	Parties []domain.Party
	Clock   clockwork.Clock
}

// Machine holds the answer stack of one puzzle. The bottom entry of the
// stack is never popped.
type Machine struct {
	puzzleID string
	initial  domain.Grid
	final    domain.Grid
	metadata *domain.Metadata

	store   LocalStore
	remote  Remote
	timer   Timer
	friends Friends
	clock   clockwork.Clock

	mu          sync.Mutex
	stack       []domain.Grid
	redo        []domain.Grid
	selected    *domain.CellRef
	notesMode   bool
	completed   *domain.Completed
	validation  *Validation
	synced      bool
	lastUpdated time.Time
	lastSaved   *domain.Grid
	parties     domain.Parties

	lastSelect       time.Time
	inactivityPaused bool
	lastServerSave   time.Time
	saveSeq          int
}

// New creates a machine for a puzzle. A stack saved in the local cache
// replaces the starting grid.
func New(ctx context.Context, opts Options) (*Machine, error) {
	if opts.PuzzleID == "" {
		return nil, ErrPuzzleIDRequired
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	m := &Machine{
		puzzleID: opts.PuzzleID,
		initial:  opts.Initial,
		final:    opts.Final,
		metadata: opts.Metadata,
		store:    opts.Store,
		remote:   opts.Remote,
		timer:    opts.Timer,
		friends:  opts.Friends,
		clock:    opts.Clock,
		stack:    []domain.Grid{opts.Initial.Clone()},
		parties:  domain.Parties{},
	}
	m.lastSelect = m.clock.Now()
	if m.friends != nil && len(opts.Parties) > 0 {
		m.parties = m.friends.SessionParties(opts.Parties, m.sessionID())
	}

	saved, err := m.store.GetValue(ctx, m.puzzleID)
	if err != nil {
		return nil, err
	}
	if saved != nil && len(saved.State.AnswerStack) > 0 {
		m.stack = saved.State.AnswerStack
		m.completed = saved.State.Completed
		m.lastUpdated = saved.UpdatedAt()
	}
	return m, nil
}

func (m *Machine) sessionID() string {
	return domain.SessionID(m.puzzleID)
}

// PuzzleID returns the id the machine was created for.
func (m *Machine) PuzzleID() string { return m.puzzleID }

// Current returns the top of the answer stack.
func (m *Machine) Current() domain.Grid {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stack[len(m.stack)-1].Clone()
}

// State returns the full game state as it would be persisted.
func (m *Machine) State() domain.GameState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gameStateLocked()
}

func (m *Machine) gameStateLocked() domain.GameState {
	return domain.GameState{
		AnswerStack: append([]domain.Grid(nil), m.stack...),
		Initial:     m.initial,
		Final:       m.final,
		Completed:   m.completed,
		Metadata:    m.metadata,
	}
}

// Completed returns the completion record, or nil.
func (m *Machine) Completed() *domain.Completed {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completed
}

// IsComplete reports whether the current grid matches the solution.
func (m *Machine) IsComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, complete := CheckGrid(m.initial, m.final, m.stack[len(m.stack)-1])
	return complete
}

// IsUndoDisabled is true while only the starting grid is on the stack.
func (m *Machine) IsUndoDisabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stack) < 2
}

// IsRedoDisabled is true when there is nothing to redo.
func (m *Machine) IsRedoDisabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.redo) == 0
}

// IsSynced reports whether the server copy has been consulted.
func (m *Machine) IsSynced() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.synced
}

// Selected returns the selected cell.
func (m *Machine) Selected() (domain.CellRef, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.selected == nil {
		return domain.CellRef{}, false
	}
	return *m.selected, true
}

// Select moves the selection. It is ignored once the puzzle is completed
// and resumes a timer paused for inactivity.
func (m *Machine) Select(ctx context.Context, ref domain.CellRef) {
	if !ref.Valid() {
		return
	}
	m.setSelected(ctx, &ref)
}

// ClearSelection removes the selection.
func (m *Machine) ClearSelection(ctx context.Context) {
	m.setSelected(ctx, nil)
}

func (m *Machine) setSelected(ctx context.Context, ref *domain.CellRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.completed != nil {
		return
	}
	m.lastSelect = m.clock.Now()
	if m.inactivityPaused {
		m.inactivityPaused = false
		if m.timer != nil {
			m.timer.SetPaused(ctx, false)
		}
	}
	m.selected = ref
	m.validation = nil
}

// NotesMode reports whether number input toggles notes.
func (m *Machine) NotesMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.notesMode
}

// SetNotesMode switches number input between digits and notes.
func (m *Machine) SetNotesMode(on bool) {
	m.mu.Lock()
	m.notesMode = on
	m.mu.Unlock()
}

// SelectedAnswer returns the digit in the selected cell. ok is false when
// nothing is selected or the cell holds notes.
func (m *Machine) SelectedAnswer() (value int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.selected == nil {
		return 0, false
	}
	c := m.stack[len(m.stack)-1].At(*m.selected)
	if c.HasNotes() {
		return 0, false
	}
	return c.Value, true
}

// SelectedCellHasNotes reports whether the selected cell has any note set.
func (m *Machine) SelectedCellHasNotes() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.selected == nil {
		return false
	}
	return m.stack[len(m.stack)-1].At(*m.selected).Notes.Any()
}

// SetAnswer writes c into the selected cell. Clue cells and an empty
// selection are left alone.
func (m *Machine) SetAnswer(ctx context.Context, c domain.Cell) {
	m.update(ctx, func() (bool, bool) { return m.setAnswerLocked(ctx, c) })
}

func (m *Machine) setAnswerLocked(ctx context.Context, c domain.Cell) (changed, correct bool) {
	if m.selected == nil || m.initial.IsClue(*m.selected) {
		return false, false
	}
	ref := *m.selected
	top := m.stack[len(m.stack)-1]
	if m.completed == nil && !c.Equal(top.At(ref)) {
		want := m.final.At(ref)
		correct = !c.HasNotes() && c.Value != 0 && c.Value == want.Value
	}

	next := top.Clone()
	next.Set(ref, c)
	m.pushLocked(ctx, next)
	return true, correct
}

// ToggleNote flips digit in the notes of the selected cell. A cell holding
// a digit is replaced by notes.
func (m *Machine) ToggleNote(ctx context.Context, digit int) {
	if digit < 1 || digit > 9 {
		return
	}
	m.update(ctx, func() (bool, bool) {
		if m.selected == nil || m.initial.IsClue(*m.selected) {
			return false, false
		}
		current := m.stack[len(m.stack)-1].At(*m.selected)
		notes := make(domain.Notes, len(current.Notes)+1)
		for k, v := range current.Notes {
			notes[k] = v
		}
		notes[digit] = !notes[digit]
		return m.setAnswerLocked(ctx, domain.Cell{Notes: notes})
	})
}

// SelectNumber toggles a note in notes mode and writes the digit otherwise.
// Zero always clears the cell.
func (m *Machine) SelectNumber(ctx context.Context, n int) {
	if n < 0 || n > 9 {
		return
	}
	if n != 0 && m.NotesMode() {
		m.ToggleNote(ctx, n)
		return
	}
	m.SetAnswer(ctx, domain.Digit(n))
}

// Undo moves the top of the stack onto the redo stack.
func (m *Machine) Undo(ctx context.Context) {
	m.update(ctx, func() (bool, bool) {
		if len(m.stack) < 2 {
			return false, false
		}
		last := m.stack[len(m.stack)-1]
		m.stack = m.stack[:len(m.stack)-1]
		m.redo = append(m.redo, last)
		m.syncCompletionLocked(ctx)
		return true, false
	})
}

// Redo moves the last undone grid back onto the stack.
func (m *Machine) Redo(ctx context.Context) {
	m.update(ctx, func() (bool, bool) {
		if len(m.redo) == 0 {
			return false, false
		}
		last := m.redo[len(m.redo)-1]
		m.redo = m.redo[:len(m.redo)-1]
		m.stack = append(m.stack, last)
		m.syncCompletionLocked(ctx)
		return true, false
	})
}

// Reset returns to the starting grid, clears the completion record and
// restarts the timer.
func (m *Machine) Reset(ctx context.Context) {
	m.update(ctx, func() (bool, bool) {
		m.redo = nil
		m.stack = []domain.Grid{m.initial.Clone()}
		m.completed = nil
		m.lastSaved = nil
		if m.timer != nil {
			m.timer.Reset(ctx)
		}
		return true, false
	})
}

// Reveal pushes the solution as the current grid. It can be undone.
func (m *Machine) Reveal(ctx context.Context) {
	m.update(ctx, func() (bool, bool) {
		m.pushLocked(ctx, m.final.Clone())
		return true, false
	})
}

// pushLocked appends next and clears the redo stack.
func (m *Machine) pushLocked(ctx context.Context, next domain.Grid) {
	m.stack = append(m.stack, next)
	m.redo = nil
	m.syncCompletionLocked(ctx)
}

// syncCompletionLocked keeps the completion record in step with the top
// of the stack. Solving records it and stops the timer; moving away from
// the solution by undo or redo drops it and restarts the timer.
func (m *Machine) syncCompletionLocked(ctx context.Context) {
	_, complete := CheckGrid(m.initial, m.final, m.stack[len(m.stack)-1])
	switch {
	case complete && m.completed == nil:
		m.completeLocked(ctx)
	case !complete && m.completed != nil:
		m.completed = nil
		if m.timer == nil {
			return
		}
		if t := m.timer.Timer(); t != nil && t.Stopped {
			t.Stopped = false
			m.timer.NewSession(ctx, t)
		}
	}
}

func (m *Machine) completeLocked(ctx context.Context) {
	completed := &domain.Completed{At: m.clock.Now().UTC()}
	if m.timer != nil {
		if t := m.timer.Timer(); t != nil {
			if t.InProgress != nil {
				completed.At = t.InProgress.LastInteraction
			}
			completed.Seconds = t.ElapsedSeconds()
		}
		m.timer.Stop(ctx)
	}
	m.completed = completed
	m.selected = nil
	slog.Info("Puzzle completed", "puzzle_id", m.puzzleID, "seconds", completed.Seconds)
}

// update runs fn under the lock and persists the result when fn reports a
// change. The server write happens after the lock is released.
func (m *Machine) update(ctx context.Context, fn func() (changed, correct bool)) {
	m.mu.Lock()
	changed, correct := fn()
	if !changed {
		m.mu.Unlock()
		return
	}
	m.validation = nil
	state, send := m.persistLocked(ctx, correct)
	m.mu.Unlock()

	if send {
		m.saveServer(ctx, state)
	}
}

// persistLocked writes the state to the local cache and decides whether
// the server needs it too: on a correct entry, on completion, and while
// the starting grid is shown with nothing selected.
func (m *Machine) persistLocked(ctx context.Context, correct bool) (domain.ServerState, bool) {
	current := m.stack[len(m.stack)-1]
	if m.lastSaved != nil && m.lastSaved.Equal(current) {
		return domain.ServerState{}, false
	}
	saved := current.Clone()
	m.lastSaved = &saved

	game := m.gameStateLocked()
	local := game
	if m.completed != nil {
		local.AnswerStack = lastN(game.AnswerStack, localCompletedStackSize)
	} else {
		local.AnswerStack = lastN(game.AnswerStack, localStackSize)
	}
	res, err := m.store.SaveValue(ctx, local, m.puzzleID)
	if err != nil {
		slog.Error("Failed to save puzzle", "puzzle_id", m.puzzleID, "error", err)
	}
	if res != nil {
		m.lastUpdated = res.UpdatedAt()
	}

	firstLoad := len(m.stack) == 1 && m.selected == nil
	if m.remote == nil || !(correct || m.completed != nil || firstLoad) {
		return domain.ServerState{}, false
	}
	return m.serverStateLocked(game), true
}

func (m *Machine) serverStateLocked(game domain.GameState) domain.ServerState {
	game.AnswerStack = lastN(game.AnswerStack, serverStackSize)
	state := domain.ServerState{GameState: game}
	if m.timer != nil {
		state.Timer = m.timer.Timer()
	}
	m.lastServerSave = m.clock.Now()
	m.saveSeq++
	return state
}

func (m *Machine) saveServer(ctx context.Context, state domain.ServerState) {
	key := m.remote.SessionKey(m.puzzleID, string(store.KindPuzzle))
	resp := m.remote.SaveValue(ctx, key, state)
	m.handleResponse(resp)
}

func (m *Machine) handleResponse(resp *domain.Session) {
	if resp == nil || len(resp.Parties) == 0 {
		return
	}
	m.setSessionParties(resp.Parties)
}

func (m *Machine) setSessionParties(parties domain.Parties) {
	m.mu.Lock()
	m.parties = parties
	m.mu.Unlock()

	if m.friends == nil {
		return
	}
	userSessions := make(map[string]domain.Session)
	for _, party := range parties {
		for userID, s := range party.MemberSessions {
			userSessions[userID] = s
		}
	}
	m.friends.PatchFriendSessions(m.sessionID(), userSessions)
}

// SessionParties returns the latest member sessions of this puzzle per party.
func (m *Machine) SessionParties() domain.Parties {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(domain.Parties, len(m.parties))
	for k, v := range m.parties {
		out[k] = v
	}
	return out
}

// SyncRemote reconciles with the server copy. A newer server copy replaces
// the local stack and restarts the timer from the server's timer; a server
// copy older than the local one (compared to the second) is overwritten.
// Without any saved state the starting grid is written out.
func (m *Machine) SyncRemote(ctx context.Context) {
	if m.remote == nil {
		m.mu.Lock()
		m.synced = true
		m.mu.Unlock()
		return
	}

	server := m.remote.GetValue(ctx, m.remote.SessionKey(m.puzzleID, string(store.KindPuzzle)))
	m.handleResponse(server)

	m.mu.Lock()
	m.synced = true
	local := m.lastUpdated
	hasLocal := !local.IsZero()

	if server != nil && len(server.State.AnswerStack) > 0 && (!hasLocal || server.UpdatedAt.After(local)) {
		slog.Info("Server puzzle is newer, restoring", "puzzle_id", m.puzzleID)
		m.stack = server.State.AnswerStack
		m.redo = nil
		m.completed = server.State.Completed
		m.validation = nil
		if m.completed == nil && m.timer != nil {
			m.timer.NewSession(ctx, server.State.Timer)
		}
		m.mu.Unlock()
		return
	}

	if hasLocal {
		var serverAt time.Time
		if server != nil {
			serverAt = server.UpdatedAt
		}
		if !serverAt.Before(local.Truncate(time.Second)) {
			m.mu.Unlock()
			return
		}
		slog.Warn("Server behind local, updating server", "puzzle_id", m.puzzleID,
			"server_updated_at", serverAt, "local_updated_at", local)
		state := m.serverStateLocked(m.gameStateLocked())
		m.mu.Unlock()
		m.saveServer(ctx, state)
		return
	}

	state, send := m.persistLocked(ctx, false)
	m.mu.Unlock()
	if send {
		m.saveServer(ctx, state)
	}
}

// RefreshSessionParties fetches the server copy only to pick up new party
// member sessions.
func (m *Machine) RefreshSessionParties(ctx context.Context) {
	if m.remote == nil {
		return
	}
	m.handleResponse(m.remote.GetValue(ctx, m.remote.SessionKey(m.puzzleID, string(store.KindPuzzle))))
}

// PollParties refreshes party sessions when another member is still
// playing and this player saved recently. Responses that race with a save
// are dropped.
func (m *Machine) PollParties(ctx context.Context) {
	if m.remote == nil {
		return
	}
	m.mu.Lock()
	now := m.clock.Now()
	sinceSave := now.Sub(m.lastServerSave)
	active := m.completed != nil || now.Sub(m.lastSelect) < InactivityTimeout
	due := sinceSave >= pollMinSinceSave && sinceSave < pollMaxSinceSave &&
		active && !m.inactivityPaused && m.parties.HasIncompleteMember()
	seq := m.saveSeq
	m.mu.Unlock()

	if !due {
		return
	}
	slog.Debug("Polling session parties", "puzzle_id", m.puzzleID)
	resp := m.remote.GetValue(ctx, m.remote.SessionKey(m.puzzleID, string(store.KindPuzzle)))

	m.mu.Lock()
	stale := m.saveSeq != seq
	m.mu.Unlock()
	if !stale {
		m.handleResponse(resp)
	}
}

// CheckInactivity pauses the timer when the selection has not changed for
// InactivityTimeout and resumes it once it has.
func (m *Machine) CheckInactivity(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.completed != nil || m.timer == nil {
		return
	}

	idle := m.clock.Since(m.lastSelect) >= InactivityTimeout
	switch {
	case idle && !m.inactivityPaused && !m.timer.IsPaused():
		slog.Info("Pausing due to inactivity", "puzzle_id", m.puzzleID)
		m.inactivityPaused = true
		m.timer.SetPaused(ctx, true)
	case !idle && m.inactivityPaused:
		slog.Info("Resuming after inactivity", "puzzle_id", m.puzzleID)
		m.inactivityPaused = false
		m.timer.SetPaused(ctx, false)
	}
}

// IsPausedForInactivity reports whether CheckInactivity paused the timer.
func (m *Machine) IsPausedForInactivity() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inactivityPaused
}

// Run checks for inactivity and polls party sessions until ctx is done.
func (m *Machine) Run(ctx context.Context) {
	inactivity := m.clock.NewTicker(InactivityCheckInterval)
	defer inactivity.Stop()
	poll := m.clock.NewTicker(PartyPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-inactivity.Chan():
			m.CheckInactivity(ctx)
		case <-poll.Chan():
			m.PollParties(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Validation returns the last requested validation, or nil when none is
// shown. Any move or selection change clears it.
func (m *Machine) Validation() *Validation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.validation == nil {
		return nil
	}
	v := *m.validation
	return &v
}

// ValidateGrid toggles validation of the whole grid.
func (m *Machine) ValidateGrid() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.validation != nil {
		m.validation = nil
		return
	}
	v, _ := CheckGrid(m.initial, m.final, m.stack[len(m.stack)-1])
	m.validation = &v
}

// ValidateCell toggles validation of the selected cell.
func (m *Machine) ValidateCell() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.selected == nil {
		return
	}
	if m.validation != nil {
		m.validation = nil
		return
	}
	v := CheckCell(*m.selected, m.initial, m.final, m.stack[len(m.stack)-1])
	m.validation = &v
}

func lastN(stack []domain.Grid, n int) []domain.Grid {
	if len(stack) <= n {
		return stack
	}
	return stack[len(stack)-n:]
}
