package game

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/sudoku-sync/internal/domain"
	"github.com/ashureev/sudoku-sync/internal/store"
	"github.com/jonboulle/clockwork"
)

const solution = "534678912672195348198342567859761423426853791713924856961537284287419635345286179"

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func mustGrid(t *testing.T, s string) domain.Grid {
	t.Helper()
	g, err := domain.ParseGrid(s)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

// Two blanks: (0,0)=5 and (0,1)=3.
func puzzle(t *testing.T) (initial, final domain.Grid) {
	t.Helper()
	return mustGrid(t, "00"+solution[2:]), mustGrid(t, solution)
}

type fakeRemote struct {
	server *domain.Session
	gets   int
	saves  []domain.ServerState
	keys   []string
	resp   *domain.Session
}

func (f *fakeRemote) SessionKey(id, kind string) string {
	if kind == string(store.KindPuzzle) {
		return "sudoku-" + id
	}
	return "sudoku-" + id + "-" + kind
}

func (f *fakeRemote) GetValue(_ context.Context, key string) *domain.Session {
	f.gets++
	f.keys = append(f.keys, key)
	return f.server
}

func (f *fakeRemote) SaveValue(_ context.Context, key string, state domain.ServerState) *domain.Session {
	f.keys = append(f.keys, key)
	f.saves = append(f.saves, state)
	return f.resp
}

type fakeTimer struct {
	timer    *domain.Timer
	stops    int
	resets   int
	paused   bool
	sessions []*domain.Timer
}

func (f *fakeTimer) Timer() *domain.Timer { return f.timer }

func (f *fakeTimer) NewSession(_ context.Context, restore *domain.Timer) {
	f.sessions = append(f.sessions, restore)
}

func (f *fakeTimer) Reset(context.Context) { f.resets++ }

func (f *fakeTimer) Stop(context.Context) {
	f.stops++
	if f.timer != nil {
		f.timer.Stopped = true
	}
}

func (f *fakeTimer) SetPaused(_ context.Context, paused bool) { f.paused = paused }

func (f *fakeTimer) IsPaused() bool { return f.paused }

type fakeFriends struct {
	patches map[string]map[string]domain.Session
}

func (f *fakeFriends) SessionParties([]domain.Party, string) domain.Parties { return domain.Parties{} }

func (f *fakeFriends) PatchFriendSessions(sessionID string, userSessions map[string]domain.Session) {
	if f.patches == nil {
		f.patches = make(map[string]map[string]domain.Session)
	}
	f.patches[sessionID] = userSessions
}

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

type fixture struct {
	clock   fakeClock
	local   *store.Local[domain.GameState]
	remote  *fakeRemote
	timer   *fakeTimer
	friends *fakeFriends
	initial domain.Grid
	final   domain.Grid
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(base)
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "game.db"), store.Options{Clock: clock})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	initial, final := puzzle(t)
	return &fixture{
		clock:  clock,
		local:  store.NewLocal[domain.GameState](s, store.KindPuzzle, ""),
		remote: &fakeRemote{},
		timer: &fakeTimer{timer: &domain.Timer{
			Seconds:    40,
			InProgress: &domain.InProgress{Start: base, LastInteraction: base.Add(20 * time.Second)},
		}},
		friends: &fakeFriends{},
		initial: initial,
		final:   final,
	}
}

func (f *fixture) machine(t *testing.T) *Machine {
	t.Helper()
	m, err := New(context.Background(), Options{
		PuzzleID: "p1",
		Initial:  f.initial,
		Final:    f.final,
		Store:    f.local,
		Remote:   f.remote,
		Timer:    f.timer,
		Friends:  f.friends,
		Clock:    f.clock,
	})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestNewRequiresPuzzleID(t *testing.T) {
	f := newFixture(t)
	if _, err := New(context.Background(), Options{Store: f.local}); !errors.Is(err, ErrPuzzleIDRequired) {
		t.Errorf("err = %v, want ErrPuzzleIDRequired", err)
	}
}

func TestSelectNumberThenUndo(t *testing.T) {
	f := newFixture(t)
	m := f.machine(t)
	ctx := context.Background()

	if !m.IsUndoDisabled() {
		t.Error("undo should be disabled with only the starting grid")
	}

	m.Select(ctx, domain.CellAt(0, 0))
	m.SelectNumber(ctx, 5)

	want := f.initial.Clone()
	want.Set(domain.CellAt(0, 0), domain.Digit(5))
	if !m.Current().Equal(want) {
		t.Errorf("current grid = %s, want %s", m.Current(), want)
	}
	if m.IsUndoDisabled() {
		t.Error("undo should be enabled after a move")
	}
	if v, ok := m.SelectedAnswer(); !ok || v != 5 {
		t.Errorf("SelectedAnswer = %d, %v", v, ok)
	}

	m.Undo(ctx)
	if !m.Current().Equal(f.initial) {
		t.Error("undo should restore the starting grid")
	}
	if !m.IsUndoDisabled() {
		t.Error("undo should be disabled again")
	}

	// Undo on the starting grid is a no-op.
	m.Undo(ctx)
	if !m.Current().Equal(f.initial) || !m.IsUndoDisabled() {
		t.Error("stack should never shrink below one entry")
	}
}

func TestClueCellsAreImmutable(t *testing.T) {
	f := newFixture(t)
	m := f.machine(t)
	ctx := context.Background()

	m.SetAnswer(ctx, domain.Digit(9))
	if !m.IsUndoDisabled() {
		t.Error("SetAnswer without a selection should be a no-op")
	}

	m.Select(ctx, domain.CellAt(0, 2))
	m.SetAnswer(ctx, domain.Digit(9))
	m.ToggleNote(ctx, 1)
	m.SetNotesMode(true)
	m.SelectNumber(ctx, 2)

	if !m.IsUndoDisabled() || !m.Current().Equal(f.initial) {
		t.Error("clue cell must not change")
	}
}

func TestUndoRedo(t *testing.T) {
	f := newFixture(t)
	m := f.machine(t)
	ctx := context.Background()

	m.Select(ctx, domain.CellAt(0, 0))
	m.SelectNumber(ctx, 1)
	m.SelectNumber(ctx, 2)
	before := m.Current()

	if !m.IsRedoDisabled() {
		t.Error("redo should be disabled before any undo")
	}
	m.Undo(ctx)
	m.Redo(ctx)
	if !m.Current().Equal(before) {
		t.Error("undo then redo should restore the previous grid")
	}

	m.Undo(ctx)
	m.SelectNumber(ctx, 7)
	if !m.IsRedoDisabled() {
		t.Error("a new move should clear the redo stack")
	}
	m.Redo(ctx)
	if got := m.Current().At(domain.CellAt(0, 0)).Value; got != 7 {
		t.Errorf("redo with empty stack changed the grid: %d", got)
	}
}

func TestUndoRedoInterleavings(t *testing.T) {
	cells := []domain.CellRef{domain.CellAt(0, 0), domain.CellAt(0, 1), domain.CellAt(0, 2)}

	for seed := int64(1); seed <= 25; seed++ {
		t.Run(fmt.Sprintf("seed %d", seed), func(t *testing.T) {
			f := newFixture(t)
			m := f.machine(t)
			ctx := context.Background()
			rng := rand.New(rand.NewSource(seed))

			for step := 0; step < 80; step++ {
				switch rng.Intn(7) {
				case 0:
					m.Select(ctx, cells[rng.Intn(len(cells))])
				case 1:
					m.SetNotesMode(rng.Intn(2) == 0)
				case 2, 3:
					m.SelectNumber(ctx, rng.Intn(10))
				case 4:
					m.ToggleNote(ctx, 1+rng.Intn(9))
				case 5:
					before := m.Current()
					canUndo := !m.IsUndoDisabled()
					m.Undo(ctx)
					if canUndo {
						m.Redo(ctx)
						if !m.Current().Equal(before) {
							t.Fatalf("step %d: undo then redo changed the grid", step)
						}
						m.Undo(ctx)
					} else if !m.Current().Equal(before) {
						t.Fatalf("step %d: undo on the starting grid changed it", step)
					}
				case 6:
					if rng.Intn(4) == 0 {
						m.Reveal(ctx)
					} else {
						m.Redo(ctx)
					}
				}

				if len(m.stack) < 1 {
					t.Fatalf("step %d: answer stack is empty", step)
				}
				if m.IsUndoDisabled() != (len(m.stack) == 1) {
					t.Fatalf("step %d: IsUndoDisabled = %v with %d entries", step, m.IsUndoDisabled(), len(m.stack))
				}
				if cur := m.Current(); !cur.At(domain.CellAt(0, 2)).Equal(f.initial.At(domain.CellAt(0, 2))) {
					t.Fatalf("step %d: clue cell changed", step)
				}
				if (m.Completed() != nil) != m.IsComplete() {
					t.Fatalf("step %d: completion record out of step with the grid", step)
				}
			}
		})
	}
}

func TestNotes(t *testing.T) {
	f := newFixture(t)
	m := f.machine(t)
	ctx := context.Background()
	ref := domain.CellAt(0, 1)

	m.Select(ctx, ref)
	m.SetNotesMode(true)
	m.SelectNumber(ctx, 3)
	m.SelectNumber(ctx, 4)

	cell := m.Current().At(ref)
	if !cell.HasNotes() || !cell.Notes[3] || !cell.Notes[4] {
		t.Fatalf("notes = %+v", cell.Notes)
	}
	if !m.SelectedCellHasNotes() {
		t.Error("SelectedCellHasNotes should be true")
	}
	if _, ok := m.SelectedAnswer(); ok {
		t.Error("SelectedAnswer should not report a digit for notes")
	}

	m.SelectNumber(ctx, 3)
	m.SelectNumber(ctx, 4)
	if m.SelectedCellHasNotes() {
		t.Error("all notes toggled off")
	}

	// Zero clears even in notes mode.
	m.SelectNumber(ctx, 0)
	if c := m.Current().At(ref); c.HasNotes() || c.Value != 0 {
		t.Errorf("cell = %+v, want empty digit", c)
	}

	// A note on a digit cell replaces the digit.
	m.SetNotesMode(false)
	m.SelectNumber(ctx, 8)
	m.ToggleNote(ctx, 2)
	if c := m.Current().At(ref); !c.HasNotes() || !c.Notes[2] || c.Value != 0 {
		t.Errorf("cell = %+v, want notes {2}", c)
	}
}

func TestRevealCompletesAndIsUndoable(t *testing.T) {
	f := newFixture(t)
	m := f.machine(t)
	ctx := context.Background()

	m.Select(ctx, domain.CellAt(0, 0))
	m.Reveal(ctx)

	if !m.Current().Equal(f.final) {
		t.Error("reveal should show the solution")
	}
	if !m.IsComplete() {
		t.Error("revealed grid is complete")
	}
	c := m.Completed()
	if c == nil || c.Seconds != 60 || !c.At.Equal(base.Add(20*time.Second)) {
		t.Errorf("completed = %+v", c)
	}
	if f.timer.stops != 1 {
		t.Errorf("timer stops = %d, want 1", f.timer.stops)
	}
	if _, ok := m.Selected(); ok {
		t.Error("selection should be cleared on completion")
	}
	m.Select(ctx, domain.CellAt(0, 1))
	if _, ok := m.Selected(); ok {
		t.Error("selection changes are ignored once completed")
	}

	m.Undo(ctx)
	if !m.Current().Equal(f.initial) {
		t.Error("reveal should be undoable")
	}
	if m.IsComplete() || m.Completed() != nil {
		t.Errorf("undoing the reveal should drop completion, got %+v", m.Completed())
	}
	if len(f.timer.sessions) != 1 || f.timer.timer.Stopped {
		t.Errorf("timer should restart after undoing the reveal, sessions = %d stopped = %v",
			len(f.timer.sessions), f.timer.timer.Stopped)
	}

	m.Select(ctx, domain.CellAt(0, 0))
	m.SelectNumber(ctx, 5)
	cur := m.Current()
	if got := cur.At(domain.CellAt(0, 0)).Value; got != 5 {
		t.Errorf("puzzle should be playable after undoing the reveal, cell = %d", got)
	}

	m.Undo(ctx)
	m.Redo(ctx)
	if m.Completed() != nil {
		t.Error("redo of an unsolved grid must not record completion")
	}
	m.Select(ctx, domain.CellAt(0, 1))
	m.SelectNumber(ctx, 3)
	if m.Completed() == nil {
		t.Fatal("solving again should record completion")
	}
	m.Undo(ctx)
	if m.Completed() != nil {
		t.Error("undo should drop completion")
	}
	m.Redo(ctx)
	if m.Completed() == nil || !m.IsComplete() {
		t.Error("redo onto the solution should record completion again")
	}
}

func TestCompletionByEntry(t *testing.T) {
	f := newFixture(t)
	m := f.machine(t)
	ctx := context.Background()

	m.Select(ctx, domain.CellAt(0, 0))
	m.SelectNumber(ctx, 5)
	if m.Completed() != nil {
		t.Fatal("one blank left, should not be complete")
	}
	m.Select(ctx, domain.CellAt(0, 1))
	m.SelectNumber(ctx, 3)
	if m.Completed() == nil {
		t.Fatal("expected completion")
	}
}

func TestResetReturnsToStart(t *testing.T) {
	f := newFixture(t)
	m := f.machine(t)
	ctx := context.Background()

	m.Select(ctx, domain.CellAt(0, 0))
	m.Reveal(ctx)
	m.Reset(ctx)

	if !m.Current().Equal(f.initial) || !m.IsUndoDisabled() || !m.IsRedoDisabled() {
		t.Error("reset should leave only the starting grid")
	}
	if m.Completed() != nil {
		t.Error("reset should clear completion")
	}
	if f.timer.resets != 1 {
		t.Errorf("timer resets = %d, want 1", f.timer.resets)
	}
}

func TestPersistAndResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.machine(t)

	m.Select(ctx, domain.CellAt(0, 1))
	for i := 1; i <= 9; i++ {
		m.SelectNumber(ctx, i)
	}
	m.SelectNumber(ctx, 1)
	m.SelectNumber(ctx, 2)
	current := m.Current()

	saved, err := f.local.GetValue(ctx, "p1")
	if err != nil || saved == nil {
		t.Fatalf("state not persisted: %v", err)
	}
	if n := len(saved.State.AnswerStack); n != 10 {
		t.Errorf("local stack has %d entries, want 10", n)
	}

	resumed := f.machine(t)
	if !resumed.Current().Equal(current) {
		t.Error("saved stack should replace the starting grid")
	}
}

func TestServerSaveConditions(t *testing.T) {
	f := newFixture(t)
	m := f.machine(t)
	ctx := context.Background()

	// No local and no server copy: the starting grid is written out.
	m.SyncRemote(ctx)
	if !m.IsSynced() {
		t.Error("expected synced")
	}
	if len(f.remote.saves) != 1 || len(f.remote.saves[0].AnswerStack) != 1 {
		t.Fatalf("first load saves = %d", len(f.remote.saves))
	}
	if f.remote.keys[len(f.remote.keys)-1] != "sudoku-p1" {
		t.Errorf("key = %s", f.remote.keys[len(f.remote.keys)-1])
	}

	m.Select(ctx, domain.CellAt(0, 0))
	m.SelectNumber(ctx, 9) // wrong
	m.SelectNumber(ctx, 1) // wrong
	if len(f.remote.saves) != 1 {
		t.Errorf("wrong entries should not reach the server, saves = %d", len(f.remote.saves))
	}

	m.SelectNumber(ctx, 5) // correct
	if len(f.remote.saves) != 2 {
		t.Fatalf("correct entry should be saved, saves = %d", len(f.remote.saves))
	}
	last := f.remote.saves[1]
	if len(last.AnswerStack) != 3 {
		t.Errorf("server stack has %d entries, want 3", len(last.AnswerStack))
	}
	if last.Timer == nil || last.Timer.Seconds != 40 {
		t.Errorf("server state should carry the timer: %+v", last.Timer)
	}
}

func TestSyncRemoteAdoptsNewerServer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.local.SaveValue(ctx, domain.GameState{AnswerStack: []domain.Grid{f.initial}}, "p1"); err != nil {
		t.Fatal(err)
	}
	serverGrid := f.initial.Clone()
	serverGrid.Set(domain.CellAt(0, 0), domain.Digit(5))
	serverTimer := &domain.Timer{Seconds: 99}
	f.remote.server = &domain.Session{
		SessionID: "sudoku-p1",
		UpdatedAt: base.Add(time.Hour),
		State: domain.ServerState{
			GameState: domain.GameState{AnswerStack: []domain.Grid{f.initial, serverGrid}},
			Timer:     serverTimer,
		},
	}

	m := f.machine(t)
	m.SyncRemote(ctx)

	if !m.Current().Equal(serverGrid) {
		t.Error("newer server stack should replace local")
	}
	if len(f.timer.sessions) != 1 || f.timer.sessions[0].Seconds != 99 {
		t.Errorf("timer should restart from the server timer: %+v", f.timer.sessions)
	}
	if len(f.remote.saves) != 0 {
		t.Error("adopting the server copy should not write back")
	}
}

func TestSyncRemotePushesNewerLocal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	localGrid := f.initial.Clone()
	localGrid.Set(domain.CellAt(0, 1), domain.Digit(3))
	if _, err := f.local.SaveValue(ctx, domain.GameState{AnswerStack: []domain.Grid{f.initial, localGrid}}, "p1"); err != nil {
		t.Fatal(err)
	}
	f.remote.server = &domain.Session{
		SessionID: "sudoku-p1",
		UpdatedAt: base.Add(-time.Hour),
		State:     domain.ServerState{GameState: domain.GameState{AnswerStack: []domain.Grid{f.initial}}},
	}

	m := f.machine(t)
	m.SyncRemote(ctx)

	if !m.Current().Equal(localGrid) {
		t.Error("local stack should be kept")
	}
	if len(f.remote.saves) != 1 {
		t.Fatalf("server behind local should be updated, saves = %d", len(f.remote.saves))
	}
	if got := f.remote.saves[0].AnswerStack; len(got) != 2 || !got[1].Equal(localGrid) {
		t.Error("pushed state should be the local stack")
	}
}

func TestSyncRemoteSameSecondIsLeftAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.clock.Advance(400 * time.Millisecond)
	if _, err := f.local.SaveValue(ctx, domain.GameState{AnswerStack: []domain.Grid{f.initial}}, "p1"); err != nil {
		t.Fatal(err)
	}
	f.remote.server = &domain.Session{
		SessionID: "sudoku-p1",
		UpdatedAt: base,
		State:     domain.ServerState{GameState: domain.GameState{AnswerStack: []domain.Grid{f.initial}}},
	}

	m := f.machine(t)
	m.SyncRemote(ctx)
	if len(f.remote.saves) != 0 {
		t.Error("timestamps within the same second should not trigger a push")
	}
}

func TestResponsePartiesArePatched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	friend := domain.Session{SessionID: "sudoku-p1", UpdatedAt: base}
	f.remote.resp = &domain.Session{
		SessionID: "sudoku-p1",
		Parties: domain.Parties{
			"party1": {MemberSessions: map[string]domain.Session{"alice": friend}},
		},
	}

	m := f.machine(t)
	m.SyncRemote(ctx)

	if _, ok := m.SessionParties()["party1"].MemberSessions["alice"]; !ok {
		t.Errorf("SessionParties = %+v", m.SessionParties())
	}
	if _, ok := f.friends.patches["sudoku-p1"]["alice"]; !ok {
		t.Errorf("friend sessions not patched: %+v", f.friends.patches)
	}
}

func TestValidation(t *testing.T) {
	f := newFixture(t)
	m := f.machine(t)
	ctx := context.Background()

	m.Select(ctx, domain.CellAt(0, 0))
	m.SelectNumber(ctx, 9)

	m.ValidateGrid()
	v := m.Validation()
	if v == nil {
		t.Fatal("expected validation")
	}
	if got := v.At(domain.CellAt(0, 0)); got != Incorrect {
		t.Errorf("(0,0) = %s, want incorrect", got)
	}
	if got := v.At(domain.CellAt(0, 1)); got != Incorrect {
		t.Errorf("empty (0,1) = %s, want incorrect", got)
	}
	if got := v.At(domain.CellAt(0, 2)); got != Unchecked {
		t.Errorf("clue (0,2) = %s, want unchecked", got)
	}

	m.ValidateGrid()
	if m.Validation() != nil {
		t.Error("second ValidateGrid should hide validation")
	}

	m.SelectNumber(ctx, 5)
	m.ValidateCell()
	v = m.Validation()
	if v == nil || v.At(domain.CellAt(0, 0)) != Correct || v.At(domain.CellAt(0, 1)) != Unchecked {
		t.Errorf("cell validation = %+v", v)
	}

	m.Select(ctx, domain.CellAt(0, 1))
	if m.Validation() != nil {
		t.Error("selection change should clear validation")
	}
}

func TestInactivityPausesTimer(t *testing.T) {
	f := newFixture(t)
	m := f.machine(t)
	ctx := context.Background()

	f.clock.Advance(InactivityTimeout - time.Second)
	m.CheckInactivity(ctx)
	if f.timer.paused {
		t.Fatal("paused too early")
	}

	f.clock.Advance(time.Second)
	m.CheckInactivity(ctx)
	if !f.timer.paused || !m.IsPausedForInactivity() {
		t.Fatal("expected inactivity pause")
	}

	m.Select(ctx, domain.CellAt(0, 0))
	if f.timer.paused || m.IsPausedForInactivity() {
		t.Error("selection should resume the timer")
	}
}

func TestPollParties(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	playing := domain.Session{SessionID: "sudoku-p1", UpdatedAt: base}
	f.remote.resp = &domain.Session{
		Parties: domain.Parties{"party1": {MemberSessions: map[string]domain.Session{"alice": playing}}},
	}
	m := f.machine(t)
	m.SyncRemote(ctx) // first load save picks up the party

	gets := f.remote.gets
	m.PollParties(ctx)
	if f.remote.gets != gets {
		t.Error("should not poll right after a save")
	}

	f.clock.Advance(PartyPollInterval)
	m.Select(ctx, domain.CellAt(0, 0))
	m.PollParties(ctx)
	if f.remote.gets != gets+1 {
		t.Error("expected a poll while a member is still playing")
	}
}

func TestCheckGrid(t *testing.T) {
	initial, final := puzzle(t)
	if _, complete := CheckGrid(initial, final, initial); complete {
		t.Error("grid with blanks is not complete")
	}
	v, complete := CheckGrid(initial, final, final)
	if !complete {
		t.Error("solution should be complete")
	}
	if v.At(domain.CellAt(0, 0)) != Correct || v.At(domain.CellAt(4, 4)) != Unchecked {
		t.Errorf("unexpected validation %v / %v", v.At(domain.CellAt(0, 0)), v.At(domain.CellAt(4, 4)))
	}

	cell := CheckCell(domain.CellAt(0, 2), initial, final, final)
	if cell.At(domain.CellAt(0, 2)) != Unchecked {
		t.Error("clue cell should stay unchecked")
	}
}
