package sessions

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/sudoku-sync/internal/domain"
	"github.com/ashureev/sudoku-sync/internal/remote"
	"github.com/ashureev/sudoku-sync/internal/store"
	"github.com/jonboulle/clockwork"
)

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func session(id string, at time.Time, src domain.Source) domain.Session {
	return domain.Session{SessionID: id, UpdatedAt: at, Source: src}
}

func ids(sessions []domain.Session) []string {
	out := make([]string, len(sessions))
	for i, s := range sessions {
		out[i] = s.SessionID
	}
	return out
}

func TestMergeOrdersByRecency(t *testing.T) {
	t1, t2, t3 := base, base.Add(time.Hour), base.Add(30*time.Minute)
	local := []domain.Session{session("a", t1, domain.SourceLocal)}
	server := []domain.Session{
		session("a", t2, domain.SourceServer),
		session("b", t3, domain.SourceServer),
	}

	got := Merge(local, server)
	if len(got) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(got))
	}
	if got[0].SessionID != "a" || !got[0].UpdatedAt.Equal(t2) {
		t.Errorf("first = %+v, want a@T2", got[0])
	}
	if got[1].SessionID != "b" || !got[1].UpdatedAt.Equal(t3) {
		t.Errorf("second = %+v, want b@T3", got[1])
	}
}

func TestMergeKeepsNewerLocal(t *testing.T) {
	local := []domain.Session{session("a", base.Add(time.Hour), domain.SourceLocal)}
	server := []domain.Session{session("a", base, domain.SourceServer)}

	got := Merge(local, server)
	if len(got) != 1 || got[0].Source != domain.SourceLocal {
		t.Errorf("expected newer local entry to win, got %+v", got)
	}
}

func TestMergeTiePrefersServer(t *testing.T) {
	local := []domain.Session{session("a", base, domain.SourceLocal)}
	server := []domain.Session{session("a", base, domain.SourceServer)}

	for _, got := range [][]domain.Session{Merge(local, server), Merge(server, local)} {
		if len(got) != 1 || got[0].Source != domain.SourceServer {
			t.Errorf("expected server entry on tie, got %+v", got)
		}
	}
}

type fakeRemote struct {
	mu       sync.Mutex
	sessions []domain.Session
	byUser   map[string][]domain.Session
	calls    []remote.ListOptions
	onList   func()
}

func (f *fakeRemote) ListValues(_ context.Context, opts remote.ListOptions) []domain.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, opts)
	if f.onList != nil {
		f.onList()
	}
	if opts.UserID != "" {
		return append([]domain.Session(nil), f.byUser[opts.UserID]...)
	}
	return append([]domain.Session(nil), f.sessions...)
}

type fixture struct {
	rec     *Reconciler
	puzzles *store.Local[domain.GameState]
	timers  *store.Local[domain.Timer]
	remote  *fakeRemote
	clock   clockwork.Clock
	cache   *store.SQLiteStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(base)
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "cache.db"), store.Options{Clock: clock})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	f := &fixture{
		puzzles: store.NewLocal[domain.GameState](s, store.KindPuzzle, ""),
		timers:  store.NewLocal[domain.Timer](s, store.KindTimer, ""),
		remote:  &fakeRemote{byUser: map[string][]domain.Session{}},
		clock:   clock,
		cache:   s,
	}
	f.rec = New(Options{Puzzles: f.puzzles, Timers: f.timers, Remote: f.remote, Clock: clock})
	return f
}

func TestFetchSessionsPublishesLocalThenMerged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.puzzles.SaveValue(ctx, domain.GameState{}, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.timers.SaveValue(ctx, domain.Timer{Seconds: 7}, "a"); err != nil {
		t.Fatal(err)
	}
	f.remote.sessions = []domain.Session{
		session("sudoku-a", base.Add(time.Hour), domain.SourceServer),
		session("sudoku-b", base.Add(30*time.Minute), domain.SourceServer),
		session("sudoku-old", base.Add(-40*24*time.Hour), domain.SourceServer),
	}

	var seenLocal []string
	f.remote.onList = func() { seenLocal = ids(f.rec.Sessions()) }

	updates, unsubscribe := f.rec.Subscribe()
	defer unsubscribe()

	f.rec.FetchSessions(ctx)

	if !equal(seenLocal, []string{"sudoku-a"}) {
		t.Errorf("local sessions visible before server fetch = %v", seenLocal)
	}
	select {
	case snap := <-updates:
		if len(snap) != 2 {
			t.Errorf("latest snapshot has %d sessions, want 2", len(snap))
		}
	default:
		t.Error("expected a published snapshot")
	}

	got := f.rec.Sessions()
	if want := []string{"sudoku-a", "sudoku-b"}; !equal(ids(got), want) {
		t.Errorf("Sessions() = %v, want %v", ids(got), want)
	}
	if got[0].Source != domain.SourceServer {
		t.Error("newer server copy of a should win")
	}
	if f.rec.IsLoading() {
		t.Error("loading flag should be cleared")
	}
}

func TestLocalSessionsJoinTimers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.puzzles.SaveValue(ctx, domain.GameState{}, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.timers.SaveValue(ctx, domain.Timer{Seconds: 7}, "a"); err != nil {
		t.Fatal(err)
	}

	local, err := f.rec.localSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(local) != 1 || local[0].SessionID != "sudoku-a" {
		t.Fatalf("local sessions = %v", ids(local))
	}
	if local[0].State.Timer == nil || local[0].State.Timer.Seconds != 7 {
		t.Errorf("timer not joined: %+v", local[0].State.Timer)
	}
}

func TestBackfillSavesMissingSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var g1, g2, g3 domain.Grid
	g2.Set(domain.CellAt(0, 0), domain.Digit(1))
	g3.Set(domain.CellAt(0, 0), domain.Digit(2))
	done := domain.Session{
		SessionID: "sudoku-done",
		UpdatedAt: base,
		Source:    domain.SourceServer,
		State: domain.ServerState{
			GameState: domain.GameState{
				AnswerStack: []domain.Grid{g1, g2, g3},
				Completed:   &domain.Completed{At: base, Seconds: 90},
			},
			Timer: &domain.Timer{Seconds: 90, Stopped: true},
		},
	}
	f.remote.sessions = []domain.Session{done}

	f.rec.FetchSessions(ctx)

	puzzle, err := f.puzzles.GetValue(ctx, "done")
	if err != nil || puzzle == nil {
		t.Fatalf("backfilled puzzle missing: %v", err)
	}
	if len(puzzle.State.AnswerStack) != 2 || !puzzle.State.AnswerStack[1].Equal(g3) {
		t.Errorf("completed stack should keep last 2 entries, got %d", len(puzzle.State.AnswerStack))
	}
	timer, err := f.timers.GetValue(ctx, "done")
	if err != nil || timer == nil || timer.State.Seconds != 90 {
		t.Errorf("backfilled timer = %+v, %v", timer, err)
	}
}

func TestFetchSessionsIsGuarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.sessions = []domain.Session{session("sudoku-a", base, domain.SourceServer)}

	f.rec.FetchSessions(ctx)
	f.rec.FetchSessions(ctx)
	if n := len(f.remote.calls); n != 1 {
		t.Errorf("remote called %d times, want 1", n)
	}

	f.rec.RefetchSessions(ctx)
	if n := len(f.remote.calls); n != 2 {
		t.Errorf("remote called %d times after refetch, want 2", n)
	}
}

func TestFriendSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	parties := []domain.Party{{
		PartyID: "p1",
		Members: []domain.Member{{UserID: "alice"}, {UserID: "bob"}},
	}}
	f.remote.byUser["alice"] = []domain.Session{
		session("sudoku-x", base, domain.SourceServer),
		session("sudoku-stale", base.Add(-31*24*time.Hour), domain.SourceServer),
	}

	f.rec.LazyLoadFriendSessions(ctx, parties)
	friends := f.rec.FriendSessions()
	if got := ids(friends["alice"].Sessions); !equal(got, []string{"sudoku-x"}) {
		t.Errorf("alice sessions = %v", got)
	}
	if friends["bob"].IsLoading {
		t.Error("bob should no longer be loading")
	}

	// Second lazy load is a no-op.
	calls := len(f.remote.calls)
	f.rec.LazyLoadFriendSessions(ctx, parties)
	if len(f.remote.calls) != calls {
		t.Error("lazy load should only run once")
	}

	sp := f.rec.SessionParties(parties, "sudoku-x")
	if _, ok := sp["p1"].MemberSessions["alice"]; !ok {
		t.Errorf("SessionParties missing alice: %+v", sp)
	}

	patched := session("sudoku-x", base.Add(time.Hour), domain.SourceServer)
	f.rec.PatchFriendSessions("sudoku-x", map[string]domain.Session{"alice": patched, "carol": patched})
	friends = f.rec.FriendSessions()
	if s := friends["alice"].Sessions; len(s) != 1 || !s[0].UpdatedAt.Equal(patched.UpdatedAt) {
		t.Errorf("alice not patched: %+v", s)
	}
	if _, ok := friends["carol"]; ok {
		t.Error("unknown user should not be added by a patch")
	}

	f.rec.SetUser("someone-else")
	if len(f.rec.FriendSessions()) != 0 {
		t.Error("friend sessions should reset on user change")
	}
}

func TestStartWorkerRefetches(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rem := &fakeRemote{}
	f := newFixture(t)
	rec := New(Options{Puzzles: f.puzzles, Timers: f.timers, Remote: rem, Clock: clock})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec.StartWorker(ctx, time.Minute)

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	if err := clock.BlockUntilContext(waitCtx, 1); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Minute)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rem.mu.Lock()
		n := len(rem.calls)
		rem.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("worker did not refetch sessions")
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestFetchSessionsSettlesOnStorageError(t *testing.T) {
	f := newFixture(t)
	if err := f.cache.Close(); err != nil {
		t.Fatal(err)
	}

	f.rec.FetchSessions(context.Background())

	if f.rec.IsLoading() {
		t.Error("loading flag should be cleared after a failed load")
	}
	if got := f.rec.Sessions(); len(got) != 0 {
		t.Errorf("expected no sessions, got %v", ids(got))
	}
}
