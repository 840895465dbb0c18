package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rega1237/renova-crm-sub000/v1/board"
	"github.com/rega1237/renova-crm-sub000/v1/bus"
	"github.com/rega1237/renova-crm-sub000/v1/coordinator"
	"github.com/rega1237/renova-crm-sub000/v1/event"
	"github.com/rega1237/renova-crm-sub000/v1/loader"
	"github.com/rega1237/renova-crm-sub000/v1/store"
)

type env struct {
	store *store.InMemory
	bus   *bus.InMemoryBus
	coord *coordinator.Coordinator
	load  *loader.Loader
}

func newEnv(t *testing.T, rs store.RecordStore) *env {
	t.Helper()
	mem, _ := rs.(*store.InMemory)
	b := bus.NewInMemoryBus()
	return &env{
		store: mem,
		bus:   b,
		coord: coordinator.New(rs, b, "b1"),
		load:  loader.New(rs),
	}
}

func (e *env) session(id string) *Session {
	return NewSession(Config{
		SessionID:   id,
		Label:       "viewer " + id,
		BoardID:     "b1",
		Bus:         e.bus,
		Coordinator: e.coord,
		Loader:      e.load,
	})
}

func seed(t *testing.T, rs store.RecordStore, id string, lane board.Lane, createdAt time.Time) {
	t.Helper()
	err := rs.Put(context.Background(), board.Record{
		ID:        id,
		Lane:      lane,
		Title:     "record " + id,
		Owner:     "alice",
		Source:    "web",
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func laneOf(t *testing.T, s *Session, recordID string) (board.Lane, bool) {
	t.Helper()
	view := s.Snapshot()
	for lane, cards := range view.Lanes {
		for _, c := range cards {
			if c.RecordID == recordID {
				return lane, true
			}
		}
	}
	return "", false
}

func TestMoveRecordOptimisticApplyAndEcho(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, store.NewInMemory())
	base := time.Now().Add(-time.Hour)
	seed(t, e.store, "42", board.LaneLead, base)

	s := e.session("A")
	if err := s.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	ch, err := e.bus.Subscribe(ctx, bus.BoardChannel("b1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := s.MoveRecord(ctx, "42", board.LaneScheduled); err != nil {
		t.Fatalf("move: %v", err)
	}
	if lane, _ := laneOf(t, s, "42"); lane != board.LaneScheduled {
		t.Fatalf("after optimistic move lane = %s, want %s", lane, board.LaneScheduled)
	}
	view := s.Snapshot()
	if view.Counts[board.LaneLead] != 0 || view.Counts[board.LaneScheduled] != 1 {
		t.Fatalf("counts = %v", view.Counts)
	}

	// feed our own broadcast back; the projection must not change
	ev := <-ch
	s.Apply(ev)
	view = s.Snapshot()
	if len(view.Lanes[board.LaneScheduled]) != 1 {
		t.Fatalf("echo duplicated the card: %d copies", len(view.Lanes[board.LaneScheduled]))
	}
	if _, touched := view.Touched["42"]; touched {
		t.Fatal("own echo must not raise the foreign-touch badge")
	}
	if s.tracker.Len() != 0 {
		t.Fatalf("tracker not drained: %d entries", s.tracker.Len())
	}
}

func TestProjectionMatchesLoaderPageOrder(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, store.NewInMemory())
	base := time.Now().Add(-time.Hour)
	seed(t, e.store, "old", board.LaneLead, base)
	seed(t, e.store, "new", board.LaneLead, base.Add(time.Minute))

	s := e.session("A")
	if err := s.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	page, err := e.load.LoadPage(ctx, board.LaneLead, board.Filters{}, 0, 10)
	if err != nil {
		t.Fatalf("load page: %v", err)
	}
	cards := s.Snapshot().Lanes[board.LaneLead]
	if len(cards) != len(page) {
		t.Fatalf("projection has %d cards, page has %d", len(cards), len(page))
	}
	for i := range page {
		if cards[i].RecordID != page[i].RecordID {
			t.Fatalf("projection order differs from page at %d: %s vs %s", i, cards[i].RecordID, page[i].RecordID)
		}
	}
	if cards[0].RecordID != "new" {
		t.Fatalf("lane not newest first: %s", cards[0].RecordID)
	}

	// a remote arrival with the freshest sort key lands at the top
	s.Apply(event.Moved{
		ID:       event.NewID(),
		RecordID: "incoming",
		FromLane: board.LaneScheduled,
		ToLane:   board.LaneLead,
		ActorID:  "B",
		Snapshot: board.CardRenderer{}.Render(board.Record{
			ID: "incoming", Lane: board.LaneLead, Title: "record incoming",
			CreatedAt: base.Add(2 * time.Minute),
		}),
		At: time.Now(),
	})
	cards = s.Snapshot().Lanes[board.LaneLead]
	if cards[0].RecordID != "incoming" {
		t.Fatalf("freshest card not first: %v", cardIDs(cards))
	}
}

func cardIDs(cards []board.Snapshot) []string {
	out := make([]string, len(cards))
	for i, c := range cards {
		out[i] = c.RecordID
	}
	return out
}

func TestRemoteMoveAppliedWithoutReload(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, store.NewInMemory())
	base := time.Now().Add(-time.Hour)
	seed(t, e.store, "42", board.LaneLead, base)

	s := e.session("B")
	if err := s.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	moved := event.Moved{
		ID:         event.NewID(),
		RecordID:   "42",
		FromLane:   board.LaneLead,
		ToLane:     board.LaneScheduled,
		ActorID:    "A",
		ActorLabel: "viewer A",
		Snapshot:   board.CardRenderer{}.Render(board.Record{ID: "42", Lane: board.LaneScheduled, Title: "record 42", CreatedAt: base, LastLaneChangeAt: time.Now()}),
		At:         time.Now(),
	}
	s.Apply(moved)

	if lane, ok := laneOf(t, s, "42"); !ok || lane != board.LaneScheduled {
		t.Fatalf("record lane = %s, placed=%v", lane, ok)
	}
	view := s.Snapshot()
	if view.Counts[board.LaneLead] != 0 || view.Counts[board.LaneScheduled] != 1 {
		t.Fatalf("counts = %v", view.Counts)
	}
	if who := view.Touched["42"]; who != "viewer A" {
		t.Fatalf("touched badge = %q, want %q", who, "viewer A")
	}

	// at-least-once delivery: the same event again must change nothing
	s.Apply(moved)
	view = s.Snapshot()
	if len(view.Lanes[board.LaneScheduled]) != 1 || view.Counts[board.LaneScheduled] != 1 {
		t.Fatalf("duplicate delivery changed projection: %v", view.Counts)
	}
}

func TestDivergentEchoServerWins(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, store.NewInMemory())
	base := time.Now().Add(-time.Hour)
	seed(t, e.store, "42", board.LaneLead, base)

	s := e.session("A")
	if err := s.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := s.MoveRecord(ctx, "42", board.LaneScheduled); err != nil {
		t.Fatalf("move: %v", err)
	}

	// the server resolved our move into a different lane
	s.Apply(event.Moved{
		ID:       event.NewID(),
		RecordID: "42",
		FromLane: board.LaneLead,
		ToLane:   board.LaneRescheduled,
		ActorID:  "A",
		Snapshot: board.CardRenderer{}.Render(board.Record{ID: "42", Lane: board.LaneRescheduled, Title: "record 42", CreatedAt: base, LastLaneChangeAt: time.Now()}),
		At:       time.Now(),
	})

	if lane, _ := laneOf(t, s, "42"); lane != board.LaneRescheduled {
		t.Fatalf("server placement lost: lane = %s", lane)
	}
	if _, touched := s.Snapshot().Touched["42"]; touched {
		t.Fatal("divergent echo of our own move must reconcile silently")
	}
}

type failMoveStore struct {
	store.RecordStore
}

func (failMoveStore) MoveLane(ctx context.Context, id string, to board.Lane, now time.Time) (board.Record, error) {
	return board.Record{}, errors.New("storage down")
}

func TestMoveRecordRollbackOnCoordinatorFailure(t *testing.T) {
	ctx := context.Background()
	mem := store.NewInMemory()
	base := time.Now().Add(-time.Hour)
	seed(t, mem, "42", board.LaneLead, base)

	b := bus.NewInMemoryBus()
	broken := failMoveStore{RecordStore: mem}
	s := NewSession(Config{
		SessionID:   "A",
		BoardID:     "b1",
		Bus:         b,
		Coordinator: coordinator.New(broken, b, "b1"),
		Loader:      loader.New(mem),
	})
	if err := s.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if err := s.MoveRecord(ctx, "42", board.LaneScheduled); err == nil {
		t.Fatal("expected move error")
	}
	if lane, _ := laneOf(t, s, "42"); lane != board.LaneLead {
		t.Fatalf("rollback failed: lane = %s", lane)
	}
	view := s.Snapshot()
	if view.Counts[board.LaneLead] != 1 || view.Counts[board.LaneScheduled] != 0 {
		t.Fatalf("counts not rolled back: %v", view.Counts)
	}
	if s.tracker.Len() != 0 {
		t.Fatalf("tracker entry survived rollback: %d", s.tracker.Len())
	}
}

func TestMoveUnknownRecord(t *testing.T) {
	e := newEnv(t, store.NewInMemory())
	s := e.session("A")
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	err := s.MoveRecord(context.Background(), "nope", board.LaneWon)
	if err == nil {
		t.Fatal("expected error for unknown record")
	}
}

func TestLockIndicators(t *testing.T) {
	e := newEnv(t, store.NewInMemory())
	s := e.session("B")

	expires := time.Now().Add(90 * time.Second)
	s.Apply(event.Opened{ID: event.NewID(), RecordID: "42", HolderID: "A", HolderLabel: "viewer A", ExpiresAt: expires})
	view := s.Snapshot()
	ind, ok := view.Locks["42"]
	if !ok || ind.HolderLabel != "viewer A" {
		t.Fatalf("indicator = %+v, ok=%v", ind, ok)
	}

	// a release from a different holder must not clear the indicator
	s.Apply(event.Closed{ID: event.NewID(), RecordID: "42", HolderID: "C"})
	if _, ok := s.Snapshot().Locks["42"]; !ok {
		t.Fatal("foreign release cleared the indicator")
	}

	s.Apply(event.Closed{ID: event.NewID(), RecordID: "42", HolderID: "A"})
	if _, ok := s.Snapshot().Locks["42"]; ok {
		t.Fatal("indicator survived the holder's release")
	}
}

func TestFieldUpdatedReplacesInPlace(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, store.NewInMemory())
	base := time.Now().Add(-time.Hour)
	seed(t, e.store, "42", board.LaneLead, base)

	s := e.session("B")
	if err := s.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	snap := board.CardRenderer{}.Render(board.Record{ID: "42", Lane: board.LaneLead, Title: "record 42", Owner: "carol", CreatedAt: base})
	s.Apply(event.FieldUpdated{ID: event.NewID(), RecordID: "42", Field: "owner", ActorID: "A", Snapshot: snap, At: time.Now()})

	view := s.Snapshot()
	cards := view.Lanes[board.LaneLead]
	if len(cards) != 1 || cards[0].Owner != "carol" {
		t.Fatalf("card not replaced: %+v", cards)
	}
	if lane, _ := laneOf(t, s, "42"); lane != board.LaneLead {
		t.Fatalf("field update moved the card to %s", lane)
	}
}

func TestLoadMoreExhaustedLatch(t *testing.T) {
	ctx := context.Background()
	mem := store.NewInMemory()
	base := time.Now().Add(-time.Hour)
	seed(t, mem, "1", board.LaneLead, base)
	seed(t, mem, "2", board.LaneLead, base.Add(time.Minute))
	seed(t, mem, "3", board.LaneLead, base.Add(2*time.Minute))

	e := newEnv(t, mem)
	s := NewSession(Config{
		SessionID: "A", BoardID: "b1",
		Bus: e.bus, Coordinator: e.coord, Loader: e.load,
		PageSize: 2,
	})
	if err := s.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := len(s.Snapshot().Lanes[board.LaneLead]); got != 2 {
		t.Fatalf("first page = %d cards, want 2", got)
	}

	if err := s.LoadMore(ctx, board.LaneLead); err != nil {
		t.Fatalf("load more: %v", err)
	}
	if got := len(s.Snapshot().Lanes[board.LaneLead]); got != 3 {
		t.Fatalf("after load more = %d cards, want 3", got)
	}
	if !s.Exhausted(board.LaneLead) {
		t.Fatal("short page must latch the lane exhausted")
	}
	if err := s.LoadMore(ctx, board.LaneLead); err != nil {
		t.Fatalf("load more on exhausted lane: %v", err)
	}

	seed(t, mem, "4", board.LaneLead, base.Add(3*time.Minute))
	if err := s.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if s.Exhausted(board.LaneLead) {
		t.Fatal("refresh must clear the exhausted latch")
	}
}

type gatedStore struct {
	store.RecordStore
	enter   chan struct{}
	release chan struct{}
}

func (g *gatedStore) List(ctx context.Context, lane board.Lane, f board.Filters, offset, limit int) ([]board.Record, error) {
	if offset > 0 {
		g.enter <- struct{}{}
		<-g.release
	}
	return g.RecordStore.List(ctx, lane, f, offset, limit)
}

func TestLoadMoreStaleGenerationDropped(t *testing.T) {
	ctx := context.Background()
	mem := store.NewInMemory()
	base := time.Now().Add(-time.Hour)
	seed(t, mem, "1", board.LaneLead, base)
	seed(t, mem, "2", board.LaneLead, base.Add(time.Minute))
	seed(t, mem, "3", board.LaneLead, base.Add(2*time.Minute))

	gated := &gatedStore{
		RecordStore: mem,
		enter:       make(chan struct{}),
		release:     make(chan struct{}),
	}
	b := bus.NewInMemoryBus()
	s := NewSession(Config{
		SessionID: "A", BoardID: "b1",
		Bus: b, Coordinator: coordinator.New(gated, b, "b1"),
		Loader:   loader.New(gated),
		PageSize: 2,
	})
	if err := s.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.LoadMore(ctx, board.LaneLead) }()
	<-gated.enter

	// refresh races the in-flight page and bumps the generation
	if err := s.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	close(gated.release)
	if err := <-done; err != nil {
		t.Fatalf("load more: %v", err)
	}

	if got := len(s.Snapshot().Lanes[board.LaneLead]); got != 2 {
		t.Fatalf("stale page was applied: %d cards, want 2", got)
	}
	if s.Exhausted(board.LaneLead) {
		t.Fatal("stale resolution must not latch exhausted")
	}
}

func TestRunDeliversRemoteMoves(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := newEnv(t, store.NewInMemory())
	base := time.Now().Add(-time.Hour)
	seed(t, e.store, "42", board.LaneLead, base)

	s := e.session("B")
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	waitFor(t, func() bool { return s.State() == StateConnected })

	if _, err := e.coord.MoveRecord(ctx, "42", board.LaneLead, board.LaneWon, coordinator.Actor{ID: "A", Label: "viewer A"}); err != nil {
		t.Fatalf("coordinator move: %v", err)
	}
	waitFor(t, func() bool {
		lane, ok := laneOf(t, s, "42")
		return ok && lane == board.LaneWon
	})

	cancel()
	if err := <-runDone; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v, want context.Canceled", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
