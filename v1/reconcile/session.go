package reconcile

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	"github.com/rega1237/renova-crm-sub000/v1/board"
	"github.com/rega1237/renova-crm-sub000/v1/bus"
	"github.com/rega1237/renova-crm-sub000/v1/coordinator"
	boarderrors "github.com/rega1237/renova-crm-sub000/v1/errors"
	"github.com/rega1237/renova-crm-sub000/v1/event"
	"github.com/rega1237/renova-crm-sub000/v1/loader"
	"github.com/rega1237/renova-crm-sub000/v1/metrics"
)

// State is the session connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// seenHighMark bounds the dedup map; once reached the map is reset. A reset
// can only cause a re-apply, and applies are idempotent.
const seenHighMark = 8192

// Backoff shapes the reconnect delay curve.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64
}

// DefaultBackoff matches what interactive viewers tolerate: a fast first
// retry, then exponential growth capped at half a minute.
var DefaultBackoff = Backoff{
	Min:    250 * time.Millisecond,
	Max:    30 * time.Second,
	Factor: 2,
	Jitter: 0.2,
}

func (b Backoff) delay(attempt int) time.Duration {
	d := float64(b.Min)
	for i := 0; i < attempt; i++ {
		d *= b.Factor
		if d >= float64(b.Max) {
			d = float64(b.Max)
			break
		}
	}
	if b.Jitter > 0 {
		d += rand.Float64() * b.Jitter * d
	}
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	return time.Duration(d)
}

// LockIndicator is the "someone has this card open" badge shown on a card.
type LockIndicator struct {
	HolderID    string
	HolderLabel string
	ExpiresAt   time.Time
}

// Config wires a Session to its collaborators. Everything is explicit; a
// session never reaches for ambient globals.
type Config struct {
	SessionID   string
	Label       string
	BoardID     string
	Bus         bus.Bus
	Coordinator *coordinator.Coordinator
	Loader      *loader.Loader
	Lanes       []board.Lane
	Filters     board.Filters
	PageSize    int
	TrackerTTL  time.Duration
	Backoff     Backoff
}

// View is a deep copy of the session projection, safe to read without
// holding any session lock.
type View struct {
	State   State
	Lanes   map[board.Lane][]board.Snapshot
	Counts  map[board.Lane]int
	Locks   map[string]LockIndicator
	Touched map[string]string
}

// Session mirrors one board for one viewer. It owns a projection of the
// visible cards, applies broadcast events to it, and performs this viewer's
// moves optimistically against it.
type Session struct {
	cfg     Config
	tracker *LocalMoveTracker
	state   atomic.Int32
	now     func() time.Time

	mu        sync.Mutex
	index     map[string]board.Lane
	lanes     map[board.Lane][]board.Snapshot
	counts    map[board.Lane]int
	locks     map[string]LockIndicator
	touched   map[string]string
	seen      map[string]struct{}
	gen       map[board.Lane]int
	exhausted map[board.Lane]bool
}

// NewSession builds a session from its config. Zero-value config fields get
// working defaults: all lanes, DefaultPageSize, DefaultTrackerTTL,
// DefaultBackoff.
func NewSession(cfg Config) *Session {
	if cfg.SessionID == "" {
		if id, err := uuid.GenerateUUID(); err == nil {
			cfg.SessionID = id
		}
	}
	if len(cfg.Lanes) == 0 {
		cfg.Lanes = board.Lanes()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = loader.DefaultPageSize
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff
	}
	s := &Session{
		cfg:     cfg,
		tracker: NewTracker(cfg.TrackerTTL),
		now:     time.Now,
	}
	s.resetProjection()
	return s
}

func (s *Session) resetProjection() {
	s.index = make(map[string]board.Lane)
	s.lanes = make(map[board.Lane][]board.Snapshot, len(s.cfg.Lanes))
	s.counts = make(map[board.Lane]int, len(s.cfg.Lanes))
	s.locks = make(map[string]LockIndicator)
	s.touched = make(map[string]string)
	s.seen = make(map[string]struct{})
	s.gen = make(map[board.Lane]int, len(s.cfg.Lanes))
	s.exhausted = make(map[board.Lane]bool, len(s.cfg.Lanes))
	for _, l := range s.cfg.Lanes {
		s.lanes[l] = nil
		s.gen[l] = 0
	}
}

// State returns the current connection state.
func (s *Session) State() State { return State(s.state.Load()) }

// Run subscribes to the board channel and applies events until ctx is done.
// Any subscription or reload failure tears the connection down and retries
// with exponential backoff; every (re)connect starts from a full first-page
// reload, never from event replay.
func (s *Session) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.state.Store(int32(StateConnecting))
		ch, err := s.cfg.Bus.Subscribe(ctx, bus.BoardChannel(s.cfg.BoardID))
		if err == nil {
			err = s.Refresh(ctx)
			if err != nil {
				_ = s.cfg.Bus.Unsubscribe(ctx, bus.BoardChannel(s.cfg.BoardID), ch)
			}
		}
		if err != nil {
			s.state.Store(int32(StateDisconnected))
			if !sleep(ctx, s.cfg.Backoff.delay(attempt)) {
				return ctx.Err()
			}
			attempt++
			continue
		}

		s.state.Store(int32(StateConnected))
		metrics.ViewerGauge.Inc()
		attempt = 0
		closed := s.consume(ctx, ch)
		metrics.ViewerGauge.Dec()
		s.state.Store(int32(StateDisconnected))
		_ = s.cfg.Bus.Unsubscribe(context.Background(), bus.BoardChannel(s.cfg.BoardID), ch)
		if !closed {
			return ctx.Err()
		}
		if !sleep(ctx, s.cfg.Backoff.delay(attempt)) {
			return ctx.Err()
		}
		attempt++
	}
}

// consume drains events until the channel closes or ctx is done. It reports
// true when the channel closed and the caller should reconnect.
func (s *Session) consume(ctx context.Context, ch <-chan event.Event) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-ch:
			if !ok {
				return true
			}
			s.Apply(ev)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Refresh discards the projection and reloads the first page and counts of
// every lane. It is the recovery path for reconnects, auto-heal, and manual
// viewer refresh.
func (s *Session) Refresh(ctx context.Context) error {
	counts, err := s.cfg.Loader.Counts(ctx, s.cfg.Filters)
	if err != nil {
		return fmt.Errorf("reconcile: refresh counts: %w", err)
	}
	pages := make(map[board.Lane][]board.Snapshot, len(s.cfg.Lanes))
	for _, lane := range s.cfg.Lanes {
		page, err := s.cfg.Loader.LoadPage(ctx, lane, s.cfg.Filters, 0, s.cfg.PageSize)
		if err != nil {
			return fmt.Errorf("reconcile: refresh %s: %w", lane, err)
		}
		pages[lane] = page
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	oldGen := s.gen
	s.resetProjection()
	for lane, g := range oldGen {
		// carry generations forward so in-flight LoadMore results from
		// before the refresh are recognized as stale
		s.gen[lane] = g + 1
	}
	for lane, page := range pages {
		for _, snap := range page {
			s.placeLocked(lane, snap)
		}
		s.exhausted[lane] = len(page) < s.cfg.PageSize
	}
	for lane, n := range counts {
		s.counts[lane] = n
	}
	return nil
}

// MoveRecord performs this viewer's lane move: track, apply optimistically,
// then confirm with the coordinator. On coordinator failure the optimistic
// move is rolled back and the tracker entry removed.
func (s *Session) MoveRecord(ctx context.Context, recordID string, to board.Lane) error {
	if !to.Valid() {
		return fmt.Errorf("reconcile: move %s: %w: %q", recordID, boarderrors.ErrBadLane, to)
	}

	s.mu.Lock()
	from, ok := s.index[recordID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("reconcile: move %s: %w", recordID, boarderrors.ErrNotFound)
	}
	prev, _ := s.removeLocked(recordID)
	s.tracker.Add(recordID, to)
	moved := prev
	moved.Lane = to
	s.placeLocked(to, moved)
	s.counts[from]--
	s.counts[to]++
	s.mu.Unlock()

	actor := coordinator.Actor{ID: s.cfg.SessionID, Label: s.cfg.Label}
	if _, err := s.cfg.Coordinator.MoveRecord(ctx, recordID, from, to, actor); err != nil {
		s.tracker.Remove(recordID)
		s.mu.Lock()
		s.removeLocked(recordID)
		s.placeLocked(from, prev)
		s.counts[to]--
		s.counts[from]++
		s.mu.Unlock()
		return err
	}
	s.cfg.Loader.Invalidate(s.cfg.Filters)
	return nil
}

// Apply folds one broadcast event into the projection. It is idempotent:
// duplicate deliveries and already-applied placements are no-ops.
func (s *Session) Apply(ev event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id := ev.EventID(); id != "" {
		if _, dup := s.seen[id]; dup {
			return
		}
		if len(s.seen) >= seenHighMark {
			s.seen = make(map[string]struct{})
		}
		s.seen[id] = struct{}{}
	}

	switch e := ev.(type) {
	case event.Moved:
		s.applyMovedLocked(e)
	case event.Opened:
		s.locks[e.RecordID] = LockIndicator{
			HolderID:    e.HolderID,
			HolderLabel: e.HolderLabel,
			ExpiresAt:   e.ExpiresAt,
		}
	case event.Closed:
		if cur, ok := s.locks[e.RecordID]; ok && cur.HolderID == e.HolderID {
			delete(s.locks, e.RecordID)
		}
	case event.FieldUpdated:
		s.applyFieldLocked(e)
	}
}

func (s *Session) applyMovedLocked(e event.Moved) {
	if e.ActorID == s.cfg.SessionID {
		if expected, ok := s.tracker.Claim(e.RecordID); ok {
			if expected == e.ToLane {
				// our own echo; the card already sits where the server
				// put it
				metrics.EchoesSuppressed.Inc()
				s.replaceInPlaceLocked(e.Snapshot)
				return
			}
			// the server landed our move somewhere else; it wins, and the
			// viewer is not told someone else touched the card
			s.relocateLocked(e, false)
			return
		}
		// tracker entry expired; fall through and treat as remote, minus
		// the foreign-touch badge
		s.relocateLocked(e, false)
		return
	}
	s.relocateLocked(e, true)
}

// relocateLocked moves a card to the event's target lane. Removal searches
// every lane through the index, so a record can never end up duplicated.
func (s *Session) relocateLocked(e event.Moved, foreign bool) {
	cur, placed := s.index[e.RecordID]
	if placed && cur == e.ToLane {
		s.replaceInPlaceLocked(e.Snapshot)
		return
	}
	if placed {
		s.removeLocked(e.RecordID)
		s.counts[cur]--
	} else if e.FromLane.Valid() {
		// the card was beyond our loaded pages but still counted
		s.counts[e.FromLane]--
	}
	s.placeLocked(e.ToLane, e.Snapshot)
	s.counts[e.ToLane]++
	if foreign {
		label := e.ActorLabel
		if label == "" {
			label = e.ActorID
		}
		s.touched[e.RecordID] = label
	}
}

func (s *Session) applyFieldLocked(e event.FieldUpdated) {
	if _, ok := s.index[e.RecordID]; !ok {
		return
	}
	s.replaceInPlaceLocked(e.Snapshot)
	if e.ActorID != s.cfg.SessionID {
		s.touched[e.RecordID] = e.ActorID
	}
}

// placeLocked inserts a snapshot into a lane in sort-key order, skipping the
// insert entirely when the record is already indexed somewhere.
func (s *Session) placeLocked(lane board.Lane, snap board.Snapshot) {
	if _, exists := s.index[snap.RecordID]; exists {
		return
	}
	snap.Lane = lane
	cards := s.lanes[lane]
	// lanes order newest first, matching loader pages
	i := sort.Search(len(cards), func(i int) bool {
		return !cards[i].SortKey.After(snap.SortKey)
	})
	cards = append(cards, board.Snapshot{})
	copy(cards[i+1:], cards[i:])
	cards[i] = snap
	s.lanes[lane] = cards
	s.index[snap.RecordID] = lane
}

// removeLocked drops a record from whichever lane holds it and returns the
// removed snapshot.
func (s *Session) removeLocked(recordID string) (board.Snapshot, bool) {
	lane, ok := s.index[recordID]
	if !ok {
		return board.Snapshot{}, false
	}
	cards := s.lanes[lane]
	for i, c := range cards {
		if c.RecordID == recordID {
			removed := c
			s.lanes[lane] = append(cards[:i], cards[i+1:]...)
			delete(s.index, recordID)
			return removed, true
		}
	}
	delete(s.index, recordID)
	return board.Snapshot{}, false
}

// replaceInPlaceLocked swaps the stored card content without changing its
// lane or position.
func (s *Session) replaceInPlaceLocked(snap board.Snapshot) {
	lane, ok := s.index[snap.RecordID]
	if !ok {
		return
	}
	cards := s.lanes[lane]
	for i, c := range cards {
		if c.RecordID == snap.RecordID {
			snap.Lane = lane
			cards[i] = snap
			return
		}
	}
}

// LoadMore fetches the next page of a lane. Resolutions that raced a refresh
// are dropped, and an empty page latches the lane as exhausted until the
// next Refresh.
func (s *Session) LoadMore(ctx context.Context, lane board.Lane) error {
	s.mu.Lock()
	if s.exhausted[lane] {
		s.mu.Unlock()
		return nil
	}
	offset := len(s.lanes[lane])
	gen := s.gen[lane]
	s.mu.Unlock()

	page, err := s.cfg.Loader.LoadPage(ctx, lane, s.cfg.Filters, offset, s.cfg.PageSize)
	if err != nil {
		return fmt.Errorf("reconcile: load more %s: %w", lane, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen[lane] != gen {
		// a refresh happened while the page was in flight
		return nil
	}
	if len(page) == 0 {
		s.exhausted[lane] = true
		return nil
	}
	for _, snap := range page {
		s.placeLocked(lane, snap)
	}
	if len(page) < s.cfg.PageSize {
		s.exhausted[lane] = true
	}
	return nil
}

// Exhausted reports whether a lane has no further pages under the current
// filters.
func (s *Session) Exhausted(lane board.Lane) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted[lane]
}

// AckTouched clears the "updated by someone else" badge for a record once
// the viewer has seen it.
func (s *Session) AckTouched(recordID string) {
	s.mu.Lock()
	delete(s.touched, recordID)
	s.mu.Unlock()
}

// Snapshot returns a deep copy of the projection.
func (s *Session) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{
		State:   s.State(),
		Lanes:   make(map[board.Lane][]board.Snapshot, len(s.lanes)),
		Counts:  make(map[board.Lane]int, len(s.counts)),
		Locks:   make(map[string]LockIndicator, len(s.locks)),
		Touched: make(map[string]string, len(s.touched)),
	}
	for lane, cards := range s.lanes {
		cp := make([]board.Snapshot, len(cards))
		copy(cp, cards)
		v.Lanes[lane] = cp
	}
	for lane, n := range s.counts {
		v.Counts[lane] = n
	}
	for id, ind := range s.locks {
		v.Locks[id] = ind
	}
	for id, who := range s.touched {
		v.Touched[id] = who
	}
	return v
}
