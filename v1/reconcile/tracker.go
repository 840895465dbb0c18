package reconcile

import (
	"sync"
	"time"

	"github.com/rega1237/renova-crm-sub000/v1/board"
)

// DefaultTrackerTTL bounds how long a local move stays pending before the
// session stops trusting it for echo suppression. If the echo never arrives
// within the TTL the entry self-heals away and the next broadcast for that
// record is applied like any remote move.
const DefaultTrackerTTL = 10 * time.Second

type pendingMove struct {
	lane     board.Lane
	deadline time.Time
}

// LocalMoveTracker remembers lane moves this session initiated but has not
// yet seen echoed back on the bus. Entries expire on read; there is no
// background sweep.
type LocalMoveTracker struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	pending map[string]pendingMove
}

// NewTracker returns a tracker with the given per-entry TTL. A non-positive
// TTL falls back to DefaultTrackerTTL.
func NewTracker(ttl time.Duration) *LocalMoveTracker {
	if ttl <= 0 {
		ttl = DefaultTrackerTTL
	}
	return &LocalMoveTracker{
		ttl:     ttl,
		now:     time.Now,
		pending: make(map[string]pendingMove),
	}
}

// Add records a pending local move. A second move of the same record before
// the first echo replaces the expected lane.
func (t *LocalMoveTracker) Add(recordID string, to board.Lane) {
	t.mu.Lock()
	t.pending[recordID] = pendingMove{lane: to, deadline: t.now().Add(t.ttl)}
	t.mu.Unlock()
}

// Claim removes and returns the pending move for a record. It reports false
// when no live entry exists, including when the entry had already expired.
func (t *LocalMoveTracker) Claim(recordID string) (board.Lane, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[recordID]
	if !ok {
		return "", false
	}
	delete(t.pending, recordID)
	if t.now().After(p.deadline) {
		return "", false
	}
	return p.lane, true
}

// Remove drops a pending entry, used when the coordinator call fails and the
// optimistic move is rolled back.
func (t *LocalMoveTracker) Remove(recordID string) {
	t.mu.Lock()
	delete(t.pending, recordID)
	t.mu.Unlock()
}

// Len returns the number of stored entries, expired ones included.
func (t *LocalMoveTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
