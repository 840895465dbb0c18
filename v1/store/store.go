// Package store abstracts the authoritative storage behind the board:
// records partitioned by lane and the presence lock table. The lock table is
// the only shared resource needing mutual exclusion; every backend implements
// acquisition as a single atomic compare-and-set, and every read treats an
// expired lock as absent so no background sweep is needed.
package store

import (
	"context"
	"time"

	"github.com/rega1237/renova-crm-sub000/v1/board"
)

// Lock is the persisted presence lock for one record.
type Lock struct {
	RecordID    string
	HolderID    string
	HolderLabel string
	ExpiresAt   time.Time
}

// Expired reports whether the lock no longer counts at the given instant.
func (l Lock) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// RecordStore is the authoritative store for board records.
type RecordStore interface {
	// Get returns the record by id or ErrNotFound.
	Get(ctx context.Context, id string) (board.Record, error)
	// Put creates or replaces a record.
	Put(ctx context.Context, r board.Record) error
	// MoveLane atomically writes the new lane and the lane-change timestamp,
	// returning the updated record. Returns ErrNotFound or ErrBadLane.
	MoveLane(ctx context.Context, id string, to board.Lane, now time.Time) (board.Record, error)
	// UpdateOwner persists an owner reassignment and returns the updated record.
	UpdateOwner(ctx context.Context, id, owner string, now time.Time) (board.Record, error)
	// UpdateReason persists a reason edit and returns the updated record.
	UpdateReason(ctx context.Context, id, reason string, now time.Time) (board.Record, error)
	// List returns one page of a lane under the filter set, ordered by the
	// lane sort key descending (id descending as tiebreak).
	List(ctx context.Context, lane board.Lane, f board.Filters, offset, limit int) ([]board.Record, error)
	// Count returns the filtered size of one lane.
	Count(ctx context.Context, lane board.Lane, f board.Filters) (int, error)
	// Counts returns the filtered size of every lane.
	Counts(ctx context.Context, f board.Filters) (map[board.Lane]int, error)
}

// LockStore persists presence locks with compare-and-set semantics.
type LockStore interface {
	// AcquireLock grants the lock iff no non-expired lock exists. The check
	// and the write are one atomic operation. On refusal the current lock is
	// returned so the caller can report the holder.
	AcquireLock(ctx context.Context, recordID, holderID, label string, ttl time.Duration) (Lock, bool, error)
	// ReleaseLock clears the lock iff holderID matches the current non-expired
	// holder. A stale or foreign release is a no-op returning false.
	ReleaseLock(ctx context.Context, recordID, holderID string) (bool, error)
	// RefreshLock extends the expiry iff holderID still holds the lock.
	RefreshLock(ctx context.Context, recordID, holderID string, ttl time.Duration) (Lock, bool, error)
	// GetLock returns the current non-expired lock, if any.
	GetLock(ctx context.Context, recordID string) (Lock, bool, error)
}
