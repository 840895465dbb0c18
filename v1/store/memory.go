package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rega1237/renova-crm-sub000/v1/board"
	boarderrors "github.com/rega1237/renova-crm-sub000/v1/errors"
)

// InMemory implements RecordStore and LockStore in process memory. The mutex
// serializes every lock operation, which is what makes the check-then-write
// of AcquireLock atomic.
type InMemory struct {
	mu      sync.Mutex
	records map[string]board.Record
	locks   map[string]Lock

	now func() time.Time
}

// NewInMemory returns an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{
		records: make(map[string]board.Record),
		locks:   make(map[string]Lock),
		now:     time.Now,
	}
}

// Get implements RecordStore.Get.
func (s *InMemory) Get(ctx context.Context, id string) (board.Record, error) {
	s.mu.Lock()
	r, ok := s.records[id]
	s.mu.Unlock()
	if !ok {
		return board.Record{}, boarderrors.ErrNotFound
	}
	return r, nil
}

// Put implements RecordStore.Put.
func (s *InMemory) Put(ctx context.Context, r board.Record) error {
	s.mu.Lock()
	s.records[r.ID] = r
	s.mu.Unlock()
	return nil
}

// MoveLane implements RecordStore.MoveLane.
func (s *InMemory) MoveLane(ctx context.Context, id string, to board.Lane, now time.Time) (board.Record, error) {
	if !to.Valid() {
		return board.Record{}, boarderrors.ErrBadLane
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return board.Record{}, boarderrors.ErrNotFound
	}
	r.Lane = to
	r.LastLaneChangeAt = now
	r.UpdatedAt = now
	s.records[id] = r
	return r, nil
}

// UpdateOwner implements RecordStore.UpdateOwner.
func (s *InMemory) UpdateOwner(ctx context.Context, id, owner string, now time.Time) (board.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return board.Record{}, boarderrors.ErrNotFound
	}
	r.Owner = owner
	r.UpdatedAt = now
	s.records[id] = r
	return r, nil
}

// UpdateReason implements RecordStore.UpdateReason.
func (s *InMemory) UpdateReason(ctx context.Context, id, reason string, now time.Time) (board.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return board.Record{}, boarderrors.ErrNotFound
	}
	r.Reason = reason
	r.UpdatedAt = now
	s.records[id] = r
	return r, nil
}

func (s *InMemory) laneRecords(lane board.Lane, f board.Filters) []board.Record {
	out := make([]board.Record, 0)
	for _, r := range s.records {
		if r.Lane == lane && f.Match(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ki, kj := out[i].SortKey(), out[j].SortKey()
		if !ki.Equal(kj) {
			return ki.After(kj)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// List implements RecordStore.List.
func (s *InMemory) List(ctx context.Context, lane board.Lane, f board.Filters, offset, limit int) ([]board.Record, error) {
	if !lane.Valid() {
		return nil, boarderrors.ErrBadLane
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.laneRecords(lane, f)
	if offset >= len(all) {
		return []board.Record{}, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	page := make([]board.Record, end-offset)
	copy(page, all[offset:end])
	return page, nil
}

// Count implements RecordStore.Count.
func (s *InMemory) Count(ctx context.Context, lane board.Lane, f board.Filters) (int, error) {
	if !lane.Valid() {
		return 0, boarderrors.ErrBadLane
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.laneRecords(lane, f)), nil
}

// Counts implements RecordStore.Counts.
func (s *InMemory) Counts(ctx context.Context, f board.Filters) (map[board.Lane]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[board.Lane]int, len(board.Lanes()))
	for _, lane := range board.Lanes() {
		counts[lane] = 0
	}
	for _, r := range s.records {
		if f.Match(r) {
			counts[r.Lane]++
		}
	}
	return counts, nil
}

// AcquireLock implements LockStore.AcquireLock.
func (s *InMemory) AcquireLock(ctx context.Context, recordID, holderID, label string, ttl time.Duration) (Lock, bool, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.locks[recordID]; ok && !cur.Expired(now) {
		return cur, false, nil
	}
	l := Lock{RecordID: recordID, HolderID: holderID, HolderLabel: label, ExpiresAt: now.Add(ttl)}
	s.locks[recordID] = l
	return l, true, nil
}

// ReleaseLock implements LockStore.ReleaseLock.
func (s *InMemory) ReleaseLock(ctx context.Context, recordID, holderID string) (bool, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.locks[recordID]
	if !ok || cur.Expired(now) || cur.HolderID != holderID {
		return false, nil
	}
	delete(s.locks, recordID)
	return true, nil
}

// RefreshLock implements LockStore.RefreshLock.
func (s *InMemory) RefreshLock(ctx context.Context, recordID, holderID string, ttl time.Duration) (Lock, bool, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.locks[recordID]
	if !ok || cur.Expired(now) || cur.HolderID != holderID {
		return Lock{}, false, nil
	}
	cur.ExpiresAt = now.Add(ttl)
	s.locks[recordID] = cur
	return cur, true, nil
}

// GetLock implements LockStore.GetLock.
func (s *InMemory) GetLock(ctx context.Context, recordID string) (Lock, bool, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.locks[recordID]
	if !ok || cur.Expired(now) {
		return Lock{}, false, nil
	}
	return cur, true, nil
}
