package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/rega1237/renova-crm-sub000/v1/bus"
	"github.com/rega1237/renova-crm-sub000/v1/event"
	"github.com/rega1237/renova-crm-sub000/v1/metrics"
	"github.com/rega1237/renova-crm-sub000/v1/store"
)

// DefaultTTL is the lock lifetime between keepalives.
const DefaultTTL = 90 * time.Second

// Grant is the outcome of an acquire attempt. When refused, HeldBy and
// HolderLabel identify the current holder for UI messaging.
type Grant struct {
	Granted     bool
	HeldBy      string
	HolderLabel string
	ExpiresAt   time.Time
}

// Manager coordinates presence locks for one board. It persists through a
// LockStore and announces lock transitions on the broadcast bus.
type Manager struct {
	locks   store.LockStore
	bus     bus.Bus
	boardID string
	ttl     time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides the default lock TTL.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) { m.ttl = d }
}

// NewManager returns a Manager for the given board.
func NewManager(locks store.LockStore, b bus.Bus, boardID string, opts ...Option) *Manager {
	m := &Manager{locks: locks, bus: b, boardID: boardID, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the configured lock lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Acquire claims the record for holderID. It succeeds when no lock exists or
// the existing one has expired; otherwise the grant names the current holder.
// A conflict is information, not an error.
func (m *Manager) Acquire(ctx context.Context, recordID, holderID, label string) (Grant, error) {
	l, ok, err := m.locks.AcquireLock(ctx, recordID, holderID, label, m.ttl)
	if err != nil {
		return Grant{}, fmt.Errorf("lock: acquire %s: %w", recordID, err)
	}
	if !ok {
		metrics.LockConflictCounter.Inc()
		return Grant{HeldBy: l.HolderID, HolderLabel: l.HolderLabel, ExpiresAt: l.ExpiresAt}, nil
	}
	m.announce(ctx, recordID, event.Opened{
		ID: event.NewID(), RecordID: recordID,
		HolderID: holderID, HolderLabel: label, ExpiresAt: l.ExpiresAt,
	})
	return Grant{Granted: true, HeldBy: holderID, HolderLabel: label, ExpiresAt: l.ExpiresAt}, nil
}

// Release clears the lock when holderID is the current non-expired holder.
// Stale and foreign releases return false without touching the lock.
func (m *Manager) Release(ctx context.Context, recordID, holderID string) (bool, error) {
	ok, err := m.locks.ReleaseLock(ctx, recordID, holderID)
	if err != nil {
		return false, fmt.Errorf("lock: release %s: %w", recordID, err)
	}
	if ok {
		m.announce(ctx, recordID, event.Closed{
			ID: event.NewID(), RecordID: recordID, HolderID: holderID,
		})
	}
	return ok, nil
}

// Keepalive extends the lock while holderID still owns it and returns the new
// expiry.
func (m *Manager) Keepalive(ctx context.Context, recordID, holderID string) (time.Time, bool, error) {
	l, ok, err := m.locks.RefreshLock(ctx, recordID, holderID, m.ttl)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("lock: keepalive %s: %w", recordID, err)
	}
	if !ok {
		return time.Time{}, false, nil
	}
	return l.ExpiresAt, true, nil
}

// Inspect reports the current non-expired lock, if any.
func (m *Manager) Inspect(ctx context.Context, recordID string) (store.Lock, bool, error) {
	l, ok, err := m.locks.GetLock(ctx, recordID)
	if err != nil {
		return store.Lock{}, false, fmt.Errorf("lock: inspect %s: %w", recordID, err)
	}
	return l, ok, nil
}

// announce publishes to the board channel and the record channel. The lock
// mutation has already committed, so delivery is best effort.
func (m *Manager) announce(ctx context.Context, recordID string, ev event.Event) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, bus.BoardChannel(m.boardID), ev); err == nil {
		metrics.EventsPublished.Inc()
	}
	if err := m.bus.Publish(ctx, bus.RecordChannel(recordID), ev); err == nil {
		metrics.EventsPublished.Inc()
	}
}
