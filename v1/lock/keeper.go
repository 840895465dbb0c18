package lock

import (
	"context"
	"time"
)

// Keeper renews one held lock in the background while a detail view stays
// open. It stops on Stop, on context cancellation, or as soon as a refresh is
// refused (the lock was lost to expiry or a restart).
type Keeper struct {
	stop chan struct{}
	done chan struct{}
}

// Keep starts renewing recordID's lock for holderID at a third of the TTL.
func (m *Manager) Keep(ctx context.Context, recordID, holderID string) *Keeper {
	k := &Keeper{stop: make(chan struct{}), done: make(chan struct{})}
	interval := m.ttl / 3
	if interval <= 0 {
		interval = m.ttl
	}
	go func() {
		defer close(k.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, ok, err := m.Keepalive(ctx, recordID, holderID); err != nil || !ok {
					return
				}
			case <-k.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return k
}

// Stop halts renewal and waits for the loop to exit. It does not release the
// lock; callers release explicitly or let the TTL lapse.
func (k *Keeper) Stop() {
	select {
	case <-k.stop:
	default:
		close(k.stop)
	}
	<-k.done
}
