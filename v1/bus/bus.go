package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rega1237/renova-crm-sub000/v1/event"
)

// Bus fans broadcast events out to every current subscriber of a channel.
// Delivery is at-least-once to connected subscribers, in publish order per
// channel; there is no replay for late subscribers.
type Bus interface {
	Publish(ctx context.Context, channel string, ev event.Event) error
	Subscribe(ctx context.Context, channel string) (<-chan event.Event, error)
	Unsubscribe(ctx context.Context, channel string, ch <-chan event.Event) error
}

// BoardChannel names the board-wide channel all viewers of a board join.
func BoardChannel(boardID string) string { return "board:" + boardID }

// RecordChannel names the per-record channel used by lock-only listeners.
func RecordChannel(recordID string) string { return "record:" + recordID }

// subscriberBuffer bounds each subscriber channel. A viewer that falls this
// far behind loses events and must re-fetch on reconnect.
const subscriberBuffer = 64

// InMemoryBus is a local implementation of Bus for single-process deployments
// and tests.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan event.Event
	published uint64
	delivered uint64
	dropped   uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan event.Event)}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, channel string, ev event.Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.mu.Lock()
	chans := append([]chan event.Event(nil), b.subs[channel]...)
	b.mu.Unlock()
	atomic.AddUint64(&b.published, 1)
	for _, ch := range chans {
		select {
		case ch <- ev:
			atomic.AddUint64(&b.delivered, 1)
		default:
			atomic.AddUint64(&b.dropped, 1)
		}
	}
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, channel string) (<-chan event.Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	ch := make(chan event.Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), channel, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, channel string, ch <-chan event.Event) error {
	b.mu.Lock()
	subs := b.subs[channel]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			b.subs[channel] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, channel)
	}
	b.mu.Unlock()
	return nil
}

// Metrics reports bus publish and delivery counts.
type Metrics struct {
	Published uint64
	Delivered uint64
	Dropped   uint64
}

func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
		Dropped:   atomic.LoadUint64(&b.dropped),
	}
}
