package bus

import (
	"context"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"

	"github.com/rega1237/renova-crm-sub000/v1/event"
)

type natsSubscription struct {
	sub   *nats.Subscription
	chans []chan event.Event
}

// NATSBus implements Bus using a NATS backend.
type NATSBus struct {
	conn      *nats.Conn
	mu        sync.Mutex
	subs      map[string]*natsSubscription
	published uint64
	delivered uint64
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn: conn,
		subs: make(map[string]*natsSubscription),
	}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, channel string, ev event.Event) error {
	data, err := event.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(subject(channel), data); err != nil {
		return err
	}
	atomic.AddUint64(&b.published, 1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, channel string) (<-chan event.Event, error) {
	ch := make(chan event.Event, subscriberBuffer)
	b.mu.Lock()
	sub := b.subs[channel]
	if sub == nil {
		ns, err := b.conn.Subscribe(subject(channel), func(msg *nats.Msg) {
			ev, err := event.Unmarshal(msg.Data)
			if err != nil {
				return
			}
			b.mu.Lock()
			s := b.subs[channel]
			if s == nil {
				b.mu.Unlock()
				return
			}
			chans := append([]chan event.Event(nil), s.chans...)
			b.mu.Unlock()
			for _, c := range chans {
				select {
				case c <- ev:
					atomic.AddUint64(&b.delivered, 1)
				default:
				}
			}
		})
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub = &natsSubscription{sub: ns}
		b.subs[channel] = sub
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), channel, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, channel string, ch <-chan event.Event) error {
	b.mu.Lock()
	sub := b.subs[channel]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) == 0 {
		delete(b.subs, channel)
		b.mu.Unlock()
		return sub.sub.Unsubscribe()
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}

// subject maps a channel name to a NATS subject. Channel names use ':' as the
// namespace separator, NATS subjects use '.'.
func subject(channel string) string {
	out := []byte(channel)
	for i, c := range out {
		if c == ':' {
			out[i] = '.'
		}
	}
	return string(out)
}
