package bus

import (
	"context"
	stdErrors "errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	boarderrors "github.com/rega1237/renova-crm-sub000/v1/errors"
	"github.com/rega1237/renova-crm-sub000/v1/event"
)

const (
	redisBusTimeout   = 5 * time.Second
	processedHighMark = 8192
)

var tracer = otel.Tracer("github.com/rega1237/renova-crm-sub000/v1/bus")

type redisSubscription struct {
	pubsub *redis.PubSub
	chans  []chan event.Event
}

// RedisBus implements Bus over Redis pub/sub so multiple server processes
// share one board. Each message carries the full event envelope.
type RedisBus struct {
	client *redis.Client

	mu        sync.Mutex
	subs      map[string]*redisSubscription
	processed map[string]struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewRedisBus returns a new RedisBus using the provided Redis client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{
		client:    client,
		subs:      make(map[string]*redisSubscription),
		processed: make(map[string]struct{}),
	}
}

// Close closes all subscriptions.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		_ = sub.pubsub.Close()
		for _, ch := range sub.chans {
			close(ch)
		}
	}
	b.subs = make(map[string]*redisSubscription)
	return nil
}

// Publish implements Bus.Publish. A publish that keeps failing is retried
// with backoff and jitter until the context expires; losing the event is
// acceptable, failing the already-committed mutation is not, so callers
// treat the returned error as advisory.
func (b *RedisBus) Publish(ctx context.Context, channel string, ev event.Event) error {
	ctx, span := tracer.Start(ctx, "RedisBus.Publish",
		trace.WithAttributes(
			attribute.String("board.bus.channel", channel),
			attribute.String("board.bus.action", string(ev.Kind())),
		))
	defer span.End()

	if err := ctx.Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return boarderrors.ErrTimeout
		}
		return err
	}

	data, err := event.Marshal(ev)
	if err != nil {
		return err
	}

	backoff := 100 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		err = b.conn().Publish(cctx, channel, data).Err()
		cancel()
		if err == nil {
			b.published.Add(1)
			return nil
		}
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return boarderrors.ErrTimeout
		}
		_ = b.reconnect()
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		jitter := time.Duration(rand.Int63n(int64(backoff)))
		time.Sleep(backoff + jitter)
		if backoff < time.Second {
			backoff *= 2
		}
	}
	return err
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (<-chan event.Event, error) {
	if err := ctx.Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, boarderrors.ErrTimeout
		}
		return nil, err
	}

	ch := make(chan event.Event, subscriberBuffer)
	b.mu.Lock()
	sub, ok := b.subs[channel]
	if ok {
		sub.chans = append(sub.chans, ch)
		b.mu.Unlock()
	} else {
		b.mu.Unlock()
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		ps := b.conn().Subscribe(cctx, channel)
		_, err := ps.Receive(cctx)
		cancel()
		if err != nil {
			_ = ps.Close()
			if stdErrors.Is(err, context.DeadlineExceeded) {
				return nil, boarderrors.ErrTimeout
			}
			return nil, err
		}
		b.mu.Lock()
		sub = &redisSubscription{pubsub: ps, chans: []chan event.Event{ch}}
		b.subs[channel] = sub
		b.mu.Unlock()
		go b.dispatch(channel, sub)
	}

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), channel, ch)
	}()
	return ch, nil
}

func (b *RedisBus) dispatch(channel string, sub *redisSubscription) {
	for msg := range sub.pubsub.Channel() {
		ev, err := event.Unmarshal([]byte(msg.Payload))
		if err != nil {
			continue
		}
		b.mu.Lock()
		if _, ok := b.processed[ev.EventID()]; ok {
			b.mu.Unlock()
			continue
		}
		if len(b.processed) >= processedHighMark {
			b.processed = make(map[string]struct{})
		}
		b.processed[ev.EventID()] = struct{}{}
		chans := append([]chan event.Event(nil), sub.chans...)
		b.mu.Unlock()

		for _, ch := range chans {
			select {
			case ch <- ev:
				b.delivered.Add(1)
			default:
			}
		}
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, channel string, ch <-chan event.Event) error {
	if err := ctx.Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return boarderrors.ErrTimeout
		}
		return err
	}
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
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		defer cancel()
		_ = sub.pubsub.Unsubscribe(cctx, channel)
		if err := sub.pubsub.Close(); err != nil {
			if stdErrors.Is(err, redis.ErrClosed) {
				return boarderrors.ErrConnectionClosed
			}
			return err
		}
		return nil
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

// conn returns the current client; reconnect may swap it concurrently.
func (b *RedisBus) conn() *redis.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client
}

func (b *RedisBus) reconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil && b.client.Ping(context.Background()).Err() == nil {
		return nil
	}
	opts := b.client.Options()
	b.client = redis.NewClient(opts)
	for channel, sub := range b.subs {
		_ = sub.pubsub.Close()
		ps := b.client.Subscribe(context.Background(), channel)
		_, _ = ps.Receive(context.Background())
		sub.pubsub = ps
		go b.dispatch(channel, sub)
	}
	return nil
}
