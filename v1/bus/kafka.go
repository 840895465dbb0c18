package bus

import (
	"context"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"

	"github.com/rega1237/renova-crm-sub000/v1/event"
)

type kafkaSubscription struct {
	pc    sarama.PartitionConsumer
	chans []chan event.Event
}

// KafkaBus implements Bus using a Kafka backend. One topic per channel,
// partition 0, newest offset: Kafka's per-partition ordering gives the
// per-channel FIFO guarantee and late subscribers see no history.
type KafkaBus struct {
	producer  sarama.SyncProducer
	consumer  sarama.Consumer
	mu        sync.Mutex
	subs      map[string]*kafkaSubscription
	published uint64
	delivered uint64
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		subs:     make(map[string]*kafkaSubscription),
	}, nil
}

func topic(channel string) string { return subject(channel) }

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, channel string, ev event.Event) error {
	data, err := event.Marshal(ev)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{Topic: topic(channel), Value: sarama.ByteEncoder(data)}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	atomic.AddUint64(&b.published, 1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, channel string) (<-chan event.Event, error) {
	ch := make(chan event.Event, subscriberBuffer)
	b.mu.Lock()
	sub := b.subs[channel]
	if sub == nil {
		pc, err := b.consumer.ConsumePartition(topic(channel), 0, sarama.OffsetNewest)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub = &kafkaSubscription{pc: pc}
		b.subs[channel] = sub
		go b.dispatch(sub, channel)
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), channel, ch)
	}()
	return ch, nil
}

func (b *KafkaBus) dispatch(sub *kafkaSubscription, channel string) {
	for msg := range sub.pc.Messages() {
		ev, err := event.Unmarshal(msg.Value)
		if err != nil {
			continue
		}
		b.mu.Lock()
		s := b.subs[channel]
		if s == nil {
			b.mu.Unlock()
			return
		}
		chans := append([]chan event.Event(nil), s.chans...)
		b.mu.Unlock()
		for _, ch := range chans {
			select {
			case ch <- ev:
				atomic.AddUint64(&b.delivered, 1)
			default:
			}
		}
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, channel string, ch <-chan event.Event) error {
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
		return sub.pc.Close()
	}
	b.mu.Unlock()
	return nil
}

// Close shuts down the producer and consumer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	for channel, sub := range b.subs {
		_ = sub.pc.Close()
		for _, ch := range sub.chans {
			close(ch)
		}
		delete(b.subs, channel)
	}
	b.mu.Unlock()
	if err := b.producer.Close(); err != nil {
		_ = b.consumer.Close()
		return err
	}
	return b.consumer.Close()
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
