package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rega1237/renova-crm-sub000/v1/event"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreakerBus decorates a Bus with circuit breaker logic on the publish
// path. A board mutation never waits behind a dead broker: once the breaker
// opens, publishes fail fast until a probe succeeds.
type CircuitBreakerBus struct {
	bus       Bus
	mu        sync.RWMutex
	state     breakerState
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker returns a new CircuitBreakerBus.
func NewCircuitBreaker(bus Bus, threshold int, timeout time.Duration) *CircuitBreakerBus {
	return &CircuitBreakerBus{
		bus:       bus,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// IsHealthy returns true if the circuit is closed.
func (cb *CircuitBreakerBus) IsHealthy() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

func (cb *CircuitBreakerBus) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		return false // one probe at a time
	}
	return false
}

func (cb *CircuitBreakerBus) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case stateHalfOpen:
		cb.state = stateClosed
		cb.failures = 0
	case stateClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreakerBus) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateClosed && cb.failures >= cb.threshold {
		cb.state = stateOpen
	} else if cb.state == stateHalfOpen {
		cb.state = stateOpen
	}
}

// Publish implements Bus.Publish with circuit breaker logic.
func (cb *CircuitBreakerBus) Publish(ctx context.Context, channel string, ev event.Event) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := cb.bus.Publish(ctx, channel, ev)
	if err != nil {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return nil
}

// Subscribe delegates to the wrapped bus; only publishes are breaker-guarded.
func (cb *CircuitBreakerBus) Subscribe(ctx context.Context, channel string) (<-chan event.Event, error) {
	return cb.bus.Subscribe(ctx, channel)
}

func (cb *CircuitBreakerBus) Unsubscribe(ctx context.Context, channel string, ch <-chan event.Event) error {
	return cb.bus.Unsubscribe(ctx, channel, ch)
}
