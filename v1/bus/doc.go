// Package bus implements the change broadcast bus: pub/sub fan-out of board
// events with in-memory, Redis, NATS and Kafka backends, a circuit breaker
// decorator, and HTTP handlers that stream a channel over WebSocket or SSE.
//
// Every backend carries the event envelope defined by package event and
// decodes it exactly once, on receipt, so subscribers only ever see typed
// variants. Publishing is best-effort by design: the mutation an event
// describes has already committed by the time it reaches the bus.
package bus
