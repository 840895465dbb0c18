// Package coordinator implements the status transition coordinator, the sole
// authority allowed to change a record's lane. It validates the transition,
// persists it, and broadcasts a rendered snapshot of the result. Field
// mutations that change the rendered card (owner, reason) follow the same
// persist-render-publish path so viewers handle one uniform event shape.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rega1237/renova-crm-sub000/v1/board"
	"github.com/rega1237/renova-crm-sub000/v1/bus"
	boarderrors "github.com/rega1237/renova-crm-sub000/v1/errors"
	"github.com/rega1237/renova-crm-sub000/v1/event"
	"github.com/rega1237/renova-crm-sub000/v1/metrics"
	"github.com/rega1237/renova-crm-sub000/v1/store"
)

var tracer = otel.Tracer("github.com/rega1237/renova-crm-sub000/v1/coordinator")

// Actor identifies who initiated a mutation. ID is the viewer session id the
// reconciliation engines use for echo suppression; Label is for humans.
type Actor struct {
	ID    string
	Label string
}

// Coordinator owns every lane transition on one board.
type Coordinator struct {
	store    store.RecordStore
	bus      bus.Bus
	renderer board.Renderer
	boardID  string
	now      func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRenderer overrides the default card renderer.
func WithRenderer(r board.Renderer) Option {
	return func(c *Coordinator) { c.renderer = r }
}

// New returns a Coordinator for the given board.
func New(s store.RecordStore, b bus.Bus, boardID string, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    s,
		bus:      b,
		renderer: board.CardRenderer{},
		boardID:  boardID,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MoveRecord validates and persists a lane transition, then broadcasts the
// move with a rendered snapshot. Lane moves do not require a presence lock;
// locks protect detail-field edits, not lane placement. On any error the
// caller rolls back its optimistic local move.
func (c *Coordinator) MoveRecord(ctx context.Context, recordID string, from, to board.Lane, actor Actor) (board.Record, error) {
	ctx, span := tracer.Start(ctx, "Coordinator.MoveRecord",
		trace.WithAttributes(
			attribute.String("board.record", recordID),
			attribute.String("board.to_lane", string(to)),
		))
	defer span.End()

	if !to.Valid() {
		metrics.MoveFailureCounter.Inc()
		return board.Record{}, fmt.Errorf("coordinator: move %s: %w: %q", recordID, boarderrors.ErrBadLane, to)
	}
	now := c.now()
	r, err := c.store.MoveLane(ctx, recordID, to, now)
	if err != nil {
		metrics.MoveFailureCounter.Inc()
		return board.Record{}, fmt.Errorf("coordinator: move %s: %w", recordID, err)
	}
	metrics.MoveCounter.Inc()

	c.publish(ctx, event.Moved{
		ID:         event.NewID(),
		RecordID:   recordID,
		FromLane:   from,
		ToLane:     to,
		ActorID:    actor.ID,
		ActorLabel: actor.Label,
		Snapshot:   c.renderer.Render(r),
		At:         now,
	})
	return r, nil
}

// ReassignOwner persists a new owner and broadcasts the refreshed card.
func (c *Coordinator) ReassignOwner(ctx context.Context, recordID, owner string, actor Actor) (board.Record, error) {
	now := c.now()
	r, err := c.store.UpdateOwner(ctx, recordID, owner, now)
	if err != nil {
		return board.Record{}, fmt.Errorf("coordinator: reassign owner %s: %w", recordID, err)
	}
	c.publishField(ctx, r, "owner", actor, now)
	return r, nil
}

// UpdateReason persists a new reason and broadcasts the refreshed card.
func (c *Coordinator) UpdateReason(ctx context.Context, recordID, reason string, actor Actor) (board.Record, error) {
	now := c.now()
	r, err := c.store.UpdateReason(ctx, recordID, reason, now)
	if err != nil {
		return board.Record{}, fmt.Errorf("coordinator: update reason %s: %w", recordID, err)
	}
	c.publishField(ctx, r, "reason", actor, now)
	return r, nil
}

func (c *Coordinator) publishField(ctx context.Context, r board.Record, field string, actor Actor, at time.Time) {
	c.publish(ctx, event.FieldUpdated{
		ID:       event.NewID(),
		RecordID: r.ID,
		Field:    field,
		ActorID:  actor.ID,
		Snapshot: c.renderer.Render(r),
		At:       at,
	})
}

// publish is best effort: by the time an event exists its mutation has
// committed, so a bus failure never propagates to the caller.
func (c *Coordinator) publish(ctx context.Context, ev event.Event) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, bus.BoardChannel(c.boardID), ev); err == nil {
		metrics.EventsPublished.Inc()
	}
}
