// Package event defines the closed set of broadcast event variants and the
// JSON envelope they travel in. Payloads are decoded exactly once, at the bus
// boundary; everything past the bus works with typed variants, never with
// free-form action maps.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rega1237/renova-crm-sub000/v1/board"
	boarderrors "github.com/rega1237/renova-crm-sub000/v1/errors"
)

// Kind tags an event variant. The wire values are fixed.
type Kind string

const (
	KindMoved        Kind = "client_moved"
	KindOpened       Kind = "client_opened"
	KindClosed       Kind = "client_closed"
	KindFieldUpdated Kind = "field_updated"
)

// Event is one immutable fact about a record, fanned out to board viewers.
type Event interface {
	Kind() Kind
	EventID() string
	Record() string
}

// Moved reports a committed lane transition.
type Moved struct {
	ID         string
	RecordID   string
	FromLane   board.Lane
	ToLane     board.Lane
	ActorID    string
	ActorLabel string
	Snapshot   board.Snapshot
	At         time.Time
}

func (e Moved) Kind() Kind      { return KindMoved }
func (e Moved) EventID() string { return e.ID }
func (e Moved) Record() string  { return e.RecordID }

// Opened reports a presence lock acquisition.
type Opened struct {
	ID          string
	RecordID    string
	HolderID    string
	HolderLabel string
	ExpiresAt   time.Time
}

func (e Opened) Kind() Kind      { return KindOpened }
func (e Opened) EventID() string { return e.ID }
func (e Opened) Record() string  { return e.RecordID }

// Closed reports a presence lock release.
type Closed struct {
	ID       string
	RecordID string
	HolderID string
}

func (e Closed) Kind() Kind      { return KindClosed }
func (e Closed) EventID() string { return e.ID }
func (e Closed) Record() string  { return e.RecordID }

// FieldUpdated reports a non-lane mutation that changed the rendered card
// (owner reassignment, reason edit). All such mutations share this one shape.
type FieldUpdated struct {
	ID       string
	RecordID string
	Field    string
	ActorID  string
	Snapshot board.Snapshot
	At       time.Time
}

func (e FieldUpdated) Kind() Kind      { return KindFieldUpdated }
func (e FieldUpdated) EventID() string { return e.ID }
func (e FieldUpdated) Record() string  { return e.RecordID }

// NewID returns a fresh event id used for at-least-once deduplication.
func NewID() string { return uuid.NewString() }

// envelope is the single wire shape for every variant. Fields not valid for a
// given action stay empty and are omitted.
type envelope struct {
	Action     Kind            `json:"action"`
	ID         string          `json:"id"`
	RecordID   string          `json:"recordId"`
	ActorID    string          `json:"actorId,omitempty"`
	ActorLabel string          `json:"actorLabel,omitempty"`
	FromLane   board.Lane      `json:"fromLane,omitempty"`
	ToLane     board.Lane      `json:"toLane,omitempty"`
	Field      string          `json:"field,omitempty"`
	Snapshot   *board.Snapshot `json:"renderedSnapshot,omitempty"`
	ExpiresAt  time.Time       `json:"expiresAt,omitempty"`
	At         time.Time       `json:"at,omitempty"`
}

// Marshal encodes an event into its wire envelope.
func Marshal(ev Event) ([]byte, error) {
	var env envelope
	switch e := ev.(type) {
	case Moved:
		snap := e.Snapshot
		env = envelope{
			Action: KindMoved, ID: e.ID, RecordID: e.RecordID,
			ActorID: e.ActorID, ActorLabel: e.ActorLabel,
			FromLane: e.FromLane, ToLane: e.ToLane,
			Snapshot: &snap, At: e.At,
		}
	case Opened:
		env = envelope{
			Action: KindOpened, ID: e.ID, RecordID: e.RecordID,
			ActorID: e.HolderID, ActorLabel: e.HolderLabel, ExpiresAt: e.ExpiresAt,
		}
	case Closed:
		env = envelope{Action: KindClosed, ID: e.ID, RecordID: e.RecordID, ActorID: e.HolderID}
	case FieldUpdated:
		snap := e.Snapshot
		env = envelope{
			Action: KindFieldUpdated, ID: e.ID, RecordID: e.RecordID,
			ActorID: e.ActorID, Field: e.Field, Snapshot: &snap, At: e.At,
		}
	default:
		return nil, fmt.Errorf("event: %w: %T", boarderrors.ErrUnknownAction, ev)
	}
	return json.Marshal(env)
}

// Unmarshal decodes a wire envelope back into its typed variant.
func Unmarshal(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("event: decode envelope: %w", err)
	}
	switch env.Action {
	case KindMoved:
		e := Moved{
			ID: env.ID, RecordID: env.RecordID,
			ActorID: env.ActorID, ActorLabel: env.ActorLabel,
			FromLane: env.FromLane, ToLane: env.ToLane, At: env.At,
		}
		if env.Snapshot != nil {
			e.Snapshot = *env.Snapshot
		}
		return e, nil
	case KindOpened:
		return Opened{
			ID: env.ID, RecordID: env.RecordID,
			HolderID: env.ActorID, HolderLabel: env.ActorLabel, ExpiresAt: env.ExpiresAt,
		}, nil
	case KindClosed:
		return Closed{ID: env.ID, RecordID: env.RecordID, HolderID: env.ActorID}, nil
	case KindFieldUpdated:
		e := FieldUpdated{
			ID: env.ID, RecordID: env.RecordID,
			ActorID: env.ActorID, Field: env.Field, At: env.At,
		}
		if env.Snapshot != nil {
			e.Snapshot = *env.Snapshot
		}
		return e, nil
	default:
		return nil, fmt.Errorf("event: %w: %q", boarderrors.ErrUnknownAction, env.Action)
	}
}
