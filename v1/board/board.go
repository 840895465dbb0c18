package board

import (
	"fmt"
	"strings"
	"time"
)

// Lane is one pipeline stage. A record belongs to exactly one lane at any
// instant; lanes are a partition key over records, not separate storage.
type Lane string

const (
	LaneLead        Lane = "lead"
	LaneNoAnswer    Lane = "no_answer"
	LaneScheduled   Lane = "scheduled"
	LaneRescheduled Lane = "rescheduled"
	LaneWon         Lane = "won"
	LaneLostPrice   Lane = "lost_price"
	LaneLostContact Lane = "lost_contact"
)

var laneOrder = []Lane{
	LaneLead,
	LaneNoAnswer,
	LaneScheduled,
	LaneRescheduled,
	LaneWon,
	LaneLostPrice,
	LaneLostContact,
}

// Lanes returns the fixed lane set in board order.
func Lanes() []Lane {
	out := make([]Lane, len(laneOrder))
	copy(out, laneOrder)
	return out
}

// Valid reports whether l is one of the known lanes.
func (l Lane) Valid() bool {
	for _, known := range laneOrder {
		if l == known {
			return true
		}
	}
	return false
}

// ParseLane converts a wire value into a Lane.
func ParseLane(s string) (Lane, error) {
	l := Lane(s)
	if !l.Valid() {
		return "", fmt.Errorf("board: unknown lane %q", s)
	}
	return l, nil
}

// Record is the movable unit of the board.
type Record struct {
	ID               string
	Lane             Lane
	Title            string
	Owner            string
	Source           string
	Region           string
	Reason           string
	CreatedAt        time.Time
	LastLaneChangeAt time.Time // zero if the record never left its first lane
	UpdatedAt        time.Time
}

// SortKey returns the timestamp the lane ordering is built on. The lead lane
// orders by creation time; every other lane orders by the last lane change,
// falling back to creation time. The key only changes when the record itself
// moves, so pagination offsets stay stable under concurrent moves of other
// records.
func (r Record) SortKey() time.Time {
	if r.Lane == LaneLead || r.LastLaneChangeAt.IsZero() {
		return r.CreatedAt
	}
	return r.LastLaneChangeAt
}

// Filters narrows a lane query. The zero value matches everything.
type Filters struct {
	Search string
	Source string
	Region string
	From   time.Time
	To     time.Time
}

// Match reports whether r passes the filter set. Page and count queries share
// this predicate so "N of M" counts cannot drift from the loaded pages.
func (f Filters) Match(r Record) bool {
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(r.Title), needle) &&
			!strings.Contains(strings.ToLower(r.Owner), needle) {
			return false
		}
	}
	if f.Source != "" && r.Source != f.Source {
		return false
	}
	if f.Region != "" && r.Region != f.Region {
		return false
	}
	if !f.From.IsZero() && r.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && r.CreatedAt.After(f.To) {
		return false
	}
	return true
}

// Key returns a canonical string for the filter set, usable as a cache key.
func (f Filters) Key() string {
	var b strings.Builder
	b.WriteString(f.Search)
	b.WriteByte('|')
	b.WriteString(f.Source)
	b.WriteByte('|')
	b.WriteString(f.Region)
	b.WriteByte('|')
	if !f.From.IsZero() {
		b.WriteString(f.From.UTC().Format(time.RFC3339))
	}
	b.WriteByte('|')
	if !f.To.IsZero() {
		b.WriteString(f.To.UTC().Format(time.RFC3339))
	}
	return b.String()
}
