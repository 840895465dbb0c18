package board

import (
	"fmt"
	"html"
	"time"
)

// Snapshot is the rendered projection of a record that travels inside
// broadcast events. It carries everything a remote viewer needs to place the
// card without fetching the record again.
type Snapshot struct {
	RecordID string            `json:"recordId"`
	Lane     Lane              `json:"lane"`
	Title    string            `json:"title"`
	Owner    string            `json:"owner"`
	Fields   map[string]string `json:"fields,omitempty"`
	HTML     string            `json:"html,omitempty"`
	SortKey  time.Time         `json:"sortKey"`
}

// Renderer turns a record into its snapshot. Implementations must be pure:
// the snapshot is a projection of the record, never of ambient state.
type Renderer interface {
	Render(r Record) Snapshot
}

// CardRenderer is the default Renderer. It produces structured fields plus a
// small HTML fragment for viewers that insert markup directly.
type CardRenderer struct{}

// Render implements Renderer.
func (CardRenderer) Render(r Record) Snapshot {
	fields := map[string]string{
		"source": r.Source,
		"region": r.Region,
	}
	if r.Reason != "" {
		fields["reason"] = r.Reason
	}
	return Snapshot{
		RecordID: r.ID,
		Lane:     r.Lane,
		Title:    r.Title,
		Owner:    r.Owner,
		Fields:   fields,
		HTML: fmt.Sprintf(
			`<div class="card" data-record-id=%q data-lane=%q><span class="title">%s</span><span class="owner">%s</span></div>`,
			r.ID, r.Lane, html.EscapeString(r.Title), html.EscapeString(r.Owner)),
		SortKey: r.SortKey(),
	}
}
