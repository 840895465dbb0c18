// Package reconcile implements the client-side reconciliation engine: the
// per-viewer session that mirrors one board, applies broadcast events to its
// local projection, suppresses echoes of its own moves, and falls back to a
// full reload whenever the event stream cannot be trusted. The projection is
// not event-sourced; after any gap the session refetches pages instead of
// replaying history.
package reconcile
