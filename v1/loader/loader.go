// Package loader implements the paginated lane loader. Pages and counts run
// the same filter predicate against the same store, lane ordering rides on a
// move-stable timestamp so later pages never re-show earlier records, and an
// empty page is the terminal signal for infinite scroll. Counts are cached
// briefly and concurrent misses for the same filter set are collapsed, since
// every connected viewer recomputes counts after every move.
package loader

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"

	"github.com/rega1237/renova-crm-sub000/v1/board"
	"github.com/rega1237/renova-crm-sub000/v1/store"
)

// DefaultPageSize is used when a request does not name a limit.
const DefaultPageSize = 50

// countCacheTTL keeps counts hot across one burst of viewer refreshes without
// letting them go meaningfully stale.
const countCacheTTL = 2 * time.Second

// Loader serves lane pages and counts.
type Loader struct {
	store    store.RecordStore
	renderer board.Renderer
	counts   *ristretto.Cache
	group    singleflight.Group
}

// Option configures a Loader.
type Option func(*Loader)

// WithRenderer overrides the default card renderer.
func WithRenderer(r board.Renderer) Option {
	return func(l *Loader) { l.renderer = r }
}

// New returns a Loader over the given record store.
func New(s store.RecordStore, opts ...Option) *Loader {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		panic(err)
	}
	l := &Loader{store: s, renderer: board.CardRenderer{}, counts: cache}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoadPage returns one rendered page of a lane. An empty page means the lane
// is exhausted under the current filters; the viewer stops requesting more
// until a manual refresh.
func (l *Loader) LoadPage(ctx context.Context, lane board.Lane, f board.Filters, offset, limit int) ([]board.Snapshot, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if offset < 0 {
		offset = 0
	}
	records, err := l.store.List(ctx, lane, f, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("loader: page %s@%d: %w", lane, offset, err)
	}
	out := make([]board.Snapshot, len(records))
	for i, r := range records {
		out[i] = l.renderer.Render(r)
	}
	return out, nil
}

// Count returns the filtered size of one lane.
func (l *Loader) Count(ctx context.Context, lane board.Lane, f board.Filters) (int, error) {
	counts, err := l.Counts(ctx, f)
	if err != nil {
		return 0, err
	}
	return counts[lane], nil
}

// Counts returns the filtered size of every lane. Results are cached for a
// short TTL and concurrent misses share one store query.
func (l *Loader) Counts(ctx context.Context, f board.Filters) (map[board.Lane]int, error) {
	key := "counts|" + f.Key()
	if v, ok := l.counts.Get(key); ok {
		return v.(map[board.Lane]int), nil
	}
	v, err, _ := l.group.Do(key, func() (any, error) {
		counts, err := l.store.Counts(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("loader: counts: %w", err)
		}
		l.counts.SetWithTTL(key, counts, 1, countCacheTTL)
		l.counts.Wait()
		return counts, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[board.Lane]int), nil
}

// Invalidate drops cached counts for a filter set after a local mutation so
// the initiating viewer sees fresh numbers immediately.
func (l *Loader) Invalidate(f board.Filters) {
	l.counts.Del("counts|" + f.Key())
}
