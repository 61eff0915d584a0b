// Package results executes queries against the store and keeps live,
// ordered projections of them current as change events arrive.
package results

import (
	"context"
	"iter"
	"time"

	"github.com/lazypower/rankd/internal/metrics"
	"github.com/lazypower/rankd/internal/query"
	"github.com/lazypower/rankd/internal/usage"
)

// DefaultChunkSize is how many rows a ResultSet fetches per round trip.
const DefaultChunkSize = 50

// Source is the store capability a ResultSet reads from.
type Source interface {
	FetchResults(ctx context.Context, r query.Resolved, now time.Time, offset, limit int) ([]usage.Result, error)
	Available(ctx context.Context) error
}

// EnvFunc reports the live values :current resolves to.
type EnvFunc func() query.Env

// ResultSet is a lazy, restartable listing of one query. Each iteration
// resolves sentinels afresh, so a later pass may see newer data or a
// different current activity.
type ResultSet struct {
	src   Source
	q     query.Query
	env   EnvFunc
	now   func() time.Time
	chunk int
}

// Option configures a ResultSet.
type Option func(*ResultSet)

// WithChunkSize sets the page size used while iterating.
func WithChunkSize(n int) Option {
	return func(rs *ResultSet) {
		if n > 0 {
			rs.chunk = n
		}
	}
}

// WithClock sets the time scores are decayed to.
func WithClock(now func() time.Time) Option {
	return func(rs *ResultSet) {
		if now != nil {
			rs.now = now
		}
	}
}

// NewResultSet validates q and checks the store is reachable. It never
// returns a ResultSet that cannot iterate.
func NewResultSet(ctx context.Context, src Source, q query.Query, env EnvFunc, opts ...Option) (*ResultSet, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if err := src.Available(ctx); err != nil {
		if usage.IsCode(err, usage.StoreUnavailable) {
			return nil, err
		}
		return nil, usage.NewError(usage.StoreUnavailable, "result set", err)
	}
	if env == nil {
		env = func() query.Env { return query.Env{} }
	}
	rs := &ResultSet{src: src, q: q, env: env, now: time.Now, chunk: DefaultChunkSize}
	for _, o := range opts {
		o(rs)
	}
	return rs, nil
}

func (rs *ResultSet) Query() query.Query { return rs.q }

// Resolve binds the query against the current environment.
func (rs *ResultSet) Resolve() query.Resolved {
	return query.Resolve(rs.q, rs.env())
}

// Page fetches up to limit rows starting at offset.
func (rs *ResultSet) Page(ctx context.Context, offset, limit int) ([]usage.Result, error) {
	return rs.fetch(ctx, rs.Resolve(), rs.now(), offset, limit)
}

// fetch reads one page with scores decayed to at.
func (rs *ResultSet) fetch(ctx context.Context, r query.Resolved, at time.Time, offset, limit int) ([]usage.Result, error) {
	start := time.Now()
	page, err := rs.src.FetchResults(ctx, r, at, offset, limit)
	metrics.QueryDuration.WithLabelValues(r.Selection.String()).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, usage.NewError(usage.StoreUnavailable, "fetch results", err)
	}
	return page, nil
}

// At returns the row at position i of a fresh retrieval. It reports false
// when i is past the end.
func (rs *ResultSet) At(ctx context.Context, i int) (usage.Result, bool, error) {
	if i < 0 {
		return usage.Result{}, false, nil
	}
	page, err := rs.Page(ctx, i, 1)
	if err != nil || len(page) == 0 {
		return usage.Result{}, false, err
	}
	return page[0], true, nil
}

// All drains a fresh iteration.
func (rs *ResultSet) All(ctx context.Context) ([]usage.Result, error) {
	var out []usage.Result
	it := rs.Iter(ctx)
	for it.Next() {
		out = append(out, it.Result())
	}
	return out, it.Err()
}

// Seq adapts a fresh iteration to range-over-func. Iteration stops at the
// first error, which is yielded once.
func (rs *ResultSet) Seq(ctx context.Context) iter.Seq2[usage.Result, error] {
	return func(yield func(usage.Result, error) bool) {
		it := rs.Iter(ctx)
		for it.Next() {
			if !yield(it.Result(), nil) {
				return
			}
		}
		if err := it.Err(); err != nil {
			yield(usage.Result{}, err)
		}
	}
}

// Iter starts a new pass over the results. Every chunk of the pass decays
// scores to the instant the pass started, so chunks agree on order.
func (rs *ResultSet) Iter(ctx context.Context) *Iterator {
	return &Iterator{rs: rs, ctx: ctx, r: rs.Resolve(), at: rs.now(), idx: -1}
}

// Iterator walks one pass of a ResultSet, fetching a chunk at a time. It
// is not safe for concurrent use. Abandoning it needs no cleanup.
type Iterator struct {
	rs     *ResultSet
	ctx    context.Context
	r      query.Resolved
	at     time.Time
	buf    []usage.Result
	idx    int
	offset int
	done   bool
	err    error
}

func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	it.idx++
	if it.idx < len(it.buf) {
		return true
	}
	if it.done {
		return false
	}

	page, err := it.rs.fetch(it.ctx, it.r, it.at, it.offset, it.rs.chunk)
	if err != nil {
		it.err = err
		return false
	}
	it.offset += len(page)
	it.buf, it.idx = page, 0
	if len(page) < it.rs.chunk {
		it.done = true
	}
	return len(page) > 0
}

// Result returns the current row. Only valid after Next returned true.
func (it *Iterator) Result() usage.Result {
	return it.buf[it.idx]
}

func (it *Iterator) Err() error {
	return it.err
}
