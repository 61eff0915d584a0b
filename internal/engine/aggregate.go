package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/rankd/internal/metrics"
	"github.com/lazypower/rankd/internal/store"
	"github.com/lazypower/rankd/internal/usage"
)

// keyTimeout bounds one read-modify-write.
const keyTimeout = 30 * time.Second

// dirtySet collects keys with unscored usage. Producers never block.
type dirtySet struct {
	mu   sync.Mutex
	keys map[usage.Key]struct{}
	wake chan struct{}
}

func newDirtySet() *dirtySet {
	return &dirtySet{keys: make(map[usage.Key]struct{}), wake: make(chan struct{}, 1)}
}

func (d *dirtySet) mark(k usage.Key) {
	d.mu.Lock()
	d.keys[k] = struct{}{}
	metrics.DirtyKeys.Set(float64(len(d.keys)))
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// take returns every dirty key and empties the set in one step.
func (d *dirtySet) take() []usage.Key {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.keys) == 0 {
		return nil
	}
	out := make([]usage.Key, 0, len(d.keys))
	for k := range d.keys {
		out = append(out, k)
	}
	clear(d.keys)
	metrics.DirtyKeys.Set(0)
	return out
}

func (d *dirtySet) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.keys)
}

// Aggregate records one usage report and queues its key for scoring. An
// empty or :current activity is the current activity; an empty or :current
// agent is the caller's (see WithAgent). A zero Start means now.
func (e *Engine) Aggregate(ctx context.Context, iv usage.Interval) error {
	iv, err := validateInterval(iv)
	if err != nil {
		return err
	}
	switch iv.Activity {
	case "", usage.Current:
		iv.Activity = e.resolver.CurrentActivity()
	case usage.Any:
		return usage.Errorf(usage.InvalidQuery, "usage cannot be recorded for %s activity", usage.Any)
	}
	switch iv.Agent {
	case "", usage.Current:
		iv.Agent = AgentFromContext(ctx)
	case usage.Any:
		return usage.Errorf(usage.InvalidQuery, "usage cannot be recorded for %s agent", usage.Any)
	}
	if iv.Start.IsZero() {
		iv.Start = e.now()
	}

	if err := e.store.RecordInterval(ctx, iv); err != nil {
		return usage.NewError(usage.StoreUnavailable, "record usage", err)
	}
	metrics.IntervalsRecorded.WithLabelValues(string(iv.Kind)).Inc()

	// An open interval has nothing to score until it closes.
	if iv.Kind != usage.Opened {
		e.dirty.mark(iv.Key)
	}
	return nil
}

// Flush scores every dirty key now and waits until the resulting events
// have reached all subscribers. Keys that fail are queued for retry and
// their errors returned.
func (e *Engine) Flush(ctx context.Context) error {
	err := e.drain(ctx)
	return errors.Join(err, e.bus.Idle(ctx))
}

// Pending returns the number of keys waiting to be scored.
func (e *Engine) Pending() int { return e.dirty.len() }

func (e *Engine) runWorker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case <-e.dirty.wake:
			if err := e.drain(context.Background()); err != nil {
				e.log.Warn("aggregation pass had failures", zap.Error(err))
			}
		}
	}
}

// drain empties the dirty set, current activity first. Only one drain runs
// at a time so Flush also waits for the worker's pass in progress.
func (e *Engine) drain(ctx context.Context) error {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	var errs []error
	for {
		keys := e.dirty.take()
		if len(keys) == 0 {
			return errors.Join(errs...)
		}
		current := e.resolver.CurrentActivity()
		var first, rest []usage.Key
		for _, k := range keys {
			if k.Activity == current {
				first = append(first, k)
			} else {
				rest = append(rest, k)
			}
		}
		errs = append(errs, e.scoreAll(ctx, first), e.scoreAll(ctx, rest))
	}
}

// scoreAll scores distinct keys concurrently, at most e.workers at a time.
func (e *Engine) scoreAll(ctx context.Context, keys []usage.Key) error {
	if len(keys) == 0 {
		return nil
	}
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(e.workers)
	for _, k := range keys {
		g.Go(func() error {
			if err := e.score(ctx, k); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

// score runs the read-modify-write for k and publishes the new score along
// with every other score row of the resource. A failed write publishes
// nothing and puts k back after the retry delay.
func (e *Engine) score(ctx context.Context, k usage.Key) error {
	unlock := e.keys.lock(k.Resource)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, keyTimeout)
	defer cancel()

	start := time.Now()
	rec, err := e.store.UpdateScore(ctx, k, e.now(), accumulate)
	metrics.AggregationDuration.Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, store.ErrNoUsage):
		metrics.Aggregations.WithLabelValues("empty").Inc()
		return nil
	case usage.IsCode(err, usage.ConcurrentUpdateLost):
		// Rolled back, so a retry still counts everything once.
		metrics.Aggregations.WithLabelValues("error").Inc()
		e.log.Error("per-key serialization broken", zap.Any("key", k), zap.Error(err))
		time.AfterFunc(e.retryDelay, func() { e.dirty.mark(k) })
		return err
	case err != nil:
		metrics.Aggregations.WithLabelValues("error").Inc()
		e.log.Warn("score update failed, will retry",
			zap.String("activity", k.Activity), zap.String("agent", k.Agent),
			zap.String("resource", k.Resource), zap.Duration("retry_in", e.retryDelay), zap.Error(err))
		time.AfterFunc(e.retryDelay, func() { e.dirty.mark(k) })
		return usage.NewError(usage.StoreUnavailable, "update score "+k.Resource, err)
	}
	metrics.Aggregations.WithLabelValues("ok").Inc()

	rows, err := e.store.ResourceScores(ctx, k.Resource)
	if err != nil {
		// The score is written; a retry publishes it with the sibling rows.
		e.log.Warn("resource scores unavailable, will retry",
			zap.String("resource", k.Resource), zap.Error(err))
		time.AfterFunc(e.retryDelay, func() { e.dirty.mark(k) })
		return usage.NewError(usage.StoreUnavailable, "read scores "+k.Resource, err)
	}

	e.publishFor(ctx, usage.Event{
		Kind:        usage.ScoreUpdated,
		Key:         k,
		Score:       rec.CachedScore,
		FirstUpdate: rec.FirstUpdate,
		LastUpdate:  rec.LastUpdate,
		Scores:      rows,
	})
	return nil
}
