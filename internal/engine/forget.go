package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/rankd/internal/metrics"
	"github.com/lazypower/rankd/internal/usage"
)

// TimeUnit is the unit of a ForgetRecent window.
type TimeUnit string

const (
	Hours  TimeUnit = "hours"
	Days   TimeUnit = "days"
	Months TimeUnit = "months"
)

// ForgetResource drops the usage history and scores of a resource. A
// trailing "*" forgets every resource with that prefix. Links are kept.
func (e *Engine) ForgetResource(ctx context.Context, resource string) (int64, error) {
	k, err := validateKey(usage.Key{Resource: resource})
	if err != nil {
		return 0, err
	}
	return e.forget(ctx, "resource", func() (int64, error) {
		return e.store.ForgetResource(ctx, k.Resource)
	})
}

// ForgetRecent drops usage from the last count units.
func (e *Engine) ForgetRecent(ctx context.Context, count int, unit TimeUnit) (int64, error) {
	if count <= 0 {
		return 0, usage.Errorf(usage.InvalidQuery, "forget count must be positive, got %d", count)
	}
	now := e.now()
	var since time.Time
	switch unit {
	case Hours:
		since = now.Add(-time.Duration(count) * time.Hour)
	case Days:
		since = now.AddDate(0, 0, -count)
	case Months:
		since = now.AddDate(0, -count, 0)
	default:
		return 0, usage.Errorf(usage.InvalidQuery, "unknown time unit %q", unit)
	}
	return e.forget(ctx, "recent", func() (int64, error) {
		return e.store.ForgetSince(ctx, since)
	})
}

// ForgetOlderThan drops usage last seen more than months ago.
func (e *Engine) ForgetOlderThan(ctx context.Context, months int) (int64, error) {
	if months <= 0 {
		return 0, usage.Errorf(usage.InvalidQuery, "forget age must be positive, got %d months", months)
	}
	cutoff := e.now().AddDate(0, -months, 0)
	return e.forget(ctx, "older", func() (int64, error) {
		return e.store.ForgetBefore(ctx, cutoff)
	})
}

// forget runs one bulk delete. Forgotten is published even when the delete
// failed part way, since some rows may already be gone.
func (e *Engine) forget(ctx context.Context, mode string, run func() (int64, error)) (int64, error) {
	n, err := run()
	metrics.Forgotten.WithLabelValues(mode).Add(float64(n))
	e.bus.Publish(usage.Event{Kind: usage.Forgotten, At: e.now()})

	if err != nil {
		e.log.Warn("forget incomplete", zap.String("mode", mode), zap.Int64("rows", n), zap.Error(err))
		return n, usage.NewError(usage.StoreUnavailable, "forget "+mode, err)
	}
	e.log.Info("forgot usage", zap.String("mode", mode), zap.Int64("rows", n))
	return n, nil
}
