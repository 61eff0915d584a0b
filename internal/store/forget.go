package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ForgetResource deletes usage history and scores for a resource. A trailing
// '*' forgets every resource with that prefix. Links are kept.
func (db *DB) ForgetResource(ctx context.Context, resource string) (int64, error) {
	cond, args := "targetted_resource = ?", []any{resource}
	if p, ok := strings.CutSuffix(resource, "*"); ok {
		cond, args = "substr(targetted_resource, 1, length(?)) = ?", []any{p, p}
	}
	return db.forget(ctx,
		"DELETE FROM resource_events WHERE "+cond, args,
		"DELETE FROM resource_scores WHERE "+cond, args)
}

// ForgetSince deletes usage that started at or after since, along with
// scores first recorded in that window.
func (db *DB) ForgetSince(ctx context.Context, since time.Time) (int64, error) {
	ms := since.UnixMilli()
	return db.forget(ctx,
		"DELETE FROM resource_events WHERE started_at >= ?", []any{ms},
		"DELETE FROM resource_scores WHERE first_update >= ?", []any{ms})
}

// ForgetBefore deletes usage that ended before cutoff, along with scores not
// updated since then.
func (db *DB) ForgetBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ms := cutoff.UnixMilli()
	return db.forget(ctx,
		"DELETE FROM resource_events WHERE COALESCE(ended_at, started_at) < ?", []any{ms},
		"DELETE FROM resource_scores WHERE last_update < ?", []any{ms})
}

// forget runs both deletes independently so a failure in one still lets the
// other proceed. It returns the number of score rows removed.
func (db *DB) forget(ctx context.Context, eventsSQL string, eventsArgs []any, scoresSQL string, scoresArgs []any) (int64, error) {
	var errs []error
	if _, err := db.ExecContext(ctx, eventsSQL, eventsArgs...); err != nil {
		errs = append(errs, fmt.Errorf("forget events: %w", err))
	}
	var removed int64
	result, err := db.ExecContext(ctx, scoresSQL, scoresArgs...)
	if err != nil {
		errs = append(errs, fmt.Errorf("forget scores: %w", err))
	} else {
		removed, _ = result.RowsAffected()
	}
	return removed, errors.Join(errs...)
}
