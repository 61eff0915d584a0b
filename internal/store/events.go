package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lazypower/rankd/internal/usage"
)

// RecordInterval stores one raw usage report. Accessed intervals are stored
// with a zero length; Opened intervals stay open until a matching Closed
// report sets their end. A Closed report with nothing open is kept as an
// access at the close time.
func (db *DB) RecordInterval(ctx context.Context, iv usage.Interval) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record interval: %w", err)
	}
	defer tx.Rollback()

	if iv.Title != "" || iv.MimeType != "" {
		if err := upsertInfo(ctx, tx, usage.ResourceInfo{
			Resource: iv.Resource, Title: iv.Title, MimeType: iv.MimeType,
		}); err != nil {
			return err
		}
	}

	switch iv.Kind {
	case usage.Accessed:
		err = insertEvent(ctx, tx, iv.Key, iv.Start, &iv.Start)
	case usage.Opened:
		err = insertEvent(ctx, tx, iv.Key, iv.Start, nil)
	case usage.Closed:
		end := iv.Start
		if iv.End != nil {
			end = *iv.End
		}
		err = closeEvent(ctx, tx, iv.Key, end)
	default:
		return fmt.Errorf("record interval: unknown kind %q", iv.Kind)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func insertEvent(ctx context.Context, tx *sql.Tx, k usage.Key, start time.Time, end *time.Time) error {
	var endMs sql.NullInt64
	if end != nil {
		endMs = sql.NullInt64{Int64: end.UnixMilli(), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO resource_events (used_activity, initiating_agent, targetted_resource, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?)
	`, k.Activity, k.Agent, k.Resource, start.UnixMilli(), endMs)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func closeEvent(ctx context.Context, tx *sql.Tx, k usage.Key, end time.Time) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE resource_events SET ended_at = MAX(started_at, ?)
		WHERE id = (
			SELECT id FROM resource_events
			WHERE used_activity = ? AND initiating_agent = ? AND targetted_resource = ?
				AND ended_at IS NULL
			ORDER BY started_at DESC, id DESC LIMIT 1
		)
	`, end.UnixMilli(), k.Activity, k.Agent, k.Resource)
	if err != nil {
		return fmt.Errorf("close event: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return insertEvent(ctx, tx, k, end, &end)
	}
	return nil
}

// OpenIntervals returns how many intervals for k are still open.
func (db *DB) OpenIntervals(ctx context.Context, k usage.Key) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM resource_events
		WHERE used_activity = ? AND initiating_agent = ? AND targetted_resource = ? AND ended_at IS NULL
	`, k.Activity, k.Agent, k.Resource).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open intervals: %w", err)
	}
	return n, nil
}

// pendingIntervals returns the finished, not yet scored intervals for k
// that ended by until.
func pendingIntervals(ctx context.Context, tx *sql.Tx, k usage.Key, until time.Time) ([]usage.Interval, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT started_at, ended_at FROM resource_events
		WHERE used_activity = ? AND initiating_agent = ? AND targetted_resource = ?
			AND scored = 0 AND ended_at IS NOT NULL AND ended_at <= ?
		ORDER BY ended_at
	`, k.Activity, k.Agent, k.Resource, until.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("select intervals: %w", err)
	}
	defer rows.Close()

	var out []usage.Interval
	for rows.Next() {
		var start, end int64
		if err := rows.Scan(&start, &end); err != nil {
			return nil, fmt.Errorf("scan interval: %w", err)
		}
		e := time.UnixMilli(end)
		out = append(out, usage.Interval{Key: k, Kind: usage.Closed, Start: time.UnixMilli(start), End: &e})
	}
	return out, rows.Err()
}

// markScored flags what pendingIntervals returned for the same arguments.
// Anything other than want rows means another writer got into the
// transaction's window.
func markScored(ctx context.Context, tx *sql.Tx, k usage.Key, until time.Time, want int) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE resource_events SET scored = 1
		WHERE used_activity = ? AND initiating_agent = ? AND targetted_resource = ?
			AND scored = 0 AND ended_at IS NOT NULL AND ended_at <= ?
	`, k.Activity, k.Agent, k.Resource, until.UnixMilli())
	if err != nil {
		return fmt.Errorf("mark intervals scored: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n != int64(want) {
		return usage.Errorf(usage.ConcurrentUpdateLost, "marked %d intervals of %v, read %d", n, k, want)
	}
	return nil
}
