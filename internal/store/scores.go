package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lazypower/rankd/internal/usage"
)

// ErrNoUsage is returned by UpdateScore for a key that has neither a score
// nor any finished interval. Nothing is written.
var ErrNoUsage = errors.New("no usage to score")

// Accumulator folds the new intervals of a key into its previous record and
// returns the score as of now. prev is nil on the first update.
type Accumulator func(prev *usage.ScoreRecord, intervals []usage.Interval, now time.Time) float64

// UpdateScore performs the read-modify-write for one key inside a single
// transaction: it loads the current record and the finished intervals not
// yet folded into it, lets acc compute the new score, writes it back with
// last_update = now and marks those intervals scored. Every interval is
// counted exactly once, however late it is reported.
func (db *DB) UpdateScore(ctx context.Context, k usage.Key, now time.Time, acc Accumulator) (usage.ScoreRecord, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return usage.ScoreRecord{}, fmt.Errorf("begin update score: %w", err)
	}
	defer tx.Rollback()

	prev, err := getScore(ctx, tx, k)
	if err != nil {
		return usage.ScoreRecord{}, err
	}

	intervals, err := pendingIntervals(ctx, tx, k, now)
	if err != nil {
		return usage.ScoreRecord{}, err
	}

	if prev == nil && len(intervals) == 0 {
		return usage.ScoreRecord{}, ErrNoUsage
	}

	score := acc(prev, intervals, now)
	if score < 0 {
		score = 0
	}

	rec := usage.ScoreRecord{Key: k, CachedScore: score, FirstUpdate: now, LastUpdate: now}
	if prev != nil {
		rec.FirstUpdate = prev.FirstUpdate
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO resource_scores (used_activity, initiating_agent, targetted_resource, cached_score, first_update, last_update)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (used_activity, initiating_agent, targetted_resource) DO UPDATE SET
			cached_score = excluded.cached_score,
			last_update  = excluded.last_update
	`, k.Activity, k.Agent, k.Resource, rec.CachedScore, rec.FirstUpdate.UnixMilli(), rec.LastUpdate.UnixMilli())
	if err != nil {
		return usage.ScoreRecord{}, fmt.Errorf("upsert score: %w", err)
	}

	if err := markScored(ctx, tx, k, now, len(intervals)); err != nil {
		return usage.ScoreRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return usage.ScoreRecord{}, fmt.Errorf("commit score: %w", err)
	}
	return rec, nil
}

// GetScore returns the stored record for k, or nil if there is none.
func (db *DB) GetScore(ctx context.Context, k usage.Key) (*usage.ScoreRecord, error) {
	return getScore(ctx, db, k)
}

func getScore(ctx context.Context, q querier, k usage.Key) (*usage.ScoreRecord, error) {
	var score float64
	var first, last int64
	err := q.QueryRowContext(ctx, `
		SELECT cached_score, first_update, last_update FROM resource_scores
		WHERE used_activity = ? AND initiating_agent = ? AND targetted_resource = ?
	`, k.Activity, k.Agent, k.Resource).Scan(&score, &first, &last)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get score: %w", err)
	}
	return &usage.ScoreRecord{
		Key:         k,
		CachedScore: score,
		FirstUpdate: time.UnixMilli(first),
		LastUpdate:  time.UnixMilli(last),
	}, nil
}

// ResourceScores returns every score row of a resource, across activities
// and agents.
func (db *DB) ResourceScores(ctx context.Context, resource string) ([]usage.ScoreRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT used_activity, initiating_agent, cached_score, first_update, last_update
		FROM resource_scores WHERE targetted_resource = ?
		ORDER BY used_activity, initiating_agent
	`, resource)
	if err != nil {
		return nil, fmt.Errorf("resource scores: %w", err)
	}
	defer rows.Close()

	var out []usage.ScoreRecord
	for rows.Next() {
		rec := usage.ScoreRecord{Key: usage.Key{Resource: resource}}
		var first, last int64
		if err := rows.Scan(&rec.Activity, &rec.Agent, &rec.CachedScore, &first, &last); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		rec.FirstUpdate = time.UnixMilli(first)
		rec.LastUpdate = time.UnixMilli(last)
		out = append(out, rec)
	}
	return out, rows.Err()
}
