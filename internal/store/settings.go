package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const currentActivityKey = "current_activity"

// CurrentActivity returns the activity that was current when the daemon
// last switched, or "" if none was ever stored.
func (db *DB) CurrentActivity(ctx context.Context) (string, error) {
	var id string
	err := db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, currentActivityKey).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get current activity: %w", err)
	}
	return id, nil
}

// SetCurrentActivity stores id as the current activity.
func (db *DB) SetCurrentActivity(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, currentActivityKey, id, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set current activity: %w", err)
	}
	return nil
}
