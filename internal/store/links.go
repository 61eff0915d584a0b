package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lazypower/rankd/internal/usage"
)

// Link pins a resource to an activity. It reports whether a new row was
// created; linking twice is a no-op.
func (db *DB) Link(ctx context.Context, l usage.LinkRecord, at time.Time) (bool, error) {
	result, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO resource_links (used_activity, initiating_agent, targetted_resource, linked_at)
		VALUES (?, ?, ?, ?)
	`, l.Activity, l.Agent, l.Resource, at.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("link resource: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// Unlink removes a pin. It reports whether a row was removed.
func (db *DB) Unlink(ctx context.Context, l usage.LinkRecord) (bool, error) {
	result, err := db.ExecContext(ctx, `
		DELETE FROM resource_links
		WHERE used_activity = ? AND initiating_agent = ? AND targetted_resource = ?
	`, l.Activity, l.Agent, l.Resource)
	if err != nil {
		return false, fmt.Errorf("unlink resource: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// IsLinked reports whether the exact link row exists.
func (db *DB) IsLinked(ctx context.Context, l usage.LinkRecord) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM resource_links
		WHERE used_activity = ? AND initiating_agent = ? AND targetted_resource = ?
	`, l.Activity, l.Agent, l.Resource).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check link: %w", err)
	}
	return n > 0, nil
}

// ResourceLinks returns every link of a resource.
func (db *DB) ResourceLinks(ctx context.Context, resource string) ([]usage.LinkRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT used_activity, initiating_agent FROM resource_links
		WHERE targetted_resource = ?
		ORDER BY used_activity, initiating_agent
	`, resource)
	if err != nil {
		return nil, fmt.Errorf("resource links: %w", err)
	}
	defer rows.Close()

	var out []usage.LinkRecord
	for rows.Next() {
		l := usage.LinkRecord{Key: usage.Key{Resource: resource}}
		if err := rows.Scan(&l.Activity, &l.Agent); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
