package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lazypower/rankd/internal/usage"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SetResourceInfo records a resource's title and mimetype. Empty fields keep
// whatever was stored before.
func (db *DB) SetResourceInfo(ctx context.Context, info usage.ResourceInfo) error {
	return upsertInfo(ctx, db, info)
}

func upsertInfo(ctx context.Context, ex execer, info usage.ResourceInfo) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO resource_info (resource, title, mimetype, updated_at)
		VALUES (?, NULLIF(?, ''), NULLIF(?, ''), ?)
		ON CONFLICT (resource) DO UPDATE SET
			title      = COALESCE(excluded.title, resource_info.title),
			mimetype   = COALESCE(excluded.mimetype, resource_info.mimetype),
			updated_at = excluded.updated_at
	`, info.Resource, info.Title, info.MimeType, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert resource info: %w", err)
	}
	return nil
}

// ResourceInfo looks up a resource's metadata. Unknown resources yield an
// info with only Resource set.
func (db *DB) ResourceInfo(ctx context.Context, resource string) (usage.ResourceInfo, error) {
	info := usage.ResourceInfo{Resource: resource}
	var title, mimetype sql.NullString
	err := db.QueryRowContext(ctx, `
		SELECT title, mimetype FROM resource_info WHERE resource = ?
	`, resource).Scan(&title, &mimetype)
	if err == sql.ErrNoRows {
		return info, nil
	}
	if err != nil {
		return info, fmt.Errorf("get resource info: %w", err)
	}
	info.Title = title.String
	info.MimeType = mimetype.String
	return info, nil
}
