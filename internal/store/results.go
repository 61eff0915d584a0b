package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lazypower/rankd/internal/query"
	"github.com/lazypower/rankd/internal/usage"
)

// usedSelect groups score rows per resource. The score is decayed to now.
const usedSelect = `
		SELECT s.targetted_resource AS resource,
			COALESCE(i.title, '') AS title,
			COALESCE(i.mimetype, '') AS mimetype,
			SUM(rank_decay(s.cached_score, s.last_update, ?)) AS score,
			0 AS linked,
			MIN(s.first_update) AS first_update,
			MAX(s.last_update) AS last_update
		FROM resource_scores s
		LEFT JOIN resource_info i ON i.resource = s.targetted_resource
		WHERE %s
		GROUP BY s.targetted_resource`

const linkedSelect = `
		SELECT l.targetted_resource AS resource,
			COALESCE(i.title, '') AS title,
			COALESCE(i.mimetype, '') AS mimetype,
			0.0 AS score,
			1 AS linked,
			MIN(l.linked_at) AS first_update,
			MAX(l.linked_at) AS last_update
		FROM resource_links l
		LEFT JOIN resource_info i ON i.resource = l.targetted_resource
		WHERE %s
		GROUP BY l.targetted_resource`

// FetchResults returns one page of the listing described by r, with
// sentinels already resolved. offset and limit are applied after r's own
// Offset and Limit; a limit of zero reads to the end.
func (db *DB) FetchResults(ctx context.Context, r query.Resolved, now time.Time, offset, limit int) ([]usage.Result, error) {
	inner, args := selectFor(r, now)

	start := r.Offset + offset
	n := limit
	if r.Limit > 0 {
		remaining := r.Limit - offset
		if remaining <= 0 {
			return nil, nil
		}
		if n <= 0 || n > remaining {
			n = remaining
		}
	}
	if n <= 0 {
		n = -1 // SQLite: no limit
	}

	stmt := fmt.Sprintf(`
		SELECT resource, title, mimetype, score, linked, first_update, last_update
		FROM (%s)
		ORDER BY %s
		LIMIT ? OFFSET ?`, inner, r.Ordering.OrderBy())
	args = append(args, n, start)

	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch results: %w", err)
	}
	defer rows.Close()

	var out []usage.Result
	for rows.Next() {
		var res usage.Result
		var linked int
		var first, last int64
		if err := rows.Scan(&res.Resource, &res.Title, &res.MimeType, &res.Score, &linked, &first, &last); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		res.Linked = linked != 0
		if res.Linked {
			res.Score = usage.LinkedScore
		}
		res.FirstUpdate = time.UnixMilli(first)
		res.LastUpdate = time.UnixMilli(last)
		out = append(out, res)
	}
	return out, rows.Err()
}

func selectFor(r query.Resolved, now time.Time) (string, []any) {
	usedWhere, usedArgs := r.Where(query.Columns{
		Activity: "s.used_activity", Agent: "s.initiating_agent", MimeType: "i.mimetype",
	})
	linkedWhere, linkedArgs := r.Where(query.Columns{
		Activity: "l.used_activity", Agent: "l.initiating_agent", MimeType: "i.mimetype",
	})
	used := fmt.Sprintf(usedSelect, usedWhere)
	linked := fmt.Sprintf(linkedSelect, linkedWhere)

	switch r.Selection {
	case query.Used:
		return used, append([]any{now.UnixMilli()}, usedArgs...)
	case query.Linked:
		return linked, linkedArgs
	}

	args := append([]any{now.UnixMilli()}, usedArgs...)
	args = append(args, linkedArgs...)
	return fmt.Sprintf(`
		SELECT resource, MAX(title) AS title, MAX(mimetype) AS mimetype,
			CASE WHEN MAX(linked) = 1 THEN 0.0 ELSE SUM(score) END AS score,
			MAX(linked) AS linked, MIN(first_update) AS first_update, MAX(last_update) AS last_update
		FROM (%s UNION ALL %s)
		GROUP BY resource`, used, linked), args
}
