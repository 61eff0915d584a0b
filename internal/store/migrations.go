package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "resource_events: raw usage intervals",
		SQL: `
CREATE TABLE resource_events (
    id                 INTEGER PRIMARY KEY,
    used_activity      TEXT NOT NULL,
    initiating_agent   TEXT NOT NULL,
    targetted_resource TEXT NOT NULL,
    started_at         INTEGER NOT NULL,
    ended_at           INTEGER,
    scored             INTEGER NOT NULL DEFAULT 0,
    CHECK (ended_at IS NULL OR ended_at >= started_at)
);

CREATE INDEX idx_events_key     ON resource_events(used_activity, initiating_agent, targetted_resource, ended_at);
CREATE INDEX idx_events_pending ON resource_events(used_activity, initiating_agent, targetted_resource) WHERE scored = 0;
CREATE INDEX idx_events_started ON resource_events(started_at);
`,
	},
	{
		Version:     2,
		Description: "resource_scores: decayed score per (activity, agent, resource)",
		SQL: `
CREATE TABLE resource_scores (
    used_activity      TEXT NOT NULL,
    initiating_agent   TEXT NOT NULL,
    targetted_resource TEXT NOT NULL,
    cached_score       REAL NOT NULL DEFAULT 0 CHECK (cached_score >= 0),
    first_update       INTEGER NOT NULL,
    last_update        INTEGER NOT NULL,

    PRIMARY KEY (used_activity, initiating_agent, targetted_resource)
);

CREATE INDEX idx_scores_resource    ON resource_scores(targetted_resource);
CREATE INDEX idx_scores_last_update ON resource_scores(last_update DESC);
`,
	},
	{
		Version:     3,
		Description: "resource_links: resources pinned to an activity",
		SQL: `
CREATE TABLE resource_links (
    used_activity      TEXT NOT NULL,
    initiating_agent   TEXT NOT NULL,
    targetted_resource TEXT NOT NULL,
    linked_at          INTEGER NOT NULL,

    PRIMARY KEY (used_activity, initiating_agent, targetted_resource)
);

CREATE INDEX idx_links_resource ON resource_links(targetted_resource);
`,
	},
	{
		Version:     4,
		Description: "resource_info: title and mimetype lookup",
		SQL: `
CREATE TABLE resource_info (
    resource   TEXT PRIMARY KEY,
    title      TEXT,
    mimetype   TEXT,
    updated_at INTEGER NOT NULL
);
`,
	},
	{
		Version:     5,
		Description: "settings: daemon state kept across restarts",
		SQL: `
CREATE TABLE settings (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
