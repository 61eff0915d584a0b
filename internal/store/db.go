package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"os"
	"path/filepath"

	"modernc.org/sqlite"

	"github.com/lazypower/rankd/internal/usage"
)

// DB wraps a sql.DB connection to the rankd SQLite database.
type DB struct {
	*sql.DB
	Path string
}

func init() {
	// rank_decay(score, last_update_ms, now_ms) lets result queries order by
	// the score as it stands at query time.
	sqlite.MustRegisterDeterministicScalarFunction("rank_decay", 3,
		func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			score, err := toFloat(args[0])
			if err != nil {
				return nil, err
			}
			last, err := toInt(args[1])
			if err != nil {
				return nil, err
			}
			now, err := toInt(args[2])
			if err != nil {
				return nil, err
			}
			return score * usage.DecayMillis(last, now), nil
		})
}

// DefaultDBPath returns the default database path: ~/.rankd/rankd.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".rankd", "rankd.db"), nil
}

// Open opens (or creates) the SQLite database at the given path,
// configures pragmas, and runs migrations.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return setup(sqlDB, path)
}

// OpenMemory opens an in-memory SQLite database for testing.
func OpenMemory() (*DB, error) {
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	return setup(sqlDB, ":memory:")
}

func setup(sqlDB *sql.DB, path string) (*DB, error) {
	// One connection: score read-modify-write transactions never contend,
	// and every :memory: caller sees the same database.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB, Path: path}
	if err := db.configurePragmas(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func (db *DB) configurePragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA mmap_size=268435456", // 256MB
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

// Available pings the database and reports failure as StoreUnavailable.
func (db *DB) Available(ctx context.Context) error {
	if err := db.PingContext(ctx); err != nil {
		return usage.NewError(usage.StoreUnavailable, "ping database", err)
	}
	return nil
}

func toFloat(v driver.Value) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case nil:
		return 0, nil
	}
	return 0, fmt.Errorf("rank_decay: unexpected %T", v)
}

func toInt(v driver.Value) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case float64:
		return int64(x), nil
	case nil:
		return 0, nil
	}
	return 0, fmt.Errorf("rank_decay: unexpected %T", v)
}
