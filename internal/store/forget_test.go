package store

import (
	"context"
	"testing"
	"time"

	"github.com/lazypower/rankd/internal/usage"
)

func countRows(t *testing.T, db *DB, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestForgetResource(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	k := key("A", "x", "file:///a")

	db.RecordInterval(ctx, usage.Interval{Key: k, Kind: usage.Accessed, Start: base})
	setScore(t, db, k, 1, base)
	setScore(t, db, key("B", "y", "file:///a"), 1, base)
	setScore(t, db, key("A", "x", "file:///b"), 1, base)
	db.Link(ctx, usage.LinkRecord{Key: k}, base)

	n, err := db.ForgetResource(ctx, "file:///a")
	if err != nil {
		t.Fatalf("ForgetResource: %v", err)
	}
	if n != 2 {
		t.Errorf("removed = %d, want 2", n)
	}
	if got := countRows(t, db, "resource_scores"); got != 1 {
		t.Errorf("scores left = %d, want 1", got)
	}
	if got := countRows(t, db, "resource_events"); got != 0 {
		t.Errorf("events left = %d, want 0", got)
	}
	if got := countRows(t, db, "resource_links"); got != 1 {
		t.Errorf("links left = %d, want 1", got)
	}
}

func TestForgetResourcePrefix(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	setScore(t, db, key("A", "x", "file:///tmp/one"), 1, base)
	setScore(t, db, key("A", "x", "file:///tmp/two"), 1, base)
	setScore(t, db, key("A", "x", "file:///home/three"), 1, base)

	n, err := db.ForgetResource(ctx, "file:///tmp/*")
	if err != nil {
		t.Fatalf("ForgetResource: %v", err)
	}
	if n != 2 {
		t.Errorf("removed = %d, want 2", n)
	}
	if got := countRows(t, db, "resource_scores"); got != 1 {
		t.Errorf("scores left = %d, want 1", got)
	}
}

func TestForgetSince(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	old := key("A", "x", "old")
	fresh := key("A", "x", "fresh")

	db.RecordInterval(ctx, usage.Interval{Key: old, Kind: usage.Accessed, Start: base})
	setScore(t, db, old, 1, base)
	recent := base.Add(48 * time.Hour)
	db.RecordInterval(ctx, usage.Interval{Key: fresh, Kind: usage.Accessed, Start: recent})
	setScore(t, db, fresh, 1, recent)

	n, err := db.ForgetSince(ctx, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("ForgetSince: %v", err)
	}
	if n != 1 {
		t.Errorf("removed = %d, want 1", n)
	}
	if rec, _ := db.GetScore(ctx, old); rec == nil {
		t.Error("old score was forgotten")
	}
	if rec, _ := db.GetScore(ctx, fresh); rec != nil {
		t.Error("fresh score survived")
	}
	if got := countRows(t, db, "resource_events"); got != 1 {
		t.Errorf("events left = %d, want 1", got)
	}
}

func TestForgetBefore(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	old := key("A", "x", "old")
	fresh := key("A", "x", "fresh")

	db.RecordInterval(ctx, usage.Interval{Key: old, Kind: usage.Accessed, Start: base})
	setScore(t, db, old, 1, base)
	recent := base.Add(90 * 24 * time.Hour)
	db.RecordInterval(ctx, usage.Interval{Key: fresh, Kind: usage.Accessed, Start: recent})
	setScore(t, db, fresh, 1, recent)

	n, err := db.ForgetBefore(ctx, base.Add(30*24*time.Hour))
	if err != nil {
		t.Fatalf("ForgetBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("removed = %d, want 1", n)
	}
	if rec, _ := db.GetScore(ctx, old); rec != nil {
		t.Error("old score survived")
	}
	if rec, _ := db.GetScore(ctx, fresh); rec == nil {
		t.Error("fresh score was forgotten")
	}
}

func TestForgetOnClosedDB(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	db.Close()

	if _, err := db.ForgetResource(context.Background(), "r"); err == nil {
		t.Error("expected error on closed db, got nil")
	}
}
