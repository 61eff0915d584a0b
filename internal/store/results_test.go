package store

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/lazypower/rankd/internal/query"
	"github.com/lazypower/rankd/internal/usage"
)

func setScore(t *testing.T, db *DB, k usage.Key, score float64, at time.Time) {
	t.Helper()
	ctx := context.Background()
	if err := db.RecordInterval(ctx, usage.Interval{Key: k, Kind: usage.Accessed, Start: at}); err != nil {
		t.Fatalf("RecordInterval %v: %v", k, err)
	}
	_, err := db.UpdateScore(ctx, k, at,
		func(*usage.ScoreRecord, []usage.Interval, time.Time) float64 { return score })
	if err != nil {
		t.Fatalf("UpdateScore %v: %v", k, err)
	}
}

func resources(rs []usage.Result) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Resource
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func seedResults(t *testing.T, db *DB) {
	t.Helper()
	ctx := context.Background()
	setScore(t, db, key("A", "x", "r1"), 1, base)
	setScore(t, db, key("A", "x", "r2"), 5, base)
	setScore(t, db, key("A", "x", "r3"), 3, base)
	setScore(t, db, key("B", "x", "r4"), 9, base)
	setScore(t, db, key("A", "y", "r1"), 2, base)
	db.SetResourceInfo(ctx, usage.ResourceInfo{Resource: "r1", Title: "Zulu", MimeType: "text/plain"})
	db.SetResourceInfo(ctx, usage.ResourceInfo{Resource: "r2", Title: "Alpha", MimeType: "image/png"})
}

func fetch(t *testing.T, db *DB, q query.Query, env query.Env) []usage.Result {
	t.Helper()
	rs, err := db.FetchResults(context.Background(), query.Resolve(q, env), base, 0, 0)
	if err != nil {
		t.Fatalf("FetchResults: %v", err)
	}
	return rs
}

func TestFetchUsedHighScore(t *testing.T) {
	db := testDB(t)
	seedResults(t, db)

	q := query.New().WithSelection(query.Used)
	got := resources(fetch(t, db, q, query.Env{Activity: "A", Agent: "x"}))
	want := []string{"r2", "r3", "r1"}
	if !equalStrings(got, want) {
		t.Errorf("results = %v, want %v", got, want)
	}
}

func TestFetchSumsAcrossAgents(t *testing.T) {
	db := testDB(t)
	seedResults(t, db)

	q := query.New().WithSelection(query.Used).AddAgents(usage.Any)
	rs := fetch(t, db, q, query.Env{Activity: "A", Agent: "x"})
	if len(rs) != 3 {
		t.Fatalf("len = %d, want 3", len(rs))
	}
	// r1 scores 1 under x and 2 under y.
	want := []string{"r2", "r1", "r3"}
	if got := resources(rs); !equalStrings(got, want) {
		t.Errorf("results = %v, want %v", got, want)
	}
	if rs[1].Score != 3 {
		t.Errorf("r1 score = %f, want 3", rs[1].Score)
	}
}

func TestFetchAnyActivity(t *testing.T) {
	db := testDB(t)
	seedResults(t, db)

	q := query.New().WithSelection(query.Used).AddActivities(usage.Any).AddAgents(usage.Any)
	got := resources(fetch(t, db, q, query.Env{}))
	want := []string{"r4", "r2", "r1", "r3"}
	if !equalStrings(got, want) {
		t.Errorf("results = %v, want %v", got, want)
	}
}

func TestFetchDecaysAtQueryTime(t *testing.T) {
	db := testDB(t)
	setScore(t, db, key("A", "x", "r"), 2, base)

	later := base.Add(32 * 24 * time.Hour)
	q := query.Resolve(query.New().WithSelection(query.Used), query.Env{Activity: "A", Agent: "x"})
	rs, err := db.FetchResults(context.Background(), q, later, 0, 0)
	if err != nil {
		t.Fatalf("FetchResults: %v", err)
	}
	if len(rs) != 1 {
		t.Fatalf("len = %d, want 1", len(rs))
	}
	if want := 2 / math.E; math.Abs(rs[0].Score-want) > 1e-9 {
		t.Errorf("score = %f, want %f", rs[0].Score, want)
	}
}

func TestFetchTypeFilter(t *testing.T) {
	db := testDB(t)
	seedResults(t, db)

	q := query.New().WithSelection(query.Used).AddTypes("text/*")
	got := resources(fetch(t, db, q, query.Env{Activity: "A", Agent: "x"}))
	if !equalStrings(got, []string{"r1"}) {
		t.Errorf("results = %v, want [r1]", got)
	}
}

func TestFetchOrderings(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	setScore(t, db, key("A", "x", "b"), 1, base)
	setScore(t, db, key("A", "x", "a"), 1, base.Add(time.Minute))
	setScore(t, db, key("A", "x", "c"), 1, base.Add(2*time.Minute))
	db.SetResourceInfo(ctx, usage.ResourceInfo{Resource: "c", Title: "Apple"})

	env := query.Env{Activity: "A", Agent: "x"}
	cases := []struct {
		ordering query.Ordering
		want     []string
	}{
		{query.Alphabetical, []string{"a", "b", "c"}},
		{query.ByTitle, []string{"c", "a", "b"}},
		{query.RecentlyUsedFirst, []string{"c", "a", "b"}},
		{query.RecentlyCreatedFirst, []string{"c", "a", "b"}},
	}
	for _, tc := range cases {
		q := query.New().WithSelection(query.Used).WithOrdering(tc.ordering)
		rs, err := db.FetchResults(ctx, query.Resolve(q, env), base.Add(time.Hour), 0, 0)
		if err != nil {
			t.Fatalf("%v: %v", tc.ordering, err)
		}
		if got := resources(rs); !equalStrings(got, tc.want) {
			t.Errorf("%v: results = %v, want %v", tc.ordering, got, tc.want)
		}
	}
}

func TestFetchAllPinsLinked(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedResults(t, db)
	db.Link(ctx, usage.LinkRecord{Key: key("A", usage.Global, "r9")}, base)
	db.Link(ctx, usage.LinkRecord{Key: key("A", usage.Global, "r3")}, base)

	q := query.New().AddAgents("x", usage.Global)
	rs := fetch(t, db, q, query.Env{Activity: "A", Agent: "x"})
	want := []string{"r3", "r9", "r2", "r1"}
	if got := resources(rs); !equalStrings(got, want) {
		t.Fatalf("results = %v, want %v", got, want)
	}
	for _, r := range rs[:2] {
		if !r.Linked || !math.IsInf(r.Score, 1) {
			t.Errorf("%s: linked=%v score=%f, want linked +Inf", r.Resource, r.Linked, r.Score)
		}
	}
	if rs[2].Linked {
		t.Error("r2 reported as linked")
	}
}

func TestFetchLinkedOnly(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedResults(t, db)
	db.Link(ctx, usage.LinkRecord{Key: key("A", usage.Global, "r9")}, base)
	db.Link(ctx, usage.LinkRecord{Key: key("B", usage.Global, "r8")}, base)

	q := query.New().WithSelection(query.Linked).AddAgents(usage.Global)
	got := resources(fetch(t, db, q, query.Env{Activity: "A", Agent: "x"}))
	if !equalStrings(got, []string{"r9"}) {
		t.Errorf("results = %v, want [r9]", got)
	}
}

func TestFetchPaging(t *testing.T) {
	db := testDB(t)
	seedResults(t, db)
	env := query.Env{Activity: "A", Agent: "x"}
	ctx := context.Background()

	r := query.Resolve(query.New().WithSelection(query.Used), env)
	page, err := db.FetchResults(ctx, r, base, 1, 1)
	if err != nil {
		t.Fatalf("FetchResults: %v", err)
	}
	if got := resources(page); !equalStrings(got, []string{"r3"}) {
		t.Errorf("page = %v, want [r3]", got)
	}

	// The query's own limit and offset apply before paging.
	r = query.Resolve(query.New().WithSelection(query.Used).WithOffset(1).WithLimit(1), env)
	page, _ = db.FetchResults(ctx, r, base, 0, 10)
	if got := resources(page); !equalStrings(got, []string{"r3"}) {
		t.Errorf("limited page = %v, want [r3]", got)
	}
	page, _ = db.FetchResults(ctx, r, base, 1, 10)
	if len(page) != 0 {
		t.Errorf("page past limit = %v, want empty", resources(page))
	}
}
