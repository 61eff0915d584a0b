package results

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/rankd/internal/activity"
	"github.com/lazypower/rankd/internal/eventbus"
	"github.com/lazypower/rankd/internal/query"
	"github.com/lazypower/rankd/internal/store"
	"github.com/lazypower/rankd/internal/usage"
)

func newView(t *testing.T, src Source, q query.Query, env EnvFunc, resolver activity.Resolver, chunk int) (*View, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(nil)
	t.Cleanup(bus.Close)
	rs, err := NewResultSet(context.Background(), src, q, env, WithClock(func() time.Time { return base }))
	require.NoError(t, err)
	v, err := NewView(context.Background(), rs, bus, resolver, chunk)
	require.NoError(t, err)
	t.Cleanup(v.Close)
	return v, bus
}

func assertOrdered(t *testing.T, v *View, o query.Ordering) {
	t.Helper()
	items := v.Items()
	for i := 1; i < len(items); i++ {
		assert.False(t, o.Less(items[i], items[i-1]), "items out of order at %d: %v", i, names(items))
	}
}

func TestViewLoadsInChunks(t *testing.T) {
	src := &sliceSource{rows: rows("a", "b", "c", "d", "e")}
	v, _ := newView(t, src, query.New().AddAgents(usage.Any), nil, nil, 2)

	assert.Equal(t, []string{"a", "b"}, names(v.Items()))
	assert.True(t, v.HasMore())

	require.NoError(t, v.LoadMore(context.Background()))
	require.NoError(t, v.LoadMore(context.Background()))
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, names(v.Items()))
	assert.False(t, v.HasMore())

	calls := src.calls
	require.NoError(t, v.LoadMore(context.Background()))
	assert.Equal(t, calls, src.calls)
}

func TestViewLiveInsertMoveRemove(t *testing.T) {
	db := testStore(t)
	for i, r := range []string{"r1", "r2", "r3"} {
		seedScore(t, db, usage.Key{Activity: "A", Agent: "me", Resource: r}, float64(3-i))
	}

	q := query.New().WithSelection(query.All).AddAgents(usage.Any)
	v, bus := newView(t, db, q, fixedEnv("A", "me"), nil, 10)
	require.Equal(t, []string{"r1", "r2", "r3"}, names(v.Items()))

	// New resource lands in order.
	bus.Publish(scoreEvent("A", "me", "r4", 2.5))
	idle(t, bus)
	assert.Equal(t, []string{"r1", "r4", "r2", "r3"}, names(v.Items()))

	// Existing resource moves.
	bus.Publish(scoreEvent("A", "me", "r3", 10))
	idle(t, bus)
	assert.Equal(t, []string{"r3", "r1", "r4", "r2"}, names(v.Items()))
	assertOrdered(t, v, query.HighScoreFirst)

	// A link pins the resource at the top and usage does not unpin it.
	bus.Publish(usage.Event{Kind: usage.Linked, Key: usage.Key{Activity: "A", Agent: usage.Global, Resource: "r2"}})
	bus.Publish(scoreEvent("A", "me", "r2", 0.1))
	idle(t, bus)
	items := v.Items()
	assert.Equal(t, "r2", items[0].Resource)
	assert.True(t, items[0].Linked)
	assertOrdered(t, v, query.HighScoreFirst)

	// Events for other activities are ignored.
	bus.Publish(scoreEvent("B", "me", "r9", 100))
	idle(t, bus)
	assert.Len(t, v.Items(), 4)
}

func TestViewRemovedOnUnlink(t *testing.T) {
	db := testStore(t)
	ctx := context.Background()
	for _, r := range []string{"l1", "l2"} {
		_, err := db.Link(ctx, usage.LinkRecord{Key: usage.Key{Activity: "A", Agent: usage.Global, Resource: r}}, base)
		require.NoError(t, err)
	}

	q := query.New().WithSelection(query.Linked).AddAgents(usage.Global)
	v, bus := newView(t, db, q, fixedEnv("A", "me"), nil, 10)
	require.Equal(t, []string{"l1", "l2"}, names(v.Items()))

	bus.Publish(usage.Event{Kind: usage.Unlinked, Key: usage.Key{Activity: "A", Agent: usage.Global, Resource: "l1"}})
	idle(t, bus)
	assert.Equal(t, []string{"l2"}, names(v.Items()))

	// Forgetting history never touches a links-only view.
	bus.Publish(usage.Event{Kind: usage.Forgotten})
	idle(t, bus)
	assert.Equal(t, []string{"l2"}, names(v.Items()))
}

func TestViewResetsOnInvalidation(t *testing.T) {
	db := testStore(t)
	seedScore(t, db, usage.Key{Activity: "A", Agent: "me", Resource: "r1"}, 1)

	q := query.New().WithSelection(query.Used)
	v, bus := newView(t, db, q, fixedEnv("A", "me"), nil, 10)
	require.Equal(t, []string{"r1"}, names(v.Items()))

	_, err := db.ForgetResource(context.Background(), "r1")
	require.NoError(t, err)
	bus.Publish(usage.Event{Kind: usage.Forgotten})
	idle(t, bus)
	assert.Empty(t, v.Items())
}

func TestViewSkipsUpdatesPastLoadedWindow(t *testing.T) {
	src := &sliceSource{rows: rows("a", "b", "c", "d")}
	v, bus := newView(t, src, query.New().AddAgents(usage.Any).ClearActivities().AddActivities(usage.Any), nil, nil, 2)
	require.Equal(t, []string{"a", "b"}, names(v.Items()))

	// b has score 3; anything lower belongs to a chunk not loaded yet.
	bus.Publish(scoreEvent("x", "y", "z", 0.5))
	bus.Publish(scoreEvent("x", "y", "top", 99))
	idle(t, bus)
	assert.Equal(t, []string{"top", "a", "b"}, names(v.Items()))
}

func TestViewTitleChange(t *testing.T) {
	src := &sliceSource{rows: rows("a", "b")}
	q := query.New().AddAgents(usage.Any).WithOrdering(query.ByTitle)
	v, bus := newView(t, src, q, nil, nil, 10)
	require.Equal(t, []string{"a", "b"}, names(v.Items()))

	bus.Publish(usage.Event{
		Kind:   usage.TitleChanged,
		Key:    usage.Key{Resource: "b"},
		Title:  "Aardvark",
		Scores: []usage.ScoreRecord{{Key: usage.Key{Agent: "x", Resource: "b"}, CachedScore: 1}},
	})
	idle(t, bus)
	items := v.Items()
	assert.Equal(t, []string{"b", "a"}, names(items))
	assert.Equal(t, "Aardvark", items[0].Title)
}

func linkAll(t *testing.T, db *store.DB, activity string, resources ...string) {
	t.Helper()
	for _, r := range resources {
		_, err := db.Link(context.Background(), usage.LinkRecord{Key: usage.Key{Activity: activity, Agent: usage.Global, Resource: r}}, base)
		require.NoError(t, err)
	}
}

func drain(t *testing.T, v *View) {
	t.Helper()
	for i := 0; v.HasMore(); i++ {
		require.Less(t, i, 100, "view never exhausted")
		require.NoError(t, v.LoadMore(context.Background()))
	}
}

func TestViewLoadMoreAfterRemoval(t *testing.T) {
	db := testStore(t)
	linkAll(t, db, "A", "a", "b", "c", "d")

	q := query.New().WithSelection(query.Linked).AddAgents(usage.Global).WithOrdering(query.Alphabetical)
	v, bus := newView(t, db, q, fixedEnv("A", "me"), nil, 2)
	require.Equal(t, []string{"a", "b"}, names(v.Items()))

	unlinked := usage.Key{Activity: "A", Agent: usage.Global, Resource: "a"}
	_, err := db.Unlink(context.Background(), usage.LinkRecord{Key: unlinked})
	require.NoError(t, err)
	bus.Publish(usage.Event{Kind: usage.Unlinked, Key: unlinked})
	idle(t, bus)
	require.Equal(t, []string{"b"}, names(v.Items()))

	drain(t, v)
	assert.Equal(t, []string{"b", "c", "d"}, names(v.Items()))
}

func TestViewLoadMoreWhileRemovalInFlight(t *testing.T) {
	db := testStore(t)
	linkAll(t, db, "A", "a", "b", "c", "d", "e")

	q := query.New().WithSelection(query.Linked).AddAgents(usage.Global).WithOrdering(query.Alphabetical)
	v, bus := newView(t, db, q, fixedEnv("A", "me"), nil, 2)
	require.Equal(t, []string{"a", "b"}, names(v.Items()))

	// The store has already dropped a, but the view has not heard yet, so
	// the rows it holds no longer line up with store positions.
	unlinked := usage.Key{Activity: "A", Agent: usage.Global, Resource: "a"}
	_, err := db.Unlink(context.Background(), usage.LinkRecord{Key: unlinked})
	require.NoError(t, err)

	require.NoError(t, v.LoadMore(context.Background()))
	assert.Equal(t, []string{"a", "b", "c", "d"}, names(v.Items()))

	bus.Publish(usage.Event{Kind: usage.Unlinked, Key: unlinked})
	idle(t, bus)
	drain(t, v)
	assert.Equal(t, []string{"b", "c", "d", "e"}, names(v.Items()))
}

func TestViewLoadMoreAfterRowMovedOut(t *testing.T) {
	db := testStore(t)
	for i, r := range []string{"r1", "r2", "r3", "r4", "r5"} {
		seedScore(t, db, usage.Key{Activity: "A", Agent: "me", Resource: r}, float64(10-i))
	}

	v, bus := newView(t, db, query.New().WithSelection(query.Used), fixedEnv("A", "me"), nil, 2)
	require.Equal(t, []string{"r1", "r2"}, names(v.Items()))

	// r1 drops below the loaded window, in the store and then live.
	k := usage.Key{Activity: "A", Agent: "me", Resource: "r1"}
	seedScore(t, db, k, 0.5)
	rows, err := db.ResourceScores(context.Background(), "r1")
	require.NoError(t, err)
	bus.Publish(usage.Event{Kind: usage.ScoreUpdated, Key: k, Score: 0.5, LastUpdate: base, Scores: rows})
	idle(t, bus)
	require.Equal(t, []string{"r2"}, names(v.Items()))

	drain(t, v)
	assert.Equal(t, []string{"r2", "r3", "r4", "r5", "r1"}, names(v.Items()))
}

// A resource used by several agents is listed under the sum of its rows,
// and a live update for one agent must keep that sum.
func TestViewScoreSumsAcrossAgents(t *testing.T) {
	db := testStore(t)
	ctx := context.Background()
	seedScore(t, db, usage.Key{Activity: "C1", Agent: "A1", Resource: "R1"}, 5)
	seedScore(t, db, usage.Key{Activity: "C1", Agent: "A2", Resource: "R1"}, 5)
	seedScore(t, db, usage.Key{Activity: "C1", Agent: "A1", Resource: "R2"}, 7)

	q := query.New().WithSelection(query.Used).AddAgents(usage.Any)
	env := fixedEnv("C1", "me")
	v, bus := newView(t, db, q, env, nil, 10)
	require.Equal(t, []string{"R1", "R2"}, names(v.Items()))

	seedScore(t, db, usage.Key{Activity: "C1", Agent: "A2", Resource: "R1"}, 6)
	rows, err := db.ResourceScores(ctx, "R1")
	require.NoError(t, err)
	k := usage.Key{Activity: "C1", Agent: "A2", Resource: "R1"}
	bus.Publish(usage.Event{Kind: usage.ScoreUpdated, Key: k, Score: 6, FirstUpdate: base, LastUpdate: base, Scores: rows})
	idle(t, bus)

	rs, err := NewResultSet(ctx, db, q, env, WithClock(func() time.Time { return base }))
	require.NoError(t, err)
	cold, err := rs.All(ctx)
	require.NoError(t, err)

	live := v.Items()
	require.Equal(t, names(cold), names(live))
	for i := range cold {
		assert.InDelta(t, cold[i].Score, live[i].Score, 1e-9, cold[i].Resource)
	}
	assert.InDelta(t, 11.0, live[0].Score, 1e-9)
}

// Rows computed at different instants are compared at one reference time.
func TestViewAlignsScoresToLatestUpdate(t *testing.T) {
	src := &sliceSource{rows: []usage.Result{
		{Resource: "a", Score: 10, LastUpdate: base},
		{Resource: "b", Score: 9, LastUpdate: base},
	}}
	v, bus := newView(t, src, query.New().AddAgents(usage.Any), fixedEnv("", "x"), nil, 10)

	later := base.Add(32 * 24 * time.Hour)
	k := usage.Key{Agent: "x", Resource: "c"}
	bus.Publish(usage.Event{Kind: usage.ScoreUpdated, Key: k, Score: 3.5, LastUpdate: later})
	idle(t, bus)

	// a and b have decayed to about 3.68 and 3.31 by the time c is scored.
	items := v.Items()
	require.Equal(t, []string{"a", "c", "b"}, names(items))
	assert.InDelta(t, 10*usage.Decay(base, later), items[0].Score, 1e-9)
	assert.InDelta(t, 3.5, items[1].Score, 1e-9)
}

func TestViewResetsOnActivityChange(t *testing.T) {
	db := testStore(t)
	seedScore(t, db, usage.Key{Activity: "A", Agent: "me", Resource: "in-a"}, 1)
	seedScore(t, db, usage.Key{Activity: "B", Agent: "me", Resource: "in-b"}, 1)

	tracker := activity.NewTracker("A")
	env := func() query.Env { return query.Env{Activity: tracker.CurrentActivity(), Agent: "me"} }
	v, _ := newView(t, db, query.New().WithSelection(query.Used), env, tracker, 10)
	require.Equal(t, []string{"in-a"}, names(v.Items()))

	require.NoError(t, tracker.SetCurrent("B"))
	assert.Equal(t, []string{"in-b"}, names(v.Items()))
}

func TestViewChangesSignal(t *testing.T) {
	src := &sliceSource{rows: rows("a")}
	v, bus := newView(t, src, query.New().AddAgents(usage.Any).ClearActivities().AddActivities(usage.Any), nil, nil, 10)
	// Drain the signal from the initial load.
	select {
	case <-v.Changes():
	default:
	}

	bus.Publish(scoreEvent("x", "y", "b", 0.1))
	select {
	case <-v.Changes():
	case <-time.After(5 * time.Second):
		t.Fatal("no change signal")
	}
}
