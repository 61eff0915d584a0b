package ranking

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/rankd/internal/activity"
	"github.com/lazypower/rankd/internal/usage"
)

// fakeLoader serves fixed lists per activity and counts loads.
type fakeLoader struct {
	mu    sync.Mutex
	data  map[string][]usage.Result
	loads map[string]int
	gate  chan struct{}
	at    time.Time
}

func newLoader() *fakeLoader {
	return &fakeLoader{data: map[string][]usage.Result{}, loads: map[string]int{}}
}

func (f *fakeLoader) load(ctx context.Context, activity string, k int) ([]usage.Result, time.Time, error) {
	f.mu.Lock()
	f.loads[activity]++
	gate := f.gate
	items := append([]usage.Result(nil), f.data[activity]...)
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if len(items) > k {
		items = items[:k]
	}
	return items, f.at, nil
}

func (f *fakeLoader) count(activity string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads[activity]
}

func descending(n int) []usage.Result {
	out := make([]usage.Result, n)
	for i := range out {
		score := float64(n - i)
		out[i] = usage.Result{Resource: fmt.Sprintf("r%02d", int(score)), Score: score}
	}
	return out
}

func update(activity, resource string, score float64) usage.Event {
	return usage.Event{
		Kind:  usage.ScoreUpdated,
		Key:   usage.Key{Activity: activity, Agent: "a", Resource: resource},
		Score: score,
	}
}

func resources(rs []usage.Result) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Resource
	}
	return out
}

func TestTopKAdmissionAndEviction(t *testing.T) {
	ld := newLoader()
	ld.data["C1"] = descending(10)
	c := New(10, ld.load, nil, nil)
	ctx := context.Background()

	snap, err := c.Snapshot(ctx, "C1")
	require.NoError(t, err)
	require.Len(t, snap, 10)
	assert.Equal(t, 1.0, c.Threshold("C1"))

	require.NoError(t, c.HandleEvent(ctx, update("C1", "low", 0.5)))
	snap, _ = c.Snapshot(ctx, "C1")
	assert.NotContains(t, resources(snap), "low")

	require.NoError(t, c.HandleEvent(ctx, update("C1", "high", 15)))
	snap, _ = c.Snapshot(ctx, "C1")
	require.Len(t, snap, 10)
	assert.Equal(t, "high", snap[0].Resource)
	assert.NotContains(t, resources(snap), "r01")
	assert.Equal(t, 2.0, c.Threshold("C1"))
}

func TestExistingEntryMoves(t *testing.T) {
	ld := newLoader()
	ld.data["C1"] = descending(5)
	c := New(10, ld.load, nil, nil)
	ctx := context.Background()
	c.Snapshot(ctx, "C1")

	require.NoError(t, c.HandleEvent(ctx, update("C1", "r01", 4.5)))
	snap, _ := c.Snapshot(ctx, "C1")
	assert.Equal(t, []string{"r05", "r01", "r04", "r03", "r02"}, resources(snap))
	assert.Equal(t, 0.0, c.Threshold("C1"))
}

func TestUninitializedActivityIgnoresEvents(t *testing.T) {
	ld := newLoader()
	c := New(10, ld.load, nil, nil)
	ctx := context.Background()

	require.NoError(t, c.HandleEvent(ctx, update("cold", "r", 5)))
	assert.Equal(t, 0, ld.count("cold"))

	snap, err := c.Snapshot(ctx, "cold")
	require.NoError(t, err)
	assert.Empty(t, snap)
	assert.Equal(t, 1, ld.count("cold"))
}

func TestBoundedAndSortedUnderRandomUpdates(t *testing.T) {
	ld := newLoader()
	ld.data["C1"] = descending(3)
	c := New(5, ld.load, nil, nil)
	ctx := context.Background()
	c.Snapshot(ctx, "C1")

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		res := fmt.Sprintf("x%d", rng.Intn(30))
		require.NoError(t, c.HandleEvent(ctx, update("C1", res, rng.Float64()*100)))

		snap, _ := c.Snapshot(ctx, "C1")
		require.LessOrEqual(t, len(snap), 5)
		seen := map[string]bool{}
		for j := range snap {
			require.False(t, seen[snap[j].Resource], "duplicate %s", snap[j].Resource)
			seen[snap[j].Resource] = true
			if j > 0 {
				require.GreaterOrEqual(t, snap[j-1].Score, snap[j].Score)
			}
		}
		if len(snap) == 5 {
			require.Equal(t, snap[4].Score, c.Threshold("C1"))
		} else {
			require.Equal(t, 0.0, c.Threshold("C1"))
		}
	}
}

func TestSubscribeGetsSnapshotAndUpdates(t *testing.T) {
	ld := newLoader()
	ld.data["C1"] = []usage.Result{
		{Resource: "doc", Score: 3, MimeType: "text/plain"},
		{Resource: "pic", Score: 2, MimeType: "image/png"},
	}
	c := New(10, ld.load, nil, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var got [][]string
	cancel, err := c.Subscribe(ctx, "C1", "text/*", func(rs []usage.Result) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, resources(rs))
	})
	require.NoError(t, err)

	require.NoError(t, c.HandleEvent(ctx, usage.Event{
		Kind: usage.ScoreUpdated, Key: usage.Key{Activity: "C1", Agent: "a", Resource: "notes"},
		Score: 5, MimeType: "text/markdown",
	}))
	require.NoError(t, c.HandleEvent(ctx, update("other", "x", 5)))

	cancel()
	require.NoError(t, c.HandleEvent(ctx, update("C1", "late", 50)))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, [][]string{{"doc"}, {"notes", "doc"}}, got)
}

func TestSubscribeRejectsBadFilter(t *testing.T) {
	c := New(10, newLoader().load, nil, nil)
	_, err := c.Subscribe(context.Background(), "C1", usage.Current, func([]usage.Result) {})
	assert.True(t, usage.IsCode(err, usage.InvalidQuery))
}

func TestTitleChangeUpdatesEntries(t *testing.T) {
	ld := newLoader()
	ld.data["C1"] = descending(2)
	c := New(10, ld.load, nil, nil)
	ctx := context.Background()
	c.Snapshot(ctx, "C1")

	require.NoError(t, c.HandleEvent(ctx, usage.Event{Kind: usage.TitleChanged, Key: usage.Key{Resource: "r01"}, Title: "One"}))
	snap, _ := c.Snapshot(ctx, "C1")
	assert.Equal(t, "One", snap[1].Title)
}

func TestForgetResetsAndRewarmsCurrent(t *testing.T) {
	ld := newLoader()
	ld.data["cur"] = descending(2)
	ld.data["other"] = descending(2)
	tracker := activity.NewTracker("cur")
	c := New(10, ld.load, tracker, nil)
	ctx := context.Background()
	c.Start(ctx)
	defer c.Stop()

	c.Snapshot(ctx, "other")
	require.Equal(t, 1, ld.count("cur"))
	require.Equal(t, 1, ld.count("other"))

	require.NoError(t, c.HandleEvent(ctx, usage.Event{Kind: usage.Forgotten}))
	require.Eventually(t, func() bool { return ld.count("cur") == 2 }, 5*time.Second, time.Millisecond)

	// The other activity is reloaded only when next asked for.
	assert.Equal(t, 1, ld.count("other"))
	c.Snapshot(ctx, "other")
	assert.Equal(t, 2, ld.count("other"))
}

func TestActivitySwitchWarmsNewCurrent(t *testing.T) {
	ld := newLoader()
	tracker := activity.NewTracker("a")
	c := New(10, ld.load, tracker, nil)
	c.Start(context.Background())
	defer c.Stop()

	require.NoError(t, tracker.SetCurrent("b"))
	require.Eventually(t, func() bool { return ld.count("b") == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, 1, ld.count("a"))
}

func TestEventsDuringLoadAreReplayed(t *testing.T) {
	ld := newLoader()
	ld.data["C1"] = descending(2)
	ld.gate = make(chan struct{})
	c := New(10, ld.load, nil, nil)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Snapshot(ctx, "C1")
	}()
	require.Eventually(t, func() bool { return ld.count("C1") == 1 }, 5*time.Second, time.Millisecond)

	require.NoError(t, c.HandleEvent(ctx, update("C1", "fresh", 9)))
	close(ld.gate)
	<-done

	snap, err := c.Snapshot(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh", "r02", "r01"}, resources(snap))
}

func TestLoadIsSharedByConcurrentReaders(t *testing.T) {
	ld := newLoader()
	ld.data["C1"] = descending(3)
	ld.gate = make(chan struct{})
	c := New(10, ld.load, nil, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	snaps := make([][]usage.Result, 4)
	for i := range snaps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snaps[i], _ = c.Snapshot(ctx, "C1")
		}()
	}
	require.Eventually(t, func() bool { return ld.count("C1") == 1 }, 5*time.Second, time.Millisecond)
	close(ld.gate)
	wg.Wait()

	assert.Equal(t, 1, ld.count("C1"))
	for _, snap := range snaps {
		assert.Len(t, snap, 3)
	}
}

func TestWaitingForLoadHonorsContext(t *testing.T) {
	ld := newLoader()
	ld.gate = make(chan struct{})
	defer close(ld.gate)
	c := New(10, ld.load, nil, nil)

	go c.Snapshot(context.Background(), "C1")
	require.Eventually(t, func() bool { return ld.count("C1") == 1 }, 5*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Snapshot(ctx, "C1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// Two agents using one resource rank it by their combined score, the
// figure a cold read of the activity reports.
func TestScoresSumAcrossAgents(t *testing.T) {
	t0 := time.UnixMilli(1_760_000_000_000)
	ld := newLoader()
	ld.at = t0
	ld.data["C1"] = []usage.Result{{Resource: "R1", Score: 10}, {Resource: "R2", Score: 7}}
	c := New(10, ld.load, nil, nil)
	ctx := context.Background()
	c.Snapshot(ctx, "C1")

	t1 := t0.Add(time.Minute)
	evt := usage.Event{
		Kind:       usage.ScoreUpdated,
		Key:        usage.Key{Activity: "C1", Agent: "A2", Resource: "R1"},
		Score:      6,
		LastUpdate: t1,
		Scores: []usage.ScoreRecord{
			{Key: usage.Key{Activity: "C1", Agent: "A1", Resource: "R1"}, CachedScore: 5, LastUpdate: t0},
			{Key: usage.Key{Activity: "C1", Agent: "A2", Resource: "R1"}, CachedScore: 6, LastUpdate: t1},
			{Key: usage.Key{Activity: "C2", Agent: "A1", Resource: "R1"}, CachedScore: 50, LastUpdate: t1},
		},
	}
	require.NoError(t, c.HandleEvent(ctx, evt))

	snap, _ := c.Snapshot(ctx, "C1")
	require.Equal(t, []string{"R1", "R2"}, resources(snap))
	assert.InDelta(t, 5*usage.Decay(t0, t1)+6, snap[0].Score, 1e-9)
	// R2 was decayed to the same instant.
	assert.InDelta(t, 7*usage.Decay(t0, t1), snap[1].Score, 1e-9)
}

func TestStaleEventIsDecayedToListTime(t *testing.T) {
	t0 := time.UnixMilli(1_760_000_000_000)
	ld := newLoader()
	ld.at = t0.Add(24 * time.Hour)
	ld.data["C1"] = []usage.Result{{Resource: "R1", Score: 1}}
	c := New(10, ld.load, nil, nil)
	ctx := context.Background()
	c.Snapshot(ctx, "C1")

	evt := update("C1", "R2", 1.01)
	evt.LastUpdate = t0
	require.NoError(t, c.HandleEvent(ctx, evt))

	snap, _ := c.Snapshot(ctx, "C1")
	require.Equal(t, []string{"R1", "R2"}, resources(snap))
	assert.InDelta(t, 1.01*usage.Decay(t0, ld.at), snap[1].Score, 1e-9)
}
