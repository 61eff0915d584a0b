// Package ranking keeps a bounded top-K list of used resources per
// activity, maintained from score events instead of store reads.
package ranking

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/rankd/internal/activity"
	"github.com/lazypower/rankd/internal/query"
	"github.com/lazypower/rankd/internal/usage"
)

// DefaultSize is the number of entries kept per activity.
const DefaultSize = 10

// Loader seeds an activity's list with at most k entries ordered by score,
// and reports the time their scores were decayed to.
type Loader func(ctx context.Context, activity string, k int) ([]usage.Result, time.Time, error)

// Query is the listing a ranking mirrors: resources used in activity by
// any agent, highest score first. Loaders must read exactly this.
func Query(activity string) query.Query {
	return query.New().
		WithSelection(query.Used).
		WithOrdering(query.HighScoreFirst).
		ClearActivities().
		AddActivities(activity).
		AddAgents(usage.Any)
}

type state int

const (
	uninitialized state = iota
	loading
	populated
)

type list struct {
	state     state
	items     []usage.Result
	at        time.Time // what item scores are decayed to
	threshold float64
	pending   []usage.Event
	match     query.Resolved
	ready     chan struct{} // closed when a load ends
}

type subscription struct {
	activity string
	types    query.Resolved
	fn       func([]usage.Result)
}

// Cache holds one list per activity. It is owned by the engine that
// hosts it and lives between Start and Stop.
type Cache struct {
	k        int
	load     Loader
	resolver activity.Resolver
	log      *zap.Logger

	mu     sync.Mutex
	lists  map[string]*list
	subs   map[int]*subscription
	nextID int

	wg             sync.WaitGroup
	cancelActivity func()
}

// New creates a cache of k entries per activity.
func New(k int, load Loader, resolver activity.Resolver, log *zap.Logger) *Cache {
	if k <= 0 {
		k = DefaultSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		k:        k,
		load:     load,
		resolver: resolver,
		log:      log.Named("ranking"),
		lists:    make(map[string]*list),
		subs:     make(map[int]*subscription),
	}
}

// Start warms the current activity and keeps whichever activity becomes
// current warm from then on.
func (c *Cache) Start(ctx context.Context) {
	if c.resolver == nil {
		return
	}
	c.cancelActivity = c.resolver.Subscribe(func(a string) { c.warmAsync(a) })
	if _, err := c.Snapshot(ctx, c.resolver.CurrentActivity()); err != nil {
		c.log.Warn("initial warm failed", zap.Error(err))
	}
}

// Stop detaches from the resolver and waits for background warms.
func (c *Cache) Stop() {
	if c.cancelActivity != nil {
		c.cancelActivity()
	}
	c.wg.Wait()
}

func (c *Cache) Size() int { return c.k }

// Snapshot returns the activity's list, loading it on first access.
func (c *Cache) Snapshot(ctx context.Context, activity string) ([]usage.Result, error) {
	if err := c.ensure(ctx, activity); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.lists[activity]
	if l == nil || l.state != populated {
		// Reset by a forget between ensure and here.
		return nil, nil
	}
	return clone(l.items), nil
}

// Threshold returns the score a new entry must beat to be admitted.
func (c *Cache) Threshold(activity string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l := c.lists[activity]; l != nil {
		return l.threshold
	}
	return 0
}

// Subscribe registers fn for changes to activity's list, optionally
// restricted to a mimetype filter (":any", a literal or a "prefix*"). fn
// receives the current snapshot before Subscribe returns.
func (c *Cache) Subscribe(ctx context.Context, activity, typeFilter string, fn func([]usage.Result)) (cancel func(), err error) {
	if typeFilter == "" {
		typeFilter = usage.Any
	}
	q := query.New().AddActivities(usage.Any).AddAgents(usage.Any).AddTypes(typeFilter)
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if err := c.ensure(ctx, activity); err != nil {
		return nil, err
	}
	sub := &subscription{activity: activity, types: query.Resolve(q, query.Env{}), fn: fn}

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = sub
	var snap []usage.Result
	if l := c.lists[activity]; l != nil {
		snap = sub.filter(l.items)
	}
	c.mu.Unlock()

	fn(snap)
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}, nil
}

// HandleEvent implements eventbus.Handler.
func (c *Cache) HandleEvent(_ context.Context, evt usage.Event) error {
	switch evt.Kind {
	case usage.ScoreUpdated:
		c.mu.Lock()
		l := c.lists[evt.Key.Activity]
		switch {
		case l == nil || l.state == uninitialized:
			c.mu.Unlock()
			return nil
		case l.state == loading:
			l.pending = append(l.pending, evt)
			c.mu.Unlock()
			return nil
		}
		changed := c.apply(l, evt)
		notify := c.collect(evt.Key.Activity, changed, l)
		c.mu.Unlock()
		notify()

	case usage.TitleChanged:
		c.mu.Lock()
		var notifies []func()
		for a, l := range c.lists {
			if l.state != populated {
				continue
			}
			changed := false
			for i := range l.items {
				if l.items[i].Resource == evt.Key.Resource {
					l.items[i].Title = evt.Title
					if evt.MimeType != "" {
						l.items[i].MimeType = evt.MimeType
					}
					changed = true
				}
			}
			notifies = append(notifies, c.collect(a, changed, l))
		}
		c.mu.Unlock()
		for _, n := range notifies {
			n()
		}

	case usage.Forgotten:
		warm := map[string]bool{}
		c.mu.Lock()
		for a := range c.lists {
			delete(c.lists, a)
		}
		for _, s := range c.subs {
			warm[s.activity] = true
		}
		c.mu.Unlock()
		if c.resolver != nil {
			warm[c.resolver.CurrentActivity()] = true
		}
		for a := range warm {
			c.warmAsync(a)
		}
	}
	return nil
}

// apply folds one score event into a populated list and reports whether
// the list changed. The entry's score is the sum over every agent of the
// activity, the same figure the loader reads.
func (c *Cache) apply(l *list, evt usage.Event) bool {
	entry, ok := evt.SumFor(func(k usage.Key) bool { return l.match.Matches(k, "") })
	if !ok {
		return false
	}
	if evt.LastUpdate.After(l.at) {
		usage.RebaseScores(l.items, l.at, evt.LastUpdate)
		l.at = evt.LastUpdate
		l.threshold = c.threshold(l.items)
	} else {
		entry = entry.DecayedTo(evt.LastUpdate, l.at)
	}

	at := -1
	for i := range l.items {
		if l.items[i].Resource == entry.Resource {
			at = i
			break
		}
	}
	if at < 0 && entry.Score <= l.threshold {
		return false
	}

	if at >= 0 {
		old := l.items[at]
		if entry.Title == "" {
			entry.Title = old.Title
		}
		if entry.MimeType == "" {
			entry.MimeType = old.MimeType
		}
		l.items = append(l.items[:at], l.items[at+1:]...)
	}

	i := sort.Search(len(l.items), func(i int) bool { return query.HighScoreFirst.Less(entry, l.items[i]) })
	l.items = append(l.items, usage.Result{})
	copy(l.items[i+1:], l.items[i:])
	l.items[i] = entry

	if len(l.items) > c.k {
		l.items = l.items[:c.k]
	}
	l.threshold = c.threshold(l.items)
	return true
}

func (c *Cache) threshold(items []usage.Result) float64 {
	if len(items) < c.k {
		return 0
	}
	return items[c.k-1].Score
}

// collect prepares subscriber callbacks for activity. Called with mu held;
// the returned function must run after mu is released.
func (c *Cache) collect(activity string, changed bool, l *list) func() {
	if !changed {
		return func() {}
	}
	type call struct {
		fn   func([]usage.Result)
		snap []usage.Result
	}
	var calls []call
	for _, s := range c.subs {
		if s.activity == activity {
			calls = append(calls, call{s.fn, s.filter(l.items)})
		}
	}
	return func() {
		for _, cl := range calls {
			cl.fn(cl.snap)
		}
	}
}

// ensure loads activity's list if nobody has yet, or waits for the load
// already running.
func (c *Cache) ensure(ctx context.Context, activity string) error {
	for {
		c.mu.Lock()
		l := c.lists[activity]
		if l != nil && l.state == populated {
			c.mu.Unlock()
			return nil
		}
		if l != nil && l.state == loading {
			ready := l.ready
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ready:
			}
			continue
		}
		if l == nil {
			l = &list{match: query.Resolve(Query(activity), query.Env{})}
			c.lists[activity] = l
		}
		l.state = loading
		l.ready = make(chan struct{})
		c.mu.Unlock()

		return c.populate(ctx, activity, l)
	}
}

func (c *Cache) populate(ctx context.Context, activity string, l *list) error {
	items, at, err := c.load(ctx, activity, c.k)

	c.mu.Lock()
	defer close(l.ready)
	if c.lists[activity] != l {
		// Forgotten while loading; the next access starts over.
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		l.state = uninitialized
		l.pending = nil
		c.mu.Unlock()
		return err
	}

	sort.SliceStable(items, func(i, j int) bool { return query.HighScoreFirst.Less(items[i], items[j]) })
	if len(items) > c.k {
		items = items[:c.k]
	}
	l.items = items
	l.at = at
	l.threshold = c.threshold(items)
	l.state = populated
	for _, evt := range l.pending {
		c.apply(l, evt)
	}
	l.pending = nil
	notify := c.collect(activity, true, l)
	c.mu.Unlock()
	notify()

	c.log.Debug("populated", zap.String("activity", activity), zap.Int("entries", len(items)))
	return nil
}

func (c *Cache) warmAsync(activity string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.ensure(ctx, activity); err != nil {
			c.log.Warn("warm failed", zap.String("activity", activity), zap.Error(err))
		}
	}()
}

func (s *subscription) filter(items []usage.Result) []usage.Result {
	out := make([]usage.Result, 0, len(items))
	for _, r := range items {
		if s.types.Matches(usage.Key{}, r.MimeType) {
			out = append(out, r)
		}
	}
	return out
}

func clone(items []usage.Result) []usage.Result {
	out := make([]usage.Result, len(items))
	copy(out, items)
	return out
}
