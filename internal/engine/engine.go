// Package engine is the usage-ranking facade: it records usage, keeps
// per-key decayed scores current through a background worker, and hands
// out result sets, live watchers, views and top-K rankings over them.
package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/rankd/internal/activity"
	"github.com/lazypower/rankd/internal/eventbus"
	"github.com/lazypower/rankd/internal/query"
	"github.com/lazypower/rankd/internal/ranking"
	"github.com/lazypower/rankd/internal/results"
	"github.com/lazypower/rankd/internal/store"
	"github.com/lazypower/rankd/internal/usage"
)

// Store is the persistence capability the engine needs. *store.DB
// implements it.
type Store interface {
	results.Source
	RecordInterval(ctx context.Context, iv usage.Interval) error
	UpdateScore(ctx context.Context, k usage.Key, now time.Time, acc store.Accumulator) (usage.ScoreRecord, error)
	Link(ctx context.Context, l usage.LinkRecord, at time.Time) (bool, error)
	Unlink(ctx context.Context, l usage.LinkRecord) (bool, error)
	SetResourceInfo(ctx context.Context, info usage.ResourceInfo) error
	ResourceInfo(ctx context.Context, resource string) (usage.ResourceInfo, error)
	ResourceScores(ctx context.Context, resource string) ([]usage.ScoreRecord, error)
	ResourceLinks(ctx context.Context, resource string) ([]usage.LinkRecord, error)
	ForgetResource(ctx context.Context, resource string) (int64, error)
	ForgetSince(ctx context.Context, since time.Time) (int64, error)
	ForgetBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

var _ Store = (*store.DB)(nil)

// Options configures an Engine. Zero values pick the defaults.
type Options struct {
	Workers     int
	RetryDelay  time.Duration
	RankingSize int
	ChunkSize   int
	Now         func() time.Time
	Logger      *zap.Logger
	Bus         *eventbus.Bus
	Resolver    activity.Resolver
}

const (
	DefaultWorkers    = 4
	DefaultRetryDelay = 5 * time.Second
)

// Engine owns the dirty-key worker and the ranking cache. Both live
// between Start and Stop.
type Engine struct {
	store    Store
	bus      *eventbus.Bus
	ownBus   bool
	resolver activity.Resolver
	ranking  *ranking.Cache
	log      *zap.Logger
	clock    func() time.Time

	workers    int
	retryDelay time.Duration
	chunk      int

	dirty   *dirtySet
	keys    *keyLock
	drainMu sync.Mutex

	cancelRanking func()
	stopCh        chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// New creates an Engine over st. It does nothing in the background until
// Start is called.
func New(st Store, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = results.DefaultChunkSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ownBus := opts.Bus == nil
	if ownBus {
		opts.Bus = eventbus.New(opts.Logger)
	}
	if opts.Resolver == nil {
		opts.Resolver = activity.Static(usage.Global)
	}

	e := &Engine{
		store:      st,
		bus:        opts.Bus,
		ownBus:     ownBus,
		resolver:   opts.Resolver,
		log:        opts.Logger.Named("engine"),
		clock:      opts.Now,
		workers:    opts.Workers,
		retryDelay: opts.RetryDelay,
		chunk:      opts.ChunkSize,
		dirty:      newDirtySet(),
		keys:       newKeyLock(),
		stopCh:     make(chan struct{}),
	}
	e.ranking = ranking.New(opts.RankingSize, e.loadRanking, opts.Resolver, opts.Logger)
	return e
}

// Bus returns the event bus the engine publishes on.
func (e *Engine) Bus() *eventbus.Bus { return e.bus }

// Resolver returns the activity resolver used for :current.
func (e *Engine) Resolver() activity.Resolver { return e.resolver }

// Start launches the dirty-key worker and warms the ranking of the
// current activity.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.runWorker()

	e.cancelRanking = e.bus.Subscribe("ranking", e.ranking)
	e.ranking.Start(ctx)
	e.log.Info("started", zap.Int("workers", e.workers), zap.Int("ranking_size", e.ranking.Size()))
}

// Stop shuts down the engine's background goroutines, and the bus if New
// created it. Keys still dirty stay unscored until the next Flush.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.cancelRanking != nil {
			e.cancelRanking()
		}
		e.ranking.Stop()
		close(e.stopCh)
	})
	e.wg.Wait()
	if e.ownBus {
		e.bus.Close()
	}
}

// now is the engine clock at store precision.
func (e *Engine) now() time.Time {
	return time.UnixMilli(e.clock().UnixMilli())
}

// env resolves :current for a caller. The activity is read on every call
// so long-lived watchers follow activity switches.
func (e *Engine) env(ctx context.Context) results.EnvFunc {
	agent := AgentFromContext(ctx)
	return func() query.Env {
		return query.Env{Activity: e.resolver.CurrentActivity(), Agent: agent}
	}
}

// Execute runs q against the store.
func (e *Engine) Execute(ctx context.Context, q query.Query) (*results.ResultSet, error) {
	return results.NewResultSet(ctx, e.store, q, e.env(ctx),
		results.WithChunkSize(e.chunk), results.WithClock(e.now))
}

// Watch attaches a live watcher for q. Close it when done.
func (e *Engine) Watch(ctx context.Context, q query.Query, fn func(results.Notification)) (*results.Watcher, error) {
	return results.Watch(e.bus, q, e.env(ctx), fn)
}

// View opens a paginated, live-maintained view of q. Close it when done.
func (e *Engine) View(ctx context.Context, q query.Query) (*results.View, error) {
	rs, err := e.Execute(ctx, q)
	if err != nil {
		return nil, err
	}
	return results.NewView(ctx, rs, e.bus, e.resolver, e.chunk)
}

// RankingSnapshot returns the top-K used resources of an activity. An
// empty activity or :current means the current one.
func (e *Engine) RankingSnapshot(ctx context.Context, activity string) ([]usage.Result, error) {
	a, err := e.rankingActivity(activity)
	if err != nil {
		return nil, err
	}
	return e.ranking.Snapshot(ctx, a)
}

// SubscribeRanking calls fn with the activity's top-K list now and after
// every change, restricted to typeFilter.
func (e *Engine) SubscribeRanking(ctx context.Context, activity, typeFilter string, fn func([]usage.Result)) (cancel func(), err error) {
	a, err := e.rankingActivity(activity)
	if err != nil {
		return nil, err
	}
	return e.ranking.Subscribe(ctx, a, typeFilter, fn)
}

func (e *Engine) rankingActivity(a string) (string, error) {
	switch a {
	case "", usage.Current:
		return e.resolver.CurrentActivity(), nil
	case usage.Any:
		return "", usage.Errorf(usage.InvalidQuery, "ranking needs a single activity, got %s", usage.Any)
	}
	if _, err := validateKey(usage.Key{Activity: a, Resource: "-"}); err != nil {
		return "", err
	}
	return a, nil
}

func (e *Engine) loadRanking(ctx context.Context, activity string, k int) ([]usage.Result, time.Time, error) {
	q := ranking.Query(activity).WithLimit(k)
	at := e.now()
	items, err := e.store.FetchResults(ctx, query.Resolve(q, query.Env{}), at, 0, k)
	return items, at, err
}

// publishFor publishes evt with the resource's known title and type.
func (e *Engine) publishFor(ctx context.Context, evt usage.Event) {
	info, err := e.store.ResourceInfo(ctx, evt.Key.Resource)
	if err != nil {
		e.log.Warn("resource info lookup failed", zap.String("resource", evt.Key.Resource), zap.Error(err))
	} else {
		evt.Title = info.Title
		evt.MimeType = info.MimeType
	}
	evt.At = e.now()
	e.bus.Publish(evt)
}
