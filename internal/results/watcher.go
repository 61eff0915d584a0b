package results

import (
	"context"
	"sync"
	"time"

	"github.com/lazypower/rankd/internal/eventbus"
	"github.com/lazypower/rankd/internal/metrics"
	"github.com/lazypower/rankd/internal/query"
	"github.com/lazypower/rankd/internal/usage"
)

// NotificationKind says how a query's result changed.
type NotificationKind string

const (
	Added        NotificationKind = "added"
	Removed      NotificationKind = "removed"
	TitleChanged NotificationKind = "title_changed"
	Invalidated  NotificationKind = "invalidated"
)

// Notification is one change to a watched query. Result is populated for
// Added; Removed and TitleChanged carry only Resource (and Title). At is
// the time an Added score is decayed to, zero for linked rows.
type Notification struct {
	Kind   NotificationKind `json:"kind"`
	Result usage.Result     `json:"result"`
	At     time.Time        `json:"at"`
}

// Subscriber is the bus capability a watcher attaches to.
type Subscriber interface {
	Subscribe(name string, h eventbus.Handler) (cancel func())
}

// Watcher filters change events against one query. Sentinels are resolved
// per event, with the same predicate the store uses for the cold path.
type Watcher struct {
	q   query.Query
	env EnvFunc
	fn  func(Notification)

	mu     sync.Mutex
	cancel func()
}

// NewWatcher returns a detached watcher. Attach it with Watch or feed it
// events directly through HandleEvent.
func NewWatcher(q query.Query, env EnvFunc, fn func(Notification)) *Watcher {
	if env == nil {
		env = func() query.Env { return query.Env{} }
	}
	return &Watcher{q: q, env: env, fn: fn}
}

// Watch validates q and attaches a new watcher to bus.
func Watch(bus Subscriber, q query.Query, env EnvFunc, fn func(Notification)) (*Watcher, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	w := NewWatcher(q, env, fn)
	w.cancel = bus.Subscribe("watch:"+q.Selection().String(), w)
	metrics.Watchers.Inc()
	return w, nil
}

func (w *Watcher) Query() query.Query { return w.q }

// Close detaches the watcher. It must not be called from its callback.
func (w *Watcher) Close() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
		metrics.Watchers.Dec()
	}
}

// HandleEvent implements eventbus.Handler.
func (w *Watcher) HandleEvent(_ context.Context, evt usage.Event) error {
	if n, ok := w.Classify(evt); ok {
		w.fn(n)
	}
	return nil
}

// Classify decides what evt means for the watched query.
func (w *Watcher) Classify(evt usage.Event) (Notification, bool) {
	sel := w.q.Selection()
	r := query.Resolve(w.q, w.env())
	match := func(k usage.Key) bool { return r.Matches(k, evt.MimeType) }

	switch evt.Kind {
	case usage.ScoreUpdated:
		if sel == query.Linked || !match(evt.Key) {
			return Notification{}, false
		}
		// The row's score is the sum over every matching key of the
		// resource, as the store reports it.
		res, ok := evt.SumFor(match)
		if !ok {
			return Notification{}, false
		}
		return Notification{Kind: Added, Result: res, At: evt.LastUpdate}, true

	case usage.Linked:
		if sel == query.Used || !match(evt.Key) {
			return Notification{}, false
		}
		return Notification{Kind: Added, Result: evt.Result()}, true

	case usage.Unlinked:
		if sel == query.Used || !match(evt.Key) {
			return Notification{}, false
		}
		if sel == query.All {
			// Usage may still keep the resource in the list under a score
			// the event does not carry.
			return Notification{Kind: Invalidated}, true
		}
		return Notification{Kind: Removed, Result: usage.Result{Resource: evt.Key.Resource}}, true

	case usage.Forgotten:
		if sel == query.Linked {
			return Notification{}, false
		}
		return Notification{Kind: Invalidated}, true

	case usage.TitleChanged:
		if !evt.Touches(sel != query.Linked, sel != query.Used, match) {
			return Notification{}, false
		}
		return Notification{Kind: TitleChanged, Result: usage.Result{
			Resource: evt.Key.Resource, Title: evt.Title, MimeType: evt.MimeType,
		}}, true
	}
	return Notification{}, false
}
