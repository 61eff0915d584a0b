package results

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lazypower/rankd/internal/activity"
	"github.com/lazypower/rankd/internal/usage"
)

// View is a paginated, ordered, live projection of one query. Rows are
// loaded a chunk at a time and kept in order as notifications arrive.
//
// Scores in the view are all decayed to one reference time, at. Rows that
// arrive computed for another instant are carried to it first.
type View struct {
	rs    *ResultSet
	chunk int
	ctx   context.Context
	stop  context.CancelFunc

	mu        sync.Mutex
	items     []usage.Result
	at        time.Time
	gen       int
	exhausted bool
	err       error

	changes        chan struct{}
	watcher        *Watcher
	cancelActivity func()
}

// NewView loads the first chunk of rs and starts following bus. When the
// query depends on the current activity, a change reported by resolver
// resets the view.
func NewView(ctx context.Context, rs *ResultSet, bus Subscriber, resolver activity.Resolver, chunk int) (*View, error) {
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	vctx, stop := context.WithCancel(context.WithoutCancel(ctx))
	v := &View{
		rs:      rs,
		chunk:   chunk,
		ctx:     vctx,
		stop:    stop,
		changes: make(chan struct{}, 1),
	}

	if err := v.LoadMore(ctx); err != nil {
		stop()
		return nil, err
	}

	w, err := Watch(bus, rs.Query(), rs.env, v.apply)
	if err != nil {
		stop()
		return nil, err
	}
	v.watcher = w

	if resolver != nil && rs.Query().UsesCurrentActivity() {
		v.cancelActivity = resolver.Subscribe(func(string) { v.Reset() })
	}
	return v, nil
}

// Items returns a copy of the loaded rows in order.
func (v *View) Items() []usage.Result {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]usage.Result, len(v.items))
	copy(out, v.items)
	return out
}

func (v *View) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.items)
}

// HasMore reports whether the store may hold rows not yet loaded.
func (v *View) HasMore() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return !v.exhausted
}

// Err returns the last error hit while loading in the background.
func (v *View) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

// Changes signals after every mutation. Signals coalesce.
func (v *View) Changes() <-chan struct{} {
	return v.changes
}

// LoadMore fetches the rows that follow the last loaded one. Rows already
// present through a live update are not duplicated.
//
// The next chunk is found from the last row rather than a count of rows
// read so far, since live updates add and remove rows in between. The
// read starts at the last row's position, which is only a guess: the
// first page must open at or before that row, or a row may have been
// skipped and the read backs off a chunk.
func (v *View) LoadMore(ctx context.Context) error {
	v.mu.Lock()
	if v.exhausted {
		v.mu.Unlock()
		return nil
	}
	gen, offset := v.gen, 0
	var last *usage.Result
	if n := len(v.items); n > 0 {
		b := v.items[n-1]
		last = &b
		offset = n - 1
	}
	from := v.at
	v.mu.Unlock()

	r := v.rs.Resolve()
	at := v.rs.now()
	if last != nil {
		b := last.DecayedTo(from, at)
		last = &b
	}

	// Reads overlap the last row by one, so a full chunk still follows it.
	limit := v.chunk
	if last != nil {
		limit++
	}
	var fresh []usage.Result
	exhausted, anchored := false, last == nil
	for {
		page, err := v.rs.fetch(ctx, r, at, offset, limit)
		if err != nil {
			v.mu.Lock()
			v.err = err
			v.mu.Unlock()
			return err
		}
		if !anchored && offset > 0 && (len(page) == 0 || v.less(*last, page[0])) {
			offset = max(0, offset-v.chunk)
			continue
		}
		anchored = true

		found := false
		for _, row := range page {
			if last == nil || v.less(*last, row) {
				fresh = append(fresh, row)
				found = true
			}
		}
		if len(page) < limit {
			exhausted = true
			break
		}
		if found {
			break
		}
		offset += len(page)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.gen != gen {
		// A reset replaced the rows this read continued from.
		return nil
	}
	if at.After(v.at) {
		usage.RebaseScores(v.items, v.at, at)
		v.at = at
	}
	for _, row := range fresh {
		if v.indexOf(row.Resource) >= 0 {
			continue
		}
		v.insert(row.DecayedTo(at, v.at))
	}
	if exhausted {
		v.exhausted = true
	}
	v.notify()
	return nil
}

// Reset discards every loaded row and loads the first chunk again.
func (v *View) Reset() {
	v.mu.Lock()
	v.items = nil
	v.at = time.Time{}
	v.gen++
	v.exhausted = false
	v.err = nil
	v.mu.Unlock()

	if err := v.LoadMore(v.ctx); err != nil {
		v.signal()
	}
}

// Close stops live updates. The loaded rows stay readable.
func (v *View) Close() {
	if v.cancelActivity != nil {
		v.cancelActivity()
	}
	if v.watcher != nil {
		v.watcher.Close()
	}
	v.stop()
}

func (v *View) apply(n Notification) {
	if n.Kind == Invalidated {
		v.Reset()
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	switch n.Kind {
	case Added:
		r := n.Result
		if !n.At.IsZero() {
			if n.At.After(v.at) {
				usage.RebaseScores(v.items, v.at, n.At)
				v.at = n.At
			} else {
				r = r.DecayedTo(n.At, v.at)
			}
		}
		if i := v.indexOf(r.Resource); i >= 0 {
			old := v.items[i]
			v.remove(i)
			r = merge(old, r)
		}
		if !v.exhausted && len(v.items) > 0 && v.less(v.items[len(v.items)-1], r) {
			// Belongs past the loaded window; a later chunk brings it in.
			break
		}
		v.insert(r)
	case Removed:
		if i := v.indexOf(n.Result.Resource); i >= 0 {
			v.remove(i)
		}
	case TitleChanged:
		if i := v.indexOf(n.Result.Resource); i >= 0 {
			r := v.items[i]
			r.Title = n.Result.Title
			if n.Result.MimeType != "" {
				r.MimeType = n.Result.MimeType
			}
			v.remove(i)
			v.insert(r)
		}
	default:
		return
	}
	v.notify()
}

// merge folds an update into the row it replaces. A pinned row stays
// pinned when usage for it is reported.
func merge(old, upd usage.Result) usage.Result {
	if upd.Title == "" {
		upd.Title = old.Title
	}
	if upd.MimeType == "" {
		upd.MimeType = old.MimeType
	}
	if old.Linked && !upd.Linked {
		upd.Linked = true
		upd.Score = usage.LinkedScore
	}
	if upd.FirstUpdate.IsZero() || (!old.FirstUpdate.IsZero() && old.FirstUpdate.Before(upd.FirstUpdate)) {
		upd.FirstUpdate = old.FirstUpdate
	}
	return upd
}

func (v *View) less(a, b usage.Result) bool {
	return v.rs.Query().Ordering().Less(a, b)
}

func (v *View) insert(r usage.Result) {
	i := sort.Search(len(v.items), func(i int) bool { return v.less(r, v.items[i]) })
	v.items = append(v.items, usage.Result{})
	copy(v.items[i+1:], v.items[i:])
	v.items[i] = r
}

func (v *View) remove(i int) {
	v.items = append(v.items[:i], v.items[i+1:]...)
}

func (v *View) indexOf(resource string) int {
	for i := range v.items {
		if v.items[i].Resource == resource {
			return i
		}
	}
	return -1
}

func (v *View) notify() {
	select {
	case v.changes <- struct{}{}:
	default:
	}
}

func (v *View) signal() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.notify()
}
