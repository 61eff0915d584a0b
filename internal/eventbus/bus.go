// Package eventbus is the in-process pub/sub bus that carries change events
// from the aggregator and the engine to rankings caches and live watchers.
//
// Every subscriber owns an unbounded FIFO drained by its own goroutine, so a
// slow subscriber never blocks publishers or other subscribers, events are
// never dropped, and each subscriber sees events in publish order. That
// order is what keeps per-key event ordering intact end to end.
package eventbus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/rankd/internal/metrics"
	"github.com/lazypower/rankd/internal/usage"
)

// Handler processes an event. A handler is only ever called from its own
// subscriber goroutine.
type Handler interface {
	HandleEvent(ctx context.Context, evt usage.Event) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, evt usage.Event) error

func (f HandlerFunc) HandleEvent(ctx context.Context, evt usage.Event) error {
	return f(ctx, evt)
}

// Bus fans events out to named subscribers.
type Bus struct {
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool

	// pending counts queued and in-flight deliveries; idle is closed
	// whenever it is zero.
	idleMu  sync.Mutex
	pending int64
	idle    chan struct{}
}

type subscriber struct {
	name    string
	handler Handler

	mu    sync.Mutex
	queue []usage.Event
	wake  chan struct{}
	stop  chan struct{}
	done  chan struct{}

	stopOnce sync.Once
}

func (s *subscriber) halt() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// New creates a running bus.
func New(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	return &Bus{
		log:    log.Named("eventbus"),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[uint64]*subscriber),
		idle:   idle,
	}
}

// Subscribe registers a handler and returns a function that detaches it.
// Events already queued for the subscriber are discarded on cancel. The
// cancel function waits for an in-flight handler call, so it must not be
// called from inside that handler.
func (b *Bus) Subscribe(name string, h Handler) (cancel func()) {
	s := &subscriber{
		name:    name,
		handler: h,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	go b.run(s)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			s.halt()
		})
	}
}

// Publish enqueues evt for every current subscriber. It never blocks on a
// subscriber.
func (b *Bus) Publish(evt usage.Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	metrics.EventsPublished.WithLabelValues(string(evt.Kind)).Inc()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		b.track(1)
		s.mu.Lock()
		s.queue = append(s.queue, evt)
		s.mu.Unlock()
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// Idle blocks until every queued event has been handled or ctx ends.
func (b *Bus) Idle(ctx context.Context) error {
	b.idleMu.Lock()
	idle := b.idle
	b.idleMu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of deliveries not yet handled.
func (b *Bus) Pending() int64 {
	b.idleMu.Lock()
	defer b.idleMu.Unlock()
	return b.pending
}

func (b *Bus) track(n int64) {
	if n == 0 {
		return
	}
	b.idleMu.Lock()
	defer b.idleMu.Unlock()
	was := b.pending
	b.pending += n
	switch {
	case was == 0 && b.pending > 0:
		b.idle = make(chan struct{})
	case was > 0 && b.pending == 0:
		close(b.idle)
	}
}

// Close delivers what is already queued, then stops every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Idle(ctx); err != nil {
		b.log.Warn("closing with undelivered events", zap.Int64("pending", b.Pending()))
	}
	for _, s := range subs {
		s.halt()
	}
	b.cancel()
}

func (b *Bus) run(s *subscriber) {
	defer close(s.done)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for i, evt := range batch {
			select {
			case <-s.stop:
				b.track(-int64(len(batch) - i))
				b.discard(s)
				return
			default:
			}
			b.dispatch(s, evt)
			b.track(-1)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-s.wake:
		case <-s.stop:
			b.discard(s)
			return
		}
	}
}

func (b *Bus) discard(s *subscriber) {
	s.mu.Lock()
	n := len(s.queue)
	s.queue = nil
	s.mu.Unlock()
	b.track(-int64(n))
}

func (b *Bus) dispatch(s *subscriber, evt usage.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("handler panic", zap.String("subscriber", s.name), zap.Any("panic", r))
			metrics.HandlerErrors.WithLabelValues(s.name).Inc()
		}
	}()
	if err := s.handler.HandleEvent(b.ctx, evt); err != nil {
		b.log.Warn("handler error",
			zap.String("subscriber", s.name),
			zap.String("kind", string(evt.Kind)),
			zap.Error(err))
		metrics.HandlerErrors.WithLabelValues(s.name).Inc()
	}
}
