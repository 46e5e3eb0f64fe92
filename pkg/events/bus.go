// Package events implements the in-process graph event bus. Mutations
// publish events; background workers and push streams subscribe.
// Delivery is per-subscriber ordered and asynchronous: a slow consumer
// never blocks the writer, it just falls behind its own bounded queue.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// defaultQueueDepth bounds each subscriber's pending queue.
const defaultQueueDepth = 256

// defaultSlowHandlerDeadline is how long a handler may run before the
// bus logs it as slow. The handler is not cancelled; workers own their
// cleanup.
const defaultSlowHandlerDeadline = 5 * time.Second

// Event is the payload delivered to subscribers. Critical reports
// whether the event may never be dropped under back-pressure.
type Event interface {
	Critical() bool
}

// Handler consumes one event. Returned errors are counted and logged,
// never propagated to the publisher.
type Handler func(ctx context.Context, ev Event) error

// Counters is a point-in-time snapshot of bus accounting.
type Counters struct {
	Published     uint64 `json:"published"`
	Delivered     uint64 `json:"delivered"`
	Dropped       uint64 `json:"dropped"`
	HandlerErrors uint64 `json:"handler_errors"`
	SlowHandlers  uint64 `json:"slow_handlers"`
}

type subscriber struct {
	name    string
	handler Handler

	mu      sync.Mutex
	cond    *sync.Cond
	pending []Event
	closed  bool
	done    chan struct{}
}

// Bus fans events out to named subscribers. Subscribing the same name
// twice is a no-op, as is unsubscribing a name that is not registered.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]*subscriber
	depth  int
	logger *slog.Logger
	closed bool

	slowDeadline atomic.Int64

	published     atomic.Uint64
	delivered     atomic.Uint64
	dropped       atomic.Uint64
	handlerErrors atomic.Uint64
	slowHandlers  atomic.Uint64
}

// NewBus returns a running bus. queueDepth <= 0 selects the default.
func NewBus(queueDepth int, logger *slog.Logger) *Bus {
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{subs: make(map[string]*subscriber), depth: queueDepth, logger: logger}
	b.slowDeadline.Store(int64(defaultSlowHandlerDeadline))
	return b
}

// SetSlowHandlerDeadline adjusts how long a handler may run before the
// bus counts and logs it as slow. d <= 0 restores the default. Safe to
// call while the bus is running.
func (b *Bus) SetSlowHandlerDeadline(d time.Duration) {
	if d <= 0 {
		d = defaultSlowHandlerDeadline
	}
	b.slowDeadline.Store(int64(d))
}

// Subscribe registers a handler under a name. Events publish in order to
// each subscriber; a duplicate name is ignored.
func (b *Bus) Subscribe(name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if _, ok := b.subs[name]; ok {
		b.logger.Warn("events.duplicate_subscribe", "subscriber", name)
		return
	}
	sub := &subscriber{name: name, handler: handler, done: make(chan struct{})}
	sub.cond = sync.NewCond(&sub.mu)
	b.subs[name] = sub
	go b.dispatch(sub)
}

// Unsubscribe removes a subscriber. Pending events for it are discarded.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	sub, ok := b.subs[name]
	if ok {
		delete(b.subs, name)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	sub.close()
	<-sub.done
}

// Publish enqueues the event for every subscriber and returns
// immediately. When a subscriber's queue is full, the oldest
// non-critical pending event is dropped to make room; critical events
// are never the victim.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	b.published.Add(1)
	for _, sub := range subs {
		if dropped := sub.enqueue(ev, b.depth); dropped {
			b.dropped.Add(1)
			b.logger.Warn("events.dropped", "subscriber", sub.name)
		}
	}
}

// Counters returns a snapshot of bus accounting.
func (b *Bus) Counters() Counters {
	return Counters{
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		Dropped:       b.dropped.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		SlowHandlers:  b.slowHandlers.Load(),
	}
}

// Close stops all subscribers and waits for their dispatchers to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for name, sub := range b.subs {
		subs = append(subs, sub)
		delete(b.subs, name)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
		<-sub.done
	}
}

func (b *Bus) dispatch(sub *subscriber) {
	defer close(sub.done)
	for {
		ev, ok := sub.next()
		if !ok {
			return
		}
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub *subscriber, ev Event) {
	start := time.Now()
	err := sub.handler(context.Background(), ev)
	elapsed := time.Since(start)

	b.delivered.Add(1)
	if elapsed > time.Duration(b.slowDeadline.Load()) {
		b.slowHandlers.Add(1)
		b.logger.Warn("events.slow_handler", "subscriber", sub.name, "elapsed", elapsed.String())
	}
	if err != nil {
		b.handlerErrors.Add(1)
		b.logger.Error("events.handler_error", "subscriber", sub.name, "error", err)
	}
}

// enqueue appends the event, evicting the oldest non-critical pending
// event when the queue is at depth. Reports whether an event was
// dropped. When everything pending is critical the queue grows past
// depth rather than losing a critical event.
func (s *subscriber) enqueue(ev Event, depth int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	dropped := false
	if len(s.pending) >= depth {
		for i, pending := range s.pending {
			if !pending.Critical() {
				s.pending = append(s.pending[:i], s.pending[i+1:]...)
				dropped = true
				break
			}
		}
	}
	s.pending = append(s.pending, ev)
	s.cond.Signal()
	return dropped
}

func (s *subscriber) next() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pending) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.pending) == 0 {
		return nil, false
	}
	ev := s.pending[0]
	s.pending = s.pending[1:]
	return ev, true
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.pending = nil
	s.cond.Broadcast()
	s.mu.Unlock()
}
