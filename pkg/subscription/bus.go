// Package subscription is the in-process subscription bus (spec.md
// §4.D): fan-out of committed events to in-process consumers, keyed by
// aggregate type and optionally narrowed to specific event types. It is
// single-writer (the event log's commit path calls Notify) and
// many-reader; each Subscription owns an independent buffer and is
// replayed by nobody but the projection runtime's catch-up phase
// (spec.md §9 "the subscription bus... does not replay").
//
// Grounded on the teacher's messaging.EventBus / Subscription interface
// shape (Publish/Subscribe/Unsubscribe), reimplemented as an in-process
// fan-out instead of the teacher's NATS JetStream transport — see
// DESIGN.md for why that dependency was dropped. A subscription's queue
// has no size limit: Notify never blocks, and events pile up for a
// subscriber that does not call Next.
package subscription

import (
	"context"
	"sync"

	"github.com/authapp/coreid/internal/idgen"
	"github.com/authapp/coreid/pkg/domain"
)

// Bus fans out committed events to every matching Subscription.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: map[string]*Subscription{}}
}

// Subscribe registers interest in events whose aggregate type is a key of
// aggregateTypeMap. An empty (nil or zero-length) event-type list for a
// key means "all event types for that aggregate type" (spec.md §4.D).
func (b *Bus) Subscribe(aggregateTypeMap map[string][]string) *Subscription {
	sub := &Subscription{
		id:      idgen.NewCorrelationID(),
		signal:  make(chan struct{}, 1),
		closeCh: make(chan struct{}),
		match:   buildMatcher(aggregateTypeMap),
		bus:     b,
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// Notify fans events out to every currently registered subscription that
// matches. Called by the event store immediately after a successful
// commit (spec.md §4.A, §4.D). No ordering is promised across aggregate
// types: two concurrent Notify calls racing on different aggregates may
// interleave arbitrarily at a subscriber (spec.md §5).
func (b *Bus) Notify(events []*domain.Event) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, ev := range events {
		for _, s := range subs {
			if s.match(ev) {
				s.enqueue(ev)
			}
		}
	}
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Count reports the number of currently registered subscriptions, mostly
// useful for health/diagnostics.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func buildMatcher(aggregateTypeMap map[string][]string) func(*domain.Event) bool {
	// A nil inner set means "all event types for this aggregate type";
	// copying into our own map insulates the matcher from later mutation
	// of the caller's slices.
	types := make(map[string]map[string]bool, len(aggregateTypeMap))
	for aggregateType, eventTypes := range aggregateTypeMap {
		if len(eventTypes) == 0 {
			types[aggregateType] = nil
			continue
		}
		set := make(map[string]bool, len(eventTypes))
		for _, et := range eventTypes {
			set[et] = true
		}
		types[aggregateType] = set
	}
	return func(ev *domain.Event) bool {
		set, ok := types[ev.AggregateType]
		if !ok {
			return false
		}
		if set == nil {
			return true
		}
		return set[ev.EventType]
	}
}

// Subscription is a lazy, restartable sequence of events consumed one at
// a time via Next. Events produced while no consumer is waiting are
// buffered and handed to the next caller of Next in FIFO order (spec.md
// §4.D).
type Subscription struct {
	id      string
	bus     *Bus
	match   func(*domain.Event) bool
	signal  chan struct{}
	closeCh chan struct{}

	mu     sync.Mutex
	queue  []*domain.Event
	closed bool
}

func (s *Subscription) enqueue(ev *domain.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, ctx is cancelled, or the
// subscription is unsubscribed. The bool result is false only in the
// latter two cases (end-of-stream).
func (s *Subscription) Next(ctx context.Context) (*domain.Event, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-ctx.Done():
			return nil, false
		case <-s.closeCh:
			return nil, false
		case <-s.signal:
		}
	}
}

// Unsubscribe closes the sequence: it wakes any waiter in Next with an
// end-of-stream signal and drops the buffer (spec.md §4.D
// "Cancellation").
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	close(s.closeCh)
	s.bus.remove(s.id)
}
