// Package mapper is the read-side transformation chain (spec.md §4.C):
// interceptors, then global mappers, then aggregate-type mappers, then
// event-type mappers, applied in that order to every event returned from
// the log. Grounded on the teacher's EventUpcaster/SnapshotUpcaster
// optional-interface hook in pkg/eventsourcing/aggregate.go, generalized
// from a single per-aggregate upcast method into four ordered,
// process-wide registries — the "global registries... with init/teardown
// rules" design note in spec.md §9.
package mapper

import "github.com/authapp/coreid/pkg/domain"

// Interceptor may return the event unchanged, a transformed event, or
// nil to drop it from the stream entirely.
type Interceptor func(event *domain.Event) *domain.Event

// Transform unconditionally rewrites an event (global mappers) or
// rewrites an event already known to match an aggregate/event type key
// (aggregate-type and event-type mappers).
type Transform func(event *domain.Event) *domain.Event

// Upgrader migrates a single event type from one payload revision to the
// next. Registered per (eventType, fromRevision); the pipeline applies
// the upgrader whose FromRevision equals the event's Revision, repeating
// until none matches. The pipeline does not read ToRevision: Upgrade
// itself sets the event's new Revision.
type Upgrader struct {
	EventType    string
	FromRevision int32
	ToRevision   int32
	Upgrade      func(event *domain.Event) *domain.Event
}

// Pipeline holds the four ordered strata. It is a process-wide registry:
// populate it at startup (before the log serves queries) via Register*;
// mutations during operation are permitted but not atomic across
// concurrent readers, matching spec.md §5's "mapper registry" note.
type Pipeline struct {
	interceptors []Interceptor
	globals      []Transform
	byAggregate  map[string][]Transform
	byEventType  map[string][]Transform
	upgraders    map[string][]Upgrader // keyed by EventType
}

// New returns an empty pipeline. A zero-value Pipeline (&Pipeline{}) is
// also usable, a nil *Pipeline is not;
// New exists for parity with the rest of the package's constructors.
func New() *Pipeline {
	return &Pipeline{
		byAggregate: map[string][]Transform{},
		byEventType: map[string][]Transform{},
		upgraders:   map[string][]Upgrader{},
	}
}

// RegisterInterceptor appends to the interceptor stratum. Registration
// order is execution order.
func (p *Pipeline) RegisterInterceptor(i Interceptor) {
	p.interceptors = append(p.interceptors, i)
}

// RegisterGlobalMapper appends to the global-mapper stratum, e.g. schema
// migrations such as renaming eventData -> payload.
func (p *Pipeline) RegisterGlobalMapper(t Transform) {
	p.globals = append(p.globals, t)
}

// RegisterAggregateMapper appends a transform keyed by aggregate type.
func (p *Pipeline) RegisterAggregateMapper(aggregateType string, t Transform) {
	if p.byAggregate == nil {
		p.byAggregate = map[string][]Transform{}
	}
	p.byAggregate[aggregateType] = append(p.byAggregate[aggregateType], t)
}

// RegisterEventMapper appends a transform keyed by event type.
func (p *Pipeline) RegisterEventMapper(eventType string, t Transform) {
	if p.byEventType == nil {
		p.byEventType = map[string][]Transform{}
	}
	p.byEventType[eventType] = append(p.byEventType[eventType], t)
}

// RegisterUpgrader registers a revision upgrader for an event type,
// applied as an event-type mapper before any other event-type transforms
// registered for that type.
func (p *Pipeline) RegisterUpgrader(u Upgrader) {
	if p.upgraders == nil {
		p.upgraders = map[string][]Upgrader{}
	}
	p.upgraders[u.EventType] = append(p.upgraders[u.EventType], u)
}

// Apply runs a single event through all four strata in order, returning
// nil if any interceptor dropped it.
func (p *Pipeline) Apply(event *domain.Event) *domain.Event {
	for _, i := range p.interceptors {
		if event == nil {
			return nil
		}
		event = i(event)
	}
	if event == nil {
		return nil
	}

	for _, t := range p.globals {
		event = t(event)
		if event == nil {
			return nil
		}
	}

	for _, t := range p.byAggregate[event.AggregateType] {
		event = t(event)
		if event == nil {
			return nil
		}
	}

	event = p.applyUpgraders(event)
	if event == nil {
		return nil
	}

	for _, t := range p.byEventType[event.EventType] {
		event = t(event)
		if event == nil {
			return nil
		}
	}

	return event
}

// applyUpgraders walks the chain of registered upgraders for event's type
// until the revision can't be advanced further.
func (p *Pipeline) applyUpgraders(event *domain.Event) *domain.Event {
	for {
		upgraders := p.upgraders[event.EventType]
		advanced := false
		for _, u := range upgraders {
			if u.FromRevision == event.Revision {
				event = u.Upgrade(event)
				if event == nil {
					return nil
				}
				advanced = true
				break
			}
		}
		if !advanced {
			return event
		}
	}
}

// ApplyAll runs Apply over a batch, dropping events an interceptor
// rejected. The returned slice is a fresh allocation; events is not
// mutated in place.
func (p *Pipeline) ApplyAll(events []*domain.Event) []*domain.Event {
	out := make([]*domain.Event, 0, len(events))
	for _, ev := range events {
		if mapped := p.Apply(ev); mapped != nil {
			out = append(out, mapped)
		}
	}
	return out
}
