package domain

// Aggregate is the derived, read-through view of an aggregate stream
// (spec.md §3.5). It is never stored directly; it is computed from the
// event stream by the query engine.
type Aggregate struct {
	ID         string
	Type       string
	Owner      string
	InstanceID string
	Version    int64
	Events     []*Event
	Position   Position
}

// FromEvents builds the read-through Aggregate view from an ordered event
// stream for a single (instanceID, aggregateType, aggregateID) key. Events
// must already be sorted ascending by (Position, InTxOrder); that
// invariant is the query engine's responsibility, not this function's.
func FromEvents(events []*Event) *Aggregate {
	if len(events) == 0 {
		return nil
	}
	first := events[0]
	last := events[len(events)-1]
	return &Aggregate{
		ID:         first.AggregateID,
		Type:       first.AggregateType,
		Owner:      last.Owner,
		InstanceID: first.InstanceID,
		Version:    last.AggregateVersion,
		Events:     events,
		Position:   last.Position,
	}
}
