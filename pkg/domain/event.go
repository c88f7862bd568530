package domain

import (
	"encoding/json"
	"time"
)

// Event is the immutable, committed record of a state change (spec.md §3.2).
type Event struct {
	// InstanceID is the tenant partition key; all queries scope to one instance.
	InstanceID string

	// AggregateType and AggregateID identify the entity this event pertains to.
	AggregateType string
	AggregateID   string

	// AggregateVersion is the per-aggregate monotonic integer, starting at 1,
	// contiguous with no gaps.
	AggregateVersion int64

	// EventType is a dotted string, e.g. "user.human.added".
	EventType string

	// Revision is the schema version of this EventType's payload.
	Revision int32

	// Payload is an opaque, JSON-shaped structured value. May be nil.
	Payload json.RawMessage

	// Creator is the identity that produced the event (user or service).
	Creator string

	// Owner is the resource-owner (org/instance) this event is billed to.
	Owner string

	// CreatedAt is the wall-clock timestamp at commit.
	CreatedAt time.Time

	// Position is the global ordering tuple assigned at commit.
	Position Position
}

// Key identifies the per-aggregate stream an event belongs to.
type Key struct {
	InstanceID    string
	AggregateType string
	AggregateID   string
}

// Key returns the aggregate stream key for this event.
func (e *Event) Key() Key {
	return Key{InstanceID: e.InstanceID, AggregateType: e.AggregateType, AggregateID: e.AggregateID}
}
