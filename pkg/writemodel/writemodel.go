// Package writemodel implements the write-side load/reduce protocol
// (spec.md §4.E): an ephemeral, per-command object that reduces a
// filtered event stream to derive the state a command needs to validate
// itself against, plus a version cursor for optimistic concurrency.
//
// Grounded on the teacher's AggregateRoot / Repository[T] /
// BaseRepository[T] generic pattern in pkg/eventsourcing/aggregate.go,
// generalized from "one ApplyEvent(proto.Message) per concrete
// aggregate" to the spec's filtered-stream reduce(event) load protocol
// that can also subscribe to extra aggregate types (spec.md §4.E "Load
// protocol" step 1).
package writemodel

import (
	"context"
	"fmt"

	"github.com/authapp/coreid/pkg/domain"
	"github.com/authapp/coreid/pkg/eventstore"
	"github.com/authapp/coreid/pkg/mapper"
)

// Model is the capability every write-model variant implements: reduce
// one event into its in-memory state. Reduce must be deterministic and
// side-effect-free (spec.md §4.E invariants); unknown event types are
// ignored, never an error.
type Model interface {
	Reduce(event *domain.Event)
}

// Frame is the common frame every write-model variant embeds (spec.md
// §4.E): aggregateType, aggregateID, resourceOwner, lastAggregateVersion,
// lastPosition.
type Frame struct {
	AggregateType string
	AggregateID   string
	ResourceOwner string

	// Version is the cursor: the aggregateVersion of the last event
	// observed against this Frame's own (AggregateType, AggregateID) key.
	// Commands use it as the OCC expectedVersion.
	Version int64

	// Position is the position of the last event observed against this
	// Frame's own key (not cascade events from extra aggregate types).
	Position domain.Position
}

// NewFrame builds a Frame for the given key.
func NewFrame(aggregateType, aggregateID string) Frame {
	return Frame{AggregateType: aggregateType, AggregateID: aggregateID}
}

// Observe advances the frame's cursor if ev belongs to this frame's own
// key. Concrete write models call this at the top of Reduce for every
// event, including ones from extra aggregate types the model also
// consumes — Observe is a no-op for those, since they don't carry this
// frame's own aggregateVersion sequence.
func (f *Frame) Observe(ev *domain.Event) {
	if ev.AggregateType != f.AggregateType || ev.AggregateID != f.AggregateID {
		return
	}
	f.Version = ev.AggregateVersion
	f.Position = ev.Position
	if f.ResourceOwner == "" {
		f.ResourceOwner = ev.Owner
	}
}

// Exists reports whether any event has been observed for this frame's
// own key — i.e. whether the aggregate has ever been created.
func (f *Frame) Exists() bool {
	return f.Version > 0
}

// ExtraAggregateTypes is an optional interface a write model implements
// when it needs events from aggregates other than its own — e.g. a user
// write-model additionally reducing org.removed to flip itself to
// REMOVED (spec.md §4.E "Load protocol" step 1). ExtraFilters is called
// only after the primary stream has already been reduced, since the
// extra filter's scope (e.g. "which org does this user belong to") is
// itself usually derived from the primary events.
type ExtraAggregateTypes interface {
	// ExtraFilters returns additional eventstore.Filter clauses to apply
	// once the primary stream has been reduced. instanceID is supplied by
	// Load so implementations don't need to carry it themselves.
	ExtraFilters(instanceID string) []eventstore.Filter
}

// Load implements spec.md §4.E's load protocol: stream the primary
// (instanceID, aggregateType, aggregateID) filter through pipeline and
// Reduce each event into wm, then — now that wm knows any fields its
// extra subscriptions depend on — run ExtraFilters and reduce those too.
func Load(ctx context.Context, q eventstore.Querier, pipeline *mapper.Pipeline, instanceID string, wm Model, primary eventstore.Filter) error {
	primaryEvents, err := q.Query(ctx, primary)
	if err != nil {
		return fmt.Errorf("load write model: %w", err)
	}
	for _, ev := range pipeline.ApplyAll(primaryEvents) {
		wm.Reduce(ev)
	}

	ex, ok := wm.(ExtraAggregateTypes)
	if !ok {
		return nil
	}
	extraFilters := ex.ExtraFilters(instanceID)
	if len(extraFilters) == 0 {
		return nil
	}
	extraEvents, err := q.Search(ctx, eventstore.SearchQuery{Clauses: extraFilters})
	if err != nil {
		return fmt.Errorf("load write model extra filters: %w", err)
	}
	for _, ev := range pipeline.ApplyAll(extraEvents) {
		wm.Reduce(ev)
	}
	return nil
}

// AppendAndReduce advances wm with events the caller just pushed,
// without a second round trip to the store (spec.md §4.E
// "Append-and-reduce"). The mapper pipeline is not applied: freshly
// committed events are already in the current schema by construction.
func AppendAndReduce(wm Model, events []*domain.Event) {
	for _, ev := range events {
		wm.Reduce(ev)
	}
}

// Arena is the "parent holds a map from child id to child, children
// don't reference the parent" pattern spec.md §9 recommends for
// back-references — e.g. a HumanU2FTokensReadModel owning per-token
// HumanWebAuthNWriteModels.
type Arena[T any] struct {
	items map[string]*T
	zero  func(id string) *T
}

// NewArena builds an Arena whose GetOrCreate uses zero to mint a new
// child value for ids it hasn't seen yet.
func NewArena[T any](zero func(id string) *T) *Arena[T] {
	return &Arena[T]{items: map[string]*T{}, zero: zero}
}

// GetOrCreate returns the existing child for id, creating one via zero
// if this is the first time id has been seen.
func (a *Arena[T]) GetOrCreate(id string) *T {
	if v, ok := a.items[id]; ok {
		return v
	}
	v := a.zero(id)
	a.items[id] = v
	return v
}

// Get returns the child for id and whether it exists.
func (a *Arena[T]) Get(id string) (*T, bool) {
	v, ok := a.items[id]
	return v, ok
}

// Delete removes the child for id, e.g. on a *.removed event.
func (a *Arena[T]) Delete(id string) {
	delete(a.items, id)
}

// All returns every child currently held, in indeterminate order.
func (a *Arena[T]) All() []*T {
	out := make([]*T, 0, len(a.items))
	for _, v := range a.items {
		out = append(out, v)
	}
	return out
}

// Len reports how many children are currently held.
func (a *Arena[T]) Len() int {
	return len(a.items)
}
