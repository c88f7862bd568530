// Package eventstore defines the event log (spec.md §4.A) and query engine
// (spec.md §4.B) interfaces. The sqlite subpackage provides the reference
// implementation.
package eventstore

import (
	"context"

	"github.com/authapp/coreid/pkg/domain"
)

// EventStore is the append-only event log with global ordering, per-
// aggregate version sequencing, and unique-constraint side effects
// (spec.md §4.A).
type EventStore interface {
	// Push atomically inserts one or more commands as events in a single
	// transaction. Returns the committed events with assigned version and
	// position. Fails the whole push (no events written) on a validation
	// error or a conflicting unique-constraint Add.
	Push(ctx context.Context, commands ...domain.Command) ([]*domain.Event, error)

	// PushWithConcurrencyCheck is like Push, but rejects the push with a
	// Concurrency error if any aggregate it writes to has advanced past
	// expectedVersion. expectedVersion applies to the first command's
	// aggregate; additional commands against the same aggregate are
	// assigned consecutive versions from there.
	PushWithConcurrencyCheck(ctx context.Context, expectedVersion int64, commands ...domain.Command) ([]*domain.Event, error)

	Querier

	// Health reports whether the store's underlying connection is usable.
	Health(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}

// Querier is the query engine surface (spec.md §4.B), split out so that
// write-model loading, projections, and external readers can all depend
// on the narrower interface.
type Querier interface {
	// Query returns events matching filter, ordered per filter.Descending.
	Query(ctx context.Context, filter Filter) ([]*domain.Event, error)

	// Search evaluates a disjunction of filter clauses minus an optional
	// excludeFilter applied as conjunctive negation.
	Search(ctx context.Context, query SearchQuery) ([]*domain.Event, error)

	// LatestEvent returns the most recent event for an aggregate, or nil.
	LatestEvent(ctx context.Context, instanceID, aggregateType, aggregateID string) (*domain.Event, error)

	// Aggregate returns the read-through aggregate view, optionally capped
	// at a specific version. A nil version means "latest".
	Aggregate(ctx context.Context, instanceID, aggregateType, aggregateID string, version *int64) (*domain.Aggregate, error)

	// Count returns the number of events matching filter.
	Count(ctx context.Context, filter Filter) (int64, error)

	// EventsAfterPosition returns up to limit events committed strictly
	// after position, ascending.
	EventsAfterPosition(ctx context.Context, instanceID string, position domain.Position, limit int) ([]*domain.Event, error)

	// LatestPosition returns the highest position matching filter (or the
	// zero position if nothing matches). filter may be nil for "overall".
	LatestPosition(ctx context.Context, filter *Filter) (domain.Position, error)

	// FilterToReducer streams events matching filter into reducer in
	// batches, so the caller never materializes the full result set.
	FilterToReducer(ctx context.Context, filter Filter, reducer Reducer) error
}

// Reducer consumes streamed batches from FilterToReducer.
type Reducer interface {
	Append(events []*domain.Event)
	Reduce() error
}

// ReducerFunc adapts two plain functions to the Reducer interface.
type ReducerFunc struct {
	AppendFunc func(events []*domain.Event)
	ReduceFunc func() error
}

func (r ReducerFunc) Append(events []*domain.Event) { r.AppendFunc(events) }
func (r ReducerFunc) Reduce() error                 { return r.ReduceFunc() }
