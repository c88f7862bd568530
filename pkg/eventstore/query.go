package eventstore

import (
	"time"

	"github.com/authapp/coreid/pkg/domain"
)

// Filter is the predicate set the query engine accepts (spec.md §4.B). All
// fields are optional ("∈" membership fields are applied as IN clauses);
// a zero-value Filter (empty InstanceID) matches every event in every
// instance.
type Filter struct {
	InstanceID string

	AggregateTypes []string
	AggregateIDs   []string
	EventTypes     []string

	Owner   string
	Creator string

	CreatedAtFrom *time.Time
	CreatedAtTo   *time.Time

	// PositionAfter restricts to events committed strictly after this
	// position. The zero position means "from the beginning".
	PositionAfter domain.Position

	Limit      int
	Descending bool
}

// SearchQuery is a disjunction ("OR") of Filter clauses, plus an optional
// exclude filter applied as a conjunctive negation (spec.md §4.B). An
// empty clause list means "all events" (scoped by InstanceID/Limit/etc.
// on the query itself is not part of SearchQuery; each clause carries its
// own scoping, matching spec.md's description of independent clauses).
type SearchQuery struct {
	Clauses       []Filter
	ExcludeFilter *Filter
	Limit         int
	Descending    bool
}
