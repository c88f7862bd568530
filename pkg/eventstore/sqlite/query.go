package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/authapp/coreid/pkg/domain"
	"github.com/authapp/coreid/pkg/eventstore"
)

// queryBuilder accumulates a WHERE clause and its bound arguments.
type queryBuilder struct {
	clauses []string
	args    []any
}

func (q *queryBuilder) add(clause string, args ...any) {
	q.clauses = append(q.clauses, clause)
	q.args = append(q.args, args...)
}

func (q *queryBuilder) where() string {
	if len(q.clauses) == 0 {
		return "1=1"
	}
	return strings.Join(q.clauses, " AND ")
}

// positionKey renders a position value as a fixed-width decimal string so
// that lexicographic comparison in SQL matches numeric order. The integer
// part is zero-padded to 12 digits, the fraction fixed at 9.
func positionKey(v decimal.Decimal) string {
	s := v.StringFixed(9)
	dot := strings.IndexByte(s, '.')
	if dot >= 12 {
		return s
	}
	return strings.Repeat("0", 12-dot) + s
}

func buildFilter(f eventstore.Filter) *queryBuilder {
	q := &queryBuilder{}
	// An absent InstanceID means a privileged cross-instance query
	// (spec.md §4.B "Edge cases").
	if f.InstanceID != "" {
		q.add("instance_id = ?", f.InstanceID)
	}

	if len(f.AggregateTypes) > 0 {
		q.add(inClause("aggregate_type", len(f.AggregateTypes)), toAny(f.AggregateTypes)...)
	}
	if len(f.AggregateIDs) > 0 {
		q.add(inClause("aggregate_id", len(f.AggregateIDs)), toAny(f.AggregateIDs)...)
	}
	if len(f.EventTypes) > 0 {
		q.add(inClause("event_type", len(f.EventTypes)), toAny(f.EventTypes)...)
	}
	if f.Owner != "" {
		q.add("owner = ?", f.Owner)
	}
	if f.Creator != "" {
		q.add("creator = ?", f.Creator)
	}
	if f.CreatedAtFrom != nil {
		q.add("created_at >= ?", f.CreatedAtFrom.UnixNano())
	}
	if f.CreatedAtTo != nil {
		q.add("created_at <= ?", f.CreatedAtTo.UnixNano())
	}
	if !f.PositionAfter.IsZero() {
		key := positionKey(f.PositionAfter.Value)
		q.add("(position > ? OR (position = ? AND in_tx_order > ?))",
			key, key, f.PositionAfter.InTxOrder)
	}
	return q
}

func inClause(column string, n int) string {
	placeholders := make([]string, n)
	for i := range placeholders {
		placeholders[i] = "?"
	}
	return fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ","))
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func orderAndLimit(descending bool, limit int) string {
	dir := "ASC"
	if descending {
		dir = "DESC"
	}
	clause := fmt.Sprintf(" ORDER BY position %s, in_tx_order %s", dir, dir)
	if limit > 0 {
		clause += fmt.Sprintf(" LIMIT %d", limit)
	}
	return clause
}

const selectColumns = `instance_id, aggregate_type, aggregate_id, aggregate_version,
	event_type, revision, payload, creator, owner, position, in_tx_order, created_at`

func scanEvent(rows *sql.Rows) (*domain.Event, error) {
	var ev domain.Event
	var payload string
	var positionStr string
	var createdAtNanos int64

	if err := rows.Scan(
		&ev.InstanceID, &ev.AggregateType, &ev.AggregateID, &ev.AggregateVersion,
		&ev.EventType, &ev.Revision, &payload, &ev.Creator, &ev.Owner,
		&positionStr, &ev.Position.InTxOrder, &createdAtNanos,
	); err != nil {
		return nil, err
	}

	value, err := decimal.NewFromString(positionStr)
	if err != nil {
		return nil, fmt.Errorf("parse position: %w", err)
	}
	ev.Position.Value = value
	ev.Payload = []byte(payload)
	ev.CreatedAt = time.Unix(0, createdAtNanos).UTC()
	return &ev, nil
}

// Query implements eventstore.Querier.Query.
func (s *EventStore) Query(ctx context.Context, filter eventstore.Filter) ([]*domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := buildFilter(filter)
	sqlStr := fmt.Sprintf("SELECT %s FROM events WHERE %s%s", selectColumns, q.where(), orderAndLimit(filter.Descending, filter.Limit))

	rows, err := s.db.QueryContext(ctx, sqlStr, q.args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Search implements eventstore.Querier.Search: a disjunction of clauses
// minus an optional exclude filter, applied as conjunctive negation.
func (s *EventStore) Search(ctx context.Context, query eventstore.SearchQuery) ([]*domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// An empty clause list means "all events" (spec.md §4.B).
	where := "1=1"
	var args []any
	if len(query.Clauses) > 0 {
		var parts []string
		for _, clause := range query.Clauses {
			q := buildFilter(clause)
			parts = append(parts, "("+q.where()+")")
			args = append(args, q.args...)
		}
		where = "(" + strings.Join(parts, " OR ") + ")"
	}

	if query.ExcludeFilter != nil {
		eq := buildFilter(*query.ExcludeFilter)
		where += " AND NOT (" + eq.where() + ")"
		args = append(args, eq.args...)
	}

	sqlStr := fmt.Sprintf("SELECT %s FROM events WHERE %s%s", selectColumns, where, orderAndLimit(query.Descending, query.Limit))
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("search events: %w", err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LatestEvent implements eventstore.Querier.LatestEvent.
func (s *EventStore) LatestEvent(ctx context.Context, instanceID, aggregateType, aggregateID string) (*domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sqlStr := fmt.Sprintf(`SELECT %s FROM events
		WHERE instance_id = ? AND aggregate_type = ? AND aggregate_id = ?
		ORDER BY aggregate_version DESC LIMIT 1`, selectColumns)

	rows, err := s.db.QueryContext(ctx, sqlStr, instanceID, aggregateType, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("latest event: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanEvent(rows)
}

// Aggregate implements eventstore.Querier.Aggregate.
func (s *EventStore) Aggregate(ctx context.Context, instanceID, aggregateType, aggregateID string, version *int64) (*domain.Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sqlStr := fmt.Sprintf(`SELECT %s FROM events
		WHERE instance_id = ? AND aggregate_type = ? AND aggregate_id = ?`, selectColumns)
	args := []any{instanceID, aggregateType, aggregateID}
	if version != nil {
		sqlStr += " AND aggregate_version <= ?"
		args = append(args, *version)
	}
	sqlStr += " ORDER BY aggregate_version ASC"

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("load aggregate: %w", err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return domain.FromEvents(events), nil
}

// Count implements eventstore.Querier.Count.
func (s *EventStore) Count(ctx context.Context, filter eventstore.Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := buildFilter(filter)
	sqlStr := fmt.Sprintf("SELECT COUNT(*) FROM events WHERE %s", q.where())

	var count int64
	if err := s.db.QueryRowContext(ctx, sqlStr, q.args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

// EventsAfterPosition implements eventstore.Querier.EventsAfterPosition.
func (s *EventStore) EventsAfterPosition(ctx context.Context, instanceID string, position domain.Position, limit int) ([]*domain.Event, error) {
	return s.Query(ctx, eventstore.Filter{
		InstanceID:    instanceID,
		PositionAfter: position,
		Limit:         limit,
	})
}

// LatestPosition implements eventstore.Querier.LatestPosition.
func (s *EventStore) LatestPosition(ctx context.Context, filter *eventstore.Filter) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f := eventstore.Filter{}
	if filter != nil {
		f = *filter
	}
	q := buildFilter(f)
	sqlStr := fmt.Sprintf("SELECT position, in_tx_order FROM events WHERE %s ORDER BY position DESC, in_tx_order DESC LIMIT 1", q.where())

	var positionStr string
	var inTxOrder int32
	err := s.db.QueryRowContext(ctx, sqlStr, q.args...).Scan(&positionStr, &inTxOrder)
	if err == sql.ErrNoRows {
		return domain.Zero, nil
	}
	if err != nil {
		return domain.Zero, fmt.Errorf("latest position: %w", err)
	}

	value, err := decimal.NewFromString(positionStr)
	if err != nil {
		return domain.Zero, fmt.Errorf("parse position: %w", err)
	}
	return domain.Position{Value: value, InTxOrder: inTxOrder}, nil
}

// FilterToReducer implements eventstore.Querier.FilterToReducer, streaming
// matches into reducer in fixed-size batches so a caller never has to
// materialize the whole result set at once.
func (s *EventStore) FilterToReducer(ctx context.Context, filter eventstore.Filter, reducer eventstore.Reducer) error {
	const batchSize = 1000

	s.mu.RLock()
	q := buildFilter(filter)
	sqlStr := fmt.Sprintf("SELECT %s FROM events WHERE %s%s", selectColumns, q.where(), orderAndLimit(filter.Descending, filter.Limit))
	rows, err := s.db.QueryContext(ctx, sqlStr, q.args...)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("filter to reducer: %w", err)
	}
	defer rows.Close()

	batch := make([]*domain.Event, 0, batchSize)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return err
		}
		batch = append(batch, ev)
		if len(batch) == batchSize {
			reducer.Append(batch)
			if err := reducer.Reduce(); err != nil {
				return err
			}
			batch = make([]*domain.Event, 0, batchSize)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		reducer.Append(batch)
	}
	return reducer.Reduce()
}
