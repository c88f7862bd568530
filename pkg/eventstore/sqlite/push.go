package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/authapp/coreid/internal/clock"
	"github.com/authapp/coreid/pkg/apperr"
	"github.com/authapp/coreid/pkg/domain"
)

// Push implements eventstore.EventStore.Push (spec.md §4.A).
func (s *EventStore) Push(ctx context.Context, commands ...domain.Command) ([]*domain.Event, error) {
	return s.push(ctx, nil, commands...)
}

// PushWithConcurrencyCheck implements eventstore.EventStore.PushWithConcurrencyCheck.
func (s *EventStore) PushWithConcurrencyCheck(ctx context.Context, expectedVersion int64, commands ...domain.Command) ([]*domain.Event, error) {
	return s.push(ctx, &expectedVersion, commands...)
}

func (s *EventStore) push(ctx context.Context, expectedVersion *int64, commands ...domain.Command) ([]*domain.Event, error) {
	if len(commands) == 0 {
		return nil, apperr.InvalidArgument("STORE-Push01", "commands", "at least one command is required")
	}

	// s.mu serializes pushes against each other; the *sql.Tx pins the
	// pool's connection for the duration, so no other component can slip
	// a statement into this transaction. A single SQLite writer makes the
	// serialization store-wide, a stricter but compatible narrowing of
	// spec.md §5's per-aggregate requirement.
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// currentVersion tracks the last-known version per (aggregateType,
	// aggregateID) within this push, so multiple commands against the
	// same aggregate get consecutive versions without re-querying.
	currentVersion := map[domain.Key]int64{}

	now := clock.Now()
	position := domain.PositionFromNanos(now.UnixNano())

	var events []*domain.Event
	for i, cmd := range commands {
		if err := validateCommand(cmd); err != nil {
			return nil, err
		}
		key := domain.Key{InstanceID: cmd.InstanceID, AggregateType: cmd.AggregateType, AggregateID: cmd.AggregateID}

		version, ok := currentVersion[key]
		if !ok {
			version, err = latestVersionTx(ctx, tx, key)
			if err != nil {
				return nil, err
			}
		}

		if expectedVersion != nil && i == 0 {
			if version != *expectedVersion {
				return nil, apperr.Concurrency(cmd.AggregateID, *expectedVersion, version)
			}
		}

		nextVersion := version + 1
		currentVersion[key] = nextVersion

		ev := &domain.Event{
			InstanceID:       cmd.InstanceID,
			AggregateType:    cmd.AggregateType,
			AggregateID:      cmd.AggregateID,
			AggregateVersion: nextVersion,
			EventType:        cmd.EventType,
			Revision:         cmd.Revision,
			Payload:          cmd.Payload,
			Creator:          cmd.Creator,
			Owner:            cmd.Owner,
			CreatedAt:        now,
			Position:         domain.Position{Value: position, InTxOrder: int32(i)},
		}
		if ev.Revision == 0 {
			ev.Revision = 1
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO events (
				instance_id, aggregate_type, aggregate_id, aggregate_version,
				event_type, revision, payload, creator, owner, position, in_tx_order, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.InstanceID, ev.AggregateType, ev.AggregateID, ev.AggregateVersion,
			ev.EventType, ev.Revision, string(ev.Payload), ev.Creator, ev.Owner,
			positionKey(ev.Position.Value), ev.Position.InTxOrder, ev.CreatedAt.UnixNano(),
		); err != nil {
			if isUniqueViolation(err) {
				actual, verr := latestVersionTx(ctx, tx, key)
				if verr != nil {
					actual = nextVersion
				}
				return nil, apperr.Concurrency(cmd.AggregateID, nextVersion-1, actual)
			}
			return nil, fmt.Errorf("insert event: %w", err)
		}

		if err := applyConstraints(ctx, tx, cmd); err != nil {
			return nil, err
		}

		events = append(events, ev)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return events, nil
}

// validateCommand rejects structurally broken commands before anything is
// written (spec.md §4.A "Failure semantics": Validation rolls back).
func validateCommand(cmd domain.Command) error {
	switch {
	case cmd.AggregateType == "":
		return apperr.Validation("STORE-Push02", "aggregate type must not be empty")
	case cmd.AggregateID == "":
		return apperr.Validation("STORE-Push02", "aggregate id must not be empty")
	case cmd.EventType == "":
		return apperr.Validation("STORE-Push02", "event type must not be empty")
	}
	return nil
}

func latestVersionTx(ctx context.Context, tx *sql.Tx, key domain.Key) (int64, error) {
	var version sql.NullInt64
	err := tx.QueryRowContext(ctx, `
		SELECT MAX(aggregate_version) FROM events
		WHERE instance_id = ? AND aggregate_type = ? AND aggregate_id = ?`,
		key.InstanceID, key.AggregateType, key.AggregateID,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read latest version: %w", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return version.Int64, nil
}

// applyConstraints applies a command's unique constraints as atomic side
// effects of the event insert (spec.md §3.4): Add inserts a claim row
// (failing the push on conflict), Remove releases a prior live claim,
// InstanceRemove clears every claim held by the instance.
func applyConstraints(ctx context.Context, tx *sql.Tx, cmd domain.Command) error {
	for _, c := range cmd.UniqueConstraints {
		instanceScope := cmd.InstanceID
		if c.IsGlobal {
			instanceScope = domain.GlobalInstanceID
		}

		switch c.Action {
		case domain.ConstraintAdd:
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO unique_constraints (instance_id, unique_type, unique_field, aggregate_id)
				VALUES (?, ?, ?, ?)`,
				instanceScope, c.UniqueType, c.UniqueField, cmd.AggregateID,
			); err != nil {
				if isUniqueViolation(err) {
					return apperr.UniqueConstraintViolation(c.UniqueType, c.UniqueField, c.ErrorMessage)
				}
				return fmt.Errorf("add unique constraint: %w", err)
			}
		case domain.ConstraintRemove:
			res, err := tx.ExecContext(ctx, `
				DELETE FROM unique_constraints WHERE instance_id = ? AND unique_type = ? AND unique_field = ?`,
				instanceScope, c.UniqueType, c.UniqueField,
			)
			if err != nil {
				return fmt.Errorf("remove unique constraint: %w", err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("remove unique constraint: %w", err)
			}
			if affected == 0 {
				return apperr.Validation("STORE-Unique02",
					fmt.Sprintf("no live %s claim for %q to remove", c.UniqueType, c.UniqueField))
			}
		case domain.ConstraintInstanceRemove:
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM unique_constraints WHERE instance_id = ?`,
				instanceScope,
			); err != nil {
				return fmt.Errorf("instance-remove unique constraints: %w", err)
			}
		default:
			return apperr.Validation("STORE-Push03", fmt.Sprintf("unknown unique constraint action %q", c.Action))
		}
	}
	return nil
}

// isUniqueViolation matches on the error message rather than a typed
// sqlite error code: modernc.org/sqlite's error type isn't stable across
// versions, and the message is, for this one substring.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
