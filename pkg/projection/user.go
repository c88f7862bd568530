package projection

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/authapp/coreid/internal/clock"
	"github.com/authapp/coreid/internal/observability"
	"github.com/authapp/coreid/pkg/domain"
	"github.com/authapp/coreid/pkg/eventstore"
	"github.com/authapp/coreid/pkg/mapper"
	"github.com/authapp/coreid/pkg/subscription"
)

// NewUserProjection builds the projections_users read-model builder
// (spec.md §4.H), also handling the org.removed cascade (spec.md §8
// invariant 8: removing an org removes every member's user row too, not
// just the org row).
func NewUserProjection(db *sql.DB, instanceID string, store eventstore.Querier, pipeline *mapper.Pipeline, bus *subscription.Bus, metrics *observability.Metrics) *Projection {
	p := New(Config{
		Name:       "users",
		InstanceID: instanceID,
		DB:         db,
		Store:      store,
		Pipeline:   pipeline,
		Bus:        bus,
		Metrics:    metrics,
		Tables:     []string{"projections_users"},
		Filter: map[string][]string{
			domain.AggregateUser: nil,
			domain.AggregateOrg:  {domain.EventOrgRemoved},
		},
	})

	p.On(domain.EventUserHumanAdded, handleUserHumanAdded)
	p.On(domain.EventUserEmailChanged, handleUserEmailChanged)
	p.On(domain.EventUserDeactivated, stateTransitionHandler("projections_users", domain.StateInactive))
	p.On(domain.EventUserReactivated, stateTransitionHandler("projections_users", domain.StateActive))
	p.On(domain.EventUserLocked, stateTransitionHandler("projections_users", domain.StateLocked))
	p.On(domain.EventUserUnlocked, stateTransitionHandler("projections_users", domain.StateActive))
	p.On(domain.EventUserRemoved, stateTransitionHandler("projections_users", domain.StateRemoved))
	p.On(domain.EventOrgRemoved, handleOrgRemovedCascadeUsers)
	return p
}

type userHumanAddedPayload struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	OrgID    string `json:"orgId"`
}

func handleUserHumanAdded(ctx context.Context, tx *sql.Tx, ev *domain.Event) error {
	var p userHumanAddedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return err
	}
	now := clock.Now().UnixNano()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections_users (instance_id, id, username, email, email_verified, state, resource_owner, sequence, creation_date, change_date)
		VALUES (?, ?, ?, ?, 0, 'ACTIVE', ?, ?, ?, ?)
		ON CONFLICT (instance_id, id) DO UPDATE SET
			username = excluded.username, email = excluded.email, resource_owner = excluded.resource_owner,
			state = 'ACTIVE', sequence = excluded.sequence, change_date = excluded.change_date
	`, ev.InstanceID, ev.AggregateID, p.Username, p.Email, p.OrgID, ev.AggregateVersion, now, now)
	return err
}

type userEmailChangedPayload struct {
	Email string `json:"email"`
}

func handleUserEmailChanged(ctx context.Context, tx *sql.Tx, ev *domain.Event) error {
	var p userEmailChangedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE projections_users SET email = ?, email_verified = 0, sequence = ?, change_date = ?
		WHERE instance_id = ? AND id = ?
	`, p.Email, ev.AggregateVersion, clock.Now().UnixNano(), ev.InstanceID, ev.AggregateID)
	return err
}

// stateTransitionHandler returns a Handler that sets the table's state
// column for the event's own aggregate (spec.md §4.H "state-machine
// columns mirror the write model's state enum"). Shared across every
// aggregate whose projection is a flat state-transition table.
func stateTransitionHandler(table string, state domain.State) Handler {
	return func(ctx context.Context, tx *sql.Tx, ev *domain.Event) error {
		_, err := tx.ExecContext(ctx, `UPDATE `+table+` SET state = ?, sequence = ?, change_date = ? WHERE instance_id = ? AND id = ?`,
			string(state), ev.AggregateVersion, clock.Now().UnixNano(), ev.InstanceID, ev.AggregateID)
		return err
	}
}

// handleOrgRemovedCascadeUsers marks every user owned by the removed org
// as REMOVED (spec.md §8 invariant 8). ev.AggregateID is the org id here,
// not a user id, since this handler is registered against
// domain.EventOrgRemoved under the AggregateOrg filter key.
func handleOrgRemovedCascadeUsers(ctx context.Context, tx *sql.Tx, ev *domain.Event) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE projections_users SET state = 'REMOVED', change_date = ?
		WHERE instance_id = ? AND resource_owner = ? AND state != 'REMOVED'
	`, clock.Now().UnixNano(), ev.InstanceID, ev.AggregateID)
	return err
}
