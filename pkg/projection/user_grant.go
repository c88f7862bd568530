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

// NewUserGrantProjection builds the projections_user_grants read-model
// builder (spec.md §4.H). Like memberships, grants have no soft-removed
// state: a removal — direct, or cascaded from org.removed or
// user.removed — deletes the row outright (spec.md §8 scenario S5:
// "projections.user_grants... return zero rows").
func NewUserGrantProjection(db *sql.DB, instanceID string, store eventstore.Querier, pipeline *mapper.Pipeline, bus *subscription.Bus, metrics *observability.Metrics) *Projection {
	p := New(Config{
		Name:       "user_grants",
		InstanceID: instanceID,
		DB:         db,
		Store:      store,
		Pipeline:   pipeline,
		Bus:        bus,
		Metrics:    metrics,
		Tables:     []string{"projections_user_grants"},
		Filter: map[string][]string{
			domain.AggregateUserGrant: nil,
			domain.AggregateOrg:       {domain.EventOrgRemoved},
			domain.AggregateUser:      {domain.EventUserRemoved},
		},
	})

	p.On(domain.EventUserGrantAdded, handleUserGrantAdded)
	p.On(domain.EventUserGrantRemoved, handleUserGrantRemovedDirect)
	p.On(domain.EventOrgRemoved, handleOrgRemovedCascadeGrants)
	p.On(domain.EventUserRemoved, handleUserRemovedCascadeGrants)
	return p
}

type userGrantAddedProjectionPayload struct {
	OrgID     string   `json:"orgId"`
	UserID    string   `json:"userId"`
	ProjectID string   `json:"projectId"`
	RoleKeys  []string `json:"roleKeys"`
}

func handleUserGrantAdded(ctx context.Context, tx *sql.Tx, ev *domain.Event) error {
	var p userGrantAddedProjectionPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return err
	}
	roleKeys, err := json.Marshal(p.RoleKeys)
	if err != nil {
		return err
	}
	now := clock.Now().UnixNano()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections_user_grants (instance_id, id, org_id, user_id, project_id, role_keys, resource_owner, sequence, creation_date, change_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (instance_id, id) DO UPDATE SET
			org_id = excluded.org_id, user_id = excluded.user_id, project_id = excluded.project_id,
			role_keys = excluded.role_keys, resource_owner = excluded.resource_owner,
			sequence = excluded.sequence, change_date = excluded.change_date
	`, ev.InstanceID, ev.AggregateID, p.OrgID, p.UserID, p.ProjectID, string(roleKeys), p.OrgID, ev.AggregateVersion, now, now)
	return err
}

func handleUserGrantRemovedDirect(ctx context.Context, tx *sql.Tx, ev *domain.Event) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM projections_user_grants WHERE instance_id = ? AND id = ?`, ev.InstanceID, ev.AggregateID)
	return err
}

func handleOrgRemovedCascadeGrants(ctx context.Context, tx *sql.Tx, ev *domain.Event) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM projections_user_grants WHERE instance_id = ? AND org_id = ?`, ev.InstanceID, ev.AggregateID)
	return err
}

func handleUserRemovedCascadeGrants(ctx context.Context, tx *sql.Tx, ev *domain.Event) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM projections_user_grants WHERE instance_id = ? AND user_id = ?`, ev.InstanceID, ev.AggregateID)
	return err
}
