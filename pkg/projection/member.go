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

// NewOrgMemberProjection builds the projections_org_members read-model
// builder (spec.md §4.H). Memberships have no soft-removed state in the
// projection: a removal (direct or cascaded) deletes the row outright,
// since there's no membership detail worth keeping once it's gone.
func NewOrgMemberProjection(db *sql.DB, instanceID string, store eventstore.Querier, pipeline *mapper.Pipeline, bus *subscription.Bus, metrics *observability.Metrics) *Projection {
	p := New(Config{
		Name:       "org_members",
		InstanceID: instanceID,
		DB:         db,
		Store:      store,
		Pipeline:   pipeline,
		Bus:        bus,
		Metrics:    metrics,
		Tables:     []string{"projections_org_members"},
		Filter: map[string][]string{
			domain.AggregateOrgMember: nil,
			domain.AggregateOrg:       {domain.EventOrgRemoved},
			domain.AggregateUser:      {domain.EventUserRemoved},
		},
	})

	p.On(domain.EventOrgMemberAdded, handleOrgMemberAdded)
	p.On(domain.EventOrgMemberRemoved, handleOrgMemberRemovedDirect)
	p.On(domain.EventOrgRemoved, handleOrgRemovedCascadeMembers)
	p.On(domain.EventUserRemoved, handleUserRemovedCascadeMembers)
	return p
}

type orgMemberAddedPayload struct {
	OrgID  string   `json:"orgId"`
	UserID string   `json:"userId"`
	Roles  []string `json:"roles"`
}

func handleOrgMemberAdded(ctx context.Context, tx *sql.Tx, ev *domain.Event) error {
	var p orgMemberAddedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return err
	}
	roles, err := json.Marshal(p.Roles)
	if err != nil {
		return err
	}
	now := clock.Now().UnixNano()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections_org_members (instance_id, membership_id, org_id, user_id, roles, resource_owner, sequence, creation_date, change_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (instance_id, membership_id) DO UPDATE SET
			org_id = excluded.org_id, user_id = excluded.user_id, roles = excluded.roles,
			resource_owner = excluded.resource_owner, sequence = excluded.sequence, change_date = excluded.change_date
	`, ev.InstanceID, ev.AggregateID, p.OrgID, p.UserID, string(roles), p.OrgID, ev.AggregateVersion, now, now)
	return err
}

// handleOrgMemberRemovedDirect deletes the membership by its own
// aggregate id, keyed on the membership_id column rather than (org_id,
// user_id), since the removal event itself carries no payload.
func handleOrgMemberRemovedDirect(ctx context.Context, tx *sql.Tx, ev *domain.Event) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM projections_org_members WHERE instance_id = ? AND membership_id = ?`, ev.InstanceID, ev.AggregateID)
	return err
}

func handleOrgRemovedCascadeMembers(ctx context.Context, tx *sql.Tx, ev *domain.Event) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM projections_org_members WHERE instance_id = ? AND org_id = ?`, ev.InstanceID, ev.AggregateID)
	return err
}

func handleUserRemovedCascadeMembers(ctx context.Context, tx *sql.Tx, ev *domain.Event) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM projections_org_members WHERE instance_id = ? AND user_id = ?`, ev.InstanceID, ev.AggregateID)
	return err
}
