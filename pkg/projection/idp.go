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

// NewIDPProjection builds the projections_idps read-model builder
// (spec.md §4.H).
func NewIDPProjection(db *sql.DB, instanceID string, store eventstore.Querier, pipeline *mapper.Pipeline, bus *subscription.Bus, metrics *observability.Metrics) *Projection {
	p := New(Config{
		Name:       "idps",
		InstanceID: instanceID,
		DB:         db,
		Store:      store,
		Pipeline:   pipeline,
		Bus:        bus,
		Metrics:    metrics,
		Tables:     []string{"projections_idps"},
		Filter: map[string][]string{
			domain.AggregateIDP: nil,
			domain.AggregateOrg: {domain.EventOrgRemoved},
		},
	})

	p.On(domain.EventIDPAdded, handleIDPAdded)
	p.On(domain.EventIDPRemoved, handleIDPRemovedDirect)
	p.On(domain.EventOrgRemoved, handleOrgRemovedCascadeIDPs)
	return p
}

type idpAddedPayload struct {
	OrgID   string `json:"orgId"`
	Name    string `json:"name"`
	IDPType string `json:"idpType"`
}

func handleIDPAdded(ctx context.Context, tx *sql.Tx, ev *domain.Event) error {
	var p idpAddedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return err
	}
	now := clock.Now().UnixNano()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections_idps (instance_id, id, org_id, name, idp_type, state, resource_owner, sequence, creation_date, change_date)
		VALUES (?, ?, ?, ?, ?, 'ACTIVE', ?, ?, ?, ?)
		ON CONFLICT (instance_id, id) DO UPDATE SET
			org_id = excluded.org_id, name = excluded.name, idp_type = excluded.idp_type,
			state = 'ACTIVE', resource_owner = excluded.resource_owner,
			sequence = excluded.sequence, change_date = excluded.change_date
	`, ev.InstanceID, ev.AggregateID, p.OrgID, p.Name, p.IDPType, ev.Owner, ev.AggregateVersion, now, now)
	return err
}

// handleIDPRemovedDirect deletes the idp row outright (spec.md §4.G
// "Upsert rule": "Every removed event is a DELETE keyed on the
// appropriate compound key"), rather than leaving a soft-removed row —
// unlike orgs/users, an idp configuration is not an audit artifact worth
// preserving once removed.
func handleIDPRemovedDirect(ctx context.Context, tx *sql.Tx, ev *domain.Event) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM projections_idps WHERE instance_id = ? AND id = ?`, ev.InstanceID, ev.AggregateID)
	return err
}

// handleOrgRemovedCascadeIDPs deletes every idp owned by the removed org
// (spec.md §8 scenario S5: "projections.idps... return zero rows for
// o1" after org.removed).
func handleOrgRemovedCascadeIDPs(ctx context.Context, tx *sql.Tx, ev *domain.Event) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM projections_idps WHERE instance_id = ? AND org_id = ?`, ev.InstanceID, ev.AggregateID)
	return err
}
