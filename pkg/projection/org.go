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

// NewOrgProjection builds the projections_orgs read-model builder
// (spec.md §4.H).
func NewOrgProjection(db *sql.DB, instanceID string, store eventstore.Querier, pipeline *mapper.Pipeline, bus *subscription.Bus, metrics *observability.Metrics) *Projection {
	p := New(Config{
		Name:       "orgs",
		InstanceID: instanceID,
		DB:         db,
		Store:      store,
		Pipeline:   pipeline,
		Bus:        bus,
		Metrics:    metrics,
		Tables:     []string{"projections_orgs"},
		Filter: map[string][]string{
			domain.AggregateOrg: nil,
		},
	})

	p.On(domain.EventOrgAdded, handleOrgAdded)
	p.On(domain.EventOrgLabelPolicyChanged, handleOrgLabelPolicyChanged)
	p.On(domain.EventOrgRemoved, stateTransitionHandler("projections_orgs", domain.StateRemoved))
	return p
}

type orgAddedPayload struct {
	Name string `json:"name"`
}

func handleOrgAdded(ctx context.Context, tx *sql.Tx, ev *domain.Event) error {
	var p orgAddedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return err
	}
	now := clock.Now().UnixNano()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections_orgs (instance_id, id, name, state, resource_owner, sequence, creation_date, change_date)
		VALUES (?, ?, ?, 'ACTIVE', ?, ?, ?, ?)
		ON CONFLICT (instance_id, id) DO UPDATE SET
			name = excluded.name, state = 'ACTIVE', resource_owner = excluded.resource_owner,
			sequence = excluded.sequence, change_date = excluded.change_date
	`, ev.InstanceID, ev.AggregateID, p.Name, ev.Owner, ev.AggregateVersion, now, now)
	return err
}

type orgLabelPolicyChangedPayload struct {
	PrimaryColor *string `json:"primaryColor,omitempty"`
}

func handleOrgLabelPolicyChanged(ctx context.Context, tx *sql.Tx, ev *domain.Event) error {
	var p orgLabelPolicyChangedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return err
	}
	if p.PrimaryColor == nil {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE projections_orgs SET label_policy_key = ?, sequence = ?, change_date = ?
		WHERE instance_id = ? AND id = ?
	`, *p.PrimaryColor, ev.AggregateVersion, clock.Now().UnixNano(), ev.InstanceID, ev.AggregateID)
	return err
}
