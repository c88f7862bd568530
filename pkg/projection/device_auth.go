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

// NewDeviceAuthProjection builds the projections_device_authorizations
// read-model builder (spec.md §4.H, §4.F "Device authorization").
func NewDeviceAuthProjection(db *sql.DB, instanceID string, store eventstore.Querier, pipeline *mapper.Pipeline, bus *subscription.Bus, metrics *observability.Metrics) *Projection {
	p := New(Config{
		Name:       "device_authorizations",
		InstanceID: instanceID,
		DB:         db,
		Store:      store,
		Pipeline:   pipeline,
		Bus:        bus,
		Metrics:    metrics,
		Tables:     []string{"projections_device_authorizations"},
		Filter: map[string][]string{
			domain.AggregateDeviceAuth: nil,
		},
	})

	p.On(domain.EventDeviceAuthRequested, handleDeviceAuthRequested)
	p.On(domain.EventDeviceAuthApproved, handleDeviceAuthApproved)
	p.On(domain.EventDeviceAuthDenied, stateTransitionHandler("projections_device_authorizations", domain.State("DENIED")))
	p.On(domain.EventDeviceAuthCancelled, stateTransitionHandler("projections_device_authorizations", domain.State("CANCELLED")))
	p.On(domain.EventDeviceAuthExpired, stateTransitionHandler("projections_device_authorizations", domain.State("EXPIRED")))
	return p
}

type deviceAuthRequestedPayload struct {
	ClientID   string   `json:"clientId"`
	DeviceCode string   `json:"deviceCode"`
	UserCode   string   `json:"userCode"`
	Scopes     []string `json:"scopes"`
	ExpiresAt  int64    `json:"expiresAt"`
}

func handleDeviceAuthRequested(ctx context.Context, tx *sql.Tx, ev *domain.Event) error {
	var p deviceAuthRequestedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return err
	}
	scopes, err := json.Marshal(p.Scopes)
	if err != nil {
		return err
	}
	now := clock.Now().UnixNano()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections_device_authorizations
			(instance_id, id, client_id, device_code, user_code, state, scopes, expires_at, resource_owner, sequence, creation_date, change_date)
		VALUES (?, ?, ?, ?, ?, 'REQUESTED', ?, ?, ?, ?, ?, ?)
		ON CONFLICT (instance_id, id) DO UPDATE SET
			client_id = excluded.client_id, device_code = excluded.device_code, user_code = excluded.user_code,
			state = 'REQUESTED', scopes = excluded.scopes, expires_at = excluded.expires_at,
			resource_owner = excluded.resource_owner, sequence = excluded.sequence, change_date = excluded.change_date
	`, ev.InstanceID, ev.AggregateID, p.ClientID, p.DeviceCode, p.UserCode, string(scopes), p.ExpiresAt, ev.Owner, ev.AggregateVersion, now, now)
	return err
}

type deviceAuthApprovedPayload struct {
	UserID string `json:"userId"`
}

func handleDeviceAuthApproved(ctx context.Context, tx *sql.Tx, ev *domain.Event) error {
	var p deviceAuthApprovedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE projections_device_authorizations SET state = 'APPROVED', user_id = ?, sequence = ?, change_date = ?
		WHERE instance_id = ? AND id = ?
	`, p.UserID, ev.AggregateVersion, clock.Now().UnixNano(), ev.InstanceID, ev.AggregateID)
	return err
}
