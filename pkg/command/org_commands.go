package command

import (
	"context"
	"encoding/json"

	"github.com/authapp/coreid/pkg/apperr"
	"github.com/authapp/coreid/pkg/domain"
	"github.com/authapp/coreid/pkg/eventstore"
	"github.com/authapp/coreid/pkg/writemodel"
)

func (e *Engine) loadOrg(ctx context.Context, instanceID, aggregateID string) (*writemodel.Org, error) {
	wm := writemodel.NewOrg(aggregateID)
	filter := eventstore.Filter{
		InstanceID:     instanceID,
		AggregateTypes: []string{domain.AggregateOrg},
		AggregateIDs:   []string{aggregateID},
	}
	if err := writemodel.Load(ctx, e.Store, e.Pipeline, instanceID, wm, filter); err != nil {
		return nil, err
	}
	return wm, nil
}

// AddOrg creates a new org aggregate.
type AddOrg struct {
	InstanceID string
	Name       string
	Creator    string
}

func (e *Engine) AddOrg(ctx context.Context, subject string, cmd AddOrg) (*ObjectDetails, error) {
	return e.recordCommand(ctx, "org.add", func(ctx context.Context) (*ObjectDetails, error) {
		if err := requireNonEmpty("COMMAND-Org01", "name", cmd.Name); err != nil {
			return nil, err
		}
		if err := requireMaxLen("COMMAND-Org02", "name", cmd.Name, 200); err != nil {
			return nil, err
		}
		if err := e.Authz.Authorize(ctx, subject, "org", "create", ""); err != nil {
			return nil, err
		}
		if err := e.checkGates(ctx, cmd.InstanceID, "org", "orgs"); err != nil {
			return nil, err
		}

		aggregateID := NewAggregateID()
		payload, err := json.Marshal(struct {
			Name string `json:"name"`
		}{Name: cmd.Name})
		if err != nil {
			return nil, err
		}
		events, err := e.push(ctx, 0, domain.Command{
			InstanceID:    cmd.InstanceID,
			AggregateType: domain.AggregateOrg,
			AggregateID:   aggregateID,
			EventType:     domain.EventOrgAdded,
			Payload:       payload,
			Creator:       cmd.Creator,
			Owner:         aggregateID, // an org owns itself
		})
		if err != nil {
			return nil, err
		}
		return objectDetailsFromEvent(events[0]), nil
	})
}

// ChangeOrgLabelPolicy is idempotent by change detection (spec.md §8
// scenario S4): resubmitting the same primaryColor is a no-op.
type ChangeOrgLabelPolicy struct {
	InstanceID   string
	AggregateID  string
	PrimaryColor string
	Creator      string
}

func (e *Engine) ChangeOrgLabelPolicy(ctx context.Context, subject string, cmd ChangeOrgLabelPolicy) (*ObjectDetails, error) {
	return e.recordCommand(ctx, "org.change_label_policy", func(ctx context.Context) (*ObjectDetails, error) {
		if err := requireNonEmpty("COMMAND-Org03", "primaryColor", cmd.PrimaryColor); err != nil {
			return nil, err
		}

		wm, err := e.loadOrg(ctx, cmd.InstanceID, cmd.AggregateID)
		if err != nil {
			return nil, err
		}
		if !wm.Exists() || wm.State == domain.StateRemoved {
			return nil, apperr.NotFound("COMMAND-Org04", "org", cmd.AggregateID)
		}
		if err := e.Authz.Authorize(ctx, subject, "org", "update", cmd.AggregateID); err != nil {
			return nil, err
		}
		if !wm.HasLabelPolicyChanged(cmd.PrimaryColor) {
			return &ObjectDetails{ID: wm.AggregateID, Sequence: wm.Version, ResourceOwner: wm.ResourceOwner}, nil
		}

		color := cmd.PrimaryColor
		payload, err := json.Marshal(struct {
			PrimaryColor *string `json:"primaryColor,omitempty"`
		}{PrimaryColor: &color})
		if err != nil {
			return nil, err
		}
		events, err := e.push(ctx, wm.Version, domain.Command{
			InstanceID:    cmd.InstanceID,
			AggregateType: domain.AggregateOrg,
			AggregateID:   cmd.AggregateID,
			EventType:     domain.EventOrgLabelPolicyChanged,
			Payload:       payload,
			Creator:       cmd.Creator,
			Owner:         wm.ResourceOwner,
		})
		if err != nil {
			return nil, err
		}
		return objectDetailsFromEvent(events[0]), nil
	})
}

// RemoveOrg cascades to every dependent user, org_member, and idp write
// model via their ExtraAggregateTypes subscriptions (spec.md §8 invariant
// 8, scenario S5). RemoveOrg itself only pushes the one org.removed
// event; the cascade is realized lazily the next time each dependent
// aggregate is loaded, and synchronously in the projection runtime's own
// org.removed handler (spec.md §4.G).
type RemoveOrg struct {
	InstanceID  string
	AggregateID string
	Creator     string
}

func (e *Engine) RemoveOrg(ctx context.Context, subject string, cmd RemoveOrg) (*ObjectDetails, error) {
	return e.recordCommand(ctx, "org.remove", func(ctx context.Context) (*ObjectDetails, error) {
		wm, err := e.loadOrg(ctx, cmd.InstanceID, cmd.AggregateID)
		if err != nil {
			return nil, err
		}
		if !wm.Exists() || wm.State == domain.StateRemoved {
			return nil, apperr.NotFound("COMMAND-Org05", "org", cmd.AggregateID)
		}
		if err := e.Authz.Authorize(ctx, subject, "org", "delete", cmd.AggregateID); err != nil {
			return nil, err
		}

		events, err := e.push(ctx, wm.Version, domain.Command{
			InstanceID:    cmd.InstanceID,
			AggregateType: domain.AggregateOrg,
			AggregateID:   cmd.AggregateID,
			EventType:     domain.EventOrgRemoved,
			Creator:       cmd.Creator,
			Owner:         wm.ResourceOwner,
		})
		if err != nil {
			return nil, err
		}
		return objectDetailsFromEvent(events[0]), nil
	})
}
