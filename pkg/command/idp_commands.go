package command

import (
	"context"
	"encoding/json"

	"github.com/authapp/coreid/pkg/apperr"
	"github.com/authapp/coreid/pkg/domain"
	"github.com/authapp/coreid/pkg/eventstore"
	"github.com/authapp/coreid/pkg/writemodel"
)

// validIDPTypes is the closed set of identity-provider kinds spec.md §6
// names; unlike event types, this list is meant to grow, so it lives
// here rather than in the domain event-type vocabulary.
var validIDPTypes = []string{"oidc", "oauth", "ldap", "saml", "jwt", "azure_ad", "google", "apple"}

func (e *Engine) loadIDP(ctx context.Context, instanceID, aggregateID string) (*writemodel.IDP, error) {
	wm := writemodel.NewIDP(aggregateID)
	filter := eventstore.Filter{
		InstanceID:     instanceID,
		AggregateTypes: []string{domain.AggregateIDP},
		AggregateIDs:   []string{aggregateID},
	}
	if err := writemodel.Load(ctx, e.Store, e.Pipeline, instanceID, wm, filter); err != nil {
		return nil, err
	}
	return wm, nil
}

// AddIDP registers an identity-provider configuration, either
// instance-level (OrgID empty) or scoped to one org.
type AddIDP struct {
	InstanceID string
	OrgID      string // empty means instance-level
	Name       string
	IDPType    string
	Creator    string
}

func (e *Engine) AddIDP(ctx context.Context, subject string, cmd AddIDP) (*ObjectDetails, error) {
	return e.recordCommand(ctx, "idp.add", func(ctx context.Context) (*ObjectDetails, error) {
		if err := requireNonEmpty("COMMAND-IDP01", "name", cmd.Name); err != nil {
			return nil, err
		}
		if err := requireOneOf("COMMAND-IDP02", "idpType", cmd.IDPType, validIDPTypes...); err != nil {
			return nil, err
		}
		resource := "idp"
		resourceID := cmd.OrgID
		if err := e.Authz.Authorize(ctx, subject, resource, "create", resourceID); err != nil {
			return nil, err
		}
		if err := e.checkGates(ctx, cmd.InstanceID, "idp."+cmd.IDPType, "idps"); err != nil {
			return nil, err
		}
		if cmd.OrgID != "" {
			org, err := e.loadOrg(ctx, cmd.InstanceID, cmd.OrgID)
			if err != nil {
				return nil, err
			}
			if !org.Exists() || org.State == domain.StateRemoved {
				return nil, apperr.NotFound("COMMAND-IDP03", "org", cmd.OrgID)
			}
		}

		aggregateID := NewAggregateID()
		payload, err := json.Marshal(struct {
			OrgID   string `json:"orgId"`
			Name    string `json:"name"`
			IDPType string `json:"idpType"`
		}{OrgID: cmd.OrgID, Name: cmd.Name, IDPType: cmd.IDPType})
		if err != nil {
			return nil, err
		}
		owner := cmd.OrgID
		events, err := e.push(ctx, 0, domain.Command{
			InstanceID:    cmd.InstanceID,
			AggregateType: domain.AggregateIDP,
			AggregateID:   aggregateID,
			EventType:     domain.EventIDPAdded,
			Payload:       payload,
			Creator:       cmd.Creator,
			Owner:         owner,
		})
		if err != nil {
			return nil, err
		}
		return objectDetailsFromEvent(events[0]), nil
	})
}

// RemoveIDP deactivates an identity-provider configuration.
type RemoveIDP struct {
	InstanceID  string
	AggregateID string
	Creator     string
}

func (e *Engine) RemoveIDP(ctx context.Context, subject string, cmd RemoveIDP) (*ObjectDetails, error) {
	return e.recordCommand(ctx, "idp.remove", func(ctx context.Context) (*ObjectDetails, error) {
		wm, err := e.loadIDP(ctx, cmd.InstanceID, cmd.AggregateID)
		if err != nil {
			return nil, err
		}
		if !wm.Exists() || wm.State == domain.StateRemoved {
			return nil, apperr.NotFound("COMMAND-IDP04", "idp", cmd.AggregateID)
		}
		if err := e.Authz.Authorize(ctx, subject, "idp", "delete", cmd.AggregateID); err != nil {
			return nil, err
		}

		events, err := e.push(ctx, wm.Version, domain.Command{
			InstanceID:    cmd.InstanceID,
			AggregateType: domain.AggregateIDP,
			AggregateID:   cmd.AggregateID,
			EventType:     domain.EventIDPRemoved,
			Creator:       cmd.Creator,
			Owner:         wm.ResourceOwner,
		})
		if err != nil {
			return nil, err
		}
		return objectDetailsFromEvent(events[0]), nil
	})
}
