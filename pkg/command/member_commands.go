package command

import (
	"context"
	"encoding/json"

	"github.com/authapp/coreid/pkg/apperr"
	"github.com/authapp/coreid/pkg/domain"
	"github.com/authapp/coreid/pkg/eventstore"
	"github.com/authapp/coreid/pkg/writemodel"
)

func (e *Engine) loadOrgMember(ctx context.Context, instanceID, aggregateID string) (*writemodel.OrgMember, error) {
	wm := writemodel.NewOrgMember(aggregateID)
	filter := eventstore.Filter{
		InstanceID:     instanceID,
		AggregateTypes: []string{domain.AggregateOrgMember},
		AggregateIDs:   []string{aggregateID},
	}
	if err := writemodel.Load(ctx, e.Store, e.Pipeline, instanceID, wm, filter); err != nil {
		return nil, err
	}
	return wm, nil
}

// AddOrgMember grants a user membership (with roles) in an org. The
// org's existence and ACTIVE state is checked here because the member
// write model alone can't tell a never-existed org apart from one that
// was removed before any member referencing it loaded (spec.md §4.F step
// 4, "preconditions read across aggregates via a fresh Load, never by
// trusting stale fields").
type AddOrgMember struct {
	InstanceID string
	OrgID      string
	UserID     string
	Roles      []string
	Creator    string
}

func (e *Engine) AddOrgMember(ctx context.Context, subject string, cmd AddOrgMember) (*ObjectDetails, error) {
	return e.recordCommand(ctx, "org_member.add", func(ctx context.Context) (*ObjectDetails, error) {
		if err := requireNonEmpty("COMMAND-Member01", "orgId", cmd.OrgID); err != nil {
			return nil, err
		}
		if err := requireNonEmpty("COMMAND-Member02", "userId", cmd.UserID); err != nil {
			return nil, err
		}
		if len(cmd.Roles) == 0 {
			return nil, apperr.InvalidArgument("COMMAND-Member03", "roles", "roles must not be empty")
		}

		org, err := e.loadOrg(ctx, cmd.InstanceID, cmd.OrgID)
		if err != nil {
			return nil, err
		}
		if !org.Exists() || org.State == domain.StateRemoved {
			return nil, apperr.NotFound("COMMAND-Member04", "org", cmd.OrgID)
		}
		user, err := e.loadUser(ctx, cmd.InstanceID, cmd.UserID)
		if err != nil {
			return nil, err
		}
		if !user.Exists() || user.State == domain.StateRemoved {
			return nil, apperr.NotFound("COMMAND-Member05", "user", cmd.UserID)
		}
		if err := e.Authz.Authorize(ctx, subject, "org_member", "create", cmd.OrgID); err != nil {
			return nil, err
		}

		aggregateID := NewAggregateID()
		payload, err := json.Marshal(struct {
			OrgID  string   `json:"orgId"`
			UserID string   `json:"userId"`
			Roles  []string `json:"roles"`
		}{OrgID: cmd.OrgID, UserID: cmd.UserID, Roles: cmd.Roles})
		if err != nil {
			return nil, err
		}
		events, err := e.push(ctx, 0, domain.Command{
			InstanceID:    cmd.InstanceID,
			AggregateType: domain.AggregateOrgMember,
			AggregateID:   aggregateID,
			EventType:     domain.EventOrgMemberAdded,
			Payload:       payload,
			Creator:       cmd.Creator,
			Owner:         cmd.OrgID,
		})
		if err != nil {
			return nil, err
		}
		return objectDetailsFromEvent(events[0]), nil
	})
}

// RemoveOrgMember revokes a membership.
type RemoveOrgMember struct {
	InstanceID  string
	AggregateID string
	Creator     string
}

func (e *Engine) RemoveOrgMember(ctx context.Context, subject string, cmd RemoveOrgMember) (*ObjectDetails, error) {
	return e.recordCommand(ctx, "org_member.remove", func(ctx context.Context) (*ObjectDetails, error) {
		wm, err := e.loadOrgMember(ctx, cmd.InstanceID, cmd.AggregateID)
		if err != nil {
			return nil, err
		}
		if !wm.Exists() {
			return nil, apperr.NotFound("COMMAND-Member06", "org_member", cmd.AggregateID)
		}
		if err := e.Authz.Authorize(ctx, subject, "org_member", "delete", wm.OrgID); err != nil {
			return nil, err
		}

		events, err := e.push(ctx, wm.Version, domain.Command{
			InstanceID:    cmd.InstanceID,
			AggregateType: domain.AggregateOrgMember,
			AggregateID:   cmd.AggregateID,
			EventType:     domain.EventOrgMemberRemoved,
			Creator:       cmd.Creator,
			Owner:         wm.ResourceOwner,
		})
		if err != nil {
			return nil, err
		}
		return objectDetailsFromEvent(events[0]), nil
	})
}
