package command

import (
	"context"
	"encoding/json"

	"github.com/authapp/coreid/pkg/apperr"
	"github.com/authapp/coreid/pkg/domain"
	"github.com/authapp/coreid/pkg/eventstore"
	"github.com/authapp/coreid/pkg/writemodel"
)

// userGrantUniqueType is the UniqueConstraint.UniqueType keeping a user
// from holding two live grants on the same project within one org.
const userGrantUniqueType = "user_grant"

func userGrantUniqueField(orgID, userID, projectID string) string {
	return orgID + ":" + userID + ":" + projectID
}

func (e *Engine) loadUserGrant(ctx context.Context, instanceID, aggregateID string) (*writemodel.UserGrant, error) {
	wm := writemodel.NewUserGrant(aggregateID)
	filter := eventstore.Filter{
		InstanceID:     instanceID,
		AggregateTypes: []string{domain.AggregateUserGrant},
		AggregateIDs:   []string{aggregateID},
	}
	if err := writemodel.Load(ctx, e.Store, e.Pipeline, instanceID, wm, filter); err != nil {
		return nil, err
	}
	return wm, nil
}

// AddUserGrant grants a user a set of project roles within an org
// (spec.md §8 scenario S5's "user grant g1"). Org and user must both be
// loadable and ACTIVE; the (org, user, project) triple is claimed as a
// unique constraint atomically with the event.
type AddUserGrant struct {
	InstanceID string
	OrgID      string
	UserID     string
	ProjectID  string
	RoleKeys   []string
	Creator    string
}

func (e *Engine) AddUserGrant(ctx context.Context, subject string, cmd AddUserGrant) (*ObjectDetails, error) {
	return e.recordCommand(ctx, "user_grant.add", func(ctx context.Context) (*ObjectDetails, error) {
		if err := requireNonEmpty("COMMAND-Grant01", "orgId", cmd.OrgID); err != nil {
			return nil, err
		}
		if err := requireNonEmpty("COMMAND-Grant02", "userId", cmd.UserID); err != nil {
			return nil, err
		}
		if err := requireNonEmpty("COMMAND-Grant03", "projectId", cmd.ProjectID); err != nil {
			return nil, err
		}
		if len(cmd.RoleKeys) == 0 {
			return nil, apperr.InvalidArgument("COMMAND-Grant04", "roleKeys", "roleKeys must not be empty")
		}
		if err := e.Authz.Authorize(ctx, subject, "user_grant", "create", cmd.OrgID); err != nil {
			return nil, err
		}
		if err := e.checkGates(ctx, cmd.InstanceID, "user.grant", "user_grants"); err != nil {
			return nil, err
		}

		org, err := e.loadOrg(ctx, cmd.InstanceID, cmd.OrgID)
		if err != nil {
			return nil, err
		}
		if !org.Exists() || org.State == domain.StateRemoved {
			return nil, apperr.NotFound("COMMAND-Grant05", "org", cmd.OrgID)
		}
		user, err := e.loadUser(ctx, cmd.InstanceID, cmd.UserID)
		if err != nil {
			return nil, err
		}
		if !user.Exists() || user.State == domain.StateRemoved {
			return nil, apperr.NotFound("COMMAND-Grant06", "user", cmd.UserID)
		}

		aggregateID := NewAggregateID()
		payload, err := json.Marshal(struct {
			OrgID     string   `json:"orgId"`
			UserID    string   `json:"userId"`
			ProjectID string   `json:"projectId"`
			RoleKeys  []string `json:"roleKeys"`
		}{OrgID: cmd.OrgID, UserID: cmd.UserID, ProjectID: cmd.ProjectID, RoleKeys: cmd.RoleKeys})
		if err != nil {
			return nil, err
		}
		events, err := e.push(ctx, 0, domain.Command{
			InstanceID:    cmd.InstanceID,
			AggregateType: domain.AggregateUserGrant,
			AggregateID:   aggregateID,
			EventType:     domain.EventUserGrantAdded,
			Payload:       payload,
			Creator:       cmd.Creator,
			Owner:         cmd.OrgID,
			UniqueConstraints: []domain.UniqueConstraint{{
				UniqueType:   userGrantUniqueType,
				UniqueField:  userGrantUniqueField(cmd.OrgID, cmd.UserID, cmd.ProjectID),
				Action:       domain.ConstraintAdd,
				ErrorMessage: "the user already holds a grant on this project",
			}},
		})
		if err != nil {
			return nil, err
		}
		return objectDetailsFromEvent(events[0]), nil
	})
}

// RemoveUserGrant revokes a grant and releases its unique claim.
type RemoveUserGrant struct {
	InstanceID  string
	AggregateID string
	Creator     string
}

func (e *Engine) RemoveUserGrant(ctx context.Context, subject string, cmd RemoveUserGrant) (*ObjectDetails, error) {
	return e.recordCommand(ctx, "user_grant.remove", func(ctx context.Context) (*ObjectDetails, error) {
		wm, err := e.loadUserGrant(ctx, cmd.InstanceID, cmd.AggregateID)
		if err != nil {
			return nil, err
		}
		if !wm.Exists() {
			return nil, apperr.NotFound("COMMAND-Grant07", "user_grant", cmd.AggregateID)
		}
		if err := e.Authz.Authorize(ctx, subject, "user_grant", "delete", wm.OrgID); err != nil {
			return nil, err
		}

		events, err := e.push(ctx, wm.Version, domain.Command{
			InstanceID:    cmd.InstanceID,
			AggregateType: domain.AggregateUserGrant,
			AggregateID:   cmd.AggregateID,
			EventType:     domain.EventUserGrantRemoved,
			Creator:       cmd.Creator,
			Owner:         wm.ResourceOwner,
			UniqueConstraints: []domain.UniqueConstraint{{
				UniqueType:  userGrantUniqueType,
				UniqueField: userGrantUniqueField(wm.OrgID, wm.UserID, wm.ProjectID),
				Action:      domain.ConstraintRemove,
			}},
		})
		if err != nil {
			return nil, err
		}
		return objectDetailsFromEvent(events[0]), nil
	})
}
