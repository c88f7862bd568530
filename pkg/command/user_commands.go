package command

import (
	"context"
	"encoding/json"

	"github.com/authapp/coreid/pkg/apperr"
	"github.com/authapp/coreid/pkg/domain"
	"github.com/authapp/coreid/pkg/eventstore"
	"github.com/authapp/coreid/pkg/writemodel"
)

// usernameUniqueType is the UniqueConstraint.UniqueType for usernames
// (spec.md §8 scenario S3: "adding a user with a username already taken
// by a live user in the same org fails the whole push").
const usernameUniqueType = "org_username"

func (e *Engine) loadUser(ctx context.Context, instanceID, aggregateID string) (*writemodel.User, error) {
	wm := writemodel.NewUser(instanceID, aggregateID)
	filter := eventstore.Filter{
		InstanceID:     instanceID,
		AggregateTypes: []string{domain.AggregateUser},
		AggregateIDs:   []string{aggregateID},
	}
	if err := writemodel.Load(ctx, e.Store, e.Pipeline, instanceID, wm, filter); err != nil {
		return nil, err
	}
	return wm, nil
}

// AddHumanUser is the "create" command for the user aggregate (spec.md
// §4.F, §8 scenario S3). It claims the (orgID, username) unique
// constraint atomically with the user.human.added event.
type AddHumanUser struct {
	InstanceID string
	OrgID      string
	Username   string
	Email      string
	Creator    string
}

func (e *Engine) AddHumanUser(ctx context.Context, subject string, cmd AddHumanUser) (*ObjectDetails, error) {
	return e.recordCommand(ctx, "user.add_human", func(ctx context.Context) (*ObjectDetails, error) {
		if err := requireNonEmpty("COMMAND-User01", "username", cmd.Username); err != nil {
			return nil, err
		}
		if err := requireMaxLen("COMMAND-User02", "username", cmd.Username, 200); err != nil {
			return nil, err
		}
		if err := requireEmailShape("COMMAND-User03", "email", cmd.Email); err != nil {
			return nil, err
		}
		if err := requireNonEmpty("COMMAND-User04", "orgId", cmd.OrgID); err != nil {
			return nil, err
		}
		if err := e.Authz.Authorize(ctx, subject, "user", "create", ""); err != nil {
			return nil, err
		}
		if err := e.checkGates(ctx, cmd.InstanceID, "user.human", "users"); err != nil {
			return nil, err
		}

		aggregateID := NewAggregateID()
		payload, err := json.Marshal(struct {
			Username string `json:"username"`
			Email    string `json:"email"`
			OrgID    string `json:"orgId"`
		}{Username: cmd.Username, Email: cmd.Email, OrgID: cmd.OrgID})
		if err != nil {
			return nil, err
		}

		events, err := e.push(ctx, 0, domain.Command{
			InstanceID:    cmd.InstanceID,
			AggregateType: domain.AggregateUser,
			AggregateID:   aggregateID,
			EventType:     domain.EventUserHumanAdded,
			Payload:       payload,
			Creator:       cmd.Creator,
			Owner:         cmd.OrgID,
			UniqueConstraints: []domain.UniqueConstraint{{
				UniqueType:   usernameUniqueType,
				UniqueField:  cmd.OrgID + ":" + cmd.Username,
				Action:       domain.ConstraintAdd,
				ErrorMessage: "username is already taken in this organization",
			}},
		})
		if err != nil {
			return nil, err
		}
		return objectDetailsFromEvent(events[0]), nil
	})
}

// ChangeUserEmail is idempotent by change detection (spec.md §4.F step 4,
// §8 scenario S4's pattern applied to the user aggregate): re-submitting
// the same email is a no-op that still returns the current ObjectDetails.
type ChangeUserEmail struct {
	InstanceID  string
	AggregateID string
	Email       string
	Creator     string
}

func (e *Engine) ChangeUserEmail(ctx context.Context, subject string, cmd ChangeUserEmail) (*ObjectDetails, error) {
	return e.recordCommand(ctx, "user.change_email", func(ctx context.Context) (*ObjectDetails, error) {
		if err := requireEmailShape("COMMAND-User05", "email", cmd.Email); err != nil {
			return nil, err
		}

		wm, err := e.loadUser(ctx, cmd.InstanceID, cmd.AggregateID)
		if err != nil {
			return nil, err
		}
		if !wm.Exists() || wm.State == domain.StateRemoved {
			return nil, apperr.NotFound("COMMAND-User06", "user", cmd.AggregateID)
		}
		if err := e.Authz.Authorize(ctx, subject, "user", "update", cmd.AggregateID); err != nil {
			return nil, err
		}
		if !wm.HasChanged(cmd.Email) {
			return &ObjectDetails{
				ID: wm.AggregateID, Sequence: wm.Version,
				ResourceOwner: wm.ResourceOwner,
			}, nil
		}

		payload, err := json.Marshal(struct {
			Email string `json:"email"`
		}{Email: cmd.Email})
		if err != nil {
			return nil, err
		}
		events, err := e.push(ctx, wm.Version, domain.Command{
			InstanceID:    cmd.InstanceID,
			AggregateType: domain.AggregateUser,
			AggregateID:   cmd.AggregateID,
			EventType:     domain.EventUserEmailChanged,
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

// userLifecycleCommand covers deactivate/reactivate/lock/unlock/remove:
// all five share the same shape (load, check current state, push one
// state-transition event, no payload).
func (e *Engine) userLifecycleCommand(
	ctx context.Context,
	subject, action string,
	instanceID, aggregateID, creator, eventType string,
	precondition func(*writemodel.User) error,
	constraints []domain.UniqueConstraint,
) (*ObjectDetails, error) {
	wm, err := e.loadUser(ctx, instanceID, aggregateID)
	if err != nil {
		return nil, err
	}
	if !wm.Exists() {
		return nil, apperr.NotFound("COMMAND-User07", "user", aggregateID)
	}
	if err := e.Authz.Authorize(ctx, subject, "user", action, aggregateID); err != nil {
		return nil, err
	}
	if precondition != nil {
		if err := precondition(wm); err != nil {
			return nil, err
		}
	}

	events, err := e.push(ctx, wm.Version, domain.Command{
		InstanceID:        instanceID,
		AggregateType:     domain.AggregateUser,
		AggregateID:       aggregateID,
		EventType:         eventType,
		Creator:           creator,
		Owner:             wm.ResourceOwner,
		UniqueConstraints: constraints,
	})
	if err != nil {
		return nil, err
	}
	return objectDetailsFromEvent(events[0]), nil
}

type DeactivateUser struct {
	InstanceID  string
	AggregateID string
	Creator     string
}

func (e *Engine) DeactivateUser(ctx context.Context, subject string, cmd DeactivateUser) (*ObjectDetails, error) {
	return e.recordCommand(ctx, "user.deactivate", func(ctx context.Context) (*ObjectDetails, error) {
		return e.userLifecycleCommand(ctx, subject, "update", cmd.InstanceID, cmd.AggregateID, cmd.Creator, domain.EventUserDeactivated,
			func(wm *writemodel.User) error {
				if wm.State == domain.StateRemoved {
					return apperr.NotFound("COMMAND-User08", "user", cmd.AggregateID)
				}
				if wm.State == domain.StateInactive {
					return apperr.New(apperr.KindPreconditionFailed, "COMMAND-User09", "user is already deactivated")
				}
				return nil
			}, nil)
	})
}

type ReactivateUser struct {
	InstanceID  string
	AggregateID string
	Creator     string
}

func (e *Engine) ReactivateUser(ctx context.Context, subject string, cmd ReactivateUser) (*ObjectDetails, error) {
	return e.recordCommand(ctx, "user.reactivate", func(ctx context.Context) (*ObjectDetails, error) {
		return e.userLifecycleCommand(ctx, subject, "update", cmd.InstanceID, cmd.AggregateID, cmd.Creator, domain.EventUserReactivated,
			func(wm *writemodel.User) error {
				if wm.State == domain.StateRemoved {
					return apperr.NotFound("COMMAND-User10", "user", cmd.AggregateID)
				}
				if wm.State != domain.StateInactive {
					return apperr.New(apperr.KindPreconditionFailed, "COMMAND-User11", "user is not deactivated")
				}
				return nil
			}, nil)
	})
}

type LockUser struct {
	InstanceID  string
	AggregateID string
	Creator     string
}

func (e *Engine) LockUser(ctx context.Context, subject string, cmd LockUser) (*ObjectDetails, error) {
	return e.recordCommand(ctx, "user.lock", func(ctx context.Context) (*ObjectDetails, error) {
		return e.userLifecycleCommand(ctx, subject, "update", cmd.InstanceID, cmd.AggregateID, cmd.Creator, domain.EventUserLocked,
			func(wm *writemodel.User) error {
				if wm.State == domain.StateRemoved {
					return apperr.NotFound("COMMAND-User12", "user", cmd.AggregateID)
				}
				if wm.State == domain.StateLocked {
					return apperr.New(apperr.KindPreconditionFailed, "COMMAND-User13", "user is already locked")
				}
				return nil
			}, nil)
	})
}

type UnlockUser struct {
	InstanceID  string
	AggregateID string
	Creator     string
}

func (e *Engine) UnlockUser(ctx context.Context, subject string, cmd UnlockUser) (*ObjectDetails, error) {
	return e.recordCommand(ctx, "user.unlock", func(ctx context.Context) (*ObjectDetails, error) {
		return e.userLifecycleCommand(ctx, subject, "update", cmd.InstanceID, cmd.AggregateID, cmd.Creator, domain.EventUserUnlocked,
			func(wm *writemodel.User) error {
				if wm.State != domain.StateLocked {
					return apperr.New(apperr.KindPreconditionFailed, "COMMAND-User14", "user is not locked")
				}
				return nil
			}, nil)
	})
}

// RemoveUser releases the username unique constraint atomically with the
// removal event (spec.md §3.4 "Remove requires a prior live Add").
type RemoveUser struct {
	InstanceID  string
	AggregateID string
	Creator     string
}

func (e *Engine) RemoveUser(ctx context.Context, subject string, cmd RemoveUser) (*ObjectDetails, error) {
	return e.recordCommand(ctx, "user.remove", func(ctx context.Context) (*ObjectDetails, error) {
		wm, err := e.loadUser(ctx, cmd.InstanceID, cmd.AggregateID)
		if err != nil {
			return nil, err
		}
		if !wm.Exists() || wm.State == domain.StateRemoved {
			return nil, apperr.NotFound("COMMAND-User15", "user", cmd.AggregateID)
		}
		if err := e.Authz.Authorize(ctx, subject, "user", "delete", cmd.AggregateID); err != nil {
			return nil, err
		}

		events, err := e.push(ctx, wm.Version, domain.Command{
			InstanceID:    cmd.InstanceID,
			AggregateType: domain.AggregateUser,
			AggregateID:   cmd.AggregateID,
			EventType:     domain.EventUserRemoved,
			Creator:       cmd.Creator,
			Owner:         wm.ResourceOwner,
			UniqueConstraints: []domain.UniqueConstraint{{
				UniqueType:  usernameUniqueType,
				UniqueField: wm.ResourceOwner + ":" + wm.Username,
				Action:      domain.ConstraintRemove,
			}},
		})
		if err != nil {
			return nil, err
		}
		return objectDetailsFromEvent(events[0]), nil
	})
}
