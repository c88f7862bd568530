package writemodel

import (
	"encoding/json"

	"github.com/authapp/coreid/pkg/domain"
	"github.com/authapp/coreid/pkg/eventstore"
)

// User is the write-model for the user aggregate (spec.md §4.F "User").
// It also reduces org.removed (an ExtraAggregateTypes subscription) so
// that removing an org flips every member's user write model to REMOVED
// the same way user.removed would, matching the cascade invariant
// (spec.md §8 invariant 8).
type User struct {
	Frame

	Username      string
	Email         string
	EmailVerified bool
	State         domain.State

	// orgID is the org this user belongs to, known once AddHuman has been
	// reduced; it scopes the org.removed ExtraFilters subscription.
	orgID string
}

// NewUser returns a fresh User write-model for the given key.
func NewUser(instanceID, aggregateID string) *User {
	return &User{
		Frame: NewFrame(domain.AggregateUser, aggregateID),
		State: domain.StateUnspecified,
	}
}

type userHumanAddedPayload struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	OrgID    string `json:"orgId"`
}

type userEmailChangedPayload struct {
	Email string `json:"email"`
}

// Reduce implements writemodel.Model.
func (u *User) Reduce(ev *domain.Event) {
	u.Observe(ev)

	switch ev.EventType {
	case domain.EventUserHumanAdded:
		var p userHumanAddedPayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			u.Username = p.Username
			u.Email = p.Email
			u.orgID = p.OrgID
		}
		u.State = domain.StateActive

	case domain.EventUserEmailChanged:
		var p userEmailChangedPayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			u.Email = p.Email
		}
		u.EmailVerified = false

	case domain.EventUserDeactivated:
		if u.State != domain.StateRemoved {
			u.State = domain.StateInactive
		}

	case domain.EventUserReactivated:
		if u.State != domain.StateRemoved {
			u.State = domain.StateActive
		}

	case domain.EventUserLocked:
		if u.State != domain.StateRemoved {
			u.State = domain.StateLocked
		}

	case domain.EventUserUnlocked:
		if u.State == domain.StateLocked {
			u.State = domain.StateActive
		}

	case domain.EventUserRemoved:
		u.State = domain.StateRemoved

	case domain.EventOrgRemoved:
		if u.orgID != "" && ev.AggregateID == u.orgID {
			u.State = domain.StateRemoved
		}
	}
}

// ExtraFilters implements writemodel.ExtraAggregateTypes.
func (u *User) ExtraFilters(instanceID string) []eventstore.Filter {
	if u.orgID == "" {
		return nil
	}
	return []eventstore.Filter{{
		InstanceID:     instanceID,
		AggregateTypes: []string{domain.AggregateOrg},
		AggregateIDs:   []string{u.orgID},
		EventTypes:     []string{domain.EventOrgRemoved},
	}}
}

// HasChanged reports whether newEmail differs from the user's current
// email, the change-detection spec.md §4.F names for idempotent commands.
func (u *User) HasChanged(newEmail string) bool {
	return newEmail != u.Email
}
