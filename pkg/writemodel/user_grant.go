package writemodel

import (
	"encoding/json"

	"github.com/authapp/coreid/pkg/domain"
	"github.com/authapp/coreid/pkg/eventstore"
)

// UserGrant is the write-model for a single project-role grant to a
// user. Like OrgMember, it reduces org.removed and user.removed in
// addition to its own stream — the cascades spec.md §4.F names
// ("user.removed clears all memberships, IDP links, grants").
type UserGrant struct {
	Frame

	OrgID     string
	UserID    string
	ProjectID string
	RoleKeys  []string
	exists    bool
}

func NewUserGrant(aggregateID string) *UserGrant {
	return &UserGrant{Frame: NewFrame(domain.AggregateUserGrant, aggregateID)}
}

type userGrantAddedPayload struct {
	OrgID     string   `json:"orgId"`
	UserID    string   `json:"userId"`
	ProjectID string   `json:"projectId"`
	RoleKeys  []string `json:"roleKeys"`
}

// Reduce implements writemodel.Model.
func (g *UserGrant) Reduce(ev *domain.Event) {
	g.Observe(ev)

	switch ev.EventType {
	case domain.EventUserGrantAdded:
		var p userGrantAddedPayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			g.OrgID = p.OrgID
			g.UserID = p.UserID
			g.ProjectID = p.ProjectID
			g.RoleKeys = p.RoleKeys
		}
		g.exists = true

	case domain.EventUserGrantRemoved:
		g.exists = false

	case domain.EventOrgRemoved:
		if g.OrgID != "" && ev.AggregateID == g.OrgID {
			g.exists = false
		}

	case domain.EventUserRemoved:
		if g.UserID != "" && ev.AggregateID == g.UserID {
			g.exists = false
		}
	}
}

// Exists reports whether the grant is still live.
func (g *UserGrant) Exists() bool {
	return g.exists
}

// ExtraFilters implements writemodel.ExtraAggregateTypes.
func (g *UserGrant) ExtraFilters(instanceID string) []eventstore.Filter {
	var filters []eventstore.Filter
	if g.OrgID != "" {
		filters = append(filters, eventstore.Filter{
			InstanceID: instanceID, AggregateTypes: []string{domain.AggregateOrg},
			AggregateIDs: []string{g.OrgID}, EventTypes: []string{domain.EventOrgRemoved},
		})
	}
	if g.UserID != "" {
		filters = append(filters, eventstore.Filter{
			InstanceID: instanceID, AggregateTypes: []string{domain.AggregateUser},
			AggregateIDs: []string{g.UserID}, EventTypes: []string{domain.EventUserRemoved},
		})
	}
	return filters
}
