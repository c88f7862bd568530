package writemodel

import (
	"encoding/json"

	"github.com/authapp/coreid/pkg/domain"
	"github.com/authapp/coreid/pkg/eventstore"
)

// OrgMember is the write-model for a single (org, user) membership. Its
// aggregateID is the membership id; OrgID/UserID are carried in the
// payload. It also reduces org.removed and user.removed — the cascades
// spec.md §4.F names ("user.removed clears all memberships").
type OrgMember struct {
	Frame

	OrgID  string
	UserID string
	Roles  []string
	exists bool
}

func NewOrgMember(aggregateID string) *OrgMember {
	return &OrgMember{Frame: NewFrame(domain.AggregateOrgMember, aggregateID)}
}

type orgMemberAddedPayload struct {
	OrgID  string   `json:"orgId"`
	UserID string   `json:"userId"`
	Roles  []string `json:"roles"`
}

// Reduce implements writemodel.Model.
func (m *OrgMember) Reduce(ev *domain.Event) {
	m.Observe(ev)

	switch ev.EventType {
	case domain.EventOrgMemberAdded:
		var p orgMemberAddedPayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			m.OrgID = p.OrgID
			m.UserID = p.UserID
			m.Roles = p.Roles
		}
		m.exists = true

	case domain.EventOrgMemberRemoved:
		m.exists = false

	case domain.EventOrgRemoved:
		if m.OrgID != "" && ev.AggregateID == m.OrgID {
			m.exists = false
		}

	case domain.EventUserRemoved:
		if m.UserID != "" && ev.AggregateID == m.UserID {
			m.exists = false
		}
	}
}

// Exists reports whether the membership is still live.
func (m *OrgMember) Exists() bool {
	return m.exists
}

// ExtraFilters implements writemodel.ExtraAggregateTypes.
func (m *OrgMember) ExtraFilters(instanceID string) []eventstore.Filter {
	var filters []eventstore.Filter
	if m.OrgID != "" {
		filters = append(filters, eventstore.Filter{
			InstanceID: instanceID, AggregateTypes: []string{domain.AggregateOrg},
			AggregateIDs: []string{m.OrgID}, EventTypes: []string{domain.EventOrgRemoved},
		})
	}
	if m.UserID != "" {
		filters = append(filters, eventstore.Filter{
			InstanceID: instanceID, AggregateTypes: []string{domain.AggregateUser},
			AggregateIDs: []string{m.UserID}, EventTypes: []string{domain.EventUserRemoved},
		})
	}
	return filters
}
