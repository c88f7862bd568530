package writemodel

import (
	"encoding/json"

	"github.com/authapp/coreid/pkg/domain"
	"github.com/authapp/coreid/pkg/eventstore"
)

// IDP is the write-model for an identity provider configuration (spec.md
// §4.F "IDP"). Type-specific configs (OIDC/OAuth/LDAP/SAML/JWT/Azure/
// Google/Apple) are carried as an opaque payload blob here; the
// projection is what encodes the type as an enum for querying.
type IDP struct {
	Frame

	OrgID   string // empty means instance-level
	Name    string
	IDPType string
	State   domain.State
}

func NewIDP(aggregateID string) *IDP {
	return &IDP{Frame: NewFrame(domain.AggregateIDP, aggregateID), State: domain.StateUnspecified}
}

type idpAddedPayload struct {
	OrgID   string `json:"orgId"`
	Name    string `json:"name"`
	IDPType string `json:"idpType"`
}

// Reduce implements writemodel.Model.
func (i *IDP) Reduce(ev *domain.Event) {
	i.Observe(ev)

	switch ev.EventType {
	case domain.EventIDPAdded:
		var p idpAddedPayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			i.OrgID = p.OrgID
			i.Name = p.Name
			i.IDPType = p.IDPType
		}
		i.State = domain.StateActive

	case domain.EventIDPRemoved:
		i.State = domain.StateRemoved

	case domain.EventOrgRemoved:
		if i.OrgID != "" && ev.AggregateID == i.OrgID {
			i.State = domain.StateRemoved
		}
	}
}

// ExtraFilters implements writemodel.ExtraAggregateTypes.
func (i *IDP) ExtraFilters(instanceID string) []eventstore.Filter {
	if i.OrgID == "" {
		return nil
	}
	return []eventstore.Filter{{
		InstanceID: instanceID, AggregateTypes: []string{domain.AggregateOrg},
		AggregateIDs: []string{i.OrgID}, EventTypes: []string{domain.EventOrgRemoved},
	}}
}
