package writemodel

import (
	"encoding/json"

	"github.com/authapp/coreid/pkg/domain"
)

// Org is the write-model for the org aggregate (spec.md §4.F "Policy"
// state machine shape applied to the org itself, plus its label policy).
type Org struct {
	Frame

	Name string
	State domain.State

	LabelPolicy LabelPolicy
}

// LabelPolicy is the org's idempotently-changeable label policy (spec.md
// §8 scenario S4).
type LabelPolicy struct {
	PrimaryColor string
	Set          bool
}

func NewOrg(aggregateID string) *Org {
	return &Org{Frame: NewFrame(domain.AggregateOrg, aggregateID), State: domain.StateUnspecified}
}

type orgAddedPayload struct {
	Name string `json:"name"`
}

type orgLabelPolicyChangedPayload struct {
	PrimaryColor *string `json:"primaryColor,omitempty"`
}

// Reduce implements writemodel.Model.
func (o *Org) Reduce(ev *domain.Event) {
	o.Observe(ev)

	switch ev.EventType {
	case domain.EventOrgAdded:
		var p orgAddedPayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			o.Name = p.Name
		}
		o.State = domain.StateActive

	case domain.EventOrgLabelPolicyChanged:
		var p orgLabelPolicyChangedPayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			// Optional-field semantics (spec.md §6 "Payload shape"):
			// undefined means unchanged.
			if p.PrimaryColor != nil {
				o.LabelPolicy.PrimaryColor = *p.PrimaryColor
				o.LabelPolicy.Set = true
			}
		}

	case domain.EventOrgRemoved:
		o.State = domain.StateRemoved
	}
}

// HasLabelPolicyChanged implements the change-detection spec.md §4.F
// names: a ChangeOrgLabelPolicy command with the same primaryColor as
// current state must not emit a new event (§8 scenario S4).
func (o *Org) HasLabelPolicyChanged(primaryColor string) bool {
	return !o.LabelPolicy.Set || o.LabelPolicy.PrimaryColor != primaryColor
}
