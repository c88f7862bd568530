package writemodel

import (
	"encoding/json"
	"time"

	"github.com/authapp/coreid/pkg/domain"
)

// DeviceAuthState is the device-authorization state machine (spec.md
// §4.F "Device authorization"): requested -> approved|denied|cancelled|
// expired.
type DeviceAuthState string

const (
	DeviceAuthRequested DeviceAuthState = "REQUESTED"
	DeviceAuthApproved  DeviceAuthState = "APPROVED"
	DeviceAuthDenied    DeviceAuthState = "DENIED"
	DeviceAuthCancelled DeviceAuthState = "CANCELLED"
	DeviceAuthExpired   DeviceAuthState = "EXPIRED"
)

// DeviceAuth is the write-model for a device authorization grant.
type DeviceAuth struct {
	Frame

	ClientID   string
	DeviceCode string
	UserCode   string
	UserID     string
	Scopes     []string
	ExpiresAt  time.Time
	State      DeviceAuthState
}

func NewDeviceAuth(aggregateID string) *DeviceAuth {
	return &DeviceAuth{Frame: NewFrame(domain.AggregateDeviceAuth, aggregateID)}
}

type deviceAuthRequestedPayload struct {
	ClientID   string   `json:"clientId"`
	DeviceCode string   `json:"deviceCode"`
	UserCode   string   `json:"userCode"`
	Scopes     []string `json:"scopes"`
	ExpiresAt  int64    `json:"expiresAt"` // unix seconds
}

type deviceAuthApprovedPayload struct {
	UserID string `json:"userId"`
}

// Reduce implements writemodel.Model.
func (d *DeviceAuth) Reduce(ev *domain.Event) {
	d.Observe(ev)

	switch ev.EventType {
	case domain.EventDeviceAuthRequested:
		var p deviceAuthRequestedPayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			d.ClientID = p.ClientID
			d.DeviceCode = p.DeviceCode
			d.UserCode = p.UserCode
			d.Scopes = p.Scopes
			d.ExpiresAt = time.Unix(p.ExpiresAt, 0).UTC()
		}
		d.State = DeviceAuthRequested

	case domain.EventDeviceAuthApproved:
		var p deviceAuthApprovedPayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			d.UserID = p.UserID
		}
		d.State = DeviceAuthApproved

	case domain.EventDeviceAuthDenied:
		d.State = DeviceAuthDenied

	case domain.EventDeviceAuthCancelled:
		d.State = DeviceAuthCancelled

	case domain.EventDeviceAuthExpired:
		d.State = DeviceAuthExpired
	}
}

// IsPending reports whether the grant is still waiting on a user
// decision — the state the background sweeper looks for (spec.md §4.F
// "Device authorization").
func (d *DeviceAuth) IsPending() bool {
	return d.State == DeviceAuthRequested
}
