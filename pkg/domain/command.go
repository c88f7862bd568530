package domain

import "encoding/json"

// Command is the input to the event log: an Event minus the fields the
// store assigns at commit (AggregateVersion, Position, CreatedAt), plus
// optional unique-constraint side effects (spec.md §3.3).
type Command struct {
	InstanceID    string
	AggregateType string
	AggregateID   string
	EventType     string
	Revision      int32 // defaults to 1 when zero
	Payload       json.RawMessage
	Creator       string
	Owner         string

	UniqueConstraints []UniqueConstraint
}
