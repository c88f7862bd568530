package command

import "time"

// ObjectDetails is what every successful command returns (spec.md §4.F
// step 6, §7 "read-your-writes"): the just-committed sequence and event
// date, so a caller can wait for its own write to appear in a read model.
type ObjectDetails struct {
	ID            string
	Sequence      int64
	EventDate     time.Time
	CreationDate  time.Time
	ResourceOwner string
}
