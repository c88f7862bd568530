package domain

// State is the shared lifecycle enum write models reduce into (spec.md
// §4.F "State machines"). Not every aggregate uses every value.
type State string

const (
	StateUnspecified State = "UNSPECIFIED"
	StateActive      State = "ACTIVE"
	StateInactive    State = "INACTIVE"
	StateLocked      State = "LOCKED"
	StateRemoved     State = "REMOVED"
)
