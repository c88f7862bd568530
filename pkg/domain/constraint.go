package domain

// ConstraintAction is the side effect a UniqueConstraint applies atomically
// with event insertion (spec.md §3.4).
type ConstraintAction string

const (
	// ConstraintAdd claims a unique value for an aggregate. Fails the whole
	// push if the value is already live.
	ConstraintAdd ConstraintAction = "add"

	// ConstraintRemove releases a value previously added. Requires a prior
	// live Add.
	ConstraintRemove ConstraintAction = "remove"

	// ConstraintInstanceRemove clears all constraints for an instance
	// (used by instance-removal cascades).
	ConstraintInstanceRemove ConstraintAction = "instance_remove"
)

// GlobalInstanceID is the sentinel instance id used for unique-constraint
// rows scoped globally (IsGlobal=true) rather than to one instance.
const GlobalInstanceID = "\x00global"

// UniqueConstraint is a side-effect attached to a Command that must be
// applied atomically with event insertion (spec.md §3.4).
type UniqueConstraint struct {
	UniqueType   string
	UniqueField  string
	Action       ConstraintAction
	IsGlobal     bool
	ErrorMessage string
}
