package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Position is the global event ordering tuple assigned at commit. Total
// order is lexicographic on (Value, InTxOrder). Value is never decreasing
// across committed transactions on a given log (spec.md §3.1).
type Position struct {
	Value     decimal.Decimal
	InTxOrder int32
}

// Zero is the sentinel "from the beginning" position.
var Zero = Position{Value: decimal.Zero, InTxOrder: 0}

// IsZero reports whether p is the zero position.
func (p Position) IsZero() bool {
	return p.Value.IsZero() && p.InTxOrder == 0
}

// Less reports whether p sorts strictly before o.
func (p Position) Less(o Position) bool {
	cmp := p.Value.Cmp(o.Value)
	if cmp != 0 {
		return cmp < 0
	}
	return p.InTxOrder < o.InTxOrder
}

// LessOrEqual reports whether p sorts at or before o.
func (p Position) LessOrEqual(o Position) bool {
	cmp := p.Value.Cmp(o.Value)
	if cmp != 0 {
		return cmp < 0
	}
	return p.InTxOrder <= o.InTxOrder
}

// String renders the position for logs and error messages.
func (p Position) String() string {
	return fmt.Sprintf("%s.%d", p.Value.String(), p.InTxOrder)
}

// PositionFromNanos scales a commit-time wall-clock reading (nanoseconds
// since epoch) into the decimal position value. Using nanosecond
// resolution keeps positions monotonic even when many transactions commit
// within the same millisecond, the way the store's row lock serializes
// same-aggregate writers but lets different aggregates commit concurrently
// (spec.md §4.A, §5).
func PositionFromNanos(nanos int64) decimal.Decimal {
	return decimal.New(nanos, -9)
}
