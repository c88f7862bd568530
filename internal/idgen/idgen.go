// Package idgen is the monotonic ID generator the command engine calls
// when a caller does not supply an id (spec.md §4.F "ID allocation"):
// ids must be sortable and stable across retries. Grounded on the
// teacher's pkg/idgen/ullid.go, which does the same thing for aggregate
// ids in the bankaccount examples.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// entropySource is a crypto/rand-backed io.Reader wrapped for ulid's
// monotonic entropy pool, so two ids minted within the same millisecond
// still sort correctly relative to each other.
var entropySource = ulid.Monotonic(rand.Reader, 0)

// NewAggregateID mints a new sortable aggregate id. Lexicographic order
// on the returned string agrees with creation order, which is convenient
// for index locality on the events table's primary key.
func NewAggregateID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropySource)
	if err != nil {
		// entropySource never errors for a well-formed timestamp; a panic
		// here would indicate a broken crypto/rand, an invariant break
		// rather than a recoverable condition (spec.md §9 "Panics are
		// reserved for invariant breaks").
		panic(err)
	}
	return id.String()
}

// NewCorrelationID mints an opaque id for command/subscription
// correlation where sortability doesn't matter.
func NewCorrelationID() string {
	return uuid.NewString()
}

// crockford is the RFC 4648 standard base32 alphabet (A-Z, 2-7) without
// padding; it is not the Crockford alphabet ulid uses. It has no 0, 1, 8
// or 9, which suits short human-typed codes (device codes, user codes).
var crockford = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewDeviceCode mints a long opaque code a device polls with (spec.md
// §4.F "Device authorization"): high entropy, never shown to a human.
func NewDeviceCode() string {
	var buf [20]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	return strings.ToLower(crockford.EncodeToString(buf[:]))
}

// NewUserCode mints a short code a human types at the verification URI
// (spec.md §4.F "Device authorization"): low entropy by design, since
// it's rate-limited and short-lived rather than a credential.
func NewUserCode() string {
	var buf [5]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	code := crockford.EncodeToString(buf[:])
	return code[:4] + "-" + code[4:8]
}
