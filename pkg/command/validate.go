package command

import (
	"regexp"
	"strings"

	"github.com/authapp/coreid/pkg/apperr"
)

// Structural validation (spec.md §4.F step 1: "required fields, length
// bounds, enum membership, simple regexes"), grounded on the teacher's
// pkg/validators shape but narrowed to this: email is checked only
// against a simple shape regex, with no full email-format or credential
// validation, which spec.md §1 places out of scope as external
// collaborators.

var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

func requireNonEmpty(code, field, value string) error {
	if strings.TrimSpace(value) == "" {
		return apperr.InvalidArgument(code, field, field+" must not be empty")
	}
	return nil
}

func requireMaxLen(code, field, value string, max int) error {
	if len(value) > max {
		return apperr.InvalidArgument(code, field, field+" exceeds maximum length")
	}
	return nil
}

func requireEmailShape(code, field, value string) error {
	if !emailRe.MatchString(value) {
		return apperr.InvalidArgument(code, field, field+" is not a syntactically valid email")
	}
	return nil
}

func requireOneOf(code, field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return apperr.InvalidArgument(code, field, field+" is not one of the allowed values")
}
