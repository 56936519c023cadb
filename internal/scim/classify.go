package scim

import (
	"net/http"
	"strings"
)

// ClassifyToolError maps directory tool stderr to a SCIM error. Matching is
// case-insensitive and ordered; the first rule wins. The detail always
// carries the original stderr so operators can read the tool message in the
// IdP's provisioning log.
func ClassifyToolError(stderr string) *Error {
	lower := strings.ToLower(stderr)

	switch {
	case strings.Contains(lower, "already exists") || strings.Contains(lower, "already in use"):
		return NewError(http.StatusConflict, TypeUniqueness, stderr)
	case strings.Contains(lower, "cannot find an object with identity") ||
		strings.Contains(lower, "not found") ||
		strings.Contains(lower, "no such object"):
		return NewError(http.StatusNotFound, TypeNoTarget, stderr)
	case strings.Contains(lower, "password") &&
		(strings.Contains(lower, "complexity") || strings.Contains(lower, "length") || strings.Contains(lower, "requirement")):
		return NewError(http.StatusBadRequest, TypeInvalidValue, stderr)
	case strings.Contains(lower, "access") && strings.Contains(lower, "denied"):
		return NewError(http.StatusForbidden, "", stderr)
	case strings.Contains(lower, "invalid") || strings.Contains(lower, "bad request"):
		return NewError(http.StatusBadRequest, TypeInvalidValue, stderr)
	default:
		return NewError(http.StatusInternalServerError, "", stderr)
	}
}

// IsAlreadyGone reports whether delete stderr indicates the object no longer
// exists, which the processor treats as a successful deprovision.
func IsAlreadyGone(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "cannot find") || strings.Contains(lower, "not found")
}
