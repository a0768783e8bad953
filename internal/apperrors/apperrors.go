package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the dispatch engine. Callers branch with errors.Is;
// handlers translate to HTTP with Status.
var (
	// ErrValidation rejects malformed input before any state is touched.
	ErrValidation = errors.New("validation failed")

	// ErrNotEligible rejects a driver who is offline, busy, profile-incomplete
	// or otherwise not allowed to act on the order.
	ErrNotEligible = errors.New("driver not eligible")

	// ErrConflict means the caller lost a race: the order was already
	// claimed, cancelled or completed. Retrying the same action is useless.
	ErrConflict = errors.New("order state conflict")

	// ErrNoCandidate is the normal terminal outcome when no driver can be
	// found after exhausting exclusions. It is not a fault.
	ErrNoCandidate = errors.New("no candidate driver")

	// ErrUpstreamUnavailable marks a degraded external dependency. The
	// engine falls back where it can; only surfaced when it cannot.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrNotFound covers lookups of unknown orders or drivers.
	ErrNotFound = errors.New("not found")
)

// Validationf wraps ErrValidation with detail.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

// NotEligiblef wraps ErrNotEligible with detail.
func NotEligiblef(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrNotEligible}, args...)...)
}

// Conflictf wraps ErrConflict with detail.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConflict}, args...)...)
}

// Status maps an engine error to an HTTP status code.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotEligible):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrNoCandidate):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrUpstreamUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Terminal reports whether err is a business outcome that retrying
// cannot change. Async workers stop retrying on these.
func Terminal(err error) bool {
	return errors.Is(err, ErrNoCandidate) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotEligible) ||
		errors.Is(err, ErrNotFound)
}
