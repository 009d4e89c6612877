package store

import "errors"

// Error taxonomy shared by every service writing to or reading from the
// mission control database. Callers classify with errors.Is.
var (
	// ErrValidation marks malformed or referentially inconsistent input:
	// unknown agent or department, invalid status, or a timestamp that
	// regresses beyond the configured clock-skew tolerance.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a query referencing a nonexistent agent,
	// department, or document.
	ErrNotFound = errors.New("not found")

	// ErrCapacity marks a rejected write: the store or an index is over
	// its configured size bound. Nothing is partially written.
	ErrCapacity = errors.New("capacity exceeded")

	// ErrTransientUpstream marks a temporarily unavailable backend (the
	// embedding service). It is recovered locally via lexical fallback and
	// never surfaced to query callers.
	ErrTransientUpstream = errors.New("upstream temporarily unavailable")
)
