package graph

import "errors"

// ErrConflict is returned when a write would violate the single-current-edge
// invariant, or when the edge named in a supersession is no longer current.
// Callers retry once against re-read state; a persistent conflict surfaces as
// a deferred disposition upstream.
var ErrConflict = errors.New("graph: conflicting current edge")

// ErrValidation is returned for malformed input (missing owner, subject, or
// relation type). Validation failures are not retried.
var ErrValidation = errors.New("graph: invalid input")

// NotFoundError is returned when an entity or relation doesn't exist in the
// store.
type NotFoundError struct {
	Kind string // "entity" or "relation"
	ID   string
}

func (e NotFoundError) Error() string {
	if e.ID == "" {
		return e.Kind + " not found"
	}
	return e.Kind + " not found: " + e.ID
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}
