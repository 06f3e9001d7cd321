package domain

import "errors"

var (
	// ErrInvalidInput marks a request that cannot be computed at all, such as a
	// non-numeric value for a numeric dimension.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidTable marks a rule table that fails validation or compilation.
	ErrInvalidTable = errors.New("invalid rule table")

	// ErrTableNotFound is returned when no loaded table has the requested id.
	ErrTableNotFound = errors.New("rule table not found")
)
