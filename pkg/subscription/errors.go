package subscription

import "errors"

// Error taxonomy shared across the billing packages. Handlers map these onto
// HTTP statuses; jobs decide retry behavior from them.
var (
	// ErrNotFound: a referenced entity is absent. Surfaced, never retried.
	ErrNotFound = errors.New("not found")

	// ErrValidation: bad input. Not retried.
	ErrValidation = errors.New("invalid request")

	// ErrConflict: the request contradicts committed state, e.g. reducing a
	// contracted quota or enrolling a driver twice. User-actionable.
	ErrConflict = errors.New("conflict")
)
