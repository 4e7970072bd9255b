package engine

import "errors"

// Command rejection taxonomy. Every rejected command returns exactly one
// of these; callers must not retry InvalidTransition/FieldBusy, while
// Conflict is recoverable by refetching state and re-deciding.
var (
	ErrInvalidTransition = errors.New("operation is not legal from the current state")
	ErrFieldBusy         = errors.New("another match holds the field")
	ErrConflict          = errors.New("aggregate version conflict")
	ErrNotFound          = errors.New("aggregate not found")
	ErrAlreadyFinal      = errors.New("deliberation is at its final stage")
)

// ErrOutOfOrder reports an attempt to fold an event whose seq or version
// does not directly follow the projection's cursor. Applying events out
// of order is a programming error, never silently reordered.
var ErrOutOfOrder = errors.New("event applied out of projection order")
