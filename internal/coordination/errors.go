package coordination

import "errors"

// Contract errors
var (
	ErrNilCallback     = errors.New("callback cannot be nil")
	ErrNilCollaborator = errors.New("collaborator cannot be nil")
	ErrMutexBusy       = errors.New("mutex is not released")
	ErrNotHeld         = errors.New("mutex is not held")
	ErrWrongMode       = errors.New("operation not available in this mode")
	ErrUnknownMode     = errors.New("unknown coordination mode")
	ErrEmptyBody       = errors.New("body cannot be empty")
	ErrClosed          = errors.New("coordination engine closed")
)

// Protocol errors
var (
	ErrMalformedMessage = errors.New("malformed coordination message")
)
