package calls

import "errors"

// Lifecycle errors. AlreadyCompleted and NotCompleted usually mean another
// trigger won a benign race; callers should treat them as settled outcomes.
var (
	ErrNotFound            = errors.New("call not found")
	ErrForbidden           = errors.New("only the host can perform this action")
	ErrCallEnded           = errors.New("call has ended")
	ErrAlreadyCompleted    = errors.New("call already completed")
	ErrNotCompleted        = errors.New("only completed calls can be deleted")
	ErrProviderUnavailable = errors.New("video provider unavailable")
	ErrInvalidArgument     = errors.New("invalid argument")
)

// Store-level errors. ErrStatusConflict means a guarded write found the call
// in a different status than required.
var (
	ErrStatusConflict    = errors.New("call status conflict")
	ErrInvalidTransition = errors.New("invalid status transition")
)
