package channels

import (
	"errors"
	"fmt"
)

// CloseReason is the classified cause of a closed connection.
type CloseReason string

const (
	ReasonLoggedOut      CloseReason = "logged_out"
	ReasonUnauthorized   CloseReason = "unauthorized"
	ReasonStreamError    CloseReason = "stream_error"
	ReasonCorruptAuth    CloseReason = "corrupt_auth"
	ReasonConnectionLost CloseReason = "connection_lost"
	ReasonTimeout        CloseReason = "timeout"
	ReasonReplaced       CloseReason = "replaced"
	ReasonRateLimited    CloseReason = "rate_limited"
	ReasonStopped        CloseReason = "stopped"
	ReasonUnknown        CloseReason = "unknown"
)

// CloseClass is the retry policy class of a close reason.
type CloseClass int

const (
	// ClassGeneric is retried with the generic profile, auth preserved.
	ClassGeneric CloseClass = iota

	// ClassTransient is retried with the transient profile; auth is
	// cleared after repeated consecutive occurrences.
	ClassTransient

	// ClassTerminal clears auth and is never retried automatically.
	ClassTerminal

	// ClassStopped is an operator stop: no retry, auth preserved.
	ClassStopped
)

func (c CloseClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassTerminal:
		return "terminal"
	case ClassStopped:
		return "stopped"
	default:
		return "generic"
	}
}

// Class returns the retry class of r.
func (r CloseReason) Class() CloseClass {
	switch r {
	case ReasonLoggedOut, ReasonUnauthorized:
		return ClassTerminal
	case ReasonStreamError:
		return ClassTransient
	case ReasonStopped:
		return ClassStopped
	default:
		return ClassGeneric
	}
}

// WipesAuth reports whether auth must be wiped and recreated before the
// next connect attempt regardless of class.
func (r CloseReason) WipesAuth() bool {
	return r == ReasonCorruptAuth
}

// CloseError is an error carrying a classified close reason.
type CloseError struct {
	Reason CloseReason
	Err    error
}

func (e *CloseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connection closed: %s", e.Reason)
	}
	return fmt.Sprintf("connection closed: %s: %v", e.Reason, e.Err)
}

func (e *CloseError) Unwrap() error { return e.Err }

// ReasonFromError maps an error returned by Connect or a send call onto a
// close reason.
func ReasonFromError(err error) CloseReason {
	if err == nil {
		return ReasonUnknown
	}
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	switch {
	case errors.Is(err, ErrTerminalAuth):
		return ReasonUnauthorized
	case errors.Is(err, ErrCorruptAuthState):
		return ReasonCorruptAuth
	case errors.Is(err, ErrTransientProtocol):
		return ReasonStreamError
	case errors.Is(err, ErrNetwork):
		return ReasonConnectionLost
	default:
		return ReasonUnknown
	}
}
