package regsso

import (
	"errors"
	"fmt"

	"github.com/regsso/regsso/store"
)

var (
	// ErrAuthenticationNotFound is returned by the wait path when no
	// record exists for the given poll token: the flow was never
	// initiated, or the record expired.
	ErrAuthenticationNotFound = errors.New("authentication not found")
	// ErrAuthenticationPending means the browser flow has not finished.
	// The wait path uses it internally to keep waiting; it is never the
	// final outcome of a wait.
	ErrAuthenticationPending = errors.New("authentication still pending")
	// ErrAuthenticationTimedOut means the wait elapsed before the flow
	// finished. The caller may retry with the same poll token.
	ErrAuthenticationTimedOut = errors.New("authentication timed out")
	// ErrAuthenticationFailed means the identity flow failed or was
	// canceled. Retrying requires a fresh flow.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrAuthenticationRevoked means the record was administratively
	// invalidated. Retrying requires a fresh flow.
	ErrAuthenticationRevoked = errors.New("authentication revoked")
)

// UnexpectedStateError reports a record state outside the defined
// enumeration reaching decision logic. It indicates an adapter or migration
// bug and is fatal for the affected flow, never silently recovered.
type UnexpectedStateError struct {
	State store.State
}

func (e *UnexpectedStateError) Error() string {
	return fmt.Sprintf("unexpected authentication state: %d", e.State)
}

// stateToError maps a non-authenticated record state to its caller-facing
// error.
func stateToError(state store.State) error {
	switch state {
	case store.StatePending:
		return ErrAuthenticationPending
	case store.StateTimedOut:
		return ErrAuthenticationTimedOut
	case store.StateFailed:
		return ErrAuthenticationFailed
	case store.StateRevoked:
		return ErrAuthenticationRevoked
	default:
		return &UnexpectedStateError{State: state}
	}
}
