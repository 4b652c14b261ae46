package store

import "time"

// State is the lifecycle state of a pending authentication record.
//
// Transitions are monotonic: StatePending moves at most once to one of the
// terminal states and never back. There are no transitions out of a terminal
// state; an adapter rejects such an update with [ErrStateConflict].
type State uint8

const (
	// StatePending means the browser flow has not finished yet.
	StatePending State = iota
	// StateAuthenticated means the identity flow completed successfully
	// and the record carries credentials.
	StateAuthenticated
	// StateFailed means the identity flow failed or was canceled.
	StateFailed
	// StateRevoked means the record was administratively invalidated.
	StateRevoked
	// StateTimedOut means the record was expired by a reaper. The wait
	// path never writes this state; a timed-out waiter leaves the record
	// untouched so a late callback can still complete it.
	StateTimedOut
)

// Terminal reports whether no further transition is defined from s.
func (s State) Terminal() bool {
	return s != StatePending
}

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	case StateRevoked:
		return "revoked"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Credentials is the opaque output of the identity flow, attached to a
// record when it becomes StateAuthenticated. The engine never inspects it
// beyond passing it back to the poller.
type Credentials struct {
	TokenType    string         `json:"token_type,omitempty"`
	AccessToken  string         `json:"access_token,omitempty"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	IDToken      string         `json:"id_token,omitempty"`
	Expiry       time.Time      `json:"expiry,omitempty"`
	Claims       map[string]any `json:"claims,omitempty"`
}

// User is one pending-authentication record. The ID is adapter-assigned and
// only used for subscription addressing; external lookups go through the two
// tokens.
type User struct {
	ID          string       `json:"id"`
	PollToken   string       `json:"poll_token"`
	InitToken   string       `json:"init_token"`
	State       State        `json:"state"`
	Credentials *Credentials `json:"credentials,omitempty"`
}

// CreateParams carries the fields for a new record. State is always
// StatePending on creation; it is explicit here so the caller's intent is
// visible at the call site.
type CreateParams struct {
	PollToken string
	InitToken string
	State     State
}

// Patch is a partial update applied by UpdateUser. Nil fields are left
// unchanged on the stored record.
type Patch struct {
	State       *State
	Credentials *Credentials
}
