package store

import (
	"context"
	"errors"
)

// ErrTokenExists is returned by CreateUser when a poll or init token is
// already bound to another record.
var ErrTokenExists = errors.New("authentication token already exists")

// ErrUnknownUser is returned by UpdateUser for an id with no record.
var ErrUnknownUser = errors.New("unknown authentication record")

// ErrStateConflict is returned by UpdateUser when a state change targets a
// record that is already in a terminal state. Concurrent finalizations are
// serialized through this error: the first writer wins, later ones fail.
var ErrStateConflict = errors.New("authentication record already finalized")

// ErrSubscriptionClosed is returned by Subscription.Next after Close.
var ErrSubscriptionClosed = errors.New("state change subscription closed")

// ErrRedisUnavailable wraps connectivity failures of the Redis adapter.
var ErrRedisUnavailable = errors.New("redis unavailable")

// Adapter is the storage contract for pending-authentication records.
//
// Lookups report absence through the bool return, not an error: a missing
// record is a valid outcome the caller must handle. I/O and invariant
// violations (duplicate tokens, unknown ids, finalized records) are errors.
type Adapter interface {
	// Boot initializes the adapter. It is idempotent and must be called
	// before any other method.
	Boot(ctx context.Context) error

	// CreateUser inserts a new record and assigns its id. Fails with
	// ErrTokenExists if either token is already in use.
	CreateUser(ctx context.Context, params CreateParams) (*User, error)

	// UpdateUser merges the non-nil patch fields into the record and
	// returns the updated record. A state change is committed and fanned
	// out to all open subscriptions for the record before UpdateUser
	// returns, so a waiter woken by the notification reads the new state
	// on its next lookup. Fails with ErrUnknownUser for a missing id and
	// ErrStateConflict for a state change on a finalized record.
	UpdateUser(ctx context.Context, id string, patch Patch) (*User, error)

	// FindByPollToken returns the record bound to the poll token, or
	// false if none exists.
	FindByPollToken(ctx context.Context, pollToken string) (*User, bool, error)

	// FindByInitToken returns the record bound to the init token, or
	// false if none exists.
	FindByInitToken(ctx context.Context, initToken string) (*User, bool, error)

	// SubscribeStateChange opens a subscription to state transitions of
	// the record with the given id. Every open subscription receives
	// every subsequent transition (broadcast, not competing consumers).
	// The caller must Close the subscription on every exit path.
	SubscribeStateChange(ctx context.Context, id string) (Subscription, error)
}

// Subscription is a stream of state transitions for a single record.
type Subscription interface {
	// Next blocks until the next transition, the context ends, or the
	// subscription is closed. After Close it returns
	// ErrSubscriptionClosed. Values queued before Close are still
	// delivered in order.
	Next(ctx context.Context) (State, error)

	// Close releases the subscription and its adapter-side resources.
	// Close is idempotent.
	Close() error
}
