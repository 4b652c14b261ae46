package regsso

import (
	"context"
	"errors"
	"time"

	"github.com/regsso/regsso/internal"
	"github.com/regsso/regsso/store"
)

// WaitForAuthentication blocks until the record behind pollToken reaches a
// terminal state, then returns its credentials on success or the state's
// typed error otherwise. A record that is already Authenticated resolves
// immediately, so repeated calls after success are safe.
//
// A timeout greater than zero bounds the wait; expiry surfaces
// [ErrAuthenticationTimedOut] without touching the record, so a late
// callback can still complete the flow and a retried wait will see it.
// Zero means the wait is bounded only by ctx.
//
// The state-change subscription is closed on every exit path; an abandoned
// waiter never leaves a live entry in the adapter's subscriber set.
func (e *Engine) WaitForAuthentication(ctx context.Context, pollToken string, timeout time.Duration) (*store.Credentials, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	user, ok, err := e.adapter.FindByPollToken(ctx, pollToken)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAuthenticationNotFound
	}
	if user.State != store.StatePending {
		return e.resolve(user)
	}

	sub, err := e.adapter.SubscribeStateChange(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	// The record may have been finalized between the lookup and the
	// subscribe, in which case the notification already happened and will
	// never be replayed. Re-read once now that the subscription is live.
	user, ok, err = e.adapter.FindByPollToken(ctx, pollToken)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAuthenticationNotFound
	}
	if user.State != store.StatePending {
		return e.resolve(user)
	}

	for {
		state, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				e.logger.Debug("wait for authentication timed out, flow still pending",
					"poll_token_prefix", internal.TokenPrefix(pollToken))
				return nil, ErrAuthenticationTimedOut
			}
			return nil, err
		}

		switch state {
		case store.StatePending:
			continue
		case store.StateAuthenticated:
			// The notification is committed after the record, so this
			// read observes the credentials.
			user, ok, err := e.adapter.FindByPollToken(ctx, pollToken)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, ErrAuthenticationNotFound
			}
			return user.Credentials, nil
		default:
			return nil, stateToError(state)
		}
	}
}

func (e *Engine) resolve(user *store.User) (*store.Credentials, error) {
	if user.State == store.StateAuthenticated {
		return user.Credentials, nil
	}
	return nil, stateToError(user.State)
}
