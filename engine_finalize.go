package regsso

import (
	"context"
	"errors"
	"fmt"

	"github.com/regsso/regsso/internal"
	"github.com/regsso/regsso/store"
)

// Authenticate finalizes the record behind initToken with the identity
// flow's credential result. It is the single success entry point for the
// browser-callback context. The record must still be Pending; the adapter
// serializes racing finalizations, so of two concurrent calls exactly one
// succeeds and the other returns ErrAuthenticationFailed with the record
// unchanged.
//
// The state write and the fan-out to all live waiters happen inside the
// adapter update, so every poller blocked in WaitForAuthentication resolves.
func (e *Engine) Authenticate(ctx context.Context, credentials *store.Credentials, initToken string) error {
	user, ok, err := e.adapter.FindByInitToken(ctx, initToken)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAuthenticationNotFound
	}
	if user.State != store.StatePending {
		return fmt.Errorf("%w: record already %s", ErrAuthenticationFailed, user.State)
	}

	state := store.StateAuthenticated
	_, err = e.adapter.UpdateUser(ctx, user.ID, store.Patch{
		State:       &state,
		Credentials: credentials,
	})
	if errors.Is(err, store.ErrStateConflict) {
		// Lost the race against another finalizer.
		return fmt.Errorf("%w: record already finalized", ErrAuthenticationFailed)
	}
	if err != nil {
		return err
	}

	e.logger.Info("authentication completed",
		"id", user.ID,
		"init_token_prefix", internal.TokenPrefix(initToken))
	return nil
}

// Fail marks the record behind initToken as failed, used when the identity
// provider reports an error or the user cancels the browser flow. Waiters
// are woken with ErrAuthenticationFailed.
func (e *Engine) Fail(ctx context.Context, initToken string) error {
	user, ok, err := e.adapter.FindByInitToken(ctx, initToken)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAuthenticationNotFound
	}
	if user.State != store.StatePending {
		return fmt.Errorf("%w: record already %s", ErrAuthenticationFailed, user.State)
	}

	state := store.StateFailed
	if _, err := e.adapter.UpdateUser(ctx, user.ID, store.Patch{State: &state}); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return fmt.Errorf("%w: record already finalized", ErrAuthenticationFailed)
		}
		return err
	}

	e.logger.Info("authentication failed by callback",
		"id", user.ID,
		"init_token_prefix", internal.TokenPrefix(initToken))
	return nil
}

// Revoke administratively invalidates the record behind pollToken. Waiters
// are woken with ErrAuthenticationRevoked; the CLI must start a fresh flow.
func (e *Engine) Revoke(ctx context.Context, pollToken string) error {
	user, ok, err := e.adapter.FindByPollToken(ctx, pollToken)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAuthenticationNotFound
	}
	if user.State != store.StatePending {
		return stateToError(user.State)
	}

	state := store.StateRevoked
	if _, err := e.adapter.UpdateUser(ctx, user.ID, store.Patch{State: &state}); err != nil {
		return err
	}

	e.logger.Info("authentication revoked", "id", user.ID)
	return nil
}
