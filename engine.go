package regsso

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/regsso/regsso/internal"
	"github.com/regsso/regsso/store"
)

// ErrInvalidLookup is returned when a lookup supplies neither or both of the
// poll and init tokens. Exactly one must be set; anything else is a caller
// bug, not a runtime condition.
var ErrInvalidLookup = errors.New("exactly one of poll token and init token must be set")

// IdentityProvider is the capability the engine consumes from the identity
// layer. The engine treats the flow as opaque: it can build the URL that
// starts it and exchange the callback code for credentials, nothing more.
// Tests substitute a two-method fake.
type IdentityProvider interface {
	// AuthorizationURL builds the URL the user's browser is sent to.
	// The callback URL points back at this server; state is echoed by the
	// provider on the callback.
	AuthorizationURL(callbackURL, state string) (string, error)

	// CompleteFlow exchanges the authorization code from the callback for
	// the credential result attached to the authenticated record. The
	// callback URL must match the one the flow was started with.
	CompleteFlow(ctx context.Context, callbackURL, code string) (*store.Credentials, error)
}

// Engine orchestrates pending authentications over a [store.Adapter]. It
// holds no record state of its own; every mutation goes through the adapter,
// which is what makes the engine safe to run on multiple instances over the
// Redis adapter.
//
// Construct engines through [New] and [Builder.Build]. One explicitly-owned
// engine per process is sufficient; there is no global instance.
type Engine struct {
	adapter store.Adapter
	idp     IdentityProvider
	logger  *slog.Logger
}

// PendingAuthentication is the token pair handed out when a flow starts.
// The poll token goes to the CLI, the init token into the browser redirect.
type PendingAuthentication struct {
	PollToken string
	InitToken string
}

// Lookup selects a record by exactly one of its two tokens.
type Lookup struct {
	PollToken string
	InitToken string
}

// CreatePendingAuthentication mints a fresh token pair and creates the
// backing record in StatePending. This is the only way records come into
// existence.
func (e *Engine) CreatePendingAuthentication(ctx context.Context) (*PendingAuthentication, error) {
	pollToken, err := internal.NewPollToken()
	if err != nil {
		return nil, fmt.Errorf("generate poll token: %w", err)
	}
	initToken, err := internal.NewInitToken()
	if err != nil {
		return nil, fmt.Errorf("generate init token: %w", err)
	}

	user, err := e.adapter.CreateUser(ctx, store.CreateParams{
		PollToken: pollToken,
		InitToken: initToken,
		State:     store.StatePending,
	})
	if err != nil {
		return nil, fmt.Errorf("create pending authentication: %w", err)
	}

	e.logger.Debug("created pending authentication",
		"id", user.ID,
		"poll_token_prefix", internal.TokenPrefix(pollToken))

	return &PendingAuthentication{PollToken: pollToken, InitToken: initToken}, nil
}

// IsPendingAuthentication is the cheap existence probe used by the polling
// endpoint before it commits to a long poll. Absent and Failed records both
// answer false: the poller cannot do anything useful with the distinction.
// Pending answers true. Any other state is surfaced as its typed error so
// the caller does not mistake a finished flow for a missing one.
func (e *Engine) IsPendingAuthentication(ctx context.Context, lookup Lookup) (bool, error) {
	user, ok, err := e.find(ctx, lookup)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	switch user.State {
	case store.StatePending:
		return true, nil
	case store.StateFailed:
		return false, nil
	default:
		return false, stateToError(user.State)
	}
}

// AuthorizationURL delegates to the identity provider.
func (e *Engine) AuthorizationURL(callbackURL, state string) (string, error) {
	return e.idp.AuthorizationURL(callbackURL, state)
}

// CompleteFlow delegates to the identity provider.
func (e *Engine) CompleteFlow(ctx context.Context, callbackURL, code string) (*store.Credentials, error) {
	return e.idp.CompleteFlow(ctx, callbackURL, code)
}

func (e *Engine) find(ctx context.Context, lookup Lookup) (*store.User, bool, error) {
	switch {
	case lookup.PollToken != "" && lookup.InitToken == "":
		return e.adapter.FindByPollToken(ctx, lookup.PollToken)
	case lookup.InitToken != "" && lookup.PollToken == "":
		return e.adapter.FindByInitToken(ctx, lookup.InitToken)
	default:
		return nil, false, ErrInvalidLookup
	}
}
