// Package store holds the pending-authentication records that bridge the
// package-manager CLI's polling requests with the browser-side identity
// callback, and the state-change notification machinery that lets a poller
// block until the callback finishes.
//
// # Design
//
// Records are keyed twice: by poll token (held by the CLI) and by init token
// (embedded in the browser redirect). Both tokens are bearer secrets. A record
// starts Pending and moves exactly once to a terminal state; the adapter that
// commits the transition fans it out to every open subscription for that
// record before the update call returns.
//
// Two adapters satisfy the same [Adapter] contract: [MemoryAdapter] for tests
// and single-instance deployments, and [RedisAdapter] for clustered
// deployments, where Redis Pub/Sub carries the wake-up across instances.
//
// # Architecture boundaries
//
// This package owns record storage, uniqueness, and transition serialization.
// It does NOT generate tokens, decide authentication outcomes, or enforce
// wait timeouts; those belong to the engine in the root package.
//
// # What this package must NOT do
//
//   - Log or expose full token values.
//   - Delete records (retention is a deployment concern, handled outside).
//   - Allow a second writer to move a record out of a terminal state.
package store
