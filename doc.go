// Package regsso bridges a package-manager CLI's token-based login with a
// browser-mediated OIDC flow. The CLI gets an opaque token immediately and
// polls with it; the identity flow finishes seconds or minutes later in a
// separate browser session; the engine coordinates the two call paths
// through a shared record store so the poll resolves the moment the browser
// callback lands.
//
// The public surface is [Engine], [Builder], [Config], and the error
// sentinels. Record storage lives in the store package behind the
// [store.Adapter] contract, with an in-memory adapter for single-instance
// use and a Redis adapter whose Pub/Sub fan-out makes the whole server
// horizontally scalable. HTTP endpoints live in the server package; the
// OIDC relying party in the oidc package.
//
// # Architecture boundaries
//
// The engine is stateless orchestration: it validates transitions, mints
// tokens, and maps record states to errors. All shared mutable state is
// owned by the adapter. The identity protocol is consumed as an opaque
// [IdentityProvider] capability, so the coordination core can be tested
// against a two-method fake.
//
// # What this package must NOT do
//
//   - Hold record state outside the adapter.
//   - Write a record's terminal state from anywhere but the callback and
//     revocation entry points.
//   - Log full token values (always prefixes).
package regsso
