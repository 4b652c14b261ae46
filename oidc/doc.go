// Package oidc is the relying-party side of the browser flow: issuer
// discovery, authorization URL construction, authorization-code exchange,
// and ID-token verification against the issuer's JWKS.
//
// The package exists to keep protocol specifics out of the coordination
// core. The root package consumes it only through the two-method
// IdentityProvider capability, so everything here can be swapped for a fake
// in tests.
package oidc
