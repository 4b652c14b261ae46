// Package server exposes the HTTP surface of the SSO bridge: the npm login
// and whoami endpoints the CLI talks to, and the authorize/callback
// endpoints the browser passes through.
//
// # Architecture boundaries
//
// Handlers translate HTTP semantics into engine calls and engine errors
// into status codes. They make no authentication decisions of their own and
// never touch the record store directly.
package server
