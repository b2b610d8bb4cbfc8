// Package session holds the client-side pieces of a hub session.
//
// Ownership boundary:
// - connection reliability settings (timeouts, retry backoff)
// - transport security policy and tls.Config builders
// - envelope Builder with a per-session outbound sequence
package session
