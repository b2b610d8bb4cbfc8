// Package hub owns connections.
//
// Ownership boundary:
// - accept loops and per-connection receive loops
//
// - session binding: one active session per connection
//
// - outbound delivery of renderer responses
//
// - admin HTTP API and the sweeper
//
// Connection modes:
// - framed: trusted transport, malformed input ends the connection
//
// - terminal: raw bytes through the extractor, text to a TextSink
//
// Hub does not own session state. The registry does.
package hub
