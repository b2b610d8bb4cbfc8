// Package protocol owns the envelope wire contract.
//
// Ownership boundary:
// - envelope and payload variants
// - JSON encode/decode with version and payload/tag validation
// - batch flattening and envelope constructors
//
// Framing lives in protocol/frame; property schemas in protocol/schema.
// Nothing in this package performs I/O beyond writing to a caller's io.Writer.
package protocol
