// Package registry owns session and component state for the hub.
//
// Membership lives behind one RWMutex. Each session carries its own mutex, so
// effects for one session id are serialized while other sessions proceed in
// parallel. State changes are published on a Bus for renderers.
package registry
