package session

import (
	"strings"
	"sync/atomic"

	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/google/uuid"
)

// Builder stamps outbound envelopes for one session with a monotonically
// increasing sequence. It is safe for concurrent use.
type Builder struct {
	sessionID string
	seq       atomic.Uint64
}

// NewBuilder returns a Builder for sessionID, generating one when empty.
func NewBuilder(sessionID string) *Builder {
	if strings.TrimSpace(sessionID) == "" {
		sessionID = uuid.NewString()
	}
	return &Builder{sessionID: sessionID}
}

func (b *Builder) SessionID() string { return b.sessionID }

// Sequence returns the last sequence handed out.
func (b *Builder) Sequence() uint64 { return b.seq.Load() }

func (b *Builder) next() uint64 { return b.seq.Add(1) }

// Envelope wraps payload with the next sequence.
func (b *Builder) Envelope(payload protocol.Payload) protocol.Envelope {
	return protocol.NewEnvelope(b.sessionID, b.next(), payload)
}

func (b *Builder) Start(start protocol.SessionStart) protocol.Envelope {
	return protocol.SessionStartEnvelope(b.sessionID, b.next(), start)
}

func (b *Builder) End(end protocol.SessionEnd) protocol.Envelope {
	return protocol.SessionEndEnvelope(b.sessionID, b.next(), end)
}

func (b *Builder) Component(kind protocol.ComponentKind, componentID string, props any) (protocol.Envelope, error) {
	return protocol.ComponentEnvelope(b.sessionID, b.next(), kind, componentID, props)
}

func (b *Builder) Update(target string, props any) (protocol.Envelope, error) {
	return protocol.UpdateEnvelope(b.sessionID, b.next(), target, props)
}

func (b *Builder) Stream(streamID string, data any) (protocol.Envelope, error) {
	return protocol.StreamEnvelope(b.sessionID, b.next(), streamID, data)
}

func (b *Builder) Error(code, message string) protocol.Envelope {
	return protocol.ErrorEnvelope(b.sessionID, b.next(), code, message)
}

// Batch groups envelopes under one outer envelope with its own sequence.
func (b *Builder) Batch(msgs ...protocol.Envelope) protocol.Envelope {
	return protocol.NewEnvelope(b.sessionID, b.next(), protocol.BatchPayload{Messages: msgs})
}
