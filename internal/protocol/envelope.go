package protocol

import (
	"encoding/json"
	"strings"
	"time"
)

// Version is the protocol version written by this build.
const Version = "1.0"

var supportedVersions = map[string]struct{}{
	Version: {},
}

// SupportedVersion reports whether v can be decoded by this build.
func SupportedVersion(v string) bool {
	_, ok := supportedVersions[strings.TrimSpace(v)]
	return ok
}

// MessageType is the envelope discriminator.
type MessageType string

const (
	MessageControl       MessageType = "control"
	MessageUI            MessageType = "ui_message"
	MessageResponse      MessageType = "response"
	MessageEvent         MessageType = "event"
	MessageAI            MessageType = "ai_message"
	MessageCollaboration MessageType = "collaboration"
	MessageError         MessageType = "error"
	MessageBatch         MessageType = "batch"
)

// Known reports whether t is one of the message types this build understands.
func (t MessageType) Known() bool {
	switch t {
	case MessageControl, MessageUI, MessageResponse, MessageEvent,
		MessageAI, MessageCollaboration, MessageError, MessageBatch:
		return true
	default:
		return false
	}
}

// Payload is implemented by every payload variant.
type Payload interface {
	MessageType() MessageType
}

// Envelope is the versioned unit of communication.
type Envelope struct {
	ProtocolVersion string
	Type            MessageType
	SessionID       string
	Sequence        uint64
	Timestamp       time.Time
	Payload         Payload
}

type wireEnvelope struct {
	ProtocolVersion string          `json:"protocol_version"`
	MessageType     MessageType     `json:"message_type"`
	SessionID       string          `json:"session_id"`
	Sequence        uint64          `json:"sequence"`
	Timestamp       time.Time       `json:"timestamp"`
	Payload         json.RawMessage `json:"payload"`
}

// Validate checks the envelope header and payload/tag consistency.
func (e Envelope) Validate() error {
	return e.validate(false)
}

func (e Envelope) validate(nested bool) error {
	if strings.TrimSpace(e.ProtocolVersion) == "" {
		return malformed(ErrMissingField, "protocol_version")
	}
	if !SupportedVersion(e.ProtocolVersion) {
		return malformed(ErrUnsupportedVersion, e.ProtocolVersion)
	}
	if e.Type == "" {
		return malformed(ErrMissingField, "message_type")
	}
	if strings.TrimSpace(e.SessionID) == "" {
		return malformed(ErrMissingField, "session_id")
	}
	if e.Payload == nil {
		return malformed(ErrNilPayload, string(e.Type))
	}
	if e.Payload.MessageType() != e.Type {
		return malformed(ErrPayloadMismatch, string(e.Type)+" carries "+string(e.Payload.MessageType()))
	}
	if nested && e.Type == MessageBatch {
		return malformed(ErrNestedBatch, "")
	}
	if v, ok := e.Payload.(interface{ validate() error }); ok {
		if err := v.validate(); err != nil {
			return err
		}
	}
	return nil
}

// MarshalJSON encodes e in wire form.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return e.marshal(false)
}

func (e Envelope) marshal(nested bool) ([]byte, error) {
	if err := e.validate(nested); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{
		ProtocolVersion: e.ProtocolVersion,
		MessageType:     e.Type,
		SessionID:       e.SessionID,
		Sequence:        e.Sequence,
		Timestamp:       e.Timestamp,
		Payload:         payload,
	})
}

// UnmarshalJSON decodes a top-level envelope.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	env, err := decodeEnvelope(unescapeStringBraces(data), false)
	if err != nil {
		return err
	}
	*e = env
	return nil
}

// Flatten expands a batch into its member envelopes. Any other envelope is
// returned as a single-element slice.
func Flatten(env Envelope) []Envelope {
	batch, ok := env.Payload.(BatchPayload)
	if !ok {
		return []Envelope{env}
	}
	out := make([]Envelope, len(batch.Messages))
	copy(out, batch.Messages)
	return out
}
