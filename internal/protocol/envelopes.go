package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// NewEnvelope stamps payload with the current version, its message type, and
// the current UTC time.
func NewEnvelope(sessionID string, seq uint64, payload Payload) Envelope {
	env := Envelope{
		ProtocolVersion: Version,
		SessionID:       sessionID,
		Sequence:        seq,
		Timestamp:       time.Now().UTC(),
		Payload:         payload,
	}
	if payload != nil {
		env.Type = payload.MessageType()
	}
	return env
}

func SessionStartEnvelope(sessionID string, seq uint64, start SessionStart) Envelope {
	return NewEnvelope(sessionID, seq, ControlPayload{Start: &start})
}

func SessionEndEnvelope(sessionID string, seq uint64, end SessionEnd) Envelope {
	return NewEnvelope(sessionID, seq, ControlPayload{End: &end})
}

// ComponentEnvelope creates or replaces componentID. props is marshaled to
// JSON unless it is already a json.RawMessage.
func ComponentEnvelope(sessionID string, seq uint64, kind ComponentKind, componentID string, props any) (Envelope, error) {
	raw, err := rawProps(props)
	if err != nil {
		return Envelope{}, err
	}
	return NewEnvelope(sessionID, seq, UIPayload{
		Component:   kind,
		ComponentID: componentID,
		Props:       raw,
	}), nil
}

// UpdateEnvelope replaces the properties of an existing component.
func UpdateEnvelope(sessionID string, seq uint64, target string, props any) (Envelope, error) {
	raw, err := rawProps(props)
	if err != nil {
		return Envelope{}, err
	}
	return NewEnvelope(sessionID, seq, UIPayload{
		Component: ComponentUpdate,
		Target:    target,
		Props:     raw,
	}), nil
}

// StreamEnvelope appends data to the log stream keyed by streamID.
func StreamEnvelope(sessionID string, seq uint64, streamID string, data any) (Envelope, error) {
	raw, err := rawProps(data)
	if err != nil {
		return Envelope{}, err
	}
	return NewEnvelope(sessionID, seq, UIPayload{
		Component: ComponentStream,
		StreamID:  streamID,
		Data:      raw,
	}), nil
}

func ErrorEnvelope(sessionID string, seq uint64, code, message string) Envelope {
	return NewEnvelope(sessionID, seq, ErrorPayload{ErrorCode: code, Message: message})
}

func rawProps(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("protocol: props are not valid JSON")
		}
		return json.RawMessage(p), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal props: %w", err)
	}
	return raw, nil
}
