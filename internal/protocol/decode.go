package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// Decode parses one envelope from its wire form.
//
// Unknown top-level fields are ignored. A message_type this build does not
// know decodes to UnknownPayload with the raw payload preserved. Brace
// escapes inside strings come back as literal braces, so raw fields match
// what the sender encoded.
func Decode(data []byte) (Envelope, error) {
	return decodeEnvelope(unescapeStringBraces(data), false)
}

func decodeEnvelope(data []byte, nested bool) (Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return Envelope{}, malformed(err, "")
	}
	if strings.TrimSpace(wire.ProtocolVersion) == "" {
		return Envelope{}, malformed(ErrMissingField, "protocol_version")
	}
	if !SupportedVersion(wire.ProtocolVersion) {
		return Envelope{}, malformed(ErrUnsupportedVersion, wire.ProtocolVersion)
	}
	if wire.MessageType == "" {
		return Envelope{}, malformed(ErrMissingField, "message_type")
	}
	if strings.TrimSpace(wire.SessionID) == "" {
		return Envelope{}, malformed(ErrMissingField, "session_id")
	}
	if nested && wire.MessageType == MessageBatch {
		return Envelope{}, malformed(ErrNestedBatch, "")
	}
	raw := bytes.TrimSpace(wire.Payload)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Envelope{}, malformed(ErrMissingField, "payload")
	}
	payload, err := decodePayload(wire.MessageType, raw)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ProtocolVersion: wire.ProtocolVersion,
		Type:            wire.MessageType,
		SessionID:       wire.SessionID,
		Sequence:        wire.Sequence,
		Timestamp:       wire.Timestamp,
		Payload:         payload,
	}, nil
}

func decodePayload(t MessageType, raw json.RawMessage) (Payload, error) {
	if raw[0] != '{' {
		if !t.Known() {
			return UnknownPayload{Type: t, Raw: append(json.RawMessage(nil), raw...)}, nil
		}
		return nil, malformed(ErrPayloadMismatch, string(t)+" payload must be an object")
	}
	switch t {
	case MessageControl:
		var p ControlPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, asMalformed(err)
		}
		return p, nil
	case MessageUI:
		return decodeValidated[UIPayload](raw)
	case MessageResponse:
		return decodeValidated[ResponsePayload](raw)
	case MessageEvent:
		return decodeValidated[EventPayload](raw)
	case MessageAI:
		return decodeValidated[AIPayload](raw)
	case MessageCollaboration:
		return decodeValidated[CollaborationPayload](raw)
	case MessageError:
		return decodeValidated[ErrorPayload](raw)
	case MessageBatch:
		var p BatchPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, asMalformed(err)
		}
		return p, nil
	default:
		return UnknownPayload{Type: t, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
}

type validatedPayload interface {
	Payload
	validate() error
}

func decodeValidated[T validatedPayload](raw json.RawMessage) (Payload, error) {
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, malformed(ErrPayloadMismatch, err.Error())
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// asMalformed keeps errors raised by payload unmarshalers intact and wraps
// anything else from encoding/json.
func asMalformed(err error) error {
	var de *decodeError
	if errors.As(err, &de) {
		return err
	}
	return malformed(ErrPayloadMismatch, err.Error())
}
