package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ControlAction tags a control payload.
type ControlAction string

const (
	ActionSessionStart ControlAction = "session_start"
	ActionSessionEnd   ControlAction = "session_end"
)

// Capabilities advertises what the CLI side can emit and handle.
type Capabilities struct {
	UIComponents  []string `json:"ui_components"`
	Interactions  []string `json:"interactions"`
	AIIntegration bool     `json:"ai_integration"`
}

// SessionStart opens a session.
type SessionStart struct {
	Command      string       `json:"command"`
	Args         []string     `json:"args"`
	Cwd          string       `json:"cwd"`
	Capabilities Capabilities `json:"capabilities"`
}

// SessionEnd closes a session.
type SessionEnd struct {
	ExitCode   int    `json:"exit_code"`
	DurationMS uint64 `json:"duration_ms"`
	Summary    string `json:"summary,omitempty"`
}

// ControlPayload carries exactly one of Start or End.
type ControlPayload struct {
	Start *SessionStart
	End   *SessionEnd
}

func (ControlPayload) MessageType() MessageType { return MessageControl }

// Action returns the wire tag for the populated variant.
func (p ControlPayload) Action() ControlAction {
	switch {
	case p.Start != nil:
		return ActionSessionStart
	case p.End != nil:
		return ActionSessionEnd
	default:
		return ""
	}
}

func (p ControlPayload) validate() error {
	if (p.Start == nil) == (p.End == nil) {
		return malformed(ErrPayloadMismatch, "control requires exactly one action")
	}
	if p.Start != nil && strings.TrimSpace(p.Start.Command) == "" {
		return malformed(ErrMissingField, "control.session_start.command")
	}
	return nil
}

func (p ControlPayload) MarshalJSON() ([]byte, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if p.Start != nil {
		return marshalTagged("action", string(ActionSessionStart), p.Start)
	}
	return marshalTagged("action", string(ActionSessionEnd), p.End)
}

func (p *ControlPayload) UnmarshalJSON(data []byte) error {
	var head struct {
		Action ControlAction `json:"action"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return malformed(ErrPayloadMismatch, err.Error())
	}
	switch head.Action {
	case ActionSessionStart:
		var start SessionStart
		if err := json.Unmarshal(data, &start); err != nil {
			return malformed(ErrPayloadMismatch, err.Error())
		}
		*p = ControlPayload{Start: &start}
	case ActionSessionEnd:
		var end SessionEnd
		if err := json.Unmarshal(data, &end); err != nil {
			return malformed(ErrPayloadMismatch, err.Error())
		}
		*p = ControlPayload{End: &end}
	case "":
		return malformed(ErrMissingField, "control.action")
	default:
		return malformed(ErrPayloadMismatch, "control action "+string(head.Action))
	}
	return p.validate()
}

// ComponentKind tags a ui_message payload.
type ComponentKind string

const (
	ComponentProgress   ComponentKind = "progress"
	ComponentTable      ComponentKind = "table"
	ComponentFileTree   ComponentKind = "file_tree"
	ComponentForm       ComponentKind = "form"
	ComponentStatusGrid ComponentKind = "status_grid"
	ComponentLogStream  ComponentKind = "log_stream"
	ComponentGeneric    ComponentKind = "generic"
	ComponentUpdate     ComponentKind = "update"
	ComponentStream     ComponentKind = "stream"
)

// UIPayload creates, replaces, updates, or streams into a component.
//
// Creates carry ComponentID and Props. Updates address their target through
// Target, falling back to ComponentID. Stream messages carry StreamID and Data.
type UIPayload struct {
	Component   ComponentKind   `json:"component"`
	ComponentID string          `json:"component_id,omitempty"`
	Target      string          `json:"target,omitempty"`
	Props       json.RawMessage `json:"props,omitempty"`
	StreamID    string          `json:"stream_id,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

func (UIPayload) MessageType() MessageType { return MessageUI }

// TargetID is the registry key the message applies to.
func (p UIPayload) TargetID() string {
	switch p.Component {
	case ComponentUpdate:
		if p.Target != "" {
			return p.Target
		}
		return p.ComponentID
	case ComponentStream:
		return p.StreamID
	default:
		return p.ComponentID
	}
}

func (p UIPayload) validate() error {
	if strings.TrimSpace(string(p.Component)) == "" {
		return malformed(ErrMissingField, "ui_message.component")
	}
	if strings.TrimSpace(p.TargetID()) == "" {
		switch p.Component {
		case ComponentUpdate:
			return malformed(ErrMissingField, "ui_message.target")
		case ComponentStream:
			return malformed(ErrMissingField, "ui_message.stream_id")
		default:
			return malformed(ErrMissingField, "ui_message.component_id")
		}
	}
	return nil
}

// ResponsePayload answers an interaction from the renderer.
type ResponsePayload struct {
	InteractionID string          `json:"interaction_id"`
	Action        string          `json:"action"`
	Data          json.RawMessage `json:"data,omitempty"`
}

func (ResponsePayload) MessageType() MessageType { return MessageResponse }

func (p ResponsePayload) validate() error {
	if strings.TrimSpace(p.InteractionID) == "" {
		return malformed(ErrMissingField, "response.interaction_id")
	}
	return nil
}

const (
	EventSelectionChanged = "selection_changed"
	EventComponentAction  = "component_action"
)

// EventPayload reports user activity on a rendered component.
type EventPayload struct {
	Event         string          `json:"event"`
	ComponentID   string          `json:"component_id,omitempty"`
	SelectedIDs   []string        `json:"selected_ids,omitempty"`
	SelectionType string          `json:"selection_type,omitempty"`
	Action        string          `json:"action,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

func (EventPayload) MessageType() MessageType { return MessageEvent }

func (p EventPayload) validate() error {
	if strings.TrimSpace(p.Event) == "" {
		return malformed(ErrMissingField, "event.event")
	}
	return nil
}

// AIPayload carries suggestions or context for an assistant collaborator.
type AIPayload struct {
	SuggestionType string          `json:"suggestion_type"`
	Context        string          `json:"context,omitempty"`
	Suggestion     string          `json:"suggestion,omitempty"`
	Confidence     float64         `json:"confidence,omitempty"`
	Actions        []string        `json:"actions,omitempty"`
	ContextType    string          `json:"context_type,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

func (AIPayload) MessageType() MessageType { return MessageAI }

func (p AIPayload) validate() error {
	if strings.TrimSpace(p.SuggestionType) == "" {
		return malformed(ErrMissingField, "ai_message.suggestion_type")
	}
	return nil
}

const (
	CollaborationShareSession = "share_session"
	CollaborationCursorUpdate = "cursor_update"
)

// CursorPosition locates a collaborator inside a component.
type CursorPosition struct {
	ComponentID string `json:"component_id"`
	Row         *int   `json:"row,omitempty"`
	Column      *int   `json:"column,omitempty"`
}

// CollaborationPayload shares a session or moves a remote cursor.
type CollaborationPayload struct {
	Action      string          `json:"action"`
	ShareCode   string          `json:"share_code,omitempty"`
	Permissions []string        `json:"permissions,omitempty"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	UserID      string          `json:"user_id,omitempty"`
	Position    *CursorPosition `json:"position,omitempty"`
}

func (CollaborationPayload) MessageType() MessageType { return MessageCollaboration }

func (p CollaborationPayload) validate() error {
	if strings.TrimSpace(p.Action) == "" {
		return malformed(ErrMissingField, "collaboration.action")
	}
	return nil
}

// ErrorPayload reports a protocol or application failure to the peer.
type ErrorPayload struct {
	ErrorCode string          `json:"error_code"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details,omitempty"`
}

func (ErrorPayload) MessageType() MessageType { return MessageError }

func (p ErrorPayload) validate() error {
	if strings.TrimSpace(p.ErrorCode) == "" {
		return malformed(ErrMissingField, "error.error_code")
	}
	return nil
}

// BatchPayload groups envelopes. Members may not be batches.
type BatchPayload struct {
	Messages []Envelope
}

func (BatchPayload) MessageType() MessageType { return MessageBatch }

func (p BatchPayload) validate() error {
	for i, msg := range p.Messages {
		if msg.Type == MessageBatch {
			return malformed(ErrNestedBatch, fmt.Sprintf("messages[%d]", i))
		}
	}
	return nil
}

func (p BatchPayload) MarshalJSON() ([]byte, error) {
	members := make([]json.RawMessage, 0, len(p.Messages))
	for i, msg := range p.Messages {
		raw, err := msg.marshal(true)
		if err != nil {
			return nil, fmt.Errorf("messages[%d]: %w", i, err)
		}
		members = append(members, raw)
	}
	return json.Marshal(struct {
		Messages []json.RawMessage `json:"messages"`
	}{Messages: members})
}

func (p *BatchPayload) UnmarshalJSON(data []byte) error {
	var wire struct {
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return malformed(ErrPayloadMismatch, err.Error())
	}
	if wire.Messages == nil {
		return malformed(ErrMissingField, "batch.messages")
	}
	out := make([]Envelope, 0, len(wire.Messages))
	for _, raw := range wire.Messages {
		env, err := decodeEnvelope(raw, true)
		if err != nil {
			return err
		}
		out = append(out, env)
	}
	p.Messages = out
	return nil
}

// UnknownPayload preserves the payload of a message type this build does not
// understand.
type UnknownPayload struct {
	Type MessageType
	Raw  json.RawMessage
}

func (p UnknownPayload) MessageType() MessageType { return p.Type }

func (p UnknownPayload) MarshalJSON() ([]byte, error) {
	if len(p.Raw) == 0 {
		return []byte("null"), nil
	}
	return p.Raw, nil
}

// marshalTagged encodes v as an object whose first member is key:tag.
func marshalTagged(key, tag string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("protocol: tagged value must encode as an object")
	}
	tagJSON, err := json.Marshal(tag)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(body) + len(key) + len(tagJSON) + 4)
	buf.WriteString(`{"`)
	buf.WriteString(key)
	buf.WriteString(`":`)
	buf.Write(tagJSON)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}
