package registry

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/danmuck/hubctl/internal/protocol"
)

var (
	ErrSessionNotFound   = errors.New("registry: session not found")
	ErrSessionExists     = errors.New("registry: session already exists")
	ErrComponentNotFound = errors.New("registry: component not found")
	ErrInvalidProperties = errors.New("registry: invalid component properties")
	ErrInvalidID         = errors.New("registry: invalid id")
)

// State is a session lifecycle state. Ended and Lost are terminal.
type State string

const (
	StateActive State = "active"
	StateEnded  State = "ended"
	StateLost   State = "lost"
)

// SessionMetadata describes a session at start. An empty ID is replaced with
// a generated one.
type SessionMetadata struct {
	ID           string
	Command      string
	Args         []string
	Cwd          string
	Capabilities protocol.Capabilities
}

// Component is one renderable unit inside a session.
type Component struct {
	ID         string                 `json:"component_id"`
	Type       protocol.ComponentKind `json:"component_type"`
	Properties json.RawMessage        `json:"properties"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// Session is a point-in-time copy of session state.
type Session struct {
	ID           string                `json:"session_id"`
	Command      string                `json:"command"`
	Args         []string              `json:"args"`
	Cwd          string                `json:"cwd"`
	Capabilities protocol.Capabilities `json:"capabilities"`
	State        State                 `json:"state"`
	StartedAt    time.Time             `json:"started_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
	EndedAt      *time.Time            `json:"ended_at,omitempty"`
	ExitCode     *int                  `json:"exit_code,omitempty"`
	DurationMS   uint64                `json:"duration_ms,omitempty"`
	Summary      string                `json:"summary,omitempty"`
	LastSequence uint64                `json:"last_sequence"`
	Replays      uint64                `json:"replays"`
	Components   []Component           `json:"components"`
}

// Component returns the component with id, if present.
func (s Session) Component(id string) (Component, bool) {
	for _, c := range s.Components {
		if c.ID == id {
			return c, true
		}
	}
	return Component{}, false
}
