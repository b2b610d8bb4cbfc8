package registry

import (
	"errors"
	"fmt"

	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Apply dispatches a decoded envelope. Batches are flattened and each member
// applied in order; member errors are joined.
//
// Sequence numbers are tracked per session. A sequence at or below the last
// one seen counts as a replay and is still applied.
func (r *Registry) Apply(env protocol.Envelope) error {
	msgs := protocol.Flatten(env)
	var errs []error
	for _, msg := range msgs {
		if err := r.applyOne(msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) applyOne(env protocol.Envelope) error {
	if ctrl, ok := env.Payload.(protocol.ControlPayload); ok && ctrl.Start != nil {
		seq := env.Sequence
		_, err := r.start(SessionMetadata{
			ID:           env.SessionID,
			Command:      ctrl.Start.Command,
			Args:         ctrl.Start.Args,
			Cwd:          ctrl.Start.Cwd,
			Capabilities: ctrl.Start.Capabilities,
		}, &seq)
		return err
	}

	e, err := r.lockActive(env.SessionID)
	if err != nil {
		return err
	}
	r.observeLocked(e, env.Sequence)

	switch p := env.Payload.(type) {
	case protocol.ControlPayload:
		if p.End == nil {
			e.mu.Unlock()
			return fmt.Errorf("%w: empty control payload", protocol.ErrPayloadMismatch)
		}
		active := r.finishLocked(e, StateEnded, p.End)
		e.mu.Unlock()
		r.recordFinish(env.SessionID, StateEnded, active)
		return nil
	case protocol.UIPayload:
		defer e.mu.Unlock()
		return r.applyUILocked(e, p)
	default:
		defer e.mu.Unlock()
		e.updatedAt = r.now()
		r.bus.Publish(Event{
			Type:      EventMessageReceived,
			SessionID: env.SessionID,
			Timestamp: e.updatedAt,
			Data: map[string]any{
				"message_type": env.Type,
				"sequence":     env.Sequence,
				"payload":      env.Payload,
			},
		})
		return nil
	}
}

func (r *Registry) applyUILocked(e *entry, p protocol.UIPayload) error {
	switch p.Component {
	case protocol.ComponentUpdate:
		return r.updateLocked(e, p.TargetID(), p.Props)
	case protocol.ComponentStream:
		return r.appendLocked(e, p.StreamID, p.Data)
	default:
		if err := r.checkProps(p.Component, p.Props); err != nil {
			return err
		}
		r.upsertLocked(e, p.ComponentID, p.Component, p.Props)
		return nil
	}
}

// observeLocked needs e.mu held.
func (r *Registry) observeLocked(e *entry, seq uint64) {
	if e.seenSeq && seq <= e.lastSeq {
		e.replays++
		log.Debug().
			Str("session_id", e.meta.ID).
			Uint64("sequence", seq).
			Uint64("last_sequence", e.lastSeq).
			Msg("registry.Apply replayed sequence")
		return
	}
	e.lastSeq, e.seenSeq = seq, true
}
