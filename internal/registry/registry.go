package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/hubctl/internal/observability"
	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/danmuck/hubctl/internal/protocol/schema"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Options configures a Registry.
type Options struct {
	Bus          *Bus
	HistoryLimit int
	Store        HistoryStore
	// ValidateProperties checks well-known component kinds against their
	// JSON schema before accepting them.
	ValidateProperties bool
	Now                func() time.Time
}

// Registry is the single owner of session and component state.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	active   atomic.Int64

	bus      *Bus
	history  *history
	store    HistoryStore
	validate bool
	now      func() time.Time
}

type entry struct {
	mu sync.Mutex

	meta      SessionMetadata
	state     State
	startedAt time.Time
	updatedAt time.Time
	endedAt   time.Time

	exitCode   *int
	durationMS uint64
	summary    string

	lastSeq uint64
	seenSeq bool
	replays uint64
	outSeq  uint64

	components map[string]*Component
}

func New(opts Options) *Registry {
	if opts.Bus == nil {
		opts.Bus = NewBus(BusOptions{})
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Registry{
		sessions: make(map[string]*entry),
		bus:      opts.Bus,
		history:  newHistory(opts.HistoryLimit),
		store:    opts.Store,
		validate: opts.ValidateProperties,
		now:      opts.Now,
	}
}

// Bus returns the event feed.
func (r *Registry) Bus() *Bus { return r.bus }

// Subscribe is shorthand for Bus().Subscribe.
func (r *Registry) Subscribe(ctx context.Context) (<-chan Event, func()) {
	return r.bus.Subscribe(ctx)
}

// StartSession registers a new active session and returns its id. Ids of
// ended or lost sessions stay reserved until swept.
func (r *Registry) StartSession(meta SessionMetadata) (string, error) {
	return r.start(meta, nil)
}

func (r *Registry) start(meta SessionMetadata, seq *uint64) (string, error) {
	meta.ID = strings.TrimSpace(meta.ID)
	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	now := r.now()
	e := &entry{
		meta:       meta,
		state:      StateActive,
		startedAt:  now,
		updatedAt:  now,
		components: make(map[string]*Component),
	}
	if seq != nil {
		e.lastSeq, e.seenSeq = *seq, true
	}

	r.mu.Lock()
	if _, ok := r.sessions[meta.ID]; ok {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrSessionExists, meta.ID)
	}
	r.sessions[meta.ID] = e
	active := r.active.Add(1)
	// Hold the entry lock across publish so the start event precedes any
	// event another goroutine emits for this session.
	e.mu.Lock()
	r.mu.Unlock()
	defer e.mu.Unlock()

	observability.SetActiveSessions(int(active))
	observability.RecordSessionTransition(string(StateActive))
	r.bus.Publish(Event{
		Type:      EventSessionStarted,
		SessionID: meta.ID,
		Timestamp: now,
		Data: map[string]any{
			"command": meta.Command,
			"args":    meta.Args,
			"cwd":     meta.Cwd,
		},
	})
	log.Debug().Str("session_id", meta.ID).Str("command", meta.Command).Msg("registry.StartSession")
	return meta.ID, nil
}

// EndSession moves an active session to ended.
func (r *Registry) EndSession(id string, end protocol.SessionEnd) error {
	return r.finish(id, StateEnded, &end)
}

// MarkLost moves an active session to lost. The connection dropped without
// an explicit end.
func (r *Registry) MarkLost(id string) error {
	return r.finish(id, StateLost, nil)
}

func (r *Registry) finish(id string, state State, end *protocol.SessionEnd) error {
	e, err := r.lockActive(id)
	if err != nil {
		return err
	}
	active := r.finishLocked(e, state, end)
	e.mu.Unlock()
	r.recordFinish(id, state, active)
	return nil
}

// finishLocked needs e.mu held and e active. It returns the new active count.
func (r *Registry) finishLocked(e *entry, state State, end *protocol.SessionEnd) int64 {
	now := r.now()
	e.state = state
	e.endedAt = now
	e.updatedAt = now
	evtType := EventSessionLost
	var data map[string]any
	if end != nil {
		code := end.ExitCode
		e.exitCode = &code
		e.durationMS = end.DurationMS
		e.summary = end.Summary
		evtType = EventSessionEnded
		data = map[string]any{"exit_code": end.ExitCode, "duration_ms": end.DurationMS}
		if end.Summary != "" {
			data["summary"] = end.Summary
		}
	}
	r.bus.Publish(Event{Type: evtType, SessionID: e.meta.ID, Timestamp: now, Data: data})
	return r.active.Add(-1)
}

func (r *Registry) recordFinish(id string, state State, active int64) {
	observability.SetActiveSessions(int(active))
	observability.RecordSessionTransition(string(state))
	log.Debug().Str("session_id", id).Str("state", string(state)).Msg("registry.finish")
}

// UpsertComponent creates componentID on first use and replaces its type and
// properties afterwards. It reports whether the component was created.
func (r *Registry) UpsertComponent(sessionID, componentID string, kind protocol.ComponentKind, props json.RawMessage) (bool, error) {
	if strings.TrimSpace(componentID) == "" {
		return false, fmt.Errorf("%w: empty component id", ErrInvalidID)
	}
	if err := r.checkProps(kind, props); err != nil {
		return false, err
	}
	e, err := r.lockActive(sessionID)
	if err != nil {
		return false, err
	}
	defer e.mu.Unlock()
	return r.upsertLocked(e, componentID, kind, props), nil
}

// UpdateComponent replaces the properties of an existing component, keeping
// its type.
func (r *Registry) UpdateComponent(sessionID, componentID string, props json.RawMessage) error {
	e, err := r.lockActive(sessionID)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	return r.updateLocked(e, componentID, props)
}

func (r *Registry) updateLocked(e *entry, componentID string, props json.RawMessage) error {
	c, ok := e.components[componentID]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrComponentNotFound, e.meta.ID, componentID)
	}
	if err := r.checkProps(c.Type, props); err != nil {
		return err
	}
	r.upsertLocked(e, componentID, c.Type, props)
	return nil
}

// upsertLocked needs e.mu held.
func (r *Registry) upsertLocked(e *entry, componentID string, kind protocol.ComponentKind, props json.RawMessage) bool {
	now := r.now()
	props = cloneRaw(props)
	c, ok := e.components[componentID]
	if !ok {
		c = &Component{ID: componentID, Type: kind, Properties: props, CreatedAt: now, UpdatedAt: now}
		e.components[componentID] = c
	} else {
		c.Type = kind
		c.Properties = props
		c.UpdatedAt = now
	}
	e.updatedAt = now

	evtType := EventComponentUpdated
	if !ok {
		evtType = EventComponentCreated
	}
	data := *c
	data.Properties = cloneRaw(c.Properties)
	r.bus.Publish(Event{Type: evtType, SessionID: e.meta.ID, ComponentID: componentID, Timestamp: now, Data: data})
	return !ok
}

const maxStreamEntries = 1000

type streamProps struct {
	Entries []json.RawMessage `json:"entries"`
}

// AppendStream appends data to the log_stream component keyed by streamID,
// creating it on first use. Only the newest entries are retained.
func (r *Registry) AppendStream(sessionID, streamID string, data json.RawMessage) error {
	if strings.TrimSpace(streamID) == "" {
		return fmt.Errorf("%w: empty stream id", ErrInvalidID)
	}
	e, err := r.lockActive(sessionID)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	return r.appendLocked(e, streamID, data)
}

func (r *Registry) appendLocked(e *entry, streamID string, data json.RawMessage) error {
	now := r.now()
	var current streamProps
	c, ok := e.components[streamID]
	if ok && len(c.Properties) > 0 {
		if err := json.Unmarshal(c.Properties, &current); err != nil {
			current = streamProps{}
		}
	}
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	current.Entries = append(current.Entries, cloneRaw(data))
	if over := len(current.Entries) - maxStreamEntries; over > 0 {
		current.Entries = current.Entries[over:]
	}
	props, err := json.Marshal(current)
	if err != nil {
		return err
	}
	if !ok {
		c = &Component{ID: streamID, Type: protocol.ComponentLogStream, CreatedAt: now}
		e.components[streamID] = c
	}
	c.Properties = props
	c.UpdatedAt = now
	e.updatedAt = now

	evtType := EventComponentUpdated
	if !ok {
		evtType = EventComponentCreated
	}
	r.bus.Publish(Event{Type: evtType, SessionID: e.meta.ID, ComponentID: streamID, Timestamp: now, Data: map[string]any{"stream_id": streamID, "data": data}})
	return nil
}

func (r *Registry) RemoveComponent(sessionID, componentID string) error {
	e, err := r.lockActive(sessionID)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	if _, ok := e.components[componentID]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrComponentNotFound, sessionID, componentID)
	}
	delete(e.components, componentID)
	now := r.now()
	e.updatedAt = now
	r.bus.Publish(Event{Type: EventComponentRemoved, SessionID: sessionID, ComponentID: componentID, Timestamp: now})
	return nil
}

// GetSession returns an active session.
func (r *Registry) GetSession(id string) (Session, error) {
	e, err := r.lockActive(id)
	if err != nil {
		return Session{}, err
	}
	defer e.mu.Unlock()
	return e.snapshot(), nil
}

// Snapshot returns any retained session, including ended and lost ones that
// have not been swept.
func (r *Registry) Snapshot(id string) (Session, error) {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), nil
}

// ListActiveSessions returns active sessions ordered by start time.
func (r *Registry) ListActiveSessions() []Session {
	return r.list(func(s State) bool { return s == StateActive })
}

// ListSessions returns every retained session ordered by start time.
func (r *Registry) ListSessions() []Session {
	return r.list(func(State) bool { return true })
}

func (r *Registry) list(keep func(State) bool) []Session {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if keep(e.state) {
			out = append(out, e.snapshot())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// NextSequence returns the next outbound sequence for an active session.
func (r *Registry) NextSequence(id string) (uint64, error) {
	e, err := r.lockActive(id)
	if err != nil {
		return 0, err
	}
	defer e.mu.Unlock()
	e.outSeq++
	return e.outSeq, nil
}

// SweepExpired removes ended and lost sessions whose last update is older
// than maxAge, appends them to the bounded history, and persists them when
// a store is configured. It returns the number of sessions swept.
func (r *Registry) SweepExpired(ctx context.Context, maxAge time.Duration) int {
	cutoff := r.now().Add(-maxAge)

	r.mu.Lock()
	var swept []Session
	for id, e := range r.sessions {
		e.mu.Lock()
		if e.state != StateActive && e.updatedAt.Before(cutoff) {
			swept = append(swept, e.snapshot())
			delete(r.sessions, id)
		}
		e.mu.Unlock()
	}
	r.mu.Unlock()

	sort.Slice(swept, func(i, j int) bool { return swept[i].UpdatedAt.Before(swept[j].UpdatedAt) })
	for _, s := range swept {
		r.history.push(s)
		if r.store == nil {
			continue
		}
		if err := r.store.SaveSession(ctx, s); err != nil {
			log.Warn().Err(err).Str("session_id", s.ID).Msg("registry.SweepExpired persist")
		}
	}
	if len(swept) > 0 {
		log.Debug().Int("swept", len(swept)).Msg("registry.SweepExpired")
	}
	return len(swept)
}

// History returns up to limit swept sessions, newest first.
func (r *Registry) History(limit int) []Session {
	return r.history.recent(limit)
}

// lockActive returns the active entry for id with its mutex held.
func (r *Registry) lockActive(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	e.mu.Lock()
	if e.state != StateActive {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionNotFound, id, e.state)
	}
	return e, nil
}

// ActiveCount returns the number of active sessions.
func (r *Registry) ActiveCount() int {
	return int(r.active.Load())
}

func (r *Registry) checkProps(kind protocol.ComponentKind, props json.RawMessage) error {
	if !r.validate || !schema.Known(string(kind)) {
		return nil
	}
	if err := schema.Validate(string(kind), props); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProperties, err)
	}
	return nil
}

func (e *entry) snapshot() Session {
	s := Session{
		ID:           e.meta.ID,
		Command:      e.meta.Command,
		Args:         append([]string(nil), e.meta.Args...),
		Cwd:          e.meta.Cwd,
		Capabilities: e.meta.Capabilities,
		State:        e.state,
		StartedAt:    e.startedAt,
		UpdatedAt:    e.updatedAt,
		DurationMS:   e.durationMS,
		Summary:      e.summary,
		LastSequence: e.lastSeq,
		Replays:      e.replays,
		Components:   make([]Component, 0, len(e.components)),
	}
	if !e.endedAt.IsZero() {
		ended := e.endedAt
		s.EndedAt = &ended
	}
	if e.exitCode != nil {
		code := *e.exitCode
		s.ExitCode = &code
	}
	for _, c := range e.components {
		cp := *c
		cp.Properties = cloneRaw(c.Properties)
		s.Components = append(s.Components, cp)
	}
	sort.Slice(s.Components, func(i, j int) bool { return s.Components[i].ID < s.Components[j].ID })
	return s
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
