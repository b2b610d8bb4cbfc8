package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/hubctl/internal/config"
	"github.com/danmuck/hubctl/internal/extract"
	"github.com/danmuck/hubctl/internal/observability"
	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/danmuck/hubctl/internal/protocol/frame"
	"github.com/danmuck/hubctl/internal/registry"
	"github.com/danmuck/hubctl/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotConnected    = errors.New("hub: session has no live connection")
	ErrSessionConflict = errors.New("hub: connection is bound to another session")
	ErrSessionNotOwned = errors.New("hub: session is not bound to this connection")
	ErrMalformedInput  = errors.New("hub: malformed input on framed connection")
	ErrInvalidMode     = errors.New("hub: invalid connection mode")
	ErrServiceClosed   = errors.New("hub: service closed")
)

// Error codes carried by error envelopes sent back to a connection.
const (
	CodeMalformedEnvelope = "malformed_envelope"
	CodeSessionConflict   = "session_conflict"
	CodeSessionNotOwned   = "session_not_owned"
	CodeUnknownSession    = "unknown_session"
	CodeUnknownComponent  = "unknown_component"
	CodeInvalidProperties = "invalid_properties"
	CodeSessionExists     = "session_exists"
	CodeApplyFailed       = "apply_failed"
)

const readChunk = 32 * 1024

// Config controls per-connection behavior.
type Config struct {
	// Mode is config.ModeFramed or config.ModeTerminal.
	Mode      string
	MaxBuffer int
	// IdleFlush releases carried terminal text after this long without input.
	IdleFlush time.Duration
	// ProtocolQuietAfter closes a terminal connection whose bound session
	// has not produced an envelope for this long; the session is then lost.
	// Zero disables the check.
	ProtocolQuietAfter time.Duration
	Sink               TextSink
	Now                func() time.Time
}

// DefaultConfig serves framed connections with default buffer and flush
// settings.
func DefaultConfig() Config {
	return Config{
		Mode:      config.ModeFramed,
		MaxBuffer: extract.DefaultMaxBuffer,
		IdleFlush: 250 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Mode) == "" {
		c.Mode = config.ModeFramed
	}
	if c.MaxBuffer <= 0 {
		c.MaxBuffer = extract.DefaultMaxBuffer
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// ConnInfo describes one live connection.
type ConnInfo struct {
	ID        string    `json:"id"`
	Transport string    `json:"transport"`
	Mode      string    `json:"mode"`
	Remote    string    `json:"remote"`
	SessionID string    `json:"session_id,omitempty"`
	OpenedAt  time.Time `json:"opened_at"`
}

// Service routes envelopes from connections into the registry and delivers
// renderer responses back to the connection that owns a session.
type Service struct {
	cfg Config
	reg *registry.Registry

	mu     sync.Mutex
	conns  map[string]*conn
	owners map[string]*conn
	closed bool
	wg     sync.WaitGroup
}

type conn struct {
	id     string
	tr     transport.Transport
	kind   string
	mode   string
	remote string
	opened time.Time

	onRelease func()

	mu        sync.Mutex
	sessionID string
	boundAt   time.Time
}

// NewService returns a Service applying envelopes to reg. Zero Config fields
// take their defaults.
func NewService(reg *registry.Registry, cfg Config) *Service {
	return &Service{
		cfg:    cfg.withDefaults(),
		reg:    reg,
		conns:  make(map[string]*conn),
		owners: make(map[string]*conn),
	}
}

// Registry returns the registry the service applies envelopes to.
func (s *Service) Registry() *registry.Registry { return s.reg }

// Mode returns the connection mode used by Serve and ServeStream.
func (s *Service) Mode() string { return s.cfg.Mode }

// Serve accepts connections until ctx is done or ln is closed. Each
// connection runs on its own goroutine; Serve waits for them before
// returning.
func (s *Service) Serve(ctx context.Context, ln *transport.Listener) error {
	defer s.wg.Wait()
	for {
		st, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			// handshake failures stay on one connection
			if !isListenerFatal(err) {
				log.Warn().Err(err).Str("addr", ln.Addr().String()).Msg("hub.Service.Serve accept")
				continue
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.ServeStream(ctx, st); err != nil {
				log.Warn().Err(err).Str("remote", st.RemoteAddr()).Msg("hub.Service.Serve connection ended")
			}
		}()
	}
}

func isListenerFatal(err error) bool {
	var op *net.OpError
	return errors.As(err, &op) && op.Op == "accept"
}

// ServeStream runs one accepted stream in the configured mode.
func (s *Service) ServeStream(ctx context.Context, st *transport.Stream) error {
	switch s.cfg.Mode {
	case config.ModeFramed:
		return s.ServeConn(ctx, st)
	case config.ModeTerminal:
		return s.ServeRaw(ctx, st)
	default:
		_ = st.Close()
		return fmt.Errorf("%w: %q", ErrInvalidMode, s.cfg.Mode)
	}
}

// ServeConn reads framed envelopes from tr until it closes. Malformed input
// is answered with an error envelope and ends the connection.
func (s *Service) ServeConn(ctx context.Context, tr transport.Transport) error {
	c, err := s.open(tr, config.ModeFramed)
	if err != nil {
		_ = tr.Close()
		return err
	}
	defer s.release(c)

	for {
		env, err := tr.Receive(ctx)
		if err != nil {
			if endOfStream(ctx, err) {
				return nil
			}
			if isMalformed(err) {
				observability.RecordMalformed(c.mode)
				log.Warn().Err(err).Str("conn_id", c.id).Str("remote", c.remote).Msg("hub.ServeConn malformed input")
				s.sendError(ctx, c, c.session(), CodeMalformedEnvelope, err.Error())
				return fmt.Errorf("%w: %v", ErrMalformedInput, err)
			}
			return err
		}
		s.handle(ctx, c, env)
	}
}

// ServeRaw reads an unframed terminal byte stream from st, extracting
// embedded envelopes and forwarding everything else to the text sink.
// Replies are written to st as framed envelopes.
func (s *Service) ServeRaw(ctx context.Context, st *transport.Stream) error {
	c, err := s.open(st, config.ModeTerminal)
	if err != nil {
		_ = st.Close()
		return err
	}
	defer s.release(c)

	stop := context.AfterFunc(ctx, func() { _ = st.Close() })
	defer stop()

	x := extract.New(extract.Config{MaxBuffer: s.cfg.MaxBuffer, Now: s.cfg.Now})
	raw := st.Conn()
	buf := make([]byte, readChunk)
	for {
		if s.cfg.IdleFlush > 0 {
			_ = raw.SetReadDeadline(time.Now().Add(s.cfg.IdleFlush))
		}
		n, err := raw.Read(buf)
		if n > 0 {
			s.feed(ctx, c, x, buf[:n])
		}
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() && ctx.Err() == nil {
			s.passthrough(c, x.Flush())
			if s.quiet(c, x) {
				s.passthrough(c, x.Close())
				return nil
			}
			continue
		}
		s.passthrough(c, x.Close())
		if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	}
}

func (s *Service) feed(ctx context.Context, c *conn, x *extract.Extractor, chunk []byte) {
	res := x.Feed(chunk)
	if res.Overflowed {
		observability.RecordOverflow()
		log.Warn().Str("conn_id", c.id).Int("max_buffer", s.cfg.MaxBuffer).Msg("hub.ServeRaw extractor overflow")
	}
	for i := 0; i < res.Malformed; i++ {
		observability.RecordMalformed(c.mode)
	}
	s.passthrough(c, res.Text)
	for _, env := range res.Envelopes {
		s.handle(ctx, c, env)
	}
}

func (s *Service) passthrough(c *conn, text []byte) {
	if len(text) == 0 {
		return
	}
	observability.RecordPassthrough(len(text))
	if s.cfg.Sink != nil {
		s.cfg.Sink.WriteText(c.info(), text)
	}
}

// quiet reports whether the bound session has gone without an extracted
// envelope for longer than ProtocolQuietAfter. The caller drops the
// connection, and release marks the session lost.
func (s *Service) quiet(c *conn, x *extract.Extractor) bool {
	if s.cfg.ProtocolQuietAfter <= 0 {
		return false
	}
	sid, boundAt := c.binding()
	if sid == "" {
		return false
	}
	last := x.LastExtraction()
	if last.Before(boundAt) {
		last = boundAt
	}
	if s.cfg.Now().Sub(last) <= s.cfg.ProtocolQuietAfter {
		return false
	}
	log.Warn().
		Str("conn_id", c.id).
		Str("session_id", sid).
		Dur("quiet_after", s.cfg.ProtocolQuietAfter).
		Msg("hub.ServeRaw protocol quiet, closing connection")
	return true
}

// handle applies every member of env, replying with an error envelope for
// each one that fails.
func (s *Service) handle(ctx context.Context, c *conn, env protocol.Envelope) {
	observability.RecordEnvelope(c.mode, string(env.Type))
	for _, msg := range protocol.Flatten(env) {
		if msg.Type != env.Type {
			observability.RecordEnvelope(c.mode, string(msg.Type))
		}
		if err := s.route(c, msg); err != nil {
			code := errorCode(err)
			log.Warn().
				Err(err).
				Str("conn_id", c.id).
				Str("session_id", msg.SessionID).
				Str("message_type", string(msg.Type)).
				Str("code", code).
				Msg("hub.handle rejected envelope")
			s.sendError(ctx, c, msg.SessionID, code, err.Error())
		}
	}
}

func (s *Service) route(c *conn, env protocol.Envelope) error {
	bound := c.session()
	ctrl, isControl := env.Payload.(protocol.ControlPayload)

	if isControl && ctrl.Start != nil {
		if bound != "" && bound != env.SessionID {
			return fmt.Errorf("%w: %s", ErrSessionConflict, bound)
		}
		if err := s.reg.Apply(env); err != nil {
			return err
		}
		s.bind(c, env.SessionID)
		return nil
	}

	if bound == "" || bound != env.SessionID {
		return fmt.Errorf("%w: %s", ErrSessionNotOwned, env.SessionID)
	}
	if err := s.reg.Apply(env); err != nil {
		return err
	}
	if isControl && ctrl.End != nil {
		s.unbind(c, env.SessionID)
	}
	return nil
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrSessionConflict):
		return CodeSessionConflict
	case errors.Is(err, ErrSessionNotOwned):
		return CodeSessionNotOwned
	case errors.Is(err, registry.ErrSessionNotFound):
		return CodeUnknownSession
	case errors.Is(err, registry.ErrComponentNotFound):
		return CodeUnknownComponent
	case errors.Is(err, registry.ErrInvalidProperties):
		return CodeInvalidProperties
	case errors.Is(err, registry.ErrSessionExists):
		return CodeSessionExists
	case errors.Is(err, protocol.ErrMalformedEnvelope):
		return CodeMalformedEnvelope
	default:
		return CodeApplyFailed
	}
}

// sendError replies on c. The outbound sequence is only stamped for the
// session c owns; anything else goes out with sequence zero.
func (s *Service) sendError(ctx context.Context, c *conn, sessionID, code, message string) {
	if strings.TrimSpace(sessionID) == "" {
		sessionID = c.id
	}
	var seq uint64
	if sessionID == c.session() {
		if next, err := s.reg.NextSequence(sessionID); err == nil {
			seq = next
		}
	}
	env := protocol.ErrorEnvelope(sessionID, seq, code, message)
	if err := c.tr.Send(ctx, env); err != nil {
		log.Debug().Err(err).Str("conn_id", c.id).Str("code", code).Msg("hub.sendError")
	}
}

// Deliver stamps payload with the session's next outbound sequence and sends
// it to the connection that owns the session.
func (s *Service) Deliver(ctx context.Context, sessionID string, payload protocol.Payload) (protocol.Envelope, error) {
	s.mu.Lock()
	c := s.owners[sessionID]
	s.mu.Unlock()
	if c == nil {
		if _, err := s.reg.GetSession(sessionID); err != nil {
			return protocol.Envelope{}, err
		}
		return protocol.Envelope{}, fmt.Errorf("%w: %s", ErrNotConnected, sessionID)
	}

	env := protocol.NewEnvelope(sessionID, 0, payload)
	if err := env.Validate(); err != nil {
		return protocol.Envelope{}, err
	}
	seq, err := s.reg.NextSequence(sessionID)
	if err != nil {
		return protocol.Envelope{}, err
	}
	env.Sequence = seq
	if err := c.tr.Send(ctx, env); err != nil {
		return protocol.Envelope{}, fmt.Errorf("hub: deliver to %s: %w", c.id, err)
	}
	log.Debug().
		Str("conn_id", c.id).
		Str("session_id", sessionID).
		Uint64("sequence", seq).
		Str("message_type", string(env.Type)).
		Msg("hub.Deliver")
	return env, nil
}

// Connections lists live connections ordered by open time.
func (s *Service) Connections() []ConnInfo {
	s.mu.Lock()
	out := make([]ConnInfo, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.info())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// Close stops accepting new connections and closes every live one. Their
// bound sessions are marked lost as the loops unwind.
func (s *Service) Close() error {
	s.mu.Lock()
	s.closed = true
	live := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		live = append(live, c)
	}
	s.mu.Unlock()

	var errs []error
	for _, c := range live {
		if err := c.tr.Close(); err != nil && !errors.Is(err, transport.ErrClosed) && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) open(tr transport.Transport, mode string) (*conn, error) {
	c := &conn{
		id:     uuid.NewString(),
		tr:     tr,
		mode:   mode,
		kind:   "unknown",
		remote: "unknown",
		opened: s.cfg.Now(),
	}
	if k, ok := tr.(interface{ Kind() transport.Kind }); ok {
		c.kind = string(k.Kind())
	}
	if r, ok := tr.(interface{ RemoteAddr() string }); ok {
		c.remote = r.RemoteAddr()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrServiceClosed
	}
	s.conns[c.id] = c
	s.mu.Unlock()

	c.onRelease = observability.ConnectionOpened(c.kind)
	log.Info().Str("conn_id", c.id).Str("transport", c.kind).Str("mode", mode).Str("remote", c.remote).Msg("hub connection opened")
	return c, nil
}

// release tears c down. A session still bound to c is marked lost.
func (s *Service) release(c *conn) {
	_ = c.tr.Close()

	s.mu.Lock()
	delete(s.conns, c.id)
	sid := c.session()
	if sid != "" && s.owners[sid] == c {
		delete(s.owners, sid)
	}
	s.mu.Unlock()

	if sid != "" {
		err := s.reg.MarkLost(sid)
		switch {
		case err == nil:
			log.Warn().Str("conn_id", c.id).Str("session_id", sid).Msg("hub connection closed without session_end")
		case !errors.Is(err, registry.ErrSessionNotFound):
			log.Warn().Err(err).Str("session_id", sid).Msg("hub.release mark lost")
		}
	}
	if cc, ok := s.cfg.Sink.(ConnCloser); ok {
		cc.CloseConn(c.info())
	}
	if c.onRelease != nil {
		c.onRelease()
	}
	log.Info().Str("conn_id", c.id).Str("remote", c.remote).Msg("hub connection closed")
}

func (s *Service) bind(c *conn, sessionID string) {
	s.mu.Lock()
	s.owners[sessionID] = c
	s.mu.Unlock()
	c.mu.Lock()
	c.sessionID = sessionID
	c.boundAt = s.cfg.Now()
	c.mu.Unlock()
}

func (s *Service) unbind(c *conn, sessionID string) {
	s.mu.Lock()
	if s.owners[sessionID] == c {
		delete(s.owners, sessionID)
	}
	s.mu.Unlock()
	c.mu.Lock()
	if c.sessionID == sessionID {
		c.sessionID = ""
		c.boundAt = time.Time{}
	}
	c.mu.Unlock()
}

func (c *conn) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *conn) binding() (string, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID, c.boundAt
}

func (c *conn) info() ConnInfo {
	return ConnInfo{
		ID:        c.id,
		Transport: c.kind,
		Mode:      c.mode,
		Remote:    c.remote,
		SessionID: c.session(),
		OpenedAt:  c.opened,
	}
}

func endOfStream(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, transport.ErrClosed) ||
		errors.Is(err, transport.ErrPeerClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func isMalformed(err error) bool {
	return errors.Is(err, protocol.ErrMalformedEnvelope) ||
		errors.Is(err, frame.ErrTruncated) ||
		errors.Is(err, frame.ErrUnexpectedByte) ||
		errors.Is(err, frame.ErrFrameTooLarge)
}
