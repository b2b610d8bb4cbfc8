package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/danmuck/hubctl/internal/protocol/frame"
)

// Stream is a Transport over a net.Conn. Frames are newline-terminated
// encoded envelopes.
type Stream struct {
	conn   net.Conn
	kind   Kind
	opts   Options
	reader *frame.Reader

	writeMu   sync.Mutex
	readMu    sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewStream wraps conn. kind is informational.
func NewStream(conn net.Conn, kind Kind, opts Options) *Stream {
	opts = opts.withDefaults()
	return &Stream{
		conn:   conn,
		kind:   kind,
		opts:   opts,
		reader: frame.NewReader(conn, opts.Limits),
	}
}

func (s *Stream) Kind() Kind { return s.kind }

// Conn exposes the raw connection for callers that read unframed bytes.
func (s *Stream) Conn() net.Conn { return s.conn }

func (s *Stream) RemoteAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil && addr.String() != "" {
		return addr.String()
	}
	return string(s.kind)
}

func (s *Stream) Send(ctx context.Context, env protocol.Envelope) error {
	if s.closed.Load() {
		return ErrClosed
	}
	raw, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Time{}
	if s.opts.Session.WriteTimeout > 0 {
		deadline = time.Now().Add(s.opts.Session.WriteTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetWriteDeadline(time.Unix(1, 0))
	})
	err = frame.WriteFrame(s.conn, raw, s.opts.Limits)
	stop()
	_ = s.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		return s.mapErr(ctx, err)
	}
	return nil
}

// Receive blocks for the next envelope. A Receive interrupted mid-frame by
// ctx leaves the stream unusable; close it.
func (s *Stream) Receive(ctx context.Context) (protocol.Envelope, error) {
	if s.closed.Load() {
		return protocol.Envelope{}, ErrClosed
	}
	s.readMu.Lock()
	defer s.readMu.Unlock()

	deadline := time.Time{}
	if s.opts.Session.ReadTimeout > 0 {
		deadline = time.Now().Add(s.opts.Session.ReadTimeout)
	}
	_ = s.conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Unix(1, 0))
	})
	raw, err := s.reader.ReadFrame()
	stop()
	if err != nil {
		return protocol.Envelope{}, s.mapErr(ctx, err)
	}
	env, err := protocol.Decode(raw)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return env, nil
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *Stream) mapErr(ctx context.Context, err error) error {
	switch {
	case s.closed.Load():
		return ErrClosed
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, io.EOF):
		return io.EOF
	case errors.Is(err, net.ErrClosed):
		return ErrClosed
	case errors.Is(err, frame.ErrTruncated), errors.Is(err, frame.ErrUnexpectedByte), errors.Is(err, frame.ErrFrameTooLarge):
		return err
	case errors.Is(err, io.ErrClosedPipe), errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNRESET):
		return fmt.Errorf("%w: %v", ErrPeerClosed, err)
	default:
		return err
	}
}
