// Package transport moves envelopes over unix sockets, tcp (optionally TLS),
// and in-process pipes with identical semantics.
//
// Send writes exactly one framed envelope. Receive returns one envelope,
// io.EOF at a clean end of stream, ErrClosed after a local Close, and wrapped
// protocol or frame errors for malformed input. Close is idempotent.
package transport

import (
	"context"
	"errors"

	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/danmuck/hubctl/internal/protocol/frame"
	"github.com/danmuck/hubctl/internal/protocol/session"
)

var (
	ErrClosed         = errors.New("transport: closed")
	ErrPeerClosed     = errors.New("transport: peer closed")
	ErrAddressInUse   = errors.New("transport: address in use")
	ErrInvalidAddress = errors.New("transport: invalid address")
	ErrNoHubReachable = errors.New("transport: no hub reachable")
)

// Transport is a bidirectional envelope channel.
type Transport interface {
	Send(ctx context.Context, env protocol.Envelope) error
	Receive(ctx context.Context) (protocol.Envelope, error)
	Close() error
}

// Options configures stream and pipe transports.
type Options struct {
	Session session.Config
	Limits  frame.Limits
}

// DefaultOptions uses the default session policy and frame limits.
func DefaultOptions() Options {
	return Options{
		Session: session.DefaultConfig(),
		Limits:  frame.DefaultLimits(),
	}
}

func (o Options) withDefaults() Options {
	o.Session = o.Session.WithDefaults()
	if o.Limits.MaxFrameBytes <= 0 {
		o.Limits = frame.DefaultLimits()
	}
	return o
}
