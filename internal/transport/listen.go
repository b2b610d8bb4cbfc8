package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// Listener accepts stream transports on a unix socket or tcp address.
type Listener struct {
	addr  Address
	inner net.Listener
	ln    net.Listener
	opts  Options

	closeOnce sync.Once
	closeErr  error
}

// Listen binds addr. Unix sockets replace a stale socket file and fail with
// ErrAddressInUse when a live listener owns it. Tcp listeners wrap TLS when
// opts.Session.TLS.Enabled.
func Listen(addr Address, opts Options) (*Listener, error) {
	opts = opts.withDefaults()
	switch addr.Kind {
	case KindUnix:
		return listenUnix(addr, opts)
	case KindTCP:
		return listenTCP(addr, opts)
	default:
		return nil, fmt.Errorf("%w: cannot listen on %s", ErrInvalidAddress, addr)
	}
}

func listenUnix(addr Address, opts Options) (*Listener, error) {
	if err := os.MkdirAll(filepath.Dir(addr.Addr), 0o700); err != nil {
		return nil, err
	}
	if err := clearStaleSocket(addr.Addr); err != nil {
		return nil, err
	}
	ln, err := net.Listen("unix", addr.Addr)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(addr.Addr, 0o600); err != nil {
		_ = ln.Close()
		return nil, err
	}
	log.Debug().Str("addr", addr.String()).Msg("transport listening")
	return &Listener{addr: addr, inner: ln, ln: ln, opts: opts}, nil
}

func clearStaleSocket(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%w: %s exists and is not a socket", ErrAddressInUse, path)
	}
	conn, err := net.DialTimeout("unix", path, 250*time.Millisecond)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %s", ErrAddressInUse, path)
	}
	log.Warn().Str("path", path).Msg("removing stale hub socket")
	return os.Remove(path)
}

func listenTCP(addr Address, opts Options) (*Listener, error) {
	var tlsCfg *tls.Config
	if err := opts.Session.ValidateServerTransport(); err != nil {
		return nil, err
	}
	if opts.Session.TLS.Enabled {
		cfg, err := opts.Session.ServerTLSConfig()
		if err != nil {
			return nil, err
		}
		tlsCfg = cfg
	}
	inner, err := net.Listen("tcp", addr.Addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("%w: %s", ErrAddressInUse, addr.Addr)
		}
		return nil, err
	}
	bound := Address{Kind: KindTCP, Addr: inner.Addr().String()}
	ln := inner
	if tlsCfg != nil {
		ln = tls.NewListener(inner, tlsCfg)
	}
	log.Debug().Str("addr", bound.String()).Bool("tls", tlsCfg != nil).Msg("transport listening")
	return &Listener{addr: bound, inner: inner, ln: ln, opts: opts}, nil
}

// Addr returns the bound address. For tcp ":0" this carries the chosen port.
func (l *Listener) Addr() Address { return l.addr }

// Accept waits for the next connection or until ctx is done.
func (l *Listener) Accept(ctx context.Context) (*Stream, error) {
	type deadliner interface{ SetDeadline(time.Time) error }
	if d, ok := l.inner.(deadliner); ok {
		stop := context.AfterFunc(ctx, func() { _ = d.SetDeadline(time.Unix(1, 0)) })
		defer func() {
			stop()
			_ = d.SetDeadline(time.Time{})
		}()
	}
	conn, err := l.ln.Accept()
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, net.ErrClosed):
			return nil, ErrClosed
		default:
			return nil, err
		}
	}
	if tc, ok := conn.(*tls.Conn); ok {
		hctx, cancel := context.WithTimeout(ctx, l.opts.Session.HandshakeTimeout)
		err := tc.HandshakeContext(hctx)
		cancel()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("transport: tls handshake: %w", err)
		}
	}
	return NewStream(conn, l.addr.Kind, l.opts), nil
}

// Close stops accepting and removes the socket file of a unix listener.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.ln.Close()
		if l.addr.Kind == KindUnix {
			_ = os.Remove(l.addr.Addr)
		}
	})
	return l.closeErr
}
