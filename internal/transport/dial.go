package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/danmuck/hubctl/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// Dial connects to addr, retrying with backoff until MaxConnectAttempts is
// reached or ctx ends.
func Dial(ctx context.Context, addr Address, opts Options) (*Stream, error) {
	opts = opts.withDefaults()
	if addr.Kind != KindUnix && addr.Kind != KindTCP {
		return nil, fmt.Errorf("%w: cannot dial %s", ErrInvalidAddress, addr)
	}
	if addr.Kind == KindTCP {
		if err := opts.Session.ValidateClientTransport(); err != nil {
			return nil, err
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var lastErr error
	for attempt := 1; ; attempt++ {
		stream, err := dialOnce(ctx, addr, opts)
		if err == nil {
			return stream, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !opts.Session.ShouldRetry(attempt) {
			break
		}
		log.Debug().Err(err).Str("addr", addr.String()).Int("attempt", attempt).Msg("dial retry")
		if err := session.SleepBackoff(ctx, opts.Session.Backoff, attempt, rng); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("transport: dial %s: %w", addr, lastErr)
}

func dialOnce(ctx context.Context, addr Address, opts Options) (*Stream, error) {
	dialer := net.Dialer{Timeout: opts.Session.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, addr.Network(), addr.Addr)
	if err != nil {
		return nil, err
	}
	if addr.Kind == KindTCP && opts.Session.TLS.Enabled {
		cfg, err := opts.Session.ClientTLSConfig(addr.Addr)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		tc := tls.Client(conn, cfg)
		hctx, cancel := context.WithTimeout(ctx, opts.Session.HandshakeTimeout)
		err = tc.HandshakeContext(hctx)
		cancel()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		conn = tc
	}
	return NewStream(conn, addr.Kind, opts), nil
}

// DialAny tries each address once, in order, and returns the first stream.
func DialAny(ctx context.Context, addrs []Address, opts Options) (*Stream, Address, error) {
	opts = opts.withDefaults()
	single := opts
	single.Session.MaxConnectAttempts = 1
	var errs []error
	for _, addr := range addrs {
		stream, err := Dial(ctx, addr, single)
		if err == nil {
			return stream, addr, nil
		}
		if ctx.Err() != nil {
			return nil, Address{}, ctx.Err()
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, Address{}, ErrNoHubReachable
	}
	return nil, Address{}, fmt.Errorf("%w: %w", ErrNoHubReachable, errors.Join(errs...))
}
