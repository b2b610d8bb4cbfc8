package transport

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/danmuck/hubctl/internal/protocol/frame"
)

const pipeBuffer = 64

// PipeEnd is one side of an in-process transport. Frames cross the pipe in
// encoded form so both ends see the same validation as a socket peer.
type PipeEnd struct {
	in     <-chan []byte
	out    chan<- []byte
	local  *pipeState
	remote *pipeState
	limits frame.Limits
}

type pipeState struct {
	once sync.Once
	done chan struct{}
}

func (s *pipeState) close() {
	s.once.Do(func() { close(s.done) })
}

// Pipe returns two connected ends. Closing either end makes the other
// observe io.EOF once buffered frames are drained.
func Pipe(opts Options) (*PipeEnd, *PipeEnd) {
	opts = opts.withDefaults()
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	sa := &pipeState{done: make(chan struct{})}
	sb := &pipeState{done: make(chan struct{})}
	a := &PipeEnd{in: ba, out: ab, local: sa, remote: sb, limits: opts.Limits}
	b := &PipeEnd{in: ab, out: ba, local: sb, remote: sa, limits: opts.Limits}
	return a, b
}

func (p *PipeEnd) Kind() Kind { return KindPipe }

func (p *PipeEnd) RemoteAddr() string { return string(KindPipe) }

func (p *PipeEnd) Send(ctx context.Context, env protocol.Envelope) error {
	select {
	case <-p.local.done:
		return ErrClosed
	default:
	}
	raw, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if len(raw) > p.limits.MaxFrameBytes {
		return fmt.Errorf("%w: size=%d limit=%d", frame.ErrFrameTooLarge, len(raw), p.limits.MaxFrameBytes)
	}
	select {
	case p.out <- raw:
		return nil
	case <-p.local.done:
		return ErrClosed
	case <-p.remote.done:
		return ErrPeerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PipeEnd) Receive(ctx context.Context) (protocol.Envelope, error) {
	select {
	case <-p.local.done:
		return protocol.Envelope{}, ErrClosed
	default:
	}
	select {
	case raw := <-p.in:
		return protocol.Decode(raw)
	case <-p.local.done:
		return protocol.Envelope{}, ErrClosed
	case <-p.remote.done:
		select {
		case raw := <-p.in:
			return protocol.Decode(raw)
		default:
			return protocol.Envelope{}, io.EOF
		}
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

func (p *PipeEnd) Close() error {
	p.local.close()
	return nil
}
