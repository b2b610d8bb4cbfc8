package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/danmuck/hubctl/internal/protocol/frame"
	"github.com/danmuck/hubctl/internal/protocol/session"
	"github.com/danmuck/hubctl/internal/testutil/testlog"
	"github.com/danmuck/hubctl/internal/testutil/tlstest"
)

func startEnvelope(seq uint64) protocol.Envelope {
	return protocol.SessionStartEnvelope("s-1", seq, protocol.SessionStart{Command: "ls", Args: []string{"-la"}, Cwd: "/tmp"})
}

func shortSocketDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "hub")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func exchange(t *testing.T, client, server Transport) {
	t.Helper()
	ctx := testContext(t)
	for i := uint64(1); i <= 3; i++ {
		if err := client.Send(ctx, startEnvelope(i)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	for i := uint64(1); i <= 3; i++ {
		env, err := server.Receive(ctx)
		if err != nil {
			t.Fatalf("receive %d: %v", i, err)
		}
		if env.Sequence != i || env.Type != protocol.MessageControl {
			t.Fatalf("unexpected envelope %d: seq=%d type=%s", i, env.Sequence, env.Type)
		}
		ctrl, ok := env.Payload.(protocol.ControlPayload)
		if !ok || ctrl.Start == nil || ctrl.Start.Command != "ls" {
			t.Fatalf("unexpected payload: %#v", env.Payload)
		}
	}

	reply := protocol.ErrorEnvelope("s-1", 1, "session_conflict", "already bound")
	if err := server.Send(ctx, reply); err != nil {
		t.Fatalf("server send: %v", err)
	}
	got, err := client.Receive(ctx)
	if err != nil {
		t.Fatalf("client receive: %v", err)
	}
	if p, ok := got.Payload.(protocol.ErrorPayload); !ok || p.ErrorCode != "session_conflict" {
		t.Fatalf("unexpected reply: %#v", got.Payload)
	}
}

func TestPipeRoundTrip(t *testing.T) {
	testlog.Start(t)
	a, b := Pipe(DefaultOptions())
	defer a.Close()
	defer b.Close()
	exchange(t, a, b)
}

func TestPipeCloseSemantics(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	a, b := Pipe(DefaultOptions())

	if err := a.Send(ctx, startEnvelope(1)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	// Buffered frames drain before EOF.
	if env, err := b.Receive(ctx); err != nil || env.Sequence != 1 {
		t.Fatalf("expected buffered frame, got seq=%d err=%v", env.Sequence, err)
	}
	if _, err := b.Receive(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if err := b.Send(ctx, startEnvelope(2)); !errors.Is(err, ErrPeerClosed) {
		t.Fatalf("expected ErrPeerClosed, got %v", err)
	}
	if err := a.Send(ctx, startEnvelope(3)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := a.Receive(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on receive, got %v", err)
	}
}

func TestPipeReceiveHonorsContext(t *testing.T) {
	testlog.Start(t)
	a, b := Pipe(DefaultOptions())
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestPipeRejectsOversizeFrame(t *testing.T) {
	testlog.Start(t)
	opts := DefaultOptions()
	opts.Limits = frame.Limits{MaxFrameBytes: 64}
	a, b := Pipe(opts)
	defer a.Close()
	defer b.Close()

	if err := a.Send(testContext(t), startEnvelope(1)); !errors.Is(err, frame.ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestUnixRoundTrip(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	addr := Address{Kind: KindUnix, Addr: filepath.Join(shortSocketDir(t), "hub.sock")}
	ln, err := Listen(addr, DefaultOptions())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	info, err := os.Stat(addr.Addr)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("socket mode = %v", info.Mode().Perm())
	}

	accepted := make(chan *Stream, 1)
	go func() {
		s, err := ln.Accept(ctx)
		if err != nil {
			t.Errorf("accept: %v", err)
			close(accepted)
			return
		}
		accepted <- s
	}()

	client, err := Dial(ctx, addr, DefaultOptions())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server := <-accepted
	if server == nil {
		t.Fatalf("no accepted stream")
	}
	defer server.Close()

	exchange(t, client, server)

	if err := client.Close(); err != nil {
		t.Fatalf("client close: %v", err)
	}
	if _, err := server.Receive(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after peer close, got %v", err)
	}
	if err := client.Send(ctx, startEnvelope(9)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestUnixListenReplacesStaleSocket(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(shortSocketDir(t), "hub.sock")
	raw, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("raw listen: %v", err)
	}
	raw.(*net.UnixListener).SetUnlinkOnClose(false)
	_ = raw.Close()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected stale socket file: %v", err)
	}

	ln, err := Listen(Address{Kind: KindUnix, Addr: path}, DefaultOptions())
	if err != nil {
		t.Fatalf("listen over stale socket: %v", err)
	}
	_ = ln.Close()
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected socket removed on close, got %v", err)
	}
}

func TestUnixListenLiveSocketInUse(t *testing.T) {
	testlog.Start(t)
	addr := Address{Kind: KindUnix, Addr: filepath.Join(shortSocketDir(t), "hub.sock")}
	first, err := Listen(addr, DefaultOptions())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer first.Close()

	if _, err := Listen(addr, DefaultOptions()); !errors.Is(err, ErrAddressInUse) {
		t.Fatalf("expected ErrAddressInUse, got %v", err)
	}
}

func TestTCPTLSRoundTrip(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "hub-test-ca")
	serverCert, serverKey := ca.IssueLoopbackServer(t, dir)
	clientCert, clientKey := ca.IssueClientCert(t, dir, "cli.alpha")

	serverOpts := DefaultOptions()
	serverOpts.Session.SecurityMode = session.SecurityModeProduction
	serverOpts.Session.TLS = session.TLSConfig{Enabled: true, Mutual: true, CertFile: serverCert, KeyFile: serverKey, CAFile: ca.CAFile()}
	ln, err := Listen(Address{Kind: KindTCP, Addr: "127.0.0.1:0"}, serverOpts)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan *Stream, 1)
	go func() {
		s, err := ln.Accept(ctx)
		if err != nil {
			t.Errorf("accept: %v", err)
			close(accepted)
			return
		}
		accepted <- s
	}()

	clientOpts := DefaultOptions()
	clientOpts.Session.SecurityMode = session.SecurityModeProduction
	clientOpts.Session.TLS = session.TLSConfig{Enabled: true, Mutual: true, CertFile: clientCert, KeyFile: clientKey, CAFile: ca.CAFile()}
	client, err := Dial(ctx, ln.Addr(), clientOpts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	server := <-accepted
	if server == nil {
		t.Fatalf("no accepted stream")
	}
	defer server.Close()

	exchange(t, client, server)
}

func TestListenProductionWithoutTLSFails(t *testing.T) {
	testlog.Start(t)
	opts := DefaultOptions()
	opts.Session.SecurityMode = session.SecurityModeProduction
	if _, err := Listen(Address{Kind: KindTCP, Addr: "127.0.0.1:0"}, opts); !errors.Is(err, session.ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}
}

func TestAcceptHonorsContext(t *testing.T) {
	testlog.Start(t)
	ln, err := Listen(Address{Kind: KindTCP, Addr: "127.0.0.1:0"}, DefaultOptions())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := ln.Accept(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	_ = ln.Close()
	if _, err := ln.Accept(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestStreamReceiveRejectsGarbage(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer a.Close()
	stream := NewStream(b, KindPipe, DefaultOptions())
	defer stream.Close()

	go func() { _, _ = a.Write([]byte("not a frame\n")) }()
	if _, err := stream.Receive(testContext(t)); !errors.Is(err, frame.ErrUnexpectedByte) {
		t.Fatalf("expected ErrUnexpectedByte, got %v", err)
	}
}

func TestStreamReceiveRejectsMalformedEnvelope(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer a.Close()
	stream := NewStream(b, KindPipe, DefaultOptions())
	defer stream.Close()

	go func() { _, _ = a.Write([]byte(`{"protocol_version":"9.9","message_type":"control","session_id":"s","sequence":1,"timestamp":"2026-01-01T00:00:00Z","payload":{}}` + "\n")) }()
	if _, err := stream.Receive(testContext(t)); !errors.Is(err, protocol.ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestParseAddress(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		raw  string
		want Address
		err  bool
	}{
		{raw: "unix:/tmp/hub.sock", want: Address{Kind: KindUnix, Addr: "/tmp/hub.sock"}},
		{raw: "/var/run/hub/socket", want: Address{Kind: KindUnix, Addr: "/var/run/hub/socket"}},
		{raw: "hub.sock", want: Address{Kind: KindUnix, Addr: "hub.sock"}},
		{raw: "tcp:127.0.0.1:7878", want: Address{Kind: KindTCP, Addr: "127.0.0.1:7878"}},
		{raw: "localhost:9000", want: Address{Kind: KindTCP, Addr: "localhost:9000"}},
		{raw: "[::1]:7878", want: Address{Kind: KindTCP, Addr: "[::1]:7878"}},
		{raw: "", err: true},
		{raw: "unix:", err: true},
		{raw: "localhost", err: true},
		{raw: "localhost:99999", err: true},
	}
	for _, tc := range cases {
		got, err := ParseAddress(tc.raw)
		if tc.err {
			if !errors.Is(err, ErrInvalidAddress) {
				t.Fatalf("%q: expected ErrInvalidAddress, got %v", tc.raw, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("%q: got %+v want %+v", tc.raw, got, tc.want)
		}
	}
}

func TestDiscoverAddressesOrder(t *testing.T) {
	testlog.Start(t)
	home := shortSocketDir(t)
	t.Setenv("HOME", home)
	t.Setenv(EnvSocket, "/tmp/custom-hub.sock")
	t.Setenv(EnvPort, "9100")

	got := DiscoverAddresses()
	want := []Address{
		{Kind: KindUnix, Addr: "/tmp/custom-hub.sock"},
		{Kind: KindTCP, Addr: "127.0.0.1:9100"},
		{Kind: KindTCP, Addr: DefaultTCPAddr},
	}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("address %d: got %v want %v", i, got[i], want[i])
		}
	}

	// A live default socket takes precedence.
	ln, err := Listen(Address{Kind: KindUnix, Addr: DefaultUnixSocket()}, DefaultOptions())
	if err != nil {
		t.Fatalf("listen default socket: %v", err)
	}
	defer ln.Close()
	got = DiscoverAddresses()
	if got[0] != (Address{Kind: KindUnix, Addr: DefaultUnixSocket()}) {
		t.Fatalf("expected default socket first, got %v", got)
	}
}

func TestDiscoverAddressesDeduplicates(t *testing.T) {
	testlog.Start(t)
	t.Setenv("HOME", shortSocketDir(t))
	t.Setenv(EnvSocket, "")
	t.Setenv(EnvPort, "7878")
	got := DiscoverAddresses()
	if len(got) != 1 || got[0].Addr != DefaultTCPAddr {
		t.Fatalf("expected single default address, got %v", got)
	}
}

func TestInHubMode(t *testing.T) {
	testlog.Start(t)
	for _, key := range []string{EnvMode, EnvSocket, EnvPort} {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}
	if InHubMode() {
		t.Fatalf("expected not in hub mode")
	}
	t.Setenv(EnvMode, "1")
	if !InHubMode() {
		t.Fatalf("expected hub mode")
	}
}

func TestDialAnyNoHubReachable(t *testing.T) {
	testlog.Start(t)
	dir := shortSocketDir(t)
	addrs := []Address{
		{Kind: KindUnix, Addr: filepath.Join(dir, "missing-a.sock")},
		{Kind: KindUnix, Addr: filepath.Join(dir, "missing-b.sock")},
	}
	if _, _, err := DialAny(testContext(t), addrs, DefaultOptions()); !errors.Is(err, ErrNoHubReachable) {
		t.Fatalf("expected ErrNoHubReachable, got %v", err)
	}
	if _, _, err := DialAny(testContext(t), nil, DefaultOptions()); !errors.Is(err, ErrNoHubReachable) {
		t.Fatalf("expected ErrNoHubReachable for empty list, got %v", err)
	}
}

func TestDialAnyPicksFirstLive(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	dir := shortSocketDir(t)
	live := Address{Kind: KindUnix, Addr: filepath.Join(dir, "live.sock")}
	ln, err := Listen(live, DefaultOptions())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		if s, err := ln.Accept(ctx); err == nil {
			_ = s.Close()
		}
	}()

	addrs := []Address{{Kind: KindUnix, Addr: filepath.Join(dir, "dead.sock")}, live}
	stream, picked, err := DialAny(ctx, addrs, DefaultOptions())
	if err != nil {
		t.Fatalf("dial any: %v", err)
	}
	defer stream.Close()
	if picked != live {
		t.Fatalf("picked %v want %v", picked, live)
	}
}
