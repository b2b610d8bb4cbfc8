package transport

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Kind names a transport: unix, tcp or pipe.
type Kind string

const (
	KindUnix Kind = "unix"
	KindTCP  Kind = "tcp"
	KindPipe Kind = "pipe"
)

const (
	DefaultTCPAddr = "127.0.0.1:7878"

	EnvSocket  = "HUB_SOCKET"
	EnvPort    = "HUB_PORT"
	EnvMode    = "HUB_MODE"
	EnvSession = "HUB_SESSION"
)

// Address names one endpoint.
type Address struct {
	Kind Kind
	Addr string
}

func (a Address) String() string {
	return string(a.Kind) + ":" + a.Addr
}

// Network returns the net package network name.
func (a Address) Network() string {
	return string(a.Kind)
}

// ParseAddress accepts "unix:/path", "tcp:host:port", a bare host:port, or a
// bare filesystem path.
func ParseAddress(raw string) (Address, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return Address{}, fmt.Errorf("%w: empty", ErrInvalidAddress)
	case strings.HasPrefix(raw, "unix:"):
		return unixAddress(strings.TrimPrefix(raw, "unix:"))
	case strings.HasPrefix(raw, "tcp:"):
		return tcpAddress(strings.TrimPrefix(raw, "tcp:"))
	case strings.ContainsRune(raw, os.PathSeparator) || strings.HasSuffix(raw, ".sock"):
		return unixAddress(raw)
	default:
		return tcpAddress(raw)
	}
}

func unixAddress(path string) (Address, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Address{}, fmt.Errorf("%w: empty unix path", ErrInvalidAddress)
	}
	return Address{Kind: KindUnix, Addr: filepath.Clean(path)}, nil
}

func tcpAddress(hostport string) (Address, error) {
	host, port, err := net.SplitHostPort(strings.TrimSpace(hostport))
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return Address{}, fmt.Errorf("%w: port %q", ErrInvalidAddress, port)
	}
	return Address{Kind: KindTCP, Addr: net.JoinHostPort(host, port)}, nil
}

// DefaultUnixSocket returns $HOME/.hubctl/socket, falling back to the temp
// directory when no home directory is known.
func DefaultUnixSocket() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "hubctl.sock")
	}
	return filepath.Join(home, ".hubctl", "socket")
}

// DiscoverAddresses lists candidate hub endpoints in preference order: the
// default socket when it exists, HUB_SOCKET, HUB_PORT on loopback, then the
// default tcp address. Duplicates are removed.
func DiscoverAddresses() []Address {
	var out []Address
	seen := make(map[Address]struct{})
	add := func(a Address) {
		if _, ok := seen[a]; ok {
			return
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}

	if path := DefaultUnixSocket(); socketExists(path) {
		add(Address{Kind: KindUnix, Addr: path})
	}
	if path := strings.TrimSpace(os.Getenv(EnvSocket)); path != "" {
		add(Address{Kind: KindUnix, Addr: filepath.Clean(path)})
	}
	if raw := strings.TrimSpace(os.Getenv(EnvPort)); raw != "" {
		if port, err := strconv.ParseUint(raw, 10, 16); err == nil {
			add(Address{Kind: KindTCP, Addr: net.JoinHostPort("127.0.0.1", strconv.FormatUint(port, 10))})
		}
	}
	add(Address{Kind: KindTCP, Addr: DefaultTCPAddr})
	return out
}

// InHubMode reports whether the process was started under a hub.
func InHubMode() bool {
	for _, key := range []string{EnvMode, EnvSocket, EnvPort} {
		if _, ok := os.LookupEnv(key); ok {
			return true
		}
	}
	return false
}

func socketExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode()&os.ModeSocket != 0
}
