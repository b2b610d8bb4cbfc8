// Package config loads hubd settings from TOML with a default overlay.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/hubctl/internal/protocol/session"
)

const (
	ModeFramed   = "framed"
	ModeTerminal = "terminal"
)

var ErrInvalidConfig = errors.New("config: invalid")

// Config is the resolved daemon configuration.
type Config struct {
	TCPAddr            string
	UnixSocket         string
	Mode               string
	AdminAddr          string
	AdminToken         string
	AdminCORSOrigins   []string
	MaxBufferBytes     int
	MaxFrameBytes      int
	IdleFlush          time.Duration
	ProtocolQuietAfter time.Duration
	SweepInterval      time.Duration
	SessionMaxAge      time.Duration
	HistoryLimit       int
	HistoryDB          string
	HistoryRetention   time.Duration
	RedisAddr          string
	RedisChannel       string
	ValidateProperties bool
	Session            session.Config
}

func Default() Config {
	return Config{
		TCPAddr:            "127.0.0.1:7878",
		UnixSocket:         "",
		Mode:               ModeFramed,
		AdminAddr:          "127.0.0.1:7879",
		MaxBufferBytes:     1 << 20,
		MaxFrameBytes:      8 << 20,
		IdleFlush:          250 * time.Millisecond,
		SweepInterval:      30 * time.Second,
		SessionMaxAge:      10 * time.Minute,
		HistoryLimit:       256,
		RedisChannel:       "hub.events",
		ValidateProperties: true,
		Session:            session.DefaultConfig(),
	}
}

// fileConfig maps hubd.toml keys.
type fileConfig struct {
	TCPAddr            string   `toml:"tcp_addr"`
	UnixSocket         string   `toml:"unix_socket"`
	Mode               string   `toml:"mode"`
	AdminAddr          string   `toml:"admin_addr"`
	AdminToken         string   `toml:"admin_token"`
	AdminCORSOrigins   []string `toml:"admin_cors_origins"`
	MaxBufferBytes     int      `toml:"max_buffer_bytes"`
	MaxFrameBytes      int      `toml:"max_frame_bytes"`
	ReadTimeout        string   `toml:"read_timeout"`
	WriteTimeout       string   `toml:"write_timeout"`
	IdleFlush          string   `toml:"idle_flush"`
	ProtocolQuietAfter string   `toml:"protocol_quiet_after"`
	SweepInterval      string   `toml:"sweep_interval"`
	SessionMaxAge      string   `toml:"session_max_age"`
	HistoryLimit       int      `toml:"history_limit"`
	HistoryDB          string   `toml:"history_db"`
	HistoryRetention   string   `toml:"history_retention"`
	RedisAddr          string   `toml:"redis_addr"`
	RedisChannel       string   `toml:"redis_channel"`
	ValidateProperties bool     `toml:"validate_properties"`
	SecurityMode       string   `toml:"security_mode"`
	TLSEnabled         bool     `toml:"tls_enabled"`
	TLSMutual          bool     `toml:"tls_mutual"`
	TLSCertFile        string   `toml:"tls_cert_file"`
	TLSKeyFile         string   `toml:"tls_key_file"`
	TLSCAFile          string   `toml:"tls_ca_file"`
}

// Load decodes path and overlays every defined key onto Default.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load hubd config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q in %s", ErrInvalidConfig, undecoded[0].String(), path)
	}

	str := func(key string, dst *string, v string) {
		if meta.IsDefined(key) {
			*dst = strings.TrimSpace(v)
		}
	}
	str("tcp_addr", &cfg.TCPAddr, raw.TCPAddr)
	str("unix_socket", &cfg.UnixSocket, raw.UnixSocket)
	str("mode", &cfg.Mode, strings.ToLower(raw.Mode))
	str("admin_addr", &cfg.AdminAddr, raw.AdminAddr)
	str("admin_token", &cfg.AdminToken, raw.AdminToken)
	str("history_db", &cfg.HistoryDB, raw.HistoryDB)
	str("redis_addr", &cfg.RedisAddr, raw.RedisAddr)
	str("redis_channel", &cfg.RedisChannel, raw.RedisChannel)
	str("tls_cert_file", &cfg.Session.TLS.CertFile, raw.TLSCertFile)
	str("tls_key_file", &cfg.Session.TLS.KeyFile, raw.TLSKeyFile)
	str("tls_ca_file", &cfg.Session.TLS.CAFile, raw.TLSCAFile)

	if meta.IsDefined("admin_cors_origins") {
		cfg.AdminCORSOrigins = nil
		for _, origin := range raw.AdminCORSOrigins {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.AdminCORSOrigins = append(cfg.AdminCORSOrigins, origin)
			}
		}
	}
	if meta.IsDefined("max_buffer_bytes") {
		cfg.MaxBufferBytes = raw.MaxBufferBytes
	}
	if meta.IsDefined("max_frame_bytes") {
		cfg.MaxFrameBytes = raw.MaxFrameBytes
	}
	if meta.IsDefined("history_limit") {
		cfg.HistoryLimit = raw.HistoryLimit
	}
	if meta.IsDefined("validate_properties") {
		cfg.ValidateProperties = raw.ValidateProperties
	}
	if meta.IsDefined("security_mode") {
		cfg.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}
	if meta.IsDefined("tls_enabled") {
		cfg.Session.TLS.Enabled = raw.TLSEnabled
	}
	if meta.IsDefined("tls_mutual") {
		cfg.Session.TLS.Mutual = raw.TLSMutual
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"read_timeout", raw.ReadTimeout, &cfg.Session.ReadTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.Session.WriteTimeout},
		{"idle_flush", raw.IdleFlush, &cfg.IdleFlush},
		{"protocol_quiet_after", raw.ProtocolQuietAfter, &cfg.ProtocolQuietAfter},
		{"sweep_interval", raw.SweepInterval, &cfg.SweepInterval},
		{"session_max_age", raw.SessionMaxAge, &cfg.SessionMaxAge},
		{"history_retention", raw.HistoryRetention, &cfg.HistoryRetention},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, d.key, err)
		}
		*d.dst = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeFramed, ModeTerminal:
	default:
		return fmt.Errorf("%w: mode %q (expected %s or %s)", ErrInvalidConfig, c.Mode, ModeFramed, ModeTerminal)
	}
	if strings.TrimSpace(c.TCPAddr) == "" && strings.TrimSpace(c.UnixSocket) == "" {
		return fmt.Errorf("%w: tcp_addr or unix_socket is required", ErrInvalidConfig)
	}
	if c.MaxBufferBytes <= 0 {
		return fmt.Errorf("%w: max_buffer_bytes must be positive", ErrInvalidConfig)
	}
	if c.MaxFrameBytes <= 0 {
		return fmt.Errorf("%w: max_frame_bytes must be positive", ErrInvalidConfig)
	}
	if c.HistoryLimit < 0 {
		return fmt.Errorf("%w: history_limit must not be negative", ErrInvalidConfig)
	}
	if c.SweepInterval < 0 || c.SessionMaxAge < 0 || c.IdleFlush < 0 || c.ProtocolQuietAfter < 0 || c.HistoryRetention < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.TCPAddr) != "" {
		if err := c.Session.ValidateServerTransport(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}
