package hub

import (
	"bytes"
	"io"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TextSink receives pass-through terminal text from terminal-mode
// connections. Implementations must be safe for concurrent use.
type TextSink interface {
	WriteText(info ConnInfo, text []byte)
}

// SinkFunc adapts a function into a TextSink.
type SinkFunc func(info ConnInfo, text []byte)

func (f SinkFunc) WriteText(info ConnInfo, text []byte) { f(info, text) }

// ConnCloser is implemented by sinks that hold per-connection state. The
// service calls CloseConn after the connection's last WriteText.
type ConnCloser interface {
	CloseConn(info ConnInfo)
}

// maxPartialLine bounds the unterminated text LogSink holds per connection.
const maxPartialLine = 64 << 10

// LogSink logs each non-empty line with escape sequences removed. Text
// without a trailing newline is held per connection until the line completes,
// grows past 64 KiB, or the connection closes, so a line released in pieces
// is still logged once.
type LogSink struct {
	Logger *zerolog.Logger
	Level  zerolog.Level

	mu      sync.Mutex
	partial map[string][]byte
}

func (s *LogSink) WriteText(info ConnInfo, text []byte) {
	s.mu.Lock()
	held := s.partial[info.ID]
	if len(held) > 0 {
		text = append(held, text...)
	}
	complete := text
	var rest []byte
	if nl := bytes.LastIndexByte(text, '\n'); nl < len(text)-1 {
		complete, rest = text[:nl+1], text[nl+1:]
	}
	if len(rest) > maxPartialLine {
		complete, rest = text, nil
	}
	if len(rest) > 0 {
		if s.partial == nil {
			s.partial = make(map[string][]byte)
		}
		s.partial[info.ID] = append([]byte(nil), rest...)
	} else {
		delete(s.partial, info.ID)
	}
	s.mu.Unlock()

	s.logLines(info, complete)
}

// CloseConn logs any held partial line for info and forgets the connection.
func (s *LogSink) CloseConn(info ConnInfo) {
	s.mu.Lock()
	held := s.partial[info.ID]
	delete(s.partial, info.ID)
	s.mu.Unlock()
	s.logLines(info, held)
}

func (s *LogSink) logLines(info ConnInfo, text []byte) {
	if len(text) == 0 {
		return
	}
	logger := s.Logger
	if logger == nil {
		logger = &log.Logger
	}
	for _, line := range bytes.Split(text, []byte{'\n'}) {
		clean := ansi.Strip(string(bytes.TrimRight(line, "\r")))
		if clean == "" {
			continue
		}
		logger.WithLevel(s.Level).
			Str("conn_id", info.ID).
			Str("session_id", info.SessionID).
			Str("text", clean).
			Msg("hub terminal text")
	}
}

// WriterSink copies text verbatim to W.
type WriterSink struct {
	mu sync.Mutex
	W  io.Writer
}

func (s *WriterSink) WriteText(_ ConnInfo, text []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.W.Write(text); err != nil {
		log.Debug().Err(err).Msg("hub.WriterSink write")
	}
}
