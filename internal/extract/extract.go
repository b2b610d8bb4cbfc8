// Package extract pulls envelopes out of a terminal byte stream that also
// carries human-readable text.
//
// Feed appends a chunk to the carried buffer and scans it for brace-balanced
// candidate spans. A span that decodes is emitted as an envelope and cut from
// the text; a span that does not decode stays in the text byte for byte and
// scanning continues after it. Envelopes are returned in the order their
// closing brace was observed.
package extract

import (
	"bytes"
	"errors"
	"time"

	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/danmuck/hubctl/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

// ErrBufferOverflow marks a Feed that released the oldest part of an
// unterminated span as text because it grew past Config.MaxBuffer.
var ErrBufferOverflow = errors.New("extract: buffer overflow")

// DefaultMaxBuffer is the carried-byte cap used when Config.MaxBuffer is unset.
const DefaultMaxBuffer = 1 << 20

// Config tunes an Extractor.
type Config struct {
	// MaxBuffer caps bytes carried between Feeds while a span is unresolved.
	MaxBuffer int
	// Now stamps LastExtraction.
	Now func() time.Time
}

// DefaultConfig returns a 1 MiB cap on the wall clock.
func DefaultConfig() Config {
	return Config{MaxBuffer: DefaultMaxBuffer, Now: time.Now}
}

func (c Config) withDefaults() Config {
	if c.MaxBuffer <= 0 {
		c.MaxBuffer = DefaultMaxBuffer
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Result is the outcome of one Feed.
type Result struct {
	Envelopes []protocol.Envelope
	// Text is pass-through output with extracted spans removed.
	Text []byte
	// Malformed counts balanced spans that failed to decode.
	Malformed int
	// Overflowed is set when the oldest part of an unterminated span was
	// released as text.
	Overflowed bool
}

// Err reports ErrBufferOverflow for an overflowed Feed.
func (r Result) Err() error {
	if r.Overflowed {
		return ErrBufferOverflow
	}
	return nil
}

// Stats are running totals for one Extractor.
type Stats struct {
	Envelopes   uint64
	Malformed   uint64
	Overflows   uint64
	Passthrough uint64
	Buffered    int
}

// Extractor is the stateful wrapper around the frame scan. It is not safe for
// concurrent use; each connection owns one.
type Extractor struct {
	cfg Config

	buf     []byte
	pending int // index of the unresolved '{', or -1
	depth   int
	scanned int // scan resumes here

	last  time.Time
	stats Stats
}

// New returns an empty Extractor. Zero Config fields take their defaults.
func New(cfg Config) *Extractor {
	return &Extractor{cfg: cfg.withDefaults(), pending: -1}
}

// Feed scans chunk together with any carried bytes.
//
// Text preceding an unresolved span is released as soon as a span resolves
// in the same Feed. Otherwise only complete lines are released and the
// remainder is carried, so text split across reads comes out coherent.
func (x *Extractor) Feed(chunk []byte) Result {
	var res Result
	x.buf = append(x.buf, chunk...)

	released := 0
	resolved := false
	for {
		if x.pending < 0 {
			start := frame.IndexOpen(x.buf, x.scanned)
			if start < 0 {
				x.scanned = len(x.buf)
				break
			}
			x.pending, x.depth, x.scanned = start, 0, start
		}
		end, depth := frame.Balance(x.buf, x.scanned, x.depth)
		if end < 0 {
			x.depth, x.scanned = depth, len(x.buf)
			break
		}

		resolved = true
		start := x.pending
		x.pending, x.depth = -1, 0
		env, ok := x.decode(x.buf[start:end])
		if !ok {
			res.Malformed++
			x.scanned = end
			continue
		}
		res.Text = append(res.Text, x.buf[released:start]...)
		res.Envelopes = append(res.Envelopes, env)
		released, x.scanned = end, end
	}

	limit := len(x.buf)
	if x.pending >= 0 {
		limit = x.pending
	}
	cut := limit
	if !resolved {
		if nl := bytes.LastIndexByte(x.buf[released:limit], '\n'); nl >= 0 {
			cut = released + nl + 1
		} else {
			cut = released
		}
	}
	res.Text = append(res.Text, x.buf[released:cut]...)
	x.compact(cut)

	if len(x.buf) > x.cfg.MaxBuffer {
		if x.pending >= 0 {
			res.Overflowed = true
			x.stats.Overflows++
			log.Warn().
				Int("buffered", len(x.buf)).
				Int("limit", x.cfg.MaxBuffer).
				Msg("extract.Feed buffer over cap, releasing oldest bytes as text")
			x.salvage(&res)
		} else {
			res.Text = append(res.Text, x.buf...)
			x.reset()
		}
	}

	if len(res.Envelopes) > 0 {
		x.last = x.cfg.Now()
	}
	x.stats.Envelopes += uint64(len(res.Envelopes))
	x.stats.Malformed += uint64(res.Malformed)
	x.stats.Passthrough += uint64(len(res.Text))
	return res
}

// Flush releases carried text that precedes any unresolved span. The span
// itself stays buffered.
func (x *Extractor) Flush() []byte {
	limit := len(x.buf)
	if x.pending >= 0 {
		limit = x.pending
	}
	if limit == 0 {
		return nil
	}
	out := append([]byte(nil), x.buf[:limit]...)
	x.compact(limit)
	x.stats.Passthrough += uint64(len(out))
	return out
}

// Close releases everything still buffered as text. A truncated span is
// never emitted as an envelope.
func (x *Extractor) Close() []byte {
	if len(x.buf) == 0 {
		return nil
	}
	out := append([]byte(nil), x.buf...)
	x.stats.Passthrough += uint64(len(out))
	x.reset()
	return out
}

// LastExtraction is the time of the most recent successful extraction, or
// the zero time when none has happened.
func (x *Extractor) LastExtraction() time.Time { return x.last }

// Pending reports whether an unterminated span is buffered.
func (x *Extractor) Pending() bool { return x.pending >= 0 }

// Stats returns the running totals and the current buffered size.
func (x *Extractor) Stats() Stats {
	s := x.stats
	s.Buffered = len(x.buf)
	return s
}

func (x *Extractor) decode(span []byte) (protocol.Envelope, bool) {
	if !looksLikeObject(span) {
		return protocol.Envelope{}, false
	}
	env, err := protocol.Decode(span)
	if err != nil {
		log.Debug().Err(err).Int("len", len(span)).Msg("extract.decode span passed through")
		return protocol.Envelope{}, false
	}
	return env, true
}

// salvage trims an overflowed buffer. Balanced spans nested under braces that
// never closed are still decoded. The buffer is then cut at the earliest
// unclosed '{' whose tail fits MaxBuffer, or emptied when none fits; the
// bytes before the cut go out as text.
func (x *Extractor) salvage(res *Result) {
	base := x.pending
	spans, open := frame.Match(x.buf[base:])

	keep := -1
	for _, o := range open {
		if len(x.buf)-(base+o) <= x.cfg.MaxBuffer {
			keep = base + o
			break
		}
	}

	released := 0
	for _, sp := range spans {
		start, end := base+sp.Start, base+sp.End
		if keep >= 0 && start > keep {
			break
		}
		env, ok := x.decode(x.buf[start:end])
		if !ok {
			res.Malformed++
			continue
		}
		res.Text = append(res.Text, x.buf[released:start]...)
		res.Envelopes = append(res.Envelopes, env)
		released = end
	}

	cut := len(x.buf)
	if keep >= 0 {
		cut = keep
	}
	res.Text = append(res.Text, x.buf[released:cut]...)
	x.pending, x.depth = -1, 0
	x.compact(cut)
	if keep >= 0 {
		x.pending = 0
		_, x.depth = frame.Balance(x.buf, 0, 0)
	}
	x.scanned = len(x.buf)
}

// looksLikeObject rejects spans whose first token after '{' cannot start a
// JSON object member without paying for a full decode.
func looksLikeObject(span []byte) bool {
	for _, b := range span[1:] {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '"':
			return true
		default:
			return false
		}
	}
	return false
}

// compact drops buf[:n] and shifts scan positions.
func (x *Extractor) compact(n int) {
	if n <= 0 {
		return
	}
	rest := copy(x.buf, x.buf[n:])
	x.buf = x.buf[:rest]
	x.scanned -= n
	if x.scanned < 0 {
		x.scanned = 0
	}
	if x.pending >= 0 {
		x.pending -= n
	}
	if len(x.buf) == 0 && cap(x.buf) > x.cfg.MaxBuffer {
		x.buf = nil
	}
}

func (x *Extractor) reset() {
	x.buf = nil
	x.pending, x.depth, x.scanned = -1, 0, 0
}
