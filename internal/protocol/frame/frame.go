// Package frame delimits envelopes by brace balance.
//
// The scan counts '{' and '}' only. It does not track JSON strings, so it
// stays bounded on arbitrary terminal text; encoders must escape braces that
// appear inside strings.
package frame

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

var (
	ErrTruncated      = errors.New("frame: truncated frame")
	ErrUnexpectedByte = errors.New("frame: unexpected byte between frames")
	ErrFrameTooLarge  = errors.New("frame: frame too large")
)

// Limits constrains frame read/write memory use.
type Limits struct {
	MaxFrameBytes int
}

// DefaultLimits allows frames up to 8 MiB.
func DefaultLimits() Limits {
	return Limits{
		MaxFrameBytes: 8 * 1024 * 1024,
	}
}

// Span is a balanced region buf[Start:End] beginning with '{' and ending with
// its matching '}'.
type Span struct {
	Start int
	End   int
}

func (s Span) Len() int { return s.End - s.Start }

// IndexOpen returns the index of the first '{' at or after from, or -1.
func IndexOpen(buf []byte, from int) int {
	if from < 0 {
		from = 0
	}
	if from >= len(buf) {
		return -1
	}
	i := bytes.IndexByte(buf[from:], '{')
	if i < 0 {
		return -1
	}
	return from + i
}

// Balance resumes a depth scan at pos. It returns the index one past the
// brace that returns depth to zero, or -1 with the depth reached when buf is
// exhausted.
func Balance(buf []byte, pos, depth int) (int, int) {
	for i := pos; i < len(buf); i++ {
		switch buf[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth <= 0 {
				return i + 1, 0
			}
		}
	}
	return -1, depth
}

// Spans returns every complete top-level span in buf and the start of an
// unterminated trailing span, or -1 when there is none.
func Spans(buf []byte) ([]Span, int) {
	var spans []Span
	pos := 0
	for {
		start := IndexOpen(buf, pos)
		if start < 0 {
			return spans, -1
		}
		end, _ := Balance(buf, start, 0)
		if end < 0 {
			return spans, start
		}
		spans = append(spans, Span{Start: start, End: end})
		pos = end
	}
}

// Match pairs every brace in buf in a single pass. It returns the outermost
// balanced spans in order and the indexes of '{' bytes that never close.
// A '}' with nothing open is ignored.
func Match(buf []byte) ([]Span, []int) {
	var spans []Span
	var open []int
	for i, b := range buf {
		switch b {
		case '{':
			open = append(open, i)
		case '}':
			if len(open) == 0 {
				continue
			}
			start := open[len(open)-1]
			open = open[:len(open)-1]
			for len(spans) > 0 && spans[len(spans)-1].Start > start {
				spans = spans[:len(spans)-1]
			}
			spans = append(spans, Span{Start: start, End: i + 1})
		}
	}
	return spans, open
}

// Reader reads back-to-back frames from a trusted byte stream. Only
// whitespace may separate frames.
type Reader struct {
	br     *bufio.Reader
	limits Limits
}

// NewReader wraps r. Zero limits fall back to DefaultLimits.
func NewReader(r io.Reader, limits Limits) *Reader {
	if limits.MaxFrameBytes <= 0 {
		limits = DefaultLimits()
	}
	return &Reader{br: bufio.NewReader(r), limits: limits}
}

// ReadFrame returns the next balanced frame. It returns io.EOF only at a
// frame boundary.
func (fr *Reader) ReadFrame() ([]byte, error) {
	first, err := fr.skipSpace()
	if err != nil {
		return nil, err
	}
	if first != '{' {
		return nil, fmt.Errorf("%w: %q", ErrUnexpectedByte, first)
	}

	out := make([]byte, 0, 512)
	out = append(out, first)
	depth := 1
	for depth > 0 {
		chunk, err := fr.br.ReadSlice('}')
		if len(out)+len(chunk) > fr.limits.MaxFrameBytes {
			return nil, fmt.Errorf("%w: limit=%d", ErrFrameTooLarge, fr.limits.MaxFrameBytes)
		}
		out = append(out, chunk...)
		switch {
		case err == nil:
			depth += bytes.Count(chunk, []byte{'{'}) - 1
		case errors.Is(err, bufio.ErrBufferFull):
			depth += bytes.Count(chunk, []byte{'{'})
		case errors.Is(err, io.EOF):
			return nil, ErrTruncated
		default:
			return nil, err
		}
	}
	return out, nil
}

func (fr *Reader) skipSpace() (byte, error) {
	for {
		b, err := fr.br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, nil
	}
}

// WriteFrame writes raw followed by a newline.
func WriteFrame(w io.Writer, raw []byte, limits Limits) error {
	if limits.MaxFrameBytes > 0 && len(raw) > limits.MaxFrameBytes {
		return fmt.Errorf("%w: size=%d limit=%d", ErrFrameTooLarge, len(raw), limits.MaxFrameBytes)
	}
	buf := make([]byte, 0, len(raw)+1)
	buf = append(buf, raw...)
	buf = append(buf, '\n')
	_, err := w.Write(buf)
	return err
}
