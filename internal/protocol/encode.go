package protocol

import (
	"bytes"
	"fmt"
	"io"
)

// JSON unicode escapes for braces inside strings.
var (
	escapedOpen  = []byte{'\\', 'u', '0', '0', '7', 'b'}
	escapedClose = []byte{'\\', 'u', '0', '0', '7', 'd'}
)

// Encode returns the compact wire form of env.
//
// Braces inside JSON strings are written as unicode escapes so every encoded
// envelope is delimited by its structural braces alone.
func Encode(env Envelope) ([]byte, error) {
	raw, err := env.marshal(false)
	if err != nil {
		return nil, fmt.Errorf("protocol.Encode: %w", err)
	}
	return escapeStringBraces(raw), nil
}

// Write encodes env followed by a newline.
func Write(w io.Writer, env Envelope) error {
	raw, err := Encode(env)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	_, err = w.Write(raw)
	return err
}

func escapeStringBraces(raw []byte) []byte {
	var out []byte
	inString := false
	escaped := false
	last := 0
	for i, b := range raw {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			case b == '{' || b == '}':
				if out == nil {
					out = make([]byte, 0, len(raw)+16)
				}
				out = append(out, raw[last:i]...)
				if b == '{' {
					out = append(out, escapedOpen...)
				} else {
					out = append(out, escapedClose...)
				}
				last = i + 1
			}
			continue
		}
		if b == '"' {
			inString = true
		}
	}
	if out == nil {
		return raw
	}
	return append(out, raw[last:]...)
}

// unescapeStringBraces turns the brace escapes Encode writes back into literal
// braces. Typed fields would decode the same either way; raw fields such as
// props and data keep their bytes, so this restores what the sender built.
func unescapeStringBraces(raw []byte) []byte {
	if !bytes.Contains(raw, escapedOpen[:5]) {
		return raw
	}
	out := make([]byte, 0, len(raw))
	inString := false
	for i := 0; i < len(raw); i++ {
		b := raw[i]
		if !inString {
			if b == '"' {
				inString = true
			}
			out = append(out, b)
			continue
		}
		switch b {
		case '"':
			inString = false
		case '\\':
			if brace, ok := escapedBrace(raw[i:]); ok {
				out = append(out, brace)
				i += len(escapedOpen) - 1
				continue
			}
			if i+1 < len(raw) {
				out = append(out, b, raw[i+1])
				i++
				continue
			}
		}
		out = append(out, b)
	}
	return out
}

func escapedBrace(b []byte) (byte, bool) {
	if len(b) < len(escapedOpen) || !bytes.Equal(b[:5], escapedOpen[:5]) {
		return 0, false
	}
	switch b[5] {
	case 'b', 'B':
		return '{', true
	case 'd', 'D':
		return '}', true
	}
	return 0, false
}
