package extract

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/danmuck/hubctl/internal/testutil/testlog"
)

var testStamp = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func encoded(t *testing.T, seq uint64) []byte {
	t.Helper()
	env := protocol.SessionStartEnvelope("s-1", seq, protocol.SessionStart{Command: "make", Args: []string{"all"}, Cwd: "/src"})
	env.Timestamp = testStamp
	raw, err := protocol.Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return raw
}

func encodedProgress(t *testing.T, seq uint64) []byte {
	t.Helper()
	env, err := protocol.ComponentEnvelope("s-1", seq, protocol.ComponentProgress, "build", protocol.ProgressProps{
		Current: seq, Total: 10, Message: "step {" + "x}",
	})
	if err != nil {
		t.Fatalf("component envelope: %v", err)
	}
	env.Timestamp = testStamp
	raw, err := protocol.Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return raw
}

func sequences(envs []protocol.Envelope) []uint64 {
	out := make([]uint64, 0, len(envs))
	for _, env := range envs {
		out = append(out, env.Sequence)
	}
	return out
}

func equalSeq(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// mixedStream interleaves envelopes with text containing balanced spans that
// are not envelopes. It returns the stream, the expected text, and the
// expected envelope sequences.
func mixedStream(t *testing.T) ([]byte, []byte, []uint64) {
	t.Helper()
	var stream, text bytes.Buffer
	addText := func(s string) {
		stream.WriteString(s)
		text.WriteString(s)
	}
	addText("Compiling crate {core} v0.1\n")
	stream.Write(encoded(t, 1))
	addText("map: {\"a\": 1, \"b\": {\"c\": 2}}\n")
	stream.Write(encodedProgress(t, 2))
	addText("warning: {} empty set and {{nested}} braces ")
	stream.Write(encodedProgress(t, 3))
	addText("\n{\"protocol_version\":\"1.0\"} looks close but is not\n")
	stream.Write(encoded(t, 4))
	addText("done } stray close\n")
	return stream.Bytes(), text.Bytes(), []uint64{1, 2, 3, 4}
}

func runChunks(x *Extractor, chunks [][]byte) ([]protocol.Envelope, []byte) {
	var envs []protocol.Envelope
	var text []byte
	for _, c := range chunks {
		res := x.Feed(c)
		envs = append(envs, res.Envelopes...)
		text = append(text, res.Text...)
	}
	text = append(text, x.Close()...)
	return envs, text
}

func TestPassThroughInvalidBraces(t *testing.T) {
	testlog.Start(t)
	x := New(DefaultConfig())
	res := x.Feed([]byte("hello {not json} world"))
	if len(res.Envelopes) != 0 {
		t.Fatalf("expected no envelopes, got %d", len(res.Envelopes))
	}
	if string(res.Text) != "hello {not json} world" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if res.Malformed != 1 {
		t.Fatalf("expected one malformed span, got %d", res.Malformed)
	}
	if rest := x.Close(); len(rest) != 0 {
		t.Fatalf("expected empty buffer, got %q", rest)
	}
}

func TestTextCarriedIntoNextRead(t *testing.T) {
	testlog.Start(t)
	x := New(DefaultConfig())
	first := x.Feed([]byte("A"))
	if len(first.Envelopes) != 0 || len(first.Text) != 0 {
		t.Fatalf("expected first read to be carried, got %d envelopes text=%q", len(first.Envelopes), first.Text)
	}

	chunk := append([]byte("B"), encoded(t, 7)...)
	chunk = append(chunk, 'C')
	second := x.Feed(chunk)
	if len(second.Envelopes) != 1 || second.Envelopes[0].Sequence != 7 {
		t.Fatalf("expected one envelope seq 7, got %v", sequences(second.Envelopes))
	}
	if string(second.Text) != "ABC" {
		t.Fatalf("expected residual ABC, got %q", second.Text)
	}
}

func TestMixedStreamExtraction(t *testing.T) {
	testlog.Start(t)
	stream, wantText, wantSeq := mixedStream(t)
	envs, text := runChunks(New(DefaultConfig()), [][]byte{stream})
	if got := sequences(envs); !equalSeq(got, wantSeq) {
		t.Fatalf("sequences = %v want %v", got, wantSeq)
	}
	if !bytes.Equal(text, wantText) {
		t.Fatalf("text mismatch\n got: %q\nwant: %q", text, wantText)
	}
	prog, ok := envs[1].Payload.(protocol.UIPayload)
	if !ok || prog.ComponentID != "build" {
		t.Fatalf("unexpected payload: %#v", envs[1].Payload)
	}
}

func TestSplitInvariance(t *testing.T) {
	testlog.Start(t)
	stream, wantText, wantSeq := mixedStream(t)
	for i := 0; i <= len(stream); i++ {
		envs, text := runChunks(New(DefaultConfig()), [][]byte{stream[:i], stream[i:]})
		if got := sequences(envs); !equalSeq(got, wantSeq) {
			t.Fatalf("split at %d: sequences = %v want %v", i, got, wantSeq)
		}
		if !bytes.Equal(text, wantText) {
			t.Fatalf("split at %d: text mismatch\n got: %q\nwant: %q", i, text, wantText)
		}
	}
}

func TestByteAtATime(t *testing.T) {
	testlog.Start(t)
	stream, wantText, wantSeq := mixedStream(t)
	chunks := make([][]byte, 0, len(stream))
	for i := range stream {
		chunks = append(chunks, stream[i:i+1])
	}
	envs, text := runChunks(New(DefaultConfig()), chunks)
	if got := sequences(envs); !equalSeq(got, wantSeq) {
		t.Fatalf("sequences = %v want %v", got, wantSeq)
	}
	if !bytes.Equal(text, wantText) {
		t.Fatalf("text mismatch\n got: %q\nwant: %q", text, wantText)
	}
}

func TestInvalidSpanPassesThroughWhole(t *testing.T) {
	testlog.Start(t)
	x := New(DefaultConfig())
	input := append([]byte("{junk "), encoded(t, 3)...)
	input = append(input, []byte(" tail}\n")...)
	res := x.Feed(input)
	if len(res.Envelopes) != 0 {
		t.Fatalf("envelope inside a malformed span must stay text, got %v", sequences(res.Envelopes))
	}
	if res.Malformed != 1 {
		t.Fatalf("malformed = %d, want 1", res.Malformed)
	}
	if !bytes.Equal(res.Text, input) {
		t.Fatalf("unexpected text %q", res.Text)
	}

	next := x.Feed(append(encoded(t, 4), '\n'))
	if len(next.Envelopes) != 1 || next.Envelopes[0].Sequence != 4 {
		t.Fatalf("expected extraction to continue after the span, got %v", sequences(next.Envelopes))
	}
}

func TestDeeplyNestedJSONIsLinear(t *testing.T) {
	testlog.Start(t)
	const depth = 60000
	input := strings.Repeat(`{"a":`, depth) + "1" + strings.Repeat("}", depth) + "\n"

	x := New(Config{MaxBuffer: len(input) * 2})
	started := time.Now()
	res := x.Feed([]byte(input))
	if elapsed := time.Since(started); elapsed > 5*time.Second {
		t.Fatalf("feed took %v", elapsed)
	}
	if res.Malformed != 1 || len(res.Envelopes) != 0 {
		t.Fatalf("malformed=%d envelopes=%d", res.Malformed, len(res.Envelopes))
	}
	if string(res.Text) != input {
		t.Fatalf("nested text was not passed through intact")
	}
}

func TestBatchIsExtractedWhole(t *testing.T) {
	testlog.Start(t)
	a := protocol.SessionStartEnvelope("s-1", 1, protocol.SessionStart{Command: "ls"})
	b := protocol.ErrorEnvelope("s-1", 2, "oops", "bad {thing}")
	batch := protocol.NewEnvelope("s-1", 3, protocol.BatchPayload{Messages: []protocol.Envelope{a, b}})
	raw, err := protocol.Encode(batch)
	if err != nil {
		t.Fatalf("encode batch: %v", err)
	}
	res := New(DefaultConfig()).Feed(append(raw, '\n'))
	if len(res.Envelopes) != 1 || res.Envelopes[0].Type != protocol.MessageBatch {
		t.Fatalf("expected one batch envelope, got %d", len(res.Envelopes))
	}
	if got := len(protocol.Flatten(res.Envelopes[0])); got != 2 {
		t.Fatalf("expected 2 members, got %d", got)
	}
	if string(res.Text) != "\n" {
		t.Fatalf("unexpected text %q", res.Text)
	}
}

func TestOverflowReleasesAndRecovers(t *testing.T) {
	testlog.Start(t)
	x := New(Config{MaxBuffer: 256})
	junk := "{" + strings.Repeat("x", 300)
	res := x.Feed([]byte(junk))
	if !res.Overflowed {
		t.Fatalf("expected overflow")
	}
	if res.Err() != ErrBufferOverflow {
		t.Fatalf("expected ErrBufferOverflow, got %v", res.Err())
	}
	if string(res.Text) != junk {
		t.Fatalf("overflowed bytes must be released as text")
	}
	if st := x.Stats(); st.Buffered != 0 || st.Overflows != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}

	// Many small feeds keep the buffer bounded.
	x = New(Config{MaxBuffer: 256})
	x.Feed([]byte("{"))
	overflowed := false
	for i := 0; i < 100; i++ {
		r := x.Feed([]byte("0123456789"))
		overflowed = overflowed || r.Overflowed
		if st := x.Stats(); st.Buffered > 256 {
			t.Fatalf("buffer grew to %d", st.Buffered)
		}
	}
	if !overflowed {
		t.Fatalf("expected overflow from small feeds")
	}

	next := x.Feed(append(encoded(t, 9), '\n'))
	if len(next.Envelopes) != 1 || next.Envelopes[0].Sequence != 9 {
		t.Fatalf("expected recovery after overflow, got %v", sequences(next.Envelopes))
	}
}

func TestOverflowKeepsLaterEnvelopesInSameFeed(t *testing.T) {
	testlog.Start(t)
	x := New(Config{MaxBuffer: 512})
	stray := "int main() {" + strings.Repeat("x", 600) + "\n"
	env := encoded(t, 7)
	input := append([]byte(stray), env...)
	input = append(input, '\n')

	res := x.Feed(input)
	if !res.Overflowed {
		t.Fatalf("expected overflow")
	}
	if len(res.Envelopes) != 1 || res.Envelopes[0].Sequence != 7 {
		t.Fatalf("expected envelope 7 from the overflowed feed, got %v", sequences(res.Envelopes))
	}
	text := append(res.Text, x.Close()...)
	if string(text) != stray+"\n" {
		t.Fatalf("unexpected text %q", text)
	}
	if bytes.Contains(text, []byte("protocol_version")) {
		t.Fatalf("envelope leaked into text")
	}
}

func TestOverflowCarriesTrailingPartialEnvelope(t *testing.T) {
	testlog.Start(t)
	x := New(Config{MaxBuffer: 512})
	stray := "{" + strings.Repeat("x", 600) + "\n"
	first, second := encoded(t, 1), encodedProgress(t, 2)
	half := len(second) / 2

	input := append([]byte(stray), first...)
	input = append(input, " between "...)
	input = append(input, second[:half]...)
	res := x.Feed(input)
	if !res.Overflowed || len(res.Envelopes) != 1 || res.Envelopes[0].Sequence != 1 {
		t.Fatalf("overflowed=%v envelopes=%v", res.Overflowed, sequences(res.Envelopes))
	}
	if string(res.Text) != stray+" between " {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if !x.Pending() || x.Stats().Buffered != half {
		t.Fatalf("expected the partial envelope carried, stats %+v", x.Stats())
	}

	rest := x.Feed(second[half:])
	if len(rest.Envelopes) != 1 || rest.Envelopes[0].Sequence != 2 {
		t.Fatalf("expected envelope 2 after carry, got %v", sequences(rest.Envelopes))
	}
	if len(rest.Text) != 0 {
		t.Fatalf("unexpected text %q", rest.Text)
	}
}

func TestLongTextWithoutNewlineIsNotOverflow(t *testing.T) {
	testlog.Start(t)
	x := New(Config{MaxBuffer: 32})
	line := strings.Repeat("y", 64)
	res := x.Feed([]byte(line))
	if res.Overflowed {
		t.Fatalf("plain text must not count as overflow")
	}
	if string(res.Text) != line {
		t.Fatalf("expected text released past cap, got %q", res.Text)
	}
}

func TestFlushKeepsPendingSpan(t *testing.T) {
	testlog.Start(t)
	x := New(DefaultConfig())
	if res := x.Feed([]byte("prompt> ")); len(res.Text) != 0 {
		t.Fatalf("expected partial line carried, got %q", res.Text)
	}
	if got := string(x.Flush()); got != "prompt> " {
		t.Fatalf("flush = %q", got)
	}

	raw := encoded(t, 5)
	half := len(raw) / 2
	x.Feed(append([]byte("abc "), raw[:half]...))
	if got := string(x.Flush()); got != "abc " {
		t.Fatalf("flush before span = %q", got)
	}
	if !x.Pending() {
		t.Fatalf("expected pending span after flush")
	}
	res := x.Feed(raw[half:])
	if len(res.Envelopes) != 1 || res.Envelopes[0].Sequence != 5 {
		t.Fatalf("expected completed envelope, got %v", sequences(res.Envelopes))
	}
	if len(res.Text) != 0 {
		t.Fatalf("unexpected text %q", res.Text)
	}
}

func TestCloseReleasesTruncatedSpan(t *testing.T) {
	testlog.Start(t)
	x := New(DefaultConfig())
	raw := encoded(t, 1)
	partial := raw[:len(raw)-3]
	res := x.Feed(partial)
	if len(res.Envelopes) != 0 {
		t.Fatalf("truncated span must not be emitted")
	}
	if got := x.Close(); !bytes.Equal(got, partial) {
		t.Fatalf("close = %q", got)
	}
	if x.Pending() || x.Stats().Buffered != 0 {
		t.Fatalf("expected empty extractor after close")
	}
}

func TestLastExtraction(t *testing.T) {
	testlog.Start(t)
	now := testStamp
	x := New(Config{Now: func() time.Time { return now }})
	if !x.LastExtraction().IsZero() {
		t.Fatalf("expected zero time before any extraction")
	}
	x.Feed([]byte("text only\n"))
	if !x.LastExtraction().IsZero() {
		t.Fatalf("text must not count as protocol activity")
	}
	now = now.Add(time.Minute)
	x.Feed(encoded(t, 1))
	if !x.LastExtraction().Equal(now) {
		t.Fatalf("last extraction = %v want %v", x.LastExtraction(), now)
	}
}

func TestStatsCounters(t *testing.T) {
	testlog.Start(t)
	stream, wantText, _ := mixedStream(t)
	x := New(DefaultConfig())
	_, text := runChunks(x, [][]byte{stream})
	st := x.Stats()
	if st.Envelopes != 4 {
		t.Fatalf("envelopes = %d", st.Envelopes)
	}
	if st.Passthrough != uint64(len(wantText)) || len(text) != len(wantText) {
		t.Fatalf("passthrough = %d want %d", st.Passthrough, len(wantText))
	}
	if st.Malformed == 0 {
		t.Fatalf("expected malformed spans to be counted")
	}
}
