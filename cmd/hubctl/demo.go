package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/danmuck/hubctl/internal/protocol/session"
	"github.com/danmuck/hubctl/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

const (
	demoProgressID = "build"
	demoLogID      = "build-log"
	demoResultsID  = "results"
)

// demoSink is where a demo run writes. Framed connections carry envelopes
// only; terminal connections interleave envelopes with plain output.
type demoSink interface {
	envelope(ctx context.Context, env protocol.Envelope) error
	text(line string) error
}

type framedSink struct {
	tr transport.Transport
}

func (s framedSink) envelope(ctx context.Context, env protocol.Envelope) error {
	return s.tr.Send(ctx, env)
}

func (framedSink) text(string) error { return nil }

type terminalSink struct {
	w io.Writer
}

func (s terminalSink) envelope(_ context.Context, env protocol.Envelope) error {
	return protocol.Write(s.w, env)
}

func (s terminalSink) text(line string) error {
	_, err := io.WriteString(s.w, line+"\n")
	return err
}

type demoPlan struct {
	steps int
	delay time.Duration
	// hold keeps the session open after the last step so responses can be
	// delivered through the admin API.
	hold time.Duration
}

func runDemo(ctx context.Context, args []string, stdout io.Writer) error {
	var (
		addr      string
		terminal  bool
		sessionID string
		plan      demoPlan
	)
	flagSet := pflag.NewFlagSet("demo", pflag.ContinueOnError)
	flagSet.StringVar(&addr, "addr", "", "hub address, unix:/path or tcp:host:port (default: discover)")
	flagSet.BoolVar(&terminal, "terminal", false, "write envelopes inline with text for a terminal-mode hub")
	flagSet.StringVar(&sessionID, "session", os.Getenv(transport.EnvSession), "session id (default: generated)")
	flagSet.IntVar(&plan.steps, "steps", 5, "number of build steps")
	flagSet.DurationVar(&plan.delay, "delay", 300*time.Millisecond, "pause between steps")
	flagSet.DurationVar(&plan.hold, "hold", 0, "keep the session open this long before ending it")
	if err := flagSet.Parse(args); err != nil {
		return helpOrErr(err)
	}
	if plan.steps <= 0 {
		return errors.New("--steps must be positive")
	}
	if sessionID == "" {
		sessionID = "demo-" + uuid.NewString()[:8]
	}

	addrs := transport.DiscoverAddresses()
	if addr != "" {
		parsed, err := transport.ParseAddress(addr)
		if err != nil {
			return err
		}
		addrs = []transport.Address{parsed}
	}
	st, connected, err := transport.DialAny(ctx, addrs, transport.DefaultOptions())
	if err != nil {
		return err
	}
	defer st.Close()
	fmt.Fprintf(stdout, "session %s via %s\n", sessionID, connected)

	b := session.NewBuilder(sessionID)
	if terminal {
		return playDemo(ctx, terminalSink{w: st.Conn()}, b, plan)
	}

	// Responses and hub errors arrive on the same connection.
	recvCtx, stopRecv := context.WithCancel(ctx)
	defer stopRecv()
	go printReplies(recvCtx, st, stdout)
	return playDemo(ctx, framedSink{tr: st}, b, plan)
}

func printReplies(ctx context.Context, tr transport.Transport, w io.Writer) {
	for {
		env, err := tr.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Debug().Err(err).Msg("hubctl demo receive stopped")
			}
			return
		}
		switch p := env.Payload.(type) {
		case protocol.ResponsePayload:
			fmt.Fprintf(w, "response %s: %s %s\n", p.InteractionID, p.Action, string(p.Data))
		case protocol.ErrorPayload:
			fmt.Fprintf(w, "hub error %s: %s\n", p.ErrorCode, p.Message)
		default:
			fmt.Fprintf(w, "received %s seq=%d\n", env.Type, env.Sequence)
		}
	}
}

// playDemo runs a short fake build: a progress bar advanced per step, a log
// stream, a results table, then session_end.
func playDemo(ctx context.Context, out demoSink, b *session.Builder, plan demoPlan) error {
	started := time.Now()
	cwd, _ := os.Getwd()

	send := func(env protocol.Envelope, err error) error {
		if err != nil {
			return err
		}
		return out.envelope(ctx, env)
	}

	err := send(b.Start(protocol.SessionStart{
		Command: "hubctl",
		Args:    []string{"demo"},
		Cwd:     cwd,
		Capabilities: protocol.Capabilities{
			UIComponents: []string{string(protocol.ComponentProgress), string(protocol.ComponentTable), string(protocol.ComponentLogStream)},
			Interactions: []string{"respond"},
		},
	}), nil)
	if err != nil {
		return err
	}
	total := uint64(plan.steps)
	if err := send(b.Component(protocol.ComponentProgress, demoProgressID, progress(0, total, "starting"))); err != nil {
		return err
	}

	rows := make([]protocol.TableRow, 0, plan.steps)
	for i := 1; i <= plan.steps; i++ {
		name := "step-" + strconv.Itoa(i)
		if err := out.text(fmt.Sprintf("[%d/%d] compiling %s", i, plan.steps, name)); err != nil {
			return err
		}
		if err := send(b.Stream(demoLogID, protocol.NewLogLine("info", "compiled "+name))); err != nil {
			return err
		}
		if err := send(b.Update(demoProgressID, progress(uint64(i), total, name))); err != nil {
			return err
		}
		rows = append(rows, protocol.TableRow{
			ID:      name,
			Cells:   []string{name, "ok"},
			Actions: []string{"rerun"},
			Status:  "success",
		})
		if err := sleepCtx(ctx, plan.delay); err != nil {
			return err
		}
	}

	table := protocol.TableProps{
		Headers:    []protocol.TableHeader{{Text: "Step"}, {Text: "Result"}},
		Rows:       rows,
		Sortable:   true,
		Selectable: protocol.SelectSingle,
	}
	if err := send(b.Component(protocol.ComponentTable, demoResultsID, table)); err != nil {
		return err
	}
	if err := out.text("build finished"); err != nil {
		return err
	}
	if err := sleepCtx(ctx, plan.hold); err != nil {
		return err
	}

	return send(b.End(protocol.SessionEnd{
		ExitCode:   0,
		DurationMS: uint64(time.Since(started).Milliseconds()),
		Summary:    fmt.Sprintf("%d steps ok", plan.steps),
	}), nil)
}

func progress(current, total uint64, msg string) protocol.ProgressProps {
	return protocol.ProgressProps{
		Current:        current,
		Total:          total,
		Message:        msg,
		ShowPercentage: true,
		Style:          protocol.ProgressBar,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
