package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/danmuck/hubctl/internal/transport"
	"github.com/spf13/pflag"
)

// emitFlags covers every emit kind; each kind reads the subset it needs.
type emitFlags struct {
	session string
	seq     uint64

	command string
	cwd     string

	exitCode   int
	durationMS uint64
	summary    string

	kind   string
	id     string
	target string
	props  string

	stream string
	data   string
	line   string
	level  string

	code    string
	message string
}

func runEmit(_ context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return errors.New("usage: hubctl emit <start|end|component|update|stream|error> [flags]")
	}
	env, err := buildEmit(args[0], args[1:], os.Stdin)
	if err != nil {
		return helpOrErr(err)
	}
	return protocol.Write(stdout, env)
}

func buildEmit(kind string, args []string, stdin io.Reader) (protocol.Envelope, error) {
	var f emitFlags
	flagSet := pflag.NewFlagSet("emit "+kind, pflag.ContinueOnError)
	flagSet.StringVar(&f.session, "session", os.Getenv(transport.EnvSession), "session id (env "+transport.EnvSession+")")
	flagSet.Uint64Var(&f.seq, "seq", 1, "sequence number")
	switch kind {
	case "start":
		flagSet.StringVar(&f.command, "command", "", "command name recorded on the session")
		flagSet.StringVar(&f.cwd, "cwd", "", "working directory (default: current)")
	case "end":
		flagSet.IntVar(&f.exitCode, "exit-code", 0, "process exit code")
		flagSet.Uint64Var(&f.durationMS, "duration-ms", 0, "run duration in milliseconds")
		flagSet.StringVar(&f.summary, "summary", "", "one-line summary")
	case "component":
		flagSet.StringVar(&f.kind, "kind", string(protocol.ComponentGeneric), "component kind")
		flagSet.StringVar(&f.id, "id", "", "component id")
		flagSet.StringVar(&f.props, "props", "{}", "properties: inline JSON, a JSONC file, or - for stdin")
	case "update":
		flagSet.StringVar(&f.target, "target", "", "component id to update")
		flagSet.StringVar(&f.props, "props", "{}", "properties: inline JSON, a JSONC file, or - for stdin")
	case "stream":
		flagSet.StringVar(&f.stream, "stream", "", "log stream component id")
		flagSet.StringVar(&f.data, "data", "", "stream record: inline JSON, a JSONC file, or - for stdin")
		flagSet.StringVar(&f.line, "line", "", "append a log_line record with this content")
		flagSet.StringVar(&f.level, "level", "info", "log_line level")
	case "error":
		flagSet.StringVar(&f.code, "code", "", "error code")
		flagSet.StringVar(&f.message, "message", "", "error message")
	default:
		return protocol.Envelope{}, fmt.Errorf("unknown emit kind %q", kind)
	}
	if err := flagSet.Parse(args); err != nil {
		return protocol.Envelope{}, err
	}

	sid := strings.TrimSpace(f.session)
	if sid == "" {
		return protocol.Envelope{}, fmt.Errorf("--session or %s is required", transport.EnvSession)
	}

	var env protocol.Envelope
	switch kind {
	case "start":
		cwd := f.cwd
		if cwd == "" {
			cwd, _ = os.Getwd()
		}
		env = protocol.SessionStartEnvelope(sid, f.seq, protocol.SessionStart{
			Command: f.command,
			Args:    flagSet.Args(),
			Cwd:     cwd,
		})
	case "end":
		env = protocol.SessionEndEnvelope(sid, f.seq, protocol.SessionEnd{
			ExitCode:   f.exitCode,
			DurationMS: f.durationMS,
			Summary:    f.summary,
		})
	case "component", "update":
		props, err := readJSONC(f.props, stdin)
		if err != nil {
			return protocol.Envelope{}, err
		}
		if kind == "component" {
			env, err = protocol.ComponentEnvelope(sid, f.seq, protocol.ComponentKind(f.kind), f.id, props)
		} else {
			env, err = protocol.UpdateEnvelope(sid, f.seq, f.target, props)
		}
		if err != nil {
			return protocol.Envelope{}, err
		}
	case "stream":
		var record any
		switch {
		case f.line != "" && f.data != "":
			return protocol.Envelope{}, errors.New("--line and --data are mutually exclusive")
		case f.line != "":
			record = protocol.NewLogLine(f.level, f.line)
		default:
			raw, err := readJSONC(f.data, stdin)
			if err != nil {
				return protocol.Envelope{}, err
			}
			if raw == nil {
				return protocol.Envelope{}, errors.New("--line or --data is required")
			}
			record = json.RawMessage(raw)
		}
		var err error
		if env, err = protocol.StreamEnvelope(sid, f.seq, f.stream, record); err != nil {
			return protocol.Envelope{}, err
		}
	case "error":
		env = protocol.ErrorEnvelope(sid, f.seq, f.code, f.message)
	}

	if err := env.Validate(); err != nil {
		return protocol.Envelope{}, err
	}
	return env, nil
}
