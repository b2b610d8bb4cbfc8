package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/danmuck/hubctl/internal/testutil/testlog"
	"github.com/danmuck/hubctl/internal/transport"
)

func TestEmitComponentFromJSONCFile(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "progress.jsonc")
	body := `{
	// halfway
	"current": 5,
	"total": 10,
	"message": "linking {objects}",
}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write props: %v", err)
	}

	var out bytes.Buffer
	args := []string{"component", "--session", "s1", "--seq", "4", "--kind", "progress", "--id", "build", "--props", path}
	if err := run(context.Background(), append([]string{"emit"}, args...), &out); err != nil {
		t.Fatalf("emit: %v", err)
	}
	line := strings.TrimSuffix(out.String(), "\n")
	if strings.Contains(line, "\n") {
		t.Fatalf("expected a single line, got %q", out.String())
	}
	env, err := protocol.Decode([]byte(line))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.SessionID != "s1" || env.Sequence != 4 {
		t.Fatalf("header = %s/%d", env.SessionID, env.Sequence)
	}
	ui, ok := env.Payload.(protocol.UIPayload)
	if !ok || ui.Component != protocol.ComponentProgress || ui.ComponentID != "build" {
		t.Fatalf("payload = %#v", env.Payload)
	}
	var props protocol.ProgressProps
	if err := json.Unmarshal(ui.Props, &props); err != nil {
		t.Fatalf("props: %v", err)
	}
	if props.Current != 5 || props.Total != 10 || props.Message != "linking {objects}" {
		t.Fatalf("props = %+v", props)
	}
}

func TestEmitStartTakesSessionFromEnv(t *testing.T) {
	testlog.Start(t)
	t.Setenv(transport.EnvSession, "from-env")
	env, err := buildEmit("start", []string{"--command", "make", "--cwd", "/src", "--", "-j", "4"}, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ctrl, ok := env.Payload.(protocol.ControlPayload)
	if !ok || ctrl.Start == nil {
		t.Fatalf("payload = %#v", env.Payload)
	}
	if env.SessionID != "from-env" || ctrl.Start.Command != "make" || ctrl.Start.Cwd != "/src" {
		t.Fatalf("start = %s %+v", env.SessionID, ctrl.Start)
	}
	if strings.Join(ctrl.Start.Args, " ") != "-j 4" {
		t.Fatalf("args = %v", ctrl.Start.Args)
	}
}

func TestEmitStreamLineAndStdinData(t *testing.T) {
	testlog.Start(t)
	env, err := buildEmit("stream", []string{"--session", "s", "--stream", "log", "--line", "compiled", "--level", "warn"}, nil)
	if err != nil {
		t.Fatalf("line: %v", err)
	}
	var line protocol.LogLine
	if err := json.Unmarshal(env.Payload.(protocol.UIPayload).Data, &line); err != nil {
		t.Fatalf("data: %v", err)
	}
	if line.Type != "log_line" || line.Level != "warn" || line.Content != "compiled" {
		t.Fatalf("line = %+v", line)
	}

	stdin := strings.NewReader(`{"k": 1, /* trailing */ }`)
	env, err = buildEmit("stream", []string{"--session", "s", "--stream", "log", "--data", "-"}, stdin)
	if err != nil {
		t.Fatalf("stdin: %v", err)
	}
	var data map[string]int
	if err := json.Unmarshal(env.Payload.(protocol.UIPayload).Data, &data); err != nil || data["k"] != 1 {
		t.Fatalf("data = %v err=%v", data, err)
	}
}

func TestEmitRejectsBadInput(t *testing.T) {
	testlog.Start(t)
	t.Setenv(transport.EnvSession, "")
	cases := []struct {
		name string
		kind string
		args []string
	}{
		{"missing session", "end", nil},
		{"unknown kind", "reboot", []string{"--session", "s"}},
		{"missing component id", "component", []string{"--session", "s"}},
		{"missing update target", "update", []string{"--session", "s"}},
		{"invalid props", "component", []string{"--session", "s", "--id", "x", "--props", "{nope"}},
		{"line and data", "stream", []string{"--session", "s", "--stream", "l", "--line", "a", "--data", "{}"}},
		{"missing error code", "error", []string{"--session", "s"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := buildEmit(tc.kind, tc.args, strings.NewReader("")); err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}
