package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/hubctl/internal/hub"
	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/danmuck/hubctl/internal/registry"
	"github.com/danmuck/hubctl/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testToken = "secret"

// tickingClock advances one second per reading.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func newAdminServer(t *testing.T) (*registry.Registry, string) {
	t.Helper()
	bus := registry.NewBus(registry.BusOptions{})
	t.Cleanup(func() { _ = bus.Close() })
	reg := registry.New(registry.Options{Bus: bus, ValidateProperties: true, Now: tickingClock()})
	svc := hub.NewService(reg, hub.Config{})
	srv := httptest.NewServer(hub.NewAdminRouter(svc, hub.AdminOptions{Token: testToken}))
	t.Cleanup(srv.Close)
	return reg, srv.URL
}

func TestSessionsCommandJSON(t *testing.T) {
	testlog.Start(t)
	reg, url := newAdminServer(t)
	if _, err := reg.StartSession(registry.SessionMetadata{ID: "live", Command: "npm"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := reg.StartSession(registry.SessionMetadata{ID: "done", Command: "go"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := reg.EndSession("done", protocol.SessionEnd{ExitCode: 1}); err != nil {
		t.Fatalf("end: %v", err)
	}

	list := func(args ...string) []registry.Session {
		t.Helper()
		var out bytes.Buffer
		base := []string{"sessions", "--admin", url, "--token", testToken, "-o", "json"}
		if err := run(context.Background(), append(base, args...), &out); err != nil {
			t.Fatalf("sessions %v: %v", args, err)
		}
		var sessions []registry.Session
		if err := json.Unmarshal(out.Bytes(), &sessions); err != nil {
			t.Fatalf("decode %q: %v", out.String(), err)
		}
		return sessions
	}
	if got := list(); len(got) != 1 || got[0].ID != "live" {
		t.Fatalf("active = %+v", got)
	}
	if got := list("--all"); len(got) != 2 {
		t.Fatalf("all = %+v", got)
	}

	var out bytes.Buffer
	if err := run(context.Background(), []string{"sessions", "done", "--admin", url, "--token", testToken}, &out); err != nil {
		t.Fatalf("detail: %v", err)
	}
	if !strings.Contains(out.String(), "state ended") || !strings.Contains(out.String(), "exit 1") {
		t.Fatalf("detail = %q", out.String())
	}
}

func TestAdminCommandsRequireToken(t *testing.T) {
	testlog.Start(t)
	_, url := newAdminServer(t)
	err := run(context.Background(), []string{"connections", "--admin", url, "--token", ""}, &bytes.Buffer{})
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestHistoryCommandFromMemory(t *testing.T) {
	testlog.Start(t)
	reg, url := newAdminServer(t)
	for _, id := range []string{"a", "b", "c"} {
		if _, err := reg.StartSession(registry.SessionMetadata{ID: id}); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
		if err := reg.MarkLost(id); err != nil {
			t.Fatalf("lost %s: %v", id, err)
		}
	}
	if swept := reg.SweepExpired(context.Background(), 0); swept != 3 {
		t.Fatalf("swept %d sessions", swept)
	}
	var out bytes.Buffer
	args := []string{"history", "--admin", url, "--token", testToken, "--limit", "2", "-o", "yaml"}
	if err := run(context.Background(), args, &out); err != nil {
		t.Fatalf("history: %v", err)
	}
	if got := strings.Count(out.String(), "session_id:"); got != 2 {
		t.Fatalf("expected 2 sessions, got %d:\n%s", got, out.String())
	}
	if err := run(context.Background(), []string{"history", "--limit", "0"}, &out); err == nil {
		t.Fatalf("expected a limit error")
	}
}

func TestRespondCommand(t *testing.T) {
	testlog.Start(t)
	reg, url := newAdminServer(t)
	if _, err := reg.StartSession(registry.SessionMetadata{ID: "orphan"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	dataPath := filepath.Join(t.TempDir(), "answer.jsonc")
	if err := os.WriteFile(dataPath, []byte("{\"name\": \"x\", // picked\n}"), 0o600); err != nil {
		t.Fatalf("write data: %v", err)
	}

	base := []string{"--admin", url, "--token", testToken, "--interaction", "form-1", "--action", "submit", "--data", dataPath}
	cases := []struct {
		session string
		status  int
	}{
		{"missing", http.StatusNotFound},
		{"orphan", http.StatusConflict},
	}
	for _, tc := range cases {
		err := run(context.Background(), append([]string{"respond", tc.session}, base...), &bytes.Buffer{})
		var apiErr *apiError
		if !errors.As(err, &apiErr) || apiErr.Status != tc.status {
			t.Fatalf("respond %s: expected %d, got %v", tc.session, tc.status, err)
		}
	}

	if err := run(context.Background(), []string{"respond", "orphan", "--admin", url}, &bytes.Buffer{}); err == nil {
		t.Fatalf("missing --interaction should fail before any request")
	}
}

func TestReadJSONC(t *testing.T) {
	testlog.Start(t)
	raw, err := readJSONC(`{"a": [1, 2,], /* c */}`, nil)
	if err != nil {
		t.Fatalf("inline: %v", err)
	}
	var v struct{ A []int }
	if err := json.Unmarshal(raw, &v); err != nil || len(v.A) != 2 {
		t.Fatalf("decoded %s: %v", raw, err)
	}
	if raw, err := readJSONC("", nil); raw != nil || err != nil {
		t.Fatalf("empty source = %s, %v", raw, err)
	}
	if _, err := readJSONC("-", strings.NewReader("not json")); err == nil {
		t.Fatalf("expected invalid stdin to fail")
	}
	if _, err := readJSONC(filepath.Join(t.TempDir(), "absent.jsonc"), nil); err == nil {
		t.Fatalf("expected a missing file error")
	}
}

func TestRunUnknownCommandAndHelp(t *testing.T) {
	testlog.Start(t)
	var out bytes.Buffer
	if err := run(context.Background(), nil, &out); err != nil || !strings.Contains(out.String(), "commands:") {
		t.Fatalf("usage = %q err=%v", out.String(), err)
	}
	if err := run(context.Background(), []string{"frobnicate"}, &out); err == nil {
		t.Fatalf("expected unknown command error")
	}
}
