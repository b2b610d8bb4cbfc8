package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/danmuck/hubctl/internal/hub"
	"github.com/danmuck/hubctl/internal/registry"
	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"
)

func runSessions(ctx context.Context, args []string, stdout io.Writer) error {
	var admin adminFlags
	var all bool
	flagSet := pflag.NewFlagSet("sessions", pflag.ContinueOnError)
	admin.register(flagSet)
	flagSet.BoolVarP(&all, "all", "a", false, "include ended and lost sessions still retained")
	if err := flagSet.Parse(args); err != nil {
		return helpOrErr(err)
	}
	format, err := parseFormat(admin.output)
	if err != nil {
		return err
	}
	client := newAdminClient(admin.addr, admin.token)
	p := newPrinter(stdout, format)

	if rest := flagSet.Args(); len(rest) > 0 {
		var s registry.Session
		if err := client.get(ctx, "/sessions/"+url.PathEscape(rest[0]), &s); err != nil {
			return err
		}
		return p.session(s)
	}

	state := "active"
	if all {
		state = "all"
	}
	var body struct {
		Sessions []registry.Session `json:"sessions"`
	}
	if err := client.get(ctx, "/sessions?state="+state, &body); err != nil {
		return err
	}
	return p.sessions(body.Sessions)
}

func runConnections(ctx context.Context, args []string, stdout io.Writer) error {
	var admin adminFlags
	flagSet := pflag.NewFlagSet("connections", pflag.ContinueOnError)
	admin.register(flagSet)
	if err := flagSet.Parse(args); err != nil {
		return helpOrErr(err)
	}
	format, err := parseFormat(admin.output)
	if err != nil {
		return err
	}
	var body struct {
		Connections []hub.ConnInfo `json:"connections"`
	}
	if err := newAdminClient(admin.addr, admin.token).get(ctx, "/connections", &body); err != nil {
		return err
	}
	return newPrinter(stdout, format).connections(body.Connections)
}

func runHistory(ctx context.Context, args []string, stdout io.Writer) error {
	var admin adminFlags
	var limit int
	flagSet := pflag.NewFlagSet("history", pflag.ContinueOnError)
	admin.register(flagSet)
	flagSet.IntVarP(&limit, "limit", "n", 20, "maximum sessions to list")
	if err := flagSet.Parse(args); err != nil {
		return helpOrErr(err)
	}
	if limit <= 0 {
		return errors.New("--limit must be positive")
	}
	format, err := parseFormat(admin.output)
	if err != nil {
		return err
	}
	var body struct {
		Source   string             `json:"source"`
		Sessions []registry.Session `json:"sessions"`
	}
	if err := newAdminClient(admin.addr, admin.token).get(ctx, "/history?limit="+strconv.Itoa(limit), &body); err != nil {
		return err
	}
	return newPrinter(stdout, format).sessions(body.Sessions)
}

func runRespond(ctx context.Context, args []string, stdout io.Writer) error {
	var admin adminFlags
	var req hub.RespondRequest
	var data string
	flagSet := pflag.NewFlagSet("respond", pflag.ContinueOnError)
	admin.register(flagSet)
	flagSet.StringVar(&req.InteractionID, "interaction", "", "interaction id being answered")
	flagSet.StringVar(&req.Action, "action", "", "action name, for example submit or cancel")
	flagSet.StringVar(&data, "data", "", "response data: inline JSON, a JSONC file, or - for stdin")
	if err := flagSet.Parse(args); err != nil {
		return helpOrErr(err)
	}
	rest := flagSet.Args()
	if len(rest) != 1 {
		return errors.New("usage: hubctl respond <session> --interaction id --action name")
	}
	if strings.TrimSpace(req.InteractionID) == "" || strings.TrimSpace(req.Action) == "" {
		return errors.New("--interaction and --action are required")
	}
	raw, err := readJSONC(data, os.Stdin)
	if err != nil {
		return err
	}
	req.Data = raw

	var out struct {
		Status   string `json:"status"`
		Sequence uint64 `json:"sequence"`
	}
	if err := newAdminClient(admin.addr, admin.token).post(ctx, "/sessions/"+url.PathEscape(rest[0])+"/respond", req, &out); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s to %s (sequence %d)\n", out.Status, rest[0], out.Sequence)
	return nil
}

// readJSONC resolves src to JSON. src is inline JSON when it starts with a
// brace or bracket, "-" for stdin, otherwise a file path. Comments and
// trailing commas are accepted.
func readJSONC(src string, stdin io.Reader) (json.RawMessage, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, nil
	}
	var data []byte
	switch {
	case strings.HasPrefix(src, "{"), strings.HasPrefix(src, "["):
		data = []byte(src)
	case src == "-":
		read, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		data = read
	default:
		read, err := os.ReadFile(src)
		if err != nil {
			return nil, err
		}
		data = read
	}
	out := jsonc.ToJSON(data)
	if !json.Valid(out) {
		return nil, fmt.Errorf("%s: not valid JSON", describeSource(src))
	}
	return json.RawMessage(out), nil
}

func describeSource(src string) string {
	switch {
	case src == "-":
		return "stdin"
	case strings.HasPrefix(src, "{"), strings.HasPrefix(src, "["):
		return "inline data"
	default:
		return src
	}
}

func helpOrErr(err error) error {
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	return err
}
