package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/danmuck/hubctl/internal/hub"
	"github.com/danmuck/hubctl/internal/registry"
	"golang.org/x/term"
	"sigs.k8s.io/yaml"
)

type outputFormat string

const (
	formatTable outputFormat = "table"
	formatJSON  outputFormat = "json"
	formatYAML  outputFormat = "yaml"
)

func parseFormat(raw string) (outputFormat, error) {
	switch f := outputFormat(strings.ToLower(strings.TrimSpace(raw))); f {
	case formatTable, formatJSON, formatYAML:
		return f, nil
	case "":
		return formatTable, nil
	default:
		return "", fmt.Errorf("unknown output format %q (expected table, json, or yaml)", raw)
	}
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	stateStyles = map[registry.State]lipgloss.Style{
		registry.StateActive: lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		registry.StateEnded:  lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		registry.StateLost:   lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
	}
)

// printer renders admin API results. Styling is only applied when styled is
// set, which newPrinter does for terminals.
type printer struct {
	w      io.Writer
	format outputFormat
	styled bool
	now    func() time.Time
}

func newPrinter(w io.Writer, format outputFormat) printer {
	styled := false
	if f, ok := w.(*os.File); ok {
		styled = term.IsTerminal(int(f.Fd()))
	}
	return printer{w: w, format: format, styled: styled, now: time.Now}
}

func (p printer) value(v any) error {
	switch p.format {
	case formatYAML:
		out, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		_, err = p.w.Write(out)
		return err
	default:
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
}

func (p printer) sessions(list []registry.Session) error {
	if p.format != formatTable {
		return p.value(list)
	}
	if len(list) == 0 {
		fmt.Fprintln(p.w, p.dim("no sessions"))
		return nil
	}
	rows := make([][]cell, 0, len(list))
	for _, s := range list {
		rows = append(rows, []cell{
			{text: s.ID},
			{text: string(s.State), style: stateStyles[s.State]},
			{text: commandLine(s.Command, s.Args)},
			{text: strconv.Itoa(len(s.Components))},
			{text: strconv.FormatUint(s.LastSequence, 10)},
			{text: p.age(s.StartedAt)},
			{text: exitText(s.ExitCode)},
		})
	}
	p.table([]string{"SESSION", "STATE", "COMMAND", "COMPONENTS", "SEQ", "AGE", "EXIT"}, rows)
	return nil
}

func (p printer) session(s registry.Session) error {
	if p.format != formatTable {
		return p.value(s)
	}
	state := string(s.State)
	if p.styled {
		state = stateStyles[s.State].Render(state)
	}
	fmt.Fprintf(p.w, "%s %s\n", p.header("session"), s.ID)
	fmt.Fprintf(p.w, "%s %s\n", p.header("state"), state)
	fmt.Fprintf(p.w, "%s %s\n", p.header("command"), commandLine(s.Command, s.Args))
	if s.Cwd != "" {
		fmt.Fprintf(p.w, "%s %s\n", p.header("cwd"), s.Cwd)
	}
	fmt.Fprintf(p.w, "%s %d (replays %d)\n", p.header("sequence"), s.LastSequence, s.Replays)
	if s.ExitCode != nil {
		fmt.Fprintf(p.w, "%s %d after %dms\n", p.header("exit"), *s.ExitCode, s.DurationMS)
	}
	if s.Summary != "" {
		fmt.Fprintf(p.w, "%s %s\n", p.header("summary"), s.Summary)
	}
	if len(s.Components) == 0 {
		return nil
	}
	fmt.Fprintln(p.w)
	rows := make([][]cell, 0, len(s.Components))
	for _, c := range s.Components {
		rows = append(rows, []cell{
			{text: c.ID},
			{text: string(c.Type)},
			{text: p.age(c.UpdatedAt)},
			{text: truncate(string(c.Properties), 60), style: dimStyle},
		})
	}
	p.table([]string{"COMPONENT", "TYPE", "UPDATED", "PROPERTIES"}, rows)
	return nil
}

func (p printer) connections(list []hub.ConnInfo) error {
	if p.format != formatTable {
		return p.value(list)
	}
	if len(list) == 0 {
		fmt.Fprintln(p.w, p.dim("no connections"))
		return nil
	}
	rows := make([][]cell, 0, len(list))
	for _, c := range list {
		sid := c.SessionID
		if sid == "" {
			sid = "-"
		}
		rows = append(rows, []cell{
			{text: c.ID},
			{text: c.Transport},
			{text: c.Mode},
			{text: c.Remote},
			{text: sid},
			{text: p.age(c.OpenedAt)},
		})
	}
	p.table([]string{"CONNECTION", "TRANSPORT", "MODE", "REMOTE", "SESSION", "AGE"}, rows)
	return nil
}

type cell struct {
	text  string
	style lipgloss.Style
}

func (p printer) table(headers []string, rows [][]cell) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, c := range row {
			widths[i] = max(widths[i], lipgloss.Width(c.text))
		}
	}

	var b strings.Builder
	for i, h := range headers {
		p.writeCell(&b, p.header(h), h, widths[i], i == len(headers)-1)
	}
	b.WriteByte('\n')
	for _, row := range rows {
		for i, c := range row {
			text := c.text
			if p.styled {
				text = c.style.Render(text)
			}
			p.writeCell(&b, text, c.text, widths[i], i == len(row)-1)
		}
		b.WriteByte('\n')
	}
	_, _ = io.WriteString(p.w, b.String())
}

func (p printer) writeCell(b *strings.Builder, rendered, plain string, width int, last bool) {
	b.WriteString(rendered)
	if last {
		return
	}
	b.WriteString(strings.Repeat(" ", width-lipgloss.Width(plain)+2))
}

func (p printer) header(s string) string {
	if !p.styled {
		return s
	}
	return headerStyle.Render(s)
}

func (p printer) dim(s string) string {
	if !p.styled {
		return s
	}
	return dimStyle.Render(s)
}

func (p printer) age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := p.now().Sub(t)
	switch {
	case d < time.Second:
		return "now"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d/time.Second))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d/time.Minute))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d/time.Hour))
	default:
		return fmt.Sprintf("%dd", int(d/(24*time.Hour)))
	}
}

func commandLine(cmd string, args []string) string {
	if len(args) == 0 {
		return cmd
	}
	return cmd + " " + strings.Join(args, " ")
}

func exitText(code *int) string {
	if code == nil {
		return "-"
	}
	return strconv.Itoa(*code)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
