// hubctl is the operator and producer CLI for hubd.
//
// Admin commands query the admin API:
//
//	hubctl sessions [id] [--all] [-o table|json|yaml]
//	hubctl connections
//	hubctl history [--limit n]
//	hubctl respond <session> --interaction id --action name [--data file.jsonc]
//
// Producer commands speak the wire protocol:
//
//	hubctl emit <start|end|component|update|stream> [flags]
//	hubctl demo [--terminal] [--addr unix:/path|tcp:host:port]
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string, stdout io.Writer) error
}

var commands = []command{
	{"sessions", "list sessions or show one session", runSessions},
	{"connections", "list open protocol connections", runConnections},
	{"history", "list ended and lost sessions", runHistory},
	{"respond", "deliver a renderer response to a session's producer", runRespond},
	{"emit", "print one encoded envelope for terminal-mode producers", runEmit},
	{"demo", "run a sample session against a hub", runDemo},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "hubctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		printUsage(stdout)
		return nil
	}
	switch args[0] {
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	}
	for _, cmd := range commands {
		if cmd.name == args[0] {
			return cmd.run(ctx, args[1:], stdout)
		}
	}
	return fmt.Errorf("unknown command %q (run hubctl help)", args[0])
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: hubctl <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-12s %s\n", cmd.name, cmd.summary)
	}
}
