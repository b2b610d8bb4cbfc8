// hubd accepts protocol connections from CLI tools and serves the session
// registry over the admin API.
//
// Usage:
//
//	hubd [--config hubd.toml] [--mode framed|terminal] [--tcp addr] [--unix path]
//	hubd --init-config --config hubd.toml
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/hubctl/internal/config"
	"github.com/danmuck/hubctl/internal/hub"
	"github.com/danmuck/hubctl/internal/observability"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "hubd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	if opts.initConfig {
		if opts.configPath == "" {
			return errors.New("--init-config requires --config")
		}
		if err := config.WriteTemplate(opts.configPath, opts.force); err != nil {
			return err
		}
		if _, err := config.Load(opts.configPath); err != nil {
			return fmt.Errorf("generated config is invalid: %w", err)
		}
		fmt.Printf("wrote %s\n", opts.configPath)
		return nil
	}

	cfg, err := resolveConfig(opts)
	if err != nil {
		return err
	}

	logger := observability.InitLogger("hubd")
	var sink hub.TextSink = &hub.LogSink{Logger: &logger, Level: zerolog.InfoLevel}
	if opts.echo {
		sink = &hub.WriterSink{W: os.Stdout}
	}

	srv, err := hub.New(cfg, sink)
	if err != nil {
		return err
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("mode", cfg.Mode).
		Str("tcp", cfg.TCPAddr).
		Str("unix", cfg.UnixSocket).
		Str("admin", cfg.AdminAddr).
		Msg("hubd starting")
	return srv.Run(ctx)
}
