package main

import (
	"strings"

	"github.com/danmuck/hubctl/internal/config"
	"github.com/danmuck/hubctl/internal/transport"
	"github.com/spf13/pflag"
)

type options struct {
	configPath string
	initConfig bool
	force      bool
	echo       bool

	// Overrides applied on top of the file or defaults when the flag is set.
	mode      string
	tcpAddr   string
	unixPath  string
	adminAddr string
	token     string
	historyDB string
	redisAddr string

	changed map[string]bool
}

func parseFlags(args []string) (options, error) {
	var opts options
	flagSet := pflag.NewFlagSet("hubd", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "path to hubd.toml")
	flagSet.BoolVar(&opts.initConfig, "init-config", false, "write a commented config template to --config and exit")
	flagSet.BoolVar(&opts.force, "force", false, "overwrite an existing file with --init-config")
	flagSet.BoolVar(&opts.echo, "echo", false, "copy terminal pass-through text to stdout instead of the log")
	flagSet.StringVar(&opts.mode, "mode", "", "connection mode: framed or terminal")
	flagSet.StringVar(&opts.tcpAddr, "tcp", "", "tcp listen address (empty string disables)")
	flagSet.StringVar(&opts.unixPath, "unix", "", "unix socket path, or \"default\" for "+transport.DefaultUnixSocket())
	flagSet.StringVar(&opts.adminAddr, "admin", "", "admin API listen address (empty string disables)")
	flagSet.StringVar(&opts.token, "token", "", "bearer token required by the admin API")
	flagSet.StringVar(&opts.historyDB, "history-db", "", "sqlite path for ended session history")
	flagSet.StringVar(&opts.redisAddr, "redis", "", "redis address for the event mirror")

	if err := flagSet.Parse(args); err != nil {
		return options{}, err
	}
	opts.changed = make(map[string]bool)
	flagSet.Visit(func(f *pflag.Flag) { opts.changed[f.Name] = true })
	return opts, nil
}

func resolveConfig(opts options) (config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	set := func(name string, dst *string, v string) {
		if opts.changed[name] {
			*dst = strings.TrimSpace(v)
		}
	}
	set("mode", &cfg.Mode, strings.ToLower(opts.mode))
	set("tcp", &cfg.TCPAddr, opts.tcpAddr)
	set("unix", &cfg.UnixSocket, opts.unixPath)
	set("admin", &cfg.AdminAddr, opts.adminAddr)
	set("token", &cfg.AdminToken, opts.token)
	set("history-db", &cfg.HistoryDB, opts.historyDB)
	set("redis", &cfg.RedisAddr, opts.redisAddr)
	if cfg.UnixSocket == "default" {
		cfg.UnixSocket = transport.DefaultUnixSocket()
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
