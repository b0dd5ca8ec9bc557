// solprismd runs a reasoning-commitment ledger node.
//
// It executes signed register/commit/reveal transactions against a SQLite
// (or in-memory) account store and serves the ledger over a unix socket for
// the solprism CLI and over HTTP for everyone else.
//
//	solprismd [--config path] [--storage sqlite|memory] [--listen addr] [--socket path]
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"solprism/internal/config"
	"solprism/internal/logging"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "solprismd: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	storage    string
	dbPath     string
	listen     string
	socket     string
	logLevel   string
	noAPI      bool
	noIPC      bool
	version    bool
}

func parseFlags(args []string) (*options, *pflag.FlagSet, error) {
	var o options
	fs := pflag.NewFlagSet("solprismd", pflag.ContinueOnError)
	fs.StringVarP(&o.configPath, "config", "c", "", "configuration file (default: "+config.ConfigPath()+")")
	fs.StringVar(&o.storage, "storage", "", "storage backend: sqlite or memory")
	fs.StringVar(&o.dbPath, "db", "", "SQLite database path")
	fs.StringVar(&o.listen, "listen", "", "HTTP API listen address")
	fs.StringVar(&o.socket, "socket", "", "IPC socket path")
	fs.StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.BoolVar(&o.noAPI, "no-api", false, "disable the HTTP API")
	fs.BoolVar(&o.noIPC, "no-ipc", false, "disable the IPC socket")
	fs.BoolVar(&o.version, "version", false, "print version and exit")
	fs.SortFlags = false
	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}
	if fs.NArg() > 0 {
		return nil, fs, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	return &o, fs, nil
}

// apply layers command-line flags over the file and environment.
func (o *options) apply(cfg *config.Config) {
	if o.storage != "" {
		cfg.Storage.Type = o.storage
	}
	if o.dbPath != "" {
		cfg.Storage.Path = o.dbPath
	}
	if o.listen != "" {
		cfg.API.Listen = o.listen
	}
	if o.socket != "" {
		cfg.IPC.SocketPath = o.socket
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.noAPI {
		cfg.API.Enabled = false
	}
	if o.noIPC {
		cfg.IPC.Enabled = false
	}
}

func newLogger(c config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	return logging.New(&logging.Config{
		Level:      level,
		Format:     logging.ParseFormat(c.Format),
		Output:     c.Output,
		FilePath:   c.FilePath,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		Compress:   c.Compress,
		Component:  "solprismd",
	})
}

func run(args []string) error {
	opts, _, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.version {
		fmt.Println("solprismd", Version)
		return nil
	}

	path := opts.configPath
	if path == "" {
		path = config.ConfigPath()
	}
	loader := config.NewLoader(path)
	defer loader.Close()
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg = cfg.Clone()
	opts.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer log.Close()
	logging.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d := NewDaemon(cfg, Version, log)
	if err := d.Start(ctx); err != nil {
		return err
	}

	// Reloaded files still go through the command-line overrides.
	loader.OnChange(func(_, next *config.Config) {
		next = next.Clone()
		opts.apply(next)
		if err := next.Validate(); err != nil {
			log.Warn("ignoring reloaded configuration", "error", err)
			return
		}
		d.ApplyConfig(cfg, next)
		cfg = next
	})
	if err := loader.Watch(); err != nil {
		log.Warn("config hot reload unavailable", "path", path, "error", err)
	}
	go func() {
		for err := range loader.Errors() {
			log.Warn("config reload failed", "error", err)
		}
	}()

	failed := make(chan error, 1)
	go func() { failed <- d.Wait() }()

	select {
	case <-ctx.Done():
		log.Info("shutting down", "cause", context.Cause(ctx))
	case err := <-failed:
		if err != nil {
			log.Error("server failed", "error", err)
		}
	}
	return d.Stop()
}
