package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"solprism/internal/api"
	"solprism/internal/config"
	"solprism/internal/health"
	"solprism/internal/ipc"
	"solprism/internal/ledger"
	"solprism/internal/logging"
	"solprism/internal/metrics"
	"solprism/internal/node"
	"solprism/internal/pda"
	"solprism/internal/program"
	"solprism/internal/security"
)

// Health thresholds.
const (
	minFreeDisk   = 256 << 20
	maxMemoryUsed = 95.0
)

// Daemon owns the ledger node and the surfaces serving it.
type Daemon struct {
	cfg     *config.Config
	version string
	log     *logging.Logger

	lock   *security.DirLock
	store  ledger.Store
	node   *node.Node
	health *health.Checker
	ipc    *ipc.Server

	apiLn  net.Listener
	cancel context.CancelFunc
	group  *errgroup.Group

	stopOnce sync.Once
}

// NewDaemon prepares a daemon from a validated configuration.
func NewDaemon(cfg *config.Config, version string, log *logging.Logger) *Daemon {
	return &Daemon{cfg: cfg, version: version, log: log.WithComponent("daemon")}
}

// Start opens the store and starts every enabled surface. On error
// everything already started is torn down.
func (d *Daemon) Start(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			d.Stop()
		}
	}()

	if err := d.cfg.EnsureDirectories(); err != nil {
		return err
	}

	programID, err := pda.ParsePubkey(d.cfg.Program.ID)
	if err != nil {
		return fmt.Errorf("program id: %w", err)
	}

	if err := d.openStore(); err != nil {
		return err
	}

	registry := metrics.NewRegistry("solprism")
	d.node, err = node.New(node.Config{
		Store:       d.store,
		Program:     program.New(programID),
		Logger:      d.log,
		Metrics:     metrics.NewLedgerMetrics(registry),
		EventBuffer: d.cfg.Storage.EventBuffer,
	})
	if err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	if err := d.node.VerifyJournal(ctx); err != nil {
		return fmt.Errorf("journal check: %w", err)
	}

	d.setupHealth()

	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.group, runCtx = errgroup.WithContext(runCtx)

	if d.cfg.IPC.Enabled {
		scfg := ipc.DefaultServerConfig(d.cfg.IPC.SocketPath)
		scfg.Version = d.version
		scfg.ProgramID = programID
		scfg.MaxConnections = d.cfg.IPC.MaxConnections
		scfg.WriteTimeout = time.Duration(d.cfg.IPC.TimeoutSec) * time.Second
		scfg.Events = d.node
		scfg.Logger = d.log
		d.ipc = ipc.NewServer(scfg, ipc.NewNodeHandler(d.node, d.version, d.log))
		if err := d.ipc.Start(); err != nil {
			return fmt.Errorf("start ipc: %w", err)
		}
	}

	if d.cfg.API.Enabled {
		d.apiLn, err = net.Listen("tcp", d.cfg.API.Listen)
		if err != nil {
			return fmt.Errorf("listen %s: %w", d.cfg.API.Listen, err)
		}
		srv := api.New(api.Config{
			Node:        d.node,
			Health:      d.health,
			Logger:      d.log,
			Metrics:     d.cfg.Metrics.Enabled,
			SubmitRate:  d.cfg.API.SubmitRate,
			SubmitBurst: d.cfg.API.SubmitBurst,
		})
		ln := d.apiLn
		d.group.Go(func() error { return srv.Serve(runCtx, ln) })
	}

	d.health.SetReady(true)
	st, _ := d.node.Status(ctx)
	if st != nil {
		d.log.Info("daemon started",
			"version", d.version,
			"program_id", programID,
			"storage", d.cfg.Storage.Type,
			"slot", st.Slot,
			"accounts", st.Accounts,
			"socket", d.SocketPath(),
			"api", d.APIAddr(),
		)
	}
	return nil
}

func (d *Daemon) openStore() error {
	switch strings.ToLower(d.cfg.Storage.Type) {
	case "memory":
		d.store = ledger.NewMemoryStore()
		return nil
	case "sqlite":
		lock, err := security.LockDir(filepath.Dir(d.cfg.Storage.Path))
		if err != nil {
			if errors.Is(err, security.ErrLocked) {
				return fmt.Errorf("another solprismd is using %s: %w", filepath.Dir(d.cfg.Storage.Path), err)
			}
			return err
		}
		d.lock = lock
		s, err := ledger.OpenSQLite(d.cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		d.store = s
		return nil
	default:
		return fmt.Errorf("unknown storage type %q", d.cfg.Storage.Type)
	}
}

func (d *Daemon) setupHealth() {
	d.health = health.NewChecker()

	ping := func(ctx context.Context) error {
		_, err := d.store.Stats(ctx)
		return err
	}
	if s, ok := d.store.(*ledger.SQLiteStore); ok {
		ping = s.Ping
	}
	d.health.RegisterFunc("store", true, health.PingCheck("ledger store", ping))
	d.health.RegisterFunc("journal", true, health.PingCheck("journal chain", d.node.VerifyJournal))
	d.health.RegisterFunc("memory", false, health.MemoryCheck(maxMemoryUsed))
	if d.lock != nil {
		d.health.RegisterFunc("disk", false, health.DiskSpaceCheck(filepath.Dir(d.cfg.Storage.Path), minFreeDisk))
	}
}

// Node returns the running node.
func (d *Daemon) Node() *node.Node { return d.node }

// Health returns the checker.
func (d *Daemon) Health() *health.Checker { return d.health }

// SocketPath is the IPC socket, or "" when IPC is disabled.
func (d *Daemon) SocketPath() string {
	if d.ipc == nil {
		return ""
	}
	return d.ipc.SocketPath()
}

// APIAddr is the bound API address, or "" when the API is disabled.
func (d *Daemon) APIAddr() string {
	if d.apiLn == nil {
		return ""
	}
	return d.apiLn.Addr().String()
}

// Wait blocks until a surface fails or Stop is called.
func (d *Daemon) Wait() error {
	if d.group == nil {
		return nil
	}
	return d.group.Wait()
}

// ApplyConfig applies settings that can change without a restart and
// reports the ones that cannot.
func (d *Daemon) ApplyConfig(old, cfg *config.Config) {
	if old.Logging.Level != cfg.Logging.Level {
		if lvl, err := logging.ParseLevel(cfg.Logging.Level); err == nil {
			d.log.SetLevel(lvl)
			d.log.Info("log level changed", "level", cfg.Logging.Level)
		}
	}
	restart := map[string]bool{
		"program":   old.Program != cfg.Program,
		"storage":   old.Storage != cfg.Storage,
		"ipc":       old.IPC != cfg.IPC,
		"api":       old.API != cfg.API,
		"metrics":   old.Metrics != cfg.Metrics,
		"log sinks": old.Logging.Output != cfg.Logging.Output || old.Logging.FilePath != cfg.Logging.FilePath,
	}
	for section, changed := range restart {
		if changed {
			d.log.Warn("configuration change needs a restart", "section", section)
		}
	}
	d.cfg = cfg
}

// Stop shuts everything down in reverse start order. It is safe to call
// more than once.
func (d *Daemon) Stop() error {
	var errs []error
	d.stopOnce.Do(func() {
		if d.health != nil {
			d.health.SetReady(false)
		}
		if d.ipc != nil {
			if err := d.ipc.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop ipc: %w", err))
			}
		}
		if d.cancel != nil {
			d.cancel()
			if err := d.group.Wait(); err != nil {
				errs = append(errs, fmt.Errorf("stop api: %w", err))
			}
		} else if d.apiLn != nil {
			d.apiLn.Close()
		}
		if d.node != nil {
			if err := d.node.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if d.store != nil {
			if err := d.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close store: %w", err))
			}
		}
		if d.lock != nil {
			if err := d.lock.Unlock(); err != nil {
				errs = append(errs, err)
			}
		}
		d.log.Info("daemon stopped")
	})
	return errors.Join(errs...)
}
