// solprism is the command-line client for solprismd.
//
//	solprism keygen                         create an authority key
//	solprism register <name>                register the key's agent
//	solprism commit --trace doc.json        commit a reasoning trace
//	solprism reveal <commitment> <uri>      publish where the reasoning lives
//	solprism verify <commitment> <doc.json> check a document against a commitment
//	solprism agent [authority]              show an agent and its score
//	solprism commitments [authority]        list an agent's commitments
//	solprism hash <doc.json>                print a document's commitment hash
//	solprism status                         show ledger status
//	solprism journal                        print the transaction journal
//	solprism watch                          stream ledger events
//	solprism schema                         print the reasoning trace schema
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"solprism/internal/config"
	"solprism/internal/ipc"
	"solprism/internal/program"
	"solprism/internal/signer"
)

// Version is set at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{stdout: os.Stdout, stderr: os.Stderr, stdin: os.Stdin}
	if err := a.run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "solprism: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode is 2 for a failed verification, 1 otherwise.
func exitCode(err error) int {
	if errors.Is(err, errMismatch) {
		return 2
	}
	return 1
}

type app struct {
	stdout io.Writer
	stderr io.Writer
	stdin  io.Reader

	configPath string
	socketPath string
	keyPath    string
	jsonOut    bool

	cfg *config.Config

	// dial is replaced by tests.
	dial func(ctx context.Context, socket string) (*ipc.IPCClient, error)
}

type command struct {
	name    string
	args    string
	summary string
	run     func(a *app, ctx context.Context, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{"keygen", "[--out path]", "create an authority key", (*app).cmdKeygen},
		{"pubkey", "", "print the authority address of the key", (*app).cmdPubkey},
		{"register", "<name>", "register the key's agent profile", (*app).cmdRegister},
		{"commit", "--trace file | --hash hex --action-type t --confidence n", "commit reasoning", (*app).cmdCommit},
		{"reveal", "<commitment> <uri>", "reveal a commitment's reasoning URI", (*app).cmdReveal},
		{"verify", "<commitment> <file|->", "verify a document against a commitment", (*app).cmdVerify},
		{"agent", "[authority]", "show an agent profile and trust level", (*app).cmdAgent},
		{"commitments", "[authority]", "list an agent's commitments", (*app).cmdCommitments},
		{"hash", "<file|->", "print the canonical hash of a JSON document", (*app).cmdHash},
		{"status", "", "show ledger status", (*app).cmdStatus},
		{"journal", "[--from n] [--limit n]", "print journal entries", (*app).cmdJournal},
		{"watch", "", "stream ledger events", (*app).cmdWatch},
		{"schema", "", "print the reasoning trace JSON schema", (*app).cmdSchema},
	}
}

func (a *app) usage() {
	fmt.Fprintf(a.stderr, "solprism %s - verifiable reasoning commitments\n\n", Version)
	fmt.Fprintln(a.stderr, "Usage: solprism [global flags] <command> [flags] [args]")
	fmt.Fprintln(a.stderr, "\nCommands:")
	for _, c := range commands {
		fmt.Fprintf(a.stderr, "  %-12s %-28s %s\n", c.name, c.args, c.summary)
	}
	fmt.Fprintln(a.stderr, "\nGlobal flags:")
	a.globalFlags().PrintDefaults()
}

func (a *app) globalFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("solprism", pflag.ContinueOnError)
	fs.SetOutput(a.stderr)
	fs.StringVarP(&a.configPath, "config", "c", "", "configuration file")
	fs.StringVar(&a.socketPath, "socket", "", "solprismd socket (default from config)")
	fs.StringVarP(&a.keyPath, "key", "k", "", "authority key file (default from config)")
	fs.BoolVar(&a.jsonOut, "json", false, "print JSON")
	// Command flags follow the command name.
	fs.SetInterspersed(false)
	return fs
}

func (a *app) run(ctx context.Context, args []string) error {
	fs := a.globalFlags()
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			a.usage()
			return nil
		}
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		a.usage()
		return errors.New("no command given")
	}

	name := rest[0]
	switch name {
	case "help", "-h", "--help":
		a.usage()
		return nil
	case "version", "--version":
		fmt.Fprintln(a.stdout, "solprism", Version)
		return nil
	}
	for _, c := range commands {
		if c.name == name {
			return c.run(a, ctx, rest[1:])
		}
	}
	a.usage()
	return fmt.Errorf("unknown command %q", name)
}

func (a *app) config() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	if a.socketPath != "" {
		cfg.IPC.SocketPath = a.socketPath
	}
	if a.keyPath != "" {
		cfg.Signing.KeyPath = a.keyPath
	}
	a.cfg = cfg
	return cfg, nil
}

func (a *app) connect(ctx context.Context) (*ipc.IPCClient, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	if a.dial != nil {
		return a.dial(ctx, cfg.IPC.SocketPath)
	}
	ccfg := ipc.DefaultClientConfig(cfg.IPC.SocketPath)
	ccfg.ClientName = "solprism"
	ccfg.ClientVersion = Version
	c, err := ipc.Dial(ctx, ccfg)
	if errors.Is(err, ipc.ErrDaemonNotRunning) {
		return nil, fmt.Errorf("%w (is solprismd running at %s?)", err, cfg.IPC.SocketPath)
	}
	return c, err
}

func (a *app) signer() (*signer.Signer, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	s, err := signer.Load(cfg.Signing.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("%w (create one with `solprism keygen`)", err)
	}
	return s, nil
}

// programFor targets the program the daemon runs.
func programFor(c *ipc.IPCClient) *program.Program {
	return program.New(c.ProgramID())
}
