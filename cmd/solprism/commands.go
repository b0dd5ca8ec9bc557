package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"solprism/internal/canonical"
	"solprism/internal/client"
	"solprism/internal/ipc"
	"solprism/internal/pda"
	"solprism/internal/program"
	"solprism/internal/score"
	"solprism/internal/signer"
	"solprism/internal/trace"
)

// errMismatch marks a verification that ran but did not match.
var errMismatch = errors.New("content does not match commitment")

// maxDocument bounds documents read from files or stdin.
const maxDocument = 8 << 20

func (a *app) flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) readDocument(path string) ([]byte, error) {
	var r io.Reader = a.stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(io.LimitReader(r, maxDocument+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxDocument {
		return nil, fmt.Errorf("%s: document larger than %d bytes", path, maxDocument)
	}
	return data, nil
}

func parseArgs(fs *pflag.FlagSet, args []string, lo, hi int) ([]string, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	rest := fs.Args()
	if len(rest) < lo || (hi >= 0 && len(rest) > hi) {
		return nil, fmt.Errorf("%s: wrong number of arguments", fs.Name())
	}
	return rest, nil
}

func (a *app) cmdKeygen(ctx context.Context, args []string) error {
	fs := a.flags("keygen")
	out := fs.StringP("out", "o", "", "key file (default from config)")
	force := fs.Bool("force", false, "overwrite an existing key")
	comment := fs.String("comment", "solprism", "key comment")
	if _, err := parseArgs(fs, args, 0, 0); err != nil {
		return err
	}

	path := *out
	if path == "" {
		cfg, err := a.config()
		if err != nil {
			return err
		}
		path = cfg.Signing.KeyPath
	}
	if _, err := os.Stat(path); err == nil && !*force {
		return fmt.Errorf("%s exists; use --force to replace it", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	s, err := signer.Generate()
	if err != nil {
		return err
	}
	if err := s.Save(path, *comment); err != nil {
		return err
	}
	if a.jsonOut {
		return a.printJSON(map[string]any{"authority": s.Pubkey(), "path": path})
	}
	fmt.Fprintf(a.stdout, "authority: %s\nkey:       %s\n", s.Pubkey(), path)
	return nil
}

func (a *app) cmdPubkey(ctx context.Context, args []string) error {
	if _, err := parseArgs(a.flags("pubkey"), args, 0, 0); err != nil {
		return err
	}
	s, err := a.signer()
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, s.Pubkey())
	return nil
}

// session connects and builds an SDK client for the configured key.
func (a *app) session(ctx context.Context) (*ipc.IPCClient, *client.Client, error) {
	s, err := a.signer()
	if err != nil {
		return nil, nil, err
	}
	conn, err := a.connect(ctx)
	if err != nil {
		return nil, nil, err
	}
	c, err := client.New(conn, s, client.WithProgram(programFor(conn)))
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, c, nil
}

func (a *app) cmdRegister(ctx context.Context, args []string) error {
	rest, err := parseArgs(a.flags("register"), args, 1, 1)
	if err != nil {
		return err
	}
	conn, c, err := a.session(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	rc, err := c.Register(ctx, rest[0])
	if err != nil {
		return err
	}
	if a.jsonOut {
		return a.printJSON(rc)
	}
	fmt.Fprintf(a.stdout, "registered %q\n  agent:     %s\n  slot:      %d\n  signature: %s\n",
		rest[0], c.AgentAddress(), rc.Slot, rc.Signature)
	return nil
}

func (a *app) cmdCommit(ctx context.Context, args []string) error {
	fs := a.flags("commit")
	tracePath := fs.String("trace", "", "reasoning trace document (- for stdin)")
	hashHex := fs.String("hash", "", "precomputed commitment hash (hex)")
	actionType := fs.String("action-type", "", "action type, with --hash")
	confidence := fs.Uint8("confidence", 0, "confidence 0-100, with --hash")
	if _, err := parseArgs(fs, args, 0, 0); err != nil {
		return err
	}
	if (*tracePath == "") == (*hashHex == "") {
		return errors.New("commit: give exactly one of --trace or --hash")
	}

	var tr *trace.Trace
	var hash program.Hash
	if *tracePath != "" {
		data, err := a.readDocument(*tracePath)
		if err != nil {
			return err
		}
		if tr, err = trace.Parse(data); err != nil {
			return err
		}
	} else {
		var err error
		if hash, err = program.ParseHash(*hashHex); err != nil {
			return err
		}
		if *actionType == "" {
			return errors.New("commit: --action-type is required with --hash")
		}
	}

	conn, c, err := a.session(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	var com *client.Commitment
	if tr != nil {
		com, err = c.CommitTrace(ctx, tr)
	} else {
		com, err = c.Commit(ctx, hash, *actionType, *confidence)
	}
	if err != nil {
		return err
	}
	if a.jsonOut {
		return a.printJSON(com)
	}
	fmt.Fprintf(a.stdout, "committed nonce %d\n  commitment: %s\n  hash:       %s\n  slot:       %d\n",
		com.Nonce, com.Address, com.Hash, com.Receipt.Slot)
	return nil
}

func (a *app) cmdReveal(ctx context.Context, args []string) error {
	rest, err := parseArgs(a.flags("reveal"), args, 2, 2)
	if err != nil {
		return err
	}
	addr, err := pda.ParsePubkey(rest[0])
	if err != nil {
		return fmt.Errorf("commitment: %w", err)
	}
	conn, c, err := a.session(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	rc, err := c.Reveal(ctx, addr, rest[1])
	if err != nil {
		return err
	}
	if a.jsonOut {
		return a.printJSON(rc)
	}
	fmt.Fprintf(a.stdout, "revealed %s\n  score: %.2f%% (%d/%d)\n", addr,
		score.Percent(rc.Event.AccountabilityScore), rc.Event.TotalVerified, rc.Event.TotalCommitments)
	return nil
}

func (a *app) cmdVerify(ctx context.Context, args []string) error {
	rest, err := parseArgs(a.flags("verify"), args, 2, 2)
	if err != nil {
		return err
	}
	addr, err := pda.ParsePubkey(rest[0])
	if err != nil {
		return fmt.Errorf("commitment: %w", err)
	}
	doc, err := a.readDocument(rest[1])
	if err != nil {
		return err
	}
	conn, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	res, err := conn.Verify(ctx, addr, doc)
	if err != nil {
		return err
	}
	if a.jsonOut {
		err = a.printJSON(res)
	} else {
		err = res.WriteText(a.stdout)
	}
	if err != nil {
		return err
	}
	if !res.Valid {
		return errMismatch
	}
	return nil
}

// authority resolves an optional authority argument, defaulting to the
// configured key.
func (a *app) authority(rest []string) (pda.Pubkey, error) {
	if len(rest) == 1 {
		return pda.ParsePubkey(rest[0])
	}
	s, err := a.signer()
	if err != nil {
		return pda.Pubkey{}, err
	}
	return s.Pubkey(), nil
}

func (a *app) cmdAgent(ctx context.Context, args []string) error {
	rest, err := parseArgs(a.flags("agent"), args, 0, 1)
	if err != nil {
		return err
	}
	authority, err := a.authority(rest)
	if err != nil {
		return err
	}
	conn, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	as, err := client.Assess(ctx, conn, programFor(conn), authority)
	if err != nil {
		return err
	}
	if a.jsonOut {
		return a.printJSON(as)
	}
	if !as.Registered {
		return fmt.Errorf("no agent registered for %s", authority)
	}
	p := as.Profile
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "agent\t%s\n", as.Agent)
	fmt.Fprintf(tw, "name\t%s\n", p.Name)
	fmt.Fprintf(tw, "authority\t%s\n", p.Authority)
	fmt.Fprintf(tw, "registered\t%s\n", time.Unix(p.CreatedAt, 0).UTC().Format(time.RFC3339))
	fmt.Fprintf(tw, "commitments\t%d\n", p.TotalCommitments)
	fmt.Fprintf(tw, "revealed\t%d\n", p.TotalVerified)
	fmt.Fprintf(tw, "score\t%.2f%%\n", score.Percent(as.Score))
	fmt.Fprintf(tw, "trust\t%s (%s)\n", as.Level, as.Reason)
	return tw.Flush()
}

func (a *app) cmdCommitments(ctx context.Context, args []string) error {
	rest, err := parseArgs(a.flags("commitments"), args, 0, 1)
	if err != nil {
		return err
	}
	authority, err := a.authority(rest)
	if err != nil {
		return err
	}
	conn, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	agent, _, err := programFor(conn).AgentAddress(authority)
	if err != nil {
		return err
	}
	list, err := conn.Commitments(ctx, agent)
	if err != nil {
		return err
	}
	if a.jsonOut {
		if list == nil {
			list = []program.CommitmentEntry{}
		}
		return a.printJSON(list)
	}

	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NONCE\tCOMMITMENT\tACTION\tCONF\tCOMMITTED\tREVEALED")
	for _, e := range list {
		c := e.Commitment
		revealed := "-"
		if c.ReasoningURI != nil {
			revealed = *c.ReasoningURI
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n", c.Nonce, e.Address, c.ActionType, c.Confidence,
			time.Unix(c.Timestamp, 0).UTC().Format(time.RFC3339), revealed)
	}
	return tw.Flush()
}

func (a *app) cmdHash(ctx context.Context, args []string) error {
	fs := a.flags("hash")
	asTrace := fs.Bool("trace", false, "validate the document as a reasoning trace first")
	rest, err := parseArgs(fs, args, 1, 1)
	if err != nil {
		return err
	}
	data, err := a.readDocument(rest[0])
	if err != nil {
		return err
	}
	if *asTrace {
		if err := trace.ValidateJSON(data); err != nil {
			return err
		}
	}
	sum, err := canonical.Hash(json.RawMessage(data))
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, program.Hash(sum))
	return nil
}

func (a *app) cmdStatus(ctx context.Context, args []string) error {
	if _, err := parseArgs(a.flags("status"), args, 0, 0); err != nil {
		return err
	}
	conn, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	st, err := conn.Status(ctx)
	if err != nil {
		return err
	}
	if a.jsonOut {
		return a.printJSON(st)
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "daemon\t%s\n", st.ServerVersion)
	fmt.Fprintf(tw, "program\t%s\n", st.Node.ProgramID)
	fmt.Fprintf(tw, "slot\t%d\n", st.Node.Slot)
	fmt.Fprintf(tw, "head\t%s\n", st.Node.HeadHash)
	fmt.Fprintf(tw, "accounts\t%d\n", st.Node.Accounts)
	fmt.Fprintf(tw, "clients\t%d\n", st.Clients)
	fmt.Fprintf(tw, "uptime\t%s\n", time.Duration(st.Node.UptimeSeconds)*time.Second)
	return tw.Flush()
}

func (a *app) cmdJournal(ctx context.Context, args []string) error {
	fs := a.flags("journal")
	from := fs.Uint64("from", 1, "first slot")
	limit := fs.Int("limit", 50, "maximum entries")
	if _, err := parseArgs(fs, args, 0, 0); err != nil {
		return err
	}
	conn, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	entries, err := conn.Journal(ctx, *from, *limit)
	if err != nil {
		return err
	}
	if a.jsonOut {
		return a.printJSON(entries)
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SLOT\tTIME\tINSTRUCTION\tSIGNER\tHASH")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%x\n", e.Slot,
			time.Unix(0, e.TimestampNs).UTC().Format(time.RFC3339), e.Instruction, e.Signer, e.Hash[:8])
	}
	return tw.Flush()
}

func (a *app) cmdWatch(ctx context.Context, args []string) error {
	if _, err := parseArgs(a.flags("watch"), args, 0, 0); err != nil {
		return err
	}
	conn, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.Subscribe(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-conn.Events():
			if !ok {
				return ipc.ErrConnectionLost
			}
			if a.jsonOut {
				if err := json.NewEncoder(a.stdout).Encode(ev); err != nil {
					return err
				}
				continue
			}
			e := ev.Event
			switch e.Kind {
			case program.EventAgentRegistered:
				fmt.Fprintf(a.stdout, "%d  registered   %s %q\n", ev.Slot, e.Agent, e.Name)
			case program.EventReasoningCommitted:
				fmt.Fprintf(a.stdout, "%d  committed    %s nonce=%d %s conf=%d\n", ev.Slot, e.Agent, e.Nonce, e.ActionType, e.Confidence)
			case program.EventReasoningRevealed:
				fmt.Fprintf(a.stdout, "%d  revealed     %s nonce=%d %s score=%.2f%%\n", ev.Slot, e.Agent, e.Nonce,
					e.ReasoningURI, score.Percent(e.AccountabilityScore))
			}
		}
	}
}

func (a *app) cmdSchema(ctx context.Context, args []string) error {
	if _, err := parseArgs(a.flags("schema"), args, 0, 0); err != nil {
		return err
	}
	_, err := a.stdout.Write(trace.Schema())
	return err
}
