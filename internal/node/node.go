// Package node applies signed transactions to a ledger store.
//
// A Node owns the write path: it verifies the transaction signature, runs
// the program inside one store update together with the journal append,
// and publishes the resulting event to subscribers once the update has
// committed. Updates are serialized by the store, so two transactions that
// race for the same nonce or the same reveal are applied one after the
// other and the loser fails its precondition.
package node

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"solprism/internal/ledger"
	"solprism/internal/logging"
	"solprism/internal/metrics"
	"solprism/internal/pda"
	"solprism/internal/program"
	"solprism/internal/verify"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("node: closed")

// Config configures a Node.
type Config struct {
	Store   ledger.Store
	Program *program.Program

	Logger  *logging.Logger
	Metrics *metrics.LedgerMetrics

	// Now is the ledger clock. Defaults to time.Now.
	Now func() time.Time

	// EventBuffer is the per-subscriber channel size.
	EventBuffer int
}

// Receipt describes an applied transaction.
type Receipt struct {
	Signature string         `json:"signature"`
	Slot      uint64         `json:"slot"`
	Event     *program.Event `json:"event"`
}

// Node is the transaction executor.
type Node struct {
	store   ledger.Store
	prog    *program.Program
	log     *logging.Logger
	metrics *metrics.LedgerMetrics
	now     func() time.Time
	started time.Time
	buffer  int

	mu      sync.Mutex
	subs    map[uint64]*Subscription
	nextSub uint64
	closed  bool
}

// New returns a Node over cfg.Store.
func New(cfg Config) (*Node, error) {
	if cfg.Store == nil {
		return nil, errors.New("node: store is required")
	}
	if cfg.Program == nil {
		cfg.Program = program.New(program.DefaultProgramID)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewLedgerMetrics(nil)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}

	n := &Node{
		store:   cfg.Store,
		prog:    cfg.Program,
		log:     cfg.Logger.WithComponent("node"),
		metrics: cfg.Metrics,
		now:     cfg.Now,
		started: time.Now(),
		buffer:  cfg.EventBuffer,
		subs:    make(map[uint64]*Subscription),
	}
	if err := n.refreshGauges(context.Background()); err != nil {
		return nil, err
	}
	return n, nil
}

// Program returns the program the node executes.
func (n *Node) Program() *program.Program {
	return n.prog
}

// Metrics returns the node's metrics.
func (n *Node) Metrics() *metrics.LedgerMetrics {
	return n.metrics
}

// Submit verifies and applies tx. Program failures are returned as
// *program.Error and leave the ledger untouched.
func (n *Node) Submit(ctx context.Context, tx *ledger.Transaction) (*Receipt, error) {
	if n.isClosed() {
		return nil, ErrClosed
	}
	if err := tx.Verify(); err != nil {
		n.metrics.TransactionsRejected.Inc()
		n.log.Debug("transaction rejected", "signer", tx.Signer.String(), "error", err)
		return nil, err
	}

	start := time.Now()
	name := program.InstructionName(tx.Instruction.Data)
	sig := tx.ID()
	now := n.now()

	var (
		event *program.Event
		slot  uint64
	)
	err := n.store.Update(ctx, func(ltx ledger.Tx) error {
		ev, err := n.prog.Process(ltx, tx.Instruction, tx.Signer, now)
		if err != nil {
			return err
		}
		entry := &ledger.JournalEntry{
			Signature:   tx.Signature,
			Signer:      tx.Signer,
			Instruction: name,
			DataHash:    sha256.Sum256(tx.Instruction.Data),
			TimestampNs: now.UnixNano(),
		}
		if err := ltx.Append(entry); err != nil {
			return err
		}
		event, slot = ev, entry.Slot
		return nil
	})
	n.metrics.ApplyDuration.Since(start)

	if err != nil {
		var perr *program.Error
		if errors.As(err, &perr) {
			n.metrics.Instructions.With(name, perr.Name).Inc()
			n.log.Info("instruction failed",
				"signature", sig,
				"instruction", name,
				"error_code", perr.Code,
				"error", perr.Error(),
			)
			return nil, err
		}
		n.log.Error("apply transaction", "signature", sig, "instruction", name, "error", err)
		return nil, fmt.Errorf("apply %s: %w", name, err)
	}

	n.metrics.Instructions.With(name, "ok").Inc()
	n.metrics.Slot.Set(int64(slot))
	switch event.Kind {
	case program.EventAgentRegistered, program.EventReasoningCommitted:
		n.metrics.Accounts.Inc()
	}
	n.log.Info("instruction applied",
		"signature", sig,
		"slot", slot,
		"instruction", name,
		"agent", event.Agent.String(),
	)

	r := &Receipt{Signature: sig, Slot: slot, Event: event}
	n.publish(*r)
	return r, nil
}

func (n *Node) refreshGauges(ctx context.Context) error {
	st, err := n.store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("read store stats: %w", err)
	}
	n.metrics.Slot.Set(int64(st.Head.Slot))
	n.metrics.Accounts.Set(int64(st.Accounts))
	return nil
}

func (n *Node) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// Close ends all subscriptions. The store is owned by the caller.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for id, s := range n.subs {
		close(s.ch)
		delete(n.subs, id)
	}
	n.metrics.Subscribers.Set(0)
	return nil
}

// Agent reads the profile at addr; nil, nil when absent.
func (n *Node) Agent(ctx context.Context, addr pda.Pubkey) (*program.AgentProfile, error) {
	var out *program.AgentProfile
	err := n.store.View(ctx, func(r ledger.Reader) error {
		var err error
		out, err = n.prog.Agent(r, addr)
		return err
	})
	return out, err
}

// Commitment reads the commitment at addr; nil, nil when absent.
func (n *Node) Commitment(ctx context.Context, addr pda.Pubkey) (*program.ReasoningCommitment, error) {
	var out *program.ReasoningCommitment
	err := n.store.View(ctx, func(r ledger.Reader) error {
		var err error
		out, err = n.prog.Commitment(r, addr)
		return err
	})
	return out, err
}

// Commitments lists every commitment of the agent at agentAddr in nonce
// order.
func (n *Node) Commitments(ctx context.Context, agentAddr pda.Pubkey) ([]program.CommitmentEntry, error) {
	var out []program.CommitmentEntry
	err := n.store.View(ctx, func(r ledger.Reader) error {
		var err error
		out, err = n.prog.Commitments(r, agentAddr)
		return err
	})
	return out, err
}

// Status summarizes the ledger.
type Status struct {
	ProgramID     pda.Pubkey `json:"program_id"`
	Slot          uint64     `json:"slot"`
	HeadHash      string     `json:"head_hash"`
	Accounts      int        `json:"accounts"`
	Subscribers   int        `json:"subscribers"`
	UptimeSeconds int64      `json:"uptime_seconds"`
}

// Status returns the current ledger status.
func (n *Node) Status(ctx context.Context) (*Status, error) {
	st, err := n.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	subs := len(n.subs)
	n.mu.Unlock()

	uptime := int64(time.Since(n.started).Seconds())
	n.metrics.UptimeSeconds.Set(uptime)
	return &Status{
		ProgramID:     n.prog.ID(),
		Slot:          st.Head.Slot,
		HeadHash:      fmt.Sprintf("%x", st.Head.Hash),
		Accounts:      st.Accounts,
		Subscribers:   subs,
		UptimeSeconds: uptime,
	}, nil
}

// Journal returns up to limit entries from slot from.
func (n *Node) Journal(ctx context.Context, from uint64, limit int) ([]ledger.JournalEntry, error) {
	return n.store.Journal(ctx, from, limit)
}

// VerifyJournal walks the whole journal and checks its hash chain against
// the current head.
func (n *Node) VerifyJournal(ctx context.Context) error {
	const page = 512
	head, err := n.store.Head(ctx)
	if err != nil {
		return err
	}

	prev := ledger.Head{}
	for prev.Slot < head.Slot {
		entries, err := n.store.Journal(ctx, prev.Slot+1, page)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return fmt.Errorf("%w: journal ends at slot %d, head is %d", ledger.ErrJournalBroken, prev.Slot, head.Slot)
		}
		if err := ledger.VerifyChain(prev, entries); err != nil {
			return err
		}
		last := entries[len(entries)-1]
		prev = ledger.Head{Slot: last.Slot, Hash: last.Hash}
	}
	if prev.Slot > head.Slot || prev.Hash != head.Hash {
		return fmt.Errorf("%w: chain tip does not match head", ledger.ErrJournalBroken)
	}
	return nil
}

// Verify checks content against the commitment at addr and records the
// outcome. A hash mismatch is a result, not an error.
func (n *Node) Verify(ctx context.Context, addr pda.Pubkey, content any) (*verify.Result, error) {
	start := time.Now()
	res, err := verify.Verify(ctx, n, addr, content)
	n.metrics.VerifyDuration.Since(start)
	switch {
	case err != nil:
		n.metrics.Verifications.With("error").Inc()
	case res.Valid:
		n.metrics.Verifications.With("valid").Inc()
	default:
		n.metrics.Verifications.With("mismatch").Inc()
	}
	return res, err
}

// VerifyBatch verifies items concurrently against the node's commitments.
func (n *Node) VerifyBatch(ctx context.Context, items []verify.Item, concurrency int) ([]verify.Result, error) {
	start := time.Now()
	results, err := verify.VerifyBatch(ctx, n, items, concurrency)
	n.metrics.VerifyDuration.Since(start)
	if err != nil {
		return nil, err
	}
	for i := range results {
		switch {
		case results[i].Error != "":
			n.metrics.Verifications.With("error").Inc()
		case results[i].Valid:
			n.metrics.Verifications.With("valid").Inc()
		default:
			n.metrics.Verifications.With("mismatch").Inc()
		}
	}
	return results, nil
}
