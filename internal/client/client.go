// Package client is the agent-side SDK. It builds and signs instructions,
// tracks the next commitment nonce, and verifies revealed reasoning against
// the ledger. It works over any Backend: an in-process node or the daemon's
// IPC client.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"solprism/internal/ledger"
	"solprism/internal/logging"
	"solprism/internal/node"
	"solprism/internal/pda"
	"solprism/internal/program"
	"solprism/internal/signer"
	"solprism/internal/trace"
	"solprism/internal/verify"
)

// ErrNotRegistered is returned by nonce-dependent calls before Register.
var ErrNotRegistered = errors.New("client: agent not registered")

// Backend is the ledger the client talks to. Reads return nil, nil for
// absent accounts.
type Backend interface {
	Submit(ctx context.Context, tx *ledger.Transaction) (*node.Receipt, error)
	Agent(ctx context.Context, addr pda.Pubkey) (*program.AgentProfile, error)
	Commitment(ctx context.Context, addr pda.Pubkey) (*program.ReasoningCommitment, error)
	Commitments(ctx context.Context, agentAddr pda.Pubkey) ([]program.CommitmentEntry, error)
}

// Option configures a Client.
type Option func(*Client)

// WithProgram targets a program other than the default deployment.
func WithProgram(p *program.Program) Option {
	return func(c *Client) { c.prog = p }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.log = l }
}

// Client signs for one authority.
type Client struct {
	backend Backend
	signer  *signer.Signer
	prog    *program.Program
	log     *logging.Logger

	agent pda.Pubkey

	mu sync.Mutex
	// nonce is the next commitment nonce when known.
	nonce    uint64
	hasNonce bool
}

// New returns a client signing with s.
func New(backend Backend, s *signer.Signer, opts ...Option) (*Client, error) {
	c := &Client{
		backend: backend,
		signer:  s,
		prog:    program.New(program.DefaultProgramID),
		log:     logging.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithComponent("client")

	agent, _, err := c.prog.AgentAddress(s.Pubkey())
	if err != nil {
		return nil, fmt.Errorf("derive agent address: %w", err)
	}
	c.agent = agent
	return c, nil
}

// Authority is the signing key.
func (c *Client) Authority() pda.Pubkey { return c.signer.Pubkey() }

// AgentAddress is the authority's agent profile address.
func (c *Client) AgentAddress() pda.Pubkey { return c.agent }

// Program returns the target program.
func (c *Client) Program() *program.Program { return c.prog }

func (c *Client) submit(ctx context.Context, ix ledger.Instruction) (*node.Receipt, error) {
	tx, err := c.signer.Sign(ix)
	if err != nil {
		return nil, err
	}
	return c.backend.Submit(ctx, tx)
}

// Register creates the agent profile.
func (c *Client) Register(ctx context.Context, name string) (*node.Receipt, error) {
	ix, err := c.prog.RegisterAgent(c.Authority(), name)
	if err != nil {
		return nil, err
	}
	rc, err := c.submit(ctx, ix)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.nonce, c.hasNonce = 0, true
	c.mu.Unlock()
	c.log.Info("agent registered", "agent", c.agent, "name", name)
	return rc, nil
}

// Profile reads the agent profile; nil, nil before Register.
func (c *Client) Profile(ctx context.Context) (*program.AgentProfile, error) {
	return c.backend.Agent(ctx, c.agent)
}

// Commitment is the outcome of a commit.
type Commitment struct {
	Address pda.Pubkey    `json:"address"`
	Nonce   uint64        `json:"nonce"`
	Hash    program.Hash  `json:"hash"`
	Receipt *node.Receipt `json:"receipt"`
}

// Commit records hash at the next nonce. When another writer with the same
// key advanced the nonce first, the nonce is refreshed and the commit tried
// once more.
func (c *Client) Commit(ctx context.Context, hash [32]byte, actionType string, confidence uint8) (*Commitment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for attempt := 0; ; attempt++ {
		if !c.hasNonce {
			if err := c.refreshNonce(ctx); err != nil {
				return nil, err
			}
		}
		args := program.CommitReasoningArgs{
			CommitmentHash: hash,
			ActionType:     actionType,
			Confidence:     confidence,
			Nonce:          c.nonce,
		}
		ix, err := c.prog.CommitReasoning(c.Authority(), args)
		if err != nil {
			return nil, err
		}
		rc, err := c.submit(ctx, ix)
		if errors.Is(err, program.ErrInvalidNonce) && attempt == 0 {
			c.log.Debug("stale nonce, refreshing", "nonce", args.Nonce)
			c.hasNonce = false
			continue
		}
		if err != nil {
			return nil, err
		}

		c.nonce++
		addr := ix.Accounts[0]
		c.log.Info("reasoning committed", "commitment", addr, "nonce", args.Nonce, "action_type", actionType)
		return &Commitment{Address: addr, Nonce: args.Nonce, Hash: hash, Receipt: rc}, nil
	}
}

func (c *Client) refreshNonce(ctx context.Context) error {
	a, err := c.backend.Agent(ctx, c.agent)
	if err != nil {
		return fmt.Errorf("read agent: %w", err)
	}
	if a == nil {
		return ErrNotRegistered
	}
	c.nonce, c.hasNonce = a.TotalCommitments, true
	return nil
}

// CommitTrace validates t and commits its canonical hash. The action type
// and confidence come from the trace.
func (c *Client) CommitTrace(ctx context.Context, t *trace.Trace) (*Commitment, error) {
	hash, err := t.Hash()
	if err != nil {
		return nil, err
	}
	return c.Commit(ctx, hash, t.Action.Type, t.Decision.Confidence)
}

// Reveal publishes the location of the full reasoning for a commitment.
func (c *Client) Reveal(ctx context.Context, commitment pda.Pubkey, uri string) (*node.Receipt, error) {
	ix, err := c.prog.RevealReasoning(c.Authority(), commitment, uri)
	if err != nil {
		return nil, err
	}
	rc, err := c.submit(ctx, ix)
	if err != nil {
		return nil, err
	}
	c.log.Info("reasoning revealed", "commitment", commitment, "uri", uri)
	return rc, nil
}

// Verify checks content against any commitment on the ledger, not only
// this client's.
func (c *Client) Verify(ctx context.Context, commitment pda.Pubkey, content any) (*verify.Result, error) {
	return verify.Verify(ctx, c.backend, commitment, content)
}

// Commitments lists this agent's commitments in nonce order.
func (c *Client) Commitments(ctx context.Context) ([]program.CommitmentEntry, error) {
	return c.backend.Commitments(ctx, c.agent)
}
