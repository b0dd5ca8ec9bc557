package program

import (
	"errors"
	"time"

	"solprism/internal/ledger"
	"solprism/internal/pda"
)

// EventKind names a state transition.
type EventKind string

const (
	EventAgentRegistered    EventKind = "agent_registered"
	EventReasoningCommitted EventKind = "reasoning_committed"
	EventReasoningRevealed  EventKind = "reasoning_revealed"
)

// Event describes one successful instruction.
type Event struct {
	Kind       EventKind  `json:"kind"`
	Agent      pda.Pubkey `json:"agent"`
	Authority  pda.Pubkey `json:"authority"`
	Commitment pda.Pubkey `json:"commitment"`
	Name       string     `json:"name,omitempty"`
	Nonce      uint64     `json:"nonce"`

	CommitmentHash Hash   `json:"commitment_hash"`
	ActionType     string `json:"action_type,omitempty"`
	Confidence     uint8  `json:"confidence"`
	ReasoningURI   string `json:"reasoning_uri,omitempty"`

	TotalCommitments    uint64 `json:"total_commitments"`
	TotalVerified       uint64 `json:"total_verified"`
	AccountabilityScore uint16 `json:"accountability_score"`

	Timestamp int64 `json:"timestamp"`
}

// Process executes ix for signer inside tx. now is the ledger clock. On
// error nothing has been written that the caller should keep; the store
// discards the update.
func (p *Program) Process(tx ledger.Tx, ix ledger.Instruction, signer pda.Pubkey, now time.Time) (*Event, error) {
	if ix.ProgramID != p.id {
		return nil, ErrWrongProgram
	}
	decoded, err := DecodeInstruction(ix.Data)
	if err != nil {
		return nil, err
	}

	switch {
	case decoded.Register != nil:
		return p.registerAgent(tx, ix.Accounts, signer, *decoded.Register, now)
	case decoded.Commit != nil:
		return p.commitReasoning(tx, ix.Accounts, signer, *decoded.Commit, now)
	default:
		return p.revealReasoning(tx, ix.Accounts, signer, *decoded.Reveal)
	}
}

func (p *Program) registerAgent(tx ledger.Tx, accounts []pda.Pubkey, signer pda.Pubkey, args RegisterAgentArgs, now time.Time) (*Event, error) {
	if len(accounts) < 2 {
		return nil, ErrNotEnoughAccountKeys
	}
	agentAddr, authority := accounts[0], accounts[1]
	if authority != signer {
		return nil, ErrMissingSigner
	}

	expected, bump, err := p.AgentAddress(authority)
	if err != nil {
		return nil, err
	}
	if agentAddr != expected {
		return nil, ErrConstraintSeeds.With("agent_profile")
	}

	existing, err := tx.Get(agentAddr)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrAlreadyRegistered
	}
	if len(args.Name) > MaxNameLen {
		return nil, ErrNameTooLong.With("%d > %d bytes", len(args.Name), MaxNameLen)
	}

	profile := &AgentProfile{
		Authority: authority,
		Name:      args.Name,
		CreatedAt: now.Unix(),
		Bump:      bump,
	}
	if err := p.createAccount(tx, agentAddr, profile); err != nil {
		if errors.Is(err, ledger.ErrAccountExists) {
			return nil, ErrAlreadyRegistered
		}
		return nil, err
	}

	return &Event{
		Kind:      EventAgentRegistered,
		Agent:     agentAddr,
		Authority: authority,
		Name:      args.Name,
		Timestamp: profile.CreatedAt,
	}, nil
}

func (p *Program) commitReasoning(tx ledger.Tx, accounts []pda.Pubkey, signer pda.Pubkey, args CommitReasoningArgs, now time.Time) (*Event, error) {
	if len(accounts) < 3 {
		return nil, ErrNotEnoughAccountKeys
	}
	commitmentAddr, agentAddr, authority := accounts[0], accounts[1], accounts[2]
	if authority != signer {
		return nil, ErrMissingSigner
	}

	expectedAgent, _, err := p.AgentAddress(authority)
	if err != nil {
		return nil, err
	}
	if agentAddr != expectedAgent {
		return nil, ErrConstraintSeeds.With("agent_profile")
	}

	agent, err := p.loadAgent(tx, agentAddr)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, ErrAgentNotFound
	}
	if agent.Authority != authority {
		return nil, ErrUnauthorized
	}

	if args.Confidence > MaxConfidence {
		return nil, ErrConfidenceOutOfRange.With("got %d", args.Confidence)
	}
	if len(args.ActionType) > MaxActionTypeLen {
		return nil, ErrActionTypeTooLong.With("%d > %d bytes", len(args.ActionType), MaxActionTypeLen)
	}
	if args.Nonce != agent.TotalCommitments {
		return nil, ErrInvalidNonce.With("expected %d, got %d", agent.TotalCommitments, args.Nonce)
	}

	expectedCommitment, bump, err := p.CommitmentAddress(agentAddr, args.Nonce)
	if err != nil {
		return nil, err
	}
	if commitmentAddr != expectedCommitment {
		return nil, ErrConstraintSeeds.With("commitment")
	}

	record := &ReasoningCommitment{
		Agent:          agentAddr,
		Authority:      authority,
		CommitmentHash: args.CommitmentHash,
		ActionType:     args.ActionType,
		Confidence:     args.Confidence,
		Nonce:          args.Nonce,
		Timestamp:      now.Unix(),
		Bump:           bump,
	}
	if err := p.createAccount(tx, commitmentAddr, record); err != nil {
		if errors.Is(err, ledger.ErrAccountExists) {
			return nil, ErrInvalidNonce.With("commitment at nonce %d already exists", args.Nonce)
		}
		return nil, err
	}

	agent.TotalCommitments++
	agent.AccountabilityScore = agent.Score()
	if err := p.putAccount(tx, agentAddr, agent); err != nil {
		return nil, err
	}

	return &Event{
		Kind:                EventReasoningCommitted,
		Agent:               agentAddr,
		Authority:           authority,
		Commitment:          commitmentAddr,
		Nonce:               args.Nonce,
		CommitmentHash:      args.CommitmentHash,
		ActionType:          args.ActionType,
		Confidence:          args.Confidence,
		TotalCommitments:    agent.TotalCommitments,
		TotalVerified:       agent.TotalVerified,
		AccountabilityScore: agent.AccountabilityScore,
		Timestamp:           record.Timestamp,
	}, nil
}

func (p *Program) revealReasoning(tx ledger.Tx, accounts []pda.Pubkey, signer pda.Pubkey, args RevealReasoningArgs) (*Event, error) {
	if len(accounts) < 3 {
		return nil, ErrNotEnoughAccountKeys
	}
	commitmentAddr, agentAddr, authority := accounts[0], accounts[1], accounts[2]
	if authority != signer {
		return nil, ErrMissingSigner
	}

	record, err := p.loadCommitment(tx, commitmentAddr)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrCommitmentNotFound
	}
	if record.Authority != authority {
		return nil, ErrUnauthorized
	}
	if record.Revealed {
		return nil, ErrAlreadyRevealed
	}
	if args.ReasoningURI == "" {
		return nil, ErrEmptyUri
	}
	if len(args.ReasoningURI) > MaxURILen {
		return nil, ErrUriTooLong.With("%d > %d bytes", len(args.ReasoningURI), MaxURILen)
	}
	if agentAddr != record.Agent {
		return nil, ErrAgentMismatch
	}

	agent, err := p.loadAgent(tx, agentAddr)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, ErrAgentNotFound
	}

	uri := args.ReasoningURI
	record.Revealed = true
	record.ReasoningURI = &uri
	if err := p.putAccount(tx, commitmentAddr, record); err != nil {
		return nil, err
	}

	agent.TotalVerified++
	agent.AccountabilityScore = agent.Score()
	if err := p.putAccount(tx, agentAddr, agent); err != nil {
		return nil, err
	}

	return &Event{
		Kind:                EventReasoningRevealed,
		Agent:               agentAddr,
		Authority:           authority,
		Commitment:          commitmentAddr,
		Nonce:               record.Nonce,
		CommitmentHash:      record.CommitmentHash,
		ActionType:          record.ActionType,
		Confidence:          record.Confidence,
		ReasoningURI:        uri,
		TotalCommitments:    agent.TotalCommitments,
		TotalVerified:       agent.TotalVerified,
		AccountabilityScore: agent.AccountabilityScore,
		Timestamp:           record.Timestamp,
	}, nil
}

type binaryMarshaler interface {
	MarshalBinary() ([]byte, error)
}

func (p *Program) createAccount(tx ledger.Tx, addr pda.Pubkey, v binaryMarshaler) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Create(&ledger.Account{Address: addr, Owner: p.id, Data: data})
}

func (p *Program) putAccount(tx ledger.Tx, addr pda.Pubkey, v binaryMarshaler) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Put(&ledger.Account{Address: addr, Owner: p.id, Data: data})
}
