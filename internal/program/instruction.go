package program

import (
	"fmt"

	"solprism/internal/ledger"
	"solprism/internal/pda"
)

// RegisterAgentArgs are the arguments of register_agent.
type RegisterAgentArgs struct {
	Name string
}

// CommitReasoningArgs are the arguments of commit_reasoning.
type CommitReasoningArgs struct {
	CommitmentHash Hash
	ActionType     string
	Confidence     uint8
	Nonce          uint64
}

// RevealReasoningArgs are the arguments of reveal_reasoning.
type RevealReasoningArgs struct {
	ReasoningURI string
}

// Encode returns discriminator || name.
func (a RegisterAgentArgs) Encode() []byte {
	e := encoder{}
	e.raw(discRegister[:])
	e.str(a.Name)
	return e.buf
}

// Encode returns discriminator || hash || action_type || confidence || nonce.
func (a CommitReasoningArgs) Encode() []byte {
	e := encoder{}
	e.raw(discCommit[:])
	e.raw(a.CommitmentHash[:])
	e.str(a.ActionType)
	e.u8(a.Confidence)
	e.u64(a.Nonce)
	return e.buf
}

// Encode returns discriminator || reasoning_uri.
func (a RevealReasoningArgs) Encode() []byte {
	e := encoder{}
	e.raw(discReveal[:])
	e.str(a.ReasoningURI)
	return e.buf
}

// DecodedInstruction is the result of DecodeInstruction. Exactly one of
// the argument pointers is set.
type DecodedInstruction struct {
	Name     string
	Register *RegisterAgentArgs
	Commit   *CommitReasoningArgs
	Reveal   *RevealReasoningArgs
}

// DecodeInstruction parses instruction data. Strings are decoded without
// their protocol bounds; the processor reports bound violations with their
// own error codes.
func DecodeInstruction(data []byte) (*DecodedInstruction, error) {
	if len(data) < 8 {
		return nil, ErrInstructionMissing
	}
	d := decoder{buf: data, off: 8}
	out := &DecodedInstruction{}

	switch Discriminator(data[:8]) {
	case discRegister:
		out.Name = InstructionRegisterAgent
		out.Register = &RegisterAgentArgs{Name: d.str(-1, nil)}
	case discCommit:
		out.Name = InstructionCommitReasoning
		args := &CommitReasoningArgs{}
		d.fixed(args.CommitmentHash[:])
		args.ActionType = d.str(-1, nil)
		args.Confidence = d.u8()
		args.Nonce = d.u64()
		out.Commit = args
	case discReveal:
		out.Name = InstructionRevealReasoning
		out.Reveal = &RevealReasoningArgs{ReasoningURI: d.str(-1, nil)}
	default:
		return nil, ErrInstructionUnknown.With("discriminator %x", data[:8])
	}

	if d.err != nil {
		return nil, ErrInstructionDidNotDecode.With("%s: %v", out.Name, d.err)
	}
	if d.remaining() != 0 {
		return nil, ErrInstructionDidNotDecode.With("%s: %d trailing bytes", out.Name, d.remaining())
	}
	return out, nil
}

// InstructionName returns the instruction name for data, or "unknown".
func InstructionName(data []byte) string {
	if len(data) < 8 {
		return "unknown"
	}
	switch Discriminator(data[:8]) {
	case discRegister:
		return InstructionRegisterAgent
	case discCommit:
		return InstructionCommitReasoning
	case discReveal:
		return InstructionRevealReasoning
	default:
		return "unknown"
	}
}

// RegisterAgent builds register_agent for authority.
// Accounts: [agent_profile (w), authority (signer)].
func (p *Program) RegisterAgent(authority pda.Pubkey, name string) (ledger.Instruction, error) {
	agent, _, err := p.AgentAddress(authority)
	if err != nil {
		return ledger.Instruction{}, fmt.Errorf("derive agent address: %w", err)
	}
	return ledger.Instruction{
		ProgramID: p.id,
		Accounts:  []pda.Pubkey{agent, authority},
		Data:      RegisterAgentArgs{Name: name}.Encode(),
	}, nil
}

// CommitReasoning builds commit_reasoning for authority at args.Nonce.
// Accounts: [commitment (w), agent_profile (w), authority (signer)].
func (p *Program) CommitReasoning(authority pda.Pubkey, args CommitReasoningArgs) (ledger.Instruction, error) {
	agent, _, err := p.AgentAddress(authority)
	if err != nil {
		return ledger.Instruction{}, fmt.Errorf("derive agent address: %w", err)
	}
	commitment, _, err := p.CommitmentAddress(agent, args.Nonce)
	if err != nil {
		return ledger.Instruction{}, fmt.Errorf("derive commitment address: %w", err)
	}
	return ledger.Instruction{
		ProgramID: p.id,
		Accounts:  []pda.Pubkey{commitment, agent, authority},
		Data:      args.Encode(),
	}, nil
}

// RevealReasoning builds reveal_reasoning for the commitment at address.
// Accounts: [commitment (w), agent_profile (w), authority (signer)].
func (p *Program) RevealReasoning(authority, commitment pda.Pubkey, uri string) (ledger.Instruction, error) {
	agent, _, err := p.AgentAddress(authority)
	if err != nil {
		return ledger.Instruction{}, fmt.Errorf("derive agent address: %w", err)
	}
	return ledger.Instruction{
		ProgramID: p.id,
		Accounts:  []pda.Pubkey{commitment, agent, authority},
		Data:      RevealReasoningArgs{ReasoningURI: uri}.Encode(),
	}, nil
}
