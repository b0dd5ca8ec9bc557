// Package program implements the reasoning commitment state machine.
//
// Two account types exist. An AgentProfile lives at an address derived from
// its authority and counts the agent's commitments and reveals. A
// ReasoningCommitment lives at an address derived from the agent profile and
// a dense per-agent nonce; it holds a 32-byte hash of the agent's reasoning,
// committed before acting, and is revealed at most once by pointing at the
// full reasoning document.
//
// Instructions:
//
//	register_agent    create the profile for the signer
//	commit_reasoning  create the commitment at the agent's next nonce
//	reveal_reasoning  mark a commitment revealed and store its URI
package program

import (
	"crypto/sha256"
	"encoding/binary"

	"solprism/internal/pda"
)

// DefaultProgramID is the address the program is deployed at unless
// configured otherwise.
var DefaultProgramID = pda.MustParsePubkey("EXrW7f72Ymayz9yR2oWrNxNMV6PbMvCjPUL53kgdp6hE")

// Seed tags.
const (
	AgentSeed      = "agent"
	CommitmentSeed = "commitment"
)

// Field bounds in bytes.
const (
	MaxNameLen       = 64
	MaxActionTypeLen = 32
	MaxURILen        = 256
	MaxConfidence    = 100
)

// Instruction names; the discriminator is SHA-256("global:" + name)[:8].
const (
	InstructionRegisterAgent   = "register_agent"
	InstructionCommitReasoning = "commit_reasoning"
	InstructionRevealReasoning = "reveal_reasoning"
)

// Account type names; the discriminator is SHA-256("account:" + name)[:8].
const (
	AccountAgentProfile        = "AgentProfile"
	AccountReasoningCommitment = "ReasoningCommitment"
)

// Discriminator is the 8-byte tag prefixing instruction and account data.
type Discriminator [8]byte

func discriminator(namespace, name string) Discriminator {
	sum := sha256.Sum256([]byte(namespace + ":" + name))
	var d Discriminator
	copy(d[:], sum[:8])
	return d
}

// InstructionDiscriminator returns the tag for an instruction name.
func InstructionDiscriminator(name string) Discriminator {
	return discriminator("global", name)
}

// AccountDiscriminator returns the tag for an account type name.
func AccountDiscriminator(name string) Discriminator {
	return discriminator("account", name)
}

var (
	discRegister     = InstructionDiscriminator(InstructionRegisterAgent)
	discCommit       = InstructionDiscriminator(InstructionCommitReasoning)
	discReveal       = InstructionDiscriminator(InstructionRevealReasoning)
	discAgentProfile = AccountDiscriminator(AccountAgentProfile)
	discCommitment   = AccountDiscriminator(AccountReasoningCommitment)
)

// Program is the state machine bound to one program ID.
type Program struct {
	id pda.Pubkey
}

// New returns the program deployed at id.
func New(id pda.Pubkey) *Program {
	return &Program{id: id}
}

// ID returns the program address.
func (p *Program) ID() pda.Pubkey {
	return p.id
}

// AgentAddress derives the profile address for authority.
func (p *Program) AgentAddress(authority pda.Pubkey) (pda.Pubkey, uint8, error) {
	return pda.FindAddress([][]byte{[]byte(AgentSeed), authority[:]}, p.id)
}

// CommitmentAddress derives the commitment address for agent at nonce.
func (p *Program) CommitmentAddress(agent pda.Pubkey, nonce uint64) (pda.Pubkey, uint8, error) {
	var le [8]byte
	binary.LittleEndian.PutUint64(le[:], nonce)
	return pda.FindAddress([][]byte{[]byte(CommitmentSeed), agent[:], le[:]}, p.id)
}

// CommitmentAddresses derives the addresses of nonces [0, count). This is
// the bulk-read pattern: no index is needed to enumerate an agent's history.
func (p *Program) CommitmentAddresses(agent pda.Pubkey, count uint64) ([]pda.Pubkey, error) {
	out := make([]pda.Pubkey, 0, count)
	for n := uint64(0); n < count; n++ {
		addr, _, err := p.CommitmentAddress(agent, n)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}
