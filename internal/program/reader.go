package program

import (
	"fmt"

	"solprism/internal/ledger"
	"solprism/internal/pda"
)

// loadAgent reads the profile at addr. It returns nil, nil when absent.
func (p *Program) loadAgent(r ledger.Reader, addr pda.Pubkey) (*AgentProfile, error) {
	acct, err := r.Get(addr)
	if err != nil || acct == nil {
		return nil, err
	}
	if acct.Owner != p.id {
		return nil, ErrAccountOwnedByWrongProgram
	}
	var a AgentProfile
	if err := a.UnmarshalBinary(acct.Data); err != nil {
		return nil, err
	}
	return &a, nil
}

// loadCommitment reads the commitment at addr. It returns nil, nil when
// absent.
func (p *Program) loadCommitment(r ledger.Reader, addr pda.Pubkey) (*ReasoningCommitment, error) {
	acct, err := r.Get(addr)
	if err != nil || acct == nil {
		return nil, err
	}
	if acct.Owner != p.id {
		return nil, ErrAccountOwnedByWrongProgram
	}
	var c ReasoningCommitment
	if err := c.UnmarshalBinary(acct.Data); err != nil {
		return nil, err
	}
	return &c, nil
}

// Agent reads the profile at addr; nil, nil when absent.
func (p *Program) Agent(r ledger.Reader, addr pda.Pubkey) (*AgentProfile, error) {
	return p.loadAgent(r, addr)
}

// AgentByAuthority reads the profile registered by authority.
func (p *Program) AgentByAuthority(r ledger.Reader, authority pda.Pubkey) (pda.Pubkey, *AgentProfile, error) {
	addr, _, err := p.AgentAddress(authority)
	if err != nil {
		return pda.Pubkey{}, nil, err
	}
	a, err := p.loadAgent(r, addr)
	return addr, a, err
}

// Commitment reads the commitment at addr; nil, nil when absent.
func (p *Program) Commitment(r ledger.Reader, addr pda.Pubkey) (*ReasoningCommitment, error) {
	return p.loadCommitment(r, addr)
}

// CommitmentEntry pairs a commitment with its address.
type CommitmentEntry struct {
	Address    pda.Pubkey           `json:"address"`
	Commitment *ReasoningCommitment `json:"commitment"`
}

// Commitments enumerates every commitment of the agent at agentAddr by
// deriving the addresses of nonces 0..total_commitments-1.
func (p *Program) Commitments(r ledger.Reader, agentAddr pda.Pubkey) ([]CommitmentEntry, error) {
	agent, err := p.loadAgent(r, agentAddr)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, ErrAgentNotFound
	}

	addrs, err := p.CommitmentAddresses(agentAddr, agent.TotalCommitments)
	if err != nil {
		return nil, err
	}
	out := make([]CommitmentEntry, 0, len(addrs))
	for n, addr := range addrs {
		c, err := p.loadCommitment(r, addr)
		if err != nil {
			return nil, err
		}
		if c == nil {
			return nil, fmt.Errorf("commitment %d of %s missing at %s", n, agentAddr, addr)
		}
		out = append(out, CommitmentEntry{Address: addr, Commitment: c})
	}
	return out, nil
}
