package client

import (
	"context"
	"fmt"

	"solprism/internal/pda"
	"solprism/internal/program"
	"solprism/internal/score"
)

// TrustAssessment summarises how far an agent's reasoning can be trusted
// from its reveal history.
type TrustAssessment struct {
	Agent      pda.Pubkey            `json:"agent"`
	Authority  pda.Pubkey            `json:"authority"`
	Level      score.TrustLevel      `json:"trust_level"`
	Score      uint16                `json:"accountability_score"`
	Profile    *program.AgentProfile `json:"profile,omitempty"`
	Reason     string                `json:"reason"`
	Registered bool                  `json:"registered"`
}

// Assess rates the agent registered by authority. Unregistered authorities
// are unrated rather than an error.
func Assess(ctx context.Context, backend Backend, prog *program.Program, authority pda.Pubkey) (*TrustAssessment, error) {
	agent, _, err := prog.AgentAddress(authority)
	if err != nil {
		return nil, fmt.Errorf("derive agent address: %w", err)
	}
	a, err := backend.Agent(ctx, agent)
	if err != nil {
		return nil, fmt.Errorf("read agent: %w", err)
	}

	out := &TrustAssessment{Agent: agent, Authority: authority, Level: score.TrustUnrated}
	if a == nil {
		out.Reason = "no agent registered for authority"
		return out, nil
	}
	out.Registered = true
	out.Profile = a
	out.Score = a.Score()
	out.Level = a.TrustLevel()
	if a.TotalCommitments == 0 {
		out.Reason = "no commitments yet"
		return out, nil
	}
	out.Reason = fmt.Sprintf("revealed %d of %d commitments (%.2f%%)",
		a.TotalVerified, a.TotalCommitments, score.Percent(out.Score))
	return out, nil
}
