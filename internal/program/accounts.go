package program

import (
	"errors"

	"solprism/internal/pda"
	"solprism/internal/score"
)

// Allocated sizes, discriminator included. Records are stored zero-padded
// to these sizes so a reveal never grows the account.
const (
	AgentProfileSpace = 8 + 32 + (4 + MaxNameLen) + 8 + 8 + 2 + 8 + 1
	CommitmentSpace   = 8 + 32 + 32 + 32 + (4 + MaxActionTypeLen) + 1 + 8 + 8 + 1 + (1 + 4 + MaxURILen) + 1
)

// AgentProfile is the registry entry of one authority.
type AgentProfile struct {
	Authority        pda.Pubkey `json:"authority"`
	Name             string     `json:"name"`
	TotalCommitments uint64     `json:"total_commitments"`
	TotalVerified    uint64     `json:"total_verified"`

	// AccountabilityScore caches score.Compute over the two counters.
	AccountabilityScore uint16 `json:"accountability_score"`

	CreatedAt int64 `json:"created_at"`
	Bump      uint8 `json:"bump"`
}

// Score recomputes the accountability score from the counters.
func (a *AgentProfile) Score() uint16 {
	return score.Compute(a.TotalVerified, a.TotalCommitments)
}

// TrustLevel buckets the agent by score.
func (a *AgentProfile) TrustLevel() score.TrustLevel {
	return score.Level(a.TotalVerified, a.TotalCommitments)
}

// MarshalBinary encodes the profile padded to AgentProfileSpace.
func (a *AgentProfile) MarshalBinary() ([]byte, error) {
	e := encoder{buf: make([]byte, 0, AgentProfileSpace)}
	e.raw(discAgentProfile[:])
	e.raw(a.Authority[:])
	e.str(a.Name)
	e.u64(a.TotalCommitments)
	e.u64(a.TotalVerified)
	e.u16(a.AccountabilityScore)
	e.i64(a.CreatedAt)
	e.u8(a.Bump)
	return pad(e.buf, AgentProfileSpace), nil
}

// UnmarshalBinary decodes account data. Trailing padding is ignored.
func (a *AgentProfile) UnmarshalBinary(data []byte) error {
	if err := checkDiscriminator(data, discAgentProfile); err != nil {
		return err
	}
	d := decoder{buf: data, off: 8}
	var out AgentProfile
	d.fixed(out.Authority[:])
	out.Name = d.str(MaxNameLen, errFieldBounds)
	out.TotalCommitments = d.u64()
	out.TotalVerified = d.u64()
	out.AccountabilityScore = d.u16()
	out.CreatedAt = d.i64()
	out.Bump = d.u8()
	if d.err != nil {
		return ErrAccountDidNotDecode.With("%s: %v", AccountAgentProfile, d.err)
	}
	if out.TotalVerified > out.TotalCommitments {
		return ErrAccountDidNotDecode.With("%s: verified exceeds commitments", AccountAgentProfile)
	}
	*a = out
	return nil
}

// ReasoningCommitment binds a reasoning hash to an agent and nonce.
type ReasoningCommitment struct {
	Agent          pda.Pubkey `json:"agent"`
	Authority      pda.Pubkey `json:"authority"`
	CommitmentHash Hash       `json:"commitment_hash"`
	ActionType     string     `json:"action_type"`
	Confidence     uint8      `json:"confidence"`
	Nonce          uint64     `json:"nonce"`
	Timestamp      int64      `json:"timestamp"`
	Revealed       bool       `json:"revealed"`
	ReasoningURI   *string    `json:"reasoning_uri,omitempty"`
	Bump           uint8      `json:"bump"`
}

// MarshalBinary encodes the commitment padded to CommitmentSpace.
func (c *ReasoningCommitment) MarshalBinary() ([]byte, error) {
	e := encoder{buf: make([]byte, 0, CommitmentSpace)}
	e.raw(discCommitment[:])
	e.raw(c.Agent[:])
	e.raw(c.Authority[:])
	e.raw(c.CommitmentHash[:])
	e.str(c.ActionType)
	e.u8(c.Confidence)
	e.u64(c.Nonce)
	e.i64(c.Timestamp)
	e.boolean(c.Revealed)
	e.optStr(c.ReasoningURI)
	e.u8(c.Bump)
	return pad(e.buf, CommitmentSpace), nil
}

// UnmarshalBinary decodes account data and checks the reveal invariant:
// a URI is present exactly when the record is revealed.
func (c *ReasoningCommitment) UnmarshalBinary(data []byte) error {
	if err := checkDiscriminator(data, discCommitment); err != nil {
		return err
	}
	d := decoder{buf: data, off: 8}
	var out ReasoningCommitment
	d.fixed(out.Agent[:])
	d.fixed(out.Authority[:])
	d.fixed(out.CommitmentHash[:])
	out.ActionType = d.str(MaxActionTypeLen, errFieldBounds)
	out.Confidence = d.u8()
	out.Nonce = d.u64()
	out.Timestamp = d.i64()
	out.Revealed = d.boolean()
	out.ReasoningURI = d.optStr(MaxURILen, errFieldBounds)
	out.Bump = d.u8()
	if d.err != nil {
		return ErrAccountDidNotDecode.With("%s: %v", AccountReasoningCommitment, d.err)
	}
	if out.Confidence > MaxConfidence {
		return ErrAccountDidNotDecode.With("%s: confidence %d", AccountReasoningCommitment, out.Confidence)
	}
	if out.Revealed != (out.ReasoningURI != nil) {
		return ErrAccountDidNotDecode.With("%s: revealed flag and URI disagree", AccountReasoningCommitment)
	}
	*c = out
	return nil
}

var errFieldBounds = errors.New("field exceeds bound")

func checkDiscriminator(data []byte, want Discriminator) error {
	if len(data) < len(want) {
		return ErrAccountDiscriminator.With("account data too short")
	}
	if Discriminator(data[:8]) != want {
		return ErrAccountDiscriminator
	}
	return nil
}

func pad(b []byte, size int) []byte {
	if len(b) >= size {
		return b
	}
	return append(b, make([]byte, size-len(b))...)
}
