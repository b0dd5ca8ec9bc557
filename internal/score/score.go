// Package score computes the accountability score of an agent.
//
// The score is a projection of two counters kept on the agent profile: how
// many commitments the agent made and how many it later revealed. It is never
// stored as ground truth; any cached copy must equal Compute on the counters.
package score

import "math/bits"

// Max is a perfect score in basis points.
const Max = 10000

// Compute returns verified/commitments in basis points, truncated. It returns
// 0 when there are no commitments. A verified count above the commitment count
// cannot arise from the ledger; it is clamped so the result stays in [0, Max].
func Compute(verified, commitments uint64) uint16 {
	if commitments == 0 {
		return 0
	}
	if verified >= commitments {
		return Max
	}
	hi, lo := bits.Mul64(verified, Max)
	q, _ := bits.Div64(hi, lo, commitments)
	return uint16(q)
}

// Percent renders a basis-point score as a percentage.
func Percent(bps uint16) float64 {
	return float64(bps) / 100
}

// TrustLevel buckets a score for display.
type TrustLevel string

const (
	TrustUnrated TrustLevel = "unrated"
	TrustLow     TrustLevel = "low"
	TrustMedium  TrustLevel = "medium"
	TrustHigh    TrustLevel = "high"
)

// Thresholds in basis points.
const (
	HighThreshold   = 8000
	MediumThreshold = 4000
)

// Level buckets an agent by its counters. Agents that never committed are
// unrated rather than low.
func Level(verified, commitments uint64) TrustLevel {
	if commitments == 0 {
		return TrustUnrated
	}
	s := Compute(verified, commitments)
	switch {
	case s >= HighThreshold:
		return TrustHigh
	case s >= MediumThreshold:
		return TrustMedium
	default:
		return TrustLow
	}
}
