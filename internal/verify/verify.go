// Package verify checks candidate reasoning content against the hash
// stored in a commitment. A mismatch is reported in the Result; errors are
// reserved for failures to look the commitment up or to canonicalize the
// content.
package verify

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"solprism/internal/canonical"
	"solprism/internal/pda"
	"solprism/internal/program"
)

// Errors
var (
	ErrCommitmentNotFound = errors.New("verify: commitment not found")
	ErrBadContent         = errors.New("verify: content cannot be canonicalized")
)

// Source looks up commitments by address. It returns nil, nil when the
// address holds no commitment.
type Source interface {
	Commitment(ctx context.Context, addr pda.Pubkey) (*program.ReasoningCommitment, error)
}

// Result reports one verification.
type Result struct {
	Commitment   pda.Pubkey `json:"commitment"`
	Valid        bool       `json:"valid"`
	ComputedHash string     `json:"computed_hash"`
	StoredHash   string     `json:"stored_hash"`

	Agent        pda.Pubkey `json:"agent"`
	Nonce        uint64     `json:"nonce"`
	ActionType   string     `json:"action_type"`
	Confidence   uint8      `json:"confidence"`
	CommittedAt  time.Time  `json:"committed_at"`
	Revealed     bool       `json:"revealed"`
	ReasoningURI string     `json:"reasoning_uri,omitempty"`

	Error string `json:"error,omitempty"`
}

// HashesEqual compares two hashes in constant time.
func HashesEqual(a, b [32]byte) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// VerifyHash compares the canonical hash of content with stored.
func VerifyHash(stored [32]byte, content any) (valid bool, computed [32]byte, err error) {
	computed, err = canonical.Hash(content)
	if err != nil {
		return false, computed, fmt.Errorf("%w: %v", ErrBadContent, err)
	}
	return HashesEqual(computed, stored), computed, nil
}

// Verify loads the commitment at addr and checks content against it.
func Verify(ctx context.Context, src Source, addr pda.Pubkey, content any) (*Result, error) {
	c, err := src.Commitment(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("load commitment %s: %w", addr, err)
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrCommitmentNotFound, addr)
	}
	return Against(addr, c, content)
}

// Against checks content against an already loaded commitment.
func Against(addr pda.Pubkey, c *program.ReasoningCommitment, content any) (*Result, error) {
	valid, computed, err := VerifyHash(c.CommitmentHash, content)
	if err != nil {
		return nil, err
	}
	r := &Result{
		Commitment:   addr,
		Valid:        valid,
		ComputedHash: hex.EncodeToString(computed[:]),
		StoredHash:   hex.EncodeToString(c.CommitmentHash[:]),
		Agent:        c.Agent,
		Nonce:        c.Nonce,
		ActionType:   c.ActionType,
		Confidence:   c.Confidence,
		CommittedAt:  time.Unix(c.Timestamp, 0).UTC(),
		Revealed:     c.Revealed,
	}
	if c.ReasoningURI != nil {
		r.ReasoningURI = *c.ReasoningURI
	}
	return r, nil
}

// Item is one entry of a batch.
type Item struct {
	Commitment pda.Pubkey
	Content    any
}

// VerifyBatch verifies items with at most concurrency lookups in flight.
// Per-item failures are recorded in Result.Error; the returned error is
// only set when ctx is done.
func VerifyBatch(ctx context.Context, src Source, items []Item, concurrency int) ([]Result, error) {
	if concurrency <= 0 {
		concurrency = 4
	}
	results := make([]Result, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, item := range items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := Verify(gctx, src, item.Commitment, item.Content)
			if err != nil {
				results[i] = Result{Commitment: item.Commitment, Error: err.Error()}
				return nil
			}
			results[i] = *r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// WriteText renders r for terminals.
func (r *Result) WriteText(w io.Writer) error {
	status := "MISMATCH"
	if r.Valid {
		status = "VALID"
	}
	if r.Error != "" {
		status = "ERROR"
	}
	_, err := fmt.Fprintf(w, "%s  %s\n", status, r.Commitment)
	if err != nil {
		return err
	}
	if r.Error != "" {
		_, err = fmt.Fprintf(w, "  error:     %s\n", r.Error)
		return err
	}
	fmt.Fprintf(w, "  computed:  %s\n", r.ComputedHash)
	fmt.Fprintf(w, "  stored:    %s\n", r.StoredHash)
	fmt.Fprintf(w, "  agent:     %s (nonce %d)\n", r.Agent, r.Nonce)
	fmt.Fprintf(w, "  action:    %s, confidence %d\n", r.ActionType, r.Confidence)
	if r.Revealed {
		_, err = fmt.Fprintf(w, "  revealed:  %s\n", r.ReasoningURI)
	} else {
		_, err = fmt.Fprintln(w, "  revealed:  no")
	}
	return err
}
