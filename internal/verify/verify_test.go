package verify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solprism/internal/canonical"
	"solprism/internal/pda"
	"solprism/internal/program"
)

type mapSource struct {
	items map[pda.Pubkey]*program.ReasoningCommitment
	calls atomic.Int64
	err   error
}

func (s *mapSource) Commitment(_ context.Context, addr pda.Pubkey) (*program.ReasoningCommitment, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.items[addr], nil
}

func addr(b byte) pda.Pubkey {
	var p pda.Pubkey
	p[0] = b
	return p
}

func fixture(t *testing.T) (*mapSource, map[string]any) {
	t.Helper()
	content := map[string]any{
		"decision": map[string]any{"action": "buy", "confidence": 80},
		"agent":    "alpha",
	}
	hash, err := canonical.Hash(content)
	require.NoError(t, err)
	uri := "ipfs://trace"
	return &mapSource{items: map[pda.Pubkey]*program.ReasoningCommitment{
		addr(1): {Agent: addr(9), CommitmentHash: hash, ActionType: "trade", Confidence: 80, Revealed: true, ReasoningURI: &uri},
		addr(2): {Agent: addr(9), CommitmentHash: [32]byte{0xff}, Nonce: 1},
	}}, content
}

func TestVerifyMatches(t *testing.T) {
	src, content := fixture(t)

	r, err := Verify(context.Background(), src, addr(1), content)
	require.NoError(t, err)
	assert.True(t, r.Valid)
	assert.Equal(t, r.StoredHash, r.ComputedHash)
	assert.Equal(t, "ipfs://trace", r.ReasoningURI)

	// Key order and whitespace do not matter.
	raw := json.RawMessage(`{ "agent":"alpha", "decision":{"confidence":80,"action":"buy"} }`)
	r, err = Verify(context.Background(), src, addr(1), raw)
	require.NoError(t, err)
	assert.True(t, r.Valid)
}

func TestVerifyMismatchIsNotAnError(t *testing.T) {
	src, content := fixture(t)
	content["agent"] = "mallory"

	r, err := Verify(context.Background(), src, addr(1), content)
	require.NoError(t, err)
	assert.False(t, r.Valid)
	assert.NotEqual(t, r.StoredHash, r.ComputedHash)
}

func TestVerifyLookupFailures(t *testing.T) {
	src, content := fixture(t)

	_, err := Verify(context.Background(), src, addr(7), content)
	assert.ErrorIs(t, err, ErrCommitmentNotFound)

	src.err = errors.New("disk on fire")
	_, err = Verify(context.Background(), src, addr(1), content)
	assert.ErrorContains(t, err, "disk on fire")
}

func TestVerifyBadContent(t *testing.T) {
	src, _ := fixture(t)
	_, err := Verify(context.Background(), src, addr(1), json.RawMessage(`{"a":`))
	assert.ErrorIs(t, err, ErrBadContent)
}

func TestVerifyBatch(t *testing.T) {
	src, content := fixture(t)
	items := []Item{
		{Commitment: addr(1), Content: content},
		{Commitment: addr(2), Content: content},
		{Commitment: addr(3), Content: content},
	}

	results, err := VerifyBatch(context.Background(), src, items, 2)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].Valid)
	assert.False(t, results[1].Valid)
	assert.Empty(t, results[1].Error)
	assert.Contains(t, results[2].Error, "not found")
	assert.Equal(t, addr(3), results[2].Commitment)
	assert.Equal(t, int64(3), src.calls.Load())
}

func TestVerifyBatchCancelled(t *testing.T) {
	src, content := fixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := VerifyBatch(ctx, src, []Item{{Commitment: addr(1), Content: content}}, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriteText(t *testing.T) {
	src, content := fixture(t)
	r, err := Verify(context.Background(), src, addr(1), content)
	require.NoError(t, err)

	var b strings.Builder
	require.NoError(t, r.WriteText(&b))
	assert.True(t, strings.HasPrefix(b.String(), "VALID"))
	assert.Contains(t, b.String(), "ipfs://trace")
}
