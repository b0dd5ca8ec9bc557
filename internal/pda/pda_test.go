package pda

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testProgram = MustParsePubkey("EXrW7f72Ymayz9yR2oWrNxNMV6PbMvCjPUL53kgdp6hE")

func randomKey(t *testing.T) Pubkey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return PubkeyFromEd25519(pub)
}

func TestFindAddressIsDeterministic(t *testing.T) {
	authority := randomKey(t)
	seeds := [][]byte{[]byte("agent"), authority[:]}

	a1, b1, err := FindAddress(seeds, testProgram)
	require.NoError(t, err)
	a2, b2, err := FindAddress(seeds, testProgram)
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
	assert.Equal(t, b1, b2)
	assert.False(t, IsOnCurve(a1), "derived address must be off curve")
}

func TestFindAddressMatchesCreateAddress(t *testing.T) {
	authority := randomKey(t)
	seeds := [][]byte{[]byte("agent"), authority[:]}

	addr, bump, err := FindAddress(seeds, testProgram)
	require.NoError(t, err)

	created, err := CreateAddress(append(seeds, []byte{bump}), testProgram)
	require.NoError(t, err)
	assert.Equal(t, addr, created)
}

func TestFindAddressDistinctInputs(t *testing.T) {
	seen := make(map[Pubkey]bool)
	for i := 0; i < 32; i++ {
		authority := randomKey(t)
		addr, _, err := FindAddress([][]byte{[]byte("agent"), authority[:]}, testProgram)
		require.NoError(t, err)
		assert.False(t, seen[addr], "collision at iteration %d", i)
		seen[addr] = true
	}

	agent := randomKey(t)
	for nonce := uint64(0); nonce < 32; nonce++ {
		var le [8]byte
		binary.LittleEndian.PutUint64(le[:], nonce)
		addr, _, err := FindAddress([][]byte{[]byte("commitment"), agent[:], le[:]}, testProgram)
		require.NoError(t, err)
		assert.False(t, seen[addr], "collision at nonce %d", nonce)
		seen[addr] = true
	}
}

func TestFindAddressDependsOnProgram(t *testing.T) {
	authority := randomKey(t)
	seeds := [][]byte{[]byte("agent"), authority[:]}

	a1, _, err := FindAddress(seeds, testProgram)
	require.NoError(t, err)
	a2, _, err := FindAddress(seeds, randomKey(t))
	require.NoError(t, err)
	assert.NotEqual(t, a1, a2)
}

func TestSeedLimits(t *testing.T) {
	_, _, err := FindAddress([][]byte{[]byte(strings.Repeat("x", MaxSeedLen+1))}, testProgram)
	assert.ErrorIs(t, err, ErrMaxSeedLength)

	many := make([][]byte, MaxSeeds+1)
	for i := range many {
		many[i] = []byte{byte(i)}
	}
	_, _, err = FindAddress(many, testProgram)
	assert.ErrorIs(t, err, ErrTooManySeeds)
}

func TestIsOnCurve(t *testing.T) {
	// Every ed25519 public key is a curve point.
	for i := 0; i < 8; i++ {
		assert.True(t, IsOnCurve(randomKey(t)))
	}
}

func TestPubkeyText(t *testing.T) {
	key := randomKey(t)

	parsed, err := ParsePubkey(key.String())
	require.NoError(t, err)
	assert.Equal(t, key, parsed)

	text, err := key.MarshalText()
	require.NoError(t, err)
	var back Pubkey
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, key, back)

	_, err = ParsePubkey("0OIl")
	assert.ErrorIs(t, err, ErrInvalidPubkey)

	_, err = PubkeyFromBytes([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidPubkey)

	assert.True(t, Pubkey{}.IsZero())
	assert.False(t, key.IsZero())
}
