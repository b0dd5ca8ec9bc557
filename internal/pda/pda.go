// Package pda derives program-owned account addresses.
//
// An address is the SHA-256 of the seeds, a one-byte bump, the program ID and
// a fixed marker. The bump is searched from 255 downwards until the digest is
// not a valid ed25519 point, which guarantees no private key exists for the
// address. Every party that knows the seeds can recompute the address without
// consulting an index.
package pda

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
)

const (
	// MaxSeeds is the maximum number of seeds, bump excluded.
	MaxSeeds = 16

	// MaxSeedLen is the maximum length of a single seed in bytes.
	MaxSeedLen = 32

	marker = "ProgramDerivedAddress"
)

// Errors
var (
	ErrMaxSeedLength = errors.New("pda: seed exceeds maximum length")
	ErrTooManySeeds  = errors.New("pda: too many seeds")
	ErrOnCurve       = errors.New("pda: derived address lies on the ed25519 curve")
	ErrNoViableBump  = errors.New("pda: no viable bump seed")
)

// CreateAddress hashes seeds into an address for programID. The last seed is
// normally the bump. It fails with ErrOnCurve when the digest is a valid
// curve point.
func CreateAddress(seeds [][]byte, programID Pubkey) (Pubkey, error) {
	if len(seeds) > MaxSeeds+1 {
		return Pubkey{}, ErrTooManySeeds
	}
	h := sha256.New()
	for _, s := range seeds {
		if len(s) > MaxSeedLen {
			return Pubkey{}, fmt.Errorf("%w: %d bytes", ErrMaxSeedLength, len(s))
		}
		h.Write(s)
	}
	h.Write(programID[:])
	h.Write([]byte(marker))

	var addr Pubkey
	copy(addr[:], h.Sum(nil))
	if IsOnCurve(addr) {
		return Pubkey{}, ErrOnCurve
	}
	return addr, nil
}

// FindAddress returns the first off-curve address for seeds, searching the
// bump from 255 to 0, together with the bump that produced it.
func FindAddress(seeds [][]byte, programID Pubkey) (Pubkey, uint8, error) {
	if len(seeds) > MaxSeeds {
		return Pubkey{}, 0, ErrTooManySeeds
	}
	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)

	bump := []byte{0}
	for b := 255; b >= 0; b-- {
		bump[0] = uint8(b)
		withBump[len(seeds)] = bump
		addr, err := CreateAddress(withBump, programID)
		if err == nil {
			return addr, uint8(b), nil
		}
		if !errors.Is(err, ErrOnCurve) {
			return Pubkey{}, 0, err
		}
	}
	return Pubkey{}, 0, ErrNoViableBump
}

// IsOnCurve reports whether b decodes to a point on the ed25519 curve.
// Non-canonical encodings of valid points count as on-curve.
func IsOnCurve(b Pubkey) bool {
	_, err := new(edwards25519.Point).SetBytes(b[:])
	return err == nil
}
