package pda

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// PubkeySize is the length of an address or public key in bytes.
const PubkeySize = 32

// ErrInvalidPubkey is returned when text or bytes do not encode a 32-byte key.
var ErrInvalidPubkey = errors.New("pda: invalid public key")

// Pubkey is a 32-byte account address or ed25519 public key. Its text form is
// base58.
type Pubkey [PubkeySize]byte

// PubkeyFromBytes copies b into a Pubkey.
func PubkeyFromBytes(b []byte) (Pubkey, error) {
	var p Pubkey
	if len(b) != PubkeySize {
		return p, fmt.Errorf("%w: got %d bytes", ErrInvalidPubkey, len(b))
	}
	copy(p[:], b)
	return p, nil
}

// PubkeyFromEd25519 converts an ed25519 public key.
func PubkeyFromEd25519(k ed25519.PublicKey) Pubkey {
	var p Pubkey
	copy(p[:], k)
	return p
}

// ParsePubkey decodes a base58 address.
func ParsePubkey(s string) (Pubkey, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return Pubkey{}, fmt.Errorf("%w: %v", ErrInvalidPubkey, err)
	}
	return PubkeyFromBytes(b)
}

// MustParsePubkey is ParsePubkey for constants. It panics on bad input.
func MustParsePubkey(s string) Pubkey {
	p, err := ParsePubkey(s)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the base58 encoding.
func (p Pubkey) String() string {
	return base58.Encode(p[:])
}

// Bytes returns a copy of the key bytes.
func (p Pubkey) Bytes() []byte {
	b := make([]byte, PubkeySize)
	copy(b, p[:])
	return b
}

// Ed25519 returns the key as an ed25519 public key.
func (p Pubkey) Ed25519() ed25519.PublicKey {
	return ed25519.PublicKey(p.Bytes())
}

// IsZero reports whether every byte is zero.
func (p Pubkey) IsZero() bool {
	return p == Pubkey{}
}

// MarshalText implements encoding.TextMarshaler.
func (p Pubkey) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Pubkey) UnmarshalText(text []byte) error {
	parsed, err := ParsePubkey(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
