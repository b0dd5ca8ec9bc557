// Package signer manages the Ed25519 authority keys that sign ledger
// transactions.
package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"

	"solprism/internal/ledger"
	"solprism/internal/pda"
	"solprism/internal/security"
)

// Errors
var (
	ErrInvalidKeyFormat = errors.New("signer: invalid key format")
	ErrUnsupportedKey   = errors.New("signer: unsupported key type (expected Ed25519)")
	ErrKeyDecryption    = errors.New("signer: key is encrypted (passphrase required)")
)

const maxKeyFile = 16 << 10

// Signer holds an authority key.
type Signer struct {
	priv ed25519.PrivateKey
	pub  pda.Pubkey
}

// New wraps an existing private key.
func New(priv ed25519.PrivateKey) *Signer {
	return &Signer{priv: priv, pub: pda.PubkeyFromEd25519(priv.Public().(ed25519.PublicKey))}
}

// Generate creates a fresh random key.
func Generate() (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return New(priv), nil
}

// Pubkey is the authority address.
func (s *Signer) Pubkey() pda.Pubkey {
	return s.pub
}

// PrivateKey returns the underlying key.
func (s *Signer) PrivateKey() ed25519.PrivateKey {
	return s.priv
}

// Sign builds and signs a transaction carrying ix.
func (s *Signer) Sign(ix ledger.Instruction) (*ledger.Transaction, error) {
	tx := ledger.NewTransaction(s.pub, ix)
	if err := tx.Sign(s.priv); err != nil {
		return nil, err
	}
	return tx, nil
}

// Save writes the key in OpenSSH format with mode 0600 and the public key
// in authorized_keys format next to it as path + ".pub".
func (s *Signer) Save(path, comment string) error {
	block, err := ssh.MarshalPrivateKey(s.priv, comment)
	if err != nil {
		return fmt.Errorf("encode private key: %w", err)
	}
	if err := security.WriteSecretFile(path, pem.EncodeToMemory(block)); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(s.priv.Public())
	if err != nil {
		return fmt.Errorf("encode public key: %w", err)
	}
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
	if comment != "" {
		line += " " + comment
	}
	return security.WriteFileAtomic(path+".pub", []byte(line+"\n"), security.PermPublicFile)
}

// Load reads a private key file. Accepted forms are a raw 32-byte seed,
// a raw 64-byte private key and OpenSSH PEM. The file must not be group
// or world readable.
func Load(path string) (*Signer, error) {
	data, err := security.ReadSecretFile(path, maxKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	priv, err := ParsePrivateKey(data)
	if err != nil {
		return nil, err
	}
	return New(priv), nil
}

// ParsePrivateKey decodes key file contents.
func ParsePrivateKey(data []byte) (ed25519.PrivateKey, error) {
	switch len(data) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(data), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(append([]byte(nil), data...)), nil
	}

	if block, _ := pem.Decode(data); block == nil {
		return nil, ErrInvalidKeyFormat
	}
	parsed, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, ErrKeyDecryption
		}
		return nil, fmt.Errorf("parse key: %w", err)
	}
	return ed25519Key(parsed)
}

// LoadWithPassphrase reads a passphrase-protected OpenSSH key.
func LoadWithPassphrase(path string, passphrase []byte) (*Signer, error) {
	data, err := security.ReadSecretFile(path, maxKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	parsed, err := ssh.ParseRawPrivateKeyWithPassphrase(data, passphrase)
	if err != nil {
		return nil, fmt.Errorf("parse key: %w", err)
	}
	priv, err := ed25519Key(parsed)
	if err != nil {
		return nil, err
	}
	return New(priv), nil
}

func ed25519Key(parsed any) (ed25519.PrivateKey, error) {
	switch k := parsed.(type) {
	case *ed25519.PrivateKey:
		return *k, nil
	case ed25519.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("%w: got %T", ErrUnsupportedKey, parsed)
	}
}

// LoadPublicKey reads an authority public key: raw 32 bytes, an
// authorized_keys line, or a base58 address.
func LoadPublicKey(path string) (pda.Pubkey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return pda.Pubkey{}, fmt.Errorf("read key: %w", err)
	}
	if len(data) == ed25519.PublicKeySize {
		return pda.PubkeyFromBytes(data)
	}
	if pk, err := pda.ParsePubkey(strings.TrimSpace(string(data))); err == nil {
		return pk, nil
	}

	sshPub, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return pda.Pubkey{}, fmt.Errorf("parse public key: %w", err)
	}
	cpk, ok := sshPub.(ssh.CryptoPublicKey)
	if !ok {
		return pda.Pubkey{}, ErrInvalidKeyFormat
	}
	edPub, ok := cpk.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return pda.Pubkey{}, fmt.Errorf("%w: got %T", ErrUnsupportedKey, cpk.CryptoPublicKey())
	}
	return pda.PubkeyFromEd25519(edPub), nil
}
