package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"

	"solprism/internal/ledger"
	"solprism/internal/pda"
)

func TestGenerateSaveLoad(t *testing.T) {
	dir := t.TempDir()
	s, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	keyPath := filepath.Join(dir, "authority.key")
	if err := s.Save(keyPath, "agent@test"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(keyPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Pubkey() != s.Pubkey() {
		t.Errorf("pubkey mismatch: %s != %s", loaded.Pubkey(), s.Pubkey())
	}
	if !loaded.PrivateKey().Equal(s.PrivateKey()) {
		t.Error("private key mismatch")
	}

	pub, err := LoadPublicKey(keyPath + ".pub")
	if err != nil {
		t.Fatalf("LoadPublicKey: %v", err)
	}
	if pub != s.Pubkey() {
		t.Error("public key file does not match")
	}

	data, err := os.ReadFile(keyPath + ".pub")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(strings.TrimSpace(string(data)), "agent@test") {
		t.Errorf("comment missing from %q", data)
	}
}

func TestLoadRawSeed(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		t.Fatal(err)
	}
	keyPath := filepath.Join(t.TempDir(), "seed.key")
	if err := os.WriteFile(keyPath, seed, 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := Load(keyPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := ed25519.NewKeyFromSeed(seed)
	if !s.PrivateKey().Equal(want) {
		t.Error("seed did not expand to the expected key")
	}
}

func TestLoadRawPrivateKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	keyPath := filepath.Join(t.TempDir(), "raw.key")
	if err := os.WriteFile(keyPath, priv, 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := Load(keyPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !s.PrivateKey().Equal(priv) {
		t.Error("loaded key doesn't match original")
	}
}

func TestLoadPublicKeyForms(t *testing.T) {
	dir := t.TempDir()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	want := pda.PubkeyFromEd25519(pub)

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	forms := map[string][]byte{
		"raw":        pub,
		"base58":     []byte(want.String() + "\n"),
		"authorized": ssh.MarshalAuthorizedKey(sshPub),
	}
	for name, data := range forms {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".pub")
			if err := os.WriteFile(path, data, 0o644); err != nil {
				t.Fatal(err)
			}
			got, err := LoadPublicKey(path)
			if err != nil {
				t.Fatalf("LoadPublicKey: %v", err)
			}
			if got != want {
				t.Errorf("got %s, want %s", got, want)
			}
		})
	}
}

func TestLoadInvalidKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "junk.key")
	if err := os.WriteFile(keyPath, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(keyPath); !errors.Is(err, ErrInvalidKeyFormat) {
		t.Errorf("expected ErrInvalidKeyFormat, got %v", err)
	}
}

func TestLoadEncryptedKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte("hunter2"))
	if err != nil {
		t.Fatal(err)
	}
	keyPath := filepath.Join(t.TempDir(), "enc.key")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(keyPath); !errors.Is(err, ErrKeyDecryption) {
		t.Fatalf("expected ErrKeyDecryption, got %v", err)
	}
	s, err := LoadWithPassphrase(keyPath, []byte("hunter2"))
	if err != nil {
		t.Fatalf("LoadWithPassphrase: %v", err)
	}
	if !s.PrivateKey().Equal(priv) {
		t.Error("decrypted key mismatch")
	}
}

func TestSignTransaction(t *testing.T) {
	s, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	tx, err := s.Sign(ledger.Instruction{ProgramID: pda.Pubkey{1}, Data: []byte("data")})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if tx.Signer != s.Pubkey() {
		t.Error("signer not set")
	}
	if err := tx.Verify(); err != nil {
		t.Errorf("Verify: %v", err)
	}
}
