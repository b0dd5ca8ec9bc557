package ledger

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/mr-tron/base58"

	"solprism/internal/pda"
)

// Limits on a single transaction.
const (
	MaxAccounts = 16
	MaxDataLen  = 2048
)

const txMagic = "solprism-tx-v1"

// Errors
var (
	ErrMalformedTransaction = errors.New("ledger: malformed transaction")
	ErrSignerMismatch       = errors.New("ledger: private key does not match signer")
	ErrBadSignature         = errors.New("ledger: signature verification failed")
)

// Instruction addresses a program with an ordered account list and opaque
// argument bytes.
type Instruction struct {
	ProgramID pda.Pubkey
	Accounts  []pda.Pubkey
	Data      []byte
}

// Transaction is a single instruction signed by one authority. The signer
// is the only principal the program trusts.
type Transaction struct {
	Signer      pda.Pubkey
	Instruction Instruction
	Signature   [ed25519.SignatureSize]byte
}

// NewTransaction returns an unsigned transaction.
func NewTransaction(signer pda.Pubkey, ix Instruction) *Transaction {
	return &Transaction{Signer: signer, Instruction: ix}
}

// Message returns the bytes covered by the signature:
//
//	magic || signer || program_id || u8 n || n*account || u32le len || data
func (t *Transaction) Message() []byte {
	var buf bytes.Buffer
	buf.WriteString(txMagic)
	buf.Write(t.Signer[:])
	buf.Write(t.Instruction.ProgramID[:])
	buf.WriteByte(byte(len(t.Instruction.Accounts)))
	for _, a := range t.Instruction.Accounts {
		buf.Write(a[:])
	}
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(t.Instruction.Data)))
	buf.Write(n[:])
	buf.Write(t.Instruction.Data)
	return buf.Bytes()
}

// Sign signs the message with priv, which must belong to Signer.
func (t *Transaction) Sign(priv ed25519.PrivateKey) error {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok || !bytes.Equal(pub, t.Signer[:]) {
		return ErrSignerMismatch
	}
	if err := t.validate(); err != nil {
		return err
	}
	copy(t.Signature[:], ed25519.Sign(priv, t.Message()))
	return nil
}

// Verify checks shape limits and the signature.
func (t *Transaction) Verify() error {
	if err := t.validate(); err != nil {
		return err
	}
	if !ed25519.Verify(t.Signer.Ed25519(), t.Message(), t.Signature[:]) {
		return ErrBadSignature
	}
	return nil
}

func (t *Transaction) validate() error {
	if len(t.Instruction.Accounts) > MaxAccounts {
		return fmt.Errorf("%w: %d accounts", ErrMalformedTransaction, len(t.Instruction.Accounts))
	}
	if len(t.Instruction.Data) > MaxDataLen {
		return fmt.Errorf("%w: %d data bytes", ErrMalformedTransaction, len(t.Instruction.Data))
	}
	return nil
}

// ID is the base58 signature, unique per signed transaction.
func (t *Transaction) ID() string {
	return base58.Encode(t.Signature[:])
}

// MarshalBinary encodes the message followed by the signature.
func (t *Transaction) MarshalBinary() ([]byte, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	msg := t.Message()
	out := make([]byte, 0, len(msg)+ed25519.SignatureSize)
	out = append(out, msg...)
	out = append(out, t.Signature[:]...)
	return out, nil
}

// UnmarshalBinary decodes the MarshalBinary form. The signature is not
// checked; call Verify.
func (t *Transaction) UnmarshalBinary(b []byte) error {
	r := bytes.NewReader(b)
	fail := func(what string) error {
		return fmt.Errorf("%w: %s", ErrMalformedTransaction, what)
	}
	read := func(p []byte) bool {
		_, err := io.ReadFull(r, p)
		return err == nil
	}

	magic := make([]byte, len(txMagic))
	if !read(magic) || string(magic) != txMagic {
		return fail("bad magic")
	}

	var out Transaction
	if !read(out.Signer[:]) {
		return fail("short signer")
	}
	if !read(out.Instruction.ProgramID[:]) {
		return fail("short program id")
	}
	count, err := r.ReadByte()
	if err != nil {
		return fail("missing account count")
	}
	if int(count) > MaxAccounts {
		return fail("too many accounts")
	}
	out.Instruction.Accounts = make([]pda.Pubkey, count)
	for i := range out.Instruction.Accounts {
		if !read(out.Instruction.Accounts[i][:]) {
			return fail("short account")
		}
	}
	var lenBuf [4]byte
	if !read(lenBuf[:]) {
		return fail("missing data length")
	}
	dataLen := binary.LittleEndian.Uint32(lenBuf[:])
	if dataLen > MaxDataLen || int(dataLen) > r.Len() {
		return fail("bad data length")
	}
	out.Instruction.Data = make([]byte, dataLen)
	if !read(out.Instruction.Data) {
		return fail("short data")
	}
	if !read(out.Signature[:]) {
		return fail("short signature")
	}
	if r.Len() != 0 {
		return fail("trailing bytes")
	}

	*t = out
	return nil
}
