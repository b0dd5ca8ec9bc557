package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mr-tron/base58"

	"solprism/internal/pda"
)

// ErrJournalBroken is returned when the journal hash chain does not verify.
var ErrJournalBroken = errors.New("ledger: journal chain broken")

const journalDomain = "solprism-journal-v1"

// JournalEntry records one applied transaction. Entries form a hash chain:
// each Hash covers the previous entry's Hash, so rewriting history changes
// every later hash.
type JournalEntry struct {
	Slot        uint64
	Signature   [64]byte
	Signer      pda.Pubkey
	Instruction string
	DataHash    [32]byte
	TimestampNs int64
	PrevHash    [32]byte
	Hash        [32]byte
}

// ComputeHash returns the chained hash of e. Hash itself is not an input.
func (e *JournalEntry) ComputeHash() [32]byte {
	h := sha256.New()
	h.Write([]byte(journalDomain))

	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], e.Slot)
	h.Write(u64[:])
	h.Write(e.PrevHash[:])
	h.Write(e.Signature[:])
	h.Write(e.Signer[:])

	binary.BigEndian.PutUint32(u64[:4], uint32(len(e.Instruction)))
	h.Write(u64[:4])
	h.Write([]byte(e.Instruction))

	h.Write(e.DataHash[:])
	binary.BigEndian.PutUint64(u64[:], uint64(e.TimestampNs))
	h.Write(u64[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// seal links e to head and fills Slot, PrevHash and Hash.
func (e *JournalEntry) seal(head Head) {
	e.Slot = head.Slot + 1
	e.PrevHash = head.Hash
	e.Hash = e.ComputeHash()
}

// VerifyChain checks that entries are consecutive and correctly chained.
// prev is the head the first entry must link to.
func VerifyChain(prev Head, entries []JournalEntry) error {
	for i := range entries {
		e := &entries[i]
		if e.Slot != prev.Slot+1 {
			return fmt.Errorf("%w: slot %d follows %d", ErrJournalBroken, e.Slot, prev.Slot)
		}
		if !bytes.Equal(e.PrevHash[:], prev.Hash[:]) {
			return fmt.Errorf("%w: slot %d prev hash mismatch", ErrJournalBroken, e.Slot)
		}
		if got := e.ComputeHash(); got != e.Hash {
			return fmt.Errorf("%w: slot %d hash mismatch", ErrJournalBroken, e.Slot)
		}
		prev = Head{Slot: e.Slot, Hash: e.Hash}
	}
	return nil
}

type journalJSON struct {
	Slot        uint64     `json:"slot"`
	Signature   string     `json:"signature"`
	Signer      pda.Pubkey `json:"signer"`
	Instruction string     `json:"instruction"`
	DataHash    string     `json:"data_hash"`
	Time        time.Time  `json:"time"`
	PrevHash    string     `json:"prev_hash"`
	Hash        string     `json:"hash"`
}

// MarshalJSON renders hashes as hex and the signature as base58.
func (e JournalEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal(journalJSON{
		Slot:        e.Slot,
		Signature:   base58.Encode(e.Signature[:]),
		Signer:      e.Signer,
		Instruction: e.Instruction,
		DataHash:    hex.EncodeToString(e.DataHash[:]),
		Time:        time.Unix(0, e.TimestampNs).UTC(),
		PrevHash:    hex.EncodeToString(e.PrevHash[:]),
		Hash:        hex.EncodeToString(e.Hash[:]),
	})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (e *JournalEntry) UnmarshalJSON(data []byte) error {
	var j journalJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	sig, err := base58.Decode(j.Signature)
	if err != nil || len(sig) != len(e.Signature) {
		return fmt.Errorf("journal entry %d: bad signature", j.Slot)
	}
	out := JournalEntry{
		Slot:        j.Slot,
		Signer:      j.Signer,
		Instruction: j.Instruction,
		TimestampNs: j.Time.UnixNano(),
	}
	copy(out.Signature[:], sig)
	for _, f := range []struct {
		dst *[32]byte
		src string
	}{{&out.DataHash, j.DataHash}, {&out.PrevHash, j.PrevHash}, {&out.Hash, j.Hash}} {
		b, err := hex.DecodeString(f.src)
		if err != nil || len(b) != 32 {
			return fmt.Errorf("journal entry %d: bad hash %q", j.Slot, f.src)
		}
		copy(f.dst[:], b)
	}
	*e = out
	return nil
}
