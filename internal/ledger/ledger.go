// Package ledger provides the account storage and transaction model that the
// reasoning program executes against.
//
// All writes happen inside Store.Update, which applies every account change
// and the journal entry of one transaction atomically, or none of them.
// Updates are serialized, so preconditions read inside the callback hold
// when the writes are applied.
package ledger

import (
	"context"
	"errors"

	"solprism/internal/pda"
)

// Errors
var (
	ErrAccountExists   = errors.New("ledger: account already exists")
	ErrAccountNotFound = errors.New("ledger: account not found")
	ErrJournalSealed   = errors.New("ledger: journal entry already appended in this update")
	ErrClosed          = errors.New("ledger: store is closed")
)

// Account is a program-owned record at a derived address.
type Account struct {
	Address pda.Pubkey
	Owner   pda.Pubkey
	Data    []byte

	// Slot is the journal slot of the last write.
	Slot uint64
}

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	c.Data = append([]byte(nil), a.Data...)
	return &c
}

// Reader reads accounts. Get returns nil, nil when no account exists at addr.
type Reader interface {
	Get(addr pda.Pubkey) (*Account, error)
}

// Tx is the write view handed to Store.Update. Reads observe earlier writes
// of the same update.
type Tx interface {
	Reader

	// Create stores a new account. It fails with ErrAccountExists when the
	// address is taken.
	Create(acct *Account) error

	// Put overwrites an existing account. It fails with ErrAccountNotFound
	// when the address is empty.
	Put(acct *Account) error

	// Append seals entry onto the journal chain. At most one entry may be
	// appended per update.
	Append(entry *JournalEntry) error

	// Slot is the slot this update will occupy if it commits.
	Slot() uint64
}

// Head identifies the tip of the journal.
type Head struct {
	Slot uint64
	Hash [32]byte
}

// Stats summarizes store contents.
type Stats struct {
	Accounts int
	Head     Head
}

// Store is a transactional account store.
type Store interface {
	// View runs fn against a consistent snapshot.
	View(ctx context.Context, fn func(r Reader) error) error

	// Update runs fn and commits its writes only if it returns nil.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// Head returns the journal tip. Slot 0 means an empty journal.
	Head(ctx context.Context) (Head, error)

	// Journal returns up to limit entries starting at slot from.
	Journal(ctx context.Context, from uint64, limit int) ([]JournalEntry, error)

	// Stats returns account count and journal tip.
	Stats(ctx context.Context) (Stats, error)

	Close() error
}
