package ledger

import (
	"context"
	"sync"

	"solprism/internal/pda"
)

// MemoryStore keeps accounts and the journal in memory. It is safe for
// concurrent use; updates are serialized by a single writer lock.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[pda.Pubkey]*Account
	journal  []JournalEntry
	closed   bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[pda.Pubkey]*Account)}
}

type memReader struct {
	s *MemoryStore
}

func (r memReader) Get(addr pda.Pubkey) (*Account, error) {
	return r.s.accounts[addr].Clone(), nil
}

// View implements Store.
func (s *MemoryStore) View(ctx context.Context, fn func(r Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return fn(memReader{s})
}

type memTx struct {
	s      *MemoryStore
	slot   uint64
	writes map[pda.Pubkey]*Account
	entry  *JournalEntry
}

func (tx *memTx) Get(addr pda.Pubkey) (*Account, error) {
	if a, ok := tx.writes[addr]; ok {
		return a.Clone(), nil
	}
	return tx.s.accounts[addr].Clone(), nil
}

func (tx *memTx) Create(acct *Account) error {
	existing, _ := tx.Get(acct.Address)
	if existing != nil {
		return ErrAccountExists
	}
	c := acct.Clone()
	c.Slot = tx.slot
	tx.writes[acct.Address] = c
	return nil
}

func (tx *memTx) Put(acct *Account) error {
	existing, _ := tx.Get(acct.Address)
	if existing == nil {
		return ErrAccountNotFound
	}
	c := acct.Clone()
	c.Slot = tx.slot
	tx.writes[acct.Address] = c
	return nil
}

func (tx *memTx) Append(entry *JournalEntry) error {
	if tx.entry != nil {
		return ErrJournalSealed
	}
	entry.seal(tx.s.head())
	e := *entry
	tx.entry = &e
	return nil
}

func (tx *memTx) Slot() uint64 { return tx.slot }

// head must be called with s.mu held.
func (s *MemoryStore) head() Head {
	if len(s.journal) == 0 {
		return Head{}
	}
	last := s.journal[len(s.journal)-1]
	return Head{Slot: last.Slot, Hash: last.Hash}
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tx := &memTx{
		s:      s,
		slot:   s.head().Slot + 1,
		writes: make(map[pda.Pubkey]*Account),
	}
	if err := fn(tx); err != nil {
		return err
	}

	for addr, a := range tx.writes {
		s.accounts[addr] = a
	}
	if tx.entry != nil {
		s.journal = append(s.journal, *tx.entry)
	}
	return nil
}

// Head implements Store.
func (s *MemoryStore) Head(ctx context.Context) (Head, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head(), nil
}

// Journal implements Store.
func (s *MemoryStore) Journal(ctx context.Context, from uint64, limit int) ([]JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if from == 0 {
		from = 1
	}
	var out []JournalEntry
	for i := from - 1; i < uint64(len(s.journal)); i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, s.journal[i])
	}
	return out, nil
}

// Stats implements Store.
func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Accounts: len(s.accounts), Head: s.head()}, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
