package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"solprism/internal/pda"
)

// migration is one forward-only schema step.
type migration struct {
	Version     int
	Description string
	Up          string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "accounts and journal",
		Up: `
CREATE TABLE IF NOT EXISTS accounts (
    address     BLOB PRIMARY KEY,
    owner       BLOB NOT NULL,
    data        BLOB NOT NULL,
    slot        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS journal (
    slot            INTEGER PRIMARY KEY,
    signature       BLOB NOT NULL UNIQUE,
    signer          BLOB NOT NULL,
    instruction     TEXT NOT NULL,
    data_hash       BLOB NOT NULL,
    timestamp_ns    INTEGER NOT NULL,
    prev_hash       BLOB NOT NULL,
    hash            BLOB NOT NULL
);
`,
	},
	{
		Version:     2,
		Description: "index accounts by owner and journal by signer",
		Up: `
CREATE INDEX IF NOT EXISTS idx_accounts_owner ON accounts(owner);
CREATE INDEX IF NOT EXISTS idx_journal_signer ON journal(signer, slot);
`,
	},
}

// SQLiteStore persists accounts and the journal in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path and applies pending
// migrations. Write transactions take the database lock up front so
// concurrent updates serialize instead of failing on upgrade.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *SQLiteStore) SchemaVersion() (int, error) {
	var v int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v)
	return v, err
}

// queryer is the subset of *sql.DB and *sql.Tx the readers need.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getAccount(ctx context.Context, q queryer, addr pda.Pubkey) (*Account, error) {
	var owner, data []byte
	a := &Account{Address: addr}
	err := q.QueryRowContext(ctx,
		`SELECT owner, data, slot FROM accounts WHERE address = ?`, addr[:],
	).Scan(&owner, &data, &a.Slot)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	copy(a.Owner[:], owner)
	a.Data = data
	return a, nil
}

func getHead(ctx context.Context, q queryer) (Head, error) {
	var h Head
	var hash []byte
	err := q.QueryRowContext(ctx,
		`SELECT slot, hash FROM journal ORDER BY slot DESC LIMIT 1`,
	).Scan(&h.Slot, &hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Head{}, nil
		}
		return Head{}, fmt.Errorf("get journal head: %w", err)
	}
	copy(h.Hash[:], hash)
	return h, nil
}

type sqlReader struct {
	ctx context.Context
	q   queryer
}

func (r sqlReader) Get(addr pda.Pubkey) (*Account, error) {
	return getAccount(r.ctx, r.q, addr)
}

// View implements Store.
func (s *SQLiteStore) View(ctx context.Context, fn func(r Reader) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin read: %w", err)
	}
	defer tx.Rollback()
	return fn(sqlReader{ctx: ctx, q: tx})
}

type sqlTx struct {
	ctx   context.Context
	tx    *sql.Tx
	head  Head
	entry bool
}

func (t *sqlTx) Get(addr pda.Pubkey) (*Account, error) {
	return getAccount(t.ctx, t.tx, addr)
}

func (t *sqlTx) Create(acct *Account) error {
	existing, err := t.Get(acct.Address)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrAccountExists
	}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO accounts (address, owner, data, slot) VALUES (?, ?, ?, ?)`,
		acct.Address[:], acct.Owner[:], acct.Data, t.Slot(),
	)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (t *sqlTx) Put(acct *Account) error {
	res, err := t.tx.ExecContext(t.ctx,
		`UPDATE accounts SET owner = ?, data = ?, slot = ? WHERE address = ?`,
		acct.Owner[:], acct.Data, t.Slot(), acct.Address[:],
	)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (t *sqlTx) Append(entry *JournalEntry) error {
	if t.entry {
		return ErrJournalSealed
	}
	entry.seal(t.head)
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO journal (slot, signature, signer, instruction, data_hash, timestamp_ns, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Slot, entry.Signature[:], entry.Signer[:], entry.Instruction,
		entry.DataHash[:], entry.TimestampNs, entry.PrevHash[:], entry.Hash[:],
	)
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	t.entry = true
	return nil
}

func (t *sqlTx) Slot() uint64 { return t.head.Slot + 1 }

// Update implements Store.
func (s *SQLiteStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	head, err := getHead(ctx, tx)
	if err != nil {
		return err
	}

	if err := fn(&sqlTx{ctx: ctx, tx: tx, head: head}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Head implements Store.
func (s *SQLiteStore) Head(ctx context.Context) (Head, error) {
	return getHead(ctx, s.db)
}

// Journal implements Store.
func (s *SQLiteStore) Journal(ctx context.Context, from uint64, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT slot, signature, signer, instruction, data_hash, timestamp_ns, prev_hash, hash
		FROM journal WHERE slot >= ? ORDER BY slot ASC LIMIT ?`, from, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var sig, signer, dataHash, prev, hash []byte
		if err := rows.Scan(&e.Slot, &sig, &signer, &e.Instruction, &dataHash, &e.TimestampNs, &prev, &hash); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		copy(e.Signature[:], sig)
		copy(e.Signer[:], signer)
		copy(e.DataHash[:], dataHash)
		copy(e.PrevHash[:], prev)
		copy(e.Hash[:], hash)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}
	return out, nil
}

// Stats implements Store.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&st.Accounts); err != nil {
		return Stats{}, fmt.Errorf("count accounts: %w", err)
	}
	head, err := getHead(ctx, s.db)
	if err != nil {
		return Stats{}, err
	}
	st.Head = head
	return st, nil
}

// Ping checks database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
