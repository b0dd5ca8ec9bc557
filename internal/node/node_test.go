package node

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solprism/internal/canonical"
	"solprism/internal/ledger"
	"solprism/internal/logging"
	"solprism/internal/pda"
	"solprism/internal/program"
	"solprism/internal/verify"
)

type wallet struct {
	priv ed25519.PrivateKey
	pub  pda.Pubkey
}

func newWallet(t *testing.T) wallet {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return wallet{priv: priv, pub: pda.PubkeyFromEd25519(pub)}
}

func newNode(t *testing.T, store ledger.Store) *Node {
	t.Helper()
	var logs bytes.Buffer
	logger, err := logging.New(&logging.Config{Level: logging.LevelDebug, Writer: &logs})
	require.NoError(t, err)

	clock := time.Unix(1_750_000_000, 0)
	n, err := New(Config{
		Store:  store,
		Logger: logger,
		Now:    func() time.Time { return clock },
	})
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func signed(t *testing.T, w wallet, ix ledger.Instruction) *ledger.Transaction {
	t.Helper()
	tx := ledger.NewTransaction(w.pub, ix)
	require.NoError(t, tx.Sign(w.priv))
	return tx
}

func (w wallet) register(t *testing.T, n *Node, name string) (*Receipt, error) {
	t.Helper()
	ix, err := n.Program().RegisterAgent(w.pub, name)
	require.NoError(t, err)
	return n.Submit(context.Background(), signed(t, w, ix))
}

func (w wallet) commit(t *testing.T, n *Node, nonce uint64, hash [32]byte) (*Receipt, error) {
	t.Helper()
	ix, err := n.Program().CommitReasoning(w.pub, program.CommitReasoningArgs{
		CommitmentHash: hash, ActionType: "trade", Confidence: 70, Nonce: nonce,
	})
	require.NoError(t, err)
	return n.Submit(context.Background(), signed(t, w, ix))
}

func (w wallet) reveal(t *testing.T, n *Node, commitment pda.Pubkey, uri string) (*Receipt, error) {
	t.Helper()
	ix, err := n.Program().RevealReasoning(w.pub, commitment, uri)
	require.NoError(t, err)
	return n.Submit(context.Background(), signed(t, w, ix))
}

func stores(t *testing.T) map[string]ledger.Store {
	t.Helper()
	sq, err := ledger.OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]ledger.Store{
		"memory": ledger.NewMemoryStore(),
		"sqlite": sq,
	}
}

func TestLifecycle(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			n := newNode(t, store)
			ctx := context.Background()
			w := newWallet(t)

			r, err := w.register(t, n, "alpha")
			require.NoError(t, err)
			assert.Equal(t, uint64(1), r.Slot)
			agentAddr := r.Event.Agent

			r, err = w.commit(t, n, 0, [32]byte{7})
			require.NoError(t, err)
			assert.Equal(t, uint64(2), r.Slot)
			commitAddr := r.Event.Commitment

			_, err = w.commit(t, n, 5, [32]byte{8})
			assert.ErrorIs(t, err, program.ErrInvalidNonce)

			r, err = w.reveal(t, n, commitAddr, "ar://trace")
			require.NoError(t, err)
			assert.Equal(t, uint64(3), r.Slot)

			agent, err := n.Agent(ctx, agentAddr)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), agent.TotalCommitments)
			assert.Equal(t, uint64(1), agent.TotalVerified)
			assert.Equal(t, uint16(10000), agent.AccountabilityScore)
			assert.Equal(t, int64(1_750_000_000), agent.CreatedAt)

			c, err := n.Commitment(ctx, commitAddr)
			require.NoError(t, err)
			assert.True(t, c.Revealed)

			list, err := n.Commitments(ctx, agentAddr)
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, commitAddr, list[0].Address)

			missing, err := n.Commitment(ctx, pda.Pubkey{1})
			require.NoError(t, err)
			assert.Nil(t, missing)

			st, err := n.Status(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(3), st.Slot)
			assert.Equal(t, 2, st.Accounts)
			assert.Equal(t, program.DefaultProgramID, st.ProgramID)

			entries, err := n.Journal(ctx, 1, 10)
			require.NoError(t, err)
			require.Len(t, entries, 3)
			assert.Equal(t, program.InstructionRegisterAgent, entries[0].Instruction)
			assert.Equal(t, program.InstructionRevealReasoning, entries[2].Instruction)
			assert.Equal(t, w.pub, entries[1].Signer)
			require.NoError(t, n.VerifyJournal(ctx))
		})
	}
}

func TestSubmitRejectsBadSignature(t *testing.T) {
	n := newNode(t, ledger.NewMemoryStore())
	w := newWallet(t)

	ix, err := n.Program().RegisterAgent(w.pub, "alpha")
	require.NoError(t, err)
	tx := signed(t, w, ix)
	tx.Instruction.Data = program.RegisterAgentArgs{Name: "mallory"}.Encode()

	_, err = n.Submit(context.Background(), tx)
	assert.ErrorIs(t, err, ledger.ErrBadSignature)
	assert.Equal(t, uint64(1), n.Metrics().TransactionsRejected.Value())

	st, err := n.Status(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Slot)
}

func TestFailedInstructionLeavesNoTrace(t *testing.T) {
	n := newNode(t, ledger.NewMemoryStore())
	w := newWallet(t)
	_, err := w.register(t, n, "alpha")
	require.NoError(t, err)

	_, err = w.register(t, n, "again")
	assert.ErrorIs(t, err, program.ErrAlreadyRegistered)

	entries, err := n.Journal(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, uint64(1), n.Metrics().Instructions.With(program.InstructionRegisterAgent, "AlreadyRegistered").Value())
}

func TestReplayIsRejected(t *testing.T) {
	n := newNode(t, ledger.NewMemoryStore())
	w := newWallet(t)
	_, err := w.register(t, n, "alpha")
	require.NoError(t, err)

	ix, err := n.Program().CommitReasoning(w.pub, program.CommitReasoningArgs{Nonce: 0})
	require.NoError(t, err)
	tx := signed(t, w, ix)
	_, err = n.Submit(context.Background(), tx)
	require.NoError(t, err)
	_, err = n.Submit(context.Background(), tx)
	assert.ErrorIs(t, err, program.ErrInvalidNonce)
}

func TestRacingReveals(t *testing.T) {
	n := newNode(t, ledger.NewMemoryStore())
	w := newWallet(t)
	_, err := w.register(t, n, "alpha")
	require.NoError(t, err)
	r, err := w.commit(t, n, 0, [32]byte{1})
	require.NoError(t, err)

	txs := make([]*ledger.Transaction, 6)
	for i := range txs {
		ix, err := n.Program().RevealReasoning(w.pub, r.Event.Commitment, "ipfs://"+string(rune('a'+i)))
		require.NoError(t, err)
		txs[i] = signed(t, w, ix)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(txs))
	for i, tx := range txs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = n.Submit(context.Background(), tx)
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, program.ErrAlreadyRevealed)
		}
	}
	assert.Equal(t, 1, wins)

	agent, err := n.Agent(context.Background(), r.Event.Agent)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), agent.TotalVerified)
}

func TestSubscribe(t *testing.T) {
	n := newNode(t, ledger.NewMemoryStore())
	sub, err := n.Subscribe()
	require.NoError(t, err)

	w := newWallet(t)
	_, err = w.register(t, n, "alpha")
	require.NoError(t, err)
	_, err = w.commit(t, n, 0, [32]byte{1})
	require.NoError(t, err)

	got := <-sub.C()
	assert.Equal(t, program.EventAgentRegistered, got.Event.Kind)
	got = <-sub.C()
	assert.Equal(t, program.EventReasoningCommitted, got.Event.Kind)
	assert.Equal(t, uint64(2), got.Slot)

	sub.Close()
	_, ok := <-sub.C()
	assert.False(t, ok)
	sub.Close()

	require.NoError(t, n.Close())
	_, err = n.Subscribe()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = w.commit(t, n, 1, [32]byte{2})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestVerifyJournalDetectsGap(t *testing.T) {
	store := &truncatedJournal{MemoryStore: ledger.NewMemoryStore()}
	n := newNode(t, store)
	w := newWallet(t)
	_, err := w.register(t, n, "alpha")
	require.NoError(t, err)
	_, err = w.commit(t, n, 0, [32]byte{1})
	require.NoError(t, err)

	require.NoError(t, n.VerifyJournal(context.Background()))
	store.drop = true
	assert.ErrorIs(t, n.VerifyJournal(context.Background()), ledger.ErrJournalBroken)
}

type truncatedJournal struct {
	*ledger.MemoryStore
	drop bool
}

func (s *truncatedJournal) Journal(ctx context.Context, from uint64, limit int) ([]ledger.JournalEntry, error) {
	entries, err := s.MemoryStore.Journal(ctx, from, limit)
	if !s.drop {
		return entries, err
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.Slot != 2 {
			kept = append(kept, e)
		}
	}
	return kept, err
}

func TestVerifyRecordsOutcome(t *testing.T) {
	n := newNode(t, ledger.NewMemoryStore())
	ctx := context.Background()
	w := newWallet(t)

	content := json.RawMessage(`{"decision":{"actionChosen":"buy","confidence":80},"agent":"alpha"}`)
	hash, err := canonical.Hash(content)
	require.NoError(t, err)

	_, err = w.register(t, n, "alpha")
	require.NoError(t, err)
	r, err := w.commit(t, n, 0, hash)
	require.NoError(t, err)
	addr := r.Event.Commitment

	// key order does not matter
	res, err := n.Verify(ctx, addr, json.RawMessage(`{"agent":"alpha","decision":{"confidence":80,"actionChosen":"buy"}}`))
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, res.StoredHash, res.ComputedHash)

	res, err = n.Verify(ctx, addr, json.RawMessage(`{"agent":"alpha","decision":{"confidence":81,"actionChosen":"buy"}}`))
	require.NoError(t, err)
	assert.False(t, res.Valid)

	_, err = n.Verify(ctx, pda.Pubkey{1}, content)
	assert.ErrorIs(t, err, verify.ErrCommitmentNotFound)

	results, err := n.VerifyBatch(ctx, []verify.Item{
		{Commitment: addr, Content: content},
		{Commitment: pda.Pubkey{1}, Content: content},
	}, 2)
	require.NoError(t, err)
	assert.True(t, results[0].Valid)
	assert.NotEmpty(t, results[1].Error)

	assert.Equal(t, uint64(2), n.Metrics().Verifications.With("valid").Value())
	assert.Equal(t, uint64(1), n.Metrics().Verifications.With("mismatch").Value())
	assert.Equal(t, uint64(2), n.Metrics().Verifications.With("error").Value())
}
