package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solprism/internal/canonical"
	"solprism/internal/config"
	"solprism/internal/ipc"
	"solprism/internal/ledger"
	"solprism/internal/logging"
	"solprism/internal/node"
	"solprism/internal/program"
)

const traceDoc = `{
  "version": "1.0.0",
  "agent": "alpha",
  "timestamp": 1750000000000,
  "action": {"type": "trade", "description": "swap 10 SOL to USDC"},
  "decision": {"actionChosen": "swap", "confidence": 82}
}`

type harness struct {
	t   *testing.T
	dir string
	cfg *config.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger, err := logging.New(&logging.Config{Writer: &bytes.Buffer{}})
	require.NoError(t, err)
	n, err := node.New(node.Config{Store: ledger.NewMemoryStore(), Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })

	sockDir, err := os.MkdirTemp("", "spc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(sockDir) })

	scfg := ipc.DefaultServerConfig(filepath.Join(sockDir, "d.sock"))
	scfg.ProgramID = n.Program().ID()
	scfg.Events = n
	scfg.Logger = logger
	srv := ipc.NewServer(scfg, ipc.NewNodeHandler(n, "test", logger))
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.IPC.SocketPath = scfg.SocketPath
	cfg.Signing.KeyPath = filepath.Join(dir, "key")
	return &harness{t: t, dir: dir, cfg: cfg}
}

func (h *harness) run(stdin string, args ...string) (string, error) {
	h.t.Helper()
	var out, errOut bytes.Buffer
	a := &app{stdout: &out, stderr: &errOut, stdin: strings.NewReader(stdin), cfg: h.cfg}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := a.run(ctx, args)
	return out.String(), err
}

func (h *harness) write(name, content string) string {
	p := filepath.Join(h.dir, name)
	require.NoError(h.t, os.WriteFile(p, []byte(content), 0600))
	return p
}

func TestCommitRevealVerifyFlow(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("", "keygen")
	require.NoError(t, err)
	assert.Contains(t, out, "authority:")
	_, err = h.run("", "keygen")
	assert.ErrorContains(t, err, "--force")

	_, err = h.run("", "register", "alpha")
	require.NoError(t, err)

	tracePath := h.write("trace.json", traceDoc)
	out, err = h.run("", "--json", "commit", "--trace", tracePath)
	require.NoError(t, err)
	var com struct {
		Address string `json:"address"`
		Nonce   uint64 `json:"nonce"`
		Hash    string `json:"hash"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &com))
	assert.Equal(t, uint64(0), com.Nonce)

	out, err = h.run("", "hash", "--trace", tracePath)
	require.NoError(t, err)
	assert.Equal(t, com.Hash, strings.TrimSpace(out))

	out, err = h.run(traceDoc, "verify", com.Address, "-")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "VALID"))

	tampered := strings.Replace(traceDoc, `"confidence": 82`, `"confidence": 99`, 1)
	out, err = h.run(tampered, "verify", com.Address, "-")
	assert.ErrorIs(t, err, errMismatch)
	assert.Equal(t, 2, exitCode(err))
	assert.True(t, strings.HasPrefix(out, "MISMATCH"))

	out, err = h.run("", "reveal", com.Address, "ipfs://bafy")
	require.NoError(t, err)
	assert.Contains(t, out, "100.00%")

	_, err = h.run("", "reveal", com.Address, "ipfs://again")
	assert.ErrorIs(t, err, program.ErrAlreadyRevealed)

	out, err = h.run("", "agent")
	require.NoError(t, err)
	assert.Contains(t, out, "alpha")
	assert.Contains(t, out, "high")

	out, err = h.run("", "commitments")
	require.NoError(t, err)
	assert.Contains(t, out, com.Address)
	assert.Contains(t, out, "ipfs://bafy")

	out, err = h.run("", "status")
	require.NoError(t, err)
	assert.Regexp(t, `slot\s+3`, out)

	out, err = h.run("", "--json", "journal", "--from", "2")
	require.NoError(t, err)
	var entries []ledger.JournalEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "reveal_reasoning", entries[1].Instruction)
}

func TestCommitWithPrecomputedHash(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("", "keygen")
	require.NoError(t, err)
	_, err = h.run("", "register", "beta")
	require.NoError(t, err)

	sum, err := canonical.Hash(json.RawMessage(`{"b":1,"a":2}`))
	require.NoError(t, err)
	hash := program.Hash(sum).String()

	_, err = h.run("", "commit", "--hash", hash)
	assert.ErrorContains(t, err, "--action-type")
	_, err = h.run("", "commit", "--hash", hash, "--trace", "x")
	assert.Error(t, err)

	out, err := h.run("", "commit", "--hash", hash, "--action-type", "rebalance", "--confidence", "40")
	require.NoError(t, err)
	assert.Contains(t, out, "committed nonce 0")
	assert.Contains(t, out, hash)

	out, err = h.run("", "commit", "--hash", hash, "--action-type", "rebalance", "--confidence", "101")
	assert.ErrorIs(t, err, program.ErrConfidenceOutOfRange, out)
}

func TestCLIErrors(t *testing.T) {
	h := newHarness(t)

	_, err := h.run("")
	assert.Error(t, err)
	_, err = h.run("", "frobnicate")
	assert.ErrorContains(t, err, "unknown command")

	_, err = h.run("", "register", "x")
	assert.ErrorContains(t, err, "keygen")

	_, err = h.run("", "agent", "not-base58!")
	assert.Error(t, err)

	_, err = h.run("{not json", "hash", "-")
	assert.Error(t, err)

	out, err := h.run("", "schema")
	require.NoError(t, err)
	assert.Contains(t, out, "Reasoning trace")

	h.cfg.IPC.SocketPath = filepath.Join(h.dir, "missing.sock")
	_, err = h.run("", "status")
	assert.ErrorIs(t, err, ipc.ErrDaemonNotRunning)
}
