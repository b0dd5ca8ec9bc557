package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solprism/internal/canonical"
	"solprism/internal/health"
	"solprism/internal/ledger"
	"solprism/internal/logging"
	"solprism/internal/node"
	"solprism/internal/program"
	"solprism/internal/score"
	"solprism/internal/signer"
	"solprism/internal/verify"
)

type fixture struct {
	node *node.Node
	prog *program.Program
	srv  *httptest.Server
}

func start(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger, err := logging.New(&logging.Config{Level: logging.LevelDebug, Writer: io.Discard})
	require.NoError(t, err)

	clock := time.Unix(1_750_000_000, 0)
	n, err := node.New(node.Config{
		Store:  ledger.NewMemoryStore(),
		Logger: logger,
		Now:    func() time.Time { return clock },
	})
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })

	hc := health.NewChecker()
	hc.RegisterFunc("store", true, func(ctx context.Context) health.CheckResult {
		return health.CheckResult{Status: health.StatusHealthy}
	})
	hc.SetReady(true)

	cfg.Node = n
	cfg.Health = hc
	cfg.Logger = logger
	srv := httptest.NewServer(New(cfg).Handler())
	t.Cleanup(srv.Close)
	return &fixture{node: n, prog: n.Program(), srv: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func (f *fixture) submit(t *testing.T, s *signer.Signer, ix ledger.Instruction) (*http.Response, []byte) {
	t.Helper()
	tx, err := s.Sign(ix)
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return f.do(t, http.MethodPost, "/v1/transactions", SubmitRequest{Transaction: base64.StdEncoding.EncodeToString(raw)})
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(b, &v), string(b))
	return v
}

var decision = map[string]any{
	"action":   map[string]any{"type": "trade", "description": "swap 10 SOL"},
	"decision": map[string]any{"confidence": 82, "rationale": "spread is wide"},
}

func TestCommitRevealOverHTTP(t *testing.T) {
	f := start(t, Config{})
	alice, err := signer.Generate()
	require.NoError(t, err)

	ix, err := f.prog.RegisterAgent(alice.Pubkey(), "alice")
	require.NoError(t, err)
	resp, body := f.submit(t, alice, ix)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	rc := decode[node.Receipt](t, body)
	assert.Equal(t, uint64(1), rc.Slot)
	assert.Equal(t, program.EventAgentRegistered, rc.Event.Kind)

	agentAddr, _, err := f.prog.AgentAddress(alice.Pubkey())
	require.NoError(t, err)

	resp, body = f.do(t, http.MethodGet, "/v1/authorities/"+alice.Pubkey().String()+"/agent", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decode[AgentView](t, body)
	assert.Equal(t, agentAddr, view.Address)
	assert.Equal(t, "alice", view.Name)
	assert.Equal(t, score.TrustUnrated, view.TrustLevel)

	hash, err := canonical.Hash(decision)
	require.NoError(t, err)
	ix, err = f.prog.CommitReasoning(alice.Pubkey(), program.CommitReasoningArgs{
		CommitmentHash: hash, ActionType: "trade", Confidence: 82, Nonce: 0,
	})
	require.NoError(t, err)
	resp, body = f.submit(t, alice, ix)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	commitAddr := decode[node.Receipt](t, body).Event.Commitment

	resp, body = f.do(t, http.MethodGet, "/v1/agents/"+agentAddr.String()+"/commitments", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]program.CommitmentEntry](t, body)
	require.Len(t, list, 1)
	assert.Equal(t, commitAddr, list[0].Address)
	assert.Equal(t, program.Hash(hash), list[0].Commitment.CommitmentHash)

	// Key order and whitespace do not matter.
	resp, body = f.do(t, http.MethodPost, "/v1/commitments/"+commitAddr.String()+"/verify",
		`{ "decision": {"rationale": "spread is wide", "confidence": 82},
		   "action": {"description": "swap 10 SOL", "type": "trade"} }`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	res := decode[verify.Result](t, body)
	assert.True(t, res.Valid)
	assert.Equal(t, res.StoredHash, res.ComputedHash)

	resp, body = f.do(t, http.MethodPost, "/v1/commitments/"+commitAddr.String()+"/verify", `{"tampered":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[verify.Result](t, body).Valid)

	ix, err = f.prog.RevealReasoning(alice.Pubkey(), commitAddr, "ipfs://bafy")
	require.NoError(t, err)
	resp, body = f.submit(t, alice, ix)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = f.do(t, http.MethodGet, "/v1/commitments/"+commitAddr.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entry := decode[program.CommitmentEntry](t, body)
	assert.True(t, entry.Commitment.Revealed)
	require.NotNil(t, entry.Commitment.ReasoningURI)
	assert.Equal(t, "ipfs://bafy", *entry.Commitment.ReasoningURI)

	resp, body = f.do(t, http.MethodGet, "/v1/agents/"+agentAddr.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view = decode[AgentView](t, body)
	assert.Equal(t, uint16(10000), view.AccountabilityScore)
	assert.Equal(t, 100.0, view.ScorePercent)
	assert.Equal(t, score.TrustHigh, view.TrustLevel)

	resp, body = f.do(t, http.MethodGet, "/v1/journal?from=2&limit=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	journal := decode[[]ledger.JournalEntry](t, body)
	require.Len(t, journal, 2)
	assert.Equal(t, "commit_reasoning", journal[0].Instruction)
	assert.Equal(t, journal[0].Hash, journal[1].PrevHash)

	resp, body = f.do(t, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[node.Status](t, body)
	assert.Equal(t, uint64(3), st.Slot)
	assert.Equal(t, 2, st.Accounts)
}

func TestProgramErrorsMapToStatus(t *testing.T) {
	f := start(t, Config{})
	alice, err := signer.Generate()
	require.NoError(t, err)
	mallory, err := signer.Generate()
	require.NoError(t, err)

	ix, err := f.prog.RegisterAgent(alice.Pubkey(), strings.Repeat("n", program.MaxNameLen+1))
	require.NoError(t, err)
	resp, body := f.submit(t, alice, ix)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	eb := decode[ErrorBody](t, body)
	assert.Equal(t, program.ErrNameTooLong.Code, eb.Code)
	assert.Equal(t, string(program.KindBounds), eb.Kind)

	ix, err = f.prog.RegisterAgent(alice.Pubkey(), "alice")
	require.NoError(t, err)
	resp, _ = f.submit(t, alice, ix)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.submit(t, alice, ix)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "AlreadyRegistered", decode[ErrorBody](t, body).Name)

	ix, err = f.prog.CommitReasoning(alice.Pubkey(), program.CommitReasoningArgs{ActionType: "trade", Confidence: 50, Nonce: 4})
	require.NoError(t, err)
	resp, body = f.submit(t, alice, ix)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, program.ErrInvalidNonce.Code, decode[ErrorBody](t, body).Code)

	ix, err = f.prog.CommitReasoning(alice.Pubkey(), program.CommitReasoningArgs{ActionType: "trade", Confidence: 50, Nonce: 0})
	require.NoError(t, err)
	resp, body = f.submit(t, alice, ix)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	commitAddr := decode[node.Receipt](t, body).Event.Commitment

	ix, err = f.prog.RevealReasoning(mallory.Pubkey(), commitAddr, "ipfs://nope")
	require.NoError(t, err)
	resp, body = f.submit(t, mallory, ix)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, program.ErrUnauthorized.Code, decode[ErrorBody](t, body).Code)
}

func TestBadRequests(t *testing.T) {
	f := start(t, Config{})
	alice, err := signer.Generate()
	require.NoError(t, err)

	resp, _ := f.do(t, http.MethodGet, "/v1/agents/not-a-key", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/v1/agents/"+alice.Pubkey().String(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, program.ErrAgentNotFound.Code, decode[ErrorBody](t, body).Code)

	resp, _ = f.do(t, http.MethodGet, "/v1/commitments/"+alice.Pubkey().String(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/commitments/"+alice.Pubkey().String()+"/verify", `{}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/transactions", SubmitRequest{Transaction: "!!"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/transactions", SubmitRequest{Transaction: base64.StdEncoding.EncodeToString([]byte("short"))})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// A valid encoding with a forged signature.
	ix, err := f.prog.RegisterAgent(alice.Pubkey(), "alice")
	require.NoError(t, err)
	tx, err := alice.Sign(ix)
	require.NoError(t, err)
	tx.Signature[0] ^= 0xff
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	resp, _ = f.do(t, http.MethodPost, "/v1/transactions", SubmitRequest{Transaction: base64.StdEncoding.EncodeToString(raw)})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/v1/journal?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/v1/journal", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))
}

func TestBatchVerify(t *testing.T) {
	f := start(t, Config{})
	alice, err := signer.Generate()
	require.NoError(t, err)

	ix, err := f.prog.RegisterAgent(alice.Pubkey(), "alice")
	require.NoError(t, err)
	resp, _ := f.submit(t, alice, ix)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	hash, err := canonical.Hash(decision)
	require.NoError(t, err)
	ix, err = f.prog.CommitReasoning(alice.Pubkey(), program.CommitReasoningArgs{CommitmentHash: hash, ActionType: "trade", Confidence: 82})
	require.NoError(t, err)
	resp, body := f.submit(t, alice, ix)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	commitAddr := decode[node.Receipt](t, body).Event.Commitment

	good, err := json.Marshal(decision)
	require.NoError(t, err)
	req := BatchRequest{Items: []BatchItem{
		{Commitment: commitAddr, Content: good},
		{Commitment: commitAddr, Content: json.RawMessage(`[1,2,3]`)},
		{Commitment: alice.Pubkey(), Content: good},
	}}
	resp, body = f.do(t, http.MethodPost, "/v1/verify", req)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	out := decode[BatchResponse](t, body)
	require.Len(t, out.Results, 3)
	assert.True(t, out.Results[0].Valid)
	assert.False(t, out.Results[1].Valid)
	assert.Empty(t, out.Results[1].Error)
	assert.NotEmpty(t, out.Results[2].Error)
	assert.Equal(t, 1, out.Valid)
	assert.Equal(t, 2, out.Invalid)
}

func TestSubmitRateLimit(t *testing.T) {
	f := start(t, Config{SubmitRate: 0.001, SubmitBurst: 1})

	resp, _ := f.do(t, http.MethodPost, "/v1/transactions", SubmitRequest{Transaction: "AA=="})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/v1/transactions", SubmitRequest{Transaction: "AA=="})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// Reads are not limited.
	resp, _ = f.do(t, http.MethodGet, "/v1/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthMetricsAndRequestID(t *testing.T) {
	f := start(t, Config{Metrics: true})

	resp, body := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"healthy"`)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	_, _ = f.do(t, http.MethodGet, "/v1/status", nil)
	resp, body = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "solprism_")

	g := start(t, Config{})
	resp, _ = g.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/v1/status", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-42")
	r2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	r2.Body.Close()
	assert.Equal(t, "req-42", r2.Header.Get("X-Request-ID"))
}

func TestEventStream(t *testing.T) {
	f := start(t, Config{})
	alice, err := signer.Generate()
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription exists before Upgrade returns.
	ix, err := f.prog.RegisterAgent(alice.Pubkey(), "alice")
	require.NoError(t, err)
	resp, _ := f.submit(t, alice, ix)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var rc node.Receipt
	require.NoError(t, conn.ReadJSON(&rc))
	assert.Equal(t, uint64(1), rc.Slot)
	require.NotNil(t, rc.Event)
	assert.Equal(t, program.EventAgentRegistered, rc.Event.Kind)
	assert.Equal(t, alice.Pubkey(), rc.Event.Authority)
	assert.Equal(t, "alice", rc.Event.Name)

}
