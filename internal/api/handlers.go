package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"solprism/internal/ledger"
	"solprism/internal/node"
	"solprism/internal/pda"
	"solprism/internal/program"
	"solprism/internal/score"
	"solprism/internal/verify"
)

// Paging and batch limits.
const (
	DefaultJournalPage = 100
	MaxJournalPage     = 1000
	MaxBatch           = 256
	batchConcurrency   = 8
)

// ErrorBody is the JSON error shape.
type ErrorBody struct {
	Error string `json:"error"`
	Code  uint32 `json:"code,omitempty"`
	Name  string `json:"name,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

// AgentView is an agent profile with its derived score fields.
type AgentView struct {
	Address pda.Pubkey `json:"address"`
	*program.AgentProfile
	ScorePercent float64          `json:"score_percent"`
	TrustLevel   score.TrustLevel `json:"trust_level"`
}

func newAgentView(addr pda.Pubkey, a *program.AgentProfile) AgentView {
	return AgentView{
		Address:      addr,
		AgentProfile: a,
		ScorePercent: score.Percent(a.Score()),
		TrustLevel:   a.TrustLevel(),
	}
}

// SubmitRequest carries a signed transaction in its binary form.
type SubmitRequest struct {
	Transaction string `json:"transaction"`
}

// BatchItem is one entry of a batch verification.
type BatchItem struct {
	Commitment pda.Pubkey      `json:"commitment"`
	Content    json.RawMessage `json:"content"`
}

// BatchRequest is the body of POST /v1/verify.
type BatchRequest struct {
	Items []BatchItem `json:"items"`
}

// BatchResponse reports a batch verification.
type BatchResponse struct {
	Results []verify.Result `json:"results"`
	Valid   int             `json:"valid"`
	Invalid int             `json:"invalid"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, perr *program.Error) {
	body := ErrorBody{Error: msg}
	if perr != nil {
		body.Code = perr.Code
		body.Name = perr.Name
		body.Kind = string(perr.Kind())
	}
	writeJSON(w, status, body)
}

// statusFor maps program error kinds onto HTTP statuses.
func statusFor(perr *program.Error) int {
	switch perr.Kind() {
	case program.KindAuthorization:
		return http.StatusForbidden
	case program.KindPrecondition:
		if errors.Is(perr, program.ErrAgentNotFound) || errors.Is(perr, program.ErrCommitmentNotFound) {
			return http.StatusNotFound
		}
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var perr *program.Error
	switch {
	case errors.As(err, &perr):
		writeError(w, statusFor(perr), perr.Error(), perr)
	case errors.Is(err, ledger.ErrBadSignature):
		writeError(w, http.StatusUnauthorized, err.Error(), nil)
	case errors.Is(err, ledger.ErrMalformedTransaction), errors.Is(err, verify.ErrBadContent):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, verify.ErrCommitmentNotFound):
		writeError(w, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, node.ErrClosed), errors.Is(err, ledger.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error(), nil)
	default:
		s.log.WithContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

func pathKey(w http.ResponseWriter, r *http.Request, name string) (pda.Pubkey, bool) {
	k, err := pda.ParsePubkey(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s: %v", name, err), nil)
		return pda.Pubkey{}, false
	}
	return k, true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.node.Status(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathKey(w, r, "address")
	if !ok {
		return
	}
	s.writeAgent(w, r, addr)
}

func (s *Server) handleAgentByAuthority(w http.ResponseWriter, r *http.Request) {
	authority, ok := pathKey(w, r, "authority")
	if !ok {
		return
	}
	addr, _, err := s.node.Program().AgentAddress(authority)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeAgent(w, r, addr)
}

func (s *Server) writeAgent(w http.ResponseWriter, r *http.Request, addr pda.Pubkey) {
	a, err := s.node.Agent(r.Context(), addr)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if a == nil {
		writeError(w, http.StatusNotFound, "agent not found", program.ErrAgentNotFound)
		return
	}
	writeJSON(w, http.StatusOK, newAgentView(addr, a))
}

func (s *Server) handleCommitments(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathKey(w, r, "address")
	if !ok {
		return
	}
	entries, err := s.node.Commitments(r.Context(), addr)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []program.CommitmentEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleCommitment(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathKey(w, r, "address")
	if !ok {
		return
	}
	c, err := s.node.Commitment(r.Context(), addr)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "commitment not found", program.ErrCommitmentNotFound)
		return
	}
	writeJSON(w, http.StatusOK, program.CommitmentEntry{Address: addr, Commitment: c})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error(), nil)
		return nil, false
	}
	return body, true
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathKey(w, r, "address")
	if !ok {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	res, err := s.node.Verify(r.Context(), addr, json.RawMessage(body))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleVerifyBatch(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req BatchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch: "+err.Error(), nil)
		return
	}
	if len(req.Items) > MaxBatch {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch exceeds %d items", MaxBatch), nil)
		return
	}

	items := make([]verify.Item, len(req.Items))
	for i, it := range req.Items {
		items[i] = verify.Item{Commitment: it.Commitment, Content: it.Content}
	}
	results, err := s.node.VerifyBatch(r.Context(), items, batchConcurrency)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	resp := BatchResponse{Results: results}
	for _, res := range results {
		if res.Valid {
			resp.Valid++
		} else {
			resp.Invalid++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req SubmitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error(), nil)
		return
	}
	raw, err := base64.StdEncoding.DecodeString(req.Transaction)
	if err != nil {
		writeError(w, http.StatusBadRequest, "transaction is not base64", nil)
		return
	}
	var tx ledger.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		s.fail(w, r, err)
		return
	}
	receipt, err := s.node.Submit(r.Context(), &tx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	from, limit := uint64(1), DefaultJournalPage
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from", nil)
			return
		}
		if n > 0 {
			from = n
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit", nil)
			return
		}
		limit = min(n, MaxJournalPage)
	}

	entries, err := s.node.Journal(r.Context(), from, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []ledger.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
