package ipc

import (
	"context"
	"errors"

	"solprism/internal/ledger"
	"solprism/internal/logging"
	"solprism/internal/node"
	"solprism/internal/program"
	"solprism/internal/verify"
)

// MaxJournalPage caps JournalRequest.Limit.
const MaxJournalPage = 1000

// NodeHandler serves requests from a node.
type NodeHandler struct {
	node    *node.Node
	log     *logging.Logger
	version string
}

// NewNodeHandler returns a handler backed by n.
func NewNodeHandler(n *node.Node, version string, log *logging.Logger) *NodeHandler {
	if log == nil {
		log = logging.Default()
	}
	return &NodeHandler{node: n, log: log.WithComponent("ipc"), version: version}
}

// HandleMessage implements Handler.
func (h *NodeHandler) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgStatus:
		return h.handleStatus(ctx, msg)
	case MsgSubmit:
		return h.handleSubmit(ctx, client, msg)
	case MsgGetAgent:
		return h.handleGetAgent(ctx, msg)
	case MsgGetCommitment:
		return h.handleGetCommitment(ctx, msg)
	case MsgListCommitments:
		return h.handleListCommitments(ctx, msg)
	case MsgJournal:
		return h.handleJournal(ctx, msg)
	case MsgVerify:
		return h.handleVerify(ctx, msg)
	default:
		return NewErrorMessage(msg.Header.RequestID, CodeInvalidRequest, "unknown message type "+msg.Header.Type.String()), nil
	}
}

func (h *NodeHandler) handleStatus(ctx context.Context, msg *Message) (*Message, error) {
	st, err := h.node.Status(ctx)
	if err != nil {
		return errorMessage(msg.Header.RequestID, err), nil
	}
	return NewResponse(MsgStatusResp, msg.Header.RequestID, &StatusResponse{Node: st, ServerVersion: h.version})
}

func (h *NodeHandler) handleSubmit(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	var req SubmitRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, CodeInvalidRequest, "invalid submit request"), nil
	}
	var tx ledger.Transaction
	if err := tx.UnmarshalBinary(req.Transaction); err != nil {
		return errorMessage(msg.Header.RequestID, err), nil
	}

	receipt, err := h.node.Submit(ctx, &tx)
	if err != nil {
		h.log.Debug("submit failed", "client", client.ID, "signature", tx.ID(), "error", err)
		return errorMessage(msg.Header.RequestID, err), nil
	}
	return NewResponse(MsgSubmitResp, msg.Header.RequestID, receipt)
}

func (h *NodeHandler) handleGetAgent(ctx context.Context, msg *Message) (*Message, error) {
	var req AddressRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, CodeInvalidRequest, "invalid address request"), nil
	}
	agent, err := h.node.Agent(ctx, req.Address)
	if err != nil {
		return errorMessage(msg.Header.RequestID, err), nil
	}
	return NewResponse(MsgGetAgentResp, msg.Header.RequestID, &AgentResponse{
		Found:   agent != nil,
		Address: req.Address,
		Agent:   agent,
	})
}

func (h *NodeHandler) handleGetCommitment(ctx context.Context, msg *Message) (*Message, error) {
	var req AddressRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, CodeInvalidRequest, "invalid address request"), nil
	}
	c, err := h.node.Commitment(ctx, req.Address)
	if err != nil {
		return errorMessage(msg.Header.RequestID, err), nil
	}
	return NewResponse(MsgGetCommitmentResp, msg.Header.RequestID, &CommitmentResponse{
		Found:      c != nil,
		Address:    req.Address,
		Commitment: c,
	})
}

func (h *NodeHandler) handleListCommitments(ctx context.Context, msg *Message) (*Message, error) {
	var req AddressRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, CodeInvalidRequest, "invalid address request"), nil
	}
	entries, err := h.node.Commitments(ctx, req.Address)
	if err != nil {
		return errorMessage(msg.Header.RequestID, err), nil
	}
	return NewResponse(MsgListCommitmentsResp, msg.Header.RequestID, &ListCommitmentsResponse{Commitments: entries})
}

func (h *NodeHandler) handleJournal(ctx context.Context, msg *Message) (*Message, error) {
	var req JournalRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, CodeInvalidRequest, "invalid journal request"), nil
	}
	if req.Limit <= 0 || req.Limit > MaxJournalPage {
		req.Limit = MaxJournalPage
	}
	if req.From == 0 {
		req.From = 1
	}
	entries, err := h.node.Journal(ctx, req.From, req.Limit)
	if err != nil {
		return errorMessage(msg.Header.RequestID, err), nil
	}
	return NewResponse(MsgJournalResp, msg.Header.RequestID, &JournalResponse{Entries: entries})
}

func (h *NodeHandler) handleVerify(ctx context.Context, msg *Message) (*Message, error) {
	var req VerifyRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, CodeInvalidRequest, "invalid verify request"), nil
	}
	res, err := h.node.Verify(ctx, req.Commitment, req.RawContent())
	if err != nil {
		return errorMessage(msg.Header.RequestID, err), nil
	}
	return NewResponse(MsgVerifyResp, msg.Header.RequestID, res)
}

// errorMessage maps err onto the wire error codes.
func errorMessage(requestID uint32, err error) *Message {
	resp := ErrorResponse{Code: CodeInternal, Message: err.Error()}

	var perr *program.Error
	switch {
	case errors.As(err, &perr):
		resp.Code = CodeProgram
		resp.ProgramCode = perr.Code
	case errors.Is(err, ledger.ErrBadSignature),
		errors.Is(err, ledger.ErrMalformedTransaction),
		errors.Is(err, ledger.ErrSignerMismatch):
		resp.Code = CodeRejected
	case errors.Is(err, verify.ErrCommitmentNotFound):
		resp.Code = CodeNotFound
	case errors.Is(err, verify.ErrBadContent):
		resp.Code = CodeInvalidRequest
	case errors.Is(err, node.ErrClosed), errors.Is(err, ledger.ErrClosed):
		resp.Code = CodeUnavailable
	}

	payload, _ := Encode(&resp)
	return NewMessage(MsgError, requestID, payload)
}
