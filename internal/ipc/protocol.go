// Package ipc connects the solprism CLI to a running solprismd over a unix
// socket.
//
// Every message is a 16-byte big-endian header followed by a CBOR payload
// (core deterministic encoding). Requests and responses are correlated by
// request ID; events pushed to subscribers carry request ID 0.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"solprism/internal/ledger"
	"solprism/internal/node"
	"solprism/internal/pda"
	"solprism/internal/program"
	"solprism/internal/verify"
)

// Protocol version for compatibility checking.
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x5350524D // "SPRM"
)

// MaxPayload bounds a single message payload.
const MaxPayload = 8 << 20

// MessageType identifies the type of IPC message.
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005

	// Status (0x01xx)
	MsgStatus     MessageType = 0x0100
	MsgStatusResp MessageType = 0x0101

	// Ledger (0x02xx)
	MsgSubmit              MessageType = 0x0200
	MsgSubmitResp          MessageType = 0x0201
	MsgGetAgent            MessageType = 0x0202
	MsgGetAgentResp        MessageType = 0x0203
	MsgGetCommitment       MessageType = 0x0204
	MsgGetCommitmentResp   MessageType = 0x0205
	MsgListCommitments     MessageType = 0x0206
	MsgListCommitmentsResp MessageType = 0x0207
	MsgJournal             MessageType = 0x0208
	MsgJournalResp         MessageType = 0x0209

	// Verification (0x03xx)
	MsgVerify     MessageType = 0x0300
	MsgVerifyResp MessageType = 0x0301

	// Event streaming (0x05xx)
	MsgSubscribe       MessageType = 0x0500
	MsgSubscribeResp   MessageType = 0x0501
	MsgUnsubscribe     MessageType = 0x0502
	MsgUnsubscribeResp MessageType = 0x0503
	MsgEvent           MessageType = 0x0504
)

var msgNames = map[MessageType]string{
	MsgPing: "ping", MsgPong: "pong", MsgHandshake: "handshake", MsgHandshakeAck: "handshake_ack",
	MsgError: "error", MsgStatus: "status", MsgStatusResp: "status_resp",
	MsgSubmit: "submit", MsgSubmitResp: "submit_resp",
	MsgGetAgent: "get_agent", MsgGetAgentResp: "get_agent_resp",
	MsgGetCommitment: "get_commitment", MsgGetCommitmentResp: "get_commitment_resp",
	MsgListCommitments: "list_commitments", MsgListCommitmentsResp: "list_commitments_resp",
	MsgJournal: "journal", MsgJournalResp: "journal_resp",
	MsgVerify: "verify", MsgVerifyResp: "verify_resp",
	MsgSubscribe: "subscribe", MsgSubscribeResp: "subscribe_resp",
	MsgUnsubscribe: "unsubscribe", MsgUnsubscribeResp: "unsubscribe_resp",
	MsgEvent: "event",
}

func (t MessageType) String() string {
	if s, ok := msgNames[t]; ok {
		return s
	}
	return fmt.Sprintf("0x%04x", uint16(t))
}

// Header is the fixed-size message header (16 bytes).
type Header struct {
	Magic     uint32
	Version   uint8
	Flags     uint8
	Type      MessageType
	RequestID uint32
	Length    uint32
}

// HeaderSize is the size of the header in bytes.
const HeaderSize = 16

// Header flags.
const (
	FlagCBOR uint8 = 0x01
)

// Message wraps a header and payload.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload.
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagCBOR,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to w.
func (h *Header) Write(w io.Writer) error {
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf[:])
	return err
}

// Errors
var (
	ErrBadMagic        = errors.New("ipc: invalid magic number")
	ErrVersion         = errors.New("ipc: unsupported protocol version")
	ErrPayloadTooLarge = errors.New("ipc: payload too large")
)

// ReadHeader reads a header from r.
func ReadHeader(r io.Reader) (*Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}
	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}
	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("%w: %08x", ErrBadMagic, h.Magic)
	}
	if h.Version == 0 || h.Version > ProtocolVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}
	return h, nil
}

// Write writes the message in one call so concurrent writers only need to
// serialize on the connection.
func (m *Message) Write(w io.Writer) error {
	buf := make([]byte, 0, HeaderSize+len(m.Payload))
	hw := byteWriter{buf: buf}
	m.Header.Length = uint32(len(m.Payload))
	if err := m.Header.Write(&hw); err != nil {
		return err
	}
	_, err := w.Write(append(hw.buf, m.Payload...))
	return err
}

type byteWriter struct{ buf []byte }

func (b *byteWriter) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// ReadMessage reads a complete message from r.
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	if h.Length > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.Length)
	}
	m := &Message{Header: *h}
	if h.Length > 0 {
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	// pda.Pubkey and program.Hash travel as their text forms.
	opts.TextMarshaler = cbor.TextMarshalerTextString
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	if encMode, err = opts.EncMode(); err != nil {
		panic("ipc: CBOR encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("ipc: CBOR decoder: " + err.Error())
	}
}

// Encode encodes a payload.
func Encode(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Decode decodes a payload.
func Decode(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// NewResponse creates a response message.
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}

// Error codes carried in ErrorResponse.Code.
const (
	CodeUnknown        = 1
	CodeInvalidRequest = 2
	CodeNotFound       = 3
	CodeInternal       = 5
	CodeRejected       = 6 // transaction failed signature or shape checks
	CodeProgram        = 7 // program error; ProgramCode holds its code
	CodeUnavailable    = 8
)

// ErrorResponse is sent when a request fails.
type ErrorResponse struct {
	Code        int    `cbor:"code"`
	Message     string `cbor:"message"`
	ProgramCode uint32 `cbor:"program_code,omitempty"`
}

// NewErrorMessage creates an error message.
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{Code: code, Message: message})
	return NewMessage(MsgError, requestID, payload)
}

// HandshakeRequest is sent by the client after connecting.
type HandshakeRequest struct {
	ClientName      string `cbor:"client_name"`
	ClientVersion   string `cbor:"client_version"`
	ProtocolVersion uint8  `cbor:"protocol_version"`
}

// HandshakeResponse acknowledges the handshake.
type HandshakeResponse struct {
	ServerVersion   string     `cbor:"server_version"`
	ProtocolVersion uint8      `cbor:"protocol_version"`
	ClientID        string     `cbor:"client_id"`
	ProgramID       pda.Pubkey `cbor:"program_id"`
}

// SubmitRequest carries a signed transaction in its binary form.
type SubmitRequest struct {
	Transaction []byte `cbor:"tx"`
}

// NewSubmitRequest encodes tx.
func NewSubmitRequest(tx *ledger.Transaction) (*SubmitRequest, error) {
	b, err := tx.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &SubmitRequest{Transaction: b}, nil
}

// SubmitResponse is the receipt of an applied transaction.
type SubmitResponse = node.Receipt

// AddressRequest names one account.
type AddressRequest struct {
	Address pda.Pubkey `cbor:"address"`
}

// AgentResponse holds a profile, or Found=false.
type AgentResponse struct {
	Found   bool                  `cbor:"found"`
	Address pda.Pubkey            `cbor:"address"`
	Agent   *program.AgentProfile `cbor:"agent,omitempty"`
}

// CommitmentResponse holds a commitment, or Found=false.
type CommitmentResponse struct {
	Found      bool                         `cbor:"found"`
	Address    pda.Pubkey                   `cbor:"address"`
	Commitment *program.ReasoningCommitment `cbor:"commitment,omitempty"`
}

// ListCommitmentsResponse lists an agent's commitments in nonce order.
type ListCommitmentsResponse struct {
	Commitments []program.CommitmentEntry `cbor:"commitments"`
}

// JournalRequest pages through the journal.
type JournalRequest struct {
	From  uint64 `cbor:"from"`
	Limit int    `cbor:"limit"`
}

// JournalResponse holds journal entries.
type JournalResponse struct {
	Entries []ledger.JournalEntry `cbor:"entries"`
}

// VerifyRequest checks content against a commitment. Content is the JSON
// document as produced by the agent; it is canonicalized by the daemon.
type VerifyRequest struct {
	Commitment pda.Pubkey `cbor:"commitment"`
	Content    []byte     `cbor:"content"`
}

// RawContent returns Content as raw JSON for hashing.
func (r *VerifyRequest) RawContent() json.RawMessage {
	return json.RawMessage(r.Content)
}

// VerifyResponse is the verification result.
type VerifyResponse = verify.Result

// StatusResponse is the node status.
type StatusResponse struct {
	Node          *node.Status `cbor:"node"`
	ServerVersion string       `cbor:"server_version"`
	Clients       int          `cbor:"clients"`
}

// SubscribeResponse acknowledges a subscription.
type SubscribeResponse struct {
	SubscriptionID string `cbor:"subscription_id"`
}

// Event is a pushed receipt.
type Event = node.Receipt
