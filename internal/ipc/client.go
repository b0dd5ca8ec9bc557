package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"solprism/internal/ledger"
	"solprism/internal/node"
	"solprism/internal/pda"
	"solprism/internal/program"
	"solprism/internal/verify"
)

// Common errors
var (
	ErrNotConnected     = errors.New("ipc: not connected to daemon")
	ErrConnectionLost   = errors.New("ipc: connection to daemon lost")
	ErrDaemonNotRunning = errors.New("ipc: daemon is not running")
)

// RemoteError is an error reported by the daemon. Program errors unwrap to
// their program.Error sentinel so errors.Is works across the socket.
type RemoteError struct {
	Code        int
	Message     string
	ProgramCode uint32
}

func (e *RemoteError) Error() string {
	return "daemon: " + e.Message
}

func (e *RemoteError) Unwrap() error {
	if e.Code == CodeProgram {
		if perr := program.ErrorByCode(e.ProgramCode); perr != nil {
			return perr
		}
	}
	return nil
}

// ClientConfig configures the IPC client.
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	// EventBuffer is the size of the Events channel.
	EventBuffer int
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{
		SocketPath:     socketPath,
		ClientName:     "solprism",
		ClientVersion:  "dev",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
		EventBuffer:    128,
	}
}

// IPCClient talks to solprismd. It is safe for concurrent use; requests
// are multiplexed over one connection.
type IPCClient struct {
	cfg  ClientConfig
	conn net.Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint32]chan *Message
	nextReqID atomic.Uint32

	events chan *Event

	clientID      string
	programID     pda.Pubkey
	serverVersion string

	closeOnce sync.Once
	done      chan struct{}
	closeErr  error
}

// Dial connects to the daemon and performs the handshake.
func Dial(ctx context.Context, cfg ClientConfig) (*IPCClient, error) {
	def := DefaultClientConfig(cfg.SocketPath)
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if cfg.ClientName == "" {
		cfg.ClientName = def.ClientName
	}

	d := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "unix", cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonNotRunning, err)
	}

	c := &IPCClient{
		cfg:     cfg,
		conn:    conn,
		pending: make(map[uint32]chan *Message),
		events:  make(chan *Event, cfg.EventBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	var resp HandshakeResponse
	err = c.request(ctx, MsgHandshake, &HandshakeRequest{
		ClientName:      cfg.ClientName,
		ClientVersion:   cfg.ClientVersion,
		ProtocolVersion: ProtocolVersion,
	}, MsgHandshakeAck, &resp)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	c.clientID = resp.ClientID
	c.programID = resp.ProgramID
	c.serverVersion = resp.ServerVersion
	return c, nil
}

// ClientID is the id the server assigned to this connection.
func (c *IPCClient) ClientID() string { return c.clientID }

// ProgramID is the program the daemon executes.
func (c *IPCClient) ProgramID() pda.Pubkey { return c.programID }

// ServerVersion is the daemon's version string.
func (c *IPCClient) ServerVersion() string { return c.serverVersion }

// Events delivers receipts after Subscribe. It is closed when the
// connection ends.
func (c *IPCClient) Events() <-chan *Event { return c.events }

// Close closes the connection.
func (c *IPCClient) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *IPCClient) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.closeErr = cause
		close(c.done)
		c.conn.Close()
	})
}

func (c *IPCClient) readLoop() {
	defer func() {
		c.pendingMu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
		close(c.events)
	}()

	for {
		msg, err := ReadMessage(c.conn)
		if err != nil {
			c.shutdown(err)
			return
		}

		switch msg.Header.Type {
		case MsgPing:
			c.write(NewMessage(MsgPong, msg.Header.RequestID, nil))
		case MsgEvent:
			var ev Event
			if err := Decode(msg.Payload, &ev); err != nil {
				continue
			}
			select {
			case c.events <- &ev:
			default:
			}
		default:
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.Header.RequestID]
			if ok {
				delete(c.pending, msg.Header.RequestID)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- msg
			}
		}
	}
}

func (c *IPCClient) write(msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.RequestTimeout))
	return msg.Write(c.conn)
}

// request sends payload and decodes the reply into out. want is the
// expected reply type.
func (c *IPCClient) request(ctx context.Context, msgType MessageType, payload any, want MessageType, out any) error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}

	var data []byte
	if payload != nil {
		var err error
		if data, err = Encode(payload); err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
	}

	id := c.nextReqID.Add(1)
	if id == 0 {
		id = c.nextReqID.Add(1)
	}
	ch := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(NewMessage(msgType, id, data)); err != nil {
		c.shutdown(err)
		return fmt.Errorf("write message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var resp *Message
	select {
	case m, ok := <-ch:
		if !ok {
			return ErrConnectionLost
		}
		resp = m
	case <-c.done:
		return ErrConnectionLost
	case <-ctx.Done():
		return ctx.Err()
	}

	if resp.Header.Type == MsgError {
		var e ErrorResponse
		if err := Decode(resp.Payload, &e); err != nil {
			return fmt.Errorf("decode error response: %w", err)
		}
		return &RemoteError{Code: e.Code, Message: e.Message, ProgramCode: e.ProgramCode}
	}
	if resp.Header.Type != want {
		return fmt.Errorf("ipc: unexpected reply %s to %s", resp.Header.Type, msgType)
	}
	if out == nil || len(resp.Payload) == 0 {
		return nil
	}
	return Decode(resp.Payload, out)
}

// Ping checks that the daemon answers.
func (c *IPCClient) Ping(ctx context.Context) error {
	return c.request(ctx, MsgPing, nil, MsgPong, nil)
}

// Status returns the node status.
func (c *IPCClient) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.request(ctx, MsgStatus, nil, MsgStatusResp, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Submit sends a signed transaction and waits for its receipt.
func (c *IPCClient) Submit(ctx context.Context, tx *ledger.Transaction) (*node.Receipt, error) {
	req, err := NewSubmitRequest(tx)
	if err != nil {
		return nil, err
	}
	var resp SubmitResponse
	if err := c.request(ctx, MsgSubmit, req, MsgSubmitResp, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Agent returns the profile at addr; nil, nil when absent.
func (c *IPCClient) Agent(ctx context.Context, addr pda.Pubkey) (*program.AgentProfile, error) {
	var resp AgentResponse
	if err := c.request(ctx, MsgGetAgent, &AddressRequest{Address: addr}, MsgGetAgentResp, &resp); err != nil {
		return nil, err
	}
	if !resp.Found {
		return nil, nil
	}
	return resp.Agent, nil
}

// Commitment returns the commitment at addr; nil, nil when absent.
func (c *IPCClient) Commitment(ctx context.Context, addr pda.Pubkey) (*program.ReasoningCommitment, error) {
	var resp CommitmentResponse
	if err := c.request(ctx, MsgGetCommitment, &AddressRequest{Address: addr}, MsgGetCommitmentResp, &resp); err != nil {
		return nil, err
	}
	if !resp.Found {
		return nil, nil
	}
	return resp.Commitment, nil
}

// Commitments lists the commitments of the agent at agentAddr.
func (c *IPCClient) Commitments(ctx context.Context, agentAddr pda.Pubkey) ([]program.CommitmentEntry, error) {
	var resp ListCommitmentsResponse
	if err := c.request(ctx, MsgListCommitments, &AddressRequest{Address: agentAddr}, MsgListCommitmentsResp, &resp); err != nil {
		return nil, err
	}
	return resp.Commitments, nil
}

// Journal returns up to limit journal entries starting at slot from.
func (c *IPCClient) Journal(ctx context.Context, from uint64, limit int) ([]ledger.JournalEntry, error) {
	var resp JournalResponse
	if err := c.request(ctx, MsgJournal, &JournalRequest{From: from, Limit: limit}, MsgJournalResp, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// Verify asks the daemon to check content, a JSON document, against the
// commitment at addr.
func (c *IPCClient) Verify(ctx context.Context, addr pda.Pubkey, content []byte) (*verify.Result, error) {
	var resp VerifyResponse
	if err := c.request(ctx, MsgVerify, &VerifyRequest{Commitment: addr, Content: content}, MsgVerifyResp, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Subscribe starts receipt delivery on Events.
func (c *IPCClient) Subscribe(ctx context.Context) error {
	var resp SubscribeResponse
	return c.request(ctx, MsgSubscribe, nil, MsgSubscribeResp, &resp)
}

// Unsubscribe stops receipt delivery.
func (c *IPCClient) Unsubscribe(ctx context.Context) error {
	return c.request(ctx, MsgUnsubscribe, nil, MsgUnsubscribeResp, nil)
}
