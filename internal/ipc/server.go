package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"solprism/internal/logging"
	"solprism/internal/node"
	"solprism/internal/pda"
)

// Handler processes IPC requests.
type Handler interface {
	HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error)
}

// HandlerFunc is a function that implements Handler.
type HandlerFunc func(ctx context.Context, client *Client, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	return f(ctx, client, msg)
}

// EventSource hands out receipt subscriptions. *node.Node implements it.
type EventSource interface {
	Subscribe() (*node.Subscription, error)
}

// ErrAlreadyRunning is returned by Start when another daemon answers on
// the socket.
var ErrAlreadyRunning = errors.New("ipc: socket is already served by another process")

// ServerConfig configures the IPC server.
type ServerConfig struct {
	SocketPath string
	Version    string

	// ProgramID is announced in the handshake so clients derive the same
	// addresses as the node.
	ProgramID pda.Pubkey

	// IdleTimeout is how long a connection may stay silent before the
	// server pings it.
	IdleTimeout  time.Duration
	WriteTimeout time.Duration

	MaxConnections int

	// RequireSameUser rejects peers running as another user where peer
	// credentials are available.
	RequireSameUser bool

	Events EventSource
	Logger *logging.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig(socketPath string) ServerConfig {
	return ServerConfig{
		SocketPath:      socketPath,
		Version:         "dev",
		IdleTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxConnections:  64,
		RequireSameUser: true,
	}
}

// Server accepts client connections on a unix socket.
type Server struct {
	cfg     ServerConfig
	handler Handler
	log     *logging.Logger

	mu       sync.RWMutex
	listener net.Listener
	clients  map[string]*Client

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// Client is one connected peer as seen by the server.
type Client struct {
	ID          string
	Name        string
	Version     string
	ConnectedAt time.Time

	conn    net.Conn
	writeMu sync.Mutex

	mu           sync.Mutex
	lastActivity time.Time
	sub          *node.Subscription
}

// LastActivity returns when the client last sent a message.
func (c *Client) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// NewServer creates a server. Start must be called to listen.
func NewServer(cfg ServerConfig, handler Handler) *Server {
	def := DefaultServerConfig(cfg.SocketPath)
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.Version == "" {
		cfg.Version = def.Version
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		handler: handler,
		log:     cfg.Logger.WithComponent("ipc"),
		clients: make(map[string]*Client),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins listening for connections.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if IsSocketListening(s.cfg.SocketPath) {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, s.cfg.SocketPath)
	}
	if err := CleanupSocket(s.cfg.SocketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()
	s.log.Info("ipc listening", "socket", s.cfg.SocketPath)
	return nil
}

// Stop closes the listener and every connection, then removes the socket.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for _, c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("ipc shutdown timed out")
	}

	os.Remove(s.cfg.SocketPath)
	return nil
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}

		if s.cfg.RequireSameUser {
			ok, err := VerifyPeerIsCurrentUser(conn)
			if err != nil && !errors.Is(err, ErrPeerCredUnsupported) {
				s.log.Warn("peer credentials", "error", err)
				conn.Close()
				continue
			}
			if err == nil && !ok {
				s.log.Warn("rejected connection from another user")
				conn.Close()
				continue
			}
		}

		s.mu.Lock()
		if len(s.clients) >= s.cfg.MaxConnections {
			s.mu.Unlock()
			s.log.Warn("connection limit reached", "max", s.cfg.MaxConnections)
			conn.Close()
			continue
		}
		now := time.Now()
		client := &Client{
			ID:           uuid.NewString(),
			ConnectedAt:  now,
			conn:         conn,
			lastActivity: now,
		}
		s.clients[client.ID] = client
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(client)
	}
}

func (s *Server) handleConnection(client *Client) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		s.mu.Unlock()
		s.unsubscribe(client)
		client.conn.Close()
		s.log.Debug("client disconnected", "client", client.ID)
	}()
	s.log.Debug("client connected", "client", client.ID)

	for {
		if s.ctx.Err() != nil {
			return
		}
		client.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		msg, err := ReadMessage(client.conn)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if err := s.send(client, NewMessage(MsgPing, 0, nil)); err != nil {
					return
				}
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("read message", "client", client.ID, "error", err)
			}
			return
		}

		client.mu.Lock()
		client.lastActivity = time.Now()
		client.mu.Unlock()

		resp, err := s.processMessage(client, msg)
		if err != nil {
			s.log.Error("handle message", "client", client.ID, "type", msg.Header.Type.String(), "error", err)
			resp = NewErrorMessage(msg.Header.RequestID, CodeInternal, err.Error())
		}
		if resp != nil {
			if err := s.send(client, resp); err != nil {
				return
			}
		}
	}
}

func (s *Server) processMessage(client *Client, msg *Message) (*Message, error) {
	id := msg.Header.RequestID
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, id, nil), nil
	case MsgPong:
		return nil, nil
	case MsgHandshake:
		return s.handleHandshake(client, msg)
	case MsgSubscribe:
		return s.handleSubscribe(client, msg)
	case MsgUnsubscribe:
		s.unsubscribe(client)
		return NewMessage(MsgUnsubscribeResp, id, nil), nil
	default:
		if s.handler == nil {
			return NewErrorMessage(id, CodeInvalidRequest, "no handler"), nil
		}
		return s.handler.HandleMessage(s.ctx, client, msg)
	}
}

func (s *Server) handleHandshake(client *Client, msg *Message) (*Message, error) {
	var req HandshakeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, CodeInvalidRequest, "invalid handshake"), nil
	}
	if req.ProtocolVersion > ProtocolVersion {
		return NewErrorMessage(msg.Header.RequestID, CodeInvalidRequest,
			fmt.Sprintf("unsupported protocol version %d", req.ProtocolVersion)), nil
	}

	client.mu.Lock()
	client.Name = req.ClientName
	client.Version = req.ClientVersion
	client.mu.Unlock()

	resp := &HandshakeResponse{
		ServerVersion:   s.cfg.Version,
		ProtocolVersion: ProtocolVersion,
		ClientID:        client.ID,
		ProgramID:       s.cfg.ProgramID,
	}
	return NewResponse(MsgHandshakeAck, msg.Header.RequestID, resp)
}

func (s *Server) handleSubscribe(client *Client, msg *Message) (*Message, error) {
	if s.cfg.Events == nil {
		return NewErrorMessage(msg.Header.RequestID, CodeUnavailable, "events are not available"), nil
	}

	client.mu.Lock()
	existing := client.sub
	client.mu.Unlock()
	if existing != nil {
		return NewResponse(MsgSubscribeResp, msg.Header.RequestID, &SubscribeResponse{SubscriptionID: client.ID})
	}

	sub, err := s.cfg.Events.Subscribe()
	if err != nil {
		return NewErrorMessage(msg.Header.RequestID, CodeUnavailable, err.Error()), nil
	}
	client.mu.Lock()
	client.sub = sub
	client.mu.Unlock()

	s.wg.Add(1)
	go s.pumpEvents(client, sub)
	return NewResponse(MsgSubscribeResp, msg.Header.RequestID, &SubscribeResponse{SubscriptionID: client.ID})
}

// pumpEvents forwards receipts until the subscription closes.
func (s *Server) pumpEvents(client *Client, sub *node.Subscription) {
	defer s.wg.Done()
	for r := range sub.C() {
		ev := r
		m, err := NewResponse(MsgEvent, 0, &ev)
		if err != nil {
			s.log.Error("encode event", "error", err)
			continue
		}
		if err := s.send(client, m); err != nil {
			sub.Close()
			return
		}
	}
}

func (s *Server) unsubscribe(client *Client) {
	client.mu.Lock()
	sub := client.sub
	client.sub = nil
	client.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

func (s *Server) send(client *Client, msg *Message) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()
	client.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return msg.Write(client.conn)
}

// CleanupSocket removes a stale socket file. It refuses to remove a path
// that is not a socket.
func CleanupSocket(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSocket != 0 {
		return os.Remove(path)
	}
	return fmt.Errorf("path exists but is not a socket: %s", path)
}

// IsSocketListening reports whether something accepts connections at path.
func IsSocketListening(path string) bool {
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
