// Package api serves the ledger over HTTP.
//
//	GET  /healthz                               aggregated health
//	GET  /metrics                               Prometheus text metrics
//	GET  /v1/status                             slot, head hash, account count
//	GET  /v1/agents/{address}                   agent profile with score
//	GET  /v1/agents/{address}/commitments       commitments in nonce order
//	GET  /v1/authorities/{authority}/agent      profile derived from an authority
//	GET  /v1/commitments/{address}              one commitment
//	POST /v1/commitments/{address}/verify       check a JSON document against it
//	POST /v1/verify                             batch verification
//	POST /v1/transactions                       submit a signed transaction
//	GET  /v1/journal?from=&limit=               journal page
//	GET  /v1/events                             websocket receipt feed
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"solprism/internal/health"
	"solprism/internal/logging"
	"solprism/internal/node"
	"solprism/internal/security"
)

// MaxBodyBytes bounds request bodies.
const MaxBodyBytes = 1 << 20

// Config configures the API server.
type Config struct {
	Node   *node.Node
	Health *health.Checker
	Logger *logging.Logger

	// Metrics mounts /metrics.
	Metrics bool

	// SubmitRate and SubmitBurst limit transaction submissions per client
	// address. Zero disables the limit.
	SubmitRate  float64
	SubmitBurst int
}

// Server is the HTTP API.
type Server struct {
	node     *node.Node
	health   *health.Checker
	log      *logging.Logger
	limiter  *security.KeyedRateLimiter
	upgrader websocket.Upgrader
	router   chi.Router
}

// New builds the router.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	s := &Server{
		node:   cfg.Node,
		health: cfg.Health,
		log:    cfg.Logger.WithComponent("api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	if cfg.SubmitRate > 0 {
		burst := cfg.SubmitBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = security.NewKeyedRateLimiter(cfg.SubmitRate, burst)
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.requestID)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	if s.health != nil {
		r.Method(http.MethodGet, "/healthz", s.health.Handler())
	}
	if cfg.Metrics {
		r.Method(http.MethodGet, "/metrics", s.node.Metrics().Registry().HTTPHandler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/agents/{address}", s.handleAgent)
		r.Get("/agents/{address}/commitments", s.handleCommitments)
		r.Get("/authorities/{authority}/agent", s.handleAgentByAuthority)
		r.Get("/commitments/{address}", s.handleCommitment)
		r.Post("/commitments/{address}/verify", s.handleVerify)
		r.Post("/verify", s.handleVerifyBatch)
		r.With(s.rateLimit).Post("/transactions", s.handleSubmit)
		r.Get("/journal", s.handleJournal)
		r.Get("/events", s.handleEvents)
	})

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve runs the API on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.log.Info("api listening", "addr", ln.Addr().String())

	if s.limiter != nil {
		go s.pruneLimiter(ctx)
	}

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) pruneLimiter(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.limiter.Prune(10 * time.Minute)
		}
	}
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 64 {
			id = logging.NewRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logging.ContextWithRequestID(r.Context(), id)))
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.WithContext(r.Context()).Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow(clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey is the remote host; RealIP has already applied forwarding
// headers.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
