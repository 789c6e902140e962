// Package server is the HTTP front of the relay: static page, echo endpoint,
// the /realtime websocket that bridges a browser to one realtime session,
// ephemeral WebRTC keys, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/enesunal-m/rtrelay"
	"github.com/enesunal-m/rtrelay/internal/auth"
	"github.com/enesunal-m/rtrelay/internal/config"
	"github.com/enesunal-m/rtrelay/internal/metrics"
	"github.com/enesunal-m/rtrelay/internal/relay"
	"github.com/enesunal-m/rtrelay/webrtc"
)

// Opener opens one realtime session for a client connection.
type Opener func(ctx context.Context) (relay.Session, error)

// RealtimeOpener dials the realtime API with cfg and configures sc.
func RealtimeOpener(cfg rtrelay.Config, sc rtrelay.SessionConfig) Opener {
	return func(ctx context.Context) (relay.Session, error) {
		s, err := rtrelay.Open(ctx, cfg, sc)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Minter issues ephemeral keys for browser WebRTC clients.
type Minter func(ctx context.Context) (webrtc.EphemeralKey, error)

// TokenResponse is the body of POST /token.
type TokenResponse struct {
	SessionID  string `json:"session_id"`
	Ephemeral  string `json:"ephemeral"`
	ExpiresAt  int64  `json:"expires_at,omitempty"`
	RegionURL  string `json:"region_url"`
	Deployment string `json:"deployment"`
}

// Server serves the relay endpoints.
type Server struct {
	cfg     *config.Config
	open    Opener
	mint    Minter
	log     *rtrelay.Logger
	metrics *metrics.Metrics
	auth    *auth.Authenticator
	breaker *rtrelay.CircuitBreaker

	upgrader websocket.Upgrader
	demo     func() ([][]byte, error)

	conns sync.WaitGroup
}

type Option func(*Server)

func WithLogger(l *rtrelay.Logger) Option { return func(s *Server) { s.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Server) { s.metrics = m } }

func WithAuthenticator(a *auth.Authenticator) Option { return func(s *Server) { s.auth = a } }

func WithMinter(m Minter) Option { return func(s *Server) { s.mint = m } }

func WithCircuitBreaker(cb *rtrelay.CircuitBreaker) Option {
	return func(s *Server) { s.breaker = cb }
}

// New builds a Server. open may be nil in demo mode.
func New(cfg *config.Config, open Opener, opts ...Option) *Server {
	s := &Server{
		cfg:  cfg,
		open: open,
		breaker: rtrelay.NewCircuitBreaker(rtrelay.CircuitBreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
			SuccessThreshold: 1,
		}),
	}
	s.mint = s.mintFromConfig
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || auth.OriginAllowed(cfg.Server.AllowedOrigins, origin)
		},
	}
	s.demo = sync.OnceValues(s.loadDemo)
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	origins := s.cfg.Server.AllowedOrigins
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.Dir(s.cfg.Server.StaticDir))))
	mux.Handle("/message/{client_id}", auth.CORS(origins, s.auth.Middleware(http.HandlerFunc(s.handleMessage))))
	mux.Handle("GET /realtime/{client_id}", s.auth.Middleware(http.HandlerFunc(s.handleRealtime)))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	if s.cfg.Server.EnableToken {
		mux.Handle("/token", auth.CORS(origins, s.auth.Middleware(http.HandlerFunc(s.handleToken))))
	}
	return mux
}

// Run serves on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          s.log.StdLogger(),
		// Websocket handlers outlive Shutdown; their contexts end with ctx.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.log.Info("server_listening", map[string]any{"addr": ln.Addr().String(), "demo": s.cfg.Server.Demo})

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.Server.ShutdownTimeoutDuration()
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.log.Info("server_shutting_down", map[string]any{"timeout": timeout.String()})
	err := srv.Shutdown(sctx)

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-sctx.Done():
		s.log.Warn("connections_abandoned", nil)
	}
	return err
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	http.ServeFile(w, r, filepath.Join(s.cfg.Server.StaticDir, "index.html"))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		s.log.Warn("health_write_failed", map[string]any{"err": err})
	}
}

// handleMessage echoes the JSON body.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	s.log.Debug("message_received", map[string]any{"client_id": r.PathValue("client_id")})
	writeJSON(w, s.log, body)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	key, err := s.mint(ctx)
	if err != nil {
		s.log.Error("mint_failed", map[string]any{"err": err})
		http.Error(w, "mint failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, s.log, TokenResponse{
		SessionID:  key.SessionID,
		Ephemeral:  key.Value,
		ExpiresAt:  key.ExpiresAt,
		RegionURL:  webrtc.RegionURL(s.cfg.Azure.Region),
		Deployment: s.cfg.Azure.Deployment,
	})
}

func (s *Server) mintFromConfig(ctx context.Context) (webrtc.EphemeralKey, error) {
	return webrtc.MintEphemeralKey(ctx, webrtc.MintRequest{
		ResourceEndpoint: s.cfg.Azure.Endpoint,
		Deployment:       s.cfg.Azure.Deployment,
		APIKey:           s.cfg.Azure.APIKey,
		Voice:            s.cfg.Azure.Voice,
	})
}

func writeJSON(w http.ResponseWriter, log *rtrelay.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("response_encode_failed", map[string]any{"err": err})
	}
}
