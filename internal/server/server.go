// ABOUTME: Server orchestrator that wires the board's components into one HTTP server
// ABOUTME: Owns the store, bus and background loops, and serves over TCP or a tailnet

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/crypto/bcrypt"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-board/internal/auth"
	"github.com/2389/coven-board/internal/board"
	"github.com/2389/coven-board/internal/config"
	"github.com/2389/coven-board/internal/dedupe"
	"github.com/2389/coven-board/internal/events"
	"github.com/2389/coven-board/internal/metrics"
	"github.com/2389/coven-board/internal/ratelimit"
	"github.com/2389/coven-board/internal/store"
	"github.com/2389/coven-board/internal/stream"
	"github.com/2389/coven-board/internal/webui"
)

// Server runs the message board.
type Server struct {
	config      *config.Config
	store       store.Store
	bus         *events.Bus
	csrf        *auth.CSRF
	sessions    *auth.Sessions
	dedupe      *dedupe.Cache
	limiter     *ratelimit.Limiter
	registry    *prometheus.Registry
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// loops tracks background goroutines started by Serve
	loops     sync.WaitGroup
	mu        sync.Mutex
	stopLoops context.CancelFunc
}

// initStore opens the configured database. COVEN_BOARD_DB overrides the path.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COVEN_BOARD_DB"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.Open(cfg.Database.Driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Server from cfg. The store is opened immediately.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	srv, err := newWithStore(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return srv, nil
}

func newWithStore(cfg *config.Config, s store.Store, logger *slog.Logger) (*Server, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	csrf, err := auth.NewCSRF([]byte(cfg.CSRF.Secret), cfg.CSRF.TokenTTL, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing csrf: %w", err)
	}
	if cfg.CSRF.Secret == "" {
		logger.Warn("csrf.secret not set, using a random secret; tokens will not survive a restart")
	}

	var sessionStore store.SessionStore = s
	if cfg.Sessions.Backend == "memory" {
		sessionStore = auth.NewMemorySessionStore()
	}
	sessions := auth.NewSessions(sessionStore, s, auth.SessionConfig{
		InactivityTimeout: cfg.Sessions.InactivityTimeout,
		SecureCookies:     cfg.Server.SecureCookies,
		LoginPath:         webui.LoginPath,
	}, m, logger)

	gate := auth.NewGate(csrf, auth.GateConfig{
		RequireHTMX:   cfg.CSRF.RequireHTMX,
		SecureCookies: cfg.Server.SecureCookies,
	}, m, logger)

	bus := events.NewBus(logger, events.Options{Capacity: cfg.Events.QueueCapacity, Metrics: m})
	dedupeCache := dedupe.New(5*time.Minute, 10_000)
	limiter := ratelimit.New(cfg.RateLimit.LoginPerMinute, cfg.RateLimit.LoginBurst, 30*time.Minute, logger)

	ui, err := webui.New(webui.Deps{
		Board:    board.New(s, bus, board.Options{ListLimit: cfg.Board.ListLimit, Metrics: m}, logger),
		Accounts: auth.NewAccounts(s, bcrypt.DefaultCost, logger),
		Sessions: sessions,
		Gate:     gate,
		Bus:      bus,
		Stream: stream.Config{
			Heartbeat:    cfg.Events.HeartbeatInterval,
			WriteTimeout: cfg.Events.WriteTimeout,
		},
		Dedupe:  dedupeCache,
		Limiter: limiter,
		Metrics: m,
	}, logger)
	if err != nil {
		bus.Close()
		dedupeCache.Close()
		return nil, fmt.Errorf("initializing web ui: %w", err)
	}

	srv := &Server{
		config:   cfg,
		store:    s,
		bus:      bus,
		csrf:     csrf,
		sessions: sessions,
		dedupe:   dedupeCache,
		limiter:  limiter,
		registry: registry,
		logger:   logger.With("component", "server"),
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", srv.handleHealth)
	mux.HandleFunc("GET /health/ready", srv.handleReady)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, metrics.Handler(registry))
	}

	ui.RegisterRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: event streams stay open; each frame sets its own deadline.
	}
	return srv, nil
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// setupTCPListener creates a standard TCP listener.
func (s *Server) setupTCPListener() (net.Listener, error) {
	s.logger.Info("starting board", "http_addr", s.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates a listener based on configuration (Tailscale or TCP).
func (s *Server) setupListener(ctx context.Context) (net.Listener, error) {
	if s.config.Tailscale.Enabled {
		if s.config.Server.HTTPAddr != "" {
			s.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", s.config.Server.HTTPAddr)
		}
		return s.setupTailscaleListener(ctx)
	}
	return s.setupTCPListener()
}

// Run listens and serves until ctx is canceled, then shuts down.
// Returns nil on graceful shutdown, or an error if the server fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.setupListener(ctx)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve runs the background loops and the HTTP server on ln until ctx is
// canceled or the server fails, then shuts everything down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	s.mu.Lock()
	s.stopLoops = stopLoops
	s.mu.Unlock()
	s.startLoops(loopCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// startLoops launches CSRF key rotation, session cleanup and limiter sweeping.
func (s *Server) startLoops(ctx context.Context) {
	if interval := s.config.CSRF.RotationInterval; interval > 0 {
		s.goLoop(func() { s.csrf.RunRotation(ctx, interval) })
	}
	s.goLoop(func() { s.sessions.RunCleanup(ctx, s.config.Sessions.CleanupInterval) })
	s.goLoop(func() { s.limiter.Run(ctx, 5*time.Minute) })
}

func (s *Server) goLoop(fn func()) {
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		fn()
	}()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the original context is already canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests, ends open event streams and releases
// the store. Streams end when the bus closes, so they do not hold up the
// HTTP shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down board")

	// Closing the bus first lets long-lived streams return.
	s.bus.Close()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))

	s.mu.Lock()
	if s.stopLoops != nil {
		s.stopLoops()
	}
	s.mu.Unlock()
	s.loops.Wait()

	if s.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", s.store.Close())
	s.dedupe.Close()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-board", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener starts a tsnet node and listens on :80, or :443 with
// the node's certificate when https is enabled.
func (s *Server) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := s.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	s.logTailscaleStatus(tsCfg.Hostname, status)

	if !tsCfg.HTTPS {
		ln, err := s.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = s.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}

	s.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := s.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := s.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (s *Server) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	s.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the store answers a ping.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d subscribers)", s.bus.Len())
}
