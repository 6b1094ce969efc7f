package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/warroom/pkg/database"
	"github.com/aeolun/warroom/pkg/protocol"
	"github.com/aeolun/warroom/pkg/rank"
	"github.com/rs/zerolog"
)

var logger = zerolog.Nop()

// SetLogger replaces the package logger. Call before Start.
func SetLogger(l zerolog.Logger) {
	logger = l.With().Str("component", "server").Logger()
}

// AccountStore verifies and stores accounts. A nil user with a nil error
// means the operation was refused (duplicate email on sign-up, bad
// credentials on sign-in, unknown username on SetRole).
type AccountStore interface {
	SignUp(username, email, password string, role rank.Role) (*database.User, error)
	SignIn(email, password string) (*database.User, error)
	SetRole(username string, role rank.Role) (*database.User, error)
}

// AuditSink records security-relevant events. Log must not block.
type AuditSink interface {
	Log(peer, action, message string)
}

type nopAudit struct{}

func (nopAudit) Log(string, string, string) {}

// Server is the chat server context: it owns the registry, the
// collaborators and every listener.
type Server struct {
	config   ServerConfig
	registry *Registry
	accounts AccountStore
	audit    AuditSink
	metrics  *Metrics
	now      func() time.Time

	// rolesMu serializes promote/demote so the stored role and the live
	// session role always agree.
	rolesMu sync.Mutex

	listener      net.Listener
	sshListener   net.Listener
	httpServer    *http.Server
	httpListener  net.Listener
	metricsServer *http.Server
	metricsLn     net.Listener

	// trackMu orders wg.Add from untracked goroutines (HTTP handlers)
	// against the close of shutdown, so no Add can follow Wait.
	trackMu   sync.Mutex
	shutdown  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	startTime time.Time
}

// ServerConfig holds server configuration. Ports below zero disable a
// listener; port zero picks a free port.
type ServerConfig struct {
	Host             string
	TCPPort          int
	SSHPort          int
	HTTPPort         int // Public HTTP port for /ws
	MetricsPort      int // Internal HTTP port for /metrics and /health
	SSHHostKeyPath   string
	MaxLineLength    int
	WriteTimeout     time.Duration
	MembersInterval  time.Duration
	RequestsInterval time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:          1024,
		SSHPort:          1025,
		HTTPPort:         8080,
		MetricsPort:      9090,
		SSHHostKeyPath:   "~/.warroom/ssh_host_key",
		MaxLineLength:    4096,
		WriteTimeout:     10 * time.Second,
		MembersInterval:  30 * time.Second,
		RequestsInterval: 60 * time.Second,
	}
}

// Validate checks the config for values the server cannot run with.
func (c ServerConfig) Validate() error {
	if c.TCPPort < 0 {
		return errors.New("tcp port must not be negative")
	}
	if c.MaxLineLength < 64 {
		return fmt.Errorf("max line length %d is below the minimum of 64", c.MaxLineLength)
	}
	if c.MembersInterval <= 0 || c.RequestsInterval <= 0 {
		return errors.New("announcer intervals must be positive")
	}
	if c.RequestsInterval <= c.MembersInterval {
		return fmt.Errorf("requests interval (%v) must be longer than members interval (%v)", c.RequestsInterval, c.MembersInterval)
	}
	return nil
}

// Dependencies are the collaborators a Server is built from. Audit and
// Metrics are optional.
type Dependencies struct {
	Accounts AccountStore
	Audit    AuditSink
	Metrics  *Metrics
}

// NewServer creates a new server instance
func NewServer(config ServerConfig, deps Dependencies) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if deps.Accounts == nil {
		return nil, errors.New("account store is required")
	}
	audit := deps.Audit
	if audit == nil {
		audit = nopAudit{}
	}

	s := &Server{
		config:    config,
		registry:  NewRegistry(),
		accounts:  deps.Accounts,
		audit:     audit,
		metrics:   deps.Metrics,
		now:       time.Now,
		shutdown:  make(chan struct{}),
		startTime: time.Now(),
	}
	s.metrics.observeState(s.registry, audit)
	return s, nil
}

// Registry exposes the server's shared state.
func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) listenAddr(port int) string {
	return net.JoinHostPort(s.config.Host, strconv.Itoa(port))
}

// Start opens every enabled listener and starts the announcers.
func (s *Server) Start() error {
	addr := s.listenAddr(s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	logger.Info().Str("addr", listener.Addr().String()).Msg("TCP server listening")

	if err := s.startSSHServer(); err != nil {
		s.listener.Close()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	if s.config.HTTPPort >= 0 {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", s.HandleWebSocket)
		srv, ln, err := s.serveHTTP(s.config.HTTPPort, mux)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("failed to start public HTTP server: %w", err)
		}
		s.httpServer, s.httpListener = srv, ln
		logger.Info().Str("addr", ln.Addr().String()).Msg("public HTTP server listening (/ws)")
	}

	// Internal only - never expose publicly
	if s.config.MetricsPort >= 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		mux.HandleFunc("/health", s.HealthHandler)
		srv, ln, err := s.serveHTTP(s.config.MetricsPort, mux)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		s.metricsServer, s.metricsLn = srv, ln
		logger.Info().Str("addr", ln.Addr().String()).Msg("metrics server listening (/metrics, /health)")
	}

	s.wg.Add(2)
	go s.membersAnnounceLoop()
	go s.requestsAnnounceLoop()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

func (s *Server) serveHTTP(port int, handler http.Handler) (*http.Server, net.Listener, error) {
	ln, err := net.Listen("tcp", s.listenAddr(port))
	if err != nil {
		return nil, nil, err
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()
	return srv, ln, nil
}

// TCPAddr returns the TCP listener address, or "" before Start.
func (s *Server) TCPAddr() string {
	return addrOf(s.listener)
}

// SSHAddr returns the SSH listener address, or "" when disabled.
func (s *Server) SSHAddr() string {
	return addrOf(s.sshListener)
}

// HTTPAddr returns the public HTTP listener address, or "" when disabled.
func (s *Server) HTTPAddr() string {
	return addrOf(s.httpListener)
}

// MetricsAddr returns the metrics listener address, or "" when disabled.
func (s *Server) MetricsAddr() string {
	return addrOf(s.metricsLn)
}

func addrOf(ln net.Listener) string {
	if ln == nil {
		return ""
	}
	return ln.Addr().String()
}

func (s *Server) closeListeners() {
	if s.listener != nil {
		s.listener.Close()
	}
	if s.sshListener != nil {
		s.sshListener.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		s.httpServer.Shutdown(ctx)
	}
	if s.metricsServer != nil {
		s.metricsServer.Shutdown(ctx)
	}
}

// Stop gracefully stops the server. It is safe to call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		logger.Info().Msg("graceful shutdown initiated")
		s.trackMu.Lock()
		close(s.shutdown)
		s.trackMu.Unlock()
		s.closeListeners()

		// Sessions accepted from here on are refused by the registry
		sessions := s.registry.Close()
		notice := protocol.Notice(s.now(), "server shutting down")
		for _, sess := range sessions {
			sess.Conn.WriteLine(notice)
			sess.Conn.Close()
		}
		logger.Info().Int("sessions", len(sessions)).Msg("client sessions closed")

		s.wg.Wait()
		logger.Info().Msg("graceful shutdown complete")
	})
	return nil
}

// track adds one to the wait group unless shutdown has begun. Goroutines
// not already counted by wg must call it before doing any work.
func (s *Server) track() bool {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	if s.shuttingDown() {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) shuttingDown() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}

// acceptLoop accepts incoming TCP connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.shuttingDown() {
				return
			}
			logger.Error().Err(err).Msg("accept error")
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			lc := newStreamConn(conn, conn.RemoteAddr().String(), s.config.MaxLineLength, s.config.WriteTimeout)
			s.serveSession(lc, "tcp")
		}()
	}
}

// serveSession runs the protocol state machine for one connection until
// it closes. Cleanup always runs, however the loop exits.
func (s *Server) serveSession(conn lineConn, transport string) {
	sess, err := s.registry.AddSession(NewSafeConn(conn), transport)
	if err != nil {
		conn.WriteLine(protocol.Error(err))
		conn.Close()
		return
	}
	defer s.closeSession(sess)

	s.metrics.RecordSessionCreated(transport)
	s.audit.Log(sess.RemoteAddr, database.ActionConnect, "connected via "+transport)
	logger.Debug().Uint64("session", sess.ID).Str("remote", sess.RemoteAddr).Str("transport", transport).Msg("new connection")

	if !s.send(sess, protocol.AuthMenu()...) {
		return
	}

	for {
		line, err := sess.Conn.ReadLine()
		if errors.Is(err, ErrLineTooLong) {
			s.metrics.RecordCommand("invalid", err)
			if !s.send(sess, protocol.Error(err)) || !s.sendMenu(sess) {
				return
			}
			continue
		}
		if err != nil {
			if !sess.isClosed() {
				logger.Debug().Uint64("session", sess.ID).Err(err).Msg("read ended")
			}
			return
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		if err := s.handleLine(sess, line); err != nil {
			if errors.Is(err, ErrClientDisconnecting) {
				return
			}
			logger.Error().Uint64("session", sess.ID).Err(err).Msg("handle error")
			return
		}
	}
}

// closeSession removes sess from the registry and closes its transport.
// Only the first call for a session does any work.
func (s *Server) closeSession(sess *Session) {
	sess.Conn.Close()
	removed, deletedRooms := s.registry.RemoveSession(sess)
	if !removed {
		return
	}

	s.metrics.RecordSessionClosed()
	who := sess.Username()
	if who == "" {
		who = "unauthenticated"
	}
	s.audit.Log(sess.RemoteAddr, database.ActionDisconnect, who+" disconnected")
	logger.Debug().Uint64("session", sess.ID).Str("user", who).Strs("deleted_rooms", deletedRooms).Msg("session closed")
}
