// Package server implements the jailfs connection supervisor.
// It listens on TCP (or a Unix Domain Socket), gives every connection its
// own session confined to the jail, and dispatches protocol commands.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"jailfs/internal/jail"
	"jailfs/internal/session"
	"jailfs/pkg/protocol"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
)

// Defaults applied by NewServer for zero-valued Config fields.
const (
	DefaultMaxSessions = 64
	DefaultIdleTimeout = 10 * time.Minute
)

var errNotUnixSocket = errors.New("connection is not a Unix socket")

// Config holds the configuration for the server.
type Config struct {
	ListenAddr     string        // "host:port", or "unix:/path/to.sock"
	RootDir        string        // jail root; the working directory when empty
	PolicyPath     string        // verb policy; empty allows every verb
	AuditPath      string        // JSON-lines audit log; empty disables auditing
	APIAddr        string        // admin HTTP API; empty disables it
	IdleTimeout    time.Duration // per read/write deadline; negative disables it
	MaxLineLength  int
	MaxUploadSize  int64 // 0 disables the limit
	MaxSessions    int64
	LegacySentinel bool
	Logger         *log.Logger
	Registry       *prometheus.Registry
}

// Server is the jailfs supervisor.
type Server struct {
	config     Config
	jail       *jail.Jail
	dispatcher *Dispatcher
	sessions   *session.Registry
	slots      *semaphore.Weighted
	policy     atomic.Pointer[PolicyEngine]
	audit      *AuditLogger
	api        *APIServer
	metrics    *Metrics
	registry   *prometheus.Registry
	logger     *log.Logger
	startedAt  time.Time

	policyWatcher *PolicyWatcher

	mu       sync.Mutex
	listener net.Listener

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// NewServer creates a new server with the given configuration. The jail
// root is canonicalized here, once, and never changes afterwards.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[jailfsd] ", log.LstdFlags|log.Lmsgprefix)
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = protocol.DefaultAddr
	}
	if cfg.MaxLineLength <= 0 {
		cfg.MaxLineLength = protocol.MaxLineLength
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.RootDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("determine working directory: %w", err)
		}
		cfg.RootDir = wd
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}

	j, err := jail.Open(cfg.RootDir)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Registry)
	if err != nil {
		j.Close()
		return nil, err
	}

	auditLogger, err := NewAuditLogger(cfg.AuditPath)
	if err != nil {
		j.Close()
		return nil, fmt.Errorf("create audit logger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	srv := &Server{
		config:    cfg,
		jail:      j,
		sessions:  session.NewRegistry(),
		slots:     semaphore.NewWeighted(cfg.MaxSessions),
		audit:     auditLogger,
		metrics:   metrics,
		registry:  cfg.Registry,
		logger:    cfg.Logger,
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	srv.policy.Store(srv.loadPolicy())
	srv.dispatcher = NewDispatcher(j, srv.policy.Load, DispatchConfig{
		MaxLineLength:  cfg.MaxLineLength,
		MaxUploadSize:  cfg.MaxUploadSize,
		LegacySentinel: cfg.LegacySentinel,
	}, metrics)

	if cfg.LegacySentinel {
		cfg.Logger.Printf("warning: legacy EOF-sentinel uploads enabled; payloads containing %q will be cut short", protocol.LegacySentinel)
	}

	// Create HTTP API server if address is provided
	if cfg.APIAddr != "" {
		srv.api = NewAPIServer(srv, cfg.APIAddr, cfg.Logger)
	}

	return srv, nil
}

// loadPolicy reads the configured policy. A policy file that cannot be
// loaded puts the server in read-only mode rather than allowing everything.
func (s *Server) loadPolicy() *PolicyEngine {
	if s.config.PolicyPath == "" {
		return DefaultPolicy()
	}

	policy, err := LoadPolicy(s.config.PolicyPath)
	if err != nil {
		s.logger.Printf("warning: could not load policy from %s: %v (using read-only policy)", s.config.PolicyPath, err)
		policy = ReadOnlyPolicy()
	}

	watcher, err := NewPolicyWatcher(s.config.PolicyPath, policy, s.logger)
	if err != nil {
		s.logger.Printf("warning: failed to create policy watcher: %v (hot-reload disabled)", err)
		return policy
	}
	watcher.OnReload(func(newPolicy *PolicyEngine) {
		s.policy.Store(newPolicy)
	})
	s.policyWatcher = watcher
	return policy
}

// Policy returns the policy currently in force.
func (s *Server) Policy() *PolicyEngine {
	return s.policy.Load()
}

// Jail returns the jail served to clients.
func (s *Server) Jail() *jail.Jail {
	return s.jail
}

// Sessions returns the registry of live connections.
func (s *Server) Sessions() *session.Registry {
	return s.sessions
}

// Registry returns the Prometheus registry holding the server metrics.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Addr returns the bound listener address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// splitListenAddr maps "unix:/path" to a Unix socket and anything else to TCP.
func splitListenAddr(addr string) (string, string) {
	if path, ok := strings.CutPrefix(addr, "unix:"); ok {
		return "unix", path
	}
	return "tcp", addr
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	network, address := splitListenAddr(s.config.ListenAddr)

	if network == "unix" {
		// Remove a stale socket file left by a previous run
		os.Remove(address)
		if err := os.MkdirAll(filepath.Dir(address), 0755); err != nil {
			return fmt.Errorf("create socket directory: %w", err)
		}
	}

	listener, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.ListenAddr, err)
	}

	if network == "unix" {
		if err := os.Chmod(address, 0666); err != nil {
			s.logger.Printf("warning: could not chmod socket: %v", err)
		}
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Printf("listening on %s (jail root %s)", listener.Addr(), s.jail.Root())
	return nil
}

// ListenAndServe binds the listener and accepts connections until Shutdown.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve accepts connections on the listener bound by Listen. Each
// connection is served on its own goroutine.
func (s *Server) Serve() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("serve: not listening")
	}
	if s.ctx.Err() != nil {
		return nil
	}

	// Start HTTP API server if configured
	if s.api != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Printf("HTTP API server error: %v", err)
			}
		}()
	}

	// Start policy watcher if enabled
	if s.policyWatcher != nil {
		if err := s.policyWatcher.Start(s.ctx); err != nil {
			s.logger.Printf("policy watcher error: %v (hot-reload disabled)", err)
		}
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil // Clean shutdown
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Printf("accept error: %v", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// Shutdown stops accepting, closes every live session and waits for all
// connection goroutines to return.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.cancel()
		if s.api != nil {
			s.api.Shutdown()
		}
		if s.policyWatcher != nil {
			s.policyWatcher.Stop()
		}

		s.mu.Lock()
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Unlock()

		s.sessions.CloseAll()
		s.wg.Wait()

		if err := s.audit.Close(); err != nil {
			s.logger.Printf("close audit log: %v", err)
		}
		s.jail.Close()
		s.logger.Printf("server stopped")
	})
}

// handleConnection serves one client until it disconnects or exits.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	if !s.slots.TryAcquire(1) {
		s.metrics.SessionsRejected.Inc()
		s.logger.Printf("rejecting %s: %d sessions already active", conn.RemoteAddr(), s.config.MaxSessions)
		protocol.WriteReply(newDeadlineConn(conn, s.config.IdleTimeout), protocol.ReplyBusy)
		return
	}
	defer s.slots.Release(1)

	sess := session.New(s.jail.Root(), conn.RemoteAddr().String())
	if creds, err := extractPeerCreds(conn); err == nil {
		sess.Peer = creds.String()
	} else if !errors.Is(err, errNotUnixSocket) {
		s.logger.Printf("warning: could not extract peer credentials: %v", err)
	}

	s.sessions.Add(sess.Info(), conn)
	defer s.sessions.Remove(sess.ID)

	// Shutdown may have run CloseAll before this session was registered.
	if s.ctx.Err() != nil {
		return
	}

	s.metrics.SessionOpened()
	defer s.metrics.SessionClosed()

	logger := log.New(s.logger.Writer(), fmt.Sprintf("[session %s] ", sess.ShortID()), s.logger.Flags())
	if sess.Peer != "" {
		logger.Printf("opened from %s (%s)", sess.RemoteAddr, sess.Peer)
	} else {
		logger.Printf("opened from %s", sess.RemoteAddr)
	}

	s.serveSession(sess, newDeadlineConn(conn, s.config.IdleTimeout), logger)

	logger.Printf("closed after %d commands, %d bytes uploaded, %s",
		sess.Commands, sess.Uploaded, time.Since(sess.StartedAt).Round(time.Millisecond))
}

// serveSession runs the read, dispatch, reply loop for one session.
func (s *Server) serveSession(sess *session.Session, rw io.ReadWriter, logger *log.Logger) {
	r := bufio.NewReader(rw)

	for {
		line, err := protocol.ReadLine(r, s.config.MaxLineLength)
		if errors.Is(err, protocol.ErrLineTooLong) {
			logger.Printf("discarded command line longer than %d bytes", s.config.MaxLineLength)
			if err := s.reply(sess, rw, protocol.ReplyTooLong); err != nil {
				logger.Printf("write reply: %v", err)
				return
			}
			continue
		}
		if err != nil {
			switch {
			case isTimeout(err):
				logger.Printf("idle for %s, disconnecting", s.config.IdleTimeout)
			case s.ctx.Err() != nil, errors.Is(err, net.ErrClosed):
			case err != protocol.ErrConnectionClosed:
				logger.Printf("connection error: %v", err)
			}
			return
		}

		cwd := sess.Cwd()
		start := time.Now()
		res := s.dispatcher.Dispatch(sess, line, r)
		sess.Commands++
		s.record(sess, cwd, res, time.Since(start), logger)

		if res.Reply != "" {
			if err := s.reply(sess, rw, res.Reply); err != nil {
				logger.Printf("write reply: %v", err)
				return
			}
		}
		if res.Close {
			return
		}
	}
}

func (s *Server) reply(sess *session.Session, w io.Writer, text string) error {
	if sess.Framed {
		return protocol.WriteBlock(w, text)
	}
	return protocol.WriteReply(w, text)
}

// record updates metrics, the audit log and the security log for one
// dispatched command.
func (s *Server) record(sess *session.Session, cwd string, res Result, elapsed time.Duration, logger *log.Logger) {
	verb := res.Verb
	if verb == "" {
		verb = "empty"
	}

	outcome := "ok"
	decision := ActionAllow
	switch {
	case res.Denied:
		outcome = "denied"
		decision = ActionDeny
		logger.Printf("policy denied %q", res.Line)
	case res.Err != nil:
		outcome = "error"
	}

	if errors.Is(res.Err, jail.ErrDenied) {
		s.metrics.PathDenials.Inc()
		logger.Printf("SECURITY: %q: %v", res.Line, res.Err)
	} else if res.Err != nil && res.Close {
		logger.Printf("%s failed, closing session: %v", verb, res.Err)
	}

	s.metrics.ObserveCommand(verb, outcome, elapsed)

	entry := AuditEntry{
		SessionID: sess.ID,
		Remote:    sess.RemoteAddr,
		Verb:      verb,
		Args:      res.Args,
		Cwd:       s.jail.Display(cwd),
		Decision:  decision.String(),
		Outcome:   outcome,
		Reply:     firstLine(res.Reply),
		Bytes:     res.Bytes,
		Duration:  float64(elapsed.Microseconds()) / 1000,
	}
	if res.Err != nil {
		entry.Error = res.Err.Error()
	}
	if err := s.audit.Log(entry); err != nil {
		logger.Printf("audit: %v", err)
	}
}

func firstLine(text string) string {
	line, _, _ := strings.Cut(text, "\n")
	return line
}

// Status is a point-in-time summary of the server.
type Status struct {
	Status         string  `json:"status"`
	Listen         string  `json:"listen"`
	JailRoot       string  `json:"jail_root"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	ActiveSessions int     `json:"active_sessions"`
	MaxSessions    int64   `json:"max_sessions"`
	ReadOnly       bool    `json:"read_only"`
}

// Status reports the server state.
func (s *Server) Status() Status {
	listen := s.config.ListenAddr
	if addr := s.Addr(); addr != nil {
		listen = addr.String()
	}
	return Status{
		Status:         "running",
		Listen:         listen,
		JailRoot:       s.jail.Root(),
		UptimeSeconds:  time.Since(s.startedAt).Seconds(),
		ActiveSessions: s.sessions.Len(),
		MaxSessions:    s.config.MaxSessions,
		ReadOnly:       s.Policy().Config().ReadOnly,
	}
}
