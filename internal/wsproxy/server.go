package wsproxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relayforge/wsintercept/internal/audit"
	"github.com/relayforge/wsintercept/internal/config"
	"github.com/relayforge/wsintercept/internal/metrics"
)

// Server binds the downstream listener described by a Config's server
// section, parses each incoming upgrade request, matches it against a
// RuleSet, and dispatches it to whichever Handler variant the winning Rule
// is bound to (§4.5).
type Server struct {
	cfg     *config.Config
	rules   atomic.Pointer[RuleSet]
	logger  *audit.Logger
	metrics *metrics.Metrics

	maxConnLifetime time.Duration
	sem             chan struct{}

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// NewServer builds a Server from cfg, constructing its RuleSet and wiring
// the pipe-close and upstream-dial instrumentation hooks back to logger and
// m. A nil logger or m is replaced with a no-op/fresh instance.
func NewServer(cfg *config.Config, logger *audit.Logger, m *metrics.Metrics) (*Server, error) {
	if logger == nil {
		logger = audit.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}

	s := &Server{
		cfg:             cfg,
		logger:          logger,
		metrics:         m,
		maxConnLifetime: time.Duration(cfg.WebSocketProxy.MaxConnectionSeconds) * time.Second,
		sem:             make(chan struct{}, cfg.WebSocketProxy.MaxConcurrentConnections),
	}

	rules, err := BuildRuleSet(cfg, s.onPipeEvent, s.onDial)
	if err != nil {
		return nil, fmt.Errorf("building rule set: %w", err)
	}
	s.rules.Store(rules)

	return s, nil
}

// Rules returns the server's current RuleSet, for inspectors and admin
// layers that need to read match counts or records after the fact.
func (s *Server) Rules() *RuleSet { return s.rules.Load() }

// RebuildRules builds a fresh RuleSet from cfg and atomically swaps it in
// for future matches, then disposes the outgoing RuleSet so no stale rule
// can match a new connection. Sessions already dispatched to a Rule from
// the outgoing set are unaffected: each holds its own *Rule, not a
// reference to the RuleSet it came from. Used by config hot-reload.
func (s *Server) RebuildRules(cfg *config.Config) error {
	rules, err := BuildRuleSet(cfg, s.onPipeEvent, s.onDial)
	if err != nil {
		return fmt.Errorf("building rule set: %w", err)
	}
	old := s.rules.Swap(rules)
	if old != nil {
		old.DisposeAll()
	}
	return nil
}

// Addr returns the listener's bound address, or nil before Serve has bound
// it. Useful for tests and operators that configure a ":0" listen address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve binds the configured listener and accepts connections until ctx is
// canceled or Close is called. It returns nil on a clean shutdown.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return fmt.Errorf("binding listener %s: %w", s.cfg.Server.Listen, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.LogStartup(s.cfg.Server.Listen)

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}

		select {
		case s.sem <- struct{}{}:
			go func() {
				defer func() { <-s.sem }()
				s.handleConn(ctx, conn)
			}()
		default:
			_ = WriteRawHTTPResponse(conn, 503, "Service Unavailable", nil, []byte("too many concurrent connections"))
			_ = conn.Close()
		}
	}
}

// Close stops accepting new connections and disposes every rule so no
// further matches occur. Already-installed Frame Pipes are left to drain on
// their own rather than being torn down forcibly.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.rules.Load().DisposeAll()
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) listen() (net.Listener, error) {
	if s.cfg.Server.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.Server.TLSCertFile, s.cfg.Server.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading server certificate: %w", err)
		}
		return tls.Listen("tcp", s.cfg.Server.Listen, &tls.Config{Certificates: []tls.Certificate{cert}})
	}
	return net.Listen("tcp", s.cfg.Server.Listen)
}

// handleConn owns a single accepted connection end to end: parse the
// upgrade request, match a rule, dispatch to its handler, and record the
// outcome in the audit log and metrics.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	// Every return path below — parse failure, no-rule-matched, and every
	// handler's Serve returning — must end with the socket destroyed.
	// Handlers that already close their own Endpoint (Echo, Listen,
	// Passthrough's Frame Pipe) leave conn already closed, so this defer
	// is a harmless no-op for them; for Reject and transport-fault
	// handlers, which never touch conn themselves once they've written
	// their response, this is what actually destroys the socket (§4.4.4,
	// scenario 1: "then destroy the socket").
	defer func() { _ = conn.Close() }()

	requestID := uuid.NewString()

	if s.maxConnLifetime > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.maxConnLifetime))
	}

	br := bufio.NewReader(conn)
	httpReq, err := http.ReadRequest(br)
	if err != nil {
		s.metrics.RecordErrored()
		return
	}

	clientIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

	upstreamReq := &UpstreamRequest{
		URL:             upgradeURL(httpReq, conn),
		Header:          rawHeadersFrom(httpReq.Header),
		HTTPVersionHint: httpReq.Proto,
		RemoteIPAddress: clientIP,
	}
	acceptReq := &AcceptRequest{Header: upstreamReq.Header}

	rule := s.rules.Load().Match(acceptReq, upstreamReq)
	if rule == nil {
		s.metrics.RecordRejected()
		_ = WriteRawHTTPResponse(conn, 404, "Not Found", nil, []byte("no rule matched this upgrade request"))
		return
	}

	rule.Handle(acceptReq)
	s.logger.LogRuleMatched(rule.ID, rule.Handler.Kind(), requestID, rule.Count())
	if rule.IsComplete() {
		rule.Dispose()
		s.logger.LogRuleDisposed(rule.ID, rule.Count())
	}

	s.metrics.IncrActiveSessions()
	defer s.metrics.DecrActiveSessions()

	start := time.Now()
	accepted := false
	onAccepted := func() {
		accepted = true
		s.logger.LogHandshakeAccepted(rule.ID, clientIP, requestID, upstreamReq.URL.Path)
	}

	serveErr := s.dispatch(ctx, rule, conn, br, acceptReq, upstreamReq, requestID, onAccepted)
	duration := time.Since(start)

	switch {
	case accepted:
		s.metrics.RecordOpened(upstreamReq.URL.Host, duration)
	case serveErr == nil:
		s.metrics.RecordRejected()
	default:
		s.metrics.RecordErrored()
	}
}

func (s *Server) dispatch(ctx context.Context, rule *Rule, conn net.Conn, br *bufio.Reader, acceptReq *AcceptRequest, upstreamReq *UpstreamRequest, requestID string, onAccepted func()) error {
	switch h := rule.Handler.(type) {
	case *PassthroughHandler:
		return h.Serve(ctx, conn, br, acceptReq, upstreamReq, onAccepted)

	case *EchoHandler:
		ep, err := Accept(conn, br, acceptReq, nil)
		if err != nil {
			return fmt.Errorf("accepting handshake for echo handler: %w", err)
		}
		onAccepted()
		return h.Serve(ep)

	case *ListenHandler:
		ep, err := Accept(conn, br, acceptReq, nil)
		if err != nil {
			return fmt.Errorf("accepting handshake for listen handler: %w", err)
		}
		onAccepted()
		return h.Serve(ep)

	case *RejectHandler:
		err := h.Serve(conn)
		if err == nil {
			s.logger.LogUpstreamRejected(rule.ID, upstreamReq.URL.Host, requestID, h.StatusCode)
		}
		return err

	case *TransportFaultHandler:
		return h.Serve(ctx, conn)

	default:
		return fmt.Errorf("unhandled handler type %T", rule.Handler)
	}
}

// onPipeEvent is wired onto every configured passthrough rule so that a
// close frame carrying a status code outside every wire-valid range is
// counted and logged regardless of which rule's pipe produced it.
func (s *Server) onPipeEvent(ev PipeEvent) {
	var invalidErr *InvalidCloseCodeError
	if errors.As(ev.Err, &invalidErr) {
		s.metrics.RecordInvalidCloseCode()
		s.logger.LogInvalidCloseCode("", "", int(invalidErr.Code), ev.Direction)
	}
}

// onDial is wired onto every configured passthrough rule so that time spent
// dialing and handshaking upstream is recorded independent of however long
// the Frame Pipe that follows stays open.
func (s *Server) onDial(d time.Duration, err error) {
	s.metrics.RecordUpstreamDial(d)
	s.logger.LogUpstreamDial("", "", "", d, err)
}

// upgradeURL reconstructs the effective ws/wss URL an incoming upgrade
// request targets, from the request line's path/query and the Host header,
// inferring the scheme from whether the downstream connection is itself TLS
// (browsers never send a scheme in the request line).
func upgradeURL(req *http.Request, conn net.Conn) *url.URL {
	u := *req.URL
	u.Host = req.Host
	if u.Host == "" {
		u.Host = conn.LocalAddr().String()
	}
	if _, ok := conn.(*tls.Conn); ok {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return &u
}
