package wsproxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"

	"github.com/relayforge/wsintercept/internal/audit"
	"github.com/relayforge/wsintercept/internal/config"
	"github.com/relayforge/wsintercept/internal/metrics"
)

// dialRaw performs a client-side RFC 6455 handshake over a plain TCP dial to
// addr and returns the open connection plus a bufio.Reader positioned right
// after the response headers.
func dialRaw(t *testing.T, addr, path string) (net.Conn, *bufio.Reader) {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dialing %s: %v", addr, err)
	}

	req := fmt.Sprintf(
		"GET %s HTTP/1.1\r\nHost: %s\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nSec-WebSocket-Version: 13\r\n\r\n",
		path, addr,
	)
	if _, err := io.WriteString(conn, req); err != nil {
		t.Fatalf("writing handshake: %v", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("reading handshake response: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	return conn, br
}

func waitForAddr(t *testing.T, s *Server) net.Addr {
	t.Helper()
	for i := 0; i < 100; i++ {
		if a := s.Addr(); a != nil {
			return a
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("server never bound a listener")
	return nil
}

func TestServer_EchoRoundTrip(t *testing.T) {
	cfg := config.Defaults()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.MetricsListen = ""
	cfg.Rules = []config.RuleConfig{
		{ID: "echo", Match: config.MatchConfig{PathPattern: "/echo"}, Handler: config.HandlerEcho},
	}

	logger := audit.NewNop()
	m := metrics.New()

	srv, err := NewServer(cfg, logger, m)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	addr := waitForAddr(t, srv)

	conn, br := dialRaw(t, addr.String(), "/echo")
	defer conn.Close()

	client := NewEndpoint(conn, true)
	if err := client.WriteMessage(ws.OpText, []byte("hello")); err != nil {
		t.Fatalf("writing message: %v", err)
	}

	// Read the echoed frame through br, not conn directly: br may already
	// hold buffered bytes past the response headers it parsed.
	hdr, err := ws.ReadHeader(br)
	if err != nil {
		t.Fatalf("reading echoed header: %v", err)
	}
	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(br, payload); err != nil {
		t.Fatalf("reading echoed payload: %v", err)
	}
	if string(payload) != "hello" {
		t.Errorf("expected echoed payload %q, got %q", "hello", payload)
	}

	cancel()
	<-done
}

func TestServer_NoRuleMatches404(t *testing.T) {
	cfg := config.Defaults()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.MetricsListen = ""

	srv, err := NewServer(cfg, audit.NewNop(), metrics.New())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	addr := waitForAddr(t, srv)

	conn, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	defer conn.Close()

	req := fmt.Sprintf(
		"GET /nope HTTP/1.1\r\nHost: %s\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nSec-WebSocket-Version: 13\r\n\r\n",
		addr.String(),
	)
	if _, err := io.WriteString(conn, req); err != nil {
		t.Fatalf("writing request: %v", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for an unmatched upgrade request, got %d", resp.StatusCode)
	}

	cancel()
	<-done
}

func TestServer_RejectHandlerAnswersWithoutUpgrading(t *testing.T) {
	cfg := config.Defaults()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.MetricsListen = ""
	cfg.Rules = []config.RuleConfig{
		{ID: "blocked", Handler: config.HandlerReject, HandlerOptions: map[string]any{"status_code": 403, "body": "forbidden"}},
	}

	srv, err := NewServer(cfg, audit.NewNop(), metrics.New())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	addr := waitForAddr(t, srv)

	conn, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	defer conn.Close()

	req := fmt.Sprintf(
		"GET / HTTP/1.1\r\nHost: %s\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nSec-WebSocket-Version: 13\r\n\r\n",
		addr.String(),
	)
	if _, err := io.WriteString(conn, req); err != nil {
		t.Fatalf("writing request: %v", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if strings.TrimSpace(string(body)) != "forbidden" {
		t.Errorf("expected body %q, got %q", "forbidden", body)
	}

	cancel()
	<-done
}

func TestUpgradeURL_InfersSchemeFromConnType(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "/ws?x=1", nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Host = "example.com"

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	u := upgradeURL(req, server)
	if u.Scheme != "ws" {
		t.Errorf("expected ws scheme for a plain conn, got %q", u.Scheme)
	}
	if u.Host != "example.com" {
		t.Errorf("expected host example.com, got %q", u.Host)
	}
	if u.Path != "/ws" || u.RawQuery != "x=1" {
		t.Errorf("expected path/query preserved, got %s?%s", u.Path, u.RawQuery)
	}
}
