package wsproxy

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// RawHeader is one entry of an original request's raw header list, which
// preserves both case and order — plain Go maps cannot do either.
type RawHeader struct {
	Name  string
	Value string
}

// UpstreamRequest carries everything the Upstream Connector needs from the
// original upgrade request (§6's ingress boundary), independent of how the
// HTTP front-end represented it.
type UpstreamRequest struct {
	URL             *url.URL
	Header          []RawHeader
	HTTPVersionHint string
	RemoteIPAddress string
	LastHopEncrypted *bool // tri-state __lastHopEncrypted hint
}

// ConnectOptions bundles the Passthrough connection options of §3 that
// govern a single Upstream Connector dial.
type ConnectOptions struct {
	IgnoreAllHostsHTTPSErrors bool
	IgnoreHostsHTTPSErrors    map[string]bool
	Trust                     *TrustStore
	Proxy                     ProxyResolver
	Lookup                    *LookupOptions
}

// UnexpectedResponse captures a non-101 upstream HTTP response that must be
// mirrored verbatim to the downstream socket per §4.2 step 8.
type UnexpectedResponse struct {
	StatusCode int
	Status     string
	Header     []RawHeader
	Body       []byte
}

// DialResult is the outcome of a single Connect call: exactly one of
// Endpoint, Unexpected, or Err is set.
type DialResult struct {
	Endpoint   *Endpoint
	Unexpected *UnexpectedResponse
	Err        error
}

// Connect implements the Upstream Connector algorithm of §4.2: it resolves
// the effective target (forwarding when configured; otherwise the
// transparent-proxy and then the localhost-rewrite rule), assembles TLS trust and DNS
// resolution, strips hop-by-hop and WebSocket-negotiation headers, and
// performs a manual RFC 6455 client handshake so that a non-101 response can
// be captured and mirrored rather than merely surfaced as an error.
func Connect(ctx context.Context, req *UpstreamRequest, opts ConnectOptions, forwarding *ForwardingOptions) *DialResult {
	target, hostHeaderOverride, err := resolveTarget(req, forwarding)
	if err != nil {
		return &DialResult{Err: fmt.Errorf("resolving upstream target: %w", err)}
	}

	host, port := splitHostPort(target, defaultPortFor(target.Scheme))
	host = normalizeHostname(host)
	strictTLS := !ignoreHTTPSErrorsFor(opts, host)

	var tlsConfig *tls.Config
	if target.Scheme == "wss" {
		tlsConfig = &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: !strictTLS, //nolint:gosec // explicit operator opt-out via ignoreHostHttpsErrors
		}
		if opts.Trust != nil {
			cp, terr := opts.Trust.Pool()
			if terr != nil {
				return &DialResult{Err: fmt.Errorf("assembling trust roots: %w", terr)}
			}
			tlsConfig.RootCAs = cp
			if cert, cerr := opts.Trust.ClientCertificateFor(host); cerr == nil && cert != nil {
				tlsConfig.Certificates = []tls.Certificate{*cert}
			}
		}
	}

	conn, err := dialThroughProxy(ctx, opts, host, port, target.Scheme == "wss", tlsConfig)
	if err != nil {
		return &DialResult{Err: fmt.Errorf("dialing upstream %s:%d: %w", host, port, err)}
	}

	headers := buildForwardHeaders(req.Header, host, port, hostHeaderOverride)

	resp, br, err := performClientHandshake(conn, target, headers)
	if err != nil {
		_ = conn.Close()
		return &DialResult{Err: fmt.Errorf("upstream handshake: %w", err)}
	}

	if resp.StatusCode != http.StatusSwitchingProtocols {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = conn.Close()
		return &DialResult{Unexpected: &UnexpectedResponse{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Header:     rawHeadersFrom(resp.Header),
			Body:       body,
		}}
	}

	// Any bytes the upstream sent immediately after the 101 that already
	// landed in the handshake reader's buffer still belong to the frame
	// stream that follows — replay them the same way Accept does for the
	// downstream side, so the Frame Pipe never drops a leading frame.
	leftover := make([]byte, br.Buffered())
	if _, err := io.ReadFull(br, leftover); err != nil {
		_ = conn.Close()
		return &DialResult{Err: fmt.Errorf("draining buffered handshake bytes: %w", err)}
	}
	return &DialResult{Endpoint: NewEndpoint(wrapWithPrefix(conn, leftover), true)}
}

// ForwardingOptions is §3's rule-configured target rewrite.
//
// UpdateHostHeader resolves the Open Question in §9 about non-boolean falsy
// values: nil means "rewrite" (the spec's true/absent default); the two
// reserved values UpdateHostHeaderLeaveUnset/UpdateHostHeaderRewrite make the
// boolean cases explicit; any other string is used as the literal header
// value.
type ForwardingOptions struct {
	TargetHost       string
	UpdateHostHeader *string
}

const (
	// UpdateHostHeaderRewrite requests Host/:authority be rewritten to the
	// new target (the default when UpdateHostHeader is nil).
	UpdateHostHeaderRewrite = "true"
	// UpdateHostHeaderLeaveUnset requests the original Host header be left
	// untouched.
	UpdateHostHeaderLeaveUnset = "false"
)

func resolveTarget(req *UpstreamRequest, forwarding *ForwardingOptions) (target *url.URL, hostHeaderOverride *string, err error) {
	effective := *req.URL

	if forwarding != nil && forwarding.TargetHost != "" {
		if !strings.Contains(forwarding.TargetHost, "/") {
			host, port, splitErr := net.SplitHostPort(forwarding.TargetHost)
			if splitErr != nil {
				// No explicit port: treat the whole string as the host.
				host = forwarding.TargetHost
				port = ""
			}
			effective.Host = joinHostPort(host, port)
		} else {
			parsed, perr := url.Parse(forwarding.TargetHost)
			if perr != nil {
				return nil, nil, fmt.Errorf("parsing forwarding targetHost: %w", perr)
			}
			effective.Scheme = parsed.Scheme
			effective.Host = parsed.Host
			// Path is preserved from the original request per §4.2.
		}

		override := hostHeaderFor(forwarding, effective.Host)
		return &effective, override, nil
	}

	if effective.Host == "" {
		// Transparent proxy variant: derive host from the Host header.
		for _, h := range req.Header {
			if strings.EqualFold(h.Name, "host") {
				effective.Host = h.Value
				break
			}
		}
		if effective.Scheme == "" {
			encrypted := false
			if req.LastHopEncrypted != nil {
				encrypted = *req.LastHopEncrypted
			}
			if encrypted {
				effective.Scheme = "wss"
			} else {
				effective.Scheme = "ws"
			}
		}
	}

	// Localhost rewrite: a loopback target reached from a non-loopback
	// remote must resolve back to that remote, not to this proxy host. The
	// Host header is intentionally left untouched in this branch.
	host, port := splitHostPort(&effective, defaultPortFor(effective.Scheme))
	if isLoopbackHost(host) {
		if remote := net.ParseIP(req.RemoteIPAddress); remote != nil && !remote.IsLoopback() {
			effective.Host = joinHostPort(req.RemoteIPAddress, strconv.Itoa(port))
		}
	}

	return &effective, nil, nil
}

// isLoopbackHost reports whether host names a loopback address, either as
// a literal IP (127.0.0.1, ::1) or as the conventional hostname "localhost"
// that resolvers map to one, matching the set of spellings mockttp treats
// as loopback.
func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func hostHeaderFor(forwarding *ForwardingOptions, newHost string) *string {
	if forwarding.UpdateHostHeader == nil || *forwarding.UpdateHostHeader == UpdateHostHeaderRewrite {
		v := newHost
		return &v
	}
	if *forwarding.UpdateHostHeader == UpdateHostHeaderLeaveUnset || *forwarding.UpdateHostHeader == "" {
		return nil
	}
	v := *forwarding.UpdateHostHeader
	return &v
}

func defaultPortFor(scheme string) int {
	if scheme == "wss" {
		return 443
	}
	return 80
}

func splitHostPort(u *url.URL, defaultPort int) (string, int) {
	host := u.Hostname()
	portStr := u.Port()
	if portStr == "" {
		return host, defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, defaultPort
	}
	return host, port
}

// normalizeHostname converts an internationalized hostname to its ASCII
// (punycode) form so TLS SNI/ServerName and Host header comparisons behave
// the same regardless of how the downstream request spelled the domain.
// Non-IDN hosts and IP literals pass through unchanged.
func normalizeHostname(host string) string {
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return host
	}
	return ascii
}

func joinHostPort(host, port string) string {
	if port == "" {
		return host
	}
	return net.JoinHostPort(host, port)
}

func ignoreHTTPSErrorsFor(opts ConnectOptions, host string) bool {
	if opts.IgnoreAllHostsHTTPSErrors {
		return true
	}
	return opts.IgnoreHostsHTTPSErrors[host]
}

// buildForwardHeaders strips sec-websocket-*, connection, and upgrade
// headers (the client handshake code synthesizes these) and applies the
// Host header override, preserving the original case and order of every
// other header per §4.2 step 6.
func buildForwardHeaders(raw []RawHeader, host string, port int, hostOverride *string) []RawHeader {
	out := make([]RawHeader, 0, len(raw)+1)
	hostWritten := false
	for _, h := range raw {
		lower := strings.ToLower(h.Name)
		if strings.HasPrefix(lower, "sec-websocket-") || lower == "connection" || lower == "upgrade" {
			continue
		}
		if lower == "host" {
			hostWritten = true
			if hostOverride != nil {
				out = append(out, RawHeader{Name: h.Name, Value: *hostOverride})
			} else {
				out = append(out, h)
			}
			continue
		}
		out = append(out, h)
	}
	if !hostWritten {
		value := joinHostPort(host, strconv.Itoa(port))
		if hostOverride != nil {
			value = *hostOverride
		}
		out = append(out, RawHeader{Name: "Host", Value: value})
	}
	return out
}

func rawHeadersFrom(h http.Header) []RawHeader {
	out := make([]RawHeader, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			out = append(out, RawHeader{Name: name, Value: v})
		}
	}
	return out
}

func dialThroughProxy(ctx context.Context, opts ConnectOptions, host string, port int, useTLS bool, tlsConfig *tls.Config) (net.Conn, error) {
	target := joinHostPort(host, strconv.Itoa(port))

	var proxyInfo ProxyInfo
	if opts.Proxy != nil {
		info, err := opts.Proxy.ResolveProxy(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("resolving proxy: %w", err)
		}
		proxyInfo = info
	}

	dialAddr := target
	if proxyInfo.URL != "" {
		proxyURL, err := url.Parse(proxyInfo.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy URL: %w", err)
		}
		dialAddr = proxyURL.Host
	}

	var dialer interface {
		DialContext(ctx context.Context, network, address string) (net.Conn, error)
	}
	if opts.Lookup != nil {
		resolver := NewCachingResolver(*opts.Lookup)
		nd := &net.Dialer{Resolver: nil}
		dialer = &resolvingDialer{base: nd, resolver: resolver}
	} else {
		dialer = &net.Dialer{}
	}

	conn, err := dialer.DialContext(ctx, "tcp", dialAddr)
	if err != nil {
		return nil, err
	}

	if proxyInfo.URL != "" {
		if err := connectTunnel(conn, target); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	if useTLS {
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("TLS handshake: %w", err)
		}
		return tlsConn, nil
	}

	return conn, nil
}

// resolvingDialer routes DialContext through a CachingResolver before
// handing off to net.Dialer, so dial-time hostname lookups are subject to
// the configured lookupOptions TTLs instead of the system resolver.
type resolvingDialer struct {
	base     *net.Dialer
	resolver *CachingResolver
}

func (d *resolvingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return d.base.DialContext(ctx, network, address)
	}
	if net.ParseIP(host) != nil {
		return d.base.DialContext(ctx, network, address)
	}
	addrs, err := d.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses found for %s", host)
	}
	return d.base.DialContext(ctx, network, net.JoinHostPort(addrs[0], port))
}

func connectTunnel(conn net.Conn, target string) error {
	_, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)
	if err != nil {
		return fmt.Errorf("writing CONNECT: %w", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		return fmt.Errorf("reading CONNECT response: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("proxy CONNECT to %s failed: %s", target, resp.Status)
	}
	return nil
}

// performClientHandshake writes a manual RFC 6455 client handshake (rather
// than delegating to a library's upgrade helper) so that a non-101 response
// surfaces as a full *http.Response whose body can be mirrored verbatim,
// per §4.2 step 8 and §7's upstream-HTTP-rejection error kind. The returned
// *bufio.Reader is the caller's responsibility: on a 101 it may already
// hold bytes past the header block that belong to the frame stream and
// must be replayed rather than read as response body.
func performClientHandshake(conn net.Conn, target *url.URL, headers []RawHeader) (*http.Response, *bufio.Reader, error) {
	key, err := generateWebSocketKey()
	if err != nil {
		return nil, nil, err
	}

	path := target.RequestURI()
	if path == "" {
		path = "/"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", path)
	for _, h := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	fmt.Fprintf(&b, "Upgrade: websocket\r\n")
	fmt.Fprintf(&b, "Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Version: 13\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Key: %s\r\n", key)
	b.WriteString("\r\n")

	if _, err := io.WriteString(conn, b.String()); err != nil {
		return nil, nil, fmt.Errorf("writing handshake request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodGet})
	if err != nil {
		return nil, nil, fmt.Errorf("reading handshake response: %w", err)
	}
	return resp, br, nil
}

func generateWebSocketKey() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
