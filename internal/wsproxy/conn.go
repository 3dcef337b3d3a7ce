package wsproxy

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strings"
)

// prefixConn replays a pre-read buffer as the first bytes of a net.Conn's
// read side — used whenever an HTTP front-end has already consumed bytes
// off the wire (the handshake head, a buffered reader's remainder) that
// still belong to the WebSocket stream that follows.
type prefixConn struct {
	net.Conn
	prefix []byte
	off    int
}

func wrapWithPrefix(conn net.Conn, prefix []byte) net.Conn {
	if len(prefix) == 0 {
		return conn
	}
	return &prefixConn{Conn: conn, prefix: prefix}
}

func (c *prefixConn) Read(p []byte) (int, error) {
	if c.off < len(c.prefix) {
		n := copy(p, c.prefix[c.off:])
		c.off += n
		return n, nil
	}
	return c.Conn.Read(p)
}

// WriteRawHTTPResponse writes a status line, exactly the given headers (no
// synthesized Content-Length), a blank line, the body verbatim, and a
// trailing CRLF to w — the exact byte format required both by the Reject
// handler (§4.4.4, scenario 1: `HTTP/1.1 418 I'm a teapot\r\nX-Foo:
// bar\r\n\r\nnope\r\n`) and by mirroring an upstream's non-101 response
// verbatim to the downstream socket (§4.2 step 8, §6). Callers that need a
// Content-Length header must supply it themselves in headers.
func WriteRawHTTPResponse(w io.Writer, statusCode int, statusText string, headers []RawHeader, body []byte) error {
	if statusText == "" {
		statusText = defaultStatusText(statusCode)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", statusCode, statusText)
	for _, h := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	b.WriteString("\r\n")

	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("writing response head: %w", err)
	}
	if len(body) > 0 {
		if _, err := io.Copy(w, bytes.NewReader(body)); err != nil {
			return fmt.Errorf("writing response body: %w", err)
		}
	}
	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return fmt.Errorf("writing trailing CRLF: %w", err)
	}
	return nil
}

func defaultStatusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 418:
		return "I'm a Teapot"
	case 500:
		return "Internal Server Error"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	default:
		return "Unknown"
	}
}
