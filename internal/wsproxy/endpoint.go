package wsproxy

import (
	"crypto/rand"
	"net"
	"sync"
	"sync/atomic"

	"github.com/gobwas/ws"

	"github.com/relayforge/wsintercept/internal/wsutil"
)

// Endpoint wraps one side of an established WebSocket connection: the raw
// socket plus the bookkeeping a Frame Pipe needs to relay frames safely.
// ClientRole controls masking: per RFC 6455, frames sent by a client MUST be
// masked and frames sent by a server MUST NOT be. The downstream endpoint
// (this process acting as server to the real client) is never masked; the
// upstream endpoint (this process acting as client to the real origin) is
// always masked.
type Endpoint struct {
	Conn       net.Conn
	ClientRole bool

	writeMu sync.Mutex
	state   atomic.Int32
}

// NewEndpoint wraps conn as an Endpoint already in the open state.
func NewEndpoint(conn net.Conn, clientRole bool) *Endpoint {
	e := &Endpoint{Conn: conn, ClientRole: clientRole}
	e.state.Store(int32(StateOpen))
	return e
}

// State returns the endpoint's current lifecycle state.
func (e *Endpoint) State() State { return State(e.state.Load()) }

// IsOpen reports whether the endpoint is still eligible to receive forwarded
// frames.
func (e *Endpoint) IsOpen() bool { return e.State() == StateOpen }

func (e *Endpoint) setState(s State) { e.state.Store(int32(s)) }

// WriteMessage sends a complete (non-fragmented) data frame.
func (e *Endpoint) WriteMessage(op ws.OpCode, payload []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.ClientRole {
		return writeMaskedMessage(e.Conn, op, payload)
	}
	return writeUnmaskedMessage(e.Conn, op, payload)
}

// WriteControl forwards a ping or pong control frame.
func (e *Endpoint) WriteControl(op ws.OpCode, payload []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return wsutil.WriteRawControlFrame(e.Conn, op, e.ClientRole, payload)
}

// WriteClose sends a close frame carrying code and reason. Returns an error
// if the write fails, so callers can fall back to a bare close per §4.1.
func (e *Endpoint) WriteClose(code ws.StatusCode, reason string) error {
	reasonBytes := []byte(reason)
	if len(reasonBytes) > wsutil.MaxControlPayload-2 {
		reasonBytes = reasonBytes[:wsutil.MaxControlPayload-2]
	}
	payload := make([]byte, 2+len(reasonBytes))
	payload[0] = byte(code >> 8) //nolint:gosec // StatusCode is uint16
	payload[1] = byte(code & 0xFF)
	copy(payload[2:], reasonBytes)

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return wsutil.WriteRawControlFrame(e.Conn, ws.OpClose, e.ClientRole, payload)
}

// WriteBareClose sends a close frame with no status code or reason.
func (e *Endpoint) WriteBareClose() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return wsutil.WriteRawControlFrame(e.Conn, ws.OpClose, e.ClientRole, nil)
}

// WriteInvalidCloseCode simulates a peer's out-of-range close code verbatim,
// the low-level primitive backing invalid-close-code propagation (§9).
func (e *Endpoint) WriteInvalidCloseCode(code ws.StatusCode) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return wsutil.WriteRawControlFrame(e.Conn, ws.OpClose, e.ClientRole, wsutil.InvalidCloseStatusPayload(code))
}

// Close marks the endpoint closed and closes the underlying socket cleanly.
func (e *Endpoint) Close() {
	e.setState(StateClosed)
	_ = e.Conn.Close()
}

// Destroy hard-terminates the underlying socket, setting SO_LINGER to 0 on
// TCP connections so the peer observes an RST rather than a clean FIN. Used
// when a pipe must propagate a protocol violation without a graceful
// handshake.
func (e *Endpoint) Destroy() {
	e.setState(StateClosed)
	if tc, ok := e.Conn.(*net.TCPConn); ok {
		_ = tc.SetLinger(0)
	}
	_ = e.Conn.Close()
}

func writeMaskedMessage(conn net.Conn, op ws.OpCode, payload []byte) error {
	var mask [4]byte
	if _, err := rand.Read(mask[:]); err != nil {
		return err
	}
	masked := make([]byte, len(payload))
	copy(masked, payload)
	ws.Cipher(masked, mask, 0)

	hdr := ws.Header{Fin: true, OpCode: op, Masked: true, Mask: mask, Length: int64(len(masked))}
	if err := ws.WriteHeader(conn, hdr); err != nil {
		return err
	}
	_, err := conn.Write(masked)
	return err
}

func writeUnmaskedMessage(conn net.Conn, op ws.OpCode, payload []byte) error {
	hdr := ws.Header{Fin: true, OpCode: op, Length: int64(len(payload))}
	if err := ws.WriteHeader(conn, hdr); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}
