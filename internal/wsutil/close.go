package wsutil

import (
	"bytes"
	"crypto/rand"
	"net"
	"time"
	"unicode/utf8"

	"github.com/gobwas/ws"
)

// WriteCloseFrame sends a WebSocket close frame with the given status code and reason.
func WriteCloseFrame(conn net.Conn, code ws.StatusCode, reason string) {
	// Close frame payload: 2-byte status code + optional UTF-8 reason.
	// Truncate reason to fit in control frame (125 bytes max payload).
	reasonBytes := []byte(reason)
	if len(reasonBytes) > 123 { // 125 - 2 bytes for status code
		reasonBytes = reasonBytes[:123]
		// Back up to a valid UTF-8 boundary so we don't split a multi-byte
		// codepoint (RFC 6455 requires close reasons to be valid UTF-8).
		for len(reasonBytes) > 0 && !utf8.Valid(reasonBytes) {
			reasonBytes = reasonBytes[:len(reasonBytes)-1]
		}
	}
	payload := make([]byte, 2+len(reasonBytes))
	payload[0] = byte(code >> 8) //nolint:gosec // StatusCode is uint16, high byte extraction is safe
	payload[1] = byte(code & 0xFF)
	copy(payload[2:], reasonBytes)

	// Build the complete frame (header + payload) in a single buffer so the
	// conn.Write is one syscall. Both relay goroutines may call WriteCloseFrame
	// on the same conn concurrently; a single write prevents interleaved bytes.
	var buf bytes.Buffer
	_ = ws.WriteHeader(&buf, ws.Header{
		Fin:    true,
		OpCode: ws.OpClose,
		Length: int64(len(payload)),
	})
	buf.Write(payload)

	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, _ = conn.Write(buf.Bytes())
}

// WriteRawControlFrame sends an arbitrary control frame (ping, pong, or close)
// with a caller-supplied payload, bypassing any higher-level framing helper.
// This is the low-level primitive invalid-close-code propagation is built on:
// instead of reaching into a WebSocket library's private sender state to force
// out a non-standard status code, the pipe constructs the frame bytes itself.
func WriteRawControlFrame(conn net.Conn, op ws.OpCode, masked bool, payload []byte) error {
	if len(payload) > MaxControlPayload {
		payload = payload[:MaxControlPayload]
	}

	hdr := ws.Header{
		Fin:    true,
		OpCode: op,
		Length: int64(len(payload)),
	}

	var buf bytes.Buffer
	if masked {
		var mask [4]byte
		_, _ = rand.Read(mask[:])
		maskedPayload := make([]byte, len(payload))
		copy(maskedPayload, payload)
		ws.Cipher(maskedPayload, mask, 0)
		hdr.Masked = true
		hdr.Mask = mask
		if err := ws.WriteHeader(&buf, hdr); err != nil {
			return err
		}
		buf.Write(maskedPayload)
	} else {
		if err := ws.WriteHeader(&buf, hdr); err != nil {
			return err
		}
		buf.Write(payload)
	}

	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := conn.Write(buf.Bytes())
	return err
}

// InvalidCloseStatusPayload builds a close-frame payload carrying the given
// status code verbatim, with no reason text. Used to mirror a peer's invalid
// close code onto the other side of a pipe (RFC 6455 does not require the
// code to be one of the registered valid ranges for this synthesis).
func InvalidCloseStatusPayload(code ws.StatusCode) []byte {
	return []byte{byte(code >> 8), byte(code & 0xFF)} //nolint:gosec // StatusCode is uint16
}

// IsValidCloseCode reports whether code falls within the RFC 6455 registered
// ranges usable on the wire: [1000,1014] minus the reserved-for-local-use
// codes {1004,1005,1006}, plus the private-use range [3000,4999].
func IsValidCloseCode(code ws.StatusCode) bool {
	switch {
	case code == 1004 || code == 1005 || code == 1006:
		return false
	case code >= 1000 && code <= 1014:
		return true
	case code >= 3000 && code <= 4999:
		return true
	default:
		return false
	}
}

// WriteClientCloseFrame sends a masked close frame (client-to-server per RFC 6455).
func WriteClientCloseFrame(conn net.Conn, code ws.StatusCode, reason string) {
	reasonBytes := []byte(reason)
	if len(reasonBytes) > 123 {
		reasonBytes = reasonBytes[:123]
		for len(reasonBytes) > 0 && !utf8.Valid(reasonBytes) {
			reasonBytes = reasonBytes[:len(reasonBytes)-1]
		}
	}
	payload := make([]byte, 2+len(reasonBytes))
	payload[0] = byte(code >> 8) //nolint:gosec // StatusCode is uint16, high byte extraction is safe
	payload[1] = byte(code & 0xFF)
	copy(payload[2:], reasonBytes)

	var mask [4]byte
	_, _ = rand.Read(mask[:])
	ws.Cipher(payload, mask, 0)

	var buf bytes.Buffer
	_ = ws.WriteHeader(&buf, ws.Header{
		Fin:    true,
		OpCode: ws.OpClose,
		Masked: true,
		Mask:   mask,
		Length: int64(len(payload)),
	})
	buf.Write(payload)

	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, _ = conn.Write(buf.Bytes())
}
