package wsproxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gobwas/ws"

	"github.com/relayforge/wsintercept/internal/wsutil"
)

// Handler is the tagged-sum dispatch point for the handler variants a Rule
// can bind to a matched WebSocket upgrade request (§4.4): passthrough, echo,
// listen, reject, and the transport faults.
type Handler interface {
	Kind() string
}

// PassthroughHandler dials the real upstream origin and installs a Frame
// Pipe between the downstream client and it (§4.4.1).
type PassthroughHandler struct {
	Connect         ConnectOptions
	Forwarding      *ForwardingOptions
	MaxMessageBytes int
	OnPipeEvent     func(PipeEvent)
	// OnDial, when set, is called once Connect returns with the time spent
	// dialing and handshaking upstream and its outcome (nil on success).
	OnDial func(time.Duration, error)
}

func (*PassthroughHandler) Kind() string { return "ws-passthrough" }

// Serve dials upstream first, so that a non-101 response can be mirrored
// verbatim to conn before any 101 is ever sent downstream (§4.2 step 8). On
// success it completes the downstream handshake and installs the pipe.
// onAccepted, when non-nil, is called once the downstream handshake
// completes and the Frame Pipe is about to be installed — the point at
// which the caller should count this session as opened rather than
// rejected or errored. It is a call parameter rather than a struct field
// because a single PassthroughHandler instance is shared across every
// concurrent match of its rule.
func (h *PassthroughHandler) Serve(ctx context.Context, conn net.Conn, br *bufio.Reader, acceptReq *AcceptRequest, upstreamReq *UpstreamRequest, onAccepted func()) error {
	dialStart := time.Now()
	result := Connect(ctx, upstreamReq, h.Connect, h.Forwarding)
	if h.OnDial != nil {
		h.OnDial(time.Since(dialStart), result.Err)
	}
	if result.Err != nil {
		return fmt.Errorf("passthrough dial: %w", result.Err)
	}
	if result.Unexpected != nil {
		return WriteRawHTTPResponse(conn, result.Unexpected.StatusCode, result.Unexpected.Status, result.Unexpected.Header, result.Unexpected.Body)
	}

	downstream, err := Accept(conn, br, acceptReq, nil)
	if err != nil {
		result.Endpoint.Destroy()
		return fmt.Errorf("accepting downstream handshake: %w", err)
	}

	if onAccepted != nil {
		onAccepted()
	}

	Pipe(downstream, result.Endpoint, h.MaxMessageBytes, h.OnPipeEvent)
	return nil
}

// EchoHandler completes the handshake locally and echoes every data frame
// back to its sender, answering pings with pongs and a close with a
// matching close (§4.4.2).
type EchoHandler struct {
	MaxMessageBytes int
}

func (*EchoHandler) Kind() string { return "ws-echo" }

func (h *EchoHandler) Serve(downstream *Endpoint) error {
	frag := &wsutil.FragmentState{MaxBytes: h.MaxMessageBytes}

	for {
		hdr, err := ws.ReadHeader(downstream.Conn)
		if err != nil {
			downstream.Close()
			return err
		}

		payload := make([]byte, hdr.Length)
		if _, err := io.ReadFull(downstream.Conn, payload); err != nil {
			downstream.Close()
			return err
		}
		if hdr.Masked {
			ws.Cipher(payload, hdr.Mask, 0)
		}

		if hdr.OpCode.IsControl() {
			switch hdr.OpCode {
			case ws.OpPing:
				_ = downstream.WriteControl(ws.OpPong, payload)
			case ws.OpClose:
				code, reason, hasCode := parseClosePayload(payload)
				if hasCode && wsutil.IsValidCloseCode(code) {
					_ = downstream.WriteClose(code, reason)
				} else {
					_ = downstream.WriteBareClose()
				}
				downstream.Close()
				return nil
			}
			continue
		}

		complete, msg, closeCode, closeReason := frag.Process(hdr, payload)
		if closeCode != 0 {
			_ = downstream.WriteClose(closeCode, closeReason)
			downstream.Close()
			return fmt.Errorf("frame reassembly: %s", closeReason)
		}
		if !complete {
			continue
		}

		op := ws.OpText
		if frag.Opcode == ws.OpBinary {
			op = ws.OpBinary
		}
		if err := downstream.WriteMessage(op, msg); err != nil {
			downstream.Close()
			return err
		}
		frag.Reset()
	}
}

// ListenHandler completes the handshake locally and silently discards every
// frame it receives — a black hole that never replies to data frames, only
// acknowledging a close so the client's own close() resolves (§4.4.3).
type ListenHandler struct {
	MaxMessageBytes int
}

func (*ListenHandler) Kind() string { return "ws-listen" }

func (h *ListenHandler) Serve(downstream *Endpoint) error {
	frag := &wsutil.FragmentState{MaxBytes: h.MaxMessageBytes}

	for {
		hdr, err := ws.ReadHeader(downstream.Conn)
		if err != nil {
			downstream.Close()
			return err
		}

		payload := make([]byte, hdr.Length)
		if _, err := io.ReadFull(downstream.Conn, payload); err != nil {
			downstream.Close()
			return err
		}
		if hdr.Masked {
			ws.Cipher(payload, hdr.Mask, 0)
		}

		if hdr.OpCode == ws.OpClose {
			_ = downstream.WriteBareClose()
			downstream.Close()
			return nil
		}
		if hdr.OpCode.IsControl() {
			continue
		}

		// Drain to keep fragment bookkeeping honest (and so MaxMessageBytes
		// still bounds buffered state), but never forward anything.
		if _, _, closeCode, _ := frag.Process(hdr, payload); closeCode != 0 {
			downstream.Destroy()
			return errors.New("listen: message exceeded maximum size")
		}
	}
}

// RejectHandler answers the upgrade request with a plain HTTP response and
// never completes the WebSocket handshake at all (§4.4.4).
type RejectHandler struct {
	StatusCode int
	StatusText string
	Headers    []RawHeader
	Body       []byte
}

func (*RejectHandler) Kind() string { return "ws-reject" }

func (h *RejectHandler) Serve(conn net.Conn) error {
	return WriteRawHTTPResponse(conn, h.StatusCode, h.StatusText, h.Headers, h.Body)
}

// TransportFault names one of the three raw-transport failures a handler can
// inject instead of completing (or ever starting) the WebSocket protocol
// (§4.4.5).
type TransportFault string

const (
	FaultCloseConnection TransportFault = "close-connection"
	FaultResetConnection TransportFault = "reset-connection"
	FaultTimeout         TransportFault = "timeout"
)

// TransportFaultHandler injects one of the raw transport faults below the
// WebSocket protocol layer entirely.
type TransportFaultHandler struct {
	Fault   TransportFault
	After   time.Duration // delay before acting; zero means immediately
	Timeout time.Duration // hang duration for FaultTimeout before giving up
}

func (*TransportFaultHandler) Kind() string { return "ws-transport-fault" }

func (h *TransportFaultHandler) Serve(ctx context.Context, conn net.Conn) error {
	if h.After > 0 {
		select {
		case <-time.After(h.After):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	switch h.Fault {
	case FaultCloseConnection:
		return conn.Close()
	case FaultResetConnection:
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetLinger(0)
		}
		return conn.Close()
	case FaultTimeout:
		d := h.Timeout
		if d <= 0 {
			<-ctx.Done()
			return ctx.Err()
		}
		select {
		case <-time.After(d):
			return conn.Close()
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
		return fmt.Errorf("unknown transport fault %q", h.Fault)
	}
}
