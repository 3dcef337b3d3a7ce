// Package audit provides structured JSON audit logging for wsintercept events.
package audit

import (
	"io"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"
)

// sanitizeString strips control characters and ANSI escape sequences from a
// string before logging. Prevents terminal escape injection via crafted URLs
// (e.g., \x1b[2J to clear screen when tailing audit logs).
func sanitizeString(s string) string {
	// Fast path: most strings have no control characters.
	clean := true
	for _, r := range s {
		if r != '\t' && r != '\n' && (unicode.IsControl(r) || r == '\x1b') {
			clean = false
			break
		}
	}
	if clean {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	inEscape := false
	for _, r := range s {
		if inEscape {
			// ANSI escape sequences end with a letter (A-Z, a-z).
			if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') {
				inEscape = false
			}
			continue
		}
		if r == '\x1b' {
			inEscape = true
			continue
		}
		// Allow tabs and newlines but strip other control chars.
		if r != '\t' && r != '\n' && unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// EventType describes the kind of audit event.
type EventType string

// Event type constants for structured audit log entries.
const (
	EventHandshakeAccepted EventType = "ws_handshake_accepted"
	EventUpstreamDial      EventType = "ws_upstream_dial"
	EventUpstreamRejected  EventType = "ws_upstream_rejected"
	EventPipeOpen          EventType = "ws_pipe_open"
	EventPipeClose         EventType = "ws_pipe_close"
	EventInvalidCloseCode  EventType = "ws_invalid_close_code"
	EventRuleMatched       EventType = "ws_rule_matched"
	EventRuleDisposed      EventType = "ws_rule_disposed"
	EventConfigReload      EventType = "config_reload"
)

// Logger handles structured audit logging using zerolog.
type Logger struct {
	zl             zerolog.Logger
	includeAllowed bool
	includeBlocked bool
	fileHandle     *os.File // non-nil if logging to file
}

// New creates a new audit logger. The caller should call Close when done.
func New(format, output, filePath string, includeAllowed, includeBlocked bool) (*Logger, error) {
	var writers []io.Writer

	if output == "stdout" || output == "both" {
		if format == "text" {
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
		} else {
			writers = append(writers, os.Stdout)
		}
	}

	var fileHandle *os.File
	if output == "file" || output == "both" {
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // G304: path validated by config layer
		if err != nil {
			return nil, err
		}
		writers = append(writers, f)
		fileHandle = f
	}

	if len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}

	var w io.Writer
	if len(writers) == 1 {
		w = writers[0]
	} else {
		w = zerolog.MultiLevelWriter(writers...)
	}

	zl := zerolog.New(w).With().
		Timestamp().
		Str("component", "wsintercept").
		Logger()

	return &Logger{
		zl:             zl,
		includeAllowed: includeAllowed,
		includeBlocked: includeBlocked,
		fileHandle:     fileHandle,
	}, nil
}

// NewNop returns a no-op logger that discards all events.
func NewNop() *Logger {
	return &Logger{
		zl: zerolog.Nop(),
	}
}

// LogHandshakeAccepted logs a completed downstream RFC 6455 handshake.
func (l *Logger) LogHandshakeAccepted(ruleID, clientIP, requestID, path string) {
	if !l.includeAllowed {
		return
	}
	l.zl.Info().
		Str("event", string(EventHandshakeAccepted)).
		Str("rule_id", ruleID).
		Str("client_ip", clientIP).
		Str("request_id", requestID).
		Str("path", sanitizeString(path)).
		Msg("websocket handshake accepted")
}

// LogUpstreamDial logs a passthrough handler's upstream dial outcome.
func (l *Logger) LogUpstreamDial(ruleID, target, requestID string, duration time.Duration, err error) {
	ev := l.zl.Info()
	if err != nil {
		ev = l.zl.Warn()
	}
	ev.Str("event", string(EventUpstreamDial)).
		Str("rule_id", ruleID).
		Str("target", sanitizeString(target)).
		Str("request_id", requestID).
		Dur("duration_ms", duration).
		AnErr("error", err).
		Msg("upstream dial")
}

// LogUpstreamRejected logs a non-101 upstream response mirrored to the
// downstream client.
func (l *Logger) LogUpstreamRejected(ruleID, target, requestID string, statusCode int) {
	if !l.includeBlocked {
		return
	}
	l.zl.Warn().
		Str("event", string(EventUpstreamRejected)).
		Str("rule_id", ruleID).
		Str("target", sanitizeString(target)).
		Str("request_id", requestID).
		Int("status_code", statusCode).
		Msg("upstream rejected handshake")
}

// LogPipeOpen logs a Frame Pipe installation (both WebSockets now live).
func (l *Logger) LogPipeOpen(ruleID, target, requestID string) {
	if !l.includeAllowed {
		return
	}
	l.zl.Info().
		Str("event", string(EventPipeOpen)).
		Str("rule_id", ruleID).
		Str("target", sanitizeString(target)).
		Str("request_id", requestID).
		Msg("frame pipe opened")
}

// LogPipeClose logs a Frame Pipe teardown with traffic stats, mirroring the
// original WebSocket-proxy close log's byte/frame counters.
func (l *Logger) LogPipeClose(ruleID, target, requestID string, clientToUpstream, upstreamToClient int64, textFrames, binaryFrames int64, duration time.Duration) {
	if !l.includeAllowed {
		return
	}
	l.zl.Info().
		Str("event", string(EventPipeClose)).
		Str("rule_id", ruleID).
		Str("target", sanitizeString(target)).
		Str("request_id", requestID).
		Int64("client_to_upstream_bytes", clientToUpstream).
		Int64("upstream_to_client_bytes", upstreamToClient).
		Int64("text_frames", textFrames).
		Int64("binary_frames", binaryFrames).
		Dur("duration_ms", duration).
		Msg("frame pipe closed")
}

// LogInvalidCloseCode logs a peer close frame carrying a status code outside
// every wire-valid range.
func (l *Logger) LogInvalidCloseCode(ruleID, requestID string, code int, direction string) {
	l.zl.Warn().
		Str("event", string(EventInvalidCloseCode)).
		Str("rule_id", ruleID).
		Str("request_id", requestID).
		Int("code", code).
		Str("direction", direction).
		Msg("invalid close code propagated")
}

// LogRuleMatched logs a Rule matching and handling an upgrade request.
func (l *Logger) LogRuleMatched(ruleID, handler, requestID string, matchCount int) {
	l.zl.Info().
		Str("event", string(EventRuleMatched)).
		Str("rule_id", ruleID).
		Str("handler", handler).
		Str("request_id", requestID).
		Int("match_count", matchCount).
		Msg("rule matched")
}

// LogRuleDisposed logs a Rule being permanently retired.
func (l *Logger) LogRuleDisposed(ruleID string, totalMatches int) {
	l.zl.Info().
		Str("event", string(EventRuleDisposed)).
		Str("rule_id", ruleID).
		Int("total_matches", totalMatches).
		Msg("rule disposed")
}

// LogConfigReload logs a configuration reload event.
func (l *Logger) LogConfigReload(status, detail string) {
	l.zl.Info().
		Str("event", string(EventConfigReload)).
		Str("status", status).
		Str("detail", detail).
		Msg("configuration reloaded")
}

// LogStartup logs that the proxy has started.
func (l *Logger) LogStartup(listenAddr string) {
	l.zl.Info().
		Str("event", "startup").
		Str("listen", listenAddr).
		Msg("wsintercept started")
}

// LogShutdown logs that the proxy is shutting down.
func (l *Logger) LogShutdown(reason string) {
	l.zl.Info().
		Str("event", "shutdown").
		Str("reason", reason).
		Msg("wsintercept stopping")
}

// With returns a sub-logger that includes the given key-value pair in every
// log entry. The sub-logger shares the parent's file handle and config but
// does NOT own the file — only the root logger should be Close()'d.
func (l *Logger) With(key, value string) *Logger {
	return &Logger{
		zl:             l.zl.With().Str(key, value).Logger(),
		includeAllowed: l.includeAllowed,
		includeBlocked: l.includeBlocked,
	}
}

// Close cleans up the logger, flushing and closing any open file handles.
// Close is idempotent and safe to call multiple times.
func (l *Logger) Close() {
	if l.fileHandle != nil {
		_ = l.fileHandle.Sync()
		_ = l.fileHandle.Close()
		l.fileHandle = nil
	}
}
