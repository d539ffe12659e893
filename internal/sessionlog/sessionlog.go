// Package sessionlog wraps a *zap.Logger with the fields that identify
// one driver process's session -- a session id and a monotonically
// increasing request sequence number -- so every log line emitted while
// serving a request can be correlated back to it without every call
// site threading those fields through by hand.
//
// All diagnostics flow to stderr only (stdout is the binary pkt-line
// channel): callers must construct the base logger with
// zap.NewProductionConfig() and OutputPaths pinned to ["stderr"], which
// NewLogger enforces.
package sessionlog

import (
	"go.uber.org/zap"
)

// NewLogger builds the process-wide structured logger, writing JSON to
// stderr only.
func NewLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

// Session is a logger scoped to one driver process, chaining a session
// id onto every line and handing out per-request child loggers.
type Session struct {
	base      *zap.Logger
	sessionID string
	requests  int
}

// NewSession wraps base with a session id.
func NewSession(base *zap.Logger, sessionID string) *Session {
	return &Session{
		base:      base.With(zap.String("session_id", sessionID)),
		sessionID: sessionID,
	}
}

// ForRequest returns a logger scoped to one request, tagged with the
// next sequence number and the command being served.
func (s *Session) ForRequest(command, pathname string) *zap.Logger {
	s.requests++
	return s.base.With(
		zap.Int("request_seq", s.requests),
		zap.String("command", command),
		zap.String("pathname", pathname),
	)
}

// Base returns the session-scoped logger without request fields, for
// handshake and end-of-session messages.
func (s *Session) Base() *zap.Logger {
	return s.base
}

// RequestsServed reports how many ForRequest calls have been made.
func (s *Session) RequestsServed() int {
	return s.requests
}
