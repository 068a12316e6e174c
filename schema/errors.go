package schema

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// Sentinel errors wrap errdefs classes so callers can classify with
// errdefs.IsResourceExhausted and friends while matching identity with
// errors.Is.
var (
	// ErrSessionLimit indicates the maximum concurrent session count was reached.
	ErrSessionLimit = fmt.Errorf("maximum sessions reached: %w", errdefs.ErrResourceExhausted)
	// ErrSessionNotFound indicates the requested session does not exist.
	ErrSessionNotFound = fmt.Errorf("session not found: %w", errdefs.ErrNotFound)
	// ErrConnectionFailed indicates the terminal connection could not be opened.
	ErrConnectionFailed = fmt.Errorf("terminal connection failed: %w", errdefs.ErrUnavailable)
	// ErrConnectionLost indicates the terminal connection dropped mid-session.
	ErrConnectionLost = fmt.Errorf("terminal connection lost: %w", errdefs.ErrUnavailable)
	// ErrWriteFailed indicates key or data injection into the terminal failed.
	ErrWriteFailed = fmt.Errorf("terminal write failed: %w", errdefs.ErrUnavailable)
	// ErrASTRunning indicates the session already has an attached AST.
	ErrASTRunning = fmt.Errorf("another AST is already running: %w", errdefs.ErrConflict)
	// ErrUnknownAST indicates the requested AST name is not registered.
	ErrUnknownAST = fmt.Errorf("unknown AST: %w", errdefs.ErrNotFound)
	// ErrMissingCredentials indicates username or password was not provided.
	ErrMissingCredentials = fmt.Errorf("username and password must be provided: %w", errdefs.ErrInvalidArgument)
	// ErrKeyOutOfRange indicates a PF/PA key number outside the valid range.
	ErrKeyOutOfRange = fmt.Errorf("key number out of range: %w", errdefs.ErrInvalidArgument)
	// ErrUnknownMessageType indicates an envelope with an unrecognized type.
	ErrUnknownMessageType = fmt.Errorf("unknown message type: %w", errdefs.ErrInvalidArgument)
)

// Error codes carried on error envelopes.
const (
	CodeSessionLimitReached      = "SESSION_LIMIT_REACHED"
	CodeTerminalConnectionFailed = "TERMINAL_CONNECTION_FAILED"
	CodeTerminalWriteFailed      = "TERMINAL_WRITE_FAILED"
	CodeASTAlreadyRunning        = "AST_ALREADY_RUNNING"
	CodeParseError               = "PARSE_ERROR"
)
