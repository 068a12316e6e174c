package logx

import (
	"context"

	"pkt.systems/pslog"
	"pkt.systems/tngate/schema"
)

type contextKey int

const (
	sessionKey contextKey = iota
	executionKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithSession annotates the logger with the session id if present.
func WithSession(ctx context.Context, sessionID schema.SessionID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if sessionID != "" {
		if current, ok := ctx.Value(sessionKey).(schema.SessionID); ok && current == sessionID {
			return log
		}
		log = log.With("session", sessionID)
	}
	return log
}

// WithSessionExecution annotates the logger with session and execution identifiers.
func WithSessionExecution(ctx context.Context, sessionID schema.SessionID, executionID schema.ExecutionID) pslog.Logger {
	log := WithSession(ctx, sessionID)
	if executionID != "" {
		if current, ok := ctx.Value(executionKey).(schema.ExecutionID); ok && current == executionID {
			return log
		}
		log = log.With("execution", executionID)
	}
	return log
}

// ContextWithSession stores the session marker on the context for log de-duplication.
func ContextWithSession(ctx context.Context, sessionID schema.SessionID) context.Context {
	if ctx == nil || sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}

// ContextWithExecution stores the execution marker on the context for log de-duplication.
func ContextWithExecution(ctx context.Context, executionID schema.ExecutionID) context.Context {
	if ctx == nil || executionID == "" {
		return ctx
	}
	return context.WithValue(ctx, executionKey, executionID)
}

// ContextWithSessionLogger attaches the logger and session marker to the context.
func ContextWithSessionLogger(ctx context.Context, log pslog.Logger, sessionID schema.SessionID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithSession(ctx, sessionID)
}

// CopyContextFields copies session/execution markers from src to dst.
func CopyContextFields(dst context.Context, src context.Context) context.Context {
	if src == nil {
		return dst
	}
	if sess, ok := src.Value(sessionKey).(schema.SessionID); ok && sess != "" {
		dst = ContextWithSession(dst, sess)
	}
	if exec, ok := src.Value(executionKey).(schema.ExecutionID); ok && exec != "" {
		dst = ContextWithExecution(dst, exec)
	}
	return dst
}
