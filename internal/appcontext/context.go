package appcontext

import (
	"context"
)

type EXECUTION_CONTEXT string

var (
	ExecutionKey EXECUTION_CONTEXT = "executionKey"
	sessionKey   EXECUTION_CONTEXT = "session"
)

// WithExecutionKey tags the context with the key of the process instance being executed.
func WithExecutionKey(ctx context.Context, key int64) context.Context {
	return context.WithValue(ctx, ExecutionKey, key)
}

func GetExecutionKey(ctx context.Context) (int64, bool) {
	key, ok := ctx.Value(ExecutionKey).(int64)
	return key, ok
}

// Session identifies who a unit of work runs for. It travels with the context
// from the submitter to the worker that executes the unit.
type Session struct {
	UserId    string
	TenantId  string
	SessionId string
}

func (s Session) IsZero() bool {
	return s == Session{}
}

func WithSession(ctx context.Context, session Session) context.Context {
	return context.WithValue(ctx, sessionKey, session)
}

func CurrentSession(ctx context.Context) (Session, bool) {
	session, ok := ctx.Value(sessionKey).(Session)
	if !ok || session.IsZero() {
		return Session{}, false
	}
	return session, true
}

// ClearSession masks any session carried by a parent context.
func ClearSession(ctx context.Context) context.Context {
	return context.WithValue(ctx, sessionKey, Session{})
}
