package appcontext

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExecutionKey(t *testing.T) {
	ctx := WithExecutionKey(context.Background(), 42)
	key, found := GetExecutionKey(ctx)
	assert.True(t, found)
	assert.Equal(t, int64(42), key)

	_, found = GetExecutionKey(context.Background())
	assert.False(t, found)
}

func TestSession(t *testing.T) {
	session := Session{UserId: "u-1", TenantId: "t-1", SessionId: "s-1"}
	ctx := WithSession(context.Background(), session)

	valFromCtx, found := CurrentSession(ctx)
	assert.True(t, found)
	assert.Equal(t, session, valFromCtx)

	cleared := ClearSession(ctx)
	valFromCtx, found = CurrentSession(cleared)
	assert.False(t, found)
	assert.True(t, valFromCtx.IsZero())

	// the parent keeps its session
	_, found = CurrentSession(ctx)
	assert.True(t, found)

	_, found = CurrentSession(context.Background())
	assert.False(t, found)
}
