package log

import (
	"context"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenflow/internal/appcontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInfofAddsExecutionKey(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(zap.NewNop()) })

	Infof(appcontext.WithExecutionKey(context.Background(), 42), "instance %s", "started")
	Info("plain %d", 1)

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	assert.Equal(t, "instance started", entries[0].Message)
	assert.Equal(t, int64(42), entries[0].ContextMap()["executionKey"])
	assert.Equal(t, "plain 1", entries[1].Message)
	assert.Empty(t, entries[1].ContextMap())
}

func TestLevelMapsToHclog(t *testing.T) {
	t.Cleanup(func() { level.SetLevel(zapcore.InfoLevel) })

	level.SetLevel(zapcore.DebugLevel)
	assert.Equal(t, hclog.Debug, Level())
	level.SetLevel(zapcore.ErrorLevel)
	assert.Equal(t, hclog.Error, Level())
}
