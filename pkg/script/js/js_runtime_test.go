package js

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunScriptWithGlobals(t *testing.T) {
	rt, err := NewJsRuntime(t.Context(), 2, 1)
	require.NoError(t, err)

	res, err := rt.RunScript(t.Context(), "amount * 2", map[string]any{"amount": 21})
	require.NoError(t, err)
	assert.EqualValues(t, 42, res)

	res, err = rt.RunScript(t.Context(), "({total: amount + tax, currency: 'EUR'})", map[string]any{"amount": 10, "tax": 2})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"total": int64(12), "currency": "EUR"}, res)
}

func TestRunScriptDoesNotLeakGlobals(t *testing.T) {
	rt, err := NewJsRuntime(t.Context(), 1, 1)
	require.NoError(t, err)

	_, err = rt.RunScript(t.Context(), "secret", map[string]any{"secret": "s3cr3t"})
	require.NoError(t, err)
	res, err := rt.RunScript(t.Context(), "typeof secret", nil)
	require.NoError(t, err)
	assert.Equal(t, "undefined", res)
}

func TestRunScriptErrors(t *testing.T) {
	rt, err := NewJsRuntime(t.Context(), 1, 0)
	require.NoError(t, err)

	_, err = rt.RunScript(t.Context(), "throw new Error('nope')", nil)
	assert.ErrorContains(t, err, "nope")

	res, err := rt.RunScript(t.Context(), "undefined", nil)
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestRunScriptIsInterruptedByContext(t *testing.T) {
	rt, err := NewJsRuntime(t.Context(), 1, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	_, err = rt.RunScript(ctx, "for (;;) {}", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the runner is usable again
	res, err := rt.RunScript(t.Context(), "1 + 1", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, res)
}
