package js

import (
	"context"
	"testing"
	"time"

	"github.com/pbinitiative/zenflow/pkg/connector"
	jsRuntime "github.com/pbinitiative/zenflow/pkg/script/js"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T, options ...connector.ExecutorOption) *connector.Registry {
	t.Helper()
	rt, err := jsRuntime.NewJsRuntime(t.Context(), 2, 1)
	require.NoError(t, err)
	executor := connector.NewExecutor(options...)
	t.Cleanup(func() {
		_ = executor.Shutdown(context.Background())
	})
	registry := connector.NewRegistry(executor)
	require.NoError(t, registry.Register(Type, NewFactory(rt)))
	return registry
}

func TestScriptConnectorOutputs(t *testing.T) {
	registry := newRegistry(t)

	out, err := registry.ExecuteByType(t.Context(), Type, map[string]any{
		"script": "({approved: amount < limit, amount: amount})",
		"amount": 120,
		"limit":  500,
	})
	require.NoError(t, err)
	assert.Equal(t, true, out["approved"])
	assert.EqualValues(t, 120, out["amount"])

	out, err = registry.ExecuteByType(t.Context(), Type, map[string]any{"script": "'hello ' + name", "name": "zen"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{ResultOutput: "hello zen"}, out)
}

func TestScriptConnectorValidation(t *testing.T) {
	registry := newRegistry(t)

	_, err := registry.ExecuteByType(t.Context(), Type, map[string]any{"amount": 1})
	var validationErr *connector.ValidationError
	assert.ErrorAs(t, err, &validationErr)

	_, err = registry.ExecuteByType(t.Context(), Type, map[string]any{"script": 42})
	assert.ErrorAs(t, err, &validationErr)
}

func TestScriptConnectorTimeout(t *testing.T) {
	registry := newRegistry(t, connector.WithTimeout(50*time.Millisecond))

	_, err := registry.ExecuteByType(t.Context(), Type, map[string]any{"script": "while (true) {}"})
	assert.True(t, connector.IsTimeout(err))
}
