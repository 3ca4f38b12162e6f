package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromFile(t *testing.T) {
	fileName := filepath.Join(t.TempDir(), "conf.yaml")
	require.NoError(t, os.WriteFile(fileName, []byte(`
name: orders
nodeId: node-1
server:
  addr: ":9090"
engine:
  connectorWorkers: 2
  connectorTimeout: 5s
persistence:
  type: sqlite
`), 0o600))

	c, err := Load(fileName)
	require.NoError(t, err)

	assert.Equal(t, "orders", c.Name)
	assert.Equal(t, "orders", c.Tracing.Name)
	assert.Equal(t, ":9090", c.Server.Addr)
	assert.Equal(t, 2, c.Engine.ConnectorWorkers)
	assert.Equal(t, 5*time.Second, c.Engine.ConnectorTimeout)
	assert.Equal(t, 4, c.Engine.SchedulerWorkers, "defaults fill unset fields")
	assert.Equal(t, filepath.Join("node-1", "zenflow.db"), c.Persistence.Path)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("REST_API_ADDR", ":7070")
	t.Setenv("ENGINE_SCHEDULER_POLL", "250ms")

	c, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":7070", c.Server.Addr)
	assert.Equal(t, 250*time.Millisecond, c.Engine.SchedulerPoll)
	assert.Equal(t, PersistenceInMemory, c.Persistence.Type)
	assert.NotEmpty(t, c.NodeId)
}

func TestValidate(t *testing.T) {
	t.Setenv("PERSISTENCE_TYPE", "postgres")
	t.Setenv("OTEL_ENABLED", "true")

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown persistence type")
	assert.Contains(t, err.Error(), "tracing is enabled without an endpoint")
}
