package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pbinitiative/zenflow/internal/config"
	"github.com/pbinitiative/zenflow/pkg/bpmn"
	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenflow/pkg/storage/inmemory"
	"github.com/pbinitiative/zenflow/pkg/zenflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const simpleTask = `
id: simple-task
flowNodes:
  - {id: start, type: START_EVENT}
  - {id: task, type: USER_TASK}
  - {id: end, type: END_EVENT}
sequenceFlows:
  - {id: f1, source: start, target: task}
  - {id: f2, source: task, target: end}
`

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	keys, err := zenflake.NewGenerator(1)
	require.NoError(t, err)
	engine, err := bpmn.NewEngine(inmemory.NewStorage(keys))
	require.NoError(t, err)
	require.NoError(t, engine.Start(t.Context()))
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })

	conf := config.Config{Server: config.Server{Context: "/api"}}
	srv := httptest.NewServer(NewServer(engine, conf).Handler(conf))
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, method, path, body string, out any) int {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, srv.URL+"/api"+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestDeployStartAndCompleteOverHttp(t *testing.T) {
	srv := newTestServer(t)

	var deployed map[string]any
	require.Equal(t, http.StatusCreated, call(t, srv, http.MethodPost, "/v1/definitions", simpleTask, &deployed))
	assert.Equal(t, "simple-task", deployed["id"])

	var inst runtime.ProcessInstance
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/v1/commands/create-instance", `{"processId":"simple-task"}`, &inst))
	assert.Equal(t, runtime.ProcessInstanceStateActive, inst.State)

	var fnis []runtime.FlowNodeInstance
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, fmt.Sprintf("/v1/process-instances/%d/flow-nodes", inst.Key), "", &fnis))
	var taskKey int64
	for _, fni := range fnis {
		if fni.ElementId == "task" {
			taskKey = fni.Key
		}
	}
	require.NotZero(t, taskKey)

	assert.Equal(t, http.StatusNoContent, call(t, srv, http.MethodPost, fmt.Sprintf("/v1/flow-nodes/%d/complete", taskKey), `{"approved":true}`, nil))
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, fmt.Sprintf("/v1/process-instances/%d", inst.Key), "", &inst))
	assert.Equal(t, runtime.ProcessInstanceStateCompleted, inst.State)

	var apiErr ApiError
	assert.Equal(t, http.StatusConflict, call(t, srv, http.MethodPost, fmt.Sprintf("/v1/flow-nodes/%d/complete", taskKey), "", &apiErr))
	assert.Equal(t, "CONFLICT", apiErr.Type)
}

func TestInvalidDefinitionIsBadRequest(t *testing.T) {
	keys, err := zenflake.NewGenerator(1)
	require.NoError(t, err)
	engine, err := bpmn.NewEngine(inmemory.NewStorage(keys))
	require.NoError(t, err)

	// rejected by the engine itself, not by the loader
	_, err = engine.DeployDefinition(t.Context(), model.ProcessDefinition{BpmnProcessId: "no-start"})
	require.Error(t, err)
	status, errType := classify(err)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "BAD_REQUEST", errType)
}

func TestErrorsAreClassified(t *testing.T) {
	srv := newTestServer(t)

	tests := map[string]struct {
		method, path, body string
		status             int
	}{
		"unknown command":    {http.MethodPost, "/v1/commands/nope", "", http.StatusNotFound},
		"missing parameter":  {http.MethodPost, "/v1/commands/cancel-instance", "{}", http.StatusBadRequest},
		"broken json":        {http.MethodPost, "/v1/commands/cancel-instance", "{", http.StatusBadRequest},
		"unknown instance":   {http.MethodGet, "/v1/process-instances/1", "", http.StatusNotFound},
		"invalid key":        {http.MethodGet, "/v1/process-instances/abc", "", http.StatusBadRequest},
		"invalid definition": {http.MethodPost, "/v1/definitions", "id: empty", http.StatusBadRequest},
		"job not failed":     {http.MethodPost, "/v1/jobs/failed/1/replay", "", http.StatusNotFound},
		"negative offset":    {http.MethodGet, "/v1/jobs/failed?offset=-1", "", http.StatusBadRequest},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			var apiErr ApiError
			assert.Equal(t, tt.status, call(t, srv, tt.method, tt.path, tt.body, &apiErr))
			assert.NotEmpty(t, apiErr.Message)
		})
	}
}

func TestListings(t *testing.T) {
	srv := newTestServer(t)

	var commands []map[string]any
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/v1/commands", "", &commands))
	assert.NotEmpty(t, commands)

	var failed map[string]any
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/v1/jobs/failed?offset=&limit=5", "", &failed))
	assert.Equal(t, float64(5), failed["limit"])
	assert.Equal(t, float64(0), failed["count"])

	var status map[string]any
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/system/status", "", &status))
}

func TestCorsPreflight(t *testing.T) {
	srv := newTestServer(t)
	req, err := http.NewRequestWithContext(t.Context(), http.MethodOptions, srv.URL+"/api/v1/commands", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://console.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
