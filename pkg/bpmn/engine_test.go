package bpmn

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenflow/pkg/connector"
	"github.com/pbinitiative/zenflow/pkg/connector/js"
	"github.com/pbinitiative/zenflow/pkg/scheduler"
	jsRuntime "github.com/pbinitiative/zenflow/pkg/script/js"
	"github.com/pbinitiative/zenflow/pkg/storage/inmemory"
	"github.com/pbinitiative/zenflow/pkg/zenflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, options ...EngineOption) (*Engine, *inmemory.Storage) {
	t.Helper()
	keys, err := zenflake.NewGenerator(3)
	require.NoError(t, err)
	store := inmemory.NewStorage(keys)
	engine, err := NewEngine(store, append([]EngineOption{
		WithSchedulerOptions(scheduler.WithPollInterval(50 * time.Millisecond)),
	}, options...)...)
	require.NoError(t, err)
	require.NoError(t, engine.Start(t.Context()))
	t.Cleanup(func() {
		_ = engine.Stop(context.Background())
	})
	return engine, store
}

func deploy(t *testing.T, engine *Engine, filename string) model.ProcessDefinition {
	t.Helper()
	definition, err := engine.LoadDefinitionFile(t.Context(), filepath.Join("test-cases", filename))
	require.NoError(t, err)
	return definition
}

// activeFlowNode returns the non terminal instance of elementId, failing the test when there is none.
func activeFlowNode(t *testing.T, engine *Engine, processInstanceKey int64, elementId string) runtime.FlowNodeInstance {
	t.Helper()
	fnis, err := engine.FindFlowNodeInstances(t.Context(), processInstanceKey)
	require.NoError(t, err)
	for _, fni := range fnis {
		if fni.ElementId == elementId && !fni.Terminal {
			return fni
		}
	}
	require.Failf(t, "flow node not active", "%s is not active in %d", elementId, processInstanceKey)
	return runtime.FlowNodeInstance{}
}

func flowNodeStates(t *testing.T, engine *Engine, processInstanceKey int64) map[string][]runtime.StateId {
	t.Helper()
	fnis, err := engine.FindFlowNodeInstances(t.Context(), processInstanceKey)
	require.NoError(t, err)
	res := map[string][]runtime.StateId{}
	for _, fni := range fnis {
		res[fni.ElementId] = append(res[fni.ElementId], fni.StateId)
	}
	return res
}

func instanceState(t *testing.T, engine *Engine, processInstanceKey int64) runtime.ProcessInstanceState {
	t.Helper()
	inst, err := engine.FindProcessInstance(t.Context(), processInstanceKey)
	require.NoError(t, err)
	return inst.State
}

func completeTask(t *testing.T, engine *Engine, processInstanceKey int64, elementId string, variables map[string]any) {
	t.Helper()
	fni := activeFlowNode(t, engine, processInstanceKey, elementId)
	require.NoError(t, engine.FlowNodeCompleted(t.Context(), fni.Key, variables))
}

func TestDeployAssignsVersions(t *testing.T) {
	engine, store := newTestEngine(t)

	first := deploy(t, engine, "simple-task.yaml")
	second := deploy(t, engine, "simple-task.yaml")

	assert.Equal(t, int32(1), first.Version)
	assert.Equal(t, int32(2), second.Version)
	assert.NotEqual(t, first.Key, second.Key)

	latest, err := store.FindLatestProcessDefinitionById(t.Context(), "simple-task")
	require.NoError(t, err)
	assert.Equal(t, second.Key, latest.Key)
}

func TestDeployRejectsInvalidDefinition(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.DeployDefinition(t.Context(), model.ProcessDefinition{BpmnProcessId: "empty"})

	var engineErr *BpmnEngineError
	assert.ErrorAs(t, err, &engineErr)
}

func TestSimpleTaskWaitsForCompletion(t *testing.T) {
	engine, _ := newTestEngine(t)
	definition := deploy(t, engine, "simple-task.yaml")

	inst, err := engine.CreateInstance(t.Context(), definition.Key, map[string]any{"customer": "zen"})
	require.NoError(t, err)
	assert.Equal(t, runtime.ProcessInstanceStateActive, inst.State)
	assert.Equal(t, 1, inst.ActiveTokens)

	task := activeFlowNode(t, engine, inst.Key, "task")
	assert.Equal(t, runtime.StateWaiting, task.StateId)

	require.NoError(t, engine.FlowNodeCompleted(t.Context(), task.Key, map[string]any{"approved": true}))

	inst, err = engine.FindProcessInstance(t.Context(), inst.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.ProcessInstanceStateCompleted, inst.State)
	assert.Equal(t, 0, inst.ActiveTokens)
	assert.NotNil(t, inst.EndedAt)
	assert.Equal(t, "zen", inst.Variables["customer"])
	assert.Equal(t, true, inst.Variables["approved"])

	states := flowNodeStates(t, engine, inst.Key)
	assert.Equal(t, []runtime.StateId{runtime.StateCompleted}, states["start"])
	assert.Equal(t, []runtime.StateId{runtime.StateCompleted}, states["task"])
	assert.Equal(t, []runtime.StateId{runtime.StateCompleted}, states["end"])
}

func TestCompletingAnEndedTaskIsRejected(t *testing.T) {
	engine, _ := newTestEngine(t)
	definition := deploy(t, engine, "simple-task.yaml")
	inst, err := engine.CreateInstance(t.Context(), definition.Key, nil)
	require.NoError(t, err)
	task := activeFlowNode(t, engine, inst.Key, "task")
	require.NoError(t, engine.FlowNodeCompleted(t.Context(), task.Key, nil))

	err = engine.FlowNodeCompleted(t.Context(), task.Key, nil)

	assert.ErrorIs(t, err, ErrFlowNodeNotActive)
}

func TestCreateInstanceById(t *testing.T) {
	engine, _ := newTestEngine(t)
	deploy(t, engine, "simple-task.yaml")
	latest := deploy(t, engine, "simple-task.yaml")

	inst, err := engine.CreateInstanceById(t.Context(), "simple-task", nil)
	require.NoError(t, err)
	assert.Equal(t, latest.Key, inst.ProcessDefinitionKey)

	_, err = engine.CreateInstanceById(t.Context(), "unknown", nil)
	var engineErr *BpmnEngineError
	assert.ErrorAs(t, err, &engineErr)
}

func TestExclusiveGatewaySelectsPath(t *testing.T) {
	tests := map[string]struct {
		price int
		want  string
	}{
		"condition holds":    {price: 50, want: "task-a"},
		"falls back default": {price: -50, want: "task-b"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			engine, _ := newTestEngine(t)
			definition := deploy(t, engine, "exclusive-gateway.yaml")

			inst, err := engine.CreateInstance(t.Context(), definition.Key, map[string]any{"price": tt.price})
			require.NoError(t, err)

			states := flowNodeStates(t, engine, inst.Key)
			assert.Equal(t, []runtime.StateId{runtime.StateWaiting}, states[tt.want])
			assert.Len(t, append(states["task-a"], states["task-b"]...), 1)
			assert.Equal(t, 1, inst.ActiveTokens)
		})
	}
}

func TestExclusiveGatewayWithoutMatchFailsInstance(t *testing.T) {
	engine, _ := newTestEngine(t)
	definition := deploy(t, engine, "exclusive-gateway-no-default.yaml")

	inst, err := engine.CreateInstance(t.Context(), definition.Key, map[string]any{"price": 1})
	require.NoError(t, err)

	assert.Equal(t, runtime.ProcessInstanceStateFailed, inst.State)
	states := flowNodeStates(t, engine, inst.Key)
	assert.Equal(t, []runtime.StateId{runtime.StateFailed}, states["gw"])
	assert.Empty(t, states["task-a"])
	assert.Empty(t, states["task-b"])
}

func TestSubProcessCompletesWithItsChildren(t *testing.T) {
	engine, _ := newTestEngine(t)
	definition := deploy(t, engine, "sub-process.yaml")

	inst, err := engine.CreateInstance(t.Context(), definition.Key, nil)
	require.NoError(t, err)

	sub := activeFlowNode(t, engine, inst.Key, "sub")
	assert.Equal(t, runtime.StateExecuting, sub.StateId)
	assert.Equal(t, 1, sub.TokenCount)
	task := activeFlowNode(t, engine, inst.Key, "sub-task")
	assert.Equal(t, sub.Key, task.ParentContainerKey)

	completeTask(t, engine, inst.Key, "sub-task", nil)

	states := flowNodeStates(t, engine, inst.Key)
	assert.Equal(t, []runtime.StateId{runtime.StateCompleted}, states["sub"])
	assert.Equal(t, []runtime.StateId{runtime.StateWaiting}, states["after"])

	completeTask(t, engine, inst.Key, "after", nil)
	assert.Equal(t, runtime.ProcessInstanceStateCompleted, instanceState(t, engine, inst.Key))
}

func TestCancelInstance(t *testing.T) {
	engine, store := newTestEngine(t)
	definition := deploy(t, engine, "sub-process.yaml")
	inst, err := engine.CreateInstance(t.Context(), definition.Key, nil)
	require.NoError(t, err)

	require.NoError(t, engine.CancelInstance(t.Context(), inst.Key))

	inst, err = engine.FindProcessInstance(t.Context(), inst.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.ProcessInstanceStateCancelled, inst.State)
	assert.Equal(t, 0, inst.ActiveTokens)
	states := flowNodeStates(t, engine, inst.Key)
	assert.Equal(t, []runtime.StateId{runtime.StateCancelled}, states["sub"])
	assert.Equal(t, []runtime.StateId{runtime.StateCancelled}, states["sub-task"])

	waiting, err := store.FindProcessInstanceWaitingEvents(t.Context(), inst.Key)
	require.NoError(t, err)
	assert.Empty(t, waiting)

	assert.ErrorIs(t, engine.CancelInstance(t.Context(), inst.Key), ErrInstanceNotActive)
}

type greeterConnector struct {
	mu     *sync.Mutex
	inputs *[]map[string]any
	fail   bool

	current map[string]any
}

func (c *greeterConnector) Type() string {
	return "greeter"
}

func (c *greeterConnector) SetInputParameters(inputs map[string]any) error {
	c.current = inputs
	c.mu.Lock()
	*c.inputs = append(*c.inputs, inputs)
	c.mu.Unlock()
	return nil
}

func (c *greeterConnector) Validate() error {
	return nil
}

func (c *greeterConnector) Connect(ctx context.Context) error {
	return nil
}

func (c *greeterConnector) Execute(ctx context.Context) (map[string]any, error) {
	if c.fail {
		return nil, errors.New("greeting refused")
	}
	return map[string]any{"message": fmt.Sprintf("%v %v", c.current["greeting"], c.current["name"])}, nil
}

func (c *greeterConnector) Disconnect(ctx context.Context) error {
	return nil
}

func greeterFactory(fail bool) (connector.Factory, func() []map[string]any) {
	mu := &sync.Mutex{}
	inputs := &[]map[string]any{}
	factory := func() connector.Connector {
		return &greeterConnector{mu: mu, inputs: inputs, fail: fail}
	}
	return factory, func() []map[string]any {
		mu.Lock()
		defer mu.Unlock()
		return append([]map[string]any(nil), *inputs...)
	}
}

func TestConnectorTaskCompletesThroughBus(t *testing.T) {
	factory, received := greeterFactory(false)
	engine, _ := newTestEngine(t, WithConnector("greeter", factory))
	definition := deploy(t, engine, "connector-task.yaml")

	inst, err := engine.CreateInstance(t.Context(), definition.Key, map[string]any{"customer": "zen"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return instanceState(t, engine, inst.Key) == runtime.ProcessInstanceStateCompleted
	}, 5*time.Second, 20*time.Millisecond)

	inst, err = engine.FindProcessInstance(t.Context(), inst.Key)
	require.NoError(t, err)
	assert.Equal(t, "hello zen", inst.Variables["message"])
	require.Len(t, received(), 1)
	assert.Equal(t, "hello", received()[0]["greeting"])
	assert.Equal(t, "zen", fmt.Sprint(received()[0]["name"]))
}

func TestConnectorFailureFailsInstance(t *testing.T) {
	factory, _ := greeterFactory(true)
	engine, _ := newTestEngine(t, WithConnector("greeter", factory))
	definition := deploy(t, engine, "connector-task.yaml")

	inst, err := engine.CreateInstance(t.Context(), definition.Key, map[string]any{"customer": "zen"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return instanceState(t, engine, inst.Key) == runtime.ProcessInstanceStateFailed
	}, 5*time.Second, 20*time.Millisecond)
	states := flowNodeStates(t, engine, inst.Key)
	assert.Equal(t, []runtime.StateId{runtime.StateFailed}, states["greet"])
}

func TestScriptConnectorTask(t *testing.T) {
	rt, err := jsRuntime.NewJsRuntime(t.Context(), 2, 1)
	require.NoError(t, err)
	engine, _ := newTestEngine(t, WithConnector(js.Type, js.NewFactory(rt)))
	definition := deploy(t, engine, "script-task.yaml")

	inst, err := engine.CreateInstance(t.Context(), definition.Key, map[string]any{"customer": "zen"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return instanceState(t, engine, inst.Key) == runtime.ProcessInstanceStateCompleted
	}, 5*time.Second, 20*time.Millisecond)
	inst, err = engine.FindProcessInstance(t.Context(), inst.Key)
	require.NoError(t, err)
	assert.Equal(t, "hello zen", inst.Variables[js.ResultOutput])
}

func TestResultOfCancelledConnectorTaskIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	engine, _ := newTestEngine(t, WithConnector("slow", func() connector.Connector {
		return &blockingConnector{release: release}
	}))
	definition, err := engine.DeployDefinition(t.Context(), model.ProcessDefinition{
		BpmnProcessId: "slow-task",
		FlowNodes: []model.FlowNode{
			{Id: "start", Type: model.ElementTypeStartEvent},
			{Id: "slow", Type: model.ElementTypeServiceTask, Connector: &model.ConnectorDefinition{Type: "slow"}},
			{Id: "end", Type: model.ElementTypeEndEvent},
		},
		SequenceFlows: []model.SequenceFlow{
			{Id: "f1", SourceRef: "start", TargetRef: "slow"},
			{Id: "f2", SourceRef: "slow", TargetRef: "end"},
		},
	})
	require.NoError(t, err)
	inst, err := engine.CreateInstance(t.Context(), definition.Key, nil)
	require.NoError(t, err)

	require.NoError(t, engine.CancelInstance(t.Context(), inst.Key))
	close(release)

	// the late result must not revive the task
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, runtime.ProcessInstanceStateCancelled, instanceState(t, engine, inst.Key))
	assert.Equal(t, []runtime.StateId{runtime.StateCancelled}, flowNodeStates(t, engine, inst.Key)["slow"])
}

type blockingConnector struct {
	release chan struct{}
}

func (c *blockingConnector) SetInputParameters(map[string]any) error { return nil }
func (c *blockingConnector) Validate() error                         { return nil }
func (c *blockingConnector) Connect(context.Context) error           { return nil }
func (c *blockingConnector) Disconnect(context.Context) error        { return nil }

func (c *blockingConnector) Execute(ctx context.Context) (map[string]any, error) {
	select {
	case <-c.release:
		return map[string]any{"done": true}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRunningInstancesCacheIsReentrant(t *testing.T) {
	cache := newRunningInstancesCache()

	ctx, unlock := cache.lockInstance(t.Context(), 1)
	inner, unlockInner := cache.lockInstance(ctx, 1)
	assert.Equal(t, ctx, inner)
	unlockInner()
	assert.Equal(t, 1, cache.size())

	locked := make(chan struct{})
	go func() {
		_, unlock := cache.lockInstance(detach(ctx), 1)
		close(locked)
		unlock()
	}()
	select {
	case <-locked:
		t.Fatal("detached context must not reuse the held lock")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	<-locked
	assert.Eventually(t, func() bool { return cache.size() == 0 }, time.Second, 10*time.Millisecond)
}
