package bpmn

import (
	"testing"
	"time"

	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenflow/pkg/storage/inmemory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitingEvents(t *testing.T, store *inmemory.Storage, processInstanceKey int64) []runtime.WaitingEvent {
	t.Helper()
	waiting, err := store.FindProcessInstanceWaitingEvents(t.Context(), processInstanceKey)
	require.NoError(t, err)
	return waiting
}

func TestMessageCatchEventIsCorrelated(t *testing.T) {
	engine, store := newTestEngine(t)
	definition := deploy(t, engine, "message-catch.yaml")

	first, err := engine.CreateInstance(t.Context(), definition.Key, map[string]any{"orderId": "o-1"})
	require.NoError(t, err)
	second, err := engine.CreateInstance(t.Context(), definition.Key, map[string]any{"orderId": "o-2"})
	require.NoError(t, err)
	assert.Equal(t, runtime.StateWaiting, activeFlowNode(t, engine, first.Key, "payment").StateId)
	require.Len(t, waitingEvents(t, store, first.Key), 1)

	delivered, err := engine.ThrowMessage(t.Context(), runtime.Trigger{
		Name:        "payment-received",
		Correlation: runtime.NewCorrelation("o-2"),
		Variables:   map[string]any{"paid": "yes"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	assert.Equal(t, runtime.ProcessInstanceStateActive, instanceState(t, engine, first.Key))
	inst, err := engine.FindProcessInstance(t.Context(), second.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.ProcessInstanceStateCompleted, inst.State)
	assert.Equal(t, "yes", inst.Variables["paid"])
	assert.Empty(t, waitingEvents(t, store, second.Key))
}

func TestMessageThrownBeforeRegistrationIsKept(t *testing.T) {
	engine, store := newTestEngine(t)
	definition := deploy(t, engine, "message-catch.yaml")

	delivered, err := engine.ThrowMessage(t.Context(), runtime.Trigger{
		Name:        "payment-received",
		Correlation: runtime.NewCorrelation("o-1"),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)
	pending, err := store.FindPendingTriggers(t.Context(), runtime.TriggerTypeMessage, "payment-received", time.Now())
	require.NoError(t, err)
	require.Len(t, pending, 1)

	inst, err := engine.CreateInstance(t.Context(), definition.Key, map[string]any{"orderId": "o-1"})
	require.NoError(t, err)

	assert.Equal(t, runtime.ProcessInstanceStateCompleted, instanceState(t, engine, inst.Key))
	pending, err = store.FindPendingTriggers(t.Context(), runtime.TriggerTypeMessage, "payment-received", time.Now())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestExpiredMessageIsNotDelivered(t *testing.T) {
	now := time.Now()
	engine, _ := newTestEngine(t, WithClock(func() time.Time { return now }))
	definition := deploy(t, engine, "message-catch.yaml")

	expiresAt := now.Add(time.Minute)
	_, err := engine.ThrowMessage(t.Context(), runtime.Trigger{
		Name:        "payment-received",
		Correlation: runtime.NewCorrelation("o-1"),
		ExpiresAt:   &expiresAt,
	})
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	require.NoError(t, engine.ExpireTriggers(t.Context()))

	inst, err := engine.CreateInstance(t.Context(), definition.Key, map[string]any{"orderId": "o-1"})
	require.NoError(t, err)
	assert.Equal(t, runtime.ProcessInstanceStateActive, inst.State)
}

func TestThrowWithoutNameIsRejected(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.ThrowSignal(t.Context(), runtime.Trigger{})

	var engineErr *BpmnEngineError
	assert.ErrorAs(t, err, &engineErr)
}

func TestSignalIsBroadcast(t *testing.T) {
	engine, store := newTestEngine(t)
	definition := deploy(t, engine, "signal-catch.yaml")
	var keys []int64
	for range 3 {
		inst, err := engine.CreateInstance(t.Context(), definition.Key, nil)
		require.NoError(t, err)
		keys = append(keys, inst.Key)
	}

	delivered, err := engine.ThrowSignal(t.Context(), runtime.Trigger{Name: "alarm"})
	require.NoError(t, err)
	assert.Equal(t, 3, delivered)

	for _, key := range keys {
		assert.Equal(t, runtime.ProcessInstanceStateCompleted, instanceState(t, engine, key))
	}
	pending, err := store.FindPendingTriggers(t.Context(), runtime.TriggerTypeSignal, "alarm", time.Now())
	require.NoError(t, err)
	assert.Empty(t, pending, "signals are not kept for later registrations")
}

func TestMessageStartEventCreatesInstance(t *testing.T) {
	engine, store := newTestEngine(t)
	definition := deploy(t, engine, "message-start.yaml")

	_, err := engine.CreateInstance(t.Context(), definition.Key, nil)
	var engineErr *BpmnEngineError
	require.ErrorAs(t, err, &engineErr, "no none start event")

	delivered, err := engine.ThrowMessage(t.Context(), runtime.Trigger{
		Name:      "order-placed",
		Variables: map[string]any{"orderId": "o-9"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	instances, err := instancesOf(t, store, "message-start")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "o-9", instances[0].Variables["orderId"])
	assert.Equal(t, runtime.StateWaiting, activeFlowNode(t, engine, instances[0].Key, "task").StateId)

	// the start registration stays for the next message
	_, err = engine.ThrowMessage(t.Context(), runtime.Trigger{Name: "order-placed"})
	require.NoError(t, err)
	instances, err = instancesOf(t, store, "message-start")
	require.NoError(t, err)
	assert.Len(t, instances, 2)
}

func instancesOf(t *testing.T, store *inmemory.Storage, bpmnProcessId string) ([]runtime.ProcessInstance, error) {
	t.Helper()
	var res []runtime.ProcessInstance
	for _, definition := range store.ProcessDefinitions {
		if definition.BpmnProcessId != bpmnProcessId {
			continue
		}
		for _, inst := range store.ProcessInstances {
			if inst.ProcessDefinitionKey == definition.Key {
				res = append(res, inst)
			}
		}
	}
	return res, nil
}

func TestRedeployReplacesStartRegistration(t *testing.T) {
	engine, store := newTestEngine(t)
	deploy(t, engine, "message-start.yaml")
	latest := deploy(t, engine, "message-start.yaml")

	_, err := engine.ThrowMessage(t.Context(), runtime.Trigger{Name: "order-placed"})
	require.NoError(t, err)

	instances, err := instancesOf(t, store, "message-start")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, latest.Key, instances[0].ProcessDefinitionKey)
}

func TestSignalThrowEventReachesOtherInstances(t *testing.T) {
	engine, _ := newTestEngine(t)
	catching := deploy(t, engine, "signal-catch.yaml")
	throwing := deploy(t, engine, "signal-throw.yaml")
	waiting, err := engine.CreateInstance(t.Context(), catching.Key, nil)
	require.NoError(t, err)

	thrower, err := engine.CreateInstance(t.Context(), throwing.Key, nil)
	require.NoError(t, err)
	assert.Equal(t, runtime.ProcessInstanceStateCompleted, thrower.State)

	assert.Eventually(t, func() bool {
		return instanceState(t, engine, waiting.Key) == runtime.ProcessInstanceStateCompleted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestInterruptingBoundaryEventCancelsActivity(t *testing.T) {
	engine, store := newTestEngine(t)
	definition := deploy(t, engine, "boundary-message.yaml")
	inst, err := engine.CreateInstance(t.Context(), definition.Key, map[string]any{"requestId": "r-1"})
	require.NoError(t, err)
	require.Len(t, waitingEvents(t, store, inst.Key), 2)

	delivered, err := engine.ThrowMessage(t.Context(), runtime.Trigger{
		Name:        "withdraw",
		Correlation: runtime.NewCorrelation("r-1"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	states := flowNodeStates(t, engine, inst.Key)
	assert.Equal(t, []runtime.StateId{runtime.StateCancelled}, states["review"])
	assert.Equal(t, []runtime.StateId{runtime.StateCompleted}, states["withdrawn"])
	assert.Equal(t, []runtime.StateId{runtime.StateCompleted}, states["end-withdrawn"])
	assert.Empty(t, states["end"])
	assert.Equal(t, runtime.ProcessInstanceStateCompleted, instanceState(t, engine, inst.Key))
	assert.Empty(t, waitingEvents(t, store, inst.Key))
}

func TestNonInterruptingBoundaryEventKeepsActivity(t *testing.T) {
	engine, store := newTestEngine(t)
	definition := deploy(t, engine, "boundary-message.yaml")
	inst, err := engine.CreateInstance(t.Context(), definition.Key, map[string]any{"requestId": "r-1"})
	require.NoError(t, err)

	for range 2 {
		delivered, err := engine.ThrowSignal(t.Context(), runtime.Trigger{Name: "remind"})
		require.NoError(t, err)
		assert.Equal(t, 1, delivered)
	}

	states := flowNodeStates(t, engine, inst.Key)
	assert.Equal(t, []runtime.StateId{runtime.StateWaiting}, states["review"])
	assert.Equal(t, []runtime.StateId{runtime.StateCompleted, runtime.StateCompleted}, states["reminder"])
	assert.Equal(t, []runtime.StateId{runtime.StateWaiting, runtime.StateWaiting}, states["notify"])
	assert.Len(t, waitingEvents(t, store, inst.Key), 2, "both boundary events stay armed")

	completeTask(t, engine, inst.Key, "review", nil)
	assert.Empty(t, waitingEvents(t, store, inst.Key))
	assert.Equal(t, runtime.ProcessInstanceStateActive, instanceState(t, engine, inst.Key))

	fnis, err := engine.FindFlowNodeInstances(t.Context(), inst.Key)
	require.NoError(t, err)
	for _, fni := range fnis {
		if fni.ElementId == "notify" && !fni.Terminal {
			require.NoError(t, engine.FlowNodeCompleted(t.Context(), fni.Key, nil))
		}
	}
	assert.Equal(t, runtime.ProcessInstanceStateCompleted, instanceState(t, engine, inst.Key))
}

func TestInterruptingEventSubProcess(t *testing.T) {
	engine, store := newTestEngine(t)
	definition := deploy(t, engine, "event-subprocess.yaml")
	inst, err := engine.CreateInstance(t.Context(), definition.Key, map[string]any{"orderId": "o-1"})
	require.NoError(t, err)
	require.Len(t, waitingEvents(t, store, inst.Key), 1)

	delivered, err := engine.ThrowMessage(t.Context(), runtime.Trigger{
		Name:        "cancel-order",
		Correlation: runtime.NewCorrelation("o-1"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	states := flowNodeStates(t, engine, inst.Key)
	assert.Equal(t, []runtime.StateId{runtime.StateCancelled}, states["ship"])
	assert.Equal(t, []runtime.StateId{runtime.StateExecuting}, states["on-cancel"])
	assert.Equal(t, []runtime.StateId{runtime.StateWaiting}, states["refund"])
	assert.Empty(t, waitingEvents(t, store, inst.Key))

	completeTask(t, engine, inst.Key, "refund", nil)

	states = flowNodeStates(t, engine, inst.Key)
	assert.Equal(t, []runtime.StateId{runtime.StateCompleted}, states["on-cancel"])
	assert.Empty(t, states["end"])
	assert.Equal(t, runtime.ProcessInstanceStateCompleted, instanceState(t, engine, inst.Key))
}

func TestEventSubProcessRegistrationEndsWithInstance(t *testing.T) {
	engine, store := newTestEngine(t)
	definition := deploy(t, engine, "event-subprocess.yaml")
	inst, err := engine.CreateInstance(t.Context(), definition.Key, map[string]any{"orderId": "o-1"})
	require.NoError(t, err)

	completeTask(t, engine, inst.Key, "ship", nil)

	assert.Equal(t, runtime.ProcessInstanceStateCompleted, instanceState(t, engine, inst.Key))
	assert.Empty(t, waitingEvents(t, store, inst.Key))
	delivered, err := engine.ThrowMessage(t.Context(), runtime.Trigger{
		Name:        "cancel-order",
		Correlation: runtime.NewCorrelation("o-1"),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)
}
