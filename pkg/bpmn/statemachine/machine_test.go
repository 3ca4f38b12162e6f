package statemachine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"github.com/pbinitiative/zenflow/pkg/storage/inmemory"
	"github.com/pbinitiative/zenflow/pkg/zenflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProcessInstanceKey = 1

func newTestMachine(t *testing.T, options ...Option) (*Machine, *inmemory.Storage) {
	t.Helper()
	keys, err := zenflake.NewGenerator(3)
	require.NoError(t, err)
	store := inmemory.NewStorage(keys)
	return New(store, options...), store
}

func createStarted(t *testing.T, m *Machine, store storage.Storage, kind runtime.NodeKind, elementId string, parent int64) runtime.FlowNodeInstance {
	t.Helper()
	fni, err := m.Create(t.Context(), runtime.FlowNodeInstance{
		Key:                store.GenerateId(),
		ElementId:          elementId,
		Kind:               kind,
		ProcessInstanceKey: testProcessInstanceKey,
		ParentContainerKey: parent,
	})
	require.NoError(t, err)
	fni, err = m.Transition(t.Context(), fni.Key, EventStart)
	require.NoError(t, err)
	return fni
}

// addChild creates a running child and takes its token on the container
func addChild(t *testing.T, m *Machine, store storage.Storage, container runtime.FlowNodeInstance, elementId string) runtime.FlowNodeInstance {
	t.Helper()
	_, err := m.AddToken(t.Context(), container.Key, 1)
	require.NoError(t, err)
	return createStarted(t, m, store, runtime.NodeKindTask, elementId, container.Key)
}

func TestNextState(t *testing.T) {
	tests := []struct {
		name    string
		fni     runtime.FlowNodeInstance
		event   Event
		want    runtime.StateId
		illegal bool
	}{
		{"start", runtime.FlowNodeInstance{Kind: runtime.NodeKindTask, StateId: runtime.StateReady}, EventStart, runtime.StateExecuting, false},
		{"wait", runtime.FlowNodeInstance{Kind: runtime.NodeKindCatchEvent, StateId: runtime.StateExecuting}, EventWait, runtime.StateWaiting, false},
		{"resume", runtime.FlowNodeInstance{Kind: runtime.NodeKindCatchEvent, StateId: runtime.StateWaiting}, EventResume, runtime.StateExecuting, false},
		{"complete", runtime.FlowNodeInstance{Kind: runtime.NodeKindTask, StateId: runtime.StateExecuting}, EventComplete, runtime.StateCompleting, false},
		{"finish", runtime.FlowNodeInstance{Kind: runtime.NodeKindTask, StateId: runtime.StateCompleting}, EventFinish, runtime.StateCompleted, false},
		{"cancel ready", runtime.FlowNodeInstance{Kind: runtime.NodeKindTask, StateId: runtime.StateReady}, EventCancel, runtime.StateCancelled, false},
		{"cancel executing", runtime.FlowNodeInstance{Kind: runtime.NodeKindTask, StateId: runtime.StateExecuting}, EventCancel, runtime.StateCancelling, false},
		{"fail waiting", runtime.FlowNodeInstance{Kind: runtime.NodeKindTask, StateId: runtime.StateWaiting}, EventFail, runtime.StateFailed, false},
		{"abort", runtime.FlowNodeInstance{Kind: runtime.NodeKindTask, StateId: runtime.StateExecuting}, EventAbort, runtime.StateAborting, false},
		{"drained container finish", runtime.FlowNodeInstance{Kind: runtime.NodeKindSubProcess, StateId: runtime.StateCancelling}, EventFinish, runtime.StateCancelled, false},
		{"busy container finish", runtime.FlowNodeInstance{Kind: runtime.NodeKindSubProcess, StateId: runtime.StateCancelling, TokenCount: 1}, EventFinish, "", true},
		{"busy container complete", runtime.FlowNodeInstance{Kind: runtime.NodeKindCallActivity, StateId: runtime.StateExecuting, TokenCount: 2}, EventComplete, "", true},
		{"complete ready", runtime.FlowNodeInstance{Kind: runtime.NodeKindTask, StateId: runtime.StateReady}, EventComplete, "", true},
		{"start completed", runtime.FlowNodeInstance{Kind: runtime.NodeKindTask, StateId: runtime.StateCompleted}, EventStart, "", true},
		{"resume cancelled", runtime.FlowNodeInstance{Kind: runtime.NodeKindTask, StateId: runtime.StateCancelled}, EventResume, "", true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := NextState(test.fni, test.event)
			if test.illegal {
				assert.ErrorIs(t, err, ErrIllegalTransition)
				assert.True(t, IsStructural(err))
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, test.want, got)
		})
	}
}

func TestTransitionArchivesTerminalState(t *testing.T) {
	m, store := newTestMachine(t)
	fni := createStarted(t, m, store, runtime.NodeKindTask, "task", 0)
	assert.Equal(t, runtime.StateExecuting, fni.StateId)
	assert.False(t, fni.Terminal)

	_, err := m.Transition(t.Context(), fni.Key, EventComplete)
	require.NoError(t, err)
	fni, err = m.Transition(t.Context(), fni.Key, EventFinish)
	require.NoError(t, err)

	stored, err := store.FindFlowNodeInstanceByKey(t.Context(), fni.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.StateCompleted, stored.StateId)
	assert.True(t, stored.Terminal)
	assert.NotNil(t, stored.ArchivedAt)

	_, err = m.Transition(t.Context(), fni.Key, EventStart)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestTransitionUnknownInstance(t *testing.T) {
	m, _ := newTestMachine(t)
	_, err := m.Transition(t.Context(), 42, EventStart)
	assert.ErrorIs(t, err, ErrFlowNodeNotFound)
	assert.True(t, IsStructural(err))
}

func TestExclusiveGatewayFiresOnFirstHit(t *testing.T) {
	m, store := newTestMachine(t)
	gw := createStarted(t, m, store, runtime.NodeKindExclusiveGateway, "xor", 0)

	fired, err := m.Hit(t.Context(), gw.Key, Child{SequenceFlowId: "f1"})
	assert.NoError(t, err)
	assert.True(t, fired)
}

func TestParallelJoinFiresWhenAllBranchesArrived(t *testing.T) {
	m, store := newTestMachine(t)
	join := createStarted(t, m, store, runtime.NodeKindParallelGateway, "join", 0)
	require.NoError(t, m.SetExpectedTokens(t.Context(), join.Key, 3))

	for i, flow := range []string{"f1", "f2", "f3"} {
		fired, err := m.Hit(t.Context(), join.Key, Child{SequenceFlowId: flow})
		require.NoError(t, err)
		assert.Equal(t, i == 2, fired, "hit %d", i)
	}

	stored, err := store.FindFlowNodeInstanceByKey(t.Context(), join.Key)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.TokenCount)
	assert.Equal(t, []string{"f1", "f2", "f3"}, stored.HitBy)
}

func TestJoinFiresExactlyOnceUnderConcurrentHits(t *testing.T) {
	m, store := newTestMachine(t)
	join := createStarted(t, m, store, runtime.NodeKindInclusiveGateway, "join", 0)
	const branches = 32
	require.NoError(t, m.SetExpectedTokens(t.Context(), join.Key, branches))

	var fired atomic.Int32
	var wg sync.WaitGroup
	for i := range branches {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.Hit(context.Background(), join.Key, Child{Key: int64(i), ElementId: "task"})
			assert.NoError(t, err)
			if ok {
				fired.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fired.Load())
	stored, err := store.FindFlowNodeInstanceByKey(t.Context(), join.Key)
	require.NoError(t, err)
	assert.Equal(t, branches, stored.TokenCount)
	assert.Len(t, stored.HitBy, branches)
	assert.Equal(t, 0, m.locks.size())
}

func TestContainerFiresWhenLastChildCompletes(t *testing.T) {
	m, store := newTestMachine(t)
	sub := createStarted(t, m, store, runtime.NodeKindSubProcess, "sub", 0)
	children := []runtime.FlowNodeInstance{
		addChild(t, m, store, sub, "a"),
		addChild(t, m, store, sub, "b"),
		addChild(t, m, store, sub, "c"),
	}

	for i, child := range children {
		fired, err := m.Hit(t.Context(), sub.Key, Child{Key: child.Key, ElementId: child.ElementId})
		require.NoError(t, err)
		assert.Equal(t, i == len(children)-1, fired)
	}
	stored, err := store.FindFlowNodeInstanceByKey(t.Context(), sub.Key)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.TokenCount)

	// an extra hit would drive the counter below zero
	_, err = m.Hit(t.Context(), sub.Key, Child{ElementId: "ghost"})
	assert.ErrorIs(t, err, storage.ErrNegativeTokenCount)
}

func TestHitNotAllowed(t *testing.T) {
	m, store := newTestMachine(t)
	task := createStarted(t, m, store, runtime.NodeKindTask, "task", 0)

	_, err := m.Hit(t.Context(), task.Key, Child{ElementId: "x"})
	assert.ErrorIs(t, err, ErrHitNotAllowed)

	var se *StructuralError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, task.Key, se.FlowNodeInstanceKey)
	assert.Equal(t, runtime.StateExecuting, se.State)

	_, err = m.Hit(t.Context(), store.GenerateId(), Child{ElementId: "x"})
	assert.ErrorIs(t, err, ErrFlowNodeNotFound)

	ready, err := m.Create(t.Context(), runtime.FlowNodeInstance{Key: store.GenerateId(), ElementId: "join", Kind: runtime.NodeKindParallelGateway})
	require.NoError(t, err)
	_, err = m.Hit(t.Context(), ready.Key, Child{SequenceFlowId: "f1"})
	assert.ErrorIs(t, err, ErrHitNotAllowed)
}

func TestAddTokenNeverNegative(t *testing.T) {
	m, store := newTestMachine(t)
	sub := createStarted(t, m, store, runtime.NodeKindSubProcess, "sub", 0)

	count, err := m.AddToken(t.Context(), sub.Key, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, err = m.AddToken(t.Context(), sub.Key, -3)
	assert.ErrorIs(t, err, storage.ErrNegativeTokenCount)

	stored, err := store.FindFlowNodeInstanceByKey(t.Context(), sub.Key)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.TokenCount)

	_, err = m.AddToken(t.Context(), store.GenerateId(), 1)
	assert.ErrorIs(t, err, ErrFlowNodeNotFound)
}

func TestSetExpectedTokensOnlyForJoins(t *testing.T) {
	m, store := newTestMachine(t)
	task := createStarted(t, m, store, runtime.NodeKindTask, "task", 0)
	assert.ErrorIs(t, m.SetExpectedTokens(t.Context(), task.Key, 2), ErrNotAJoin)

	join := createStarted(t, m, store, runtime.NodeKindParallelGateway, "join", 0)
	assert.Error(t, m.SetExpectedTokens(t.Context(), join.Key, 0))
	assert.NoError(t, m.SetExpectedTokens(t.Context(), join.Key, 2))
}

func TestClaimPresetOnce(t *testing.T) {
	m, store := newTestMachine(t)
	join, err := m.Create(t.Context(), runtime.FlowNodeInstance{
		Key:                store.GenerateId(),
		ElementId:          "merge",
		Kind:               runtime.NodeKindInclusiveGateway,
		Preset:             true,
		ProcessInstanceKey: testProcessInstanceKey,
	})
	require.NoError(t, err)

	var claimed atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.ClaimPreset(context.Background(), join.Key)
			assert.NoError(t, err)
			if ok {
				claimed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), claimed.Load())

	stored, err := store.FindFlowNodeInstanceByKey(t.Context(), join.Key)
	require.NoError(t, err)
	assert.False(t, stored.Preset)
}

func TestCancelPresetJoinKeepsContainerTokens(t *testing.T) {
	m, store := newTestMachine(t)
	sub := createStarted(t, m, store, runtime.NodeKindSubProcess, "sub", 0)
	task := addChild(t, m, store, sub, "task")
	join, err := m.Create(t.Context(), runtime.FlowNodeInstance{
		Key:                store.GenerateId(),
		ElementId:          "merge",
		Kind:               runtime.NodeKindInclusiveGateway,
		Preset:             true,
		ProcessInstanceKey: testProcessInstanceKey,
		ParentContainerKey: sub.Key,
	})
	require.NoError(t, err)
	_, err = m.Transition(t.Context(), join.Key, EventStart)
	require.NoError(t, err)

	fired, err := m.Cancel(t.Context(), join.Key)
	require.NoError(t, err)
	assert.False(t, fired)
	stored, err := store.FindFlowNodeInstanceByKey(t.Context(), sub.Key)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.TokenCount, "the task still holds its token")

	fired, err = m.Cancel(t.Context(), task.Key)
	require.NoError(t, err)
	assert.True(t, fired)
}

func TestCancelContainerCancelsChildren(t *testing.T) {
	m, store := newTestMachine(t)
	sub := createStarted(t, m, store, runtime.NodeKindSubProcess, "sub", 0)
	a := addChild(t, m, store, sub, "a")
	b := addChild(t, m, store, sub, "b")
	_, err := m.Transition(t.Context(), b.Key, EventWait)
	require.NoError(t, err)
	inner := addChild(t, m, store, sub, "inner")
	_, err = m.Transition(t.Context(), inner.Key, EventComplete)
	require.NoError(t, err)

	fired, err := m.Cancel(t.Context(), sub.Key)
	require.NoError(t, err)
	assert.False(t, fired)

	for _, key := range []int64{a.Key, b.Key, inner.Key, sub.Key} {
		stored, err := store.FindFlowNodeInstanceByKey(t.Context(), key)
		require.NoError(t, err)
		assert.Equal(t, runtime.StateCancelled, stored.StateId, stored.ElementId)
		assert.True(t, stored.Terminal)
		assert.Equal(t, 0, stored.TokenCount)
	}

	// cancelling again changes nothing
	fired, err = m.Cancel(t.Context(), sub.Key)
	assert.NoError(t, err)
	assert.False(t, fired)
}

func TestCancelChildHitsExecutingContainer(t *testing.T) {
	m, store := newTestMachine(t)
	sub := createStarted(t, m, store, runtime.NodeKindSubProcess, "sub", 0)
	a := addChild(t, m, store, sub, "a")

	fired, err := m.Cancel(t.Context(), a.Key)
	require.NoError(t, err)
	assert.True(t, fired)

	stored, err := store.FindFlowNodeInstanceByKey(t.Context(), a.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.StateCancelled, stored.StateId)
}

func TestCancelCallActivityUsesCanceller(t *testing.T) {
	var m *Machine
	var called atomic.Int32
	m, store := newTestMachine(t, WithSubInstanceCanceller(func(ctx context.Context, callActivity runtime.FlowNodeInstance) error {
		called.Add(1)
		// the called instance ends and releases its token
		_, err := m.Hit(ctx, callActivity.Key, Child{ElementId: "called-process"})
		return err
	}))
	call := createStarted(t, m, store, runtime.NodeKindCallActivity, "call", 0)
	_, err := m.AddToken(t.Context(), call.Key, 1)
	require.NoError(t, err)

	_, err = m.Cancel(t.Context(), call.Key)
	require.NoError(t, err)
	assert.Equal(t, int32(1), called.Load())

	stored, err := store.FindFlowNodeInstanceByKey(t.Context(), call.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.StateCancelled, stored.StateId)
}
