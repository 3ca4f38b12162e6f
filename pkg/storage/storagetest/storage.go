// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package storagetest is a conformance suite every storage.Storage implementation runs in its own tests.
package storagetest

import (
	"errors"
	"fmt"
	"reflect"
	stdruntime "runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenflow/pkg/ptr"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type StorageTestFunc func(s storage.Storage, t *testing.T) func(t *testing.T)

type StorageTester struct {
	processDefinition model.ProcessDefinition
	processInstance   runtime.ProcessInstance
}

func (st *StorageTester) GetTests() map[string]StorageTestFunc {
	tests := map[string]StorageTestFunc{}

	// all test functions need to be registered here
	functions := []StorageTestFunc{
		st.TestProcessDefinitionStorageWriter,
		st.TestProcessDefinitionStorageReader,
		st.TestProcessInstanceStorageWriter,
		st.TestProcessInstanceStorageReader,
		st.TestProcessInstanceTokens,
		st.TestFlowNodeInstanceStorageWriter,
		st.TestFlowNodeInstanceStorageReader,
		st.TestFlowNodeInstanceAddToken,
		st.TestFlowNodeInstanceAddTokenConcurrent,
		st.TestWaitingEventStorage,
		st.TestWaitingEventLock,
		st.TestTriggerStorage,
		st.TestTriggerLock,
		st.TestJobStorageWriter,
		st.TestJobStorageReader,
		st.TestJobLogPaging,
		st.TestBatchFlush,
	}

	for _, function := range functions {
		funcName := getFunctionName(function)
		strippedName := funcName[strings.LastIndex(funcName, ".")+1:]
		strippedName = strings.TrimSuffix(strippedName, "-fm")
		tests[strippedName] = function
	}
	return tests
}

func getFunctionName(i any) string {
	return stdruntime.FuncForPC(reflect.ValueOf(i).Pointer()).Name()
}

func getProcessDefinition(r int64, version int32) model.ProcessDefinition {
	return model.ProcessDefinition{
		BpmnProcessId: fmt.Sprintf("id-%d", r),
		Name:          "aName",
		Version:       version,
		Key:           r,
		FlowNodes: []model.FlowNode{
			{Id: "start", Type: model.ElementTypeStartEvent},
			{Id: "end", Type: model.ElementTypeEndEvent},
		},
		SequenceFlows: []model.SequenceFlow{
			{Id: "f1", SourceRef: "start", TargetRef: "end"},
		},
	}
}

func getProcessInstance(r int64, d model.ProcessDefinition) runtime.ProcessInstance {
	return runtime.ProcessInstance{
		Key:                    r,
		ProcessDefinitionKey:   d.Key,
		BpmnProcessId:          d.BpmnProcessId,
		RootProcessInstanceKey: r,
		State:                  runtime.ProcessInstanceStateActive,
		Variables: map[string]any{
			"v1":   float64(123),
			"var2": "val2",
		},
		CreatedAt: time.Now().Truncate(time.Millisecond),
	}
}

func getFlowNodeInstance(r int64, pi runtime.ProcessInstance, elementId string) runtime.FlowNodeInstance {
	return runtime.FlowNodeInstance{
		Key:                  r,
		ElementId:            elementId,
		Kind:                 runtime.NodeKindTask,
		StateId:              runtime.StateExecuting,
		ProcessInstanceKey:   pi.Key,
		ProcessDefinitionKey: pi.ProcessDefinitionKey,
		CreatedAt:            time.Now().Truncate(time.Millisecond),
	}
}

// PrepareTestData will prepare common data for the tests
func (st *StorageTester) PrepareTestData(s storage.Storage, t *testing.T) {
	r := s.GenerateId()

	st.processDefinition = getProcessDefinition(r, 1)
	err := s.SaveProcessDefinition(t.Context(), st.processDefinition)
	require.NoError(t, err)

	st.processInstance = getProcessInstance(r, st.processDefinition)
	err = s.SaveProcessInstance(t.Context(), st.processInstance)
	require.NoError(t, err)
}

func (st *StorageTester) TestProcessDefinitionStorageWriter(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()

		def := getProcessDefinition(r, 1)

		err := s.SaveProcessDefinition(t.Context(), def)
		assert.NoError(t, err)

		definition, err := s.FindProcessDefinitionByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.Equal(t, r, definition.Key)
		assert.Equal(t, def.FlowNodes, definition.FlowNodes)
		assert.Equal(t, def.SequenceFlows, definition.SequenceFlows)

		_, err = s.FindProcessDefinitionByKey(t.Context(), s.GenerateId())
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestProcessDefinitionStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()
		def1 := getProcessDefinition(r, 1)
		def2 := getProcessDefinition(r, 2)
		def2.Key = s.GenerateId()

		assert.NoError(t, s.SaveProcessDefinition(t.Context(), def2))
		assert.NoError(t, s.SaveProcessDefinition(t.Context(), def1))

		definition, err := s.FindLatestProcessDefinitionById(t.Context(), def1.BpmnProcessId)
		assert.NoError(t, err)
		assert.Equal(t, def2.Key, definition.Key)
		assert.Equal(t, int32(2), definition.Version)

		definitions, err := s.FindProcessDefinitionsById(t.Context(), def1.BpmnProcessId)
		assert.NoError(t, err)
		assert.Len(t, definitions, 2)
		assert.Equal(t, def1.Key, definitions[0].Key)
		assert.Equal(t, def2.Key, definitions[1].Key)

		_, err = s.FindLatestProcessDefinitionById(t.Context(), "does-not-exist")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		definitions, err = s.FindProcessDefinitionsById(t.Context(), "does-not-exist")
		assert.NoError(t, err)
		assert.Empty(t, definitions)
	}
}

func (st *StorageTester) TestProcessInstanceStorageWriter(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()
		pi := getProcessInstance(r, st.processDefinition)

		err := s.SaveProcessInstance(t.Context(), pi)
		assert.NoError(t, err)

		pi.State = runtime.ProcessInstanceStateCompleted
		pi.EndedAt = ptr.To(time.Now().Truncate(time.Millisecond))
		err = s.SaveProcessInstance(t.Context(), pi)
		assert.NoError(t, err)

		found, err := s.FindProcessInstanceByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.Equal(t, runtime.ProcessInstanceStateCompleted, found.State)
		assert.NotNil(t, found.EndedAt)
		assert.Equal(t, "val2", found.GetVariable("var2"))
	}
}

func (st *StorageTester) TestProcessInstanceStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		found, err := s.FindProcessInstanceByKey(t.Context(), st.processInstance.Key)
		assert.NoError(t, err)
		assert.Equal(t, st.processInstance.Key, found.Key)
		assert.Equal(t, st.processInstance.BpmnProcessId, found.BpmnProcessId)
		assert.Equal(t, float64(123), found.GetVariable("v1"))

		_, err = s.FindProcessInstanceByKey(t.Context(), s.GenerateId())
		assert.ErrorIs(t, err, storage.ErrNotFound)

		parentFlowNode := s.GenerateId()
		child := getProcessInstance(s.GenerateId(), st.processDefinition)
		child.ParentProcessInstanceKey = st.processInstance.Key
		child.ParentFlowNodeInstanceKey = parentFlowNode
		child.RootProcessInstanceKey = st.processInstance.Key
		assert.NoError(t, s.SaveProcessInstance(t.Context(), child))

		children, err := s.FindProcessInstancesByParentFlowNode(t.Context(), parentFlowNode)
		assert.NoError(t, err)
		assert.Len(t, children, 1)
		assert.Equal(t, child.Key, children[0].Key)
	}
}

func (st *StorageTester) TestProcessInstanceTokens(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		pi := getProcessInstance(s.GenerateId(), st.processDefinition)
		assert.NoError(t, s.SaveProcessInstance(t.Context(), pi))

		count, err := s.AddProcessInstanceTokens(t.Context(), pi.Key, 2)
		assert.NoError(t, err)
		assert.Equal(t, 2, count)

		count, err = s.AddProcessInstanceTokens(t.Context(), pi.Key, -1)
		assert.NoError(t, err)
		assert.Equal(t, 1, count)

		_, err = s.AddProcessInstanceTokens(t.Context(), pi.Key, -2)
		assert.ErrorIs(t, err, storage.ErrNegativeTokenCount)

		found, err := s.FindProcessInstanceByKey(t.Context(), pi.Key)
		assert.NoError(t, err)
		assert.Equal(t, 1, found.ActiveTokens)

		_, err = s.AddProcessInstanceTokens(t.Context(), s.GenerateId(), 1)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestFlowNodeInstanceStorageWriter(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		fni := getFlowNodeInstance(s.GenerateId(), st.processInstance, "task")
		fni.HitBy = []string{"f1"}
		assert.NoError(t, s.SaveFlowNodeInstance(t.Context(), fni))

		fni.StateId = runtime.StateCompleted
		fni.Terminal = true
		fni.ArchivedAt = ptr.To(time.Now().Truncate(time.Millisecond))
		assert.NoError(t, s.SaveFlowNodeInstance(t.Context(), fni))

		found, err := s.FindFlowNodeInstanceByKey(t.Context(), fni.Key)
		assert.NoError(t, err)
		assert.Equal(t, runtime.StateCompleted, found.StateId)
		assert.True(t, found.Terminal)
		assert.Equal(t, []string{"f1"}, found.HitBy)
		assert.NotNil(t, found.ArchivedAt)
	}
}

func (st *StorageTester) TestFlowNodeInstanceStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		pi := getProcessInstance(s.GenerateId(), st.processDefinition)
		assert.NoError(t, s.SaveProcessInstance(t.Context(), pi))

		container := getFlowNodeInstance(s.GenerateId(), pi, "sub")
		container.Kind = runtime.NodeKindSubProcess
		inner := getFlowNodeInstance(s.GenerateId(), pi, "inner")
		inner.ParentContainerKey = container.Key
		done := getFlowNodeInstance(s.GenerateId(), pi, "join")
		done.Terminal = true
		done.StateId = runtime.StateCompleted
		active := getFlowNodeInstance(s.GenerateId(), pi, "join")
		active.Kind = runtime.NodeKindParallelGateway

		for _, fni := range []runtime.FlowNodeInstance{container, inner, done, active} {
			assert.NoError(t, s.SaveFlowNodeInstance(t.Context(), fni))
		}

		all, err := s.FindFlowNodeInstances(t.Context(), pi.Key)
		assert.NoError(t, err)
		assert.Len(t, all, 4)

		children, err := s.FindChildFlowNodeInstances(t.Context(), pi.Key, container.Key)
		assert.NoError(t, err)
		assert.Len(t, children, 1)
		assert.Equal(t, inner.Key, children[0].Key)

		topLevel, err := s.FindChildFlowNodeInstances(t.Context(), pi.Key, 0)
		assert.NoError(t, err)
		assert.Len(t, topLevel, 3)

		found, err := s.FindActiveFlowNodeInstanceByElementId(t.Context(), pi.Key, 0, "join")
		assert.NoError(t, err)
		assert.Equal(t, active.Key, found.Key)

		_, err = s.FindActiveFlowNodeInstanceByElementId(t.Context(), pi.Key, 0, "inner")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		_, err = s.FindFlowNodeInstanceByKey(t.Context(), s.GenerateId())
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestFlowNodeInstanceAddToken(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		fni := getFlowNodeInstance(s.GenerateId(), st.processInstance, "sub")
		assert.NoError(t, s.SaveFlowNodeInstance(t.Context(), fni))

		count, err := s.AddToken(t.Context(), fni.Key, 3)
		assert.NoError(t, err)
		assert.Equal(t, 3, count)

		count, err = s.AddToken(t.Context(), fni.Key, -3)
		assert.NoError(t, err)
		assert.Equal(t, 0, count)

		_, err = s.AddToken(t.Context(), fni.Key, -1)
		assert.ErrorIs(t, err, storage.ErrNegativeTokenCount)

		found, err := s.FindFlowNodeInstanceByKey(t.Context(), fni.Key)
		assert.NoError(t, err)
		assert.Equal(t, 0, found.TokenCount)

		_, err = s.AddToken(t.Context(), s.GenerateId(), 1)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestFlowNodeInstanceAddTokenConcurrent(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		fni := getFlowNodeInstance(s.GenerateId(), st.processInstance, "join")
		assert.NoError(t, s.SaveFlowNodeInstance(t.Context(), fni))

		const workers = 20
		results := make(chan int, workers)
		var wg sync.WaitGroup
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				count, err := s.AddToken(t.Context(), fni.Key, 1)
				assert.NoError(t, err)
				results <- count
			}()
		}
		wg.Wait()
		close(results)

		seen := map[int]bool{}
		for count := range results {
			assert.False(t, seen[count], "count %d returned twice", count)
			seen[count] = true
		}
		assert.Len(t, seen, workers)
		assert.True(t, seen[workers])
	}
}

func getWaitingEvent(r int64, pi runtime.ProcessInstance, name string, correlation runtime.Correlation) runtime.WaitingEvent {
	return runtime.WaitingEvent{
		Key:                    r,
		Kind:                   runtime.WaitingEventKindIntermediateCatch,
		TriggerType:            runtime.TriggerTypeMessage,
		Name:                   name,
		BpmnProcessId:          pi.BpmnProcessId,
		ProcessDefinitionKey:   pi.ProcessDefinitionKey,
		ProcessInstanceKey:     pi.Key,
		RootProcessInstanceKey: pi.Key,
		FlowNodeInstanceKey:    r + 1,
		ElementId:              "catch",
		Correlation:            correlation,
		CreatedAt:              time.Now().Truncate(time.Millisecond),
	}
}

func (st *StorageTester) TestWaitingEventStorage(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		name := fmt.Sprintf("msg-%d", s.GenerateId())
		we1 := getWaitingEvent(s.GenerateId(), st.processInstance, name, runtime.NewCorrelation("order-1"))
		we2 := getWaitingEvent(s.GenerateId(), st.processInstance, name, runtime.NewCorrelation("", "customer-7"))
		we2.CreatedAt = we1.CreatedAt.Add(time.Second)
		signal := getWaitingEvent(s.GenerateId(), st.processInstance, name, runtime.Correlation{})
		signal.TriggerType = runtime.TriggerTypeSignal

		for _, we := range []runtime.WaitingEvent{we2, we1, signal} {
			assert.NoError(t, s.SaveWaitingEvent(t.Context(), we))
		}

		found, err := s.FindWaitingEvents(t.Context(), runtime.TriggerTypeMessage, name)
		assert.NoError(t, err)
		assert.Len(t, found, 2)
		assert.Equal(t, we1.Key, found[0].Key)
		assert.Equal(t, we1.Correlation, found[0].Correlation)
		assert.Equal(t, we2.Correlation, found[1].Correlation)

		byKey, err := s.FindWaitingEventByKey(t.Context(), signal.Key)
		assert.NoError(t, err)
		assert.Equal(t, runtime.TriggerTypeSignal, byKey.TriggerType)

		byNode, err := s.FindFlowNodeWaitingEvents(t.Context(), we1.FlowNodeInstanceKey)
		assert.NoError(t, err)
		assert.Len(t, byNode, 1)

		assert.NoError(t, s.DeleteWaitingEvent(t.Context(), we1.Key))
		assert.NoError(t, s.DeleteWaitingEvent(t.Context(), we1.Key))
		_, err = s.FindWaitingEventByKey(t.Context(), we1.Key)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		byInstance, err := s.FindProcessInstanceWaitingEvents(t.Context(), st.processInstance.Key)
		assert.NoError(t, err)
		keys := make([]int64, 0, len(byInstance))
		for _, we := range byInstance {
			keys = append(keys, we.Key)
		}
		assert.Contains(t, keys, we2.Key)
		assert.Contains(t, keys, signal.Key)
		assert.NotContains(t, keys, we1.Key)
	}
}

func (st *StorageTester) TestWaitingEventLock(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		name := fmt.Sprintf("msg-%d", s.GenerateId())
		we := getWaitingEvent(s.GenerateId(), st.processInstance, name, runtime.Correlation{})
		assert.NoError(t, s.SaveWaitingEvent(t.Context(), we))

		const workers = 10
		var wg sync.WaitGroup
		var mu sync.Mutex
		won := 0
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.LockWaitingEvent(t.Context(), we.Key)
				if err == nil {
					mu.Lock()
					won++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, storage.ErrLockConflict)
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, won)

		found, err := s.FindWaitingEvents(t.Context(), runtime.TriggerTypeMessage, name)
		assert.NoError(t, err)
		assert.Empty(t, found)

		assert.NoError(t, s.UnlockWaitingEvent(t.Context(), we.Key))
		found, err = s.FindWaitingEvents(t.Context(), runtime.TriggerTypeMessage, name)
		assert.NoError(t, err)
		assert.Len(t, found, 1)
		assert.False(t, found[0].Locked)

		err = s.LockWaitingEvent(t.Context(), s.GenerateId())
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func getTrigger(r int64, name string) runtime.Trigger {
	return runtime.Trigger{
		Key:         r,
		TriggerType: runtime.TriggerTypeMessage,
		Name:        name,
		Correlation: runtime.NewCorrelation("order-1"),
		Variables:   map[string]any{"paid": true},
		CreatedAt:   time.Now().Truncate(time.Millisecond),
	}
}

func (st *StorageTester) TestTriggerStorage(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		now := time.Now().Truncate(time.Millisecond)
		name := fmt.Sprintf("msg-%d", s.GenerateId())
		pending := getTrigger(s.GenerateId(), name)
		pending.ExpiresAt = ptr.To(now.Add(time.Hour))
		expired := getTrigger(s.GenerateId(), name)
		expired.ExpiresAt = ptr.To(now.Add(-time.Second))
		handled := getTrigger(s.GenerateId(), name)
		handled.Handled = true

		for _, tr := range []runtime.Trigger{pending, expired, handled} {
			assert.NoError(t, s.SaveTrigger(t.Context(), tr))
		}

		found, err := s.FindPendingTriggers(t.Context(), runtime.TriggerTypeMessage, name, now)
		assert.NoError(t, err)
		assert.Len(t, found, 1)
		assert.Equal(t, pending.Key, found[0].Key)
		assert.Equal(t, true, found[0].Variables["paid"])
		assert.Equal(t, pending.Correlation, found[0].Correlation)

		assert.NoError(t, s.DeleteExpiredTriggers(t.Context(), now))
		_, err = s.FindTriggerByKey(t.Context(), expired.Key)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.FindTriggerByKey(t.Context(), handled.Key)
		assert.NoError(t, err)

		assert.NoError(t, s.DeleteTrigger(t.Context(), pending.Key))
		_, err = s.FindTriggerByKey(t.Context(), pending.Key)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestTriggerLock(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		name := fmt.Sprintf("msg-%d", s.GenerateId())
		tr := getTrigger(s.GenerateId(), name)
		assert.NoError(t, s.SaveTrigger(t.Context(), tr))

		assert.NoError(t, s.LockTrigger(t.Context(), tr.Key))
		assert.ErrorIs(t, s.LockTrigger(t.Context(), tr.Key), storage.ErrLockConflict)

		found, err := s.FindPendingTriggers(t.Context(), runtime.TriggerTypeMessage, name, time.Now())
		assert.NoError(t, err)
		assert.Empty(t, found)

		assert.NoError(t, s.UnlockTrigger(t.Context(), tr.Key))
		assert.NoError(t, s.LockTrigger(t.Context(), tr.Key))

		assert.ErrorIs(t, s.LockTrigger(t.Context(), s.GenerateId()), storage.ErrNotFound)
	}
}

func getJobDescriptor(r int64) runtime.JobDescriptor {
	return runtime.JobDescriptor{
		Key:                         r,
		JobClassName:                "test-job",
		JobName:                     fmt.Sprintf("job-%d", r),
		Description:                 "a test job",
		DisallowConcurrentExecution: true,
		CreatedAt:                   time.Now().Truncate(time.Millisecond),
	}
}

func (st *StorageTester) TestJobStorageWriter(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		jd := getJobDescriptor(s.GenerateId())
		assert.NoError(t, s.SaveJobDescriptor(t.Context(), jd))
		assert.NoError(t, s.SaveJobParameters(t.Context(), jd.Key, []runtime.JobParameter{
			{Key: s.GenerateId(), JobDescriptorKey: jd.Key, Name: "a", Value: "1"},
			{Key: s.GenerateId(), JobDescriptorKey: jd.Key, Name: "b", Value: "2"},
		}))
		assert.NoError(t, s.SaveJobParameters(t.Context(), jd.Key, []runtime.JobParameter{
			{Key: s.GenerateId(), JobDescriptorKey: jd.Key, Name: "c", Value: "3"},
		}))
		assert.NoError(t, s.SaveJobTrigger(t.Context(), runtime.JobTrigger{
			JobDescriptorKey: jd.Key,
			Kind:             runtime.JobTriggerKindOneShot,
			NextFireAt:       time.Now().Truncate(time.Millisecond),
			State:            runtime.JobTriggerStateScheduled,
		}))
		assert.NoError(t, s.SaveJobLog(t.Context(), runtime.JobLog{
			JobDescriptorKey: jd.Key,
			RetryNumber:      1,
			LastMessage:      "boom",
			LastUpdateDate:   time.Now().Truncate(time.Millisecond),
		}))

		params, err := s.FindJobParameters(t.Context(), jd.Key)
		assert.NoError(t, err)
		assert.Len(t, params, 1)
		assert.Equal(t, "c", params[0].Name)
		assert.Equal(t, "3", params[0].Value)

		assert.NoError(t, s.DeleteJobLog(t.Context(), jd.Key))
		_, err = s.FindJobLog(t.Context(), jd.Key)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		assert.NoError(t, s.DeleteJobDescriptor(t.Context(), jd.Key))
		_, err = s.FindJobDescriptorByKey(t.Context(), jd.Key)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.FindJobTrigger(t.Context(), jd.Key)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		params, err = s.FindJobParameters(t.Context(), jd.Key)
		assert.NoError(t, err)
		assert.Empty(t, params)
	}
}

func (st *StorageTester) TestJobStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		now := time.Now().Truncate(time.Millisecond)
		due := getJobDescriptor(s.GenerateId())
		later := getJobDescriptor(s.GenerateId())
		unscheduled := getJobDescriptor(s.GenerateId())
		for _, jd := range []runtime.JobDescriptor{due, later, unscheduled} {
			assert.NoError(t, s.SaveJobDescriptor(t.Context(), jd))
		}
		assert.NoError(t, s.SaveJobTrigger(t.Context(), runtime.JobTrigger{
			JobDescriptorKey: due.Key,
			Kind:             runtime.JobTriggerKindCron,
			Expression:       "*/5 * * * * *",
			NextFireAt:       now.Add(-time.Second),
			State:            runtime.JobTriggerStateScheduled,
		}))
		assert.NoError(t, s.SaveJobTrigger(t.Context(), runtime.JobTrigger{
			JobDescriptorKey: later.Key,
			Kind:             runtime.JobTriggerKindOneShot,
			NextFireAt:       now.Add(time.Hour),
			State:            runtime.JobTriggerStateScheduled,
		}))
		assert.NoError(t, s.SaveJobTrigger(t.Context(), runtime.JobTrigger{
			JobDescriptorKey: unscheduled.Key,
			Kind:             runtime.JobTriggerKindOneShot,
			NextFireAt:       now.Add(-time.Hour),
			State:            runtime.JobTriggerStateUnscheduled,
		}))

		found, err := s.FindJobDescriptorByKey(t.Context(), due.Key)
		assert.NoError(t, err)
		assert.Equal(t, due.JobName, found.JobName)
		assert.True(t, found.DisallowConcurrentExecution)

		trigger, err := s.FindJobTrigger(t.Context(), due.Key)
		assert.NoError(t, err)
		assert.Equal(t, "*/5 * * * * *", trigger.Expression)
		assert.True(t, trigger.NextFireAt.Equal(now.Add(-time.Second)))

		dueTriggers, err := s.FindDueJobTriggers(t.Context(), now)
		assert.NoError(t, err)
		keys := make([]int64, 0, len(dueTriggers))
		for _, tr := range dueTriggers {
			keys = append(keys, tr.JobDescriptorKey)
		}
		assert.Contains(t, keys, due.Key)
		assert.NotContains(t, keys, later.Key)
		assert.NotContains(t, keys, unscheduled.Key)
	}
}

func (st *StorageTester) TestJobLogPaging(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		// far future dates keep these logs on the first page regardless of other tests
		base := time.Now().Add(24 * time.Hour).Truncate(time.Millisecond)
		keys := make([]int64, 3)
		for i := range keys {
			jd := getJobDescriptor(s.GenerateId())
			keys[i] = jd.Key
			assert.NoError(t, s.SaveJobDescriptor(t.Context(), jd))
			assert.NoError(t, s.SaveJobLog(t.Context(), runtime.JobLog{
				JobDescriptorKey: jd.Key,
				RetryNumber:      int64(i + 1),
				LastMessage:      fmt.Sprintf("failure %d", i),
				LastUpdateDate:   base.Add(time.Duration(i) * time.Minute),
			}))
		}

		page, err := s.FindJobLogs(t.Context(), 0, 2)
		assert.NoError(t, err)
		assert.Len(t, page, 2)
		assert.Equal(t, keys[2], page[0].JobDescriptorKey)
		assert.Equal(t, keys[1], page[1].JobDescriptorKey)

		page, err = s.FindJobLogs(t.Context(), 2, 1)
		assert.NoError(t, err)
		assert.Len(t, page, 1)
		assert.Equal(t, keys[0], page[0].JobDescriptorKey)
		assert.Equal(t, int64(1), page[0].RetryNumber)
		assert.Equal(t, "failure 0", page[0].LastMessage)
	}
}

func (st *StorageTester) TestBatchFlush(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		batch := s.NewBatch()
		pi := getProcessInstance(s.GenerateId(), st.processDefinition)
		fni := getFlowNodeInstance(s.GenerateId(), pi, "task")
		we := getWaitingEvent(s.GenerateId(), pi, "batched", runtime.Correlation{})

		assert.NoError(t, batch.SaveProcessInstance(t.Context(), pi))
		assert.NoError(t, batch.SaveFlowNodeInstance(t.Context(), fni))
		assert.NoError(t, batch.SaveWaitingEvent(t.Context(), we))

		_, err := s.FindProcessInstanceByKey(t.Context(), pi.Key)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		assert.NoError(t, batch.Flush(t.Context()))

		_, err = s.FindProcessInstanceByKey(t.Context(), pi.Key)
		assert.NoError(t, err)
		_, err = s.FindFlowNodeInstanceByKey(t.Context(), fni.Key)
		assert.NoError(t, err)
		_, err = s.FindWaitingEventByKey(t.Context(), we.Key)
		assert.NoError(t, err)

		assert.NoError(t, batch.DeleteWaitingEvent(t.Context(), we.Key))
		assert.NoError(t, batch.Flush(t.Context()))
		_, err = s.FindWaitingEventByKey(t.Context(), we.Key)
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	}
}
