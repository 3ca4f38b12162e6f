package inmemory

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenflow/pkg/ptr"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"github.com/pbinitiative/zenflow/pkg/zenflake"
)

// Storage keeps process information in memory,
// please use NewStorage to create a new object of this type.
// All methods are safe for concurrent use.
type Storage struct {
	mu sync.RWMutex

	keys zenflake.KeyGenerator

	ProcessDefinitions map[int64]model.ProcessDefinition
	ProcessInstances   map[int64]runtime.ProcessInstance
	FlowNodeInstances  map[int64]runtime.FlowNodeInstance
	WaitingEvents      map[int64]runtime.WaitingEvent
	Triggers           map[int64]runtime.Trigger
	JobDescriptors     map[int64]runtime.JobDescriptor
	JobParameters      map[int64][]runtime.JobParameter
	JobTriggers        map[int64]runtime.JobTrigger
	JobLogs            map[int64]runtime.JobLog
}

func NewStorage(keys zenflake.KeyGenerator) *Storage {
	return &Storage{
		keys:               keys,
		ProcessDefinitions: make(map[int64]model.ProcessDefinition),
		ProcessInstances:   make(map[int64]runtime.ProcessInstance),
		FlowNodeInstances:  make(map[int64]runtime.FlowNodeInstance),
		WaitingEvents:      make(map[int64]runtime.WaitingEvent),
		Triggers:           make(map[int64]runtime.Trigger),
		JobDescriptors:     make(map[int64]runtime.JobDescriptor),
		JobParameters:      make(map[int64][]runtime.JobParameter),
		JobTriggers:        make(map[int64]runtime.JobTrigger),
		JobLogs:            make(map[int64]runtime.JobLog),
	}
}

var _ storage.Storage = &Storage{}

func (mem *Storage) GenerateId() int64 {
	return mem.keys.GenerateKey()
}

func (mem *Storage) NewBatch() storage.Batch {
	return &StorageBatch{
		db:        mem,
		stmtToRun: make([]func(), 0, 10),
	}
}

var _ storage.ProcessDefinitionStorageReader = &Storage{}

func (mem *Storage) FindLatestProcessDefinitionById(ctx context.Context, bpmnProcessId string) (model.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	var res model.ProcessDefinition
	found := false
	for _, def := range mem.ProcessDefinitions {
		if def.BpmnProcessId != bpmnProcessId {
			continue
		}
		if found && def.Version < res.Version {
			continue
		}
		found = true
		res = def
	}
	if !found {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessDefinitionByKey(ctx context.Context, processDefinitionKey int64) (model.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.ProcessDefinitions[processDefinitionKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessDefinitionsById(ctx context.Context, bpmnProcessId string) ([]model.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]model.ProcessDefinition, 0)
	for _, def := range mem.ProcessDefinitions {
		if def.BpmnProcessId != bpmnProcessId {
			continue
		}
		res = append(res, def)
	}
	slices.SortFunc(res, func(a, b model.ProcessDefinition) int {
		return cmp.Compare(a.Version, b.Version)
	})
	return res, nil
}

var _ storage.ProcessDefinitionStorageWriter = &Storage{}

func (mem *Storage) SaveProcessDefinition(ctx context.Context, definition model.ProcessDefinition) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.saveProcessDefinition(definition)
	return nil
}

func (mem *Storage) saveProcessDefinition(definition model.ProcessDefinition) {
	mem.ProcessDefinitions[definition.Key] = definition
}

var _ storage.ProcessInstanceStorageReader = &Storage{}

func (mem *Storage) FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.ProcessInstances[processInstanceKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return cloneProcessInstance(res), nil
}

func (mem *Storage) FindProcessInstancesByParentFlowNode(ctx context.Context, flowNodeInstanceKey int64) ([]runtime.ProcessInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.ProcessInstance, 0)
	for _, pi := range mem.ProcessInstances {
		if pi.ParentFlowNodeInstanceKey == flowNodeInstanceKey {
			res = append(res, cloneProcessInstance(pi))
		}
	}
	slices.SortFunc(res, func(a, b runtime.ProcessInstance) int {
		return cmp.Compare(a.Key, b.Key)
	})
	return res, nil
}

var _ storage.ProcessInstanceStorageWriter = &Storage{}

func (mem *Storage) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.saveProcessInstance(processInstance)
	return nil
}

func (mem *Storage) saveProcessInstance(processInstance runtime.ProcessInstance) {
	mem.ProcessInstances[processInstance.Key] = cloneProcessInstance(processInstance)
}

func cloneProcessInstance(pi runtime.ProcessInstance) runtime.ProcessInstance {
	pi.Variables = maps.Clone(pi.Variables)
	return pi
}

var _ storage.FlowNodeInstanceStorageReader = &Storage{}

func (mem *Storage) FindFlowNodeInstanceByKey(ctx context.Context, key int64) (runtime.FlowNodeInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.FlowNodeInstances[key]
	if !ok {
		return res, storage.ErrNotFound
	}
	return cloneFlowNodeInstance(res), nil
}

func (mem *Storage) FindFlowNodeInstances(ctx context.Context, processInstanceKey int64) ([]runtime.FlowNodeInstance, error) {
	return mem.filterFlowNodeInstances(func(fni runtime.FlowNodeInstance) bool {
		return fni.ProcessInstanceKey == processInstanceKey
	}), nil
}

func (mem *Storage) FindChildFlowNodeInstances(ctx context.Context, processInstanceKey int64, parentContainerKey int64) ([]runtime.FlowNodeInstance, error) {
	return mem.filterFlowNodeInstances(func(fni runtime.FlowNodeInstance) bool {
		return fni.ProcessInstanceKey == processInstanceKey && fni.ParentContainerKey == parentContainerKey
	}), nil
}

func (mem *Storage) FindActiveFlowNodeInstanceByElementId(ctx context.Context, processInstanceKey int64, parentContainerKey int64, elementId string) (runtime.FlowNodeInstance, error) {
	res := mem.filterFlowNodeInstances(func(fni runtime.FlowNodeInstance) bool {
		return fni.ProcessInstanceKey == processInstanceKey &&
			fni.ParentContainerKey == parentContainerKey &&
			fni.ElementId == elementId &&
			!fni.Terminal
	})
	if len(res) == 0 {
		return runtime.FlowNodeInstance{}, storage.ErrNotFound
	}
	return res[0], nil
}

func (mem *Storage) filterFlowNodeInstances(match func(runtime.FlowNodeInstance) bool) []runtime.FlowNodeInstance {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.FlowNodeInstance, 0)
	for _, fni := range mem.FlowNodeInstances {
		if match(fni) {
			res = append(res, cloneFlowNodeInstance(fni))
		}
	}
	slices.SortFunc(res, func(a, b runtime.FlowNodeInstance) int {
		return cmp.Compare(a.Key, b.Key)
	})
	return res
}

var _ storage.FlowNodeInstanceStorageWriter = &Storage{}

func (mem *Storage) SaveFlowNodeInstance(ctx context.Context, flowNodeInstance runtime.FlowNodeInstance) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.saveFlowNodeInstance(flowNodeInstance)
	return nil
}

func (mem *Storage) saveFlowNodeInstance(flowNodeInstance runtime.FlowNodeInstance) {
	mem.FlowNodeInstances[flowNodeInstance.Key] = cloneFlowNodeInstance(flowNodeInstance)
}

func cloneFlowNodeInstance(fni runtime.FlowNodeInstance) runtime.FlowNodeInstance {
	fni.HitBy = slices.Clone(fni.HitBy)
	return fni
}

var _ storage.TokenCounter = &Storage{}

func (mem *Storage) AddToken(ctx context.Context, flowNodeInstanceKey int64, delta int) (int, error) {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	fni, ok := mem.FlowNodeInstances[flowNodeInstanceKey]
	if !ok {
		return 0, storage.ErrNotFound
	}
	if fni.TokenCount+delta < 0 {
		return fni.TokenCount, storage.ErrNegativeTokenCount
	}
	fni.TokenCount += delta
	mem.FlowNodeInstances[flowNodeInstanceKey] = fni
	return fni.TokenCount, nil
}

func (mem *Storage) AddProcessInstanceTokens(ctx context.Context, processInstanceKey int64, delta int) (int, error) {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	pi, ok := mem.ProcessInstances[processInstanceKey]
	if !ok {
		return 0, storage.ErrNotFound
	}
	if pi.ActiveTokens+delta < 0 {
		return pi.ActiveTokens, storage.ErrNegativeTokenCount
	}
	pi.ActiveTokens += delta
	mem.ProcessInstances[processInstanceKey] = pi
	return pi.ActiveTokens, nil
}

var _ storage.RecordLocker = &Storage{}

func (mem *Storage) LockWaitingEvent(ctx context.Context, key int64) error {
	return mem.setWaitingEventLock(key, true)
}

func (mem *Storage) UnlockWaitingEvent(ctx context.Context, key int64) error {
	return mem.setWaitingEventLock(key, false)
}

func (mem *Storage) setWaitingEventLock(key int64, locked bool) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	we, ok := mem.WaitingEvents[key]
	if !ok {
		return storage.ErrNotFound
	}
	if locked && we.Locked {
		return storage.ErrLockConflict
	}
	we.Locked = locked
	mem.WaitingEvents[key] = we
	return nil
}

func (mem *Storage) LockTrigger(ctx context.Context, key int64) error {
	return mem.setTriggerLock(key, true)
}

func (mem *Storage) UnlockTrigger(ctx context.Context, key int64) error {
	return mem.setTriggerLock(key, false)
}

func (mem *Storage) setTriggerLock(key int64, locked bool) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	t, ok := mem.Triggers[key]
	if !ok {
		return storage.ErrNotFound
	}
	if locked && t.Locked {
		return storage.ErrLockConflict
	}
	t.Locked = locked
	mem.Triggers[key] = t
	return nil
}

var _ storage.WaitingEventStorageReader = &Storage{}

func (mem *Storage) FindWaitingEventByKey(ctx context.Context, key int64) (runtime.WaitingEvent, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.WaitingEvents[key]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindWaitingEvents(ctx context.Context, triggerType runtime.TriggerType, name string) ([]runtime.WaitingEvent, error) {
	return mem.filterWaitingEvents(func(we runtime.WaitingEvent) bool {
		return !we.Locked && we.TriggerType == triggerType && we.Name == name
	}), nil
}

func (mem *Storage) FindFlowNodeWaitingEvents(ctx context.Context, flowNodeInstanceKey int64) ([]runtime.WaitingEvent, error) {
	return mem.filterWaitingEvents(func(we runtime.WaitingEvent) bool {
		return we.FlowNodeInstanceKey == flowNodeInstanceKey
	}), nil
}

func (mem *Storage) FindProcessInstanceWaitingEvents(ctx context.Context, processInstanceKey int64) ([]runtime.WaitingEvent, error) {
	return mem.filterWaitingEvents(func(we runtime.WaitingEvent) bool {
		return we.ProcessInstanceKey == processInstanceKey
	}), nil
}

func (mem *Storage) filterWaitingEvents(match func(runtime.WaitingEvent) bool) []runtime.WaitingEvent {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.WaitingEvent, 0)
	for _, we := range mem.WaitingEvents {
		if match(we) {
			res = append(res, we)
		}
	}
	slices.SortFunc(res, func(a, b runtime.WaitingEvent) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.Key, b.Key))
	})
	return res
}

var _ storage.WaitingEventStorageWriter = &Storage{}

func (mem *Storage) SaveWaitingEvent(ctx context.Context, waitingEvent runtime.WaitingEvent) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	waitingEvent.Correlation = waitingEvent.Correlation.Clone()
	mem.WaitingEvents[waitingEvent.Key] = waitingEvent
	return nil
}

func (mem *Storage) DeleteWaitingEvent(ctx context.Context, key int64) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	delete(mem.WaitingEvents, key)
	return nil
}

var _ storage.TriggerStorageReader = &Storage{}

func (mem *Storage) FindTriggerByKey(ctx context.Context, key int64) (runtime.Trigger, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.Triggers[key]
	if !ok {
		return res, storage.ErrNotFound
	}
	return cloneTrigger(res), nil
}

func (mem *Storage) FindPendingTriggers(ctx context.Context, triggerType runtime.TriggerType, name string, now time.Time) ([]runtime.Trigger, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Trigger, 0)
	for _, t := range mem.Triggers {
		if t.Locked || t.Handled || t.IsExpired(now) || t.TriggerType != triggerType || t.Name != name {
			continue
		}
		res = append(res, cloneTrigger(t))
	}
	slices.SortFunc(res, func(a, b runtime.Trigger) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.Key, b.Key))
	})
	return res, nil
}

func cloneTrigger(t runtime.Trigger) runtime.Trigger {
	t.Variables = maps.Clone(t.Variables)
	t.Correlation = t.Correlation.Clone()
	t.ExpiresAt = ptr.Clone(t.ExpiresAt)
	return t
}

var _ storage.TriggerStorageWriter = &Storage{}

func (mem *Storage) SaveTrigger(ctx context.Context, trigger runtime.Trigger) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.Triggers[trigger.Key] = cloneTrigger(trigger)
	return nil
}

func (mem *Storage) DeleteTrigger(ctx context.Context, key int64) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	delete(mem.Triggers, key)
	return nil
}

func (mem *Storage) DeleteExpiredTriggers(ctx context.Context, now time.Time) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.deleteExpiredTriggers(now)
	return nil
}

func (mem *Storage) deleteExpiredTriggers(now time.Time) {
	maps.DeleteFunc(mem.Triggers, func(_ int64, t runtime.Trigger) bool {
		return !t.Handled && !t.Locked && t.IsExpired(now)
	})
}

var _ storage.JobStorageReader = &Storage{}

func (mem *Storage) FindJobDescriptorByKey(ctx context.Context, key int64) (runtime.JobDescriptor, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.JobDescriptors[key]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindJobParameters(ctx context.Context, jobDescriptorKey int64) ([]runtime.JobParameter, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := slices.Clone(mem.JobParameters[jobDescriptorKey])
	if res == nil {
		res = make([]runtime.JobParameter, 0)
	}
	return res, nil
}

func (mem *Storage) FindJobLog(ctx context.Context, jobDescriptorKey int64) (runtime.JobLog, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.JobLogs[jobDescriptorKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindJobLogs(ctx context.Context, offset int, limit int) ([]runtime.JobLog, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	all := slices.Collect(maps.Values(mem.JobLogs))
	slices.SortFunc(all, func(a, b runtime.JobLog) int {
		return cmp.Or(b.LastUpdateDate.Compare(a.LastUpdateDate), cmp.Compare(a.JobDescriptorKey, b.JobDescriptorKey))
	})
	res := make([]runtime.JobLog, 0)
	if offset < 0 || offset >= len(all) || limit <= 0 {
		return res, nil
	}
	end := min(offset+limit, len(all))
	return append(res, all[offset:end]...), nil
}

func (mem *Storage) FindJobTrigger(ctx context.Context, jobDescriptorKey int64) (runtime.JobTrigger, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.JobTriggers[jobDescriptorKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindDueJobTriggers(ctx context.Context, end time.Time) ([]runtime.JobTrigger, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.JobTrigger, 0)
	for _, t := range mem.JobTriggers {
		if t.State == runtime.JobTriggerStateScheduled && !t.NextFireAt.After(end) {
			res = append(res, t)
		}
	}
	slices.SortFunc(res, func(a, b runtime.JobTrigger) int {
		return cmp.Or(a.NextFireAt.Compare(b.NextFireAt), cmp.Compare(a.JobDescriptorKey, b.JobDescriptorKey))
	})
	return res, nil
}

var _ storage.JobStorageWriter = &Storage{}

func (mem *Storage) SaveJobDescriptor(ctx context.Context, descriptor runtime.JobDescriptor) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.JobDescriptors[descriptor.Key] = descriptor
	return nil
}

func (mem *Storage) SaveJobParameters(ctx context.Context, jobDescriptorKey int64, parameters []runtime.JobParameter) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.JobParameters[jobDescriptorKey] = slices.Clone(parameters)
	return nil
}

func (mem *Storage) SaveJobLog(ctx context.Context, jobLog runtime.JobLog) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.JobLogs[jobLog.JobDescriptorKey] = jobLog
	return nil
}

func (mem *Storage) DeleteJobLog(ctx context.Context, jobDescriptorKey int64) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	delete(mem.JobLogs, jobDescriptorKey)
	return nil
}

func (mem *Storage) SaveJobTrigger(ctx context.Context, trigger runtime.JobTrigger) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.JobTriggers[trigger.JobDescriptorKey] = trigger
	return nil
}

func (mem *Storage) DeleteJobDescriptor(ctx context.Context, key int64) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.deleteJobDescriptor(key)
	return nil
}

func (mem *Storage) deleteJobDescriptor(key int64) {
	delete(mem.JobDescriptors, key)
	delete(mem.JobParameters, key)
	delete(mem.JobTriggers, key)
	delete(mem.JobLogs, key)
}
