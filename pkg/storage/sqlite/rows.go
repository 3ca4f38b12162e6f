package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
)

// Timestamps are stored as unix milliseconds so that due and expiry checks stay in SQL.

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func toNullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	return string(data), nil
}

func unmarshalJSON(data string, v any) error {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("failed to unmarshal %T: %w", v, err)
	}
	return nil
}

type processInstanceRow struct {
	Key                       int64         `db:"id"`
	ProcessDefinitionKey      int64         `db:"process_definition_key"`
	BpmnProcessId             string        `db:"bpmn_process_id"`
	RootProcessInstanceKey    int64         `db:"root_process_instance_key"`
	ParentProcessInstanceKey  int64         `db:"parent_process_instance_key"`
	ParentFlowNodeInstanceKey int64         `db:"parent_flow_node_instance_key"`
	State                     string        `db:"state"`
	Variables                 string        `db:"variables"`
	ActiveTokens              int           `db:"active_tokens"`
	CreatedAt                 int64         `db:"created_at"`
	EndedAt                   sql.NullInt64 `db:"ended_at"`
}

func newProcessInstanceRow(pi runtime.ProcessInstance) (processInstanceRow, error) {
	vars, err := marshalJSON(pi.Variables)
	if err != nil {
		return processInstanceRow{}, err
	}
	return processInstanceRow{
		Key:                       pi.Key,
		ProcessDefinitionKey:      pi.ProcessDefinitionKey,
		BpmnProcessId:             pi.BpmnProcessId,
		RootProcessInstanceKey:    pi.RootProcessInstanceKey,
		ParentProcessInstanceKey:  pi.ParentProcessInstanceKey,
		ParentFlowNodeInstanceKey: pi.ParentFlowNodeInstanceKey,
		State:                     string(pi.State),
		Variables:                 vars,
		ActiveTokens:              pi.ActiveTokens,
		CreatedAt:                 toMillis(pi.CreatedAt),
		EndedAt:                   toNullMillis(pi.EndedAt),
	}, nil
}

func (r processInstanceRow) toRuntime() (runtime.ProcessInstance, error) {
	pi := runtime.ProcessInstance{
		Key:                       r.Key,
		ProcessDefinitionKey:      r.ProcessDefinitionKey,
		BpmnProcessId:             r.BpmnProcessId,
		RootProcessInstanceKey:    r.RootProcessInstanceKey,
		ParentProcessInstanceKey:  r.ParentProcessInstanceKey,
		ParentFlowNodeInstanceKey: r.ParentFlowNodeInstanceKey,
		State:                     runtime.ProcessInstanceState(r.State),
		ActiveTokens:              r.ActiveTokens,
		CreatedAt:                 fromMillis(r.CreatedAt),
		EndedAt:                   fromNullMillis(r.EndedAt),
	}
	err := unmarshalJSON(r.Variables, &pi.Variables)
	return pi, err
}

type flowNodeInstanceRow struct {
	Key                  int64         `db:"id"`
	ElementId            string        `db:"element_id"`
	Kind                 string        `db:"kind"`
	StateId              string        `db:"state_id"`
	TokenCount           int           `db:"token_count"`
	ExpectedTokens       int           `db:"expected_tokens"`
	HitBy                string        `db:"hit_by"`
	Preset               bool          `db:"preset"`
	ProcessInstanceKey   int64         `db:"process_instance_key"`
	ProcessDefinitionKey int64         `db:"process_definition_key"`
	ParentContainerKey   int64         `db:"parent_container_key"`
	Terminal             bool          `db:"terminal"`
	CreatedAt            int64         `db:"created_at"`
	ArchivedAt           sql.NullInt64 `db:"archived_at"`
}

func newFlowNodeInstanceRow(fni runtime.FlowNodeInstance) (flowNodeInstanceRow, error) {
	hitBy, err := marshalJSON(fni.HitBy)
	if err != nil {
		return flowNodeInstanceRow{}, err
	}
	return flowNodeInstanceRow{
		Key:                  fni.Key,
		ElementId:            fni.ElementId,
		Kind:                 string(fni.Kind),
		StateId:              string(fni.StateId),
		TokenCount:           fni.TokenCount,
		ExpectedTokens:       fni.ExpectedTokens,
		HitBy:                hitBy,
		Preset:               fni.Preset,
		ProcessInstanceKey:   fni.ProcessInstanceKey,
		ProcessDefinitionKey: fni.ProcessDefinitionKey,
		ParentContainerKey:   fni.ParentContainerKey,
		Terminal:             fni.Terminal,
		CreatedAt:            toMillis(fni.CreatedAt),
		ArchivedAt:           toNullMillis(fni.ArchivedAt),
	}, nil
}

func (r flowNodeInstanceRow) toRuntime() (runtime.FlowNodeInstance, error) {
	fni := runtime.FlowNodeInstance{
		Key:                  r.Key,
		ElementId:            r.ElementId,
		Kind:                 runtime.NodeKind(r.Kind),
		StateId:              runtime.StateId(r.StateId),
		TokenCount:           r.TokenCount,
		ExpectedTokens:       r.ExpectedTokens,
		Preset:               r.Preset,
		ProcessInstanceKey:   r.ProcessInstanceKey,
		ProcessDefinitionKey: r.ProcessDefinitionKey,
		ParentContainerKey:   r.ParentContainerKey,
		Terminal:             r.Terminal,
		CreatedAt:            fromMillis(r.CreatedAt),
		ArchivedAt:           fromNullMillis(r.ArchivedAt),
	}
	err := unmarshalJSON(r.HitBy, &fni.HitBy)
	return fni, err
}

type waitingEventRow struct {
	Key                    int64  `db:"id"`
	Kind                   string `db:"kind"`
	TriggerType            string `db:"trigger_type"`
	Name                   string `db:"name"`
	BpmnProcessId          string `db:"bpmn_process_id"`
	ProcessDefinitionKey   int64  `db:"process_definition_key"`
	ProcessInstanceKey     int64  `db:"process_instance_key"`
	RootProcessInstanceKey int64  `db:"root_process_instance_key"`
	FlowNodeInstanceKey    int64  `db:"flow_node_instance_key"`
	ElementId              string `db:"element_id"`
	Correlation            string `db:"correlation"`
	Locked                 bool   `db:"locked"`
	CreatedAt              int64  `db:"created_at"`
}

func newWaitingEventRow(we runtime.WaitingEvent) (waitingEventRow, error) {
	correlation, err := marshalJSON(we.Correlation)
	if err != nil {
		return waitingEventRow{}, err
	}
	return waitingEventRow{
		Key:                    we.Key,
		Kind:                   string(we.Kind),
		TriggerType:            string(we.TriggerType),
		Name:                   we.Name,
		BpmnProcessId:          we.BpmnProcessId,
		ProcessDefinitionKey:   we.ProcessDefinitionKey,
		ProcessInstanceKey:     we.ProcessInstanceKey,
		RootProcessInstanceKey: we.RootProcessInstanceKey,
		FlowNodeInstanceKey:    we.FlowNodeInstanceKey,
		ElementId:              we.ElementId,
		Correlation:            correlation,
		Locked:                 we.Locked,
		CreatedAt:              toMillis(we.CreatedAt),
	}, nil
}

func (r waitingEventRow) toRuntime() (runtime.WaitingEvent, error) {
	we := runtime.WaitingEvent{
		Key:                    r.Key,
		Kind:                   runtime.WaitingEventKind(r.Kind),
		TriggerType:            runtime.TriggerType(r.TriggerType),
		Name:                   r.Name,
		BpmnProcessId:          r.BpmnProcessId,
		ProcessDefinitionKey:   r.ProcessDefinitionKey,
		ProcessInstanceKey:     r.ProcessInstanceKey,
		RootProcessInstanceKey: r.RootProcessInstanceKey,
		FlowNodeInstanceKey:    r.FlowNodeInstanceKey,
		ElementId:              r.ElementId,
		Locked:                 r.Locked,
		CreatedAt:              fromMillis(r.CreatedAt),
	}
	err := unmarshalJSON(r.Correlation, &we.Correlation)
	return we, err
}

type triggerRow struct {
	Key              int64         `db:"id"`
	TriggerType      string        `db:"trigger_type"`
	Name             string        `db:"name"`
	TargetProcessId  string        `db:"target_process_id"`
	TargetFlowNodeId string        `db:"target_flow_node_id"`
	Correlation      string        `db:"correlation"`
	Variables        string        `db:"variables"`
	Locked           bool          `db:"locked"`
	Handled          bool          `db:"handled"`
	CreatedAt        int64         `db:"created_at"`
	ExpiresAt        sql.NullInt64 `db:"expires_at"`
}

func newTriggerRow(t runtime.Trigger) (triggerRow, error) {
	correlation, err := marshalJSON(t.Correlation)
	if err != nil {
		return triggerRow{}, err
	}
	vars, err := marshalJSON(t.Variables)
	if err != nil {
		return triggerRow{}, err
	}
	return triggerRow{
		Key:              t.Key,
		TriggerType:      string(t.TriggerType),
		Name:             t.Name,
		TargetProcessId:  t.TargetProcessId,
		TargetFlowNodeId: t.TargetFlowNodeId,
		Correlation:      correlation,
		Variables:        vars,
		Locked:           t.Locked,
		Handled:          t.Handled,
		CreatedAt:        toMillis(t.CreatedAt),
		ExpiresAt:        toNullMillis(t.ExpiresAt),
	}, nil
}

func (r triggerRow) toRuntime() (runtime.Trigger, error) {
	t := runtime.Trigger{
		Key:              r.Key,
		TriggerType:      runtime.TriggerType(r.TriggerType),
		Name:             r.Name,
		TargetProcessId:  r.TargetProcessId,
		TargetFlowNodeId: r.TargetFlowNodeId,
		Locked:           r.Locked,
		Handled:          r.Handled,
		CreatedAt:        fromMillis(r.CreatedAt),
		ExpiresAt:        fromNullMillis(r.ExpiresAt),
	}
	if err := unmarshalJSON(r.Correlation, &t.Correlation); err != nil {
		return t, err
	}
	err := unmarshalJSON(r.Variables, &t.Variables)
	return t, err
}

type jobDescriptorRow struct {
	Key                         int64  `db:"id"`
	JobClassName                string `db:"job_class_name"`
	JobName                     string `db:"job_name"`
	Description                 string `db:"description"`
	DisallowConcurrentExecution bool   `db:"disallow_concurrent_execution"`
	CreatedAt                   int64  `db:"created_at"`
}

func (r jobDescriptorRow) toRuntime() runtime.JobDescriptor {
	return runtime.JobDescriptor{
		Key:                         r.Key,
		JobClassName:                r.JobClassName,
		JobName:                     r.JobName,
		Description:                 r.Description,
		DisallowConcurrentExecution: r.DisallowConcurrentExecution,
		CreatedAt:                   fromMillis(r.CreatedAt),
	}
}

type jobParameterRow struct {
	Key              int64  `db:"id"`
	JobDescriptorKey int64  `db:"job_descriptor_key"`
	Name             string `db:"name"`
	Value            string `db:"value"`
}

func (r jobParameterRow) toRuntime() (runtime.JobParameter, error) {
	p := runtime.JobParameter{
		Key:              r.Key,
		JobDescriptorKey: r.JobDescriptorKey,
		Name:             r.Name,
	}
	err := unmarshalJSON(r.Value, &p.Value)
	return p, err
}

type jobTriggerRow struct {
	JobDescriptorKey int64  `db:"job_descriptor_key"`
	Kind             string `db:"kind"`
	Expression       string `db:"expression"`
	NextFireAt       int64  `db:"next_fire_at"`
	State            string `db:"state"`
}

func (r jobTriggerRow) toRuntime() runtime.JobTrigger {
	return runtime.JobTrigger{
		JobDescriptorKey: r.JobDescriptorKey,
		Kind:             runtime.JobTriggerKind(r.Kind),
		Expression:       r.Expression,
		NextFireAt:       fromMillis(r.NextFireAt),
		State:            runtime.JobTriggerState(r.State),
	}
}

type jobLogRow struct {
	JobDescriptorKey int64  `db:"job_descriptor_key"`
	RetryNumber      int64  `db:"retry_number"`
	LastMessage      string `db:"last_message"`
	LastUpdateDate   int64  `db:"last_update_date"`
}

func (r jobLogRow) toRuntime() runtime.JobLog {
	return runtime.JobLog{
		JobDescriptorKey: r.JobDescriptorKey,
		RetryNumber:      r.RetryNumber,
		LastMessage:      r.LastMessage,
		LastUpdateDate:   fromMillis(r.LastUpdateDate),
	}
}
