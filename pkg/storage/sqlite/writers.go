package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
)

// Writers take sqlx.ExtContext so that the same statements run directly on the database or inside a batch transaction.

func saveProcessDefinition(ctx context.Context, db sqlx.ExtContext, definition model.ProcessDefinition) error {
	data, err := marshalJSON(definition)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT OR REPLACE INTO process_definition (id, bpmn_process_id, version, data) VALUES (?, ?, ?, ?)`,
		definition.Key, definition.BpmnProcessId, definition.Version, data)
	if err != nil {
		return fmt.Errorf("failed to save process definition %d: %w", definition.Key, err)
	}
	return nil
}

func saveProcessInstance(ctx context.Context, db sqlx.ExtContext, pi runtime.ProcessInstance) error {
	row, err := newProcessInstanceRow(pi)
	if err != nil {
		return err
	}
	_, err = sqlx.NamedExecContext(ctx, db, `INSERT OR REPLACE INTO process_instance (
		id, process_definition_key, bpmn_process_id, root_process_instance_key, parent_process_instance_key,
		parent_flow_node_instance_key, state, variables, active_tokens, created_at, ended_at
	) VALUES (
		:id, :process_definition_key, :bpmn_process_id, :root_process_instance_key, :parent_process_instance_key,
		:parent_flow_node_instance_key, :state, :variables, :active_tokens, :created_at, :ended_at
	)`, row)
	if err != nil {
		return fmt.Errorf("failed to save process instance %d: %w", pi.Key, err)
	}
	return nil
}

func saveFlowNodeInstance(ctx context.Context, db sqlx.ExtContext, fni runtime.FlowNodeInstance) error {
	row, err := newFlowNodeInstanceRow(fni)
	if err != nil {
		return err
	}
	_, err = sqlx.NamedExecContext(ctx, db, `INSERT OR REPLACE INTO flow_node_instance (
		id, element_id, kind, state_id, token_count, expected_tokens, hit_by, preset, process_instance_key,
		process_definition_key, parent_container_key, terminal, created_at, archived_at
	) VALUES (
		:id, :element_id, :kind, :state_id, :token_count, :expected_tokens, :hit_by, :preset, :process_instance_key,
		:process_definition_key, :parent_container_key, :terminal, :created_at, :archived_at
	)`, row)
	if err != nil {
		return fmt.Errorf("failed to save flow node instance %d: %w", fni.Key, err)
	}
	return nil
}

func saveWaitingEvent(ctx context.Context, db sqlx.ExtContext, we runtime.WaitingEvent) error {
	row, err := newWaitingEventRow(we)
	if err != nil {
		return err
	}
	_, err = sqlx.NamedExecContext(ctx, db, `INSERT OR REPLACE INTO waiting_event (
		id, kind, trigger_type, name, bpmn_process_id, process_definition_key, process_instance_key,
		root_process_instance_key, flow_node_instance_key, element_id, correlation, locked, created_at
	) VALUES (
		:id, :kind, :trigger_type, :name, :bpmn_process_id, :process_definition_key, :process_instance_key,
		:root_process_instance_key, :flow_node_instance_key, :element_id, :correlation, :locked, :created_at
	)`, row)
	if err != nil {
		return fmt.Errorf("failed to save waiting event %d: %w", we.Key, err)
	}
	return nil
}

func deleteWaitingEvent(ctx context.Context, db sqlx.ExtContext, key int64) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM waiting_event WHERE id = ?`, key); err != nil {
		return fmt.Errorf("failed to delete waiting event %d: %w", key, err)
	}
	return nil
}

func saveTrigger(ctx context.Context, db sqlx.ExtContext, t runtime.Trigger) error {
	row, err := newTriggerRow(t)
	if err != nil {
		return err
	}
	_, err = sqlx.NamedExecContext(ctx, db, `INSERT OR REPLACE INTO event_trigger (
		id, trigger_type, name, target_process_id, target_flow_node_id, correlation, variables,
		locked, handled, created_at, expires_at
	) VALUES (
		:id, :trigger_type, :name, :target_process_id, :target_flow_node_id, :correlation, :variables,
		:locked, :handled, :created_at, :expires_at
	)`, row)
	if err != nil {
		return fmt.Errorf("failed to save trigger %d: %w", t.Key, err)
	}
	return nil
}

func deleteTrigger(ctx context.Context, db sqlx.ExtContext, key int64) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM event_trigger WHERE id = ?`, key); err != nil {
		return fmt.Errorf("failed to delete trigger %d: %w", key, err)
	}
	return nil
}

func deleteExpiredTriggers(ctx context.Context, db sqlx.ExtContext, now time.Time) error {
	_, err := db.ExecContext(ctx,
		`DELETE FROM event_trigger WHERE handled = 0 AND locked = 0 AND expires_at IS NOT NULL AND expires_at <= ?`,
		toMillis(now))
	if err != nil {
		return fmt.Errorf("failed to delete expired triggers: %w", err)
	}
	return nil
}

func saveJobDescriptor(ctx context.Context, db sqlx.ExtContext, jd runtime.JobDescriptor) error {
	_, err := db.ExecContext(ctx, `INSERT OR REPLACE INTO job_descriptor (
		id, job_class_name, job_name, description, disallow_concurrent_execution, created_at
	) VALUES (?, ?, ?, ?, ?, ?)`,
		jd.Key, jd.JobClassName, jd.JobName, jd.Description, jd.DisallowConcurrentExecution, toMillis(jd.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save job descriptor %d: %w", jd.Key, err)
	}
	return nil
}

func saveJobParameters(ctx context.Context, db sqlx.ExtContext, jobDescriptorKey int64, parameters []runtime.JobParameter) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM job_parameter WHERE job_descriptor_key = ?`, jobDescriptorKey); err != nil {
		return fmt.Errorf("failed to clear parameters of job %d: %w", jobDescriptorKey, err)
	}
	for _, p := range parameters {
		value, err := marshalJSON(p.Value)
		if err != nil {
			return err
		}
		_, err = db.ExecContext(ctx, `INSERT INTO job_parameter (id, job_descriptor_key, name, value) VALUES (?, ?, ?, ?)`,
			p.Key, jobDescriptorKey, p.Name, value)
		if err != nil {
			return fmt.Errorf("failed to save parameter %s of job %d: %w", p.Name, jobDescriptorKey, err)
		}
	}
	return nil
}

func saveJobLog(ctx context.Context, db sqlx.ExtContext, jl runtime.JobLog) error {
	_, err := db.ExecContext(ctx, `INSERT OR REPLACE INTO job_log (
		job_descriptor_key, retry_number, last_message, last_update_date
	) VALUES (?, ?, ?, ?)`,
		jl.JobDescriptorKey, jl.RetryNumber, jl.LastMessage, toMillis(jl.LastUpdateDate))
	if err != nil {
		return fmt.Errorf("failed to save job log %d: %w", jl.JobDescriptorKey, err)
	}
	return nil
}

func deleteJobLog(ctx context.Context, db sqlx.ExtContext, jobDescriptorKey int64) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM job_log WHERE job_descriptor_key = ?`, jobDescriptorKey); err != nil {
		return fmt.Errorf("failed to delete job log %d: %w", jobDescriptorKey, err)
	}
	return nil
}

func saveJobTrigger(ctx context.Context, db sqlx.ExtContext, t runtime.JobTrigger) error {
	_, err := db.ExecContext(ctx, `INSERT OR REPLACE INTO job_trigger (
		job_descriptor_key, kind, expression, next_fire_at, state
	) VALUES (?, ?, ?, ?, ?)`,
		t.JobDescriptorKey, string(t.Kind), t.Expression, toMillis(t.NextFireAt), string(t.State))
	if err != nil {
		return fmt.Errorf("failed to save job trigger %d: %w", t.JobDescriptorKey, err)
	}
	return nil
}

func deleteJobDescriptor(ctx context.Context, db sqlx.ExtContext, key int64) error {
	for _, stmt := range []string{
		`DELETE FROM job_parameter WHERE job_descriptor_key = ?`,
		`DELETE FROM job_trigger WHERE job_descriptor_key = ?`,
		`DELETE FROM job_log WHERE job_descriptor_key = ?`,
		`DELETE FROM job_descriptor WHERE id = ?`,
	} {
		if _, err := db.ExecContext(ctx, stmt, key); err != nil {
			return fmt.Errorf("failed to delete job descriptor %d: %w", key, err)
		}
	}
	return nil
}
