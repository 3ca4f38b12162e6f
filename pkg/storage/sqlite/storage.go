// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package sqlite implements storage.Storage on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"github.com/pbinitiative/zenflow/pkg/zenflake"
)

// Storage persists engine state in SQLite.
// The pool is limited to a single connection, which serializes writers and keeps
// the atomic counters and record locks free of SQLITE_BUSY retries.
type Storage struct {
	db     *sqlx.DB
	keys   zenflake.KeyGenerator
	logger hclog.Logger
}

var _ storage.Storage = &Storage{}

// Open creates the database at dsn if needed and applies pending migrations.
func Open(ctx context.Context, dsn string, keys zenflake.KeyGenerator) (*Storage, error) {
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := configureSQLite(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	s := &Storage{
		db:     db,
		keys:   keys,
		logger: hclog.Default().Named("sqlite-storage"),
	}
	s.logger.Debug("storage opened", "dsn", dsn)
	return s, nil
}

func configureSQLite(ctx context.Context, db *sqlx.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=30000;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Storage) GenerateId() int64 {
	return s.keys.GenerateKey()
}

func (s *Storage) NewBatch() storage.Batch {
	return &StorageBatch{
		db:        s,
		stmtToRun: make([]batchStmt, 0, 10),
	}
}

// inTx runs fn in a transaction, rolling back when fn fails
func (s *Storage) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("failed to rollback transaction", "err", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

var _ storage.ProcessDefinitionStorageReader = &Storage{}

func (s *Storage) FindLatestProcessDefinitionById(ctx context.Context, bpmnProcessId string) (model.ProcessDefinition, error) {
	var data string
	err := s.db.GetContext(ctx, &data,
		`SELECT data FROM process_definition WHERE bpmn_process_id = ? ORDER BY version DESC LIMIT 1`, bpmnProcessId)
	if err != nil {
		return model.ProcessDefinition{}, notFound(err)
	}
	var res model.ProcessDefinition
	err = unmarshalJSON(data, &res)
	return res, err
}

func (s *Storage) FindProcessDefinitionByKey(ctx context.Context, processDefinitionKey int64) (model.ProcessDefinition, error) {
	var data string
	err := s.db.GetContext(ctx, &data, `SELECT data FROM process_definition WHERE id = ?`, processDefinitionKey)
	if err != nil {
		return model.ProcessDefinition{}, notFound(err)
	}
	var res model.ProcessDefinition
	err = unmarshalJSON(data, &res)
	return res, err
}

func (s *Storage) FindProcessDefinitionsById(ctx context.Context, bpmnProcessId string) ([]model.ProcessDefinition, error) {
	var data []string
	err := s.db.SelectContext(ctx, &data,
		`SELECT data FROM process_definition WHERE bpmn_process_id = ? ORDER BY version ASC`, bpmnProcessId)
	if err != nil {
		return nil, err
	}
	res := make([]model.ProcessDefinition, 0, len(data))
	for _, d := range data {
		var def model.ProcessDefinition
		if err := unmarshalJSON(d, &def); err != nil {
			return nil, err
		}
		res = append(res, def)
	}
	return res, nil
}

var _ storage.ProcessDefinitionStorageWriter = &Storage{}

func (s *Storage) SaveProcessDefinition(ctx context.Context, definition model.ProcessDefinition) error {
	return saveProcessDefinition(ctx, s.db, definition)
}

var _ storage.ProcessInstanceStorageReader = &Storage{}

func (s *Storage) FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error) {
	var row processInstanceRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM process_instance WHERE id = ?`, processInstanceKey); err != nil {
		return runtime.ProcessInstance{}, notFound(err)
	}
	return row.toRuntime()
}

func (s *Storage) FindProcessInstancesByParentFlowNode(ctx context.Context, flowNodeInstanceKey int64) ([]runtime.ProcessInstance, error) {
	var rows []processInstanceRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM process_instance WHERE parent_flow_node_instance_key = ? ORDER BY id`, flowNodeInstanceKey)
	if err != nil {
		return nil, err
	}
	res := make([]runtime.ProcessInstance, 0, len(rows))
	for _, r := range rows {
		pi, err := r.toRuntime()
		if err != nil {
			return nil, err
		}
		res = append(res, pi)
	}
	return res, nil
}

var _ storage.ProcessInstanceStorageWriter = &Storage{}

func (s *Storage) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	return saveProcessInstance(ctx, s.db, processInstance)
}

var _ storage.FlowNodeInstanceStorageReader = &Storage{}

func (s *Storage) FindFlowNodeInstanceByKey(ctx context.Context, key int64) (runtime.FlowNodeInstance, error) {
	var row flowNodeInstanceRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM flow_node_instance WHERE id = ?`, key); err != nil {
		return runtime.FlowNodeInstance{}, notFound(err)
	}
	return row.toRuntime()
}

func (s *Storage) FindFlowNodeInstances(ctx context.Context, processInstanceKey int64) ([]runtime.FlowNodeInstance, error) {
	return s.selectFlowNodeInstances(ctx,
		`SELECT * FROM flow_node_instance WHERE process_instance_key = ? ORDER BY id`, processInstanceKey)
}

func (s *Storage) FindChildFlowNodeInstances(ctx context.Context, processInstanceKey int64, parentContainerKey int64) ([]runtime.FlowNodeInstance, error) {
	return s.selectFlowNodeInstances(ctx,
		`SELECT * FROM flow_node_instance WHERE process_instance_key = ? AND parent_container_key = ? ORDER BY id`,
		processInstanceKey, parentContainerKey)
}

func (s *Storage) FindActiveFlowNodeInstanceByElementId(ctx context.Context, processInstanceKey int64, parentContainerKey int64, elementId string) (runtime.FlowNodeInstance, error) {
	var row flowNodeInstanceRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM flow_node_instance
		WHERE process_instance_key = ? AND parent_container_key = ? AND element_id = ? AND terminal = 0
		ORDER BY id LIMIT 1`, processInstanceKey, parentContainerKey, elementId)
	if err != nil {
		return runtime.FlowNodeInstance{}, notFound(err)
	}
	return row.toRuntime()
}

func (s *Storage) selectFlowNodeInstances(ctx context.Context, query string, args ...any) ([]runtime.FlowNodeInstance, error) {
	var rows []flowNodeInstanceRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	res := make([]runtime.FlowNodeInstance, 0, len(rows))
	for _, r := range rows {
		fni, err := r.toRuntime()
		if err != nil {
			return nil, err
		}
		res = append(res, fni)
	}
	return res, nil
}

var _ storage.FlowNodeInstanceStorageWriter = &Storage{}

func (s *Storage) SaveFlowNodeInstance(ctx context.Context, flowNodeInstance runtime.FlowNodeInstance) error {
	return saveFlowNodeInstance(ctx, s.db, flowNodeInstance)
}

var _ storage.TokenCounter = &Storage{}

func (s *Storage) AddToken(ctx context.Context, flowNodeInstanceKey int64, delta int) (int, error) {
	return s.addCounter(ctx, "flow_node_instance", "token_count", flowNodeInstanceKey, delta)
}

func (s *Storage) AddProcessInstanceTokens(ctx context.Context, processInstanceKey int64, delta int) (int, error) {
	return s.addCounter(ctx, "process_instance", "active_tokens", processInstanceKey, delta)
}

// addCounter updates the column in a single statement, the guard leaves the row unchanged when the result would be negative
func (s *Storage) addCounter(ctx context.Context, table string, column string, key int64, delta int) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, fmt.Sprintf(
		`UPDATE %[1]s SET %[2]s = %[2]s + ? WHERE id = ? AND %[2]s + ? >= 0 RETURNING %[2]s`, table, column),
		delta, key, delta)
	if err == nil {
		return count, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to update %s of %d: %w", column, key, err)
	}
	err = s.db.GetContext(ctx, &count, fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, column, table), key)
	if err != nil {
		return 0, notFound(err)
	}
	return count, storage.ErrNegativeTokenCount
}

var _ storage.RecordLocker = &Storage{}

func (s *Storage) LockWaitingEvent(ctx context.Context, key int64) error {
	return s.compareAndSetLock(ctx, "waiting_event", key, true)
}

func (s *Storage) UnlockWaitingEvent(ctx context.Context, key int64) error {
	return s.compareAndSetLock(ctx, "waiting_event", key, false)
}

func (s *Storage) LockTrigger(ctx context.Context, key int64) error {
	return s.compareAndSetLock(ctx, "event_trigger", key, true)
}

func (s *Storage) UnlockTrigger(ctx context.Context, key int64) error {
	return s.compareAndSetLock(ctx, "event_trigger", key, false)
}

func (s *Storage) compareAndSetLock(ctx context.Context, table string, key int64, locked bool) error {
	query := fmt.Sprintf(`UPDATE %s SET locked = 1 WHERE id = ? AND locked = 0`, table)
	if !locked {
		query = fmt.Sprintf(`UPDATE %s SET locked = 0 WHERE id = ?`, table)
	}
	res, err := s.db.ExecContext(ctx, query, key)
	if err != nil {
		return fmt.Errorf("failed to update lock of %s %d: %w", table, key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	var exists int
	if err := s.db.GetContext(ctx, &exists, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE id = ?`, table), key); err != nil {
		return err
	}
	if exists == 0 {
		return storage.ErrNotFound
	}
	return storage.ErrLockConflict
}

var _ storage.WaitingEventStorageReader = &Storage{}

func (s *Storage) FindWaitingEventByKey(ctx context.Context, key int64) (runtime.WaitingEvent, error) {
	var row waitingEventRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM waiting_event WHERE id = ?`, key); err != nil {
		return runtime.WaitingEvent{}, notFound(err)
	}
	return row.toRuntime()
}

func (s *Storage) FindWaitingEvents(ctx context.Context, triggerType runtime.TriggerType, name string) ([]runtime.WaitingEvent, error) {
	return s.selectWaitingEvents(ctx, `SELECT * FROM waiting_event
		WHERE trigger_type = ? AND name = ? AND locked = 0 ORDER BY created_at, id`, string(triggerType), name)
}

func (s *Storage) FindFlowNodeWaitingEvents(ctx context.Context, flowNodeInstanceKey int64) ([]runtime.WaitingEvent, error) {
	return s.selectWaitingEvents(ctx,
		`SELECT * FROM waiting_event WHERE flow_node_instance_key = ? ORDER BY created_at, id`, flowNodeInstanceKey)
}

func (s *Storage) FindProcessInstanceWaitingEvents(ctx context.Context, processInstanceKey int64) ([]runtime.WaitingEvent, error) {
	return s.selectWaitingEvents(ctx,
		`SELECT * FROM waiting_event WHERE process_instance_key = ? ORDER BY created_at, id`, processInstanceKey)
}

func (s *Storage) selectWaitingEvents(ctx context.Context, query string, args ...any) ([]runtime.WaitingEvent, error) {
	var rows []waitingEventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	res := make([]runtime.WaitingEvent, 0, len(rows))
	for _, r := range rows {
		we, err := r.toRuntime()
		if err != nil {
			return nil, err
		}
		res = append(res, we)
	}
	return res, nil
}

var _ storage.WaitingEventStorageWriter = &Storage{}

func (s *Storage) SaveWaitingEvent(ctx context.Context, waitingEvent runtime.WaitingEvent) error {
	return saveWaitingEvent(ctx, s.db, waitingEvent)
}

func (s *Storage) DeleteWaitingEvent(ctx context.Context, key int64) error {
	return deleteWaitingEvent(ctx, s.db, key)
}

var _ storage.TriggerStorageReader = &Storage{}

func (s *Storage) FindTriggerByKey(ctx context.Context, key int64) (runtime.Trigger, error) {
	var row triggerRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM event_trigger WHERE id = ?`, key); err != nil {
		return runtime.Trigger{}, notFound(err)
	}
	return row.toRuntime()
}

func (s *Storage) FindPendingTriggers(ctx context.Context, triggerType runtime.TriggerType, name string, now time.Time) ([]runtime.Trigger, error) {
	var rows []triggerRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM event_trigger
		WHERE trigger_type = ? AND name = ? AND locked = 0 AND handled = 0
		AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at, id`, string(triggerType), name, toMillis(now))
	if err != nil {
		return nil, err
	}
	res := make([]runtime.Trigger, 0, len(rows))
	for _, r := range rows {
		t, err := r.toRuntime()
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

var _ storage.TriggerStorageWriter = &Storage{}

func (s *Storage) SaveTrigger(ctx context.Context, trigger runtime.Trigger) error {
	return saveTrigger(ctx, s.db, trigger)
}

func (s *Storage) DeleteTrigger(ctx context.Context, key int64) error {
	return deleteTrigger(ctx, s.db, key)
}

func (s *Storage) DeleteExpiredTriggers(ctx context.Context, now time.Time) error {
	return deleteExpiredTriggers(ctx, s.db, now)
}

var _ storage.JobStorageReader = &Storage{}

func (s *Storage) FindJobDescriptorByKey(ctx context.Context, key int64) (runtime.JobDescriptor, error) {
	var row jobDescriptorRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM job_descriptor WHERE id = ?`, key); err != nil {
		return runtime.JobDescriptor{}, notFound(err)
	}
	return row.toRuntime(), nil
}

func (s *Storage) FindJobParameters(ctx context.Context, jobDescriptorKey int64) ([]runtime.JobParameter, error) {
	var rows []jobParameterRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM job_parameter WHERE job_descriptor_key = ? ORDER BY id`, jobDescriptorKey)
	if err != nil {
		return nil, err
	}
	res := make([]runtime.JobParameter, 0, len(rows))
	for _, r := range rows {
		p, err := r.toRuntime()
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

func (s *Storage) FindJobLog(ctx context.Context, jobDescriptorKey int64) (runtime.JobLog, error) {
	var row jobLogRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM job_log WHERE job_descriptor_key = ?`, jobDescriptorKey); err != nil {
		return runtime.JobLog{}, notFound(err)
	}
	return row.toRuntime(), nil
}

func (s *Storage) FindJobLogs(ctx context.Context, offset int, limit int) ([]runtime.JobLog, error) {
	res := make([]runtime.JobLog, 0)
	if offset < 0 || limit <= 0 {
		return res, nil
	}
	var rows []jobLogRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM job_log ORDER BY last_update_date DESC, job_descriptor_key LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		res = append(res, r.toRuntime())
	}
	return res, nil
}

func (s *Storage) FindJobTrigger(ctx context.Context, jobDescriptorKey int64) (runtime.JobTrigger, error) {
	var row jobTriggerRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM job_trigger WHERE job_descriptor_key = ?`, jobDescriptorKey); err != nil {
		return runtime.JobTrigger{}, notFound(err)
	}
	return row.toRuntime(), nil
}

func (s *Storage) FindDueJobTriggers(ctx context.Context, end time.Time) ([]runtime.JobTrigger, error) {
	var rows []jobTriggerRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM job_trigger
		WHERE state = ? AND next_fire_at <= ? ORDER BY next_fire_at, job_descriptor_key`,
		string(runtime.JobTriggerStateScheduled), toMillis(end))
	if err != nil {
		return nil, err
	}
	res := make([]runtime.JobTrigger, 0, len(rows))
	for _, r := range rows {
		res = append(res, r.toRuntime())
	}
	return res, nil
}

var _ storage.JobStorageWriter = &Storage{}

func (s *Storage) SaveJobDescriptor(ctx context.Context, descriptor runtime.JobDescriptor) error {
	return saveJobDescriptor(ctx, s.db, descriptor)
}

func (s *Storage) SaveJobParameters(ctx context.Context, jobDescriptorKey int64, parameters []runtime.JobParameter) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		return saveJobParameters(ctx, tx, jobDescriptorKey, parameters)
	})
}

func (s *Storage) SaveJobLog(ctx context.Context, jobLog runtime.JobLog) error {
	return saveJobLog(ctx, s.db, jobLog)
}

func (s *Storage) DeleteJobLog(ctx context.Context, jobDescriptorKey int64) error {
	return deleteJobLog(ctx, s.db, jobDescriptorKey)
}

func (s *Storage) SaveJobTrigger(ctx context.Context, trigger runtime.JobTrigger) error {
	return saveJobTrigger(ctx, s.db, trigger)
}

func (s *Storage) DeleteJobDescriptor(ctx context.Context, key int64) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		return deleteJobDescriptor(ctx, tx, key)
	})
}
