// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package metastore

import (
	"context"

	"github.com/goccy/go-json"

	"github.com/pingcap/dagbus/model"
	"github.com/pingcap/dagbus/pkg/errors"
	"github.com/pingcap/dagbus/pkg/retry"
)

// Byte-level CAS races are retried with backoff rather than spun on. A
// sustained race past the budget surfaces as ErrCasConflict.
const (
	casMaxTries      = 8
	casBackoffBaseMs = 1
	casBackoffMaxMs  = 20
)

// StateManager is the single source of truth for job and task lifecycle
// state. It wraps a KV backend and exposes typed compare-and-swap
// transitions; callers never do raw read-modify-write on records.
type StateManager struct {
	kv KV
}

// NewStateManager creates a StateManager over the given backend.
func NewStateManager(kv KV) *StateManager {
	return &StateManager{kv: kv}
}

// CreateJob atomically claims the job key and then writes one task record
// per definition. The job key CAS (create-iff-absent) is the creation gate:
// readers discover tasks only through a job record, so a partially written
// task set behind an unclaimed key is unreachable.
func (m *StateManager) CreateJob(
	ctx context.Context, job *model.JobRecord, tasks []*model.TaskRecord,
) error {
	jobValue, err := json.Marshal(job)
	if err != nil {
		return errors.Trace(err)
	}

	swapped, err := m.kv.CompareAndSwap(ctx, JobKey(job.OrgID, job.ID), nil, jobValue)
	if err != nil {
		return errors.Trace(err)
	}
	if !swapped {
		return errors.ErrJobAlreadyExists.GenWithStackByArgs(job.ID)
	}

	for _, task := range tasks {
		taskValue, err := json.Marshal(task)
		if err != nil {
			return errors.Trace(err)
		}
		if err := m.kv.Put(ctx, TaskKey(job.OrgID, job.ID, task.ID), taskValue); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// Job loads a job record.
func (m *StateManager) Job(ctx context.Context, orgID model.OrgID, jobID model.JobID) (*model.JobRecord, error) {
	key := JobKey(orgID, jobID)
	value, found, err := m.kv.Get(ctx, key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !found {
		return nil, errors.ErrJobNotFound.GenWithStackByArgs(jobID)
	}

	job := new(model.JobRecord)
	if err := json.Unmarshal(value, job); err != nil {
		return nil, errors.ErrDecodeRecord.Wrap(err).GenWithStackByArgs(key)
	}
	return job, nil
}

// Task loads a task record.
func (m *StateManager) Task(
	ctx context.Context, orgID model.OrgID, jobID model.JobID, taskID model.TaskID,
) (*model.TaskRecord, error) {
	key := TaskKey(orgID, jobID, taskID)
	value, found, err := m.kv.Get(ctx, key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !found {
		return nil, errors.ErrTaskNotFound.GenWithStackByArgs(taskID, jobID)
	}

	task := new(model.TaskRecord)
	if err := json.Unmarshal(value, task); err != nil {
		return nil, errors.ErrDecodeRecord.Wrap(err).GenWithStackByArgs(key)
	}
	return task, nil
}

// Tasks loads all task records of a job.
func (m *StateManager) Tasks(
	ctx context.Context, orgID model.OrgID, jobID model.JobID,
) ([]*model.TaskRecord, error) {
	kvs, err := m.kv.List(ctx, TaskPrefix(orgID, jobID))
	if err != nil {
		return nil, errors.Trace(err)
	}

	ret := make([]*model.TaskRecord, 0, len(kvs))
	for key, value := range kvs {
		task := new(model.TaskRecord)
		if err := json.Unmarshal(value, task); err != nil {
			return nil, errors.ErrDecodeRecord.Wrap(err).GenWithStackByArgs(key)
		}
		ret = append(ret, task)
	}
	return ret, nil
}

// Jobs loads every job record in the store. It is used once at oracle start
// to rebuild the active-job set.
func (m *StateManager) Jobs(ctx context.Context) ([]*model.JobRecord, error) {
	kvs, err := m.kv.List(ctx, "")
	if err != nil {
		return nil, errors.Trace(err)
	}

	var ret []*model.JobRecord
	for key, value := range kvs {
		if !isJobKey(key) {
			continue
		}
		job := new(model.JobRecord)
		if err := json.Unmarshal(value, job); err != nil {
			return nil, errors.ErrDecodeRecord.Wrap(err).GenWithStackByArgs(key)
		}
		ret = append(ret, job)
	}
	return ret, nil
}

// CasTaskState transitions a task record from one of the expected states to
// the target state, applying mutate to the new record before it is written.
// It returns (false, current, nil) when the record is no longer in any
// expected state, which is how a caller loses the race for a transition.
// Byte-level CAS failures with the precondition still holding are retried
// internally with backoff; they mean a concurrent writer touched an
// unrelated field. A race that outlasts the budget returns ErrCasConflict.
func (m *StateManager) CasTaskState(
	ctx context.Context,
	orgID model.OrgID, jobID model.JobID, taskID model.TaskID,
	from []model.TaskState, to model.TaskState,
	mutate func(*model.TaskRecord),
) (bool, *model.TaskRecord, error) {
	key := TaskKey(orgID, jobID, taskID)
	var (
		won    bool
		record *model.TaskRecord
	)
	err := retry.Do(ctx, func() error {
		raw, found, err := m.kv.Get(ctx, key)
		if err != nil {
			return errors.Trace(err)
		}
		if !found {
			return errors.ErrTaskNotFound.GenWithStackByArgs(taskID, jobID)
		}

		current := new(model.TaskRecord)
		if err := json.Unmarshal(raw, current); err != nil {
			return errors.ErrDecodeRecord.Wrap(err).GenWithStackByArgs(key)
		}

		if !stateIn(current.State, from) {
			won, record = false, current
			return nil
		}

		next := *current
		next.State = to
		if mutate != nil {
			mutate(&next)
		}
		desired, err := json.Marshal(&next)
		if err != nil {
			return errors.Trace(err)
		}

		swapped, err := m.kv.CompareAndSwap(ctx, key, raw, desired)
		if err != nil {
			return errors.Trace(err)
		}
		if !swapped {
			// Raced on bytes; reload and re-check the precondition.
			return errors.ErrCasConflict.GenWithStackByArgs(key)
		}
		won, record = true, &next
		return nil
	}, casRetryOptions()...)
	if err != nil {
		return false, nil, errors.Trace(err)
	}
	return won, record, nil
}

func casRetryOptions() []retry.Option {
	return []retry.Option{
		retry.WithMaxTries(casMaxTries),
		retry.WithBackoffBaseDelay(casBackoffBaseMs),
		retry.WithBackoffMaxDelay(casBackoffMaxMs),
		retry.WithIsRetryableErr(func(err error) bool {
			return errors.ErrCasConflict.Equal(err)
		}),
	}
}

// UpdateJob applies a CAS read-modify-write loop to a job record. apply
// returns false to abort without writing, e.g. when the job has already
// reached a terminal state.
func (m *StateManager) UpdateJob(
	ctx context.Context, orgID model.OrgID, jobID model.JobID,
	apply func(*model.JobRecord) bool,
) (*model.JobRecord, bool, error) {
	key := JobKey(orgID, jobID)
	var (
		applied bool
		record  *model.JobRecord
	)
	err := retry.Do(ctx, func() error {
		raw, found, err := m.kv.Get(ctx, key)
		if err != nil {
			return errors.Trace(err)
		}
		if !found {
			return errors.ErrJobNotFound.GenWithStackByArgs(jobID)
		}

		current := new(model.JobRecord)
		if err := json.Unmarshal(raw, current); err != nil {
			return errors.ErrDecodeRecord.Wrap(err).GenWithStackByArgs(key)
		}

		next := *current
		if !apply(&next) {
			applied, record = false, current
			return nil
		}
		desired, err := json.Marshal(&next)
		if err != nil {
			return errors.Trace(err)
		}

		swapped, err := m.kv.CompareAndSwap(ctx, key, raw, desired)
		if err != nil {
			return errors.Trace(err)
		}
		if !swapped {
			return errors.ErrCasConflict.GenWithStackByArgs(key)
		}
		applied, record = true, &next
		return nil
	}, casRetryOptions()...)
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	return record, applied, nil
}

// ResolveDefinition loads the task definition referenced by a dispatch
// message's definition_ref, which is a task record key.
func (m *StateManager) ResolveDefinition(ctx context.Context, ref string) (model.TaskDefinition, error) {
	value, found, err := m.kv.Get(ctx, ref)
	if err != nil {
		return model.TaskDefinition{}, errors.Trace(err)
	}
	if !found {
		return model.TaskDefinition{}, errors.ErrDefinitionRefInvalid.GenWithStackByArgs(ref)
	}

	task := new(model.TaskRecord)
	if err := json.Unmarshal(value, task); err != nil {
		return model.TaskDefinition{}, errors.ErrDecodeRecord.Wrap(err).GenWithStackByArgs(ref)
	}
	return task.Definition, nil
}

func stateIn(s model.TaskState, set []model.TaskState) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}
