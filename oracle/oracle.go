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

// Package oracle implements the DAG engine: it owns job and task lifecycle
// state, walks dependency edges to compute readiness, dispatches ready
// tasks over the bus and consumes terminal reports. It never calls an
// operative directly; all coordination is bus-mediated, and all state
// transitions go through the state manager's compare-and-swap, so
// concurrent or redundant invocations converge to the same outcome.
package oracle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/pingcap/dagbus/bus"
	"github.com/pingcap/dagbus/metastore"
	"github.com/pingcap/dagbus/model"
	"github.com/pingcap/dagbus/pkg/errors"
	"github.com/pingcap/dagbus/pkg/uuid"
)

// Oracle is the scheduling contract. Implementations decide what runs next;
// they never decide how a task runs.
type Oracle interface {
	// Submit validates the definition and creates the job. DAG roots are
	// dispatched before Submit returns. Rejections leave no partial state.
	Submit(ctx context.Context, orgID model.OrgID, def *model.JobDefinition) (model.JobID, error)

	// Tick recomputes readiness for every active job and dispatches newly
	// ready tasks. It is idempotent and safe to invoke concurrently: the
	// Blocked->Pending CAS guarantees at most one dispatch per task.
	Tick(ctx context.Context) error

	// OnTaskReported applies a terminal outcome. Duplicate reports for an
	// already-terminal task are accepted and ignored.
	OnTaskReported(ctx context.Context, orgID model.OrgID, jobID model.JobID,
		taskID model.TaskID, outcome model.TaskOutcome, retryCount int) error

	// OnTaskProgress applies the optional Pending->Running transition.
	OnTaskProgress(ctx context.Context, orgID model.OrgID, jobID model.JobID,
		taskID model.TaskID) error
}

type jobRef struct {
	orgID model.OrgID
	jobID model.JobID
}

// DAGOracle is the concrete Oracle over a state manager and a bus.
type DAGOracle struct {
	meta  *metastore.StateManager
	bus   bus.Bus
	idGen uuid.Generator

	// active tracks non-terminal jobs so that Tick scans only them. It is
	// a cache over the metastore, rebuilt on construction.
	activeMu sync.RWMutex
	active   map[jobRef]struct{}
}

// NewDAGOracle creates a DAGOracle and rebuilds the active-job set from the
// metastore, so a restarted oracle resumes unfinished jobs.
func NewDAGOracle(
	ctx context.Context, meta *metastore.StateManager, b bus.Bus, idGen uuid.Generator,
) (*DAGOracle, error) {
	o := &DAGOracle{
		meta:   meta,
		bus:    b,
		idGen:  idGen,
		active: make(map[jobRef]struct{}),
	}

	jobs, err := meta.Jobs(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, job := range jobs {
		if job.State.IsTerminal() {
			continue
		}
		o.active[jobRef{orgID: job.OrgID, jobID: job.ID}] = struct{}{}
	}
	return o, nil
}

// Submit implements Oracle.
func (o *DAGOracle) Submit(
	ctx context.Context, orgID model.OrgID, def *model.JobDefinition,
) (model.JobID, error) {
	if err := orgID.Validate(); err != nil {
		return "", err
	}
	if def.Type == "" {
		return "", errors.ErrInvalidArgument.GenWithStackByArgs("job type must not be empty")
	}
	if len(def.Tasks) == 0 {
		return "", errors.ErrInvalidArgument.GenWithStackByArgs("job must have at least one task")
	}
	if err := validateDAG(def); err != nil {
		return "", err
	}
	for _, task := range def.Tasks {
		if task.Type == "" {
			return "", errors.ErrInvalidArgument.GenWithStackByArgs(
				"task type must not be empty")
		}
		if err := model.TaskID(task.Name).Validate(); err != nil {
			return "", err
		}
	}

	jobID := model.JobID(o.idGen.NewString())
	job := &model.JobRecord{
		ID:         jobID,
		OrgID:      orgID,
		Name:       def.Name,
		Type:       def.Type,
		State:      model.JobStateRunning,
		Version:    def.Version,
		TotalTasks: len(def.Tasks),
		CreatedAt:  time.Now(),
	}

	// Task IDs are the definition names: unique within the job and enough
	// to derive the metastore key. Every task starts Blocked; roots go
	// through the same Blocked->Pending dispatch CAS as everything else,
	// right below.
	tasks := make([]*model.TaskRecord, 0, len(def.Tasks))
	for i, taskDef := range def.Tasks {
		tasks = append(tasks, &model.TaskRecord{
			ID:         model.TaskID(taskDef.Name),
			JobID:      jobID,
			OrgID:      orgID,
			Definition: taskDef,
			State:      model.TaskStateBlocked,
			Ord:        i,
		})
	}

	if err := o.meta.CreateJob(ctx, job, tasks); err != nil {
		return "", errors.Trace(err)
	}

	o.activeMu.Lock()
	o.active[jobRef{orgID: orgID, jobID: jobID}] = struct{}{}
	o.activeMu.Unlock()

	jobsSubmittedCount.WithLabelValues(def.Type).Inc()
	log.Info("job submitted",
		zap.String("jobID", string(jobID)),
		zap.String("orgID", string(orgID)),
		zap.String("jobType", def.Type),
		zap.Int("tasks", len(def.Tasks)))

	if err := o.publishJobEvent(ctx, bus.JobCreatedSubject(def.Type), job); err != nil {
		return "", err
	}

	// Dispatch the DAG roots; they become Pending before Submit returns.
	if err := o.advanceJob(ctx, jobRef{orgID: orgID, jobID: jobID}); err != nil {
		return "", err
	}
	return jobID, nil
}

// Tick implements Oracle.
func (o *DAGOracle) Tick(ctx context.Context) error {
	o.activeMu.RLock()
	refs := make([]jobRef, 0, len(o.active))
	for ref := range o.active {
		refs = append(refs, ref)
	}
	o.activeMu.RUnlock()

	for _, ref := range refs {
		if err := o.advanceJob(ctx, ref); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// advanceJob recomputes readiness for one job. A Blocked task becomes
// Pending iff every dependency is Completed; only the CAS winner publishes
// the dispatch message, which is the at-most-one-dispatch guarantee.
func (o *DAGOracle) advanceJob(ctx context.Context, ref jobRef) error {
	tasks, err := o.meta.Tasks(ctx, ref.orgID, ref.jobID)
	if err != nil {
		return errors.Trace(err)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Ord < tasks[j].Ord })

	stateByName := make(map[string]model.TaskState, len(tasks))
	resultRefs := make(map[string]string)
	for _, task := range tasks {
		stateByName[task.Definition.Name] = task.State
		if task.State == model.TaskStateCompleted && task.ResultRef != "" {
			resultRefs[task.Definition.Name] = task.ResultRef
		}
	}

	for _, task := range tasks {
		if task.State != model.TaskStateBlocked {
			continue
		}
		ready := true
		for _, dep := range task.Definition.DependsOn {
			if stateByName[dep] != model.TaskStateCompleted {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}

		swapped, _, err := o.meta.CasTaskState(
			ctx, ref.orgID, ref.jobID, task.ID,
			[]model.TaskState{model.TaskStateBlocked}, model.TaskStatePending,
			func(rec *model.TaskRecord) {
				rec.DispatchCount++
			})
		if err != nil {
			return errors.Trace(err)
		}
		if !swapped {
			// A concurrent tick won this dispatch; nothing to do.
			casLostCount.WithLabelValues("dispatch").Inc()
			continue
		}

		if err := o.publishDispatch(ctx, ref, task, resultRefs); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (o *DAGOracle) publishDispatch(
	ctx context.Context, ref jobRef, task *model.TaskRecord, resultRefs map[string]string,
) error {
	// Claim-check pass-through: the dependency's result reference travels
	// with the dispatch, uninspected.
	var upstream map[string]string
	for _, dep := range task.Definition.DependsOn {
		if resultRef, ok := resultRefs[dep]; ok {
			if upstream == nil {
				upstream = make(map[string]string)
			}
			upstream[dep] = resultRef
		}
	}

	payload, err := bus.Encode(&bus.TaskDispatch{
		TaskID:          task.ID,
		JobID:           ref.jobID,
		OrgID:           ref.orgID,
		TaskType:        task.Definition.Type,
		Params:          task.Definition.Params,
		RetryCount:      task.RetryCount,
		DefinitionRef:   metastore.TaskKey(ref.orgID, ref.jobID, task.ID),
		UpstreamResults: upstream,
	})
	if err != nil {
		return err
	}
	if err := o.bus.Publish(ctx, bus.TaskQueueSubject(task.Definition.Type), payload); err != nil {
		return errors.Trace(err)
	}

	tasksDispatchedCount.WithLabelValues(task.Definition.Type).Inc()
	log.Info("task dispatched",
		zap.String("jobID", string(ref.jobID)),
		zap.String("taskID", string(task.ID)),
		zap.String("taskType", task.Definition.Type))
	return nil
}

// OnTaskProgress implements Oracle. Losing the CAS is normal: the task may
// already be Running or terminal.
func (o *DAGOracle) OnTaskProgress(
	ctx context.Context, orgID model.OrgID, jobID model.JobID, taskID model.TaskID,
) error {
	_, _, err := o.meta.CasTaskState(ctx, orgID, jobID, taskID,
		[]model.TaskState{model.TaskStatePending}, model.TaskStateRunning, nil)
	if err != nil {
		if dropUnknownReport(err, orgID, jobID, taskID, "progress") {
			return nil
		}
		return errors.Trace(err)
	}
	return nil
}

// dropUnknownReport absorbs reports naming a job or task that has no
// record. Such a report comes from a misbehaving or stale operative;
// it must not stop the driver the way a metastore outage does.
func dropUnknownReport(
	err error, orgID model.OrgID, jobID model.JobID, taskID model.TaskID, kind string,
) bool {
	if !errors.ErrJobNotFound.Equal(err) && !errors.ErrTaskNotFound.Equal(err) {
		return false
	}
	unknownReportsCount.Inc()
	log.Warn("report for unknown job or task dropped",
		zap.String("orgID", string(orgID)),
		zap.String("jobID", string(jobID)),
		zap.String("taskID", string(taskID)),
		zap.String("kind", kind),
		zap.Error(err))
	return true
}

// OnTaskReported implements Oracle.
func (o *DAGOracle) OnTaskReported(
	ctx context.Context, orgID model.OrgID, jobID model.JobID,
	taskID model.TaskID, outcome model.TaskOutcome, retryCount int,
) error {
	terminal := outcome.TerminalState()
	swapped, current, err := o.meta.CasTaskState(ctx, orgID, jobID, taskID,
		[]model.TaskState{model.TaskStatePending, model.TaskStateRunning}, terminal,
		func(rec *model.TaskRecord) {
			rec.RetryCount = retryCount
			rec.Output = outcome.Output
			rec.ResultRef = outcome.ResultRef
			rec.ExitCode = outcome.ExitCode
			rec.ErrorMsg = outcome.ErrorMsg
		})
	if err != nil {
		if dropUnknownReport(err, orgID, jobID, taskID, "terminal") {
			return nil
		}
		return errors.Trace(err)
	}
	if !swapped {
		// At-least-once delivery: a duplicate or late report for a task
		// that is already terminal. Accepted and ignored.
		duplicateReportsCount.Inc()
		log.Info("stale or duplicate task report ignored",
			zap.String("jobID", string(jobID)),
			zap.String("taskID", string(taskID)),
			zap.Stringer("currentState", current.State),
			zap.Stringer("outcome", outcome.Kind))
		return nil
	}

	tasksReportedCount.WithLabelValues(outcome.Kind.String()).Inc()

	job, updated, err := o.meta.UpdateJob(ctx, orgID, jobID, func(rec *model.JobRecord) bool {
		if rec.State.IsTerminal() {
			return false
		}
		switch terminal {
		case model.TaskStateCompleted:
			rec.CompletedTasks++
			if rec.CompletedTasks == rec.TotalTasks {
				rec.State = model.JobStateCompleted
				rec.FinishedAt = time.Now()
			}
		case model.TaskStateFailed:
			rec.FailedTasks++
			rec.State = model.JobStateFailed
			rec.FinishedAt = time.Now()
		}
		return true
	})
	if err != nil {
		return errors.Trace(err)
	}
	if !updated || !job.State.IsTerminal() {
		return nil
	}

	ref := jobRef{orgID: orgID, jobID: jobID}
	switch job.State {
	case model.JobStateCompleted:
		log.Info("job completed", zap.String("jobID", string(jobID)))
		if err := o.publishJobEvent(ctx, bus.JobCompletedSubject(job.Type), job); err != nil {
			return err
		}
	case model.JobStateFailed:
		// Fail fast: cancel every non-terminal sibling instead of waiting
		// for it to finish naturally. Cancelled is distinct from Failed so
		// late reports for these tasks stay distinguishable in audit logs.
		log.Warn("job failed, cancelling remaining tasks",
			zap.String("jobID", string(jobID)),
			zap.String("failedTask", string(taskID)))
		if err := o.cancelSiblings(ctx, ref, taskID); err != nil {
			return err
		}
		if err := o.publishJobEvent(ctx, bus.JobFailedSubject(job.Type), job); err != nil {
			return err
		}
	}

	o.activeMu.Lock()
	delete(o.active, ref)
	o.activeMu.Unlock()
	return nil
}

func (o *DAGOracle) cancelSiblings(ctx context.Context, ref jobRef, failed model.TaskID) error {
	tasks, err := o.meta.Tasks(ctx, ref.orgID, ref.jobID)
	if err != nil {
		return errors.Trace(err)
	}
	for _, task := range tasks {
		if task.ID == failed || task.State.IsTerminal() {
			continue
		}
		swapped, _, err := o.meta.CasTaskState(ctx, ref.orgID, ref.jobID, task.ID,
			[]model.TaskState{
				model.TaskStateBlocked, model.TaskStatePending, model.TaskStateRunning,
			},
			model.TaskStateCancelled,
			func(rec *model.TaskRecord) {
				rec.CancelReason = "job failed: task " + string(failed)
			})
		if err != nil {
			return errors.Trace(err)
		}
		if swapped {
			tasksCancelledCount.WithLabelValues(task.Definition.Type).Inc()
		}
	}
	return nil
}

func (o *DAGOracle) publishJobEvent(ctx context.Context, subject string, job *model.JobRecord) error {
	payload, err := bus.Encode(&bus.JobEvent{
		JobID:   job.ID,
		OrgID:   job.OrgID,
		JobType: job.Type,
		State:   job.State,
	})
	if err != nil {
		return err
	}
	return errors.Trace(o.bus.Publish(ctx, subject, payload))
}
