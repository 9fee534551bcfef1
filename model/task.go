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

package model

import "fmt"

// TaskState is the lifecycle state of a task record.
type TaskState int32

// Task lifecycle states. A task with dependencies starts Blocked, DAG roots
// start Pending. Blocked->Pending is the dispatch transition: the queue
// message is published by whoever wins that CAS. Cancelled is reserved for
// fail-fast: it marks tasks terminated because a sibling failed, so that a
// late report for such a task is distinguishable from a genuine failure.
const (
	TaskStateBlocked = TaskState(iota + 1)
	TaskStatePending
	TaskStateRunning
	TaskStateCompleted
	TaskStateFailed
	TaskStateCancelled
)

var taskStateNames = map[TaskState]string{
	TaskStateBlocked:   "Blocked",
	TaskStatePending:   "Pending",
	TaskStateRunning:   "Running",
	TaskStateCompleted: "Completed",
	TaskStateFailed:    "Failed",
	TaskStateCancelled: "Cancelled",
}

// String implements fmt.Stringer.
func (s TaskState) String() string {
	if name, ok := taskStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Unknown TaskState %d", s)
}

// IsTerminal returns whether no further transition can happen from s.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCancelled:
		return true
	}
	return false
}

// TaskDefinition describes one task of a job. The oracle reads only Name and
// DependsOn; every other field passes through to the operative unexamined.
type TaskDefinition struct {
	Name string `json:"name" toml:"name"`
	// Type selects which operatives may execute the task. It is the
	// {task_type} segment of the bus subjects.
	Type        string            `json:"task_type" toml:"task_type"`
	DependsOn   []string          `json:"depends_on,omitempty" toml:"depends_on"`
	Params      map[string]string `json:"params,omitempty" toml:"params"`
	TimeoutSecs int               `json:"timeout_secs,omitempty" toml:"timeout_secs"`
	MaxRetries  int               `json:"max_retries,omitempty" toml:"max_retries"`
}

// IsRoot returns whether the task has no dependencies and is dispatchable
// right after submission.
func (d *TaskDefinition) IsRoot() bool {
	return len(d.DependsOn) == 0
}

// TaskRecord is the mutable task state owned by the state manager, keyed by
// {org_id}/{job_id}/{task_id} in the metastore.
type TaskRecord struct {
	ID    TaskID `json:"id"`
	JobID JobID  `json:"job_id"`
	OrgID OrgID  `json:"org_id"`

	Definition TaskDefinition `json:"definition"`
	State      TaskState      `json:"state"`

	// Ord is the position of the task in the job definition. Ready tasks
	// are dispatched in Ord order within one readiness pass; the order is
	// stable but carries no semantic meaning.
	Ord int `json:"ord"`

	// RetryCount counts operative-local retries reported back with the
	// terminal outcome; DispatchCount counts Blocked->Pending wins and is
	// 1 for any dispatched task unless engine re-dispatch is added later.
	RetryCount    int `json:"retry_count"`
	DispatchCount int `json:"dispatch_count"`

	// Terminal outcome payload, copied verbatim from the operative.
	Output    string `json:"output,omitempty"`
	ResultRef string `json:"result_ref,omitempty"`
	ExitCode  int    `json:"exit_code,omitempty"`
	ErrorMsg  string `json:"error_msg,omitempty"`

	// CancelReason is set only on TaskStateCancelled records.
	CancelReason string `json:"cancel_reason,omitempty"`
}

// OutcomeKind tags a TaskOutcome.
type OutcomeKind int32

// Outcome kinds. An operative reports exactly one of these per attempt.
const (
	OutcomeCompleted = OutcomeKind(iota + 1)
	OutcomeFailed
)

// String implements fmt.Stringer.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "Completed"
	case OutcomeFailed:
		return "Failed"
	}
	return fmt.Sprintf("Unknown OutcomeKind %d", k)
}

// TaskOutcome is the only data an operative returns for a task. It carries
// no job or task identity; identity travels in the bus envelope. Large
// results are passed by reference (claim-check): the payload lives in
// external storage and only ResultRef travels through here.
type TaskOutcome struct {
	Kind OutcomeKind `json:"kind"`

	// Completed fields.
	Output    string `json:"output,omitempty"`
	ResultRef string `json:"result_ref,omitempty"`

	// Failed fields.
	ExitCode int    `json:"exit_code,omitempty"`
	ErrorMsg string `json:"error,omitempty"`
}

// CompletedOutcome builds a successful outcome.
func CompletedOutcome(output, resultRef string) TaskOutcome {
	return TaskOutcome{
		Kind:      OutcomeCompleted,
		Output:    output,
		ResultRef: resultRef,
	}
}

// FailedOutcome builds a failed outcome.
func FailedOutcome(exitCode int, errorMsg string) TaskOutcome {
	return TaskOutcome{
		Kind:     OutcomeFailed,
		ExitCode: exitCode,
		ErrorMsg: errorMsg,
	}
}

// TerminalState maps the outcome to the task state it drives the record to.
func (o TaskOutcome) TerminalState() TaskState {
	if o.Kind == OutcomeCompleted {
		return TaskStateCompleted
	}
	return TaskStateFailed
}
