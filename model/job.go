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

import (
	"fmt"
	"time"
)

// JobState is the lifecycle state of a job record.
type JobState int32

// Job lifecycle states. A job is created Running and reaches exactly one of
// the terminal states.
const (
	JobStateRunning = JobState(iota + 1)
	JobStateCompleted
	JobStateFailed
)

var jobStateNames = map[JobState]string{
	JobStateRunning:   "Running",
	JobStateCompleted: "Completed",
	JobStateFailed:    "Failed",
}

// String implements fmt.Stringer.
func (s JobState) String() string {
	if name, ok := jobStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Unknown JobState %d", s)
}

// IsTerminal returns whether no further transition can happen from s.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// JobDefinition is the immutable description of a job submitted to the
// oracle. It is validated once at submission and never mutated afterwards.
type JobDefinition struct {
	Version string           `json:"version" toml:"version"`
	Name    string           `json:"name" toml:"name"`
	Type    string           `json:"type" toml:"type"`
	Tasks   []TaskDefinition `json:"tasks" toml:"tasks"`
}

// TaskByName returns the definition of the named task, if present.
func (d *JobDefinition) TaskByName(name string) (TaskDefinition, bool) {
	for _, task := range d.Tasks {
		if task.Name == name {
			return task, true
		}
	}
	return TaskDefinition{}, false
}

// JobRecord is the mutable job state owned by the state manager. All
// mutations go through compare-and-swap; the struct itself carries no
// synchronization.
type JobRecord struct {
	ID      JobID    `json:"id"`
	OrgID   OrgID    `json:"org_id"`
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	State   JobState `json:"state"`
	Version string   `json:"version"`

	TotalTasks     int `json:"total_tasks"`
	CompletedTasks int `json:"completed_tasks"`
	FailedTasks    int `json:"failed_tasks"`

	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}
