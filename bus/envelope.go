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

package bus

import (
	"github.com/goccy/go-json"

	"github.com/pingcap/dagbus/model"
	"github.com/pingcap/dagbus/pkg/errors"
)

// TaskDispatch is the envelope published on tasks.{task_type}.queue when a
// task wins the Blocked->Pending transition. Identity travels here, never in
// the outcome payload. Params may be carried inline, or the operative can
// fetch the full definition via DefinitionRef, a metastore key; both forms
// are part of the contract since the operative is stateless either way.
type TaskDispatch struct {
	TaskID     model.TaskID      `json:"task_id"`
	JobID      model.JobID       `json:"job_id"`
	OrgID      model.OrgID       `json:"org_id"`
	TaskType   string            `json:"task_type"`
	Params     map[string]string `json:"params,omitempty"`
	RetryCount int               `json:"retry_count"`

	DefinitionRef string `json:"definition_ref,omitempty"`

	// UpstreamResults maps each completed dependency's name to its claim
	// check reference, copied verbatim from the task records. Consumers
	// dereference the external storage themselves.
	UpstreamResults map[string]string `json:"upstream_results,omitempty"`
}

// TaskTerminal is the envelope published on tasks.{task_type}.terminal with
// the single terminal outcome of one dispatch attempt.
type TaskTerminal struct {
	TaskID     model.TaskID      `json:"task_id"`
	JobID      model.JobID       `json:"job_id"`
	OrgID      model.OrgID       `json:"org_id"`
	TaskType   string            `json:"task_type"`
	RetryCount int               `json:"retry_count"`
	Outcome    model.TaskOutcome `json:"outcome"`
}

// TaskProgress is the optional envelope published on
// tasks.{task_type}.progress while a task executes.
type TaskProgress struct {
	TaskID   model.TaskID `json:"task_id"`
	JobID    model.JobID  `json:"job_id"`
	OrgID    model.OrgID  `json:"org_id"`
	TaskType string       `json:"task_type"`
	Stage    string       `json:"stage,omitempty"`
}

// JobEvent is the envelope published on jobs.{job_type}.{created,completed,failed}.
type JobEvent struct {
	JobID   model.JobID    `json:"job_id"`
	OrgID   model.OrgID    `json:"org_id"`
	JobType string         `json:"job_type"`
	State   model.JobState `json:"state"`
}

// Encode marshals an envelope for publishing.
func Encode(envelope any) ([]byte, error) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return payload, nil
}

// Decode unmarshals a received payload into the envelope type.
func Decode(payload []byte, envelope any) error {
	if err := json.Unmarshal(payload, envelope); err != nil {
		return errors.Trace(err)
	}
	return nil
}
