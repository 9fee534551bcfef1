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

// Package echoop is a trivial operative used by the demo command and the
// integration tests. It interprets a handful of params:
//
//	echo      text copied to the outcome output
//	sleep_ms  wall time the task pretends to work for
//	fail      "true" makes the task fail with exit code 1
//	result_ref passed through as the outcome's claim-check reference
package echoop

import (
	"context"
	"strconv"
	"time"

	"github.com/pingcap/dagbus/model"
)

// TaskType is the task type this operative handles.
const TaskType = "echo"

// Operative is a stateless echo executor.
type Operative struct{}

// New creates an echo Operative.
func New() *Operative {
	return &Operative{}
}

// Handles implements operative.Operative.
func (o *Operative) Handles() []string {
	return []string{TaskType}
}

// Execute implements operative.Operative.
func (o *Operative) Execute(ctx context.Context, def model.TaskDefinition) model.TaskOutcome {
	if ms, err := strconv.Atoi(def.Params["sleep_ms"]); err == nil && ms > 0 {
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
			return model.FailedOutcome(-1, "canceled: "+ctx.Err().Error())
		}
	}

	if def.Params["fail"] == "true" {
		return model.FailedOutcome(1, "task was asked to fail")
	}

	return model.CompletedOutcome(def.Params["echo"], def.Params["result_ref"])
}
