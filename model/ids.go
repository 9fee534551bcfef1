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
	"strings"

	"github.com/pingcap/dagbus/pkg/errors"
)

type (
	// OrgID identifies the tenant that owns a job. It is a path segment of
	// the metastore key layout, so it must not contain the separator.
	OrgID string
	// JobID is the globally unique identity of one job instance.
	JobID string
	// TaskID identifies a task within the scope of one JobID.
	TaskID string
)

// keySeparator is reserved by the metastore key layout
// {org_id}/{job_id}/{task_id}.
const keySeparator = "/"

func validateIDSegment(kind, s string) error {
	if s == "" {
		return errors.ErrInvalidArgument.GenWithStackByArgs(kind + " must not be empty")
	}
	if strings.Contains(s, keySeparator) {
		return errors.ErrInvalidArgument.GenWithStackByArgs(kind + " must not contain '/'")
	}
	return nil
}

// Validate checks that the OrgID is usable as a metastore key segment.
func (o OrgID) Validate() error {
	return validateIDSegment("org id", string(o))
}

// Validate checks that the JobID is usable as a metastore key segment.
func (j JobID) Validate() error {
	return validateIDSegment("job id", string(j))
}

// Validate checks that the TaskID is usable as a metastore key segment.
func (t TaskID) Validate() error {
	return validateIDSegment("task id", string(t))
}
