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
	"fmt"
	"strings"

	"github.com/pingcap/dagbus/model"
)

// Key layout:
//
//	{org_id}/{job_id}           -> JobRecord
//	{org_id}/{job_id}/{task_id} -> TaskRecord
//
// Keys are derivable from IDs alone, so CAS access needs no index.

// JobKey returns the metastore key of a job record.
func JobKey(orgID model.OrgID, jobID model.JobID) string {
	return fmt.Sprintf("%s/%s", orgID, jobID)
}

// TaskKey returns the metastore key of a task record.
func TaskKey(orgID model.OrgID, jobID model.JobID, taskID model.TaskID) string {
	return fmt.Sprintf("%s/%s/%s", orgID, jobID, taskID)
}

// TaskPrefix returns the key prefix covering all task records of a job. The
// trailing separator keeps the job record itself out of the scan.
func TaskPrefix(orgID model.OrgID, jobID model.JobID) string {
	return fmt.Sprintf("%s/%s/", orgID, jobID)
}

// isJobKey reports whether key addresses a job record, i.e. has exactly two
// segments.
func isJobKey(key string) bool {
	return strings.Count(key, "/") == 1
}
