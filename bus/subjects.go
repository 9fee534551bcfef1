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

import "fmt"

// Subject naming scheme: domain.entity.{type}.{event}. These exact strings
// are the wire contract between the oracle and the operatives; both sides
// must build them through these helpers.

// JobCreatedSubject returns the subject for job-created events of a job type.
func JobCreatedSubject(jobType string) string {
	return fmt.Sprintf("jobs.%s.created", jobType)
}

// JobCompletedSubject returns the subject for job-completed events of a job type.
func JobCompletedSubject(jobType string) string {
	return fmt.Sprintf("jobs.%s.completed", jobType)
}

// JobFailedSubject returns the subject for job-failed events of a job type.
func JobFailedSubject(jobType string) string {
	return fmt.Sprintf("jobs.%s.failed", jobType)
}

// TaskQueueSubject returns the dispatch subject of a task type. Operatives
// consume it with competing-consumer semantics.
func TaskQueueSubject(taskType string) string {
	return fmt.Sprintf("tasks.%s.queue", taskType)
}

// TaskProgressSubject returns the optional progress subject of a task type,
// published by operatives during execution.
func TaskProgressSubject(taskType string) string {
	return fmt.Sprintf("tasks.%s.progress", taskType)
}

// TaskTerminalSubject returns the terminal-outcome subject of a task type,
// published by operatives and consumed by the oracle.
func TaskTerminalSubject(taskType string) string {
	return fmt.Sprintf("tasks.%s.terminal", taskType)
}
