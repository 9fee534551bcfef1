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

package errors

import (
	"github.com/pingcap/errors"
)

// all dagbus errors
var (
	// general errors
	ErrInvalidArgument = errors.Normalize(
		"invalid argument: %s",
		errors.RFCCodeText("DBUS:ErrInvalidArgument"),
	)

	// job submission errors
	ErrInvalidDag = errors.Normalize(
		"invalid dag: %s",
		errors.RFCCodeText("DBUS:ErrInvalidDag"),
	)
	ErrJobAlreadyExists = errors.Normalize(
		"job %s already exists",
		errors.RFCCodeText("DBUS:ErrJobAlreadyExists"),
	)

	// oracle errors
	ErrJobNotFound = errors.Normalize(
		"job %s not found",
		errors.RFCCodeText("DBUS:ErrJobNotFound"),
	)
	ErrTaskNotFound = errors.Normalize(
		"task %s not found in job %s",
		errors.RFCCodeText("DBUS:ErrTaskNotFound"),
	)
	ErrCasConflict = errors.Normalize(
		"cas conflict on key %s: a concurrent transition won the race",
		errors.RFCCodeText("DBUS:ErrCasConflict"),
	)

	// metastore errors
	ErrMetastoreUnavailable = errors.Normalize(
		"metastore unavailable",
		errors.RFCCodeText("DBUS:ErrMetastoreUnavailable"),
	)
	ErrDecodeRecord = errors.Normalize(
		"failed to decode record at key %s",
		errors.RFCCodeText("DBUS:ErrDecodeRecord"),
	)
	ErrDefinitionRefInvalid = errors.Normalize(
		"definition ref %s does not resolve to a task record",
		errors.RFCCodeText("DBUS:ErrDefinitionRefInvalid"),
	)

	// bus errors
	ErrBusClosed = errors.Normalize(
		"bus is closed",
		errors.RFCCodeText("DBUS:ErrBusClosed"),
	)
	ErrSubscriptionClosed = errors.Normalize(
		"subscription on subject %s is closed",
		errors.RFCCodeText("DBUS:ErrSubscriptionClosed"),
	)

	// operative errors
	ErrUnknownTaskType = errors.Normalize(
		"no operative registered for task type %s",
		errors.RFCCodeText("DBUS:ErrUnknownTaskType"),
	)
)
