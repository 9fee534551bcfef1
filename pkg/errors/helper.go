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
	stderrors "errors"

	"github.com/pingcap/errors"
)

// re-export errors helpers so callers only import this package
var (
	New        = errors.New
	Errorf     = errors.Errorf
	Trace      = errors.Trace
	Cause      = errors.Cause
	Annotate   = errors.Annotate
	Annotatef  = errors.Annotatef
	ErrorEqual = errors.ErrorEqual

	// Is and As come from the standard library. They unwrap chains built
	// with both fmt.Errorf %w and pingcap/errors annotations.
	Is = stderrors.Is
	As = stderrors.As
)
