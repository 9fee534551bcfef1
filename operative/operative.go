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

// Package operative defines the executor side of the dispatch protocol: a
// stateless contract for executing tasks, and a runner that claims work
// from task queues and reports outcomes, all over the bus. An operative
// never talks to the oracle directly.
package operative

import (
	"context"

	"github.com/pingcap/dagbus/model"
)

// Operative executes tasks of the types it declares. Implementations must
// be stateless across calls: everything needed to execute must come from
// the definition, so any instance can service any matching task.
//
// Execute reports failure only through the Failed outcome variant, never by
// returning an infrastructure error; bus disconnects and the like are the
// runner's concern. Execute must honor ctx cancellation; the runner derives
// a deadline from the definition's timeout.
type Operative interface {
	// Handles declares which task types this operative subscribes to. One
	// operative may handle many types, and multiple operative instances
	// may handle the same type (competing consumers).
	Handles() []string

	Execute(ctx context.Context, def model.TaskDefinition) model.TaskOutcome
}

// DefinitionResolver fetches a full task definition by its dispatch
// reference, for dispatch messages that carry a definition_ref instead of
// inline params. The metastore's state manager implements it.
type DefinitionResolver interface {
	ResolveDefinition(ctx context.Context, ref string) (model.TaskDefinition, error)
}
