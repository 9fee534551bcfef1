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

package oracle

import (
	"fmt"
	"strings"

	"github.com/pingcap/dagbus/model"
	"github.com/pingcap/dagbus/pkg/errors"
)

// validateDAG checks that the task set of a job definition forms a DAG over
// depends_on references. It runs once at submission, before any state is
// created: duplicate names, dangling or self references and cycles are all
// rejected with ErrInvalidDag.
func validateDAG(def *model.JobDefinition) error {
	byName := make(map[string]*model.TaskDefinition, len(def.Tasks))
	for i := range def.Tasks {
		task := &def.Tasks[i]
		if task.Name == "" {
			return errors.ErrInvalidDag.GenWithStackByArgs("task with empty name")
		}
		if _, ok := byName[task.Name]; ok {
			return errors.ErrInvalidDag.GenWithStackByArgs(
				fmt.Sprintf("duplicate task name %q", task.Name))
		}
		byName[task.Name] = task
	}

	for _, task := range def.Tasks {
		for _, dep := range task.DependsOn {
			if dep == task.Name {
				return errors.ErrInvalidDag.GenWithStackByArgs(
					fmt.Sprintf("task %q depends on itself", task.Name))
			}
			if _, ok := byName[dep]; !ok {
				return errors.ErrInvalidDag.GenWithStackByArgs(
					fmt.Sprintf("task %q depends on unknown task %q", task.Name, dep))
			}
		}
	}

	// Kahn's algorithm. Anything not reachable from the zero-indegree
	// frontier sits on or behind a cycle.
	indegree := make(map[string]int, len(def.Tasks))
	dependents := make(map[string][]string, len(def.Tasks))
	for _, task := range def.Tasks {
		indegree[task.Name] = len(task.DependsOn)
		for _, dep := range task.DependsOn {
			dependents[dep] = append(dependents[dep], task.Name)
		}
	}

	frontier := make([]string, 0, len(def.Tasks))
	for _, task := range def.Tasks {
		if indegree[task.Name] == 0 {
			frontier = append(frontier, task.Name)
		}
	}

	visited := 0
	for len(frontier) > 0 {
		name := frontier[0]
		frontier = frontier[1:]
		visited++
		for _, dependent := range dependents[name] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				frontier = append(frontier, dependent)
			}
		}
	}

	if visited < len(def.Tasks) {
		cycle := findCycle(def, indegree)
		return errors.ErrInvalidDag.GenWithStackByArgs(
			fmt.Sprintf("cycle detected: %s", strings.Join(cycle, " -> ")))
	}
	return nil
}

// findCycle extracts one concrete cycle from the nodes Kahn's algorithm
// could not order, so the rejection can cite it.
func findCycle(def *model.JobDefinition, indegree map[string]int) []string {
	remaining := make(map[string]bool)
	for name, deg := range indegree {
		if deg > 0 {
			remaining[name] = true
		}
	}

	deps := make(map[string][]string)
	for _, task := range def.Tasks {
		deps[task.Name] = task.DependsOn
	}

	// Walk depends_on edges inside the remaining set; the walk must revisit
	// a node eventually since every remaining node has such an edge.
	var start string
	for _, task := range def.Tasks {
		if remaining[task.Name] {
			start = task.Name
			break
		}
	}

	seenAt := map[string]int{}
	var path []string
	current := start
	for {
		if at, ok := seenAt[current]; ok {
			cycle := append([]string{}, path[at:]...)
			cycle = append(cycle, current)
			return cycle
		}
		seenAt[current] = len(path)
		path = append(path, current)

		for _, dep := range deps[current] {
			if remaining[dep] {
				current = dep
				break
			}
		}
	}
}
