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
	"github.com/prometheus/client_golang/prometheus"
)

var (
	jobsSubmittedCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dagbus",
			Subsystem: "oracle",
			Name:      "jobs_submitted_total",
			Help:      "count of jobs accepted by submit",
		}, []string{"job_type"})
	tasksDispatchedCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dagbus",
			Subsystem: "oracle",
			Name:      "tasks_dispatched_total",
			Help:      "count of dispatch messages published",
		}, []string{"task_type"})
	tasksReportedCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dagbus",
			Subsystem: "oracle",
			Name:      "tasks_reported_total",
			Help:      "count of terminal reports applied, by outcome",
		}, []string{"outcome"})
	tasksCancelledCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dagbus",
			Subsystem: "oracle",
			Name:      "tasks_cancelled_total",
			Help:      "count of tasks cancelled by fail-fast",
		}, []string{"task_type"})
	duplicateReportsCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dagbus",
			Subsystem: "oracle",
			Name:      "duplicate_reports_total",
			Help:      "count of stale or duplicate terminal reports ignored",
		})
	unknownReportsCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dagbus",
			Subsystem: "oracle",
			Name:      "unknown_reports_total",
			Help:      "count of reports dropped for naming an unknown job or task",
		})
	casLostCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dagbus",
			Subsystem: "oracle",
			Name:      "cas_lost_total",
			Help:      "count of CAS races lost to a concurrent transition",
		}, []string{"transition"})
)

// InitMetrics registers all oracle metrics with the registry.
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(jobsSubmittedCount)
	registry.MustRegister(tasksDispatchedCount)
	registry.MustRegister(tasksReportedCount)
	registry.MustRegister(tasksCancelledCount)
	registry.MustRegister(duplicateReportsCount)
	registry.MustRegister(unknownReportsCount)
	registry.MustRegister(casLostCount)
}
