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

package operative

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	tasksExecutedCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dagbus",
			Subsystem: "operative",
			Name:      "tasks_executed_total",
			Help:      "count of executed tasks, by task type and outcome",
		}, []string{"task_type", "outcome"})
	taskDurationHist = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dagbus",
			Subsystem: "operative",
			Name:      "task_duration_seconds",
			Help:      "task execution duration including retries, by task type",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
		}, []string{"task_type"})
)

// InitMetrics registers all operative metrics with the registry.
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(tasksExecutedCount)
	registry.MustRegister(taskDurationHist)
}
