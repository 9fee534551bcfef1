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

package clock

import (
	"time"

	bclock "github.com/benbjohnson/clock"
	"github.com/gavv/monotime"
)

type (
	// Timer alias bclock.Timer
	Timer = bclock.Timer
	// Ticker alias bclock.Ticker
	Ticker = bclock.Ticker
	// MonotonicTime is a duration since the monotonic clock's epoch.
	MonotonicTime time.Duration
)

var unixEpoch = time.Unix(0, 0)

// Clock defines an interface for the wall clock plus a monotonic reading.
type Clock interface {
	bclock.Clock
	Mono() MonotonicTime
}

type withRealMono struct {
	bclock.Clock
}

func (r withRealMono) Mono() MonotonicTime {
	return MonotonicTime(monotime.Now())
}

// Mock is a mock clock for testing.
type Mock struct {
	*bclock.Mock
}

// Mono implements Clock.Mono for the mock, derived from the mock wall time.
func (r Mock) Mono() MonotonicTime {
	return MonotonicTime(r.Now().Sub(unixEpoch))
}

// New returns a real clock.
func New() Clock {
	return withRealMono{bclock.New()}
}

// NewMock returns a mock clock.
func NewMock() *Mock {
	return &Mock{bclock.NewMock()}
}

// Sub returns the duration between two monotonic readings.
func (m MonotonicTime) Sub(other MonotonicTime) time.Duration {
	return time.Duration(m - other)
}
