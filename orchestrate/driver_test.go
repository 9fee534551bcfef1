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

package orchestrate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/pingcap/dagbus/bus"
	"github.com/pingcap/dagbus/bus/membus"
	"github.com/pingcap/dagbus/metastore"
	"github.com/pingcap/dagbus/metastore/memkv"
	"github.com/pingcap/dagbus/model"
	"github.com/pingcap/dagbus/operative"
	"github.com/pingcap/dagbus/operative/echoop"
	"github.com/pingcap/dagbus/oracle"
	"github.com/pingcap/dagbus/pkg/clock"
	"github.com/pingcap/dagbus/pkg/uuid"
)

// system wires an oracle, a driver and a runner over one in-memory bus and
// store, the same topology the run command builds.
type system struct {
	meta   *metastore.StateManager
	broker *membus.Broker
	oracle *oracle.DAGOracle
}

func startSystem(t *testing.T) *system {
	t.Helper()

	broker := membus.NewBroker()
	meta := metastore.NewStateManager(memkv.NewStore())

	o, err := oracle.NewDAGOracle(context.Background(), meta, broker, uuid.NewGenerator())
	require.NoError(t, err)

	driver := NewDriver(o, broker, clock.New(), Config{
		TickInterval: 10 * time.Millisecond,
		TaskTypes:    []string{echoop.TaskType},
	})

	runner := operative.NewRunner(broker, meta, operative.Config{Concurrency: 4})
	require.NoError(t, runner.Register(echoop.New()))

	ctx, cancel := context.WithCancel(context.Background())
	var errg errgroup.Group
	errg.Go(func() error { return driver.Run(ctx) })
	errg.Go(func() error { return runner.Run(ctx) })

	t.Cleanup(func() {
		cancel()
		_ = errg.Wait()
		_ = broker.Close()
	})

	// Dispatch and terminal messages are not republished; wait for the
	// runner's queue subscription and the driver's report subscriptions
	// before any job is submitted.
	require.Eventually(t, func() bool {
		return broker.NumSubscribers(bus.TaskQueueSubject(echoop.TaskType)) > 0 &&
			broker.NumSubscribers(bus.TaskTerminalSubject(echoop.TaskType)) > 0
	}, 5*time.Second, time.Millisecond)
	return &system{meta: meta, broker: broker, oracle: o}
}

func waitJobEvent(t *testing.T, sub *bus.Subscription) *bus.JobEvent {
	t.Helper()
	select {
	case msg, ok := <-sub.C:
		require.True(t, ok)
		event := new(bus.JobEvent)
		require.NoError(t, bus.Decode(msg.Payload, event))
		return event
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for job event")
		return nil
	}
}

func TestDiamondJobRunsToCompletion(t *testing.T) {
	t.Parallel()
	sys := startSystem(t)
	ctx := context.Background()

	completed, err := sys.broker.Subscribe(bus.JobCompletedSubject("batch"))
	require.NoError(t, err)

	def := &model.JobDefinition{
		Name: "diamond",
		Type: "batch",
		Tasks: []model.TaskDefinition{
			{Name: "a", Type: echoop.TaskType, Params: map[string]string{"echo": "A"}},
			{Name: "b", Type: echoop.TaskType, DependsOn: []string{"a"}},
			{Name: "c", Type: echoop.TaskType, DependsOn: []string{"a"},
				Params: map[string]string{"result_ref": "store://c"}},
			{Name: "d", Type: echoop.TaskType, DependsOn: []string{"b", "c"}},
		},
	}
	jobID, err := sys.oracle.Submit(ctx, "acme", def)
	require.NoError(t, err)

	event := waitJobEvent(t, completed)
	require.Equal(t, jobID, event.JobID)
	require.Equal(t, model.JobStateCompleted, event.State)

	job, err := sys.meta.Job(ctx, "acme", jobID)
	require.NoError(t, err)
	require.Equal(t, 4, job.CompletedTasks)

	// Outcome fields land on the records, including the claim-check ref.
	a, err := sys.meta.Task(ctx, "acme", jobID, "a")
	require.NoError(t, err)
	require.Equal(t, model.TaskStateCompleted, a.State)
	require.Equal(t, "A", a.Output)

	c, err := sys.meta.Task(ctx, "acme", jobID, "c")
	require.NoError(t, err)
	require.Equal(t, "store://c", c.ResultRef)
}

func TestFailingTaskFailsJobAndCancelsRest(t *testing.T) {
	t.Parallel()
	sys := startSystem(t)
	ctx := context.Background()

	failed, err := sys.broker.Subscribe(bus.JobFailedSubject("batch"))
	require.NoError(t, err)

	def := &model.JobDefinition{
		Name: "doomed",
		Type: "batch",
		Tasks: []model.TaskDefinition{
			{Name: "a", Type: echoop.TaskType},
			{Name: "b", Type: echoop.TaskType, DependsOn: []string{"a"},
				Params: map[string]string{"fail": "true"}},
			{Name: "c", Type: echoop.TaskType, DependsOn: []string{"b"}},
		},
	}
	jobID, err := sys.oracle.Submit(ctx, "acme", def)
	require.NoError(t, err)

	event := waitJobEvent(t, failed)
	require.Equal(t, jobID, event.JobID)
	require.Equal(t, model.JobStateFailed, event.State)

	// c never ran; the fail-fast cancellation reached it first.
	require.Eventually(t, func() bool {
		c, err := sys.meta.Task(ctx, "acme", jobID, "c")
		return err == nil && c.State == model.TaskStateCancelled
	}, 5*time.Second, 10*time.Millisecond)

	b, err := sys.meta.Task(ctx, "acme", jobID, "b")
	require.NoError(t, err)
	require.Equal(t, model.TaskStateFailed, b.State)
	require.Equal(t, 1, b.ExitCode)
}

func TestUnknownTaskReportDoesNotStopScheduling(t *testing.T) {
	t.Parallel()
	sys := startSystem(t)
	ctx := context.Background()

	// A terminal report naming a job that does not exist must be absorbed,
	// not tear the driver down with it.
	ghost, err := bus.Encode(&bus.TaskTerminal{
		TaskID: "ghost", JobID: "no-such-job", OrgID: "acme", TaskType: echoop.TaskType,
		Outcome: model.CompletedOutcome("", ""),
	})
	require.NoError(t, err)
	require.NoError(t, sys.broker.Publish(ctx, bus.TaskTerminalSubject(echoop.TaskType), ghost))

	completed, err := sys.broker.Subscribe(bus.JobCompletedSubject("batch"))
	require.NoError(t, err)

	def := &model.JobDefinition{
		Name: "survivor",
		Type: "batch",
		Tasks: []model.TaskDefinition{
			{Name: "a", Type: echoop.TaskType},
			{Name: "b", Type: echoop.TaskType, DependsOn: []string{"a"}},
		},
	}
	jobID, err := sys.oracle.Submit(ctx, "acme", def)
	require.NoError(t, err)

	event := waitJobEvent(t, completed)
	require.Equal(t, jobID, event.JobID)
	require.Equal(t, model.JobStateCompleted, event.State)
}

// recordingOracle counts oracle invocations for driver unit tests.
type recordingOracle struct {
	mu       sync.Mutex
	reported []model.TaskID
	progress []model.TaskID
	ticks    int
}

func (o *recordingOracle) Submit(context.Context, model.OrgID, *model.JobDefinition) (model.JobID, error) {
	return "", nil
}

func (o *recordingOracle) Tick(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ticks++
	return nil
}

func (o *recordingOracle) OnTaskReported(
	_ context.Context, _ model.OrgID, _ model.JobID,
	taskID model.TaskID, _ model.TaskOutcome, _ int,
) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reported = append(o.reported, taskID)
	return nil
}

func (o *recordingOracle) OnTaskProgress(
	_ context.Context, _ model.OrgID, _ model.JobID, taskID model.TaskID,
) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress = append(o.progress, taskID)
	return nil
}

func TestMalformedMessagesAreDroppedNotFatal(t *testing.T) {
	t.Parallel()

	broker := membus.NewBroker()
	t.Cleanup(func() { _ = broker.Close() })

	rec := &recordingOracle{}
	driver := NewDriver(rec, broker, clock.New(), Config{
		TickInterval: time.Hour,
		TaskTypes:    []string{"echo"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = driver.Run(ctx)
	}()
	t.Cleanup(func() { cancel(); <-done })

	payload, err := bus.Encode(&bus.TaskTerminal{
		TaskID: "t1", JobID: "j1", OrgID: "acme", TaskType: "echo",
		Outcome: model.CompletedOutcome("", ""),
	})
	require.NoError(t, err)

	// Publish a garbage payload ahead of every valid one; the driver must
	// drop the former and still process the latter. The loop also covers
	// the window before the driver's subscriptions are in place.
	require.Eventually(t, func() bool {
		require.NoError(t, broker.Publish(ctx, bus.TaskTerminalSubject("echo"), []byte("{not json")))
		require.NoError(t, broker.Publish(ctx, bus.TaskTerminalSubject("echo"), payload))
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.reported) >= 1 && rec.reported[0] == "t1"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTerminalReportTriggersImmediateTick(t *testing.T) {
	t.Parallel()

	broker := membus.NewBroker()
	t.Cleanup(func() { _ = broker.Close() })

	rec := &recordingOracle{}
	mock := clock.NewMock()
	driver := NewDriver(rec, broker, mock, Config{
		TickInterval: time.Hour,
		TaskTypes:    []string{"echo"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = driver.Run(ctx)
	}()
	t.Cleanup(func() { cancel(); <-done })

	payload, err := bus.Encode(&bus.TaskTerminal{
		TaskID: "t1", JobID: "j1", OrgID: "acme", TaskType: "echo",
		Outcome: model.CompletedOutcome("", ""),
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return broker.Publish(ctx, bus.TaskTerminalSubject("echo"), payload) == nil &&
			func() bool {
				rec.mu.Lock()
				defer rec.mu.Unlock()
				return len(rec.reported) >= 1
			}()
	}, 5*time.Second, 10*time.Millisecond)

	// The mock clock never fires, so any tick came from the report path.
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.ticks >= 1
	}, 5*time.Second, 10*time.Millisecond)
}
