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

package membus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pingcap/dagbus/bus"
	"github.com/pingcap/dagbus/pkg/errors"
)

func recvOne(t *testing.T, sub *bus.Subscription) bus.Message {
	t.Helper()
	select {
	case msg, ok := <-sub.C:
		require.True(t, ok, "subscription channel closed unexpectedly")
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return bus.Message{}
	}
}

func TestFanOutDeliversToAllSubscribers(t *testing.T) {
	t.Parallel()
	broker := NewBroker()
	defer func() { require.NoError(t, broker.Close()) }()

	sub1, err := broker.Subscribe("jobs.batch.created")
	require.NoError(t, err)
	sub2, err := broker.Subscribe("jobs.batch.created")
	require.NoError(t, err)

	require.NoError(t, broker.Publish(context.Background(), "jobs.batch.created", []byte("e1")))

	for _, sub := range []*bus.Subscription{sub1, sub2} {
		msg := recvOne(t, sub)
		require.Equal(t, "jobs.batch.created", msg.Subject)
		require.Equal(t, []byte("e1"), msg.Payload)
	}
}

func TestSubjectIsolation(t *testing.T) {
	t.Parallel()
	broker := NewBroker()
	defer func() { require.NoError(t, broker.Close()) }()

	subA, err := broker.Subscribe("tasks.echo.terminal")
	require.NoError(t, err)
	subB, err := broker.Subscribe("tasks.copy.terminal")
	require.NoError(t, err)

	require.NoError(t, broker.Publish(context.Background(), "tasks.echo.terminal", []byte("a")))
	require.Equal(t, []byte("a"), recvOne(t, subA).Payload)

	select {
	case msg := <-subB.C:
		t.Fatalf("unexpected cross-subject delivery: %q", msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishPreservesOrderPerSubscriber(t *testing.T) {
	t.Parallel()
	broker := NewBroker()
	defer func() { require.NoError(t, broker.Close()) }()

	sub, err := broker.Subscribe("s")
	require.NoError(t, err)

	const total = 100
	for i := 0; i < total; i++ {
		require.NoError(t, broker.Publish(context.Background(), "s", []byte(fmt.Sprintf("%d", i))))
	}
	for i := 0; i < total; i++ {
		require.Equal(t, fmt.Sprintf("%d", i), string(recvOne(t, sub).Payload))
	}
}

func TestQueueGroupDeliversEachMessageOnce(t *testing.T) {
	t.Parallel()
	broker := NewBroker()
	defer func() { require.NoError(t, broker.Close()) }()

	const members = 4
	const total = 200

	subs := make([]*bus.Subscription, 0, members)
	for i := 0; i < members; i++ {
		sub, err := broker.QueueSubscribe("tasks.echo.queue", "operatives")
		require.NoError(t, err)
		subs = append(subs, sub)
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *bus.Subscription) {
			defer wg.Done()
			for msg := range sub.C {
				mu.Lock()
				seen[string(msg.Payload)]++
				done := len(seen) == total
				mu.Unlock()
				if done {
					return
				}
			}
		}(sub)
	}

	for i := 0; i < total; i++ {
		require.NoError(t, broker.Publish(context.Background(),
			"tasks.echo.queue", []byte(fmt.Sprintf("m%d", i))))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == total
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, broker.Close())
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for payload, count := range seen {
		require.Equal(t, 1, count, "message %s delivered more than once", payload)
	}
}

func TestSeparateGroupsEachGetACopy(t *testing.T) {
	t.Parallel()
	broker := NewBroker()
	defer func() { require.NoError(t, broker.Close()) }()

	subA, err := broker.QueueSubscribe("s", "group-a")
	require.NoError(t, err)
	subB, err := broker.QueueSubscribe("s", "group-b")
	require.NoError(t, err)

	require.NoError(t, broker.Publish(context.Background(), "s", []byte("m")))
	require.Equal(t, []byte("m"), recvOne(t, subA).Payload)
	require.Equal(t, []byte("m"), recvOne(t, subB).Payload)
}

func TestPublishWithNoSubscribersDropsMessage(t *testing.T) {
	t.Parallel()
	broker := NewBroker()
	defer func() { require.NoError(t, broker.Close()) }()

	require.NoError(t, broker.Publish(context.Background(), "nobody", []byte("m")))
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	t.Parallel()
	broker := NewBroker()
	defer func() { require.NoError(t, broker.Close()) }()

	sub, err := broker.Subscribe("s")
	require.NoError(t, err)
	sub.Close()

	// Closing the last group member tears the group down too.
	qsub, err := broker.QueueSubscribe("s", "g")
	require.NoError(t, err)
	qsub.Close()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.C:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestClosedBrokerRejectsOperations(t *testing.T) {
	t.Parallel()
	broker := NewBroker()
	require.NoError(t, broker.Close())
	require.NoError(t, broker.Close())

	err := broker.Publish(context.Background(), "s", []byte("m"))
	require.True(t, errors.ErrBusClosed.Equal(err))

	_, err = broker.Subscribe("s")
	require.True(t, errors.ErrBusClosed.Equal(err))

	_, err = broker.QueueSubscribe("s", "g")
	require.True(t, errors.ErrBusClosed.Equal(err))
}
