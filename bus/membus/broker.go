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

// Package membus provides an in-process Bus for tests and single-process
// deployments. It keeps both deployment topologies valid: the oracle and
// the operatives still communicate only through messages, even when
// co-located.
package membus

import (
	"context"
	"sync"

	"go.uber.org/atomic"

	"github.com/pingcap/dagbus/bus"
	"github.com/pingcap/dagbus/pkg/containers"
	"github.com/pingcap/dagbus/pkg/errors"
)

const subscriptionBuffer = 16

// Broker is an in-memory at-least-once message broker. Publishing never
// blocks on slow consumers: every fan-out subscriber owns an unbounded
// queue, and every queue group owns an unbounded backlog drained to a
// channel shared by the group members, which yields competing-consumer
// semantics.
type Broker struct {
	mu       sync.RWMutex
	subjects map[string]*subjectState

	nextSubID atomic.Int64
	closed    atomic.Bool
	wg        sync.WaitGroup
}

type subjectState struct {
	fanout map[int64]*fanoutSub
	groups map[string]*queueGroup
}

type fanoutSub struct {
	queue     *containers.SliceQueue[bus.Message]
	ch        chan bus.Message
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *fanoutSub) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

type queueGroup struct {
	backlog *containers.Deque[bus.Message]
	// notifyC is signaled on every push to the backlog.
	notifyC chan struct{}
	// ch is shared by all group members; channel semantics deliver each
	// message to exactly one reader.
	ch        chan bus.Message
	closed    chan struct{}
	closeOnce sync.Once
	members   int
}

func (g *queueGroup) close() {
	g.closeOnce.Do(func() { close(g.closed) })
}

// NewBroker creates a new Broker.
func NewBroker() *Broker {
	return &Broker{
		subjects: make(map[string]*subjectState),
	}
}

func (b *Broker) subject(name string) *subjectState {
	if state, ok := b.subjects[name]; ok {
		return state
	}
	state := &subjectState{
		fanout: make(map[int64]*fanoutSub),
		groups: make(map[string]*queueGroup),
	}
	b.subjects[name] = state
	return state
}

// Publish implements bus.Bus.
func (b *Broker) Publish(_ context.Context, subject string, payload []byte) error {
	if b.closed.Load() {
		return errors.ErrBusClosed.GenWithStackByArgs()
	}

	msg := bus.Message{Subject: subject, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	state, ok := b.subjects[subject]
	if !ok {
		// No subscribers; the message is dropped like on any pub/sub
		// transport without persistence.
		return nil
	}
	for _, sub := range state.fanout {
		sub.queue.Push(msg)
	}
	for _, group := range state.groups {
		group.backlog.Push(msg)
		select {
		case group.notifyC <- struct{}{}:
		default:
		}
	}
	return nil
}

// Subscribe implements bus.Bus.
func (b *Broker) Subscribe(subject string) (*bus.Subscription, error) {
	if b.closed.Load() {
		return nil, errors.ErrBusClosed.GenWithStackByArgs()
	}

	sub := &fanoutSub{
		queue:  containers.NewSliceQueue[bus.Message](),
		ch:     make(chan bus.Message, subscriptionBuffer),
		closed: make(chan struct{}),
	}
	id := b.nextSubID.Add(1)

	b.mu.Lock()
	b.subject(subject).fanout[id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		sub.pump()
	}()

	return bus.NewSubscription(sub.ch, func() {
		b.mu.Lock()
		if state, ok := b.subjects[subject]; ok {
			delete(state.fanout, id)
		}
		b.mu.Unlock()
		sub.close()
	}), nil
}

// pump moves messages from the unbounded queue to the consumer channel. It
// is the only writer to ch and closes it on exit.
func (s *fanoutSub) pump() {
	defer close(s.ch)
	for {
		msg, ok := s.queue.Pop()
		if !ok {
			select {
			case <-s.queue.C:
				continue
			case <-s.closed:
				return
			}
		}
		select {
		case s.ch <- msg:
		case <-s.closed:
			return
		}
	}
}

// QueueSubscribe implements bus.Bus.
func (b *Broker) QueueSubscribe(subject, group string) (*bus.Subscription, error) {
	if b.closed.Load() {
		return nil, errors.ErrBusClosed.GenWithStackByArgs()
	}

	b.mu.Lock()
	state := b.subject(subject)
	qg, ok := state.groups[group]
	if !ok {
		qg = &queueGroup{
			backlog: containers.NewDeque[bus.Message](),
			notifyC: make(chan struct{}, 1),
			ch:      make(chan bus.Message),
			closed:  make(chan struct{}),
		}
		state.groups[group] = qg

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			qg.dispatch()
		}()
	}
	qg.members++
	b.mu.Unlock()

	return bus.NewSubscription(qg.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		qg.members--
		if qg.members == 0 {
			delete(state.groups, group)
			qg.close()
		}
	}), nil
}

// dispatch drains the group backlog into the shared member channel; each
// message reaches exactly one member.
func (g *queueGroup) dispatch() {
	defer close(g.ch)
	for {
		msg, ok := g.backlog.Pop()
		if !ok {
			select {
			case <-g.notifyC:
				continue
			case <-g.closed:
				return
			}
		}
		select {
		case g.ch <- msg:
		case <-g.closed:
			return
		}
	}
}

// NumSubscribers returns how many fan-out subscriptions plus queue-group
// members are attached to subject. Callers use it to wait for a consumer
// before publishing messages that are not republished.
func (b *Broker) NumSubscribers(subject string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	state, ok := b.subjects[subject]
	if !ok {
		return 0
	}
	n := len(state.fanout)
	for _, group := range state.groups {
		n += group.members
	}
	return n
}

// Close implements bus.Bus. All subscription channels are closed after
// in-flight pumps stop.
func (b *Broker) Close() error {
	if b.closed.Swap(true) {
		// Ensures idempotency of closing once.
		return nil
	}

	b.mu.Lock()
	for _, state := range b.subjects {
		for _, sub := range state.fanout {
			sub.close()
		}
		for _, group := range state.groups {
			group.close()
		}
	}
	b.subjects = make(map[string]*subjectState)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
