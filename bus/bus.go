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

package bus

import (
	"context"
	"sync"
)

// Message is one delivery from the bus. Payload is an encoded envelope; the
// bus never inspects it.
type Message struct {
	Subject string
	Payload []byte
}

// Bus is the topic-addressed publish/subscribe transport the oracle and the
// operatives coordinate over. Delivery is at-least-once: consumers must
// tolerate duplicates. Implementations may be in-process or networked; the
// scheduler depends only on this contract.
type Bus interface {
	// Publish sends payload to every plain subscription of subject and to
	// exactly one member of each queue group subscribed to subject.
	Publish(ctx context.Context, subject string, payload []byte) error

	// Subscribe registers a fan-out subscription: every message on subject
	// is delivered to it.
	Subscribe(subject string) (*Subscription, error)

	// QueueSubscribe registers a competing-consumer subscription: each
	// message on subject goes to exactly one member of the named group.
	QueueSubscribe(subject, group string) (*Subscription, error)

	Close() error
}

// Subscription is the receiving endpoint of a subscription. Readers consume
// from C until it is closed.
type Subscription struct {
	// C is the channel to read messages from. It is closed when the
	// subscription or the whole bus is closed.
	C <-chan Message

	closeOnce sync.Once
	closeFn   func()
}

// NewSubscription builds a Subscription. closeFn detaches the subscription
// from its bus; it is invoked at most once.
func NewSubscription(ch <-chan Message, closeFn func()) *Subscription {
	return &Subscription{C: ch, closeFn: closeFn}
}

// Close detaches the subscription.
func (s *Subscription) Close() {
	s.closeOnce.Do(s.closeFn)
}
