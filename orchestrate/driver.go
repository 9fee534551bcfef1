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

// Package orchestrate drives the oracle: it ticks readiness recomputation
// on a timer and pumps terminal and progress reports from the bus into the
// oracle. It holds no scheduling state of its own; fail-fast bookkeeping
// lives in the oracle.
package orchestrate

import (
	"context"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pingcap/dagbus/bus"
	"github.com/pingcap/dagbus/oracle"
	"github.com/pingcap/dagbus/pkg/clock"
	"github.com/pingcap/dagbus/pkg/errors"
)

const defaultTickInterval = time.Second

// Config configures a Driver.
type Config struct {
	// TickInterval is the timer-driven readiness recomputation period.
	// Terminal reports additionally trigger an immediate tick.
	TickInterval time.Duration

	// TaskTypes lists the task types whose terminal and progress subjects
	// the driver consumes.
	TaskTypes []string
}

// Adjust fills in default values.
func (c *Config) Adjust() {
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
}

// Driver connects one oracle instance to the bus.
type Driver struct {
	cfg    Config
	oracle oracle.Oracle
	bus    bus.Bus
	clock  clock.Clock

	// tickReq coalesces event-triggered tick requests.
	tickReq chan struct{}
}

// NewDriver creates a Driver.
func NewDriver(o oracle.Oracle, b bus.Bus, clk clock.Clock, cfg Config) *Driver {
	cfg.Adjust()
	return &Driver{
		cfg:     cfg,
		oracle:  o,
		bus:     b,
		clock:   clk,
		tickReq: make(chan struct{}, 1),
	}
}

// RequestTick schedules an immediate readiness recomputation. It never
// blocks; requests arriving while one is pending coalesce.
func (d *Driver) RequestTick() {
	select {
	case d.tickReq <- struct{}{}:
	default:
	}
}

// Run pumps the bus into the oracle until ctx is canceled. Infrastructure
// failures (metastore or bus down) stop the driver and surface to the
// caller as operational errors; they are never conflated with domain
// outcomes.
func (d *Driver) Run(ctx context.Context) error {
	type subjectSub struct {
		sub      *bus.Subscription
		terminal bool
	}

	subs := make([]subjectSub, 0, 2*len(d.cfg.TaskTypes))
	for _, taskType := range d.cfg.TaskTypes {
		terminalSub, err := d.bus.Subscribe(bus.TaskTerminalSubject(taskType))
		if err != nil {
			return errors.Trace(err)
		}
		subs = append(subs, subjectSub{sub: terminalSub, terminal: true})

		progressSub, err := d.bus.Subscribe(bus.TaskProgressSubject(taskType))
		if err != nil {
			return errors.Trace(err)
		}
		subs = append(subs, subjectSub{sub: progressSub})
	}
	defer func() {
		for _, s := range subs {
			s.sub.Close()
		}
	}()

	errg, ctx := errgroup.WithContext(ctx)

	errg.Go(func() error {
		ticker := d.clock.Ticker(d.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return errors.Trace(ctx.Err())
			case <-ticker.C:
			case <-d.tickReq:
			}
			start := d.clock.Mono()
			if err := d.oracle.Tick(ctx); err != nil {
				return errors.Trace(err)
			}
			log.Debug("tick finished",
				zap.Duration("elapsed", d.clock.Mono().Sub(start)))
		}
	})

	for _, s := range subs {
		s := s
		errg.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return errors.Trace(ctx.Err())
				case msg, ok := <-s.sub.C:
					if !ok {
						return errors.ErrSubscriptionClosed.GenWithStackByArgs(msg.Subject)
					}
					var err error
					if s.terminal {
						err = d.onTerminal(ctx, msg)
					} else {
						err = d.onProgress(ctx, msg)
					}
					if err != nil {
						return err
					}
				}
			}
		})
	}

	return errg.Wait()
}

func (d *Driver) onTerminal(ctx context.Context, msg bus.Message) error {
	var terminal bus.TaskTerminal
	if err := bus.Decode(msg.Payload, &terminal); err != nil {
		log.Warn("malformed terminal message dropped",
			zap.String("subject", msg.Subject), zap.Error(err))
		return nil
	}

	if err := d.oracle.OnTaskReported(ctx, terminal.OrgID, terminal.JobID,
		terminal.TaskID, terminal.Outcome, terminal.RetryCount); err != nil {
		return errors.Trace(err)
	}

	// A completion may unblock dependents; do not wait for the timer.
	d.RequestTick()
	return nil
}

func (d *Driver) onProgress(ctx context.Context, msg bus.Message) error {
	var progress bus.TaskProgress
	if err := bus.Decode(msg.Payload, &progress); err != nil {
		log.Warn("malformed progress message dropped",
			zap.String("subject", msg.Subject), zap.Error(err))
		return nil
	}
	return errors.Trace(d.oracle.OnTaskProgress(ctx, progress.OrgID, progress.JobID, progress.TaskID))
}
