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
	"context"
	"fmt"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pingcap/dagbus/bus"
	"github.com/pingcap/dagbus/model"
	"github.com/pingcap/dagbus/pkg/clock"
	"github.com/pingcap/dagbus/pkg/errors"
	"github.com/pingcap/dagbus/pkg/logutil"
	"github.com/pingcap/dagbus/pkg/retry"
)

const (
	defaultConcurrency = 8
	defaultQueueSize   = 128
	// defaultGroup is the queue group shared by all runner instances, which
	// is what makes them competing consumers on each task-type queue.
	defaultGroup = "operatives"

	retryBaseDelayMs = 50
)

// Config configures a Runner.
type Config struct {
	// Concurrency bounds how many tasks execute in parallel.
	Concurrency int
	// QueueSize is the claimed-but-not-started buffer.
	QueueSize int
	// Group is the competing-consumer queue group name.
	Group string
}

// Adjust fills in default values.
func (c *Config) Adjust() {
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.Group == "" {
		c.Group = defaultGroup
	}
}

// Runner claims dispatch messages from task-type queues and drives the
// registered operatives, bounded by a worker pool. It publishes exactly one
// terminal outcome per claimed task; the oracle's idempotent report path
// absorbs any redelivery the bus introduces.
type Runner struct {
	cfg      Config
	bus      bus.Bus
	resolver DefinitionResolver

	operatives map[string]Operative

	clock    clock.Clock
	inflight atomic.Int64
}

// NewRunner creates a Runner. resolver may be nil when every dispatch is
// expected to carry inline params.
func NewRunner(b bus.Bus, resolver DefinitionResolver, cfg Config) *Runner {
	cfg.Adjust()
	return &Runner{
		cfg:        cfg,
		bus:        b,
		resolver:   resolver,
		operatives: make(map[string]Operative),
		clock:      clock.New(),
	}
}

// Register adds an operative for every task type it handles. Registering
// two operatives for the same type is a programming error.
func (r *Runner) Register(op Operative) error {
	for _, taskType := range op.Handles() {
		if _, ok := r.operatives[taskType]; ok {
			return errors.ErrInvalidArgument.GenWithStackByArgs(
				"task type " + taskType + " already registered")
		}
		r.operatives[taskType] = op
	}
	return nil
}

// Inflight returns the number of currently executing tasks.
func (r *Runner) Inflight() int64 {
	return r.inflight.Load()
}

// Run subscribes to the queue of every registered task type and executes
// claimed tasks until ctx is canceled. It must be called after all
// Register calls.
func (r *Runner) Run(ctx context.Context) error {
	if len(r.operatives) == 0 {
		return errors.ErrInvalidArgument.GenWithStackByArgs("no operative registered")
	}

	subs := make([]*bus.Subscription, 0, len(r.operatives))
	for taskType := range r.operatives {
		sub, err := r.bus.QueueSubscribe(bus.TaskQueueSubject(taskType), r.cfg.Group)
		if err != nil {
			for _, s := range subs {
				s.Close()
			}
			return errors.Trace(err)
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			sub.Close()
		}
	}()

	inQueue := make(chan bus.Message, r.cfg.QueueSize)

	errg, ctx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		sub := sub
		errg.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return errors.Trace(ctx.Err())
				case msg, ok := <-sub.C:
					if !ok {
						return errors.ErrSubscriptionClosed.GenWithStackByArgs(msg.Subject)
					}
					select {
					case inQueue <- msg:
					case <-ctx.Done():
						return errors.Trace(ctx.Err())
					}
				}
			}
		})
	}
	for i := 0; i < r.cfg.Concurrency; i++ {
		errg.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return errors.Trace(ctx.Err())
				case msg := <-inQueue:
					r.handleDispatch(ctx, msg)
				}
			}
		})
	}
	return errg.Wait()
}

func (r *Runner) handleDispatch(ctx context.Context, msg bus.Message) {
	var dispatch bus.TaskDispatch
	if err := bus.Decode(msg.Payload, &dispatch); err != nil {
		log.Warn("malformed dispatch message dropped",
			zap.String("subject", msg.Subject), zap.Error(err))
		return
	}

	op, ok := r.operatives[dispatch.TaskType]
	if !ok {
		// The queue subject embeds the task type, so this only happens on
		// a mis-published message.
		log.Warn("dispatch dropped",
			zap.String("taskID", string(dispatch.TaskID)),
			zap.Error(errors.ErrUnknownTaskType.GenWithStackByArgs(dispatch.TaskType)))
		return
	}

	r.inflight.Add(1)
	defer r.inflight.Add(-1)

	logger := logutil.WithTaskID(
		logutil.WithJobID(log.L(), string(dispatch.JobID)), string(dispatch.TaskID))

	def, err := r.resolveDefinition(ctx, &dispatch)
	if err != nil {
		logger.Error("cannot resolve task definition", zap.Error(err))
		r.publishTerminal(ctx, &dispatch, 0,
			model.FailedOutcome(-1, "definition unresolvable: "+err.Error()), 0)
		return
	}

	def = mergeUpstreamResults(def, dispatch.UpstreamResults)

	r.publishProgress(ctx, &dispatch, "started")

	start := r.clock.Mono()
	outcome, retries := r.executeWithRetry(ctx, op, def)
	r.publishTerminal(ctx, &dispatch, retries, outcome, r.clock.Mono().Sub(start))
}

func (r *Runner) resolveDefinition(ctx context.Context, dispatch *bus.TaskDispatch) (model.TaskDefinition, error) {
	// Prefer the full definition when a ref is resolvable: it carries
	// timeout and retry budgets the inline form does not.
	if r.resolver != nil && dispatch.DefinitionRef != "" {
		return r.resolver.ResolveDefinition(ctx, dispatch.DefinitionRef)
	}
	return model.TaskDefinition{
		Name:   string(dispatch.TaskID),
		Type:   dispatch.TaskType,
		Params: dispatch.Params,
	}, nil
}

// mergeUpstreamResults exposes the dependencies' claim-check references to
// the operative as params, one per dependency under "upstream.{task}". The
// values are copied verbatim; explicit params take precedence.
func mergeUpstreamResults(def model.TaskDefinition, upstream map[string]string) model.TaskDefinition {
	if len(upstream) == 0 {
		return def
	}
	params := make(map[string]string, len(def.Params)+len(upstream))
	for name, resultRef := range upstream {
		params["upstream."+name] = resultRef
	}
	for k, v := range def.Params {
		params[k] = v
	}
	def.Params = params
	return def
}

// executeWithRetry runs one dispatch attempt: the operative may be retried
// immediately up to the definition's max_retries before the attempt settles
// on a Failed outcome. The returned count is the number of retries used.
func (r *Runner) executeWithRetry(
	ctx context.Context, op Operative, def model.TaskDefinition,
) (model.TaskOutcome, int) {
	var (
		outcome model.TaskOutcome
		tries   int
	)
	err := retry.Do(ctx, func() error {
		tries++
		outcome = r.executeOnce(ctx, op, def)
		if outcome.Kind == model.OutcomeFailed {
			return errors.New(outcome.ErrorMsg)
		}
		return nil
	},
		retry.WithMaxTries(uint64(def.MaxRetries)+1),
		retry.WithBackoffBaseDelay(retryBaseDelayMs),
		retry.WithIsRetryableErr(func(error) bool { return ctx.Err() == nil }),
	)
	if err != nil && outcome.Kind != model.OutcomeFailed {
		outcome = model.FailedOutcome(-1, err.Error())
	}
	return outcome, tries - 1
}

// executeOnce enforces the per-task timeout locally: on expiry the attempt
// is reported Failed with a timeout error, and the execution goroutine is
// abandoned to its context.
func (r *Runner) executeOnce(
	ctx context.Context, op Operative, def model.TaskDefinition,
) model.TaskOutcome {
	execCtx := ctx
	cancel := context.CancelFunc(func() {})
	if def.TimeoutSecs > 0 {
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(def.TimeoutSecs)*time.Second)
	}
	defer cancel()

	done := make(chan model.TaskOutcome, 1)
	go func() {
		done <- op.Execute(execCtx, def)
	}()

	select {
	case outcome := <-done:
		return outcome
	case <-execCtx.Done():
		if ctx.Err() == nil {
			return model.FailedOutcome(-1,
				fmt.Sprintf("task %s timed out after %ds", def.Name, def.TimeoutSecs))
		}
		return model.FailedOutcome(-1, "execution canceled: "+ctx.Err().Error())
	}
}

func (r *Runner) publishProgress(ctx context.Context, dispatch *bus.TaskDispatch, stage string) {
	payload, err := bus.Encode(&bus.TaskProgress{
		TaskID:   dispatch.TaskID,
		JobID:    dispatch.JobID,
		OrgID:    dispatch.OrgID,
		TaskType: dispatch.TaskType,
		Stage:    stage,
	})
	if err != nil {
		log.Warn("cannot encode progress message", zap.Error(err))
		return
	}
	// Progress is advisory; publish failures are not fatal to the task.
	if err := r.bus.Publish(ctx, bus.TaskProgressSubject(dispatch.TaskType), payload); err != nil {
		log.Warn("cannot publish progress message",
			zap.String("taskID", string(dispatch.TaskID)), zap.Error(err))
	}
}

func (r *Runner) publishTerminal(
	ctx context.Context, dispatch *bus.TaskDispatch, retries int,
	outcome model.TaskOutcome, elapsed time.Duration,
) {
	payload, err := bus.Encode(&bus.TaskTerminal{
		TaskID:     dispatch.TaskID,
		JobID:      dispatch.JobID,
		OrgID:      dispatch.OrgID,
		TaskType:   dispatch.TaskType,
		RetryCount: retries,
		Outcome:    outcome,
	})
	if err != nil {
		log.Error("cannot encode terminal message",
			zap.String("taskID", string(dispatch.TaskID)), zap.Error(err))
		return
	}
	if err := r.bus.Publish(ctx, bus.TaskTerminalSubject(dispatch.TaskType), payload); err != nil {
		log.Error("cannot publish terminal message",
			zap.String("taskID", string(dispatch.TaskID)), zap.Error(err))
		return
	}

	tasksExecutedCount.WithLabelValues(dispatch.TaskType, outcome.Kind.String()).Inc()
	taskDurationHist.WithLabelValues(dispatch.TaskType).Observe(elapsed.Seconds())
	log.Info("task finished",
		zap.String("jobID", string(dispatch.JobID)),
		zap.String("taskID", string(dispatch.TaskID)),
		zap.Stringer("outcome", outcome.Kind),
		zap.Int("retries", retries),
		zap.Duration("elapsed", elapsed))
}
