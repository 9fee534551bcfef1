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

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pingcap/dagbus/bus"
	"github.com/pingcap/dagbus/bus/membus"
	"github.com/pingcap/dagbus/metastore"
	"github.com/pingcap/dagbus/metastore/leveldbkv"
	"github.com/pingcap/dagbus/metastore/memkv"
	"github.com/pingcap/dagbus/model"
	"github.com/pingcap/dagbus/operative"
	"github.com/pingcap/dagbus/operative/echoop"
	"github.com/pingcap/dagbus/oracle"
	"github.com/pingcap/dagbus/orchestrate"
	"github.com/pingcap/dagbus/pkg/clock"
	"github.com/pingcap/dagbus/pkg/errors"
	"github.com/pingcap/dagbus/pkg/logutil"
	"github.com/pingcap/dagbus/pkg/uuid"
)

type storeConfig struct {
	// Backend is "memory" or "leveldb".
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
}

type runConfig struct {
	Log   logutil.Config `toml:"log"`
	Store storeConfig    `toml:"store"`

	TickIntervalMs int `toml:"tick_interval_ms"`
	Concurrency    int `toml:"concurrency"`
}

func (c *runConfig) adjust() {
	c.Log.Adjust()
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.TickIntervalMs <= 0 {
		c.TickIntervalMs = 200
	}
}

type runOptions struct {
	configPath string
	jobPath    string
	org        string
}

func (o *runOptions) addFlags(flags *pflag.FlagSet) {
	flags.StringVar(&o.configPath, "config", "", "Path to the dagbus config file")
	flags.StringVar(&o.jobPath, "job", "", "Path to the job definition file")
	flags.StringVar(&o.org, "org", "default", "Organization the job is submitted for")
}

func newRunCommand() *cobra.Command {
	o := &runOptions{}

	command := &cobra.Command{
		Use:   "run",
		Short: "Run one job definition to a terminal state in-process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := &runConfig{}
			if o.configPath != "" {
				if _, err := toml.DecodeFile(o.configPath, cfg); err != nil {
					return errors.Annotate(err, "decode config file")
				}
			}
			cfg.adjust()

			if err := logutil.InitLogger(&cfg.Log); err != nil {
				return err
			}

			def := &model.JobDefinition{}
			if _, err := toml.DecodeFile(o.jobPath, def); err != nil {
				return errors.Annotate(err, "decode job file")
			}

			return runJob(cmd.Context(), cfg, model.OrgID(o.org), def)
		},
	}
	o.addFlags(command.Flags())
	_ = command.MarkFlagRequired("job")
	return command
}

func openStore(cfg *storeConfig) (metastore.KV, error) {
	switch cfg.Backend {
	case "memory":
		return memkv.NewStore(), nil
	case "leveldb":
		if cfg.Path == "" {
			return nil, errors.ErrInvalidArgument.GenWithStackByArgs(
				"store.path is required for the leveldb backend")
		}
		return leveldbkv.Open(cfg.Path)
	default:
		return nil, errors.ErrInvalidArgument.GenWithStackByArgs(
			"unknown store backend " + cfg.Backend)
	}
}

func runJob(parent context.Context, cfg *runConfig, org model.OrgID, def *model.JobDefinition) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		select {
		case <-ctx.Done():
		case sig := <-sc:
			log.Info("got signal to exit", zap.Stringer("signal", sig))
			cancel()
		}
	}()

	kv, err := openStore(&cfg.Store)
	if err != nil {
		return err
	}
	defer kv.Close()

	broker := membus.NewBroker()
	defer broker.Close()

	registry := prometheus.NewRegistry()
	oracle.InitMetrics(registry)
	operative.InitMetrics(registry)

	stateMgr := metastore.NewStateManager(kv)
	engine, err := oracle.NewDAGOracle(ctx, stateMgr, broker, uuid.NewGenerator())
	if err != nil {
		return err
	}

	taskTypes := make([]string, 0)
	seen := make(map[string]struct{})
	for _, task := range def.Tasks {
		if _, ok := seen[task.Type]; ok {
			continue
		}
		seen[task.Type] = struct{}{}
		taskTypes = append(taskTypes, task.Type)
	}

	driver := orchestrate.NewDriver(engine, broker, clock.New(), orchestrate.Config{
		TickInterval: time.Duration(cfg.TickIntervalMs) * time.Millisecond,
		TaskTypes:    taskTypes,
	})

	runner := operative.NewRunner(broker, stateMgr, operative.Config{
		Concurrency: cfg.Concurrency,
	})
	if err := runner.Register(echoop.New()); err != nil {
		return err
	}

	// Watch for the job's terminal event before submitting it.
	completedSub, err := broker.Subscribe(bus.JobCompletedSubject(def.Type))
	if err != nil {
		return err
	}
	defer completedSub.Close()
	failedSub, err := broker.Subscribe(bus.JobFailedSubject(def.Type))
	if err != nil {
		return err
	}
	defer failedSub.Close()

	errg, gctx := errgroup.WithContext(ctx)
	errg.Go(func() error { return driver.Run(gctx) })
	errg.Go(func() error { return runner.Run(gctx) })

	// Root dispatches are published once, inside Submit; hold it until the
	// runner's queue subscriptions are attached.
	for _, taskType := range taskTypes {
		for broker.NumSubscribers(bus.TaskQueueSubject(taskType)) == 0 {
			select {
			case <-gctx.Done():
				return errg.Wait()
			case <-time.After(5 * time.Millisecond):
			}
		}
	}

	jobID, err := engine.Submit(ctx, org, def)
	if err != nil {
		cancel()
		_ = errg.Wait()
		return err
	}
	log.Info("job submitted, waiting for terminal state",
		zap.String("jobID", string(jobID)))

	var final model.JobState
	select {
	case <-gctx.Done():
		err := errg.Wait()
		if errors.Cause(err) != context.Canceled {
			return err
		}
		return nil
	case <-completedSub.C:
		final = model.JobStateCompleted
	case <-failedSub.C:
		final = model.JobStateFailed
	}

	cancel()
	if err := errg.Wait(); err != nil && errors.Cause(err) != context.Canceled {
		log.Warn("shutdown finished with error", zap.Error(err))
	}

	job, err := stateMgr.Job(context.Background(), org, jobID)
	if err != nil {
		return err
	}
	log.Info("job finished",
		zap.String("jobID", string(jobID)),
		zap.Stringer("state", final),
		zap.Int("completedTasks", job.CompletedTasks),
		zap.Int("failedTasks", job.FailedTasks))

	if final == model.JobStateFailed {
		return errors.Errorf("job %s failed", jobID)
	}
	return nil
}
