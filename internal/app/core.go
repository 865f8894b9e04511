// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package app

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"saga-platform/internal/eventbus"
	"saga-platform/internal/intent"
	"saga-platform/internal/journal"
	"saga-platform/internal/planner"
	"saga-platform/internal/queue"
	"saga-platform/internal/saga/checkpoint"
	"saga-platform/internal/saga/compensator"
	"saga-platform/internal/saga/dlq"
	"saga-platform/internal/saga/failover"
	"saga-platform/internal/saga/machine"
	"saga-platform/internal/saga/replan"
	"saga-platform/internal/statestore"
	"saga-platform/internal/tool"
	"saga-platform/pkg/config"
	pkgerrors "saga-platform/pkg/errors"
	"saga-platform/pkg/secrets"
)

// Core 引擎核心装配：API 与 Worker 共享同一套组件图。
// StateStore/队列/总线在 redis 模式下共享一条连接。
type Core struct {
	Store       statestore.Store
	Bus         eventbus.Bus
	Queue       queue.Enqueuer
	RedisQueue  *queue.RedisQueue // queue.type=redis 时非 nil，dispatcher 消费用
	Signer      *queue.Signer
	Journal     journal.Recorder
	Tools       *tool.Executor
	Machine     *machine.Machine
	Checkpoints *checkpoint.Manager
	Compensator *compensator.Compensator
	DLQAdmin    *dlq.Admin
	Intent      intent.Parser
	Planner     planner.Planner

	rdb *redis.Client
}

// BuildCore 按配置装配核心组件图。
func BuildCore(b *Bootstrap) (*Core, error) {
	cfg := b.Config
	logger := b.Logger
	core := &Core{}

	// redis 连接：state store / 队列 / 总线共享
	var rdb *redis.Client
	if cfg.StateStore.Type == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.StateStore.Addr,
			DB:       cfg.StateStore.DB,
			Password: cfg.StateStore.Password,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			if cfg.StateStore.OnUnreachable != "fallback_memory" {
				return nil, pkgerrors.Wrap(err, "connect redis")
			}
			logger.Warn("redis unreachable, falling back to in-process backends",
				"addr", cfg.StateStore.Addr, "error", err)
			rdb = nil
		}
	}
	core.rdb = rdb

	opts := statestore.OptionsFromConfig(cfg)
	if rdb != nil {
		core.Store = statestore.NewRedis(rdb, opts)
	} else {
		core.Store = statestore.NewMemory(opts)
	}

	if cfg.EventBus.Type == "pulse" && rdb != nil {
		bus, err := eventbus.NewPulse(rdb, eventbus.PulseOptions{
			Stream: cfg.EventBus.Stream,
			MaxLen: cfg.EventBus.MaxLen,
		})
		if err != nil {
			return nil, pkgerrors.Wrap(err, "open event bus")
		}
		core.Bus = bus
	} else {
		core.Bus = eventbus.NewMemory()
	}

	core.Signer = queue.NewSigner(
		b.Secret(secrets.KeyQueueSigning),
		b.Secret(secrets.KeyQueueSigningNext),
	)
	if b.Strict() && !core.Signer.Enabled() {
		return nil, pkgerrors.Wrap(pkgerrors.ErrInvalidArg,
			"strict profile requires QUEUE_SIGNING_KEY")
	}

	switch {
	case cfg.Queue.Type == "redis" && rdb != nil:
		rq := queue.NewRedisQueue(rdb)
		core.RedisQueue = rq
		core.Queue = rq
	default:
		// 进程内投递：直接把作业交给段执行器
		core.Queue = queue.NewLocal(func(ctx context.Context, job queue.Job) error {
			_, err := core.Machine.ExecuteSegment(ctx, machine.SegmentRequest{
				ExecutionID:    job.ExecutionID,
				StartStepIndex: job.StartStepIndex,
			})
			return err
		}, cfg.Queue.MaxAttempts, config.Duration(cfg.Queue.RetryBase, time.Second), logger)
	}

	if cfg.Journal.Type == "postgres" && cfg.Journal.DSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		pg, err := journal.NewPg(ctx, cfg.Journal.DSN)
		cancel()
		if err != nil {
			return nil, pkgerrors.Wrap(err, "open journal")
		}
		core.Journal = pg
	} else {
		core.Journal = journal.NewMemory()
	}

	reg := tool.NewRegistry()
	tool.RegisterBuiltins(reg)
	core.Tools = tool.NewExecutor(reg, remoteServers(cfg), rateLimiter(cfg), tool.ExecutorOptions{
		RetryMaxAttempts: cfg.Tools.RetryMaxAttempts,
		RetryBackoff:     time.Duration(cfg.Tools.RetryBackoffMS) * time.Millisecond,
	}, logger)

	core.Planner = planner.NewRule()
	core.Intent = intentParser(b)

	core.Checkpoints = checkpoint.NewManager(core.Store, core.Queue, core.Bus, logger)
	core.Compensator = compensator.New(core.Store, core.Tools, core.Bus, reg.NeedsCompensation,
		config.Duration(cfg.Saga.CompensationTimeout, 15*time.Second), logger)
	replanner := replan.New(core.Store, core.Planner, core.Queue, core.Bus, cfg.Saga.MaxReplans, logger)

	m, err := machine.New(core.Store, core.Tools, reg, failover.NewEngine(nil),
		core.Compensator, core.Checkpoints, replanner, core.Queue, core.Bus,
		machine.Config{
			SegmentTimeout:      time.Duration(cfg.Saga.SegmentTimeoutMS) * time.Millisecond,
			CheckpointThreshold: time.Duration(cfg.Saga.CheckpointThresholdMS) * time.Millisecond,
			SafetyMargin:        time.Duration(cfg.Saga.SafetyMarginMS) * time.Millisecond,
			MaxReplans:          cfg.Saga.MaxReplans,
		}, logger)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "build machine")
	}
	core.Machine = m
	core.DLQAdmin = dlq.NewAdmin(core.Store, core.Queue, core.Bus, core.Compensator, logger)
	return core, nil
}

// Close 释放核心资源。
func (c *Core) Close(ctx context.Context) {
	if c.Queue != nil {
		_ = c.Queue.Close()
	}
	if c.Bus != nil {
		_ = c.Bus.Close(ctx)
	}
	if c.Journal != nil {
		c.Journal.Close()
	}
	if c.Store != nil {
		_ = c.Store.Close()
	}
	if c.rdb != nil {
		_ = c.rdb.Close()
	}
}

func remoteServers(cfg *config.Config) []*tool.RemoteServer {
	var servers []*tool.RemoteServer
	for _, rc := range cfg.Tools.RemoteServers {
		servers = append(servers, tool.NewRemoteServer(tool.RemoteServerConfig{
			Name:               rc.Name,
			BaseURL:            rc.BaseURL,
			Timeout:            time.Duration(rc.TimeoutMS) * time.Millisecond,
			BreakerMaxFailures: cfg.Tools.BreakerMaxFailures,
			BreakerOpenFor:     config.Duration(cfg.Tools.BreakerOpenInterval, 30*time.Second),
		}))
	}
	return servers
}

func rateLimiter(cfg *config.Config) *tool.RateLimiter {
	if len(cfg.Tools.RateLimits) == 0 {
		return nil
	}
	limits := make(map[string]tool.LimitConfig, len(cfg.Tools.RateLimits))
	for name, rl := range cfg.Tools.RateLimits {
		limits[name] = tool.LimitConfig{QPS: rl.QPS, MaxConcurrent: rl.MaxConcurrent, Burst: rl.Burst}
	}
	return tool.NewRateLimiter(limits, nil)
}

// intentParser model 解析不可用时退回规则解析，入口不因模型故障不可用。
func intentParser(b *Bootstrap) intent.Parser {
	cfg := b.Config
	if cfg.Intent.Parser != "model" {
		return intent.NewRule()
	}
	apiKey := cfg.Intent.Provider.APIKey
	if apiKey == "" {
		apiKey = b.Secret(secrets.KeyOpenAIAPI)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m, err := intent.NewModel(ctx, intent.ModelConfig{
		Model:   cfg.Intent.Provider.Model,
		APIKey:  apiKey,
		BaseURL: cfg.Intent.Provider.BaseURL,
	}, b.Logger)
	if err != nil {
		b.Logger.Warn("model intent parser unavailable, using rule parser", "error", err)
		return intent.NewRule()
	}
	return m
}
