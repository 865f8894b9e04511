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

// Package worker Worker 进程装配：投递循环、outbox 排水、DLQ 扫描与事件归档。
package worker

import (
	"context"
	"sync"
	"time"

	"saga-platform/internal/app"
	"saga-platform/internal/eventbus"
	"saga-platform/internal/queue"
	"saga-platform/internal/saga/dlq"
	"saga-platform/pkg/config"
	"saga-platform/pkg/log"
)

// App Worker 应用。每个后台循环可独立开关，同一进程可身兼数职。
type App struct {
	bootstrap  *app.Bootstrap
	core       *app.Core
	dispatcher *queue.Dispatcher
	drainer    *eventbus.Drainer
	monitor    *dlq.Monitor
	logger     *log.Logger
}

// NewApp 装配 Worker 进程（由 cmd/worker 调用）。
func NewApp(b *app.Bootstrap) (*App, error) {
	core, err := app.BuildCore(b)
	if err != nil {
		return nil, err
	}
	cfg := b.Config
	w := &App{bootstrap: b, core: core, logger: b.Logger.Component("worker")}

	if enabled(cfg.Worker.DispatcherEnabled) && core.RedisQueue != nil {
		w.dispatcher = queue.NewDispatcher(core.RedisQueue, core.Signer, queue.DispatcherOptions{
			TargetURL:       cfg.Queue.TargetURL,
			MaxAttempts:     cfg.Queue.MaxAttempts,
			RetryBase:       config.Duration(cfg.Queue.RetryBase, time.Second),
			DeliveryTimeout: config.Duration(cfg.Queue.DeliveryTimeout, 10*time.Second),
			PollInterval:    config.Duration(cfg.Queue.PollInterval, 200*time.Millisecond),
			Concurrency:     cfg.Worker.Concurrency,
		}, b.Logger)
	}
	if enabled(cfg.Worker.DrainerEnabled) {
		w.drainer = eventbus.NewDrainer(core.Store, core.Bus, eventbus.DrainerConfig{
			Interval: config.Duration(cfg.Worker.DrainInterval, 500*time.Millisecond),
		}, b.Logger)
	}
	if enabled(cfg.Worker.MonitorEnabled) {
		w.monitor = dlq.NewMonitor(core.Store, core.Checkpoints, core.Bus, dlq.MonitorConfig{
			StallThreshold:      config.Duration(cfg.Saga.DLQ.StallThreshold, 10*time.Minute),
			ScanInterval:        config.Duration(cfg.Saga.DLQ.ScanInterval, time.Minute),
			MaxRecoveryAttempts: cfg.Saga.DLQ.MaxRecoveryAttempts,
		}, b.Logger)
	}
	return w, nil
}

// Run 启动全部后台循环，阻塞直到 ctx 取消。
func (w *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.logger.Info("loop started", "loop", name)
			fn(ctx)
			w.logger.Info("loop stopped", "loop", name)
		}()
	}

	if w.dispatcher != nil {
		start("dispatcher", func(ctx context.Context) { _ = w.dispatcher.Run(ctx) })
	}
	if w.drainer != nil {
		start("outbox-drainer", w.drainer.Run)
	}
	if w.monitor != nil {
		start("dlq-monitor", w.monitor.Run)
	}
	start("event-archiver", w.archiveEvents)
	start("journal-flusher", w.flushJournal)

	<-ctx.Done()
	wg.Wait()
	w.core.Close(context.Background())
	return nil
}

// archiveEvents 订阅总线并把事件写入审计日志。
// 记录失败不 ack，至少一次语义交给 journal 的去重（事件键幂等）。
func (w *App) archiveEvents(ctx context.Context) {
	sink := w.bootstrap.Config.EventBus.SinkName
	deliveries, err := w.core.Bus.Subscribe(ctx, sink)
	if err != nil {
		w.logger.Error("event subscription failed, archiver disabled", "error", err)
		return
	}
	for d := range deliveries {
		if err := w.core.Journal.Record(ctx, d.Event); err != nil {
			w.logger.Warn("journal record failed",
				"event_type", d.Event.EventType, "execution_id", d.Event.ExecutionID, "error", err)
			continue
		}
		if d.Ack != nil {
			if err := d.Ack(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn("event ack failed", "event_type", d.Event.EventType, "error", err)
			}
		}
	}
}

// flushJournal 周期性把 journal 暂存区落盘（pg 后端）。
func (w *App) flushJournal(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.core.Journal.Flush(ctx, 256); err != nil && ctx.Err() == nil {
				w.logger.Warn("journal flush failed", "error", err)
			}
		}
	}
}

func enabled(v *bool) bool {
	return v == nil || *v
}
