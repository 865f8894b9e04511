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

package eventbus

import (
	"context"
	"time"

	"saga-platform/internal/saga"
	pkgerrors "saga-platform/pkg/errors"
	"saga-platform/pkg/log"
	"saga-platform/pkg/metrics"
)

// OutboxStore 事务性 outbox 的消费侧。终态事件随状态 CAS 同写入 outbox，
// drainer 负责把它们搬上事件总线；发布失败的事件回插队首，下轮重试。
type OutboxStore interface {
	PopOutbox(ctx context.Context, max int) ([]saga.Event, error)
	RequeueOutbox(ctx context.Context, events []saga.Event) error
}

// DrainerConfig 排水参数。
type DrainerConfig struct {
	// Interval 轮询周期（默认 500ms）。
	Interval time.Duration
	// BatchSize 单轮最多搬运的事件数（默认 64）。
	BatchSize int
}

func (c DrainerConfig) withDefaults() DrainerConfig {
	if c.Interval <= 0 {
		c.Interval = 500 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	return c
}

// Drainer 把 outbox 事件投递到总线。
type Drainer struct {
	store  OutboxStore
	bus    Bus
	cfg    DrainerConfig
	logger *log.Logger
}

// NewDrainer 创建排水器。
func NewDrainer(store OutboxStore, bus Bus, cfg DrainerConfig, logger *log.Logger) *Drainer {
	return &Drainer{store: store, bus: bus, cfg: cfg.withDefaults(), logger: logger.Component("outbox-drainer")}
}

// Run 周期排水直到 ctx 结束。
func (d *Drainer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.DrainOnce(ctx); err != nil {
				d.logger.Warn("outbox drain failed", "error", err)
			}
		}
	}
}

// DrainOnce 搬运一批。返回成功投递的事件数。
// 发布途中失败的事件连同未处理的尾部一起回插，保持顺序。
func (d *Drainer) DrainOnce(ctx context.Context) (int, error) {
	events, err := d.store.PopOutbox(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, pkgerrors.Wrap(err, "pop outbox")
	}
	for i, ev := range events {
		if err := d.bus.Publish(ctx, ev); err != nil {
			if rerr := d.store.RequeueOutbox(ctx, events[i:]); rerr != nil {
				d.logger.Error("outbox requeue failed, events lost",
					"count", len(events)-i, "error", rerr)
			}
			return i, pkgerrors.Wrapf(err, "publish outbox event %s", ev.EventType)
		}
		metrics.OutboxDrainedTotal.Inc()
	}
	return len(events), nil
}
