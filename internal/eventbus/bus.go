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

// Package eventbus 是执行事件的发布/订阅层（C2）。
//
// 投递语义为至少一次：订阅方必须幂等，事件自带
// execution_id + step_id + segment_number 供去重。终态类事件（完成/失败/补偿）
// 不直接走总线，而是随状态 CAS 写入 outbox，由 worker 的 Drainer 排空到这里。
package eventbus

import (
	"context"

	"saga-platform/internal/saga"
	"saga-platform/pkg/metrics"
)

// Bus 事件总线接口。
type Bus interface {
	// Publish 发布单个事件。失败交由调用方决定（outbox 路径会重回队列）。
	Publish(ctx context.Context, ev saga.Event) error
	// Subscribe 以 sinkName 为消费组订阅事件流，返回接收通道与 ack 函数。
	// 关闭 ctx 即停止订阅。
	Subscribe(ctx context.Context, sinkName string) (<-chan Delivery, error)
	// Close 释放总线资源。
	Close(ctx context.Context) error
}

// Delivery 一次事件投递。Ack 确认处理完成；不确认的事件会被重投。
type Delivery struct {
	Event saga.Event
	Ack   func(context.Context) error
}

func countPublish(ev saga.Event) {
	metrics.EventPublishTotal.WithLabelValues(string(ev.EventType)).Inc()
}
