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

// Package journal 维护执行历史的审计日志。Redis 状态仍是唯一事实来源，
// 日志写入尽力而为：失败只记 warn，不阻断执行路径。
// CLI history 命令与 DLQ 统计从这里读。
package journal

import (
	"context"
	"sort"
	"sync"

	"saga-platform/internal/saga"
)

// Recorder 审计日志接口。
type Recorder interface {
	// Record 追加一条执行事件。尽力而为：调用方不依据返回错误中断流程。
	Record(ctx context.Context, ev saga.Event) error

	// History 按发生顺序返回某执行的事件；limit<=0 表示不限。
	History(ctx context.Context, executionID string, limit int) ([]saga.Event, error)

	// Flush 把暂存区的事件编号落盘（pg 实现的 outbox 排水；memory 为空操作）。
	// 返回本次处理的条数。
	Flush(ctx context.Context, max int) (int, error)

	// Close 释放底层资源。
	Close()
}

// Memory 进程内实现，测试与 dev profile 使用。
type Memory struct {
	mu     sync.RWMutex
	events map[string][]saga.Event
}

// NewMemory 创建内存日志。
func NewMemory() *Memory {
	return &Memory{events: make(map[string][]saga.Event)}
}

func (m *Memory) Record(ctx context.Context, ev saga.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.ExecutionID] = append(m.events[ev.ExecutionID], ev)
	return nil
}

func (m *Memory) History(ctx context.Context, executionID string, limit int) ([]saga.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	evs := m.events[executionID]
	out := make([]saga.Event, len(evs))
	copy(out, evs)
	sort.SliceStable(out, func(a, b int) bool { return out[a].Timestamp.Before(out[b].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Flush(ctx context.Context, max int) (int, error) { return 0, nil }

func (m *Memory) Close() {}
