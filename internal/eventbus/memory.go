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
	"sync"

	"saga-platform/internal/saga"
)

// Memory 进程内总线：测试与单进程运行用。
// 每个订阅者持有独立缓冲通道；缓冲打满时丢弃最旧事件（总线不承诺持久化，
// 持久路径归 outbox + journal）。
type Memory struct {
	mu      sync.Mutex
	subs    map[int]chan Delivery
	nextSub int
	history []saga.Event
	closed  bool
}

// NewMemory 创建进程内总线。
func NewMemory() *Memory {
	return &Memory{subs: make(map[int]chan Delivery)}
}

func (m *Memory) Publish(_ context.Context, ev saga.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.history = append(m.history, ev)
	for _, ch := range m.subs {
		d := Delivery{Event: ev, Ack: func(context.Context) error { return nil }}
		select {
		case ch <- d:
		default:
			// 丢最旧、进最新
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- d:
			default:
			}
		}
	}
	countPublish(ev)
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, _ string) (<-chan Delivery, error) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan Delivery, 256)
	m.subs[id] = ch
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, id)
		close(ch)
		m.mu.Unlock()
	}()
	return ch, nil
}

// Events 返回已发布事件的快照（测试断言用）。
func (m *Memory) Events() []saga.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]saga.Event, len(m.history))
	copy(out, m.history)
	return out
}

// EventTypes 返回已发布事件类型序列（测试断言用）。
func (m *Memory) EventTypes() []saga.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]saga.EventType, 0, len(m.history))
	for _, ev := range m.history {
		out = append(out, ev.EventType)
	}
	return out
}

func (m *Memory) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
