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

package statestore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"saga-platform/internal/saga"
	pkgerrors "saga-platform/pkg/errors"
	"saga-platform/pkg/metrics"
)

func newLockToken() string { return uuid.NewString() }

// entry 带过期时间的内存记录；expiresAt 为零值表示不过期。
type entry struct {
	value     string
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory 内存实现：测试与 fallback_memory 降级模式使用。
// 单进程内提供与 Redis 实现相同的语义（含 TTL），跨进程保证自然缺失。
type Memory struct {
	mu     sync.Mutex
	states map[string]*saga.ExecutionState
	kv     map[string]entry
	active map[string]struct{}
	dlq    map[string]saga.DLQEntry
	dlqExp map[string]time.Time
	outbox []saga.Event
	opts   Options
	now    func() time.Time
}

// NewMemory 创建内存状态存储。
func NewMemory(opts Options) *Memory {
	return &Memory{
		states: make(map[string]*saga.ExecutionState),
		kv:     make(map[string]entry),
		active: make(map[string]struct{}),
		dlq:    make(map[string]saga.DLQEntry),
		dlqExp: make(map[string]time.Time),
		opts:   opts.withDefaults(),
		now:    time.Now,
	}
}

// SetClock 注入时钟，测试 TTL 行为用。
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) CreateState(_ context.Context, st *saga.ExecutionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[st.ExecutionID]; ok {
		return pkgerrors.ErrAlreadyExists
	}
	m.states[st.ExecutionID] = st.Clone()
	m.active[st.ExecutionID] = struct{}{}
	return nil
}

func (m *Memory) GetState(_ context.Context, executionID string) (*saga.ExecutionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[executionID]
	if !ok {
		return nil, pkgerrors.ErrExecutionNotFound
	}
	return st.Clone(), nil
}

func (m *Memory) UpdateState(ctx context.Context, executionID string, mutate Mutation, outbox ...saga.Event) (*saga.ExecutionState, error) {
	for attempt := 0; ; attempt++ {
		st, err := m.GetState(ctx, executionID)
		if err != nil {
			return nil, err
		}
		prev := st.Version
		next := st.Clone()
		if err := mutate(next); err != nil {
			return nil, err
		}
		next.Version = prev + 1
		next.UpdatedAt = time.Now().UTC()

		m.mu.Lock()
		cur, ok := m.states[executionID]
		if ok && cur.Version == prev {
			m.states[executionID] = next.Clone()
			m.outbox = append(m.outbox, outbox...)
			if next.Status.Terminal() {
				delete(m.active, executionID)
			}
			m.mu.Unlock()
			return next, nil
		}
		m.mu.Unlock()

		metrics.OCCRetryTotal.Inc()
		if attempt >= m.opts.MaxOCCRetries {
			metrics.OCCConflictTotal.Inc()
			return nil, pkgerrors.ErrVersionConflict
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(occBackoff(m.opts.OCCRetryBase, attempt)):
		}
	}
}

func (m *Memory) ListActive(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids, nil
}

// setNX 内部 SETNX 语义，过期条目视为不存在。
func (m *Memory) setNX(key, value string, ttl time.Duration) bool {
	now := m.now()
	if e, ok := m.kv[key]; ok && !e.expired(now) {
		return false
	}
	m.kv[key] = entry{value: value, expiresAt: now.Add(ttl)}
	return true
}

func (m *Memory) get(key string) (string, bool) {
	e, ok := m.kv[key]
	if !ok || e.expired(m.now()) {
		return "", false
	}
	return e.value, true
}

func (m *Memory) AcquireExecutionLock(_ context.Context, executionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token := newLockToken()
	if !m.setNX(lockKey(executionID), token, m.opts.ExecutionLockTTL) {
		metrics.LockContentionTotal.WithLabelValues("coarse").Inc()
		return "", pkgerrors.ErrLockHeld
	}
	return token, nil
}

func (m *Memory) ReleaseExecutionLock(_ context.Context, executionID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.get(lockKey(executionID)); ok && v == token {
		delete(m.kv, lockKey(executionID))
	}
	return nil
}

func (m *Memory) AcquireStepLock(_ context.Context, executionID string, stepIndex int, stepID string) (StepLockOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stepLockKey(executionID, stepIndex)
	if m.setNX(key, stepID, m.opts.StepLockTTL) {
		return StepLockAcquired, nil
	}
	holder, _ := m.get(key)
	if holder == stepID {
		metrics.LockContentionTotal.WithLabelValues("step").Inc()
		return StepLockDuplicate, nil
	}
	m.kv[key] = entry{value: stepID, expiresAt: m.now().Add(m.opts.StepLockTTL)}
	return StepLockReclaimed, nil
}

func (m *Memory) ReleaseStepLock(_ context.Context, executionID string, stepIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, stepLockKey(executionID, stepIndex))
	return nil
}

func (m *Memory) StepLockHolder(_ context.Context, executionID string, stepIndex int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	holder, _ := m.get(stepLockKey(executionID, stepIndex))
	return holder, nil
}

func (m *Memory) PutCheckpoint(_ context.Context, executionID string, ck saga.CheckpointRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[checkpointKey(executionID)] = entry{value: mustJSON(ck), expiresAt: m.now().Add(m.opts.CheckpointTTL)}
	return nil
}

func (m *Memory) GetCheckpoint(_ context.Context, executionID string) (*saga.CheckpointRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.get(checkpointKey(executionID))
	if !ok {
		return nil, pkgerrors.ErrNotFound
	}
	var ck saga.CheckpointRef
	if err := fromJSON(v, &ck); err != nil {
		return nil, err
	}
	return &ck, nil
}

func (m *Memory) DeleteCheckpoint(_ context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, checkpointKey(executionID))
	return nil
}

func (m *Memory) PutReplanMarker(_ context.Context, marker saga.ReplanMarker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[replanKey(marker.ExecutionID)] = entry{value: mustJSON(marker), expiresAt: m.now().Add(m.opts.ReplanMarkerTTL)}
	return nil
}

func (m *Memory) TakeReplanMarker(_ context.Context, executionID string) (*saga.ReplanMarker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.get(replanKey(executionID))
	if !ok {
		return nil, nil
	}
	delete(m.kv, replanKey(executionID))
	var marker saga.ReplanMarker
	if err := fromJSON(v, &marker); err != nil {
		return nil, err
	}
	return &marker, nil
}

func (m *Memory) PutTombstone(_ context.Context, executionID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[tombstoneKey(executionID)] = entry{value: reason, expiresAt: m.now().Add(m.opts.TombstoneTTL)}
	return nil
}

func (m *Memory) IsTombstoned(_ context.Context, executionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.get(tombstoneKey(executionID))
	return ok, nil
}

func (m *Memory) PutDLQEntry(_ context.Context, e saga.DLQEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dlq[e.ExecutionID] = e
	m.dlqExp[e.ExecutionID] = m.now().Add(m.opts.DLQEntryTTL)
	return nil
}

func (m *Memory) GetDLQEntry(_ context.Context, executionID string) (*saga.DLQEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.dlq[executionID]
	if !ok || m.now().After(m.dlqExp[executionID]) {
		return nil, pkgerrors.ErrNotFound
	}
	cp := e
	return &cp, nil
}

func (m *Memory) ListDLQEntries(_ context.Context) ([]saga.DLQEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	entries := make([]saga.DLQEntry, 0, len(m.dlq))
	for id, e := range m.dlq {
		if now.After(m.dlqExp[id]) {
			delete(m.dlq, id)
			delete(m.dlqExp, id)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (m *Memory) DeleteDLQEntry(_ context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dlq, executionID)
	delete(m.dlqExp, executionID)
	return nil
}

func (m *Memory) PopOutbox(_ context.Context, max int) ([]saga.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.outbox) == 0 {
		return nil, nil
	}
	n := max
	if n > len(m.outbox) {
		n = len(m.outbox)
	}
	out := make([]saga.Event, n)
	copy(out, m.outbox[:n])
	m.outbox = append([]saga.Event(nil), m.outbox[n:]...)
	return out, nil
}

func (m *Memory) RequeueOutbox(_ context.Context, events []saga.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outbox = append(append([]saga.Event(nil), events...), m.outbox...)
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
