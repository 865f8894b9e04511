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

// Package checkpoint 管理段间续跑的检查点（C6）。
// 检查点总是在续跑作业入队之前落盘：队列重投在 worker 半路死掉后
// 仍能找到一致的游标。
package checkpoint

import (
	"context"
	"time"

	"saga-platform/internal/eventbus"
	"saga-platform/internal/queue"
	"saga-platform/internal/saga"
	"saga-platform/internal/statestore"
	pkgerrors "saga-platform/pkg/errors"
	"saga-platform/pkg/log"
	"saga-platform/pkg/metrics"
	"saga-platform/pkg/tracing"
)

// 检查点原因。
const (
	ReasonTimeoutApproaching = "TIMEOUT_APPROACHING"
	ReasonExplicitPause      = "EXPLICIT_PAUSE"
	ReasonAwaitingHuman      = "AWAITING_HUMAN"
)

// Manager 检查点管理器。
type Manager struct {
	store  statestore.Store
	queue  queue.Enqueuer
	bus    eventbus.Bus
	logger *log.Logger
}

// NewManager 创建检查点管理器。
func NewManager(store statestore.Store, q queue.Enqueuer, bus eventbus.Bus, logger *log.Logger) *Manager {
	return &Manager{store: store, queue: q, bus: bus, logger: logger.Component("checkpoint")}
}

// Create 写入检查点并入队续跑作业（先写后入队）。cursor 为下一个待执行
// 的 step_number。
func (m *Manager) Create(ctx context.Context, st *saga.ExecutionState, cursor int, reason string) error {
	tc := tracing.TraceContextFrom(ctx)
	ck := saga.CheckpointRef{
		Cursor:        cursor,
		SegmentNumber: st.SegmentNumber,
		Reason:        reason,
		TraceID:       tc.TraceID,
		CreatedAt:     time.Now().UTC(),
	}
	if err := m.store.PutCheckpoint(ctx, st.ExecutionID, ck); err != nil {
		return pkgerrors.Wrap(err, "put checkpoint")
	}
	if _, err := m.store.UpdateState(ctx, st.ExecutionID, func(cur *saga.ExecutionState) error {
		cp := ck
		cur.Checkpoint = &cp
		cur.Touch()
		return nil
	}); err != nil {
		return pkgerrors.Wrap(err, "record checkpoint on state")
	}
	metrics.CheckpointTotal.WithLabelValues(reason).Inc()

	ev := saga.NewEvent(saga.EventCheckpointed, st.ExecutionID).
		WithStep(stepIDAt(st, cursor), st.SegmentNumber).
		WithMessage(reason).
		WithTrace(tc.TraceID)
	if err := m.bus.Publish(ctx, ev); err != nil {
		m.logger.Warn("checkpoint event publish failed", "execution_id", st.ExecutionID, "error", err)
	}

	job := queue.NewJob(st.ExecutionID, cursor, tc.TraceID, tc.CorrelationID)
	if err := m.queue.EnqueueStep(ctx, job); err != nil {
		return pkgerrors.Wrap(err, "enqueue continuation")
	}
	return nil
}

// ResumeOptions 恢复选项。
type ResumeOptions struct {
	// Source 标注恢复来源（mesh | dlq-monitor | admin），只进日志与事件文本。
	Source string
}

// Resume 从检查点恢复执行：段号 +1，续跑作业指向检查点游标。
// 已终态的执行是无操作，返回其终态。无检查点时从下一个就绪步骤恢复。
func (m *Manager) Resume(ctx context.Context, executionID string, opts ResumeOptions) (saga.ExecutionStatus, error) {
	st, err := m.store.GetState(ctx, executionID)
	if err != nil {
		return "", err
	}
	if st.Status.Terminal() {
		return st.Status, nil
	}

	cursor := st.NextReadyStep()
	if ck, err := m.store.GetCheckpoint(ctx, executionID); err == nil {
		// 过期游标（指向的步骤已结算）不采信，退回就绪步骤，
		// 否则续跑投递会被幂等闸门当成重复投递
		if at := stepStateAt(st, ck.Cursor); at != nil && at.Status == saga.StepPending {
			cursor = ck.Cursor
		}
	} else if !pkgerrors.Is(err, pkgerrors.ErrNotFound) {
		return "", pkgerrors.Wrap(err, "load checkpoint")
	}
	if cursor < 0 {
		cursor = 0
	}

	updated, err := m.store.UpdateState(ctx, executionID, func(cur *saga.ExecutionState) error {
		cur.SegmentNumber++
		if cur.Status == saga.StatusAwaitingResume {
			cur.Status = saga.StatusExecuting
		}
		cur.Touch()
		return nil
	})
	if err != nil {
		return "", pkgerrors.Wrap(err, "advance segment")
	}

	tc := tracing.TraceContextFrom(ctx)
	ev := saga.NewEvent(saga.EventExecutionResumed, executionID).
		WithStep(stepIDAt(updated, cursor), updated.SegmentNumber).
		WithMessage(opts.Source).
		WithTrace(tc.TraceID)
	if err := m.bus.Publish(ctx, ev); err != nil {
		m.logger.Warn("resume event publish failed", "execution_id", executionID, "error", err)
	}

	if err := m.queue.EnqueueStep(ctx, queue.NewJob(executionID, cursor, tc.TraceID, tc.CorrelationID)); err != nil {
		return "", pkgerrors.Wrap(err, "enqueue resume")
	}
	return updated.Status, nil
}

// Clear 终态清理检查点。
func (m *Manager) Clear(ctx context.Context, executionID string) error {
	return m.store.DeleteCheckpoint(ctx, executionID)
}

func stepIDAt(st *saga.ExecutionState, cursor int) string {
	if cursor >= 0 && cursor < len(st.Plan.Steps) {
		return st.Plan.Steps[cursor].ID
	}
	return ""
}

func stepStateAt(st *saga.ExecutionState, cursor int) *saga.StepState {
	if cursor >= 0 && cursor < len(st.Plan.Steps) {
		return st.StepStateByID(st.Plan.Steps[cursor].ID)
	}
	return nil
}
