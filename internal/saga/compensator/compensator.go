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

// Package compensator 回滚已产生的副作用（C7）。
// 补偿严格按登记时间倒序回放；单条失败不中断回放，执行最终落 FAILED。
package compensator

import (
	"context"
	"time"

	"saga-platform/internal/eventbus"
	"saga-platform/internal/saga"
	"saga-platform/internal/statestore"
	"saga-platform/internal/tool"
	pkgerrors "saga-platform/pkg/errors"
	"saga-platform/pkg/log"
	"saga-platform/pkg/metrics"
	"saga-platform/pkg/tracing"
)

// DefaultCompensationTimeout 单条补偿的调用超时。
const DefaultCompensationTimeout = 15 * time.Second

// NeedsCompensationFunc 判定工具副作用是否需要补偿（tool.Registry 提供）。
type NeedsCompensationFunc func(toolName string) bool

// Compensator saga 补偿器。
type Compensator struct {
	store             statestore.Store
	invoker           tool.Invoker
	bus               eventbus.Bus
	needsCompensation NeedsCompensationFunc
	timeout           time.Duration
	logger            *log.Logger
}

// New 创建补偿器。timeout<=0 时取 DefaultCompensationTimeout。
func New(store statestore.Store, invoker tool.Invoker, bus eventbus.Bus, needs NeedsCompensationFunc, timeout time.Duration, logger *log.Logger) *Compensator {
	if timeout <= 0 {
		timeout = DefaultCompensationTimeout
	}
	return &Compensator{
		store:             store,
		invoker:           invoker,
		bus:               bus,
		needsCompensation: needs,
		timeout:           timeout,
		logger:            logger.Component("compensator"),
	}
}

// Run 执行补偿流程：COMPENSATING → 倒序回放 → FAILED。
// failureMessage 记录触发补偿的原因，进入终态事件文本。
func (c *Compensator) Run(ctx context.Context, executionID, failureMessage string) (*saga.CompensationSummary, error) {
	logger := c.logger.WithExecution(executionID)
	tc := tracing.TraceContextFrom(ctx)

	st, err := c.store.UpdateState(ctx, executionID, func(cur *saga.ExecutionState) error {
		if cur.Status.Terminal() {
			return pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "execution already %s", cur.Status)
		}
		cur.Status = saga.StatusCompensating
		cur.Touch()
		return nil
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "enter compensating")
	}

	records := make([]saga.CompensationRecord, len(st.Compensations))
	copy(records, st.Compensations)
	summary := &saga.CompensationSummary{}

	ctx, span := tracing.StartCompensationSpan(ctx, executionID, len(records))
	defer span.End()

	for _, i := range saga.PlaybackOrder(records) {
		rec := &records[i]
		c.playOne(ctx, rec, logger)

		switch rec.Outcome {
		case saga.CompensationSucceeded:
			summary.Attempted++
			summary.Succeeded++
		case saga.CompensationFailed:
			summary.Attempted++
			summary.Failed++
		case saga.CompensationSkipped:
			summary.Skipped++
		}
		metrics.CompensationTotal.WithLabelValues(string(rec.Outcome)).Inc()

		ev := saga.NewEvent(saga.EventCompensationExecuted, executionID).
			WithStep(rec.StepID, st.SegmentNumber).
			WithStatus(string(rec.Outcome)).
			WithMessage(rec.ToolName).
			WithTrace(tc.TraceID)
		if err := c.bus.Publish(ctx, ev); err != nil {
			logger.Warn("compensation event publish failed", "tool", rec.ToolName, "error", err)
		}
	}
	summary.Records = records

	finalEv := saga.NewEvent(saga.EventExecutionFailed, executionID).
		WithStatus(string(saga.StatusFailed)).
		WithMessage(failureMessage).
		WithTrace(tc.TraceID)
	if _, err := c.store.UpdateState(ctx, executionID, func(cur *saga.ExecutionState) error {
		cur.Status = saga.StatusFailed
		cur.Compensations = records
		if cur.Context == nil {
			cur.Context = make(map[string]any)
		}
		cur.Context["compensation_summary"] = summary
		cur.Touch()
		return nil
	}, finalEv); err != nil {
		return summary, pkgerrors.Wrap(err, "finalize compensation")
	}
	if err := c.store.DeleteCheckpoint(ctx, executionID); err != nil && !pkgerrors.Is(err, pkgerrors.ErrNotFound) {
		logger.Warn("checkpoint cleanup failed", "error", err)
	}

	logger.Info("compensation finished",
		"attempted", summary.Attempted, "succeeded", summary.Succeeded,
		"failed", summary.Failed, "skipped", summary.Skipped)
	return summary, nil
}

func (c *Compensator) playOne(ctx context.Context, rec *saga.CompensationRecord, logger *log.Logger) {
	now := time.Now().UTC()
	rec.ExecutedAt = &now

	if c.needsCompensation != nil && rec.ForTool != "" && !c.needsCompensation(rec.ForTool) {
		rec.Outcome = saga.CompensationSkipped
		return
	}

	res := c.invoker.Execute(ctx, rec.ToolName, rec.Parameters, c.timeout)
	if res.OK {
		rec.Outcome = saga.CompensationSucceeded
		return
	}
	rec.Outcome = saga.CompensationFailed
	rec.Error = res.ErrorCode + ": " + res.ErrorMessage
	logger.Warn("compensation failed",
		"tool", rec.ToolName, "step_id", rec.StepID,
		"error_code", res.ErrorCode, "error", res.ErrorMessage)
}
