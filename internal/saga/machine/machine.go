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

// Package machine 驱动执行推进（C5）：每次投递恰好执行一个步骤，
// 段预算内完不成就 checkpoint 接力。失败一律交 failover 裁决，
// 从不就地静默重试。
package machine

import (
	"context"
	"fmt"
	"time"

	"saga-platform/internal/eventbus"
	"saga-platform/internal/queue"
	"saga-platform/internal/saga"
	"saga-platform/internal/saga/checkpoint"
	"saga-platform/internal/saga/failover"
	"saga-platform/internal/statestore"
	"saga-platform/internal/tool"
	pkgerrors "saga-platform/pkg/errors"
	"saga-platform/pkg/log"
	"saga-platform/pkg/metrics"
	"saga-platform/pkg/tracing"
)

// Config 段执行预算。平台硬上限 10s：SegmentTimeout ≤ 9s，
// CheckpointThreshold 必须严格小于 SegmentTimeout。
type Config struct {
	SegmentTimeout      time.Duration
	CheckpointThreshold time.Duration
	SafetyMargin        time.Duration
	MaxReplans          int
}

func (c Config) withDefaults() Config {
	if c.SegmentTimeout <= 0 {
		c.SegmentTimeout = 8 * time.Second
	}
	if c.CheckpointThreshold <= 0 {
		c.CheckpointThreshold = 6500 * time.Millisecond
	}
	if c.SafetyMargin <= 0 {
		c.SafetyMargin = 500 * time.Millisecond
	}
	if c.MaxReplans <= 0 {
		c.MaxReplans = 3
	}
	return c
}

// Validate 校验预算关系。
func (c Config) Validate() error {
	if c.SegmentTimeout > 9*time.Second {
		return pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "segment timeout %s exceeds 9s platform bound", c.SegmentTimeout)
	}
	if c.CheckpointThreshold >= c.SegmentTimeout {
		return pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "checkpoint threshold %s must be below segment timeout %s", c.CheckpointThreshold, c.SegmentTimeout)
	}
	return nil
}

// Replanner 重规划入口（C9）。返回是否实际发生了重规划。
type Replanner interface {
	Replan(ctx context.Context, executionID string) (bool, error)
}

// CompensationRunner 补偿入口（C7）。
type CompensationRunner interface {
	Run(ctx context.Context, executionID, failureMessage string) (*saga.CompensationSummary, error)
}

// SegmentRequest 一次段执行请求。StartStepIndex 来自投递作业，仅作提示；
// 实际步骤按依赖就绪规则选择。
type SegmentRequest struct {
	ExecutionID    string
	StartStepIndex int
}

// SegmentResult 段执行结果（/engine/execute-step 的应答主体）。
type SegmentResult struct {
	ExecutionID       string               `json:"executionId"`
	Status            saga.ExecutionStatus `json:"status"`
	StepExecuted      *int                 `json:"stepExecuted,omitempty"`
	StepStatus        saga.StepStatus      `json:"stepStatus,omitempty"`
	CompletedSteps    int                  `json:"completedSteps"`
	TotalSteps        int                  `json:"totalSteps"`
	IsComplete        bool                 `json:"isComplete"`
	NextStepTriggered bool                 `json:"nextStepTriggered"`
	Duplicate         bool                 `json:"duplicate,omitempty"`
}

// Machine 工作流状态机。
type Machine struct {
	store       statestore.Store
	executor    tool.Invoker
	registry    *tool.Registry
	failover    *failover.Engine
	compensator CompensationRunner
	checkpoints *checkpoint.Manager
	replanner   Replanner
	queue       queue.Enqueuer
	bus         eventbus.Bus
	cfg         Config
	logger      *log.Logger
}

// New 创建状态机。replanner 可为 nil：此时可恢复失败只写标记，
// 由外部消费者处理。
func New(
	store statestore.Store,
	executor tool.Invoker,
	registry *tool.Registry,
	fo *failover.Engine,
	comp CompensationRunner,
	ck *checkpoint.Manager,
	rp Replanner,
	q queue.Enqueuer,
	bus eventbus.Bus,
	cfg Config,
	logger *log.Logger,
) (*Machine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Machine{
		store:       store,
		executor:    executor,
		registry:    registry,
		failover:    fo,
		compensator: comp,
		checkpoints: ck,
		replanner:   rp,
		queue:       q,
		bus:         bus,
		cfg:         cfg,
		logger:      logger.Component("machine"),
	}, nil
}

// ExecuteSegment 执行一个段。锁竞争返回 ErrLockHeld（API 层映射 409）。
func (m *Machine) ExecuteSegment(ctx context.Context, req SegmentRequest) (res SegmentResult, err error) {
	start := time.Now()
	outcome := "failed"
	defer func() {
		metrics.SegmentDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		metrics.SegmentTotal.WithLabelValues(outcome).Inc()
	}()

	res = SegmentResult{ExecutionID: req.ExecutionID}
	logger := m.logger.WithExecution(req.ExecutionID)

	tombstoned, terr := m.store.IsTombstoned(ctx, req.ExecutionID)
	if terr != nil {
		return res, pkgerrors.Wrap(terr, "tombstone check")
	}
	if tombstoned {
		st, cerr := m.cancelTombstoned(ctx, req.ExecutionID)
		if cerr != nil {
			return res, cerr
		}
		outcome = "cancelled"
		return m.snapshot(st, res), nil
	}

	token, lerr := m.store.AcquireExecutionLock(ctx, req.ExecutionID)
	if lerr != nil {
		if pkgerrors.Is(lerr, pkgerrors.ErrLockHeld) {
			metrics.LockContentionTotal.WithLabelValues("coarse").Inc()
		}
		return res, lerr
	}
	defer func() {
		if rerr := m.store.ReleaseExecutionLock(ctx, req.ExecutionID, token); rerr != nil {
			logger.Warn("execution lock release failed", "error", rerr)
		}
	}()

	st, gerr := m.store.GetState(ctx, req.ExecutionID)
	if gerr != nil {
		return res, gerr
	}
	res = m.snapshot(st, res)
	if st.Status.Terminal() {
		outcome = "noop"
		return res, nil
	}

	ctx, span := tracing.StartSegmentSpan(ctx, req.ExecutionID, st.SegmentNumber)
	defer span.End()

	// 空计划即完成
	if len(st.Plan.Steps) == 0 {
		st, err = m.complete(ctx, st)
		if err != nil {
			return res, err
		}
		outcome = "completed"
		return m.snapshot(st, res), nil
	}

	// 幂等闸门先于步骤选择：投递携带的步骤索引若已被当前计划的步骤占锁，
	// 就是同一 (execution, step) 的重复投递，不得推进到别的步骤。
	if i := req.StartStepIndex; i >= 0 && i < len(st.Plan.Steps) {
		holder, herr := m.store.StepLockHolder(ctx, req.ExecutionID, i)
		if herr != nil {
			return res, pkgerrors.Wrap(herr, "inspect step lock")
		}
		if holder != "" && holder == st.Plan.Steps[i].ID {
			metrics.LockContentionTotal.WithLabelValues("step").Inc()
			outcome = "duplicate"
			res.Duplicate = true
			return res, nil
		}
	}

	stepIdx := st.NextReadyStep()
	if stepIdx < 0 {
		if st.AllStepsSettled() {
			st, err = m.complete(ctx, st)
			if err != nil {
				return res, err
			}
			outcome = "completed"
			return m.snapshot(st, res), nil
		}
		// 有失败或被依赖阻塞的步骤：本段无事可做，失败处理已在先前段发生
		outcome = "noop"
		return res, nil
	}
	step := st.Plan.Steps[stepIdx]

	lockOutcome, slerr := m.store.AcquireStepLock(ctx, req.ExecutionID, stepIdx, step.ID)
	if slerr != nil {
		return res, pkgerrors.Wrap(slerr, "step lock")
	}
	if lockOutcome == statestore.StepLockDuplicate {
		metrics.LockContentionTotal.WithLabelValues("step").Inc()
		outcome = "duplicate"
		res.Duplicate = true
		return res, nil
	}

	return m.runStep(ctx, st, stepIdx, start, &outcome, logger)
}

// runStep 执行选中的步骤并处理结果。panic 在此边界回收：
// 步骤按 INTERNAL_ERROR 失败处理，绝不让 worker 进程崩掉。
func (m *Machine) runStep(ctx context.Context, st *saga.ExecutionState, stepIdx int, segStart time.Time, outcome *string, logger *log.Logger) (res SegmentResult, err error) {
	step := st.Plan.Steps[stepIdx]
	res = m.snapshot(st, SegmentResult{ExecutionID: st.ExecutionID})
	tc := tracing.TraceContextFrom(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("segment panic", "step_id", step.ID, "panic", fmt.Sprint(r))
			failure := tool.Result{OK: false, ErrorCode: saga.CodeInternalError, ErrorMessage: fmt.Sprintf("segment panic: %v", r)}
			st2, herr := m.handleFailure(ctx, st.ExecutionID, stepIdx, failure, logger)
			if herr != nil {
				err = herr
				return
			}
			*outcome = "failed"
			res = m.snapshot(st2, res)
			res.StepExecuted = &stepIdx
			res.StepStatus = saga.StepFailed
			err = nil
		}
	}()

	// 标记 running、进入 EXECUTING、段号推进
	st, err = m.store.UpdateState(ctx, st.ExecutionID, func(cur *saga.ExecutionState) error {
		ss := cur.StepStateByID(step.ID)
		if ss == nil {
			return pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "step %s missing from state", step.ID)
		}
		now := time.Now().UTC()
		ss.Status = saga.StepRunning
		ss.StartedAt = &now
		ss.Attempts++
		ss.InputSnapshot = step.Parameters
		if cur.Status == saga.StatusCreated || cur.Status == saga.StatusPlanned || cur.Status == saga.StatusAwaitingResume {
			cur.Status = saga.StatusExecuting
		}
		cur.SegmentNumber++
		cur.Touch()
		return nil
	})
	if err != nil {
		// 工具尚未调用：释放步骤锁，让重投有机会执行
		if rerr := m.store.ReleaseStepLock(ctx, st.ExecutionID, stepIdx); rerr != nil {
			logger.Warn("step lock rollback failed", "error", rerr)
		}
		return res, pkgerrors.Wrap(err, "mark step running")
	}
	m.publish(ctx, saga.NewEvent(saga.EventStepStarted, st.ExecutionID).
		WithStep(step.ID, st.SegmentNumber).WithTrace(tc.TraceID), logger)

	// 工具超时 = min(步骤超时, 剩余预算 - 安全边距)；取消在阈值处触发
	budgetLeft := m.cfg.CheckpointThreshold - time.Since(segStart)
	toolTimeout := time.Duration(step.TimeoutMS) * time.Millisecond
	if limit := budgetLeft - m.cfg.SafetyMargin; limit < toolTimeout {
		toolTimeout = limit
	}
	if toolTimeout < 0 {
		toolTimeout = time.Millisecond
	}
	segCtx, cancel := context.WithDeadline(ctx, segStart.Add(m.cfg.CheckpointThreshold))
	toolCtx, toolSpan := tracing.StartToolSpan(segCtx, step.ToolName, step.ID)
	result := m.executor.Execute(toolCtx, step.ToolName, step.Parameters, toolTimeout)
	toolSpan.End()
	cancel()

	if !result.OK {
		st, err = m.handleFailure(ctx, st.ExecutionID, stepIdx, result, logger)
		if err != nil {
			return res, err
		}
		*outcome = "failed"
		res = m.snapshot(st, res)
		res.StepExecuted = &stepIdx
		res.StepStatus = saga.StepFailed
		return res, nil
	}

	st, err = m.recordSuccess(ctx, st.ExecutionID, step, result)
	if err != nil {
		return res, err
	}
	metrics.StepTotal.WithLabelValues(step.ToolName, string(saga.StepCompleted)).Inc()
	m.publish(ctx, saga.NewEvent(saga.EventStepCompleted, st.ExecutionID).
		WithStep(step.ID, st.SegmentNumber).WithTrace(tc.TraceID), logger)

	res = m.snapshot(st, res)
	res.StepExecuted = &stepIdx
	res.StepStatus = saga.StepCompleted

	if st.AllStepsSettled() {
		st, err = m.complete(ctx, st)
		if err != nil {
			return res, err
		}
		*outcome = "completed"
		return m.snapshot(st, res), nil
	}

	nextIdx := st.NextReadyStep()
	if nextIdx < 0 {
		// 剩余步骤被失败依赖阻塞，不应该发生在成功路径
		*outcome = "noop"
		return res, nil
	}

	if time.Since(segStart) >= m.cfg.CheckpointThreshold-m.cfg.SafetyMargin {
		if err := m.checkpoints.Create(ctx, st, nextIdx, checkpoint.ReasonTimeoutApproaching); err != nil {
			return res, pkgerrors.Wrap(err, "checkpoint continuation")
		}
		*outcome = "checkpointed"
	} else {
		if err := m.queue.EnqueueStep(ctx, queue.NewJob(st.ExecutionID, nextIdx, tc.TraceID, tc.CorrelationID)); err != nil {
			return res, pkgerrors.Wrap(err, "enqueue next step")
		}
		*outcome = "advanced"
	}
	res.NextStepTriggered = true
	return res, nil
}

// recordSuccess 记录产出并登记补偿配方。
func (m *Machine) recordSuccess(ctx context.Context, executionID string, step saga.PlanStep, result tool.Result) (*saga.ExecutionState, error) {
	return m.store.UpdateState(ctx, executionID, func(cur *saga.ExecutionState) error {
		ss := cur.StepStateByID(step.ID)
		if ss == nil {
			return pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "step %s missing from state", step.ID)
		}
		now := time.Now().UTC()
		ss.Status = saga.StepCompleted
		ss.FinishedAt = &now
		ss.Output = result.Output
		ss.LatencyMS = result.LatencyMS
		if result.Compensation != nil {
			ss.CompensationRegistered = true
			cur.Compensations = append(cur.Compensations, saga.CompensationRecord{
				StepID:       step.ID,
				StepNumber:   step.StepNumber,
				ToolName:     result.Compensation.ToolName,
				ForTool:      step.ToolName,
				Parameters:   result.Compensation.Parameters,
				RegisteredAt: now,
			})
		}
		cur.Touch()
		return nil
	})
}

// handleFailure 失败裁决：可恢复走 replan 标记，终态走补偿或直接 FAILED。
func (m *Machine) handleFailure(ctx context.Context, executionID string, stepIdx int, result tool.Result, logger *log.Logger) (*saga.ExecutionState, error) {
	tc := tracing.TraceContextFrom(ctx)
	st, err := m.store.GetState(ctx, executionID)
	if err != nil {
		return nil, err
	}
	step := st.Plan.Steps[stepIdx]
	metrics.StepTotal.WithLabelValues(step.ToolName, string(saga.StepFailed)).Inc()

	reason := failover.Classify(result.ErrorCode, result.ErrorMessage)
	replanCount := intFromContext(st.Context, "replan_count")
	decision := m.failover.Evaluate(failover.PolicyContext{
		IntentType:    st.Intent.Type,
		FailureReason: reason,
		Confidence:    st.Intent.Confidence,
		AttemptCount:  replanCount,
		Metadata:      step.Parameters,
	})
	recoverable := decision.Recoverable() && replanCount < m.cfg.MaxReplans

	st, err = m.store.UpdateState(ctx, executionID, func(cur *saga.ExecutionState) error {
		ss := cur.StepStateByID(step.ID)
		if ss == nil {
			return pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "step %s missing from state", step.ID)
		}
		now := time.Now().UTC()
		ss.Status = saga.StepFailed
		ss.FinishedAt = &now
		ss.Error = &saga.StepError{Code: result.ErrorCode, Message: result.ErrorMessage}
		ss.LatencyMS = result.LatencyMS
		if recoverable {
			cur.Status = saga.StatusAwaitingResume
		}
		cur.Touch()
		return nil
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "mark step failed")
	}

	m.publish(ctx, saga.NewEvent(saga.EventStepFailed, executionID).
		WithStep(step.ID, st.SegmentNumber).
		WithStatus(result.ErrorCode).
		WithMessage(result.ErrorMessage).
		WithTrace(tc.TraceID), logger)

	if recoverable {
		m.publish(ctx, saga.NewEvent(saga.EventFailoverPolicyTriggered, executionID).
			WithStep(step.ID, st.SegmentNumber).
			WithStatus(string(decision.RecommendedAction.Type)).
			WithMessage(string(reason)).
			WithTrace(tc.TraceID), logger)

		marker := saga.ReplanMarker{
			ExecutionID:       executionID,
			FailedStepID:      step.ID,
			FailedStepNumber:  step.StepNumber,
			FailureReason:     string(reason),
			RecommendedAction: string(decision.RecommendedAction.Type),
			MessageTemplate:   decision.RecommendedAction.MessageTemplate,
			Suggestions:       decision.Suggestions,
			AttemptCount:      replanCount + 1,
			Metadata:          step.Parameters,
			CreatedAt:         time.Now().UTC(),
		}
		if err := m.store.PutReplanMarker(ctx, marker); err != nil {
			return nil, pkgerrors.Wrap(err, "put replan marker")
		}
		if m.replanner != nil {
			if _, rerr := m.replanner.Replan(ctx, executionID); rerr != nil {
				logger.Warn("inline replan failed, marker left for async consumer", "error", rerr)
			}
		}
		return m.store.GetState(ctx, executionID)
	}

	// 终态失败：有补偿则回滚，否则直接 FAILED
	failureMsg := fmt.Sprintf("step %d (%s) failed: %s", step.StepNumber, step.ToolName, result.ErrorMessage)
	if len(st.Compensations) > 0 && m.compensator != nil {
		if _, cerr := m.compensator.Run(ctx, executionID, failureMsg); cerr != nil {
			return nil, pkgerrors.Wrap(cerr, "run compensation")
		}
		return m.store.GetState(ctx, executionID)
	}
	ev := saga.NewEvent(saga.EventExecutionFailed, executionID).
		WithStatus(string(saga.StatusFailed)).
		WithMessage(failureMsg).
		WithTrace(tc.TraceID)
	st, err = m.store.UpdateState(ctx, executionID, func(cur *saga.ExecutionState) error {
		cur.Status = saga.StatusFailed
		cur.Touch()
		return nil
	}, ev)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "mark execution failed")
	}
	if err := m.checkpoints.Clear(ctx, executionID); err != nil && !pkgerrors.Is(err, pkgerrors.ErrNotFound) {
		logger.Warn("checkpoint cleanup failed", "error", err)
	}
	return st, nil
}

// complete 终态转换 COMPLETED（事件走 outbox），清理检查点。
func (m *Machine) complete(ctx context.Context, st *saga.ExecutionState) (*saga.ExecutionState, error) {
	tc := tracing.TraceContextFrom(ctx)
	ev := saga.NewEvent(saga.EventExecutionCompleted, st.ExecutionID).
		WithStatus(string(saga.StatusCompleted)).
		WithTrace(tc.TraceID)
	updated, err := m.store.UpdateState(ctx, st.ExecutionID, func(cur *saga.ExecutionState) error {
		cur.Status = saga.StatusCompleted
		cur.Touch()
		return nil
	}, ev)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "mark completed")
	}
	if err := m.checkpoints.Clear(ctx, st.ExecutionID); err != nil && !pkgerrors.Is(err, pkgerrors.ErrNotFound) {
		m.logger.Warn("checkpoint cleanup failed", "execution_id", st.ExecutionID, "error", err)
	}
	return updated, nil
}

// cancelTombstoned 墓碑命中：未终态的执行落 CANCELLED。
func (m *Machine) cancelTombstoned(ctx context.Context, executionID string) (*saga.ExecutionState, error) {
	st, err := m.store.GetState(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if st.Status.Terminal() {
		return st, nil
	}
	ev := saga.NewEvent(saga.EventExecutionCancelled, executionID).
		WithStatus(string(saga.StatusCancelled))
	return m.store.UpdateState(ctx, executionID, func(cur *saga.ExecutionState) error {
		cur.Status = saga.StatusCancelled
		cur.Touch()
		return nil
	}, ev)
}

func (m *Machine) snapshot(st *saga.ExecutionState, res SegmentResult) SegmentResult {
	if st == nil {
		return res
	}
	res.ExecutionID = st.ExecutionID
	res.Status = st.Status
	res.CompletedSteps = st.CompletedSteps()
	res.TotalSteps = len(st.Plan.Steps)
	res.IsComplete = st.Status.Terminal()
	return res
}

func (m *Machine) publish(ctx context.Context, ev saga.Event, logger *log.Logger) {
	if err := m.bus.Publish(ctx, ev); err != nil {
		logger.Warn("event publish failed", "event_type", ev.EventType, "error", err)
	}
}

func intFromContext(ctx map[string]any, key string) int {
	switch v := ctx[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
