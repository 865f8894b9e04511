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

package saga

import (
	"time"
)

// ExecutionStatus 执行状态机：
// CREATED → PLANNED → EXECUTING ↔ AWAITING_RESUME → {COMPLETED, COMPENSATING → FAILED, CANCELLED}
type ExecutionStatus string

const (
	StatusCreated        ExecutionStatus = "CREATED"
	StatusPlanned        ExecutionStatus = "PLANNED"
	StatusExecuting      ExecutionStatus = "EXECUTING"
	StatusAwaitingResume ExecutionStatus = "AWAITING_RESUME"
	StatusCompensating   ExecutionStatus = "COMPENSATING"
	StatusCompleted      ExecutionStatus = "COMPLETED"
	StatusFailed         ExecutionStatus = "FAILED"
	StatusCancelled      ExecutionStatus = "CANCELLED"
)

// Terminal 终态判定
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active 活跃状态（DLQ Monitor 扫描对象）
func (s ExecutionStatus) Active() bool {
	return s == StatusExecuting || s == StatusAwaitingResume || s == StatusCompensating
}

// StepStatus 步骤状态
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepRunning     StepStatus = "running"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
	StepSkipped     StepStatus = "skipped"
	StepCompensated StepStatus = "compensated"
)

// StepError 步骤错误（code 取 §7 错误分类，message 为工具原文）
type StepError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StepState 单步骤执行状态
type StepState struct {
	StepID                 string         `json:"step_id"`
	Status                 StepStatus     `json:"status"`
	StartedAt              *time.Time     `json:"started_at,omitempty"`
	FinishedAt             *time.Time     `json:"finished_at,omitempty"`
	Attempts               int            `json:"attempts"`
	InputSnapshot          map[string]any `json:"input_snapshot,omitempty"`
	Output                 map[string]any `json:"output,omitempty"`
	Error                  *StepError     `json:"error,omitempty"`
	CompensationRegistered bool           `json:"compensation_registered,omitempty"`
	LatencyMS              int64          `json:"latency_ms,omitempty"`
}

// CheckpointRef 段边界游标。Cursor 为下一个待执行的 step_number。
type CheckpointRef struct {
	Cursor           int       `json:"cursor"`
	SegmentNumber    int       `json:"segment_number"`
	Reason           string    `json:"reason"`
	StateSnapshotRef string    `json:"state_snapshot_ref,omitempty"`
	TraceID          string    `json:"trace_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// PlanRevision 历史计划（replan 时旧计划归档于此）
type PlanRevision struct {
	Plan       Plan      `json:"plan"`
	ReplacedAt time.Time `json:"replaced_at"`
	Reason     string    `json:"reason,omitempty"`
}

// ExecutionState 一次执行的完整持久状态。每个 execution_id 恰有一份；
// 仅持有 exec:{id}:lock 的 worker 可写；所有多字段更新走 CAS-on-version。
type ExecutionState struct {
	ExecutionID    string               `json:"execution_id"`
	Intent         Intent               `json:"intent"`
	Plan           Plan                 `json:"plan"`
	Status         ExecutionStatus      `json:"status"`
	StepStates     []StepState          `json:"step_states"`
	Context        map[string]any       `json:"context,omitempty"`
	Version        int64                `json:"version"`
	SegmentNumber  int                  `json:"segment_number"`
	Checkpoint     *CheckpointRef       `json:"checkpoint,omitempty"`
	Compensations  []CompensationRecord `json:"compensations,omitempty"`
	PlanHistory    []PlanRevision       `json:"plan_history,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
	LastActivityAt time.Time            `json:"last_activity_at"`
}

// NewExecutionState 由入口点创建初始状态（status=CREATED，version=0）
func NewExecutionState(executionID string, intent Intent, plan Plan) *ExecutionState {
	now := time.Now().UTC()
	st := &ExecutionState{
		ExecutionID:    executionID,
		Intent:         intent,
		Plan:           plan,
		Status:         StatusCreated,
		StepStates:     make([]StepState, len(plan.Steps)),
		Context:        make(map[string]any),
		Version:        0,
		SegmentNumber:  0,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
	for i, step := range plan.Steps {
		st.StepStates[i] = StepState{StepID: step.ID, Status: StepPending}
	}
	return st
}

// StepStateByID 按步骤 ID 查找，找不到返回 nil
func (s *ExecutionState) StepStateByID(stepID string) *StepState {
	for i := range s.StepStates {
		if s.StepStates[i].StepID == stepID {
			return &s.StepStates[i]
		}
	}
	return nil
}

// NextReadyStep 选择下一个可执行步骤：status=pending 且所有依赖均 completed
// 的最小 step_number。无候选时返回 -1。
func (s *ExecutionState) NextReadyStep() int {
	for i := range s.Plan.Steps {
		ss := s.StepStateByID(s.Plan.Steps[i].ID)
		if ss == nil || ss.Status != StepPending {
			continue
		}
		ready := true
		for _, dep := range s.Plan.Steps[i].Dependencies {
			depState := s.StepStateByID(dep)
			if depState == nil || depState.Status != StepCompleted {
				ready = false
				break
			}
		}
		if ready {
			return i
		}
	}
	return -1
}

// CompletedSteps 已完成步骤数（含 skipped，与 API completedSteps 语义一致）
func (s *ExecutionState) CompletedSteps() int {
	n := 0
	for _, ss := range s.StepStates {
		if ss.Status == StepCompleted || ss.Status == StepSkipped {
			n++
		}
	}
	return n
}

// HasFailedStep 是否存在 failed 步骤
func (s *ExecutionState) HasFailedStep() bool {
	for _, ss := range s.StepStates {
		if ss.Status == StepFailed {
			return true
		}
	}
	return false
}

// AllStepsSettled 所有步骤均达 completed/skipped（计划执行完毕）
func (s *ExecutionState) AllStepsSettled() bool {
	for _, ss := range s.StepStates {
		if ss.Status != StepCompleted && ss.Status != StepSkipped {
			return false
		}
	}
	return true
}

// RebasePlan 以新计划重建执行状态（replanner 使用）：旧计划入 PlanHistory，
// step_states 重置为 pending（全新 step id），状态回到 PLANNED。
// 已登记的 Compensations 保留 —— 旧计划的副作用仍归补偿器管辖。
func (s *ExecutionState) RebasePlan(newPlan Plan, reason string) {
	now := time.Now().UTC()
	s.PlanHistory = append(s.PlanHistory, PlanRevision{Plan: s.Plan, ReplacedAt: now, Reason: reason})
	s.Plan = newPlan
	s.StepStates = make([]StepState, len(newPlan.Steps))
	for i, step := range newPlan.Steps {
		s.StepStates[i] = StepState{StepID: step.ID, Status: StepPending}
	}
	s.Status = StatusPlanned
	s.Checkpoint = nil
	s.UpdatedAt = now
	s.LastActivityAt = now
}

// Touch 更新活动时间（DLQ Monitor 依据 LastActivityAt 判定僵尸）
func (s *ExecutionState) Touch() {
	now := time.Now().UTC()
	s.UpdatedAt = now
	s.LastActivityAt = now
}

// Clone 深拷贝，供 OCC 重试时基于旧状态重放 delta
func (s *ExecutionState) Clone() *ExecutionState {
	cp := *s
	cp.StepStates = make([]StepState, len(s.StepStates))
	copy(cp.StepStates, s.StepStates)
	for i := range cp.StepStates {
		cp.StepStates[i].InputSnapshot = cloneMap(s.StepStates[i].InputSnapshot)
		cp.StepStates[i].Output = cloneMap(s.StepStates[i].Output)
		if s.StepStates[i].Error != nil {
			e := *s.StepStates[i].Error
			cp.StepStates[i].Error = &e
		}
	}
	cp.Context = cloneMap(s.Context)
	cp.Compensations = make([]CompensationRecord, len(s.Compensations))
	copy(cp.Compensations, s.Compensations)
	for i := range cp.Compensations {
		cp.Compensations[i].Parameters = cloneMap(s.Compensations[i].Parameters)
	}
	cp.PlanHistory = make([]PlanRevision, len(s.PlanHistory))
	copy(cp.PlanHistory, s.PlanHistory)
	if s.Checkpoint != nil {
		ck := *s.Checkpoint
		cp.Checkpoint = &ck
	}
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
