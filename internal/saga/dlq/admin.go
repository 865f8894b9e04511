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

package dlq

import (
	"context"
	"sort"
	"strings"
	"time"

	"saga-platform/internal/eventbus"
	"saga-platform/internal/queue"
	"saga-platform/internal/saga"
	"saga-platform/internal/statestore"
	pkgerrors "saga-platform/pkg/errors"
	"saga-platform/pkg/log"
)

// CompensationRunner 取消时的补偿入口（C7）。
type CompensationRunner interface {
	Run(ctx context.Context, executionID, failureMessage string) (*saga.CompensationSummary, error)
}

// Admin 死信人工干预操作。
type Admin struct {
	store       statestore.Store
	queue       queue.Enqueuer
	bus         eventbus.Bus
	compensator CompensationRunner
	logger      *log.Logger
}

// NewAdmin 创建管理操作入口。
func NewAdmin(store statestore.Store, q queue.Enqueuer, bus eventbus.Bus, comp CompensationRunner, logger *log.Logger) *Admin {
	return &Admin{store: store, queue: q, bus: bus, compensator: comp, logger: logger.Component("dlq-admin")}
}

// ListFilter 死信列表过滤与分页。
type ListFilter struct {
	Status      saga.ExecutionStatus `json:"status,omitempty"`
	MinInactive time.Duration        `json:"min_inactive,omitempty"`
	Limit       int                  `json:"limit,omitempty"`
	Offset      int                  `json:"offset,omitempty"`
	SortBy      string               `json:"sort_by,omitempty"`    // moved_at | last_activity_at | recovery_attempts
	SortOrder   string               `json:"sort_order,omitempty"` // asc | desc
}

// List 过滤、排序并分页死信条目。
func (a *Admin) List(ctx context.Context, f ListFilter) ([]saga.DLQEntry, int, error) {
	entries, err := a.store.ListDLQEntries(ctx)
	if err != nil {
		return nil, 0, err
	}
	now := time.Now().UTC()
	filtered := entries[:0]
	for _, e := range entries {
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.MinInactive > 0 && now.Sub(e.LastActivityAt) < f.MinInactive {
			continue
		}
		filtered = append(filtered, e)
	}

	less := func(a, b saga.DLQEntry) bool { return a.MovedAt.Before(b.MovedAt) }
	switch f.SortBy {
	case "last_activity_at":
		less = func(a, b saga.DLQEntry) bool { return a.LastActivityAt.Before(b.LastActivityAt) }
	case "recovery_attempts":
		less = func(a, b saga.DLQEntry) bool { return a.RecoveryAttempts < b.RecoveryAttempts }
	}
	desc := f.SortOrder != "asc"
	sort.SliceStable(filtered, func(i, j int) bool {
		if desc {
			return less(filtered[j], filtered[i])
		}
		return less(filtered[i], filtered[j])
	})

	total := len(filtered)
	if f.Offset > 0 {
		if f.Offset >= len(filtered) {
			return []saga.DLQEntry{}, total, nil
		}
		filtered = filtered[f.Offset:]
	}
	if f.Limit > 0 && len(filtered) > f.Limit {
		filtered = filtered[:f.Limit]
	}
	return filtered, total, nil
}

// Stats 死信统计。
type Stats struct {
	Total           int                          `json:"total"`
	ByStatus        map[saga.ExecutionStatus]int `json:"by_status"`
	ByIntentType    map[saga.IntentType]int      `json:"by_intent_type"`
	OldestMovedAt   *time.Time                   `json:"oldest_moved_at,omitempty"`
	TotalRecoveries int                          `json:"total_recovery_attempts"`
	RequiringHuman  int                          `json:"requiring_human_intervention"`
}

// GetStats 汇总当前死信队列。
func (a *Admin) GetStats(ctx context.Context) (Stats, error) {
	entries, err := a.store.ListDLQEntries(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{
		Total:        len(entries),
		ByStatus:     make(map[saga.ExecutionStatus]int),
		ByIntentType: make(map[saga.IntentType]int),
	}
	for _, e := range entries {
		s.ByStatus[e.Status]++
		if e.IntentType != "" {
			s.ByIntentType[e.IntentType]++
		}
		s.TotalRecoveries += e.RecoveryAttempts
		if e.RequiresHumanIntervention {
			s.RequiringHuman++
		}
		if s.OldestMovedAt == nil || e.MovedAt.Before(*s.OldestMovedAt) {
			t := e.MovedAt
			s.OldestMovedAt = &t
		}
	}
	return s, nil
}

// Get 读取单个死信条目。
func (a *Admin) Get(ctx context.Context, executionID string) (*saga.DLQEntry, error) {
	return a.store.GetDLQEntry(ctx, executionID)
}

// ResumeRequest 人工恢复请求。
type ResumeRequest struct {
	// FixedParameters 按步骤 ID 修正参数（与原参数合并，同名覆盖）。
	FixedParameters map[string]map[string]any `json:"fixed_parameters,omitempty"`
	// SkipSteps 标记为 skipped 的步骤 ID。
	SkipSteps []string `json:"skip_steps,omitempty"`
	// ResumeFromStep 指定续跑步骤号；nil 时从下一个就绪步骤继续。
	ResumeFromStep *int   `json:"resume_from_step,omitempty"`
	Reason         string `json:"reason"`
	AdminUserID    string `json:"admin_user_id"`
}

func (r ResumeRequest) validate() error {
	if len(strings.TrimSpace(r.Reason)) < 10 {
		return &saga.ValidationError{Field: "reason", Message: "reason must be at least 10 characters"}
	}
	if strings.TrimSpace(r.AdminUserID) == "" {
		return &saga.ValidationError{Field: "admin_user_id", Message: "admin user id required"}
	}
	return nil
}

// Resume 人工恢复：应用参数修正与跳步，失败步骤复位 pending，
// 移除死信条目并重新入队。
func (a *Admin) Resume(ctx context.Context, executionID string, req ResumeRequest) (*saga.ExecutionState, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if _, err := a.store.GetDLQEntry(ctx, executionID); err != nil {
		return nil, err
	}

	skip := make(map[string]bool, len(req.SkipSteps))
	for _, id := range req.SkipSteps {
		skip[id] = true
	}

	var rearmed []int
	st, err := a.store.UpdateState(ctx, executionID, func(cur *saga.ExecutionState) error {
		if cur.Status.Terminal() {
			return pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "execution already %s", cur.Status)
		}
		rearmed = rearmed[:0]
		for i := range cur.Plan.Steps {
			step := &cur.Plan.Steps[i]
			if fixes, ok := req.FixedParameters[step.ID]; ok {
				if step.Parameters == nil {
					step.Parameters = make(map[string]any)
				}
				for k, v := range fixes {
					step.Parameters[k] = v
				}
			}
		}
		for i := range cur.StepStates {
			ss := &cur.StepStates[i]
			if skip[ss.StepID] {
				ss.Status = saga.StepSkipped
				ss.Error = nil
				continue
			}
			if ss.Status == saga.StepFailed || ss.Status == saga.StepRunning {
				ss.Status = saga.StepPending
				ss.Error = nil
				ss.StartedAt = nil
				ss.FinishedAt = nil
				rearmed = append(rearmed, i)
			}
		}
		cur.Status = saga.StatusExecuting
		cur.SegmentNumber++
		delete(cur.Context, recoveryAttemptsKey)
		cur.Touch()
		return nil
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "apply dlq resume")
	}

	// 人工续跑是经授权的重新执行：复位步骤的幂等锁一并解除，
	// 否则重投闸门会把续跑投递当成重复投递拒掉
	for _, i := range rearmed {
		if rerr := a.store.ReleaseStepLock(ctx, executionID, i); rerr != nil {
			a.logger.Warn("step lock release failed", "execution_id", executionID, "step_index", i, "error", rerr)
		}
	}

	if err := a.store.DeleteDLQEntry(ctx, executionID); err != nil && !pkgerrors.Is(err, pkgerrors.ErrNotFound) {
		a.logger.Warn("dlq entry cleanup failed", "execution_id", executionID, "error", err)
	}

	// 游标只落在可执行的步骤上：指向已结算步骤的投递会被幂等闸门拒绝
	cursor := st.NextReadyStep()
	if req.ResumeFromStep != nil {
		if i := *req.ResumeFromStep; i >= 0 && i < len(st.Plan.Steps) {
			if ss := st.StepStateByID(st.Plan.Steps[i].ID); ss != nil && ss.Status == saga.StepPending {
				cursor = i
			}
		}
	}
	if cursor < 0 || cursor >= len(st.Plan.Steps) {
		cursor = 0
	}

	stepID := ""
	if cursor < len(st.Plan.Steps) {
		stepID = st.Plan.Steps[cursor].ID
	}
	ev := saga.NewEvent(saga.EventExecutionResumed, executionID).
		WithStep(stepID, st.SegmentNumber).
		WithMessage("admin resume by " + req.AdminUserID + ": " + req.Reason)
	if err := a.bus.Publish(ctx, ev); err != nil {
		a.logger.Warn("resume event publish failed", "execution_id", executionID, "error", err)
	}

	if err := a.queue.EnqueueStep(ctx, queue.NewJob(executionID, cursor, "", "")); err != nil {
		return nil, pkgerrors.Wrap(err, "enqueue admin resume")
	}
	a.logger.Info("execution resumed from dlq",
		"execution_id", executionID, "admin", req.AdminUserID, "cursor", cursor)
	return st, nil
}

// CancelRequest 人工取消请求。
type CancelRequest struct {
	Reason              string `json:"reason"`
	AdminUserID         string `json:"admin_user_id"`
	AttemptCompensation bool   `json:"attempt_compensation"`
}

func (r CancelRequest) validate() error {
	if len(strings.TrimSpace(r.Reason)) < 10 {
		return &saga.ValidationError{Field: "reason", Message: "reason must be at least 10 characters"}
	}
	if strings.TrimSpace(r.AdminUserID) == "" {
		return &saga.ValidationError{Field: "admin_user_id", Message: "admin user id required"}
	}
	return nil
}

// Cancel 人工取消：写墓碑阻断后续段，按需补偿，落 CANCELLED，移除死信条目。
func (a *Admin) Cancel(ctx context.Context, executionID string, req CancelRequest) (*saga.ExecutionState, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	st, err := a.store.GetState(ctx, executionID)
	if err != nil {
		return nil, err
	}
	// 终态只读：执行已自行了结时不动状态，只清掉过期的死信条目
	if st.Status.Terminal() {
		if derr := a.store.DeleteDLQEntry(ctx, executionID); derr != nil && !pkgerrors.Is(derr, pkgerrors.ErrNotFound) {
			a.logger.Warn("dlq entry cleanup failed", "execution_id", executionID, "error", derr)
		}
		a.logger.Info("cancel skipped, execution already terminal",
			"execution_id", executionID, "status", st.Status, "admin", req.AdminUserID)
		return st, nil
	}

	if err := a.store.PutTombstone(ctx, executionID, req.Reason); err != nil {
		return nil, pkgerrors.Wrap(err, "put tombstone")
	}

	if req.AttemptCompensation && len(st.Compensations) > 0 && a.compensator != nil {
		// 补偿器落 FAILED；取消语义由最终转换改写为 CANCELLED
		if _, err := a.compensator.Run(ctx, executionID, "cancelled by "+req.AdminUserID); err != nil {
			a.logger.Warn("cancellation compensation failed", "execution_id", executionID, "error", err)
		}
	}

	ev := saga.NewEvent(saga.EventExecutionCancelled, executionID).
		WithStatus(string(saga.StatusCancelled)).
		WithMessage("cancelled by " + req.AdminUserID + ": " + req.Reason)
	st, err = a.store.UpdateState(ctx, executionID, func(cur *saga.ExecutionState) error {
		// 只允许改写非终态或本次补偿落下的 FAILED；并发跑完的 COMPLETED 不动
		if cur.Status.Terminal() && cur.Status != saga.StatusFailed {
			return nil
		}
		cur.Status = saga.StatusCancelled
		cur.Touch()
		return nil
	}, ev)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "mark cancelled")
	}

	if err := a.store.DeleteDLQEntry(ctx, executionID); err != nil && !pkgerrors.Is(err, pkgerrors.ErrNotFound) {
		a.logger.Warn("dlq entry cleanup failed", "execution_id", executionID, "error", err)
	}
	if err := a.store.DeleteCheckpoint(ctx, executionID); err != nil && !pkgerrors.Is(err, pkgerrors.ErrNotFound) {
		a.logger.Warn("checkpoint cleanup failed", "execution_id", executionID, "error", err)
	}
	a.logger.Info("execution cancelled from dlq", "execution_id", executionID, "admin", req.AdminUserID)
	return st, nil
}
