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

// Package replan 消费重规划标记并重建执行计划（C9）。
// failover 建议以结构化参数覆盖注入规划器，不重新推断意图文本；
// 旧计划的步骤 ID 全部作废，避免与步骤幂等锁撞车。
package replan

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"saga-platform/internal/eventbus"
	"saga-platform/internal/planner"
	"saga-platform/internal/queue"
	"saga-platform/internal/saga"
	"saga-platform/internal/statestore"
	pkgerrors "saga-platform/pkg/errors"
	"saga-platform/pkg/log"
	"saga-platform/pkg/metrics"
	"saga-platform/pkg/tracing"
)

// Replanner 重规划器。
type Replanner struct {
	store      statestore.Store
	planner    planner.Planner
	queue      queue.Enqueuer
	bus        eventbus.Bus
	maxReplans int
	logger     *log.Logger
}

// New 创建重规划器。maxReplans<=0 时取 3。
func New(store statestore.Store, p planner.Planner, q queue.Enqueuer, bus eventbus.Bus, maxReplans int, logger *log.Logger) *Replanner {
	if maxReplans <= 0 {
		maxReplans = 3
	}
	return &Replanner{
		store:      store,
		planner:    p,
		queue:      q,
		bus:        bus,
		maxReplans: maxReplans,
		logger:     logger.Component("replanner"),
	}
}

// Replan 消费标记并重建计划。标记不存在返回 (false, nil)（幂等无操作）。
// 重规划深度超限时不再重建，返回错误交调用方走补偿路径。
func (r *Replanner) Replan(ctx context.Context, executionID string) (bool, error) {
	logger := r.logger.WithExecution(executionID)

	marker, err := r.store.TakeReplanMarker(ctx, executionID)
	if err != nil {
		return false, pkgerrors.Wrap(err, "take replan marker")
	}
	if marker == nil {
		return false, nil
	}
	if marker.AttemptCount > r.maxReplans {
		return false, pkgerrors.Wrapf(pkgerrors.ErrInvalidArg,
			"replan depth %d exceeds limit %d", marker.AttemptCount, r.maxReplans)
	}

	ctx, span := tracing.StartReplanSpan(ctx, executionID, marker.FailureReason)
	defer span.End()
	tc := tracing.TraceContextFrom(ctx)

	st, err := r.store.GetState(ctx, executionID)
	if err != nil {
		return false, err
	}
	if st.Status.Terminal() {
		return false, nil
	}

	constraints := st.Plan.Constraints
	var chosen *saga.Suggestion
	if len(marker.Suggestions) > 0 {
		chosen = &marker.Suggestions[0]
	}
	constraints = planner.ApplySuggestion(constraints, chosen)

	// RETRY 建议 = 同参重建：无建议注入，新计划与旧计划结构一致但步骤 ID 全新
	intent := st.Intent
	if chosen != nil {
		intent = st.Intent.Supersede(uuid.NewString(), mergeParams(st.Intent.Parameters, chosen.Parameters), "replan")
	}

	newPlan, err := r.planner.PlanIntent(ctx, intent, constraints)
	if err != nil {
		return false, pkgerrors.Wrap(err, "synthesize replacement plan")
	}
	newPlan.Metadata.ReplanOf = st.Plan.ID
	if err := newPlan.Validate(); err != nil {
		return false, pkgerrors.Wrap(err, "validate replacement plan")
	}

	reason := fmt.Sprintf("%s -> %s", marker.FailureReason, marker.RecommendedAction)
	ev := saga.NewEvent(saga.EventAutomaticReplan, executionID).
		WithStatus(marker.RecommendedAction).
		WithMessage(reason).
		WithTrace(tc.TraceID)
	updated, err := r.store.UpdateState(ctx, executionID, func(cur *saga.ExecutionState) error {
		cur.Intent = intent
		cur.RebasePlan(newPlan, reason)
		if cur.Context == nil {
			cur.Context = make(map[string]any)
		}
		cur.Context["replan_count"] = marker.AttemptCount
		return nil
	}, ev)
	if err != nil {
		return false, pkgerrors.Wrap(err, "rebase plan")
	}
	metrics.ReplanTotal.WithLabelValues(marker.FailureReason).Inc()

	logger.Info("execution replanned",
		"failure_reason", marker.FailureReason,
		"action", marker.RecommendedAction,
		"attempt", marker.AttemptCount,
		"old_plan", st.Plan.ID, "new_plan", updated.Plan.ID)

	if err := r.queue.EnqueueStep(ctx, queue.NewJob(executionID, 0, tc.TraceID, tc.CorrelationID)); err != nil {
		return false, pkgerrors.Wrap(err, "enqueue replanned step 0")
	}
	return true, nil
}

func mergeParams(base, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
