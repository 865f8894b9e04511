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

// Package planner 把意图编译为工具执行计划。
// 重规划路径复用同一入口：failover 建议以 PlanConstraints.ParameterOverrides
// 结构化注入，绝不走文本再推断。
package planner

import (
	"context"
	"time"

	"github.com/google/uuid"

	"saga-platform/internal/saga"
	pkgerrors "saga-platform/pkg/errors"
)

// Planner 计划合成接口。
type Planner interface {
	// PlanIntent 针对意图合成计划。constraints 携带结构化改写
	// （重规划时来自 failover 建议）；返回的计划已通过 Validate。
	PlanIntent(ctx context.Context, intent saga.Intent, constraints saga.PlanConstraints) (saga.Plan, error)
}

// ApplySuggestion 把 failover 建议折进约束。建议参数覆盖同名意图参数。
func ApplySuggestion(constraints saga.PlanConstraints, s *saga.Suggestion) saga.PlanConstraints {
	if s == nil {
		return constraints
	}
	if constraints.ParameterOverrides == nil {
		constraints.ParameterOverrides = make(map[string]any)
	}
	for k, v := range s.Parameters {
		constraints.ParameterOverrides[k] = v
	}
	return constraints
}

// Rule 规则规划器：意图类型 → 固定步骤骨架，参数来自意图与覆盖项。
type Rule struct{}

// NewRule 创建规则规划器。
func NewRule() *Rule { return &Rule{} }

func (p *Rule) PlanIntent(ctx context.Context, intent saga.Intent, constraints saga.PlanConstraints) (saga.Plan, error) {
	params := mergedParams(intent, constraints)

	var steps []stepSpec
	switch intent.Type {
	case saga.IntentSchedule:
		steps = scheduleSteps(params)
	case saga.IntentAction, saga.IntentPlanning:
		steps = bookingSteps(params)
	case saga.IntentSearch, saga.IntentQuery:
		steps = []stepSpec{{tool: "search_restaurants", desc: "search matching restaurants", params: pick(params, "query", "location")}}
	default:
		return saga.Plan{}, pkgerrors.Wrapf(pkgerrors.ErrPlanInvalid, "no plan template for intent type %s", intent.Type)
	}

	plan := assemble(intent, steps)
	plan.Constraints = constraints
	if err := plan.Validate(); err != nil {
		return saga.Plan{}, err
	}
	return plan, nil
}

type stepSpec struct {
	tool   string
	desc   string
	params map[string]any
	deps   []int // 前置步骤下标
}

func scheduleSteps(params map[string]any) []stepSpec {
	var steps []stepSpec
	if _, ok := params["location"]; ok {
		steps = append(steps, stepSpec{tool: "geocode_location", desc: "resolve event location", params: pick(params, "location")})
	}
	cal := stepSpec{tool: "add_calendar_event", desc: "create the calendar event", params: pick(params, "title", "start_time", "simulate_failure")}
	if len(steps) > 0 {
		cal.deps = []int{0}
	}
	calIdx := len(steps)
	steps = append(steps, cal)
	steps = append(steps, stepSpec{
		tool:   "send_notification",
		desc:   "confirm the event to the user",
		params: map[string]any{"message": "Your event has been scheduled."},
		deps:   []int{calIdx},
	})
	return steps
}

func bookingSteps(params map[string]any) []stepSpec {
	var steps []stepSpec
	if _, ok := params["restaurant"]; !ok {
		steps = append(steps, stepSpec{tool: "search_restaurants", desc: "find a restaurant", params: pick(params, "query", "location")})
	}
	book := stepSpec{
		tool:   "book_restaurant_table",
		desc:   "book the table",
		params: pick(params, "restaurant", "party_size", "time", "simulate_failure"),
	}
	if len(steps) > 0 {
		book.deps = []int{0}
	}
	bookIdx := len(steps)
	steps = append(steps, book)

	if _, ok := params["ride_to"]; ok {
		steps = append(steps, stepSpec{
			tool:   "request_ride",
			desc:   "arrange a ride to the restaurant",
			params: map[string]any{"to": params["ride_to"]},
			deps:   []int{bookIdx},
		})
	}
	steps = append(steps, stepSpec{
		tool:   "send_notification",
		desc:   "confirm the booking to the user",
		params: map[string]any{"message": "Your booking is confirmed."},
		deps:   []int{bookIdx},
	})
	return steps
}

func assemble(intent saga.Intent, specs []stepSpec) saga.Plan {
	plan := saga.Plan{
		ID:       uuid.NewString(),
		IntentID: intent.ID,
		Metadata: saga.PlanMetadata{Version: "1", CreatedAt: time.Now().UTC()},
	}
	ids := make([]string, len(specs))
	for i := range specs {
		ids[i] = uuid.NewString()
	}
	for i, s := range specs {
		deps := make([]string, 0, len(s.deps))
		for _, d := range s.deps {
			deps = append(deps, ids[d])
		}
		plan.Steps = append(plan.Steps, saga.PlanStep{
			ID:           ids[i],
			StepNumber:   i,
			ToolName:     s.tool,
			Parameters:   s.params,
			Dependencies: deps,
			Description:  s.desc,
			TimeoutMS:    saga.DefaultStepTimeoutMS,
		})
	}
	return plan
}

func mergedParams(intent saga.Intent, constraints saga.PlanConstraints) map[string]any {
	out := make(map[string]any, len(intent.Parameters)+len(constraints.ParameterOverrides))
	for k, v := range intent.Parameters {
		out[k] = v
	}
	for k, v := range constraints.ParameterOverrides {
		out[k] = v
	}
	return out
}

func pick(params map[string]any, keys ...string) map[string]any {
	out := make(map[string]any)
	for _, k := range keys {
		if v, ok := params[k]; ok {
			out[k] = v
		}
	}
	return out
}
