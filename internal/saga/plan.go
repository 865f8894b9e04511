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
	"fmt"
	"time"
)

const (
	// MaxPlanSteps 单个 Plan 的步骤上限
	MaxPlanSteps = 100
	// DefaultStepTimeoutMS 步骤默认超时
	DefaultStepTimeoutMS = 30_000
)

// RetryPolicy 步骤级技术错误重试策略（由 Tool Executor 消费）
type RetryPolicy struct {
	MaxAttempts int   `json:"max_attempts"`
	BackoffMS   int64 `json:"backoff_ms"`
}

// PlanStep 计划中的单个步骤。Dependencies 引用同一 Plan 内更早步骤的 ID。
type PlanStep struct {
	ID                   string         `json:"id"`
	StepNumber           int            `json:"step_number"`
	ToolName             string         `json:"tool_name"`
	ToolVersion          string         `json:"tool_version,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	Dependencies         []string       `json:"dependencies,omitempty"`
	Description          string         `json:"description,omitempty"`
	RequiresConfirmation bool           `json:"requires_confirmation,omitempty"`
	TimeoutMS            int64          `json:"timeout_ms"`
	RetryPolicy          *RetryPolicy   `json:"retry_policy,omitempty"`
}

// PlanConstraints 计划约束（failover 建议以结构化形式写入）
type PlanConstraints struct {
	MaxSteps               int            `json:"max_steps,omitempty"`
	MaxTotalTokens         int            `json:"max_total_tokens,omitempty"`
	MaxExecutionTimeMS     int64          `json:"max_execution_time_ms,omitempty"`
	AllowedTools           []string       `json:"allowed_tools,omitempty"`
	RequireConfirmationFor []string       `json:"require_confirmation_for,omitempty"`
	ParameterOverrides     map[string]any `json:"parameter_overrides,omitempty"`
}

// PlanMetadata 计划元信息
type PlanMetadata struct {
	Version         string    `json:"version"`
	CreatedAt       time.Time `json:"created_at"`
	PlanningModelID string    `json:"planning_model_id,omitempty"`
	ReplanOf        string    `json:"replan_of,omitempty"` // 被替换计划的 ID
}

// Plan 针对一个 Intent 的多步执行计划。steps 按 StepNumber 全序；
// 依赖边只能指向编号更小的步骤。
type Plan struct {
	ID          string          `json:"id"`
	IntentID    string          `json:"intent_id"`
	Steps       []PlanStep      `json:"steps"`
	Constraints PlanConstraints `json:"constraints"`
	Metadata    PlanMetadata    `json:"metadata"`
	Summary     string          `json:"summary,omitempty"`
}

// Validate 入库前校验：步骤上限、编号连续性、ID 唯一、依赖存在且只指向
// 更早步骤、无依赖环。违反任意一条返回 *ValidationError。
func (p *Plan) Validate() error {
	if len(p.Steps) > MaxPlanSteps {
		return &ValidationError{Field: "steps", Message: fmt.Sprintf("plan has %d steps, max %d", len(p.Steps), MaxPlanSteps)}
	}
	byID := make(map[string]int, len(p.Steps))
	for i, s := range p.Steps {
		if s.ID == "" {
			return &ValidationError{Field: fmt.Sprintf("steps[%d].id", i), Message: "step id required"}
		}
		if s.StepNumber != i {
			return &ValidationError{Field: fmt.Sprintf("steps[%d].step_number", i), Message: fmt.Sprintf("expected %d, got %d", i, s.StepNumber)}
		}
		if s.ToolName == "" {
			return &ValidationError{Field: fmt.Sprintf("steps[%d].tool_name", i), Message: "tool name required"}
		}
		if s.TimeoutMS <= 0 {
			return &ValidationError{Field: fmt.Sprintf("steps[%d].timeout_ms", i), Message: "timeout must be positive"}
		}
		if _, dup := byID[s.ID]; dup {
			return &ValidationError{Field: fmt.Sprintf("steps[%d].id", i), Message: "duplicate step id " + s.ID}
		}
		byID[s.ID] = i
	}
	for i, s := range p.Steps {
		for _, dep := range s.Dependencies {
			j, ok := byID[dep]
			if !ok {
				return &ValidationError{Field: fmt.Sprintf("steps[%d].dependencies", i), Message: "unknown dependency " + dep}
			}
			if j >= i {
				return &ValidationError{Field: fmt.Sprintf("steps[%d].dependencies", i), Message: fmt.Sprintf("dependency %s does not point backward", dep)}
			}
		}
	}
	// 依赖边强制指向更小编号，理论上已无环；显式 DFS 防御序列化层改动。
	if cyc := p.findCycle(byID); cyc != "" {
		return &ValidationError{Field: "steps", Message: "dependency cycle through " + cyc}
	}
	return nil
}

func (p *Plan) findCycle(byID map[string]int) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(p.Steps))
	var visit func(i int) string
	visit = func(i int) string {
		color[i] = gray
		for _, dep := range p.Steps[i].Dependencies {
			j := byID[dep]
			switch color[j] {
			case gray:
				return p.Steps[j].ID
			case white:
				if c := visit(j); c != "" {
					return c
				}
			}
		}
		color[i] = black
		return ""
	}
	for i := range p.Steps {
		if color[i] == white {
			if c := visit(i); c != "" {
				return c
			}
		}
	}
	return ""
}

// StepByID 按 ID 查找步骤，找不到返回 nil
func (p *Plan) StepByID(id string) *PlanStep {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// ValidationError 计划/请求校验错误，Field 为字段路径
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
