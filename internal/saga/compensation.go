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
	"sort"
	"time"
)

// CompensationRecipe 工具返回的补偿配方：按值持有，不回指步骤
type CompensationRecipe struct {
	ToolName   string         `json:"tool_name"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// CompensationOutcome 补偿执行结果
type CompensationOutcome string

const (
	CompensationSucceeded CompensationOutcome = "succeeded"
	CompensationFailed    CompensationOutcome = "failed"
	CompensationSkipped   CompensationOutcome = "skipped"
)

// CompensationRecord 已登记补偿。EXECUTING 阶段只追加，COMPENSATING 阶段消费；
// 按 RegisteredAt 升序登记，降序回放。
type CompensationRecord struct {
	StepID       string              `json:"step_id"`
	StepNumber   int                 `json:"step_number"`
	ToolName     string              `json:"tool_name"`
	// ForTool 产生该补偿的正向工具。needs-compensation 表按它裁定是否跳过回放。
	ForTool      string              `json:"for_tool,omitempty"`
	Parameters   map[string]any      `json:"parameters,omitempty"`
	RegisteredAt time.Time           `json:"registered_at"`
	ExecutedAt   *time.Time          `json:"executed_at,omitempty"`
	Outcome      CompensationOutcome `json:"outcome,omitempty"`
	Error        string              `json:"error,omitempty"`
}

// PlaybackOrder 返回补偿回放顺序的索引序列：RegisteredAt 严格降序，
// 时间相同时按 StepNumber 降序破平。
func PlaybackOrder(records []CompensationRecord) []int {
	idx := make([]int, len(records))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ra, rb := records[idx[a]], records[idx[b]]
		if !ra.RegisteredAt.Equal(rb.RegisteredAt) {
			return ra.RegisteredAt.After(rb.RegisteredAt)
		}
		return ra.StepNumber > rb.StepNumber
	})
	return idx
}

// CompensationSummary 补偿汇总，写入 state.Context["compensation_summary"]
type CompensationSummary struct {
	Attempted int                   `json:"attempted"`
	Succeeded int                   `json:"succeeded"`
	Failed    int                   `json:"failed"`
	Skipped   int                   `json:"skipped"`
	Records   []CompensationRecord  `json:"records"`
}
