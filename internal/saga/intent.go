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

// Package saga 定义执行引擎的核心数据模型：Intent、Plan、ExecutionState、
// CompensationRecord 与事件类型。所有实体可 JSON 序列化，时间戳为 UTC。
package saga

import "time"

// IntentType 意图类型
type IntentType string

const (
	IntentSchedule              IntentType = "SCHEDULE"
	IntentSearch                IntentType = "SEARCH"
	IntentAction                IntentType = "ACTION"
	IntentQuery                 IntentType = "QUERY"
	IntentPlanning              IntentType = "PLANNING"
	IntentAnalysis              IntentType = "ANALYSIS"
	IntentUnknown               IntentType = "UNKNOWN"
	IntentClarificationRequired IntentType = "CLARIFICATION_REQUIRED"
	IntentServiceDegraded       IntentType = "SERVICE_DEGRADED"
)

// Intent 用户意图。不可变：改写意图时创建新 Intent 并通过 ParentIntentID 关联。
type Intent struct {
	ID             string         `json:"id"`
	ParentIntentID string         `json:"parent_intent_id,omitempty"`
	Type           IntentType     `json:"type"`
	Confidence     float64        `json:"confidence"` // [0,1]
	Parameters     map[string]any `json:"parameters,omitempty"`
	RawText        string         `json:"raw_text"`
	Metadata       IntentMetadata `json:"metadata"`
}

// IntentMetadata 意图元信息
type IntentMetadata struct {
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`             // chat | replan | admin
	ModelID   string    `json:"model_id,omitempty"` // 模型解析时记录
}

// Supersede 基于当前意图创建子意图（参数结构化改写，保留谱系）
func (i Intent) Supersede(id string, params map[string]any, source string) Intent {
	next := i
	next.ID = id
	next.ParentIntentID = i.ID
	next.Parameters = params
	next.Metadata = IntentMetadata{
		Version:   i.Metadata.Version,
		Timestamp: time.Now().UTC(),
		Source:    source,
		ModelID:   i.Metadata.ModelID,
	}
	return next
}
