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

import "time"

// ReplanMarker exec:{id}:replan 标记（TTL ≈ 300s）。C5 在可恢复失败时写入，
// C9 以 get-and-clear 消费；过期意味着 replan 未被及时处理，交由 DLQ Monitor。
type ReplanMarker struct {
	ExecutionID       string         `json:"execution_id"`
	FailedStepID      string         `json:"failed_step_id"`
	FailedStepNumber  int            `json:"failed_step_number"`
	FailureReason     string         `json:"failure_reason"`
	RecommendedAction string         `json:"recommended_action"`
	MessageTemplate   string         `json:"message_template,omitempty"`
	Suggestions       []Suggestion   `json:"suggestions,omitempty"`
	AttemptCount      int            `json:"attempt_count"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// Suggestion failover 引擎给出的结构化替代建议
type Suggestion struct {
	Kind       string         `json:"kind"` // alternative_time | alternative_restaurant | alternative_date | delivery | waitlist
	Label      string         `json:"label,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// DLQEntry dlq:saga:{id} 条目（TTL ≈ 7d）
type DLQEntry struct {
	ExecutionID               string        `json:"execution_id"`
	Status                    ExecutionStatus `json:"status"`
	RequiresHumanIntervention bool          `json:"requires_human_intervention"`
	FailedStepIDs             []string      `json:"failed_step_ids,omitempty"`
	RecoveryAttempts          int           `json:"recovery_attempts"`
	FailureReason             string        `json:"failure_reason,omitempty"`
	InactiveDuration          string        `json:"inactive_duration"`
	LastActivityAt            time.Time     `json:"last_activity_at"`
	MovedAt                   time.Time     `json:"moved_at"`
	IntentType                IntentType    `json:"intent_type,omitempty"`
	TotalSteps                int           `json:"total_steps"`
	CompletedSteps            int           `json:"completed_steps"`
}
