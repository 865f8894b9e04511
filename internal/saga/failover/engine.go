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

package failover

import (
	"fmt"

	"saga-platform/internal/saga"
)

// ActionType 推荐动作。
type ActionType string

const (
	ActionSuggestAlternativeTime       ActionType = "SUGGEST_ALTERNATIVE_TIME"
	ActionSuggestAlternativeRestaurant ActionType = "SUGGEST_ALTERNATIVE_RESTAURANT"
	ActionSuggestAlternativeDate       ActionType = "SUGGEST_ALTERNATIVE_DATE"
	ActionTriggerDelivery              ActionType = "TRIGGER_DELIVERY"
	ActionTriggerWaitlist              ActionType = "TRIGGER_WAITLIST"
	ActionEscalateToHuman              ActionType = "ESCALATE_TO_HUMAN"
	ActionRetry                        ActionType = "RETRY"
)

// RecommendedAction 策略给出的动作与用户话术模板。
type RecommendedAction struct {
	Type            ActionType `json:"type"`
	MessageTemplate string     `json:"message_template,omitempty"`
}

// PolicyContext 裁决输入。
type PolicyContext struct {
	IntentType    saga.IntentType
	FailureReason FailureReason
	Confidence    float64
	AttemptCount  int
	Metadata      map[string]any
}

// Policy 单条策略：条件 → 动作。MaxAttempts>0 时超出次数的失败不再匹配，
// 落到后续（通常是升级人工）策略。
type Policy struct {
	Name        string
	Reason      FailureReason
	IntentType  saga.IntentType // 空值匹配任意意图
	MaxAttempts int
	Action      RecommendedAction
	Suggest     func(PolicyContext) []saga.Suggestion
}

func (p Policy) matches(pc PolicyContext) bool {
	if p.Reason != pc.FailureReason {
		return false
	}
	if p.IntentType != "" && p.IntentType != pc.IntentType {
		return false
	}
	if p.MaxAttempts > 0 && pc.AttemptCount >= p.MaxAttempts {
		return false
	}
	return true
}

// Decision 裁决结果。
type Decision struct {
	Matched           bool              `json:"matched"`
	PolicyName        string            `json:"policy_name,omitempty"`
	RecommendedAction RecommendedAction `json:"recommended_action"`
	Suggestions       []saga.Suggestion `json:"suggestions,omitempty"`
}

// Recoverable 该裁决是否允许自动恢复（replan）。
// 未匹配与升级人工都是终态，走补偿路径。
func (d Decision) Recoverable() bool {
	return d.Matched && d.RecommendedAction.Type != ActionEscalateToHuman
}

// Engine 有序策略表，先匹配先得。
type Engine struct {
	policies []Policy
}

// NewEngine 以给定策略表创建引擎；policies 为空时使用默认表。
func NewEngine(policies []Policy) *Engine {
	if len(policies) == 0 {
		policies = DefaultPolicies()
	}
	return &Engine{policies: policies}
}

// Evaluate 自上而下匹配策略表。全部不匹配时返回 Matched=false，
// 调用方按终态失败处理。
func (e *Engine) Evaluate(pc PolicyContext) Decision {
	for _, p := range e.policies {
		if !p.matches(pc) {
			continue
		}
		d := Decision{
			Matched:           true,
			PolicyName:        p.Name,
			RecommendedAction: p.Action,
		}
		if p.Suggest != nil {
			d.Suggestions = p.Suggest(pc)
		}
		return d
	}
	return Decision{Matched: false, RecommendedAction: RecommendedAction{Type: ActionEscalateToHuman}}
}

// DefaultPolicies 缺省策略表，按特异性排序。
func DefaultPolicies() []Policy {
	return []Policy{
		{
			Name:        "restaurant-full-alternative-time",
			Reason:      ReasonRestaurantFull,
			MaxAttempts: 2,
			Action: RecommendedAction{
				Type:            ActionSuggestAlternativeTime,
				MessageTemplate: "The restaurant is fully booked at {time}. Trying {alternative_time} instead.",
			},
			Suggest: suggestAlternativeTimes,
		},
		{
			Name:   "restaurant-full-waitlist",
			Reason: ReasonRestaurantFull,
			Action: RecommendedAction{
				Type:            ActionTriggerWaitlist,
				MessageTemplate: "No alternative times available. Joining the waitlist for {restaurant}.",
			},
		},
		{
			Name:        "party-too-large-split-or-switch",
			Reason:      ReasonPartySizeTooLarge,
			MaxAttempts: 1,
			Action: RecommendedAction{
				Type:            ActionSuggestAlternativeRestaurant,
				MessageTemplate: "{restaurant} cannot seat {party_size}. Looking for a larger venue.",
			},
			Suggest: suggestAlternativeRestaurants,
		},
		{
			Name:   "delivery-unavailable-waitlist",
			Reason: ReasonDeliveryUnavailable,
			Action: RecommendedAction{
				Type:            ActionTriggerWaitlist,
				MessageTemplate: "Delivery is unavailable right now; you have been added to the notify list.",
			},
		},
		{
			Name:        "timeout-retry",
			Reason:      ReasonTimeout,
			MaxAttempts: 2,
			Action: RecommendedAction{
				Type:            ActionRetry,
				MessageTemplate: "The request timed out; retrying.",
			},
		},
		{
			Name:        "service-error-retry",
			Reason:      ReasonServiceError,
			MaxAttempts: 1,
			Action: RecommendedAction{
				Type:            ActionRetry,
				MessageTemplate: "A downstream service failed; retrying once.",
			},
		},
		{
			Name:   "payment-escalate",
			Reason: ReasonPaymentFailed,
			Action: RecommendedAction{
				Type:            ActionEscalateToHuman,
				MessageTemplate: "Payment failed and needs your attention.",
			},
		},
		{
			Name:   "validation-escalate",
			Reason: ReasonValidationFailed,
			Action: RecommendedAction{
				Type:            ActionEscalateToHuman,
				MessageTemplate: "The request could not be validated; a human needs to review it.",
			},
		},
	}
}

// suggestAlternativeTimes 以失败时间为锚推后两个半小时档。
func suggestAlternativeTimes(pc PolicyContext) []saga.Suggestion {
	base, _ := pc.Metadata["time"].(string)
	times := alternativeTimes(base)
	out := make([]saga.Suggestion, 0, len(times))
	for _, t := range times {
		out = append(out, saga.Suggestion{
			Kind:       "alternative_time",
			Label:      t,
			Parameters: map[string]any{"time": t},
		})
	}
	return out
}

// alternativeTimes "HH:MM" → 顺延 60/120 分钟两档；解析失败给固定晚间档。
func alternativeTimes(base string) []string {
	var h, m int
	if _, err := fmt.Sscanf(base, "%d:%d", &h, &m); err != nil || h < 0 || h > 23 {
		return []string{"19:00", "20:00"}
	}
	next := func(offset int) string {
		return fmt.Sprintf("%02d:%02d", (h+offset)%24, m)
	}
	return []string{next(1), next(2)}
}

func suggestAlternativeRestaurants(pc PolicyContext) []saga.Suggestion {
	return []saga.Suggestion{
		{Kind: "alternative_restaurant", Label: "larger venue nearby", Parameters: map[string]any{"min_capacity": pc.Metadata["party_size"]}},
	}
}
