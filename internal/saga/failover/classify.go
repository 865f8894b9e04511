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

// Package failover 把步骤失败归类为结构化原因，并按有序策略表
// 给出恢复建议。分类与裁决都是确定性的：相同输入必得相同结论。
package failover

import (
	"strings"

	"saga-platform/internal/saga"
)

// FailureReason 失败归类。
type FailureReason string

const (
	ReasonRestaurantFull      FailureReason = "RESTAURANT_FULL"
	ReasonPartySizeTooLarge   FailureReason = "PARTY_SIZE_TOO_LARGE"
	ReasonPaymentFailed       FailureReason = "PAYMENT_FAILED"
	ReasonTimeout             FailureReason = "TIMEOUT"
	ReasonValidationFailed    FailureReason = "VALIDATION_FAILED"
	ReasonDeliveryUnavailable FailureReason = "DELIVERY_UNAVAILABLE"
	ReasonServiceError        FailureReason = "SERVICE_ERROR"
)

// keywordRule 关键词 → 原因。表按特异性排序，先匹配先得。
type keywordRule struct {
	keywords []string
	reason   FailureReason
}

var keywordRules = []keywordRule{
	{[]string{"fully booked", "no tables", "no availability", "restaurant is full", "sold out"}, ReasonRestaurantFull},
	{[]string{"party size", "too many people", "group too large", "max party"}, ReasonPartySizeTooLarge},
	{[]string{"payment", "card declined", "insufficient funds", "charge failed"}, ReasonPaymentFailed},
	{[]string{"delivery unavailable", "no couriers", "out of delivery range", "delivery not available"}, ReasonDeliveryUnavailable},
	{[]string{"invalid", "validation", "missing required", "malformed"}, ReasonValidationFailed},
}

// Classify 错误码优先于文本匹配：结构化码是工具的明确自述，
// 关键词只用于把自由文本的逻辑失败归入已知类别。
func Classify(errCode, errMessage string) FailureReason {
	switch errCode {
	case saga.CodeTimeout:
		return ReasonTimeout
	case saga.CodeSchemaError:
		return ReasonValidationFailed
	case saga.CodeTechnicalError, saga.CodeInternalError, saga.CodeToolNotFound:
		return ReasonServiceError
	}
	msg := strings.ToLower(errMessage)
	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(msg, kw) {
				return rule.reason
			}
		}
	}
	if strings.Contains(msg, "full") {
		return ReasonRestaurantFull
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") {
		return ReasonTimeout
	}
	return ReasonServiceError
}
