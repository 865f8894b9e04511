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
	"testing"

	"github.com/stretchr/testify/assert"

	"saga-platform/internal/saga"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		code, message string
		want          FailureReason
	}{
		{saga.CodeLogicalError, "restaurant is full", ReasonRestaurantFull},
		{saga.CodeLogicalError, "Sorry, we are fully booked tonight", ReasonRestaurantFull},
		{saga.CodeLogicalError, "party size 25 too large", ReasonPartySizeTooLarge},
		{saga.CodeLogicalError, "card declined", ReasonPaymentFailed},
		{saga.CodeLogicalError, "no couriers in your area", ReasonDeliveryUnavailable},
		{saga.CodeLogicalError, "missing required field: time", ReasonValidationFailed},
		{saga.CodeLogicalError, "something odd happened", ReasonServiceError},
		{saga.CodeTimeout, "", ReasonTimeout},
		{saga.CodeSchemaError, "output missing lat", ReasonValidationFailed},
		{saga.CodeTechnicalError, "connection reset", ReasonServiceError},
		{saga.CodeToolNotFound, "unknown tool", ReasonServiceError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.code, tc.message), "code=%s msg=%q", tc.code, tc.message)
	}
}

func TestEvaluateFirstMatchWins(t *testing.T) {
	e := NewEngine(nil)

	d := e.Evaluate(PolicyContext{
		FailureReason: ReasonRestaurantFull,
		AttemptCount:  0,
		Metadata:      map[string]any{"time": "19:00"},
	})
	assert.True(t, d.Matched)
	assert.Equal(t, "restaurant-full-alternative-time", d.PolicyName)
	assert.Equal(t, ActionSuggestAlternativeTime, d.RecommendedAction.Type)
	assert.True(t, d.Recoverable())
	if assert.Len(t, d.Suggestions, 2) {
		assert.Equal(t, "20:00", d.Suggestions[0].Parameters["time"])
		assert.Equal(t, "21:00", d.Suggestions[1].Parameters["time"])
	}
}

func TestEvaluateAttemptGuardFallsThrough(t *testing.T) {
	e := NewEngine(nil)

	// 两次备选时间尝试用尽后，同一原因落到 waitlist 策略
	d := e.Evaluate(PolicyContext{FailureReason: ReasonRestaurantFull, AttemptCount: 2})
	assert.True(t, d.Matched)
	assert.Equal(t, "restaurant-full-waitlist", d.PolicyName)
	assert.Equal(t, ActionTriggerWaitlist, d.RecommendedAction.Type)
}

func TestEvaluateTerminalDecisions(t *testing.T) {
	e := NewEngine(nil)

	d := e.Evaluate(PolicyContext{FailureReason: ReasonPaymentFailed})
	assert.True(t, d.Matched)
	assert.Equal(t, ActionEscalateToHuman, d.RecommendedAction.Type)
	assert.False(t, d.Recoverable(), "escalation is terminal")

	// 策略表没有覆盖的原因：未匹配即终态
	d = e.Evaluate(PolicyContext{FailureReason: FailureReason("UNHEARD_OF")})
	assert.False(t, d.Matched)
	assert.False(t, d.Recoverable())
}

func TestEvaluateRetryIsBounded(t *testing.T) {
	e := NewEngine(nil)

	d := e.Evaluate(PolicyContext{FailureReason: ReasonTimeout, AttemptCount: 0})
	assert.True(t, d.Matched)
	assert.Equal(t, ActionRetry, d.RecommendedAction.Type)

	d = e.Evaluate(PolicyContext{FailureReason: ReasonTimeout, AttemptCount: 2})
	assert.False(t, d.Matched, "retry budget exhausted must not match")
}

func TestAlternativeTimes(t *testing.T) {
	assert.Equal(t, []string{"20:30", "21:30"}, alternativeTimes("19:30"))
	assert.Equal(t, []string{"00:00", "01:00"}, alternativeTimes("23:00"))
	assert.Equal(t, []string{"19:00", "20:00"}, alternativeTimes("dinnertime"))
}
