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

// Package intent 把用户的自由文本解析为结构化 Intent。
// 规则解析器是保底路径；模型解析器失败时降级到规则并标记 SERVICE_DEGRADED。
package intent

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"saga-platform/internal/saga"
)

// Parser 意图解析接口。
type Parser interface {
	Parse(ctx context.Context, text string) (saga.Intent, error)
}

// Rule 关键词/正则解析器。置信度反映命中强度，不假装是概率。
type Rule struct{}

// NewRule 创建规则解析器。
func NewRule() *Rule { return &Rule{} }

var (
	timeRe      = regexp.MustCompile(`\b([01]?\d|2[0-3]):([0-5]\d)\b`)
	partySizeRe = regexp.MustCompile(`(?i)(?:for|party of|table for)\s+(\d{1,3})\b`)
	atPlaceRe   = regexp.MustCompile(`(?i)\bat\s+([A-Z][\w' ]{2,40}?)(?:\s+at\b|\s+for\b|[,.!?]|$)`)
)

func (p *Rule) Parse(ctx context.Context, text string) (saga.Intent, error) {
	lower := strings.ToLower(text)
	it := saga.Intent{
		ID:      uuid.NewString(),
		RawText: text,
		Metadata: saga.IntentMetadata{
			Version:   "1",
			Timestamp: time.Now().UTC(),
			Source:    "chat",
		},
	}

	params := make(map[string]any)
	switch {
	case containsAny(lower, "book", "reserve", "reservation", "table"):
		it.Type = saga.IntentAction
		it.Confidence = 0.9
		if m := timeRe.FindString(text); m != "" {
			params["time"] = m
		}
		if m := partySizeRe.FindStringSubmatch(text); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				params["party_size"] = float64(n)
			}
		}
		if m := atPlaceRe.FindStringSubmatch(text); m != nil {
			params["restaurant"] = strings.TrimSpace(m[1])
		}
		if containsAny(lower, "ride", "taxi", "uber") {
			params["ride_to"] = params["restaurant"]
		}
	case containsAny(lower, "schedule", "calendar", "appointment", "remind"):
		it.Type = saga.IntentSchedule
		it.Confidence = 0.85
		params["title"] = strings.TrimSpace(text)
		if m := timeRe.FindString(text); m != "" {
			params["start_time"] = m
		}
	case containsAny(lower, "find", "search", "recommend", "looking for"):
		it.Type = saga.IntentSearch
		it.Confidence = 0.8
		params["query"] = strings.TrimSpace(text)
	case strings.TrimSpace(text) == "":
		it.Type = saga.IntentClarificationRequired
		it.Confidence = 1
	default:
		it.Type = saga.IntentUnknown
		it.Confidence = 0.3
	}
	if len(params) > 0 {
		it.Parameters = params
	}
	return it, nil
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
