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

package intent

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"saga-platform/internal/saga"
	pkgerrors "saga-platform/pkg/errors"
	"saga-platform/pkg/log"
)

const intentSystemPrompt = `You classify a user request into a structured intent.
Respond with ONLY a JSON object:
{"type": "SCHEDULE|SEARCH|ACTION|QUERY|PLANNING|ANALYSIS|UNKNOWN|CLARIFICATION_REQUIRED",
 "confidence": 0.0-1.0,
 "parameters": {"restaurant"?: string, "time"?: "HH:MM", "party_size"?: number,
                "title"?: string, "start_time"?: string, "location"?: string,
                "query"?: string, "ride_to"?: string}}
Use CLARIFICATION_REQUIRED when the request is too vague to act on.`

// Model 模型解析器：eino ChatModel 产出 JSON 意图。
// 模型不可用或产出不可解析时降级到规则解析器，意图标记 SERVICE_DEGRADED，
// 下游据此提示用户结果可能不精确。
type Model struct {
	chat     model.ToolCallingChatModel
	modelID  string
	fallback *Rule
	timeout  time.Duration
	logger   *log.Logger
}

// ModelConfig 模型解析器配置。
type ModelConfig struct {
	Model   string
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// NewModel 创建模型解析器。
func NewModel(ctx context.Context, cfg ModelConfig, logger *log.Logger) (*Model, error) {
	if cfg.APIKey == "" {
		return nil, pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "intent model api key missing")
	}
	mc := &openai.ChatModelConfig{Model: cfg.Model, APIKey: cfg.APIKey}
	if cfg.BaseURL != "" {
		mc.BaseURL = cfg.BaseURL
	}
	chat, err := openai.NewChatModel(ctx, mc)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "create intent chat model")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Model{
		chat:     chat,
		modelID:  cfg.Model,
		fallback: NewRule(),
		timeout:  timeout,
		logger:   logger.Component("intent-model"),
	}, nil
}

type modelIntent struct {
	Type       string         `json:"type"`
	Confidence float64        `json:"confidence"`
	Parameters map[string]any `json:"parameters"`
}

func (p *Model) Parse(ctx context.Context, text string) (saga.Intent, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg, err := p.chat.Generate(callCtx, []*schema.Message{
		{Role: schema.System, Content: intentSystemPrompt},
		{Role: schema.User, Content: text},
	})
	if err != nil {
		p.logger.Warn("intent model unavailable, falling back to rules", "error", err)
		return p.degraded(ctx, text)
	}

	var mi modelIntent
	if err := json.Unmarshal([]byte(extractJSON(msg.Content)), &mi); err != nil {
		p.logger.Warn("intent model returned unparsable output", "error", err)
		return p.degraded(ctx, text)
	}

	it := saga.Intent{
		ID:         uuid.NewString(),
		Type:       saga.IntentType(mi.Type),
		Confidence: mi.Confidence,
		Parameters: mi.Parameters,
		RawText:    text,
		Metadata: saga.IntentMetadata{
			Version:   "1",
			Timestamp: time.Now().UTC(),
			Source:    "chat",
			ModelID:   p.modelID,
		},
	}
	if !knownIntentType(it.Type) {
		it.Type = saga.IntentUnknown
	}
	return it, nil
}

// degraded 规则解析兜底，意图类型改标 SERVICE_DEGRADED 之外仍携带规则结论，
// 放进 parameters 便于 /chat 决定是否继续。
func (p *Model) degraded(ctx context.Context, text string) (saga.Intent, error) {
	it, err := p.fallback.Parse(ctx, text)
	if err != nil {
		return it, err
	}
	if it.Parameters == nil {
		it.Parameters = make(map[string]any)
	}
	it.Parameters["degraded_from"] = string(it.Type)
	it.Type = saga.IntentServiceDegraded
	return it, nil
}

func knownIntentType(t saga.IntentType) bool {
	switch t {
	case saga.IntentSchedule, saga.IntentSearch, saga.IntentAction, saga.IntentQuery,
		saga.IntentPlanning, saga.IntentAnalysis, saga.IntentUnknown,
		saga.IntentClarificationRequired:
		return true
	}
	return false
}

// extractJSON 模型偶尔把 JSON 包进代码围栏或前后缀文本，剥出第一个对象。
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
