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

// Package tool 是工具调用的统一门面（C4）：本地注册表与远程工具服务器
// 走同一条 Execute 路径，出参统一为 Result，技术错误在此层重试，
// 逻辑错误原样上浮交状态机裁决。
package tool

import (
	"context"
	"fmt"
	"time"

	"saga-platform/internal/saga"
)

// Schema 工具入参的 JSON Schema 描述（边界校验与 LLM function-calling 共用）
type Schema struct {
	Type        string                    `json:"type,omitempty"`
	Description string                    `json:"description,omitempty"`
	Properties  map[string]SchemaProperty `json:"properties,omitempty"`
	Required    []string                  `json:"required,omitempty"`
}

// SchemaProperty Schema 中单个属性的描述
type SchemaProperty struct {
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

// Invocation 一次成功调用的产出。Compensation 为工具自述的补偿配方，
// 执行器原样上交，由状态机登记。
type Invocation struct {
	Output       map[string]any
	Compensation *saga.CompensationRecipe
}

// Tool 本地工具接口。
type Tool interface {
	Name() string
	Description() string
	// Schema 入参 schema。
	Schema() Schema
	// ResultSchema 出参 JSON Schema 原文；空串表示不校验。
	ResultSchema() string
	// Execute 执行工具。逻辑失败返回 *LogicalError，技术失败返回其他错误。
	Execute(ctx context.Context, params map[string]any) (*Invocation, error)
}

// Result 统一出参（§4.1）。OK=false 时 ErrorCode 取 saga.Code* 常量。
type Result struct {
	OK           bool                     `json:"ok"`
	Output       map[string]any           `json:"output,omitempty"`
	ErrorCode    string                   `json:"error_code,omitempty"`
	ErrorMessage string                   `json:"error_message,omitempty"`
	Compensation *saga.CompensationRecipe `json:"compensation,omitempty"`
	LatencyMS    int64                    `json:"latency_ms"`
}

// Invoker 是状态机与补偿器看到的执行器接口。
type Invoker interface {
	Execute(ctx context.Context, name string, params map[string]any, timeout time.Duration) Result
}

// LogicalError 工具自身判定的业务失败：不在 C4 重试，直接上浮。
type LogicalError struct {
	Code    string // 缺省 saga.CodeLogicalError
	Message string
}

func (e *LogicalError) Error() string {
	return fmt.Sprintf("logical error (%s): %s", e.code(), e.Message)
}

func (e *LogicalError) code() string {
	if e.Code == "" {
		return saga.CodeLogicalError
	}
	return e.Code
}

// NewLogicalError 构造业务失败。
func NewLogicalError(message string) *LogicalError {
	return &LogicalError{Message: message}
}
