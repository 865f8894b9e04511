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

import "fmt"

// 错误码（§7 错误分类的 Logical/Structural 子集；StepError.Code 取值）
const (
	CodeToolNotFound  = "TOOL_NOT_FOUND"
	CodeTimeout       = "TIMEOUT"
	CodeCancelled     = "CANCELLED"
	CodeLogicalError  = "LOGICAL_ERROR"
	CodeSchemaError   = "LOGICAL_ERROR(schema)"
	CodeTechnicalError = "TECHNICAL_ERROR"
	CodeInternalError = "INTERNAL_ERROR"
)

// StepFailure 步骤失败：工具错误不抛出、不中断段，以该类型进入状态机，
// 由 Failover Policy Engine 裁决 replan 或补偿。
type StepFailure struct {
	StepID  string
	Code    string
	Message string
	Inner   error
}

func (e *StepFailure) Error() string {
	if e.Inner != nil {
		return fmt.Sprintf("step %s failed (%s): %s: %v", e.StepID, e.Code, e.Message, e.Inner)
	}
	return fmt.Sprintf("step %s failed (%s): %s", e.StepID, e.Code, e.Message)
}

func (e *StepFailure) Unwrap() error { return e.Inner }

// NewStepFailure 构造步骤失败
func NewStepFailure(stepID, code, message string) *StepFailure {
	return &StepFailure{StepID: stepID, Code: code, Message: message}
}
