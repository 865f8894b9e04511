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

// EventType 执行事件类型，发布到 nervous-system:updates 主题
type EventType string

const (
	EventExecutionCreated        EventType = "ExecutionCreated"
	EventStepStarted             EventType = "StepStarted"
	EventStepCompleted           EventType = "StepCompleted"
	EventStepFailed              EventType = "StepFailed"
	EventCheckpointed            EventType = "Checkpointed"
	EventFailoverPolicyTriggered EventType = "FailoverPolicyTriggered"
	EventAutomaticReplan         EventType = "AutomaticReplanTriggered"
	EventCompensationExecuted    EventType = "CompensationExecuted"
	EventExecutionCompleted      EventType = "ExecutionCompleted"
	EventExecutionFailed         EventType = "ExecutionFailed"
	EventExecutionCancelled      EventType = "ExecutionCancelled"
	EventExecutionResumed        EventType = "ExecutionResumed"
	EventExecutionDLQ            EventType = "ExecutionMovedToDLQ"
)

// Event 总线事件载荷。订阅方需幂等（至少一次投递）；
// execution_id + step_id + segment_number 组合可用于去重。
type Event struct {
	EventType     EventType `json:"eventType"`
	ExecutionID   string    `json:"executionId"`
	StepID        string    `json:"stepId,omitempty"`
	SegmentNumber int       `json:"segmentNumber,omitempty"`
	Status        string    `json:"status,omitempty"`
	Message       string    `json:"message,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	TraceID       string    `json:"traceId,omitempty"`
}

// NewEvent 构造带时间戳的事件
func NewEvent(t EventType, executionID string) Event {
	return Event{EventType: t, ExecutionID: executionID, Timestamp: time.Now().UTC()}
}

// WithStep 附加步骤信息
func (e Event) WithStep(stepID string, segment int) Event {
	e.StepID = stepID
	e.SegmentNumber = segment
	return e
}

// WithStatus 附加状态文本
func (e Event) WithStatus(status string) Event {
	e.Status = status
	return e
}

// WithMessage 附加说明文本
func (e Event) WithMessage(msg string) Event {
	e.Message = msg
	return e
}

// WithTrace 附加 trace id
func (e Event) WithTrace(traceID string) Event {
	e.TraceID = traceID
	return e
}
