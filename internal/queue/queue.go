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

// Package queue 是段间接力的作业队列（C3）。
//
// 续跑作业指向 /engine/execute-step；投递为 HTTP POST，请求体带 HMAC 签名。
// 至少一次投递：重试由 dispatcher 负责，重复投递由步骤幂等锁兜底。
package queue

import (
	"context"
	"time"
)

// Job 一次段执行的投递载荷。
type Job struct {
	ExecutionID    string    `json:"executionId"`
	StartStepIndex int       `json:"startStepIndex"`
	TraceID        string    `json:"traceId,omitempty"`
	CorrelationID  string    `json:"correlationId,omitempty"`
	Attempt        int       `json:"attempt"`
	NotBefore      time.Time `json:"notBefore,omitempty"`
	EnqueuedAt     time.Time `json:"enqueuedAt"`
}

// Enqueuer 作业入队接口。实现：Redis（生产）与 Local（进程内直投）。
type Enqueuer interface {
	// EnqueueStep 入队一个段执行作业。NotBefore 在未来时延迟投递。
	EnqueueStep(ctx context.Context, job Job) error
	// Close 停止投递并释放资源。
	Close() error
}

// NewJob 构造指向 (executionID, stepIndex) 的作业。
func NewJob(executionID string, stepIndex int, traceID, correlationID string) Job {
	return Job{
		ExecutionID:    executionID,
		StartStepIndex: stepIndex,
		TraceID:        traceID,
		CorrelationID:  correlationID,
		EnqueuedAt:     time.Now().UTC(),
	}
}
