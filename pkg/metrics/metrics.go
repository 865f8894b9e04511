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

package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API/Worker 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		SegmentDuration, SegmentTotal,
		StepTotal, ToolDuration, ToolInvocationTotal,
		CompensationTotal, ReplanTotal, CheckpointTotal,
		OCCRetryTotal, OCCConflictTotal, LockContentionTotal,
		QueueDeliveryTotal, OutboxDrainedTotal, EventPublishTotal,
		DLQSize, HTTPRequestDuration,
	)
}

// SegmentDuration 段执行耗时（秒）
var SegmentDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "saga_segment_duration_seconds",
		Help:    "段执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"outcome"}, // completed | checkpointed | failed | duplicate
)

// SegmentTotal 段执行总数（按结果）
var SegmentTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "saga_segment_total",
		Help: "段执行总数（按结果）",
	},
	[]string{"outcome"},
)

// StepTotal 步骤执行总数（按工具与状态）
var StepTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "saga_step_total",
		Help: "步骤执行总数",
	},
	[]string{"tool", "status"}, // completed | failed | skipped
)

// ToolDuration 工具调用耗时（秒）
var ToolDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "saga_tool_duration_seconds",
		Help:    "工具调用耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"tool"},
)

// ToolInvocationTotal 工具调用总数（按工具与结果）
var ToolInvocationTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "saga_tool_invocation_total",
		Help: "工具调用总数",
	},
	[]string{"tool", "outcome"}, // ok | logical_error | technical_error | timeout | cancelled | not_found
)

// CompensationTotal 补偿执行总数（按结果）
var CompensationTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "saga_compensation_total",
		Help: "补偿执行总数",
	},
	[]string{"outcome"}, // succeeded | failed | skipped
)

// ReplanTotal 自动重规划总数（按失败原因）
var ReplanTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "saga_replan_total",
		Help: "自动重规划总数",
	},
	[]string{"failure_reason"},
)

// CheckpointTotal Checkpoint 写入总数（按原因）
var CheckpointTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "saga_checkpoint_total",
		Help: "Checkpoint 写入总数",
	},
	[]string{"reason"},
)

// OCCRetryTotal OCC 写冲突重试次数
var OCCRetryTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "saga_occ_retry_total",
		Help: "OCC 写冲突重试次数",
	},
)

// OCCConflictTotal OCC 重试耗尽次数（写放弃）
var OCCConflictTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "saga_occ_conflict_total",
		Help: "OCC 重试耗尽导致放弃的写入数",
	},
)

// LockContentionTotal 锁竞争计数（按锁类型）
var LockContentionTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "saga_lock_contention_total",
		Help: "锁竞争计数",
	},
	[]string{"kind"}, // coarse | step
)

// QueueDeliveryTotal 队列投递总数（按结果）
var QueueDeliveryTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "saga_queue_delivery_total",
		Help: "队列投递总数",
	},
	[]string{"outcome"}, // delivered | retried | dead | dropped
)

// OutboxDrainedTotal Outbox 事件投递到总线的条数
var OutboxDrainedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "saga_outbox_drained_total",
		Help: "Outbox 事件投递到总线的条数",
	},
)

// EventPublishTotal 事件发布总数（按类型）
var EventPublishTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "saga_event_publish_total",
		Help: "事件发布总数",
	},
	[]string{"type"},
)

// DLQSize 当前 DLQ 条目数
var DLQSize = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "saga_dlq_size",
		Help: "当前 DLQ 条目数",
	},
)

// HTTPRequestDuration HTTP 请求耗时（秒，按方法与路径）
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "saga_http_request_duration_seconds",
		Help:    "HTTP 请求耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"method", "path"},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
