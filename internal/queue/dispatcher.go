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

package queue

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"saga-platform/pkg/log"
	"saga-platform/pkg/metrics"
	"saga-platform/pkg/tracing"
)

// DispatcherOptions dispatcher 行为参数。
type DispatcherOptions struct {
	// TargetURL /engine/execute-step 的完整地址。
	TargetURL string
	// MaxAttempts 单作业投递重试上限（默认 5）。
	MaxAttempts int
	// RetryBase 指数退避基值（默认 1s）。
	RetryBase time.Duration
	// DeliveryTimeout 单次 HTTP 投递超时（默认 10s）。
	DeliveryTimeout time.Duration
	// PollInterval 队列轮询与 scheduled 晋升间隔（默认 200ms）。
	PollInterval time.Duration
	// Concurrency 并发投递 worker 数（默认 4）。
	Concurrency int
}

func (o DispatcherOptions) withDefaults() DispatcherOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.RetryBase <= 0 {
		o.RetryBase = time.Second
	}
	if o.DeliveryTimeout <= 0 {
		o.DeliveryTimeout = 10 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	return o
}

// Dispatcher worker 侧的投递循环：晋升到期的延迟作业，取出 pending 作业，
// 签名后 POST 到 /engine/execute-step。409/5xx/网络错误按指数退避重排，
// 重试耗尽落入 dead 列表；其余 4xx 视为结构性错误直接丢弃（告警日志）。
type Dispatcher struct {
	queue  *RedisQueue
	signer *Signer
	client *resty.Client
	opts   DispatcherOptions
	logger *log.Logger
}

// NewDispatcher 创建投递循环。
func NewDispatcher(q *RedisQueue, signer *Signer, opts DispatcherOptions, logger *log.Logger) *Dispatcher {
	opts = opts.withDefaults()
	client := resty.New().
		SetTimeout(opts.DeliveryTimeout).
		SetHeader("Content-Type", "application/json")
	return &Dispatcher{
		queue:  q,
		signer: signer,
		client: client,
		opts:   opts,
		logger: logger.Component("dispatcher"),
	}
}

// Run 阻塞运行直到 ctx 取消。
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.consumeLoop(ctx)
		}()
	}
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.queue.PromoteDue(ctx, time.Now()); err != nil && ctx.Err() == nil {
				d.logger.Warn("promote scheduled jobs failed", "error", err)
			}
		}
	}
}

func (d *Dispatcher) consumeLoop(ctx context.Context) {
	for ctx.Err() == nil {
		job, err := d.queue.Dequeue(ctx, d.opts.PollInterval)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Warn("dequeue failed", "error", err)
				select {
				case <-ctx.Done():
				case <-time.After(d.opts.PollInterval):
				}
			}
			continue
		}
		if job == nil {
			continue
		}
		d.dispatch(ctx, *job)
	}
}

// dispatch 投递一个作业；失败时按 Attempt 重排或落 dead。
func (d *Dispatcher) dispatch(ctx context.Context, job Job) {
	body, err := json.Marshal(map[string]any{
		"executionId":    job.ExecutionID,
		"startStepIndex": job.StartStepIndex,
	})
	if err != nil {
		d.logger.Error("marshal delivery body failed", "error", err)
		return
	}
	req := d.client.R().SetContext(ctx).SetBody(body)
	if d.signer.Enabled() {
		req.SetHeader(SignatureHeader, d.signer.Sign(body))
	}
	tc := tracing.TraceContext{TraceID: job.TraceID, CorrelationID: job.CorrelationID}
	req.SetHeaders(tc.HeaderMap())

	resp, err := req.Post(d.opts.TargetURL)
	switch {
	case err == nil && resp.StatusCode() < 300:
		metrics.QueueDeliveryTotal.WithLabelValues("delivered").Inc()
		return
	case err == nil && terminalStatus(resp.StatusCode()):
		// 404/400 等结构性失败：重试不会改变结果
		metrics.QueueDeliveryTotal.WithLabelValues("dropped").Inc()
		d.logger.Warn("delivery rejected, dropping job",
			"execution_id", job.ExecutionID, "step", job.StartStepIndex,
			"status", resp.StatusCode(), "body", resp.String())
		return
	}

	job.Attempt++
	if job.Attempt >= d.opts.MaxAttempts {
		metrics.QueueDeliveryTotal.WithLabelValues("dead").Inc()
		d.logger.Error("delivery retries exhausted, burying job",
			"execution_id", job.ExecutionID, "step", job.StartStepIndex, "error", err)
		if buryErr := d.queue.Bury(ctx, job); buryErr != nil {
			d.logger.Error("bury failed", "error", buryErr)
		}
		return
	}
	metrics.QueueDeliveryTotal.WithLabelValues("retried").Inc()
	job.NotBefore = time.Now().Add(d.opts.RetryBase << uint(job.Attempt-1))
	if reErr := d.queue.EnqueueStep(ctx, job); reErr != nil {
		d.logger.Error("reschedule failed", "execution_id", job.ExecutionID, "error", reErr)
	}
}

// terminalStatus 非 409/429 的 4xx 为结构性失败。
func terminalStatus(code int) bool {
	return code >= 400 && code < 500 &&
		code != http.StatusConflict && code != http.StatusTooManyRequests
}
