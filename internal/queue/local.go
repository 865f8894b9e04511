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
	"sync"
	"time"

	pkgerrors "saga-platform/pkg/errors"
	"saga-platform/pkg/log"
)

// DeliverFunc 把作业交给段执行器。返回 ErrLockHeld 视为可重试（队列稍后重投），
// 其余错误按技术失败重试至上限。
type DeliverFunc func(ctx context.Context, job Job) error

// Local 进程内队列：不经 HTTP，直接把作业投给段执行器。
// dev profile、测试与 examples 使用；投递语义与 Redis dispatcher 一致（至少一次 + 退避重试）。
type Local struct {
	deliver     DeliverFunc
	maxAttempts int
	retryBase   time.Duration
	logger      *log.Logger

	mu     sync.Mutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// NewLocal 创建进程内队列。
func NewLocal(deliver DeliverFunc, maxAttempts int, retryBase time.Duration, logger *log.Logger) *Local {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if retryBase <= 0 {
		retryBase = 50 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Local{
		deliver:     deliver,
		maxAttempts: maxAttempts,
		retryBase:   retryBase,
		logger:      logger.Component("local-queue"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (l *Local) EnqueueStep(_ context.Context, job Job) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "queue closed")
	}
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		if !job.NotBefore.IsZero() {
			if d := time.Until(job.NotBefore); d > 0 {
				select {
				case <-l.ctx.Done():
					return
				case <-time.After(d):
				}
			}
		}
		for attempt := 0; attempt < l.maxAttempts; attempt++ {
			job.Attempt = attempt
			err := l.deliver(l.ctx, job)
			if err == nil {
				return
			}
			if l.ctx.Err() != nil {
				return
			}
			l.logger.Warn("local delivery failed, retrying",
				"execution_id", job.ExecutionID, "step", job.StartStepIndex,
				"attempt", attempt, "error", err)
			select {
			case <-l.ctx.Done():
				return
			case <-time.After(l.retryBase << uint(attempt)):
			}
		}
		l.logger.Error("local delivery exhausted retries",
			"execution_id", job.ExecutionID, "step", job.StartStepIndex)
	}()
	return nil
}

// Drain 等待所有已入队作业投递完成（测试同步用）。
func (l *Local) Drain() { l.wg.Wait() }

func (l *Local) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.cancel()
	l.wg.Wait()
	return nil
}
