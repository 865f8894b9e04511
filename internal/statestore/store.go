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

// Package statestore 提供 saga 执行状态的持久化层。
//
// Redis 是执行状态的唯一事实来源（source of truth）：状态文档、乐观锁版本号、
// 分布式锁、checkpoint、replan 标记、DLQ 条目与事务性 outbox 都落在这里。
// 所有写入走 CAS（compare-and-set on version），并发写方冲突时由调用方重读重试。
package statestore

import (
	"context"
	"time"

	"saga-platform/internal/saga"
)

// StepLockOutcome 描述步骤锁的获取结果。
type StepLockOutcome int

const (
	// StepLockAcquired 表示锁已获取，当前投递是该步骤的首次执行。
	StepLockAcquired StepLockOutcome = iota
	// StepLockDuplicate 表示同一步骤（step ID 相同）已持有该锁：重复投递，跳过执行。
	StepLockDuplicate
	// StepLockReclaimed 表示锁原先由旧 plan 的步骤持有（replan 后索引复用），
	// 已被当前步骤覆盖，视同获取成功。
	StepLockReclaimed
)

// Mutation 在 CAS 重试循环内对最新状态做原地修改。
// 函数必须是纯函数：只依赖传入的状态，不得携带跨次调用的副作用，
// 因为版本冲突时它会带着重新读取的状态再次执行。
type Mutation func(*saga.ExecutionState) error

// Store 是执行状态的持久化接口。Redis 实现是生产路径，
// memory 实现用于测试与 fallback_memory 降级模式。
type Store interface {
	// CreateState 写入新执行的初始状态（version 0）并登记活跃索引。
	// 执行 ID 已存在时返回 ErrAlreadyExists。
	CreateState(ctx context.Context, st *saga.ExecutionState) error

	// GetState 读取执行状态，不存在时返回 ErrExecutionNotFound。
	GetState(ctx context.Context, executionID string) (*saga.ExecutionState, error)

	// UpdateState 以 CAS 语义更新执行状态：读取最新状态，应用 mutate，
	// version+1 后原子写回；outbox 事件仅在写回成功的同一原子操作内入队。
	// 版本冲突时自动重读重试（带抖动退避），重试耗尽返回 ErrVersionConflict。
	// 返回写回成功后的状态。
	UpdateState(ctx context.Context, executionID string, mutate Mutation, outbox ...saga.Event) (*saga.ExecutionState, error)

	// ListActive 返回活跃（非终态）执行的 ID 集合，供 DLQ 监控扫描。
	ListActive(ctx context.Context) ([]string, error)

	// AcquireExecutionLock 获取粗粒度执行锁（SETNX+TTL），返回持锁令牌。
	// 锁被他人持有时返回 ErrLockHeld。
	AcquireExecutionLock(ctx context.Context, executionID string) (token string, err error)

	// ReleaseExecutionLock 释放执行锁，仅当令牌匹配时删除（防止误删他人的锁）。
	ReleaseExecutionLock(ctx context.Context, executionID, token string) error

	// AcquireStepLock 获取步骤级幂等锁。锁值记录 step ID：
	// 值相同视为重复投递，值不同视为旧 plan 遗留的陈旧锁，覆盖后继续。
	AcquireStepLock(ctx context.Context, executionID string, stepIndex int, stepID string) (StepLockOutcome, error)

	// ReleaseStepLock 删除步骤锁。只应在工具尚未被调用的基础设施失败路径上使用，
	// 工具一旦发起调用就必须保留锁以维持 at-most-once。
	ReleaseStepLock(ctx context.Context, executionID string, stepIndex int) error

	// StepLockHolder 返回步骤锁当前记录的 step ID，未持锁返回空串。
	// 段入口用它对投递的步骤索引做幂等探测，不改变锁状态。
	StepLockHolder(ctx context.Context, executionID string, stepIndex int) (string, error)

	// PutCheckpoint 写入段间续跑的检查点。
	PutCheckpoint(ctx context.Context, executionID string, ck saga.CheckpointRef) error

	// GetCheckpoint 读取检查点，不存在时返回 ErrNotFound。
	GetCheckpoint(ctx context.Context, executionID string) (*saga.CheckpointRef, error)

	// DeleteCheckpoint 删除检查点（执行进入终态后清理）。
	DeleteCheckpoint(ctx context.Context, executionID string) error

	// PutReplanMarker 写入重规划标记（带 TTL），等待 replanner 消费。
	PutReplanMarker(ctx context.Context, m saga.ReplanMarker) error

	// TakeReplanMarker 原子地读取并删除重规划标记；标记不存在时返回 (nil, nil)。
	TakeReplanMarker(ctx context.Context, executionID string) (*saga.ReplanMarker, error)

	// PutTombstone 写入取消墓碑，阻止后续段恢复已取消的执行。
	PutTombstone(ctx context.Context, executionID, reason string) error

	// IsTombstoned 判断执行是否已被墓碑标记。
	IsTombstoned(ctx context.Context, executionID string) (bool, error)

	// PutDLQEntry 写入死信条目并登记 DLQ 索引。
	PutDLQEntry(ctx context.Context, e saga.DLQEntry) error

	// GetDLQEntry 读取死信条目，不存在时返回 ErrNotFound。
	GetDLQEntry(ctx context.Context, executionID string) (*saga.DLQEntry, error)

	// ListDLQEntries 列出全部死信条目，顺便清理已过期的索引项。
	ListDLQEntries(ctx context.Context) ([]saga.DLQEntry, error)

	// DeleteDLQEntry 删除死信条目（人工恢复或取消后）。
	DeleteDLQEntry(ctx context.Context, executionID string) error

	// PopOutbox 从 outbox 队列头部取出至多 max 条事件，供 drainer 投递到事件总线。
	PopOutbox(ctx context.Context, max int) ([]saga.Event, error)

	// RequeueOutbox 把投递失败的事件放回 outbox 队列头部，保持顺序。
	RequeueOutbox(ctx context.Context, events []saga.Event) error

	// Ping 探活底层存储。
	Ping(ctx context.Context) error

	// Close 释放连接资源。
	Close() error
}

// Options 汇集状态存储的 TTL 与重试参数，零值字段由 withDefaults 填充。
type Options struct {
	// ExecutionLockTTL 粗粒度执行锁的存活时间。
	ExecutionLockTTL time.Duration
	// StepLockTTL 步骤幂等锁的存活时间。
	StepLockTTL time.Duration
	// CheckpointTTL 检查点的存活时间。
	CheckpointTTL time.Duration
	// ReplanMarkerTTL 重规划标记的存活时间，超时未消费即过期。
	ReplanMarkerTTL time.Duration
	// DLQEntryTTL 死信条目的保留时间。
	DLQEntryTTL time.Duration
	// TombstoneTTL 取消墓碑的保留时间。
	TombstoneTTL time.Duration
	// MaxOCCRetries CAS 冲突时的最大重试次数。
	MaxOCCRetries int
	// OCCRetryBase 重试退避基准间隔，实际等待为 base*2^n 加抖动。
	OCCRetryBase time.Duration
}

func (o Options) withDefaults() Options {
	if o.ExecutionLockTTL <= 0 {
		o.ExecutionLockTTL = 30 * time.Second
	}
	if o.StepLockTTL <= 0 {
		o.StepLockTTL = time.Hour
	}
	if o.CheckpointTTL <= 0 {
		o.CheckpointTTL = 24 * time.Hour
	}
	if o.ReplanMarkerTTL <= 0 {
		o.ReplanMarkerTTL = 5 * time.Minute
	}
	if o.DLQEntryTTL <= 0 {
		o.DLQEntryTTL = 7 * 24 * time.Hour
	}
	if o.TombstoneTTL <= 0 {
		o.TombstoneTTL = 7 * 24 * time.Hour
	}
	if o.MaxOCCRetries <= 0 {
		o.MaxOCCRetries = 5
	}
	if o.OCCRetryBase <= 0 {
		o.OCCRetryBase = 50 * time.Millisecond
	}
	return o
}
