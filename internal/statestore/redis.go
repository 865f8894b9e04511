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

package statestore

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"

	"saga-platform/internal/saga"
	pkgerrors "saga-platform/pkg/errors"
	"saga-platform/pkg/metrics"
)

// casScript 比较 version 键后原子写回状态并把 outbox 事件入队。
// 版本号单独成键，脚本内无需解码整份状态 JSON。
// KEYS: [1]=version [2]=state [3]=outbox
// ARGV: [1]=期望版本 [2]=新版本 [3]=状态 JSON [4..]=outbox 事件 JSON
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false then cur = '0' end
if cur ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[1], ARGV[2])
redis.call('SET', KEYS[2], ARGV[3])
for i = 4, #ARGV do
  redis.call('RPUSH', KEYS[3], ARGV[i])
end
return 1
`)

// unlockScript 仅当锁值等于持锁令牌时删除，防止 TTL 过期后误删他人的锁。
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// takeScript 原子 get-and-delete（replan 标记消费用）。
var takeScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v == false then return false end
redis.call('DEL', KEYS[1])
return v
`)

// Redis 是生产路径的状态存储实现。
type Redis struct {
	rdb  *redis.Client
	opts Options
}

// NewRedis 基于现成的 go-redis 客户端创建存储。
func NewRedis(rdb *redis.Client, opts Options) *Redis {
	return &Redis{rdb: rdb, opts: opts.withDefaults()}
}

func (r *Redis) CreateState(ctx context.Context, st *saga.ExecutionState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return pkgerrors.Wrap(err, "marshal execution state")
	}
	ok, err := r.rdb.SetNX(ctx, stateKey(st.ExecutionID), data, 0).Result()
	if err != nil {
		return pkgerrors.Wrap(err, "create execution state")
	}
	if !ok {
		return pkgerrors.ErrAlreadyExists
	}
	pipe := r.rdb.Pipeline()
	pipe.Set(ctx, versionKey(st.ExecutionID), st.Version, 0)
	pipe.SAdd(ctx, activeIndexKey, st.ExecutionID)
	_, err = pipe.Exec(ctx)
	return pkgerrors.Wrap(err, "register execution")
}

func (r *Redis) GetState(ctx context.Context, executionID string) (*saga.ExecutionState, error) {
	data, err := r.rdb.Get(ctx, stateKey(executionID)).Bytes()
	if err == redis.Nil {
		return nil, pkgerrors.ErrExecutionNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "get execution state")
	}
	var st saga.ExecutionState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, pkgerrors.Wrap(err, "unmarshal execution state")
	}
	return &st, nil
}

func (r *Redis) UpdateState(ctx context.Context, executionID string, mutate Mutation, outbox ...saga.Event) (*saga.ExecutionState, error) {
	for attempt := 0; ; attempt++ {
		st, err := r.GetState(ctx, executionID)
		if err != nil {
			return nil, err
		}
		prev := st.Version
		next := st.Clone()
		if err := mutate(next); err != nil {
			return nil, err
		}
		next.Version = prev + 1
		next.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(next)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "marshal execution state")
		}
		argv := make([]interface{}, 0, 3+len(outbox))
		argv = append(argv, prev, next.Version, data)
		for _, ev := range outbox {
			evData, err := json.Marshal(ev)
			if err != nil {
				return nil, pkgerrors.Wrap(err, "marshal outbox event")
			}
			argv = append(argv, evData)
		}
		res, err := casScript.Run(ctx, r.rdb,
			[]string{versionKey(executionID), stateKey(executionID), outboxKey}, argv...).Int()
		if err != nil {
			return nil, pkgerrors.Wrap(err, "cas execution state")
		}
		if res == 1 {
			if next.Status.Terminal() {
				r.rdb.SRem(ctx, activeIndexKey, executionID)
			}
			return next, nil
		}
		metrics.OCCRetryTotal.Inc()
		if attempt >= r.opts.MaxOCCRetries {
			metrics.OCCConflictTotal.Inc()
			return nil, pkgerrors.ErrVersionConflict
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(occBackoff(r.opts.OCCRetryBase, attempt)):
		}
	}
}

// occBackoff 指数退避加全幅抖动：base*2^n 为上界的随机等待
func occBackoff(base time.Duration, attempt int) time.Duration {
	max := base << uint(attempt)
	if max <= 0 {
		max = base
	}
	return time.Duration(rand.Int63n(int64(max)) + int64(base)/2)
}

func (r *Redis) ListActive(ctx context.Context) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, activeIndexKey).Result()
	return ids, pkgerrors.Wrap(err, "list active executions")
}

func (r *Redis) AcquireExecutionLock(ctx context.Context, executionID string) (string, error) {
	token := newLockToken()
	ok, err := r.rdb.SetNX(ctx, lockKey(executionID), token, r.opts.ExecutionLockTTL).Result()
	if err != nil {
		return "", pkgerrors.Wrap(err, "acquire execution lock")
	}
	if !ok {
		metrics.LockContentionTotal.WithLabelValues("coarse").Inc()
		return "", pkgerrors.ErrLockHeld
	}
	return token, nil
}

func (r *Redis) ReleaseExecutionLock(ctx context.Context, executionID, token string) error {
	_, err := unlockScript.Run(ctx, r.rdb, []string{lockKey(executionID)}, token).Int()
	return pkgerrors.Wrap(err, "release execution lock")
}

func (r *Redis) AcquireStepLock(ctx context.Context, executionID string, stepIndex int, stepID string) (StepLockOutcome, error) {
	key := stepLockKey(executionID, stepIndex)
	ok, err := r.rdb.SetNX(ctx, key, stepID, r.opts.StepLockTTL).Result()
	if err != nil {
		return 0, pkgerrors.Wrap(err, "acquire step lock")
	}
	if ok {
		return StepLockAcquired, nil
	}
	holder, err := r.rdb.Get(ctx, key).Result()
	if err != nil && err != redis.Nil {
		return 0, pkgerrors.Wrap(err, "inspect step lock")
	}
	if holder == stepID {
		metrics.LockContentionTotal.WithLabelValues("step").Inc()
		return StepLockDuplicate, nil
	}
	// 旧 plan 遗留的陈旧锁（replan 后索引复用）：覆盖为当前 step id
	if err := r.rdb.Set(ctx, key, stepID, r.opts.StepLockTTL).Err(); err != nil {
		return 0, pkgerrors.Wrap(err, "reclaim step lock")
	}
	return StepLockReclaimed, nil
}

func (r *Redis) ReleaseStepLock(ctx context.Context, executionID string, stepIndex int) error {
	return pkgerrors.Wrap(r.rdb.Del(ctx, stepLockKey(executionID, stepIndex)).Err(), "release step lock")
}

func (r *Redis) StepLockHolder(ctx context.Context, executionID string, stepIndex int) (string, error) {
	holder, err := r.rdb.Get(ctx, stepLockKey(executionID, stepIndex)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", pkgerrors.Wrap(err, "inspect step lock")
	}
	return holder, nil
}

func (r *Redis) PutCheckpoint(ctx context.Context, executionID string, ck saga.CheckpointRef) error {
	data, err := json.Marshal(ck)
	if err != nil {
		return pkgerrors.Wrap(err, "marshal checkpoint")
	}
	return pkgerrors.Wrap(
		r.rdb.Set(ctx, checkpointKey(executionID), data, r.opts.CheckpointTTL).Err(),
		"put checkpoint")
}

func (r *Redis) GetCheckpoint(ctx context.Context, executionID string) (*saga.CheckpointRef, error) {
	data, err := r.rdb.Get(ctx, checkpointKey(executionID)).Bytes()
	if err == redis.Nil {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "get checkpoint")
	}
	var ck saga.CheckpointRef
	if err := json.Unmarshal(data, &ck); err != nil {
		return nil, pkgerrors.Wrap(err, "unmarshal checkpoint")
	}
	return &ck, nil
}

func (r *Redis) DeleteCheckpoint(ctx context.Context, executionID string) error {
	return pkgerrors.Wrap(r.rdb.Del(ctx, checkpointKey(executionID)).Err(), "delete checkpoint")
}

func (r *Redis) PutReplanMarker(ctx context.Context, m saga.ReplanMarker) error {
	data, err := json.Marshal(m)
	if err != nil {
		return pkgerrors.Wrap(err, "marshal replan marker")
	}
	return pkgerrors.Wrap(
		r.rdb.Set(ctx, replanKey(m.ExecutionID), data, r.opts.ReplanMarkerTTL).Err(),
		"put replan marker")
}

func (r *Redis) TakeReplanMarker(ctx context.Context, executionID string) (*saga.ReplanMarker, error) {
	v, err := takeScript.Run(ctx, r.rdb, []string{replanKey(executionID)}).Text()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "take replan marker")
	}
	var m saga.ReplanMarker
	if err := json.Unmarshal([]byte(v), &m); err != nil {
		return nil, pkgerrors.Wrap(err, "unmarshal replan marker")
	}
	return &m, nil
}

func (r *Redis) PutTombstone(ctx context.Context, executionID, reason string) error {
	return pkgerrors.Wrap(
		r.rdb.Set(ctx, tombstoneKey(executionID), reason, r.opts.TombstoneTTL).Err(),
		"put tombstone")
}

func (r *Redis) IsTombstoned(ctx context.Context, executionID string) (bool, error) {
	n, err := r.rdb.Exists(ctx, tombstoneKey(executionID)).Result()
	if err != nil {
		return false, pkgerrors.Wrap(err, "check tombstone")
	}
	return n > 0, nil
}

func (r *Redis) PutDLQEntry(ctx context.Context, e saga.DLQEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return pkgerrors.Wrap(err, "marshal dlq entry")
	}
	pipe := r.rdb.Pipeline()
	pipe.Set(ctx, dlqKey(e.ExecutionID), data, r.opts.DLQEntryTTL)
	pipe.SAdd(ctx, dlqIndexKey, e.ExecutionID)
	_, err = pipe.Exec(ctx)
	return pkgerrors.Wrap(err, "put dlq entry")
}

func (r *Redis) GetDLQEntry(ctx context.Context, executionID string) (*saga.DLQEntry, error) {
	data, err := r.rdb.Get(ctx, dlqKey(executionID)).Bytes()
	if err == redis.Nil {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "get dlq entry")
	}
	var e saga.DLQEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, pkgerrors.Wrap(err, "unmarshal dlq entry")
	}
	return &e, nil
}

func (r *Redis) ListDLQEntries(ctx context.Context) ([]saga.DLQEntry, error) {
	ids, err := r.rdb.SMembers(ctx, dlqIndexKey).Result()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list dlq index")
	}
	entries := make([]saga.DLQEntry, 0, len(ids))
	for _, id := range ids {
		e, err := r.GetDLQEntry(ctx, id)
		if pkgerrors.Is(err, pkgerrors.ErrNotFound) {
			// 条目 TTL 过期，顺手清理索引
			r.rdb.SRem(ctx, dlqIndexKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, nil
}

func (r *Redis) DeleteDLQEntry(ctx context.Context, executionID string) error {
	pipe := r.rdb.Pipeline()
	pipe.Del(ctx, dlqKey(executionID))
	pipe.SRem(ctx, dlqIndexKey, executionID)
	_, err := pipe.Exec(ctx)
	return pkgerrors.Wrap(err, "delete dlq entry")
}

func (r *Redis) PopOutbox(ctx context.Context, max int) ([]saga.Event, error) {
	vals, err := r.rdb.LPopCount(ctx, outboxKey, max).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "pop outbox")
	}
	events := make([]saga.Event, 0, len(vals))
	for _, v := range vals {
		var ev saga.Event
		if err := json.Unmarshal([]byte(v), &ev); err != nil {
			continue // 坏载荷不阻塞排空
		}
		events = append(events, ev)
	}
	return events, nil
}

func (r *Redis) RequeueOutbox(ctx context.Context, events []saga.Event) error {
	// 逆序 LPUSH 保持原有顺序
	for i := len(events) - 1; i >= 0; i-- {
		data, err := json.Marshal(events[i])
		if err != nil {
			return pkgerrors.Wrap(err, "marshal outbox event")
		}
		if err := r.rdb.LPush(ctx, outboxKey, data).Err(); err != nil {
			return pkgerrors.Wrap(err, "requeue outbox")
		}
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return pkgerrors.Wrap(r.rdb.Ping(ctx).Err(), "ping redis")
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
