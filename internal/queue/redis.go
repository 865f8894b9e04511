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
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	pkgerrors "saga-platform/pkg/errors"
)

// Redis 键布局：pending 为立即投递列表，scheduled 为延迟投递有序集合
// （score = not-before 毫秒时间戳），dead 为投递彻底失败的作业。
const (
	pendingKey   = "queue:pending"
	scheduledKey = "queue:scheduled"
	deadKey      = "queue:dead"
)

// RedisQueue 生产路径的作业队列。入队方与 dispatcher 共用此类型。
type RedisQueue struct {
	rdb *redis.Client
}

// NewRedisQueue 基于现成的 go-redis 客户端创建队列。
func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

func (q *RedisQueue) EnqueueStep(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return pkgerrors.Wrap(err, "marshal job")
	}
	if !job.NotBefore.IsZero() && job.NotBefore.After(time.Now()) {
		err = q.rdb.ZAdd(ctx, scheduledKey, redis.Z{
			Score:  float64(job.NotBefore.UnixMilli()),
			Member: data,
		}).Err()
		return pkgerrors.Wrap(err, "schedule job")
	}
	return pkgerrors.Wrap(q.rdb.LPush(ctx, pendingKey, data).Err(), "enqueue job")
}

// PromoteDue 把到期的延迟作业搬进 pending 列表，返回搬运条数。
func (q *RedisQueue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	members, err := q.rdb.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: formatMilli(now),
	}).Result()
	if err != nil {
		return 0, pkgerrors.Wrap(err, "scan scheduled jobs")
	}
	moved := 0
	for _, m := range members {
		removed, err := q.rdb.ZRem(ctx, scheduledKey, m).Result()
		if err != nil {
			return moved, pkgerrors.Wrap(err, "remove scheduled job")
		}
		if removed == 0 {
			continue // 其他 dispatcher 抢先搬走
		}
		if err := q.rdb.LPush(ctx, pendingKey, m).Err(); err != nil {
			return moved, pkgerrors.Wrap(err, "promote job")
		}
		moved++
	}
	return moved, nil
}

// Dequeue 阻塞取出一个待投递作业；超时无作业返回 (nil, nil)。
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	res, err := q.rdb.BRPop(ctx, timeout, pendingKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "dequeue job")
	}
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, pkgerrors.Wrap(err, "unmarshal job")
	}
	return &job, nil
}

// Bury 把投递彻底失败的作业落入 dead 列表，留给人工排查。
func (q *RedisQueue) Bury(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return pkgerrors.Wrap(err, "marshal job")
	}
	return pkgerrors.Wrap(q.rdb.LPush(ctx, deadKey, data).Err(), "bury job")
}

func (q *RedisQueue) Close() error { return nil }

func formatMilli(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
