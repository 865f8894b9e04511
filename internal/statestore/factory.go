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
	"time"

	"github.com/redis/go-redis/v9"

	"saga-platform/pkg/config"
	pkgerrors "saga-platform/pkg/errors"
	"saga-platform/pkg/log"
)

func mustJSON(v any) string {
	data, _ := json.Marshal(v)
	return string(data)
}

func fromJSON(s string, v any) error {
	return pkgerrors.Wrap(json.Unmarshal([]byte(s), v), "decode stored record")
}

// OptionsFromConfig 把配置里的字符串时长转换为 Options。
func OptionsFromConfig(cfg *config.Config) Options {
	s := cfg.Saga
	return Options{
		ExecutionLockTTL: config.Duration(s.CoarseLockTTL, 30*time.Second),
		StepLockTTL:      config.Duration(s.StepLockTTL, time.Hour),
		CheckpointTTL:    config.Duration(s.CheckpointTTL, 24*time.Hour),
		ReplanMarkerTTL:  config.Duration(s.ReplanMarkerTTL, 5*time.Minute),
		DLQEntryTTL:      config.Duration(s.DLQ.EntryTTL, 7*24*time.Hour),
		TombstoneTTL:     config.Duration(s.TombstoneTTL, 7*24*time.Hour),
		MaxOCCRetries:    s.MaxOCCRetries,
		OCCRetryBase:     config.Duration(s.OCCBaseDelay, 50*time.Millisecond),
	}
}

// New 按配置构建状态存储。type=redis 且连接失败时按 on_unreachable 策略降级：
// fail_fast 直接报错；fallback_memory 退回进程内实现（告警日志，保证降级）。
func New(cfg *config.Config, logger *log.Logger) (Store, error) {
	opts := OptionsFromConfig(cfg)
	switch cfg.StateStore.Type {
	case "", "memory":
		return NewMemory(opts), nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.StateStore.Addr,
			DB:       cfg.StateStore.DB,
			Password: cfg.StateStore.Password,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			if cfg.StateStore.OnUnreachable == "fallback_memory" {
				logger.Warn("state store unreachable, falling back to in-process memory store",
					"addr", cfg.StateStore.Addr, "error", err)
				return NewMemory(opts), nil
			}
			return nil, pkgerrors.Wrap(err, "connect state store")
		}
		return NewRedis(rdb, opts), nil
	default:
		return nil, pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "unknown state store type %q", cfg.StateStore.Type)
	}
}
