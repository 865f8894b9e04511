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

package tool

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// LimitConfig 单工具限流配置
type LimitConfig struct {
	QPS           float64 // 每秒请求数；0 表示不限
	MaxConcurrent int     // 最大并发；0 表示不限
	Burst         int     // 令牌桶容量，默认取 QPS
}

// RateLimiter 工具维度限流：QPS（令牌桶）+ 并发信号量。
// 等待受 ctx 约束，段预算触发取消时立即返回。
type RateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*toolLimiter
	defaults *LimitConfig
}

type toolLimiter struct {
	rateLimiter *rate.Limiter
	semaphore   chan struct{}
}

// NewRateLimiter 创建限流器；defaults 为 nil 时未配置的工具不限流。
func NewRateLimiter(configs map[string]LimitConfig, defaults *LimitConfig) *RateLimiter {
	rl := &RateLimiter{
		limiters: make(map[string]*toolLimiter),
		defaults: defaults,
	}
	for name, cfg := range configs {
		rl.limiters[name] = newToolLimiter(cfg)
	}
	return rl
}

func newToolLimiter(cfg LimitConfig) *toolLimiter {
	if cfg.Burst == 0 {
		cfg.Burst = int(cfg.QPS)
	}
	tl := &toolLimiter{}
	if cfg.QPS > 0 {
		tl.rateLimiter = rate.NewLimiter(rate.Limit(cfg.QPS), cfg.Burst)
	}
	if cfg.MaxConcurrent > 0 {
		tl.semaphore = make(chan struct{}, cfg.MaxConcurrent)
	}
	return tl
}

func (rl *RateLimiter) limiterFor(name string) *toolLimiter {
	rl.mu.RLock()
	tl, ok := rl.limiters[name]
	rl.mu.RUnlock()
	if ok {
		return tl
	}
	if rl.defaults == nil {
		return nil
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if tl, ok = rl.limiters[name]; ok {
		return tl
	}
	tl = newToolLimiter(*rl.defaults)
	rl.limiters[name] = tl
	return tl
}

// Acquire 取得调用许可；返回的 release 在调用结束后必须执行。
func (rl *RateLimiter) Acquire(ctx context.Context, name string) (release func(), err error) {
	tl := rl.limiterFor(name)
	if tl == nil {
		return func() {}, nil
	}
	if tl.rateLimiter != nil {
		if err := tl.rateLimiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if tl.semaphore != nil {
		select {
		case tl.semaphore <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return func() { <-tl.semaphore }, nil
	}
	return func() {}, nil
}
