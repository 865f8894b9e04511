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
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"saga-platform/internal/saga"
	pkgerrors "saga-platform/pkg/errors"
	"saga-platform/pkg/tracing"
)

// technicalError 网络/429/5xx 一类的可重试失败。
type technicalError struct {
	msg string
}

func (e *technicalError) Error() string { return e.msg }

func newTechnicalError(format string, args ...any) *technicalError {
	return &technicalError{msg: fmt.Sprintf(format, args...)}
}

// RemoteServerConfig 单个远程工具服务器。
type RemoteServerConfig struct {
	Name    string
	BaseURL string
	Timeout time.Duration
	// BreakerMaxFailures 连续失败多少次后熔断（默认 5）。
	BreakerMaxFailures int
	// BreakerOpenFor 熔断后多久进入半开（默认 30s）。
	BreakerOpenFor time.Duration
}

// remoteInvokeResponse 远程调用的线上应答。
type remoteInvokeResponse struct {
	OK           bool                      `json:"ok"`
	Output       map[string]any            `json:"output,omitempty"`
	Error        string                    `json:"error,omitempty"`
	Compensation *saga.CompensationRecipe  `json:"compensation,omitempty"`
}

// RemoteServer 远程工具服务器客户端。工具目录通过 GET /tools 发现并缓存，
// 调用走 POST /tools/{name}。每台服务器独立熔断：熔断开启期间的调用
// 直接按技术错误返回，不发网络请求。
type RemoteServer struct {
	name    string
	client  *resty.Client
	breaker *gobreaker.CircuitBreaker

	mu       sync.RWMutex
	catalog  map[string]ToolDescriptor
	cachedAt time.Time
	cacheTTL time.Duration
}

// NewRemoteServer 创建远程服务器客户端。
func NewRemoteServer(cfg RemoteServerConfig) *RemoteServer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxFailures := cfg.BreakerMaxFailures
	if maxFailures <= 0 {
		maxFailures = 5
	}
	openFor := cfg.BreakerOpenFor
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &RemoteServer{
		name: cfg.Name,
		client: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    cfg.Name,
			Timeout: openFor,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(maxFailures)
			},
		}),
		catalog:  make(map[string]ToolDescriptor),
		cacheTTL: time.Minute,
	}
}

// Advertises 服务器是否提供该工具。目录缓存过期时重新发现；
// 发现失败视为不提供（解析顺序落到下一台服务器或本地注册表）。
func (s *RemoteServer) Advertises(ctx context.Context, name string) bool {
	s.mu.RLock()
	fresh := time.Since(s.cachedAt) < s.cacheTTL
	_, ok := s.catalog[name]
	s.mu.RUnlock()
	if fresh {
		return ok
	}
	if err := s.discover(ctx); err != nil {
		return ok // 旧目录兜底
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok = s.catalog[name]
	return ok
}

func (s *RemoteServer) discover(ctx context.Context) error {
	var tools []ToolDescriptor
	resp, err := s.client.R().SetContext(ctx).SetResult(&tools).Get("/tools")
	if err != nil {
		return pkgerrors.Wrapf(err, "discover tools on %s", s.name)
	}
	if resp.IsError() {
		return pkgerrors.Wrapf(pkgerrors.ErrNotFound, "discover tools on %s: HTTP %d", s.name, resp.StatusCode())
	}
	s.mu.Lock()
	s.catalog = make(map[string]ToolDescriptor, len(tools))
	for _, t := range tools {
		s.catalog[t.Name] = t
	}
	s.cachedAt = time.Now()
	s.mu.Unlock()
	return nil
}

// Invoke 调用远程工具。逻辑失败返回 *LogicalError，技术失败返回 *technicalError。
func (s *RemoteServer) Invoke(ctx context.Context, name string, params map[string]any) (*Invocation, error) {
	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.doInvoke(ctx, name, params)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, newTechnicalError("server %s circuit open", s.name)
		}
		return nil, err
	}
	return out.(*Invocation), nil
}

func (s *RemoteServer) doInvoke(ctx context.Context, name string, params map[string]any) (*Invocation, error) {
	var body remoteInvokeResponse
	tc := tracing.TraceContextFrom(ctx)
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeaders(tc.HeaderMap()).
		SetBody(map[string]any{"parameters": params}).
		SetResult(&body).
		Post("/tools/" + name)
	if err != nil {
		return nil, newTechnicalError("invoke %s on %s: %v", name, s.name, err)
	}
	code := resp.StatusCode()
	switch {
	case code == 429 || code >= 500:
		return nil, newTechnicalError("invoke %s on %s: HTTP %d", name, s.name, code)
	case code >= 400:
		// 远端明确拒绝：按逻辑错误上浮，重试不会改变结果
		return nil, &LogicalError{Message: fmt.Sprintf("server %s rejected %s: HTTP %d %s", s.name, name, code, resp.String())}
	}
	if !body.OK {
		return nil, &LogicalError{Message: body.Error}
	}
	return &Invocation{Output: body.Output, Compensation: body.Compensation}, nil
}
