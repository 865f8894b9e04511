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
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"saga-platform/internal/saga"
	"saga-platform/pkg/log"
	"saga-platform/pkg/metrics"
)

// ExecutorOptions 执行器行为参数。
type ExecutorOptions struct {
	// RetryMaxAttempts 技术错误重试上限（含首次，默认 3）。
	RetryMaxAttempts int
	// RetryBackoff 指数退避基值（默认 200ms），第 n 次重试等待 base*2^n。
	RetryBackoff time.Duration
}

func (o ExecutorOptions) withDefaults() ExecutorOptions {
	if o.RetryMaxAttempts <= 0 {
		o.RetryMaxAttempts = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 200 * time.Millisecond
	}
	return o
}

// Executor C4 实现。解析顺序：远程服务器优先（先声明先得），
// 其次本地注册表；未知工具返回 TOOL_NOT_FOUND。
type Executor struct {
	registry *Registry
	servers  []*RemoteServer
	limiter  *RateLimiter
	opts     ExecutorOptions
	logger   *log.Logger

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema
}

// NewExecutor 创建执行器。servers 与 limiter 可为 nil。
func NewExecutor(registry *Registry, servers []*RemoteServer, limiter *RateLimiter, opts ExecutorOptions, logger *log.Logger) *Executor {
	return &Executor{
		registry: registry,
		servers:  servers,
		limiter:  limiter,
		opts:     opts.withDefaults(),
		logger:   logger.Component("tool-executor"),
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// Registry 暴露底层注册表（needs-compensation 查询用）。
func (e *Executor) Registry() *Registry { return e.registry }

// Execute 按 §4.1 契约执行工具：与 timeout 及调用方取消信号赛跑，
// 技术错误指数退避重试，出参按工具声明的 schema 校验。
func (e *Executor) Execute(ctx context.Context, name string, params map[string]any, timeout time.Duration) Result {
	start := time.Now()
	result := e.execute(ctx, name, params, timeout)
	result.LatencyMS = time.Since(start).Milliseconds()

	outcome := "ok"
	if !result.OK {
		switch result.ErrorCode {
		case saga.CodeTimeout:
			outcome = "timeout"
		case saga.CodeCancelled:
			outcome = "cancelled"
		case saga.CodeToolNotFound:
			outcome = "not_found"
		case saga.CodeTechnicalError:
			outcome = "technical_error"
		default:
			outcome = "logical_error"
		}
	}
	metrics.ToolInvocationTotal.WithLabelValues(name, outcome).Inc()
	metrics.ToolDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	return result
}

func (e *Executor) execute(ctx context.Context, name string, params map[string]any, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = time.Duration(saga.DefaultStepTimeoutMS) * time.Millisecond
	}
	if e.limiter != nil {
		release, err := e.limiter.Acquire(ctx, name)
		if err != nil {
			return cancellationResult(ctx, err)
		}
		defer release()
	}

	invoke, resultSchema, found := e.resolve(ctx, name)
	if !found {
		return Result{OK: false, ErrorCode: saga.CodeToolNotFound, ErrorMessage: "unknown tool " + name}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inv, err := e.invokeWithRetry(callCtx, ctx, name, params, invoke)
	if err != nil {
		return errorResult(ctx, callCtx, err)
	}

	if resultSchema != "" {
		if err := e.validateOutput(name, resultSchema, inv.Output); err != nil {
			return Result{OK: false, ErrorCode: saga.CodeSchemaError, ErrorMessage: err.Error()}
		}
	}
	return Result{OK: true, Output: inv.Output, Compensation: inv.Compensation}
}

// invokeFunc 一次底层调用（本地或远程）。
type invokeFunc func(ctx context.Context, params map[string]any) (*Invocation, error)

// resolve 远程优先，本地兜底。
func (e *Executor) resolve(ctx context.Context, name string) (invokeFunc, string, bool) {
	for _, srv := range e.servers {
		if srv.Advertises(ctx, name) {
			srv := srv
			return func(ctx context.Context, params map[string]any) (*Invocation, error) {
				return srv.Invoke(ctx, name, params)
			}, "", true
		}
	}
	if t, ok := e.registry.Get(name); ok {
		return t.Execute, t.ResultSchema(), true
	}
	return nil, "", false
}

// invokeWithRetry 在 callCtx 预算内重试技术错误；逻辑错误立即上浮。
func (e *Executor) invokeWithRetry(callCtx, parentCtx context.Context, name string, params map[string]any, invoke invokeFunc) (*Invocation, error) {
	var lastErr error
	for attempt := 0; attempt < e.opts.RetryMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-callCtx.Done():
				return nil, callCtx.Err()
			case <-time.After(e.opts.RetryBackoff << uint(attempt-1)):
			}
		}
		inv, err := e.runOne(callCtx, params, invoke)
		if err == nil {
			return inv, nil
		}
		lastErr = err
		if !isTechnical(err) {
			return nil, err
		}
		if parentCtx.Err() != nil || callCtx.Err() != nil {
			return nil, callCtx.Err()
		}
		e.logger.Warn("tool invocation failed, retrying",
			"tool", name, "attempt", attempt, "error", err)
	}
	return nil, lastErr
}

// runOne 单次调用，与 callCtx 的截止/取消赛跑。
// 工具不守约时调用方仍及时返回；泄漏的 goroutine 随工具自身退出。
func (e *Executor) runOne(callCtx context.Context, params map[string]any, invoke invokeFunc) (*Invocation, error) {
	type outcome struct {
		inv *Invocation
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: &LogicalError{Code: saga.CodeInternalError, Message: "tool panicked"}}
			}
		}()
		inv, err := invoke(callCtx, params)
		ch <- outcome{inv: inv, err: err}
	}()
	select {
	case <-callCtx.Done():
		return nil, callCtx.Err()
	case out := <-ch:
		return out.inv, out.err
	}
}

// validateOutput 出参 schema 校验；违反时转 LOGICAL_ERROR(schema)，不抛出。
func (e *Executor) validateOutput(name, schemaSrc string, output map[string]any) error {
	sch, err := e.compiledSchema(name, schemaSrc)
	if err != nil {
		return err
	}
	// round-trip 到 JSON 原生类型，schema 校验器只认这些
	raw, err := json.Marshal(output)
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return err
	}
	return sch.Validate(doc)
}

func (e *Executor) compiledSchema(name, src string) (*jsonschema.Schema, error) {
	e.schemaMu.Lock()
	defer e.schemaMu.Unlock()
	if sch, ok := e.schemas[name]; ok {
		return sch, nil
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	url := "saga://tools/" + name + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, err
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, err
	}
	e.schemas[name] = sch
	return sch, nil
}

func isTechnical(err error) bool {
	var te *technicalError
	return errors.As(err, &te)
}

// errorResult 把调用错误翻译为统一出参。取消/超时先于错误类型判定：
// 段预算取消必须表现为 CANCELLED，而非偶然的技术错误文案。
func errorResult(parentCtx, callCtx context.Context, err error) Result {
	if parentCtx.Err() != nil {
		return Result{OK: false, ErrorCode: saga.CodeCancelled, ErrorMessage: "invocation cancelled"}
	}
	if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
		return Result{OK: false, ErrorCode: saga.CodeTimeout, ErrorMessage: "invocation timed out"}
	}
	var le *LogicalError
	if errors.As(err, &le) {
		return Result{OK: false, ErrorCode: le.code(), ErrorMessage: le.Message}
	}
	if isTechnical(err) {
		return Result{OK: false, ErrorCode: saga.CodeTechnicalError, ErrorMessage: err.Error()}
	}
	return Result{OK: false, ErrorCode: saga.CodeInternalError, ErrorMessage: err.Error()}
}

func cancellationResult(ctx context.Context, err error) Result {
	if ctx.Err() == context.Canceled {
		return Result{OK: false, ErrorCode: saga.CodeCancelled, ErrorMessage: "invocation cancelled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Result{OK: false, ErrorCode: saga.CodeTimeout, ErrorMessage: "invocation timed out"}
	}
	return Result{OK: false, ErrorCode: saga.CodeTechnicalError, ErrorMessage: err.Error()}
}
