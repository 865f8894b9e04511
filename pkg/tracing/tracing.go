// Package tracing 提供 OpenTelemetry 初始化与显式 TraceContext。
// 不使用隐式全局 trace 状态：跨 HTTP 边界（队列投递、远程工具、mesh resume）
// 一律通过 TraceContext 的 ToHeaders/FromHeaders 显式传递。
package tracing

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Header 约定：与上游 webhook / 内部服务间共享
const (
	HeaderTraceID       = "x-trace-id"
	HeaderSpanID        = "x-span-id"
	HeaderParentSpanID  = "x-parent-span-id"
	HeaderCorrelationID = "x-correlation-id"
)

// TraceContext 显式链路上下文，随执行状态与队列 Job 持久化
type TraceContext struct {
	TraceID       string `json:"trace_id"`
	SpanID        string `json:"span_id,omitempty"`
	ParentSpanID  string `json:"parent_span_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// NewTraceContext 创建新的根 TraceContext
func NewTraceContext() TraceContext {
	return TraceContext{
		TraceID:       uuid.NewString(),
		CorrelationID: uuid.NewString(),
	}
}

// Child 派生子上下文：当前 span 成为 parent
func (tc TraceContext) Child() TraceContext {
	return TraceContext{
		TraceID:       tc.TraceID,
		SpanID:        uuid.NewString(),
		ParentSpanID:  tc.SpanID,
		CorrelationID: tc.CorrelationID,
	}
}

// FromSpan 从活动 OTel span 提取 trace/span id（存在时优先）
func FromSpan(ctx context.Context) TraceContext {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return NewTraceContext()
	}
	return TraceContext{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
	}
}

// ToHeaders 写入 HTTP header
func (tc TraceContext) ToHeaders(h http.Header) {
	if tc.TraceID != "" {
		h.Set(HeaderTraceID, tc.TraceID)
	}
	if tc.SpanID != "" {
		h.Set(HeaderSpanID, tc.SpanID)
	}
	if tc.ParentSpanID != "" {
		h.Set(HeaderParentSpanID, tc.ParentSpanID)
	}
	if tc.CorrelationID != "" {
		h.Set(HeaderCorrelationID, tc.CorrelationID)
	}
}

// HeaderMap 以 map 形式导出（resty SetHeaders / 队列 Job 序列化用）
func (tc TraceContext) HeaderMap() map[string]string {
	m := make(map[string]string, 4)
	if tc.TraceID != "" {
		m[HeaderTraceID] = tc.TraceID
	}
	if tc.SpanID != "" {
		m[HeaderSpanID] = tc.SpanID
	}
	if tc.ParentSpanID != "" {
		m[HeaderParentSpanID] = tc.ParentSpanID
	}
	if tc.CorrelationID != "" {
		m[HeaderCorrelationID] = tc.CorrelationID
	}
	return m
}

// FromHeaders 从 HTTP header 读取；缺失 trace id 时生成新上下文
func FromHeaders(get func(string) string) TraceContext {
	tc := TraceContext{
		TraceID:       get(HeaderTraceID),
		SpanID:        get(HeaderSpanID),
		ParentSpanID:  get(HeaderParentSpanID),
		CorrelationID: get(HeaderCorrelationID),
	}
	if tc.TraceID == "" {
		return NewTraceContext()
	}
	return tc
}

type traceContextKey struct{}

// WithTraceContext 放入 ctx，供深层调用读取
func WithTraceContext(ctx context.Context, tc TraceContext) context.Context {
	return context.WithValue(ctx, traceContextKey{}, tc)
}

// TraceContextFrom 从 ctx 取出；不存在时返回新上下文
func TraceContextFrom(ctx context.Context) TraceContext {
	if v, ok := ctx.Value(traceContextKey{}).(TraceContext); ok {
		return v
	}
	return NewTraceContext()
}
