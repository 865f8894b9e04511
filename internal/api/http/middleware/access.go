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

package middleware

import (
	"context"
	"time"

	"github.com/cloudwego/hertz/pkg/app"

	"saga-platform/pkg/log"
	"saga-platform/pkg/metrics"
	"saga-platform/pkg/tracing"
)

// AccessLog 结构化访问日志。请求无 trace 上下文时补发一个，
// 并把 trace id 回写到响应头便于排障串联。
func AccessLog(logger *log.Logger) app.HandlerFunc {
	accessLogger := logger.Component("access")
	return func(ctx context.Context, c *app.RequestContext) {
		start := time.Now()
		tc := tracing.FromHeaders(func(k string) string { return string(c.GetHeader(k)) })
		if tc.TraceID == "" {
			tc = tracing.NewTraceContext()
		}
		c.Header("x-trace-id", tc.TraceID)

		c.Next(tracing.WithTraceContext(ctx, tc))

		status := c.Response.StatusCode()
		elapsed := time.Since(start)
		metrics.HTTPRequestDuration.WithLabelValues(string(c.Method()), string(c.Path())).
			Observe(elapsed.Seconds())
		accessLogger.Info("request",
			"method", string(c.Method()),
			"path", string(c.Path()),
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
			"trace_id", tc.TraceID,
		)
	}
}
