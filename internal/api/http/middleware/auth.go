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

// Package middleware 提供 HTTP 面的认证与访问日志中间件。
package middleware

import (
	"context"
	"crypto/subtle"
	"strings"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"saga-platform/internal/queue"
)

// InternalKeyHeader 内部系统直调 /engine/execute-step 的旁路头。
const InternalKeyHeader = "x-internal-system-key"

// StepAuthConfig 队列回调端点的认证参数。
type StepAuthConfig struct {
	// Signer 校验投递签名；nil 或未启用时仅内部密钥可用。
	Signer *queue.Signer
	// InternalKey 内部系统旁路密钥；空串禁用旁路。
	InternalKey string
	// Strict 为 false 时放行未签名请求（仅限本地开发 profile）。
	Strict bool
}

// StepAuth 保护 /engine/execute-step：HMAC 投递签名或内部系统密钥，
// 二者任一通过即放行。签名覆盖原始请求体。
func StepAuth(cfg StepAuthConfig) app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		if key := string(c.GetHeader(InternalKeyHeader)); key != "" && cfg.InternalKey != "" {
			if subtle.ConstantTimeCompare([]byte(key), []byte(cfg.InternalKey)) == 1 {
				c.Next(ctx)
				return
			}
			hlog.CtxWarnf(ctx, "execute-step rejected: internal key mismatch")
			unauthorized(c, "invalid internal system key")
			return
		}

		sig := string(c.GetHeader(queue.SignatureHeader))
		if sig != "" && cfg.Signer != nil && cfg.Signer.Enabled() {
			if cfg.Signer.Verify(c.Request.Body(), sig) {
				c.Next(ctx)
				return
			}
			hlog.CtxWarnf(ctx, "execute-step rejected: signature verification failed")
			unauthorized(c, "invalid delivery signature")
			return
		}

		if !cfg.Strict {
			c.Next(ctx)
			return
		}
		hlog.CtxWarnf(ctx, "execute-step rejected: no credentials presented")
		unauthorized(c, "missing delivery signature or internal system key")
	}
}

// MeshAuth 保护 /mesh/resume：固定 Bearer 服务令牌。
// token 为空时端点直接拒绝，避免误配成开放面。
func MeshAuth(token string) app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		if token == "" {
			unauthorized(c, "mesh resume disabled: no service token configured")
			return
		}
		auth := string(c.GetHeader("Authorization"))
		presented, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			hlog.CtxWarnf(ctx, "mesh resume rejected: bad service token")
			unauthorized(c, "invalid service token")
			return
		}
		c.Next(ctx)
	}
}

func unauthorized(c *app.RequestContext, msg string) {
	c.JSON(consts.StatusUnauthorized, map[string]any{
		"success": false, "error": msg,
	})
	c.Abort()
}
