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

package http

import (
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"
	"github.com/hertz-contrib/jwt"

	"saga-platform/internal/api/http/middleware"
	"saga-platform/pkg/log"
)

// Router 路由装配。认证中间件由 app 层按配置注入。
type Router struct {
	handler  *Handler
	stepAuth app.HandlerFunc
	meshAuth app.HandlerFunc
	logger   *log.Logger
	adminJWT *jwt.HertzJWTMiddleware
	cors     bool
}

// NewRouter 创建路由器。stepAuth 保护 /engine/execute-step，
// meshAuth 保护 /mesh/resume。
func NewRouter(h *Handler, stepAuth, meshAuth app.HandlerFunc, logger *log.Logger) *Router {
	return &Router{handler: h, stepAuth: stepAuth, meshAuth: meshAuth, logger: logger}
}

// SetAdminJWT 启用 /dlq/* 的 JWT 认证（生产 profile 必须开启）。
func (r *Router) SetAdminJWT(mw *jwt.HertzJWTMiddleware) { r.adminJWT = mw }

// SetCORS 启用跨域响应头。
func (r *Router) SetCORS(enable bool) { r.cors = enable }

// Build 构造 Hertz server 并注册全部路由。
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	allOpts := append([]config.Option{server.WithHostPorts(addr)}, opts...)
	srv := server.New(allOpts...)

	srv.Use(middleware.AccessLog(r.logger))
	if r.cors {
		srv.Use(middleware.CORS())
	}

	srv.POST("/chat", r.handler.Chat)
	srv.POST("/engine/execute-step", r.stepAuth, r.handler.ExecuteStep)
	srv.POST("/mesh/resume", r.meshAuth, r.handler.MeshResume)

	srv.GET("/executions/:id", r.handler.GetExecution)
	srv.GET("/executions/:id/history", r.handler.GetExecutionHistory)

	dlqGroup := srv.Group("/dlq")
	if r.adminJWT != nil {
		dlqGroup.Use(r.adminJWT.MiddlewareFunc())
	}
	dlqGroup.GET("/sagas", r.handler.ListDLQ)
	dlqGroup.GET("/stats", r.handler.DLQStats)
	dlqGroup.GET("/sagas/:id", r.handler.GetDLQEntry)
	dlqGroup.POST("/sagas/:id/resume", r.handler.ResumeDLQ)
	dlqGroup.POST("/sagas/:id/cancel", r.handler.CancelDLQ)

	srv.GET("/health", r.handler.Health)
	srv.GET("/metrics", r.handler.Metrics)

	return srv
}
