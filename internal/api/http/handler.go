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

// Package http 暴露引擎的全部 HTTP 面：/chat 入口、/engine/execute-step
// 队列回调、/mesh/resume 恢复、/dlq/* 管理面与 /health、/metrics。
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/google/uuid"

	"saga-platform/internal/intent"
	"saga-platform/internal/journal"
	"saga-platform/internal/planner"
	"saga-platform/internal/queue"
	"saga-platform/internal/saga"
	"saga-platform/internal/saga/checkpoint"
	"saga-platform/internal/saga/dlq"
	"saga-platform/internal/saga/machine"
	"saga-platform/internal/statestore"
	pkgerrors "saga-platform/pkg/errors"
	"saga-platform/pkg/log"
	"saga-platform/pkg/metrics"
	"saga-platform/pkg/tracing"
)

// Handler 聚合所有端点依赖。
type Handler struct {
	store       statestore.Store
	machine     *machine.Machine
	intents     intent.Parser
	planner     planner.Planner
	checkpoints *checkpoint.Manager
	dlqAdmin    *dlq.Admin
	queue       queue.Enqueuer
	journal     journal.Recorder
	logger      *log.Logger
}

// NewHandler 创建 HTTP 处理器。journal 可为 nil（历史端点返回空）。
func NewHandler(
	store statestore.Store,
	m *machine.Machine,
	parser intent.Parser,
	p planner.Planner,
	ck *checkpoint.Manager,
	admin *dlq.Admin,
	q queue.Enqueuer,
	rec journal.Recorder,
	logger *log.Logger,
) *Handler {
	return &Handler{
		store:       store,
		machine:     m,
		intents:     parser,
		planner:     p,
		checkpoints: ck,
		dlqAdmin:    admin,
		queue:       q,
		journal:     rec,
		logger:      logger.Component("http"),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages     []chatMessage `json:"messages"`
	UserLocation *struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	} `json:"userLocation,omitempty"`
}

// Chat 入口点：解析意图、合成计划、落初始状态并投递第一步。
// 会话类意图（澄清/未知）直接返回文本应答，不创建执行。
// POST /chat
func (h *Handler) Chat(c context.Context, ctx *app.RequestContext) {
	var req chatRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
		badRequest(ctx, "body", "invalid JSON payload")
		return
	}
	text := lastUserMessage(req.Messages)
	if strings.TrimSpace(text) == "" {
		badRequest(ctx, "messages", "at least one user message required")
		return
	}

	parsed, err := h.intents.Parse(c, text)
	if err != nil {
		hlog.CtxErrorf(c, "intent parse failed: %v", err)
		internalError(ctx, "intent parsing failed")
		return
	}
	if req.UserLocation != nil {
		if parsed.Parameters == nil {
			parsed.Parameters = make(map[string]any)
		}
		if _, ok := parsed.Parameters["location"]; !ok {
			parsed.Parameters["location"] = map[string]any{
				"lat": req.UserLocation.Lat, "lng": req.UserLocation.Lng,
			}
		}
	}

	if conversational(parsed.Type) {
		ctx.JSON(consts.StatusOK, map[string]any{
			"success":    true,
			"intentType": parsed.Type,
			"response":   clarificationText(parsed),
		})
		return
	}

	plan, err := h.planner.PlanIntent(c, parsed, saga.PlanConstraints{})
	if err != nil {
		var verr *saga.ValidationError
		if pkgerrors.As(err, &verr) {
			validationFailed(ctx, verr)
			return
		}
		hlog.CtxErrorf(c, "plan synthesis failed: %v", err)
		internalError(ctx, "plan synthesis failed")
		return
	}

	executionID := uuid.NewString()
	st := saga.NewExecutionState(executionID, parsed, plan)
	st.Status = saga.StatusPlanned
	if err := h.store.CreateState(c, st); err != nil {
		hlog.CtxErrorf(c, "create execution state failed: %v", err)
		internalError(ctx, "execution creation failed")
		return
	}
	h.record(c, saga.NewEvent(saga.EventExecutionCreated, executionID).
		WithStatus(string(saga.StatusPlanned)))

	tc := tracing.FromHeaders(func(k string) string { return string(ctx.GetHeader(k)) })
	if err := h.queue.EnqueueStep(c, queue.NewJob(executionID, 0, tc.TraceID, tc.CorrelationID)); err != nil {
		hlog.CtxErrorf(c, "enqueue first step failed: %v", err)
		internalError(ctx, "job enqueue failed")
		return
	}

	ctx.JSON(consts.StatusOK, map[string]any{
		"success":     true,
		"executionId": executionID,
		"status":      saga.StatusPlanned,
		"intentType":  parsed.Type,
		"totalSteps":  len(plan.Steps),
	})
}

type executeStepRequest struct {
	ExecutionID    string `json:"executionId"`
	StartStepIndex *int   `json:"startStepIndex,omitempty"`
}

// ExecuteStep 队列投递回调：执行一个段。
// POST /engine/execute-step
func (h *Handler) ExecuteStep(c context.Context, ctx *app.RequestContext) {
	var req executeStepRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
		badRequest(ctx, "body", "invalid JSON payload")
		return
	}
	if req.ExecutionID == "" {
		badRequest(ctx, "executionId", "execution id required")
		return
	}
	if req.StartStepIndex != nil && *req.StartStepIndex < 0 {
		badRequest(ctx, "startStepIndex", "must be >= 0")
		return
	}

	segReq := machine.SegmentRequest{ExecutionID: req.ExecutionID}
	if req.StartStepIndex != nil {
		segReq.StartStepIndex = *req.StartStepIndex
	}

	tc := tracing.FromHeaders(func(k string) string { return string(ctx.GetHeader(k)) })
	res, err := h.machine.ExecuteSegment(tracing.WithTraceContext(c, tc), segReq)
	if err != nil {
		switch {
		case pkgerrors.Is(err, pkgerrors.ErrExecutionNotFound):
			ctx.JSON(consts.StatusNotFound, map[string]any{
				"success": false, "error": "execution not found",
			})
		case pkgerrors.Is(err, pkgerrors.ErrLockHeld):
			ctx.JSON(consts.StatusConflict, map[string]any{
				"success": false, "error": "execution lock held by another worker",
			})
		default:
			hlog.CtxErrorf(c, "segment execution failed for %s: %v", req.ExecutionID, err)
			internalError(ctx, "segment execution failed")
		}
		return
	}

	ctx.JSON(consts.StatusOK, map[string]any{
		"success":           true,
		"executionId":       res.ExecutionID,
		"stepExecuted":      res.StepExecuted,
		"stepStatus":        wireStepStatus(res),
		"completedSteps":    res.CompletedSteps,
		"totalSteps":        res.TotalSteps,
		"isComplete":        res.IsComplete,
		"nextStepTriggered": res.NextStepTriggered,
	})
}

type meshResumeRequest struct {
	ExecutionID string `json:"executionId"`
	TraceID     string `json:"traceId,omitempty"`
	Force       bool   `json:"force,omitempty"`
}

// MeshResume 服务网格恢复入口：从检查点继续执行。
// POST /mesh/resume
func (h *Handler) MeshResume(c context.Context, ctx *app.RequestContext) {
	var req meshResumeRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
		badRequest(ctx, "body", "invalid JSON payload")
		return
	}
	if req.ExecutionID == "" {
		badRequest(ctx, "executionId", "execution id required")
		return
	}

	tc := tracing.FromHeaders(func(k string) string { return string(ctx.GetHeader(k)) })
	if req.TraceID != "" {
		tc.TraceID = req.TraceID
	}
	status, err := h.checkpoints.Resume(tracing.WithTraceContext(c, tc), req.ExecutionID,
		checkpoint.ResumeOptions{Source: "mesh"})
	if err != nil {
		if pkgerrors.Is(err, pkgerrors.ErrExecutionNotFound) {
			ctx.JSON(consts.StatusNotFound, map[string]any{
				"success": false, "error": "execution not found",
			})
			return
		}
		hlog.CtxErrorf(c, "mesh resume failed for %s: %v", req.ExecutionID, err)
		internalError(ctx, "resume failed")
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{
		"success":     true,
		"executionId": req.ExecutionID,
		"status":      status,
		"resumed":     !status.Terminal(),
	})
}

// GetExecution 读取执行状态。
// GET /executions/:id
func (h *Handler) GetExecution(c context.Context, ctx *app.RequestContext) {
	id := ctx.Param("id")
	st, err := h.store.GetState(c, id)
	if err != nil {
		if pkgerrors.Is(err, pkgerrors.ErrExecutionNotFound) {
			ctx.JSON(consts.StatusNotFound, map[string]any{
				"success": false, "error": "execution not found",
			})
			return
		}
		internalError(ctx, "state load failed")
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{"success": true, "execution": st})
}

// GetExecutionHistory 读取执行事件历史（journal 归档）。
// GET /executions/:id/history
func (h *Handler) GetExecutionHistory(c context.Context, ctx *app.RequestContext) {
	id := ctx.Param("id")
	if h.journal == nil {
		ctx.JSON(consts.StatusOK, map[string]any{"success": true, "events": []saga.Event{}})
		return
	}
	events, err := h.journal.History(c, id, 500)
	if err != nil {
		hlog.CtxErrorf(c, "history load failed for %s: %v", id, err)
		internalError(ctx, "history load failed")
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{"success": true, "events": events})
}

// Health 存活检查：state store 可达即健康。
// GET /health
func (h *Handler) Health(c context.Context, ctx *app.RequestContext) {
	if err := h.store.Ping(c); err != nil {
		ctx.JSON(consts.StatusServiceUnavailable, map[string]any{
			"status": "degraded", "error": err.Error(),
		})
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{"status": "ok"})
}

// Metrics Prometheus 文本格式导出。
// GET /metrics
func (h *Handler) Metrics(c context.Context, ctx *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		internalError(ctx, "metrics gather failed")
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

func (h *Handler) record(ctx context.Context, ev saga.Event) {
	if h.journal == nil {
		return
	}
	if err := h.journal.Record(ctx, ev); err != nil {
		h.logger.Warn("journal record failed", "event_type", ev.EventType, "error", err)
	}
}

func lastUserMessage(msgs []chatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" || msgs[i].Role == "" {
			return msgs[i].Content
		}
	}
	return ""
}

func conversational(t saga.IntentType) bool {
	return t == saga.IntentClarificationRequired || t == saga.IntentUnknown
}

func clarificationText(in saga.Intent) string {
	if in.Type == saga.IntentClarificationRequired {
		return "Could you tell me a bit more about what you would like to do?"
	}
	return "I could not map that to an action I can perform. Try asking me to book, schedule or search for something."
}

// wireStepStatus 对外步骤状态：completed | failed | pending | no_steps_remaining
func wireStepStatus(res machine.SegmentResult) string {
	if res.StepExecuted != nil {
		return string(res.StepStatus)
	}
	if res.Duplicate {
		return "pending"
	}
	return "no_steps_remaining"
}

func badRequest(ctx *app.RequestContext, field, msg string) {
	ctx.JSON(consts.StatusBadRequest, map[string]any{
		"success": false,
		"errors":  []map[string]string{{"field": field, "message": msg}},
	})
}

func validationFailed(ctx *app.RequestContext, verr *saga.ValidationError) {
	ctx.JSON(consts.StatusBadRequest, map[string]any{
		"success": false,
		"errors":  []map[string]string{{"field": verr.Field, "message": verr.Message}},
	})
}

func internalError(ctx *app.RequestContext, msg string) {
	ctx.JSON(consts.StatusInternalServerError, map[string]any{
		"success": false, "error": msg,
	})
}
