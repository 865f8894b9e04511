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
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"saga-platform/internal/saga"
	"saga-platform/internal/saga/dlq"
	pkgerrors "saga-platform/pkg/errors"
)

// ListDLQ 列出死信条目。
// GET /dlq/sagas?status=&minInactiveMinutes=&limit=&offset=&sortBy=&sortOrder=
func (h *Handler) ListDLQ(c context.Context, ctx *app.RequestContext) {
	filter := dlq.ListFilter{
		Status:    saga.ExecutionStatus(ctx.Query("status")),
		SortBy:    ctx.Query("sortBy"),
		SortOrder: ctx.Query("sortOrder"),
	}
	if v := ctx.Query("minInactiveMinutes"); v != "" {
		mins, err := strconv.Atoi(v)
		if err != nil || mins < 0 {
			badRequest(ctx, "minInactiveMinutes", "must be a non-negative integer")
			return
		}
		filter.MinInactive = time.Duration(mins) * time.Minute
	}
	if v := ctx.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(ctx, "limit", "must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	if v := ctx.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(ctx, "offset", "must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	entries, total, err := h.dlqAdmin.List(c, filter)
	if err != nil {
		hlog.CtxErrorf(c, "dlq list failed: %v", err)
		internalError(ctx, "dlq list failed")
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{
		"success": true,
		"sagas":   entries,
		"total":   total,
		"limit":   filter.Limit,
		"offset":  filter.Offset,
	})
}

// DLQStats 死信队列汇总。
// GET /dlq/stats
func (h *Handler) DLQStats(c context.Context, ctx *app.RequestContext) {
	stats, err := h.dlqAdmin.GetStats(c)
	if err != nil {
		hlog.CtxErrorf(c, "dlq stats failed: %v", err)
		internalError(ctx, "dlq stats failed")
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{"success": true, "stats": stats})
}

// GetDLQEntry 单条死信详情。
// GET /dlq/sagas/:id
func (h *Handler) GetDLQEntry(c context.Context, ctx *app.RequestContext) {
	id := ctx.Param("id")
	entry, err := h.dlqAdmin.Get(c, id)
	if err != nil {
		if pkgerrors.Is(err, pkgerrors.ErrNotFound) {
			ctx.JSON(consts.StatusNotFound, map[string]any{
				"success": false, "error": "dlq entry not found",
			})
			return
		}
		internalError(ctx, "dlq lookup failed")
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{"success": true, "saga": entry})
}

type dlqResumeRequest struct {
	FixedParameters map[string]map[string]any `json:"fixedParameters,omitempty"`
	SkipSteps       []string                  `json:"skipSteps,omitempty"`
	ResumeFromStep  *int                      `json:"resumeFromStep,omitempty"`
	Reason          string                    `json:"reason"`
	AdminUserID     string                    `json:"adminUserId"`
}

// ResumeDLQ 人工修复后续跑。
// POST /dlq/sagas/:id/resume
func (h *Handler) ResumeDLQ(c context.Context, ctx *app.RequestContext) {
	id := ctx.Param("id")
	var req dlqResumeRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
		badRequest(ctx, "body", "invalid JSON payload")
		return
	}

	st, err := h.dlqAdmin.Resume(c, id, dlq.ResumeRequest{
		FixedParameters: req.FixedParameters,
		SkipSteps:       req.SkipSteps,
		ResumeFromStep:  req.ResumeFromStep,
		Reason:          req.Reason,
		AdminUserID:     req.AdminUserID,
	})
	if err != nil {
		var verr *saga.ValidationError
		switch {
		case pkgerrors.As(err, &verr):
			validationFailed(ctx, verr)
		case pkgerrors.Is(err, pkgerrors.ErrNotFound):
			ctx.JSON(consts.StatusNotFound, map[string]any{
				"success": false, "error": "dlq entry not found",
			})
		default:
			hlog.CtxErrorf(c, "dlq resume failed for %s: %v", id, err)
			internalError(ctx, "dlq resume failed")
		}
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{
		"success":     true,
		"executionId": st.ExecutionID,
		"status":      st.Status,
	})
}

type dlqCancelRequest struct {
	Reason              string `json:"reason"`
	AdminUserID         string `json:"adminUserId"`
	AttemptCompensation bool   `json:"attemptCompensation"`
}

// CancelDLQ 人工取消并按需补偿。
// POST /dlq/sagas/:id/cancel
func (h *Handler) CancelDLQ(c context.Context, ctx *app.RequestContext) {
	id := ctx.Param("id")
	var req dlqCancelRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
		badRequest(ctx, "body", "invalid JSON payload")
		return
	}

	st, err := h.dlqAdmin.Cancel(c, id, dlq.CancelRequest{
		Reason:              req.Reason,
		AdminUserID:         req.AdminUserID,
		AttemptCompensation: req.AttemptCompensation,
	})
	if err != nil {
		var verr *saga.ValidationError
		switch {
		case pkgerrors.As(err, &verr):
			validationFailed(ctx, verr)
		case pkgerrors.Is(err, pkgerrors.ErrNotFound):
			ctx.JSON(consts.StatusNotFound, map[string]any{
				"success": false, "error": "dlq entry not found",
			})
		default:
			hlog.CtxErrorf(c, "dlq cancel failed for %s: %v", id, err)
			internalError(ctx, "dlq cancel failed")
		}
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{
		"success":     true,
		"executionId": st.ExecutionID,
		"status":      st.Status,
	})
}
