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
	"time"

	"github.com/google/uuid"

	"saga-platform/internal/saga"
)

// funcTool 函数式工具适配器，内置工具共用。
type funcTool struct {
	name         string
	description  string
	schema       Schema
	resultSchema string
	fn           func(ctx context.Context, params map[string]any) (*Invocation, error)
}

func (t *funcTool) Name() string         { return t.name }
func (t *funcTool) Description() string  { return t.description }
func (t *funcTool) Schema() Schema       { return t.schema }
func (t *funcTool) ResultSchema() string { return t.resultSchema }
func (t *funcTool) Execute(ctx context.Context, params map[string]any) (*Invocation, error) {
	return t.fn(ctx, params)
}

// simulateFailure 演示目录的失败注入口：参数带 simulate_failure 时
// 以其文本作为逻辑失败返回。examples 与端到端场景靠它驱动 failover 路径。
func simulateFailure(params map[string]any) error {
	if msg, ok := params["simulate_failure"].(string); ok && msg != "" {
		return NewLogicalError(msg)
	}
	return nil
}

func stringParam(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return v
}

// RegisterBuiltins 注册演示目录。
// needs-compensation 表在此一次性声明：预订类工具必须回放补偿，
// 通知/查询类为纯操作。
func RegisterBuiltins(r *Registry) {
	r.Register(&funcTool{
		name:        "geocode_location",
		description: "Resolve a free-form location string to coordinates",
		schema: Schema{
			Type: "object",
			Properties: map[string]SchemaProperty{
				"location": {Type: "string", Description: "free-form address"},
			},
			Required: []string{"location"},
		},
		resultSchema: `{"type":"object","required":["lat","lng"],"properties":{"lat":{"type":"number"},"lng":{"type":"number"},"formatted_address":{"type":"string"}}}`,
		fn: func(ctx context.Context, params map[string]any) (*Invocation, error) {
			if err := simulateFailure(params); err != nil {
				return nil, err
			}
			loc := stringParam(params, "location")
			if loc == "" {
				return nil, NewLogicalError("location is required")
			}
			return &Invocation{Output: map[string]any{
				"lat":               40.7359,
				"lng":               -73.9911,
				"formatted_address": loc,
			}}, nil
		},
	}, false)

	r.Register(&funcTool{
		name:        "add_calendar_event",
		description: "Create a calendar event",
		schema: Schema{
			Type: "object",
			Properties: map[string]SchemaProperty{
				"title":      {Type: "string"},
				"start_time": {Type: "string", Description: "RFC3339 start time"},
			},
			Required: []string{"title", "start_time"},
		},
		fn: func(ctx context.Context, params map[string]any) (*Invocation, error) {
			if err := simulateFailure(params); err != nil {
				return nil, err
			}
			if stringParam(params, "title") == "" {
				return nil, NewLogicalError("title is required")
			}
			return &Invocation{Output: map[string]any{"event_id": uuid.NewString()}}, nil
		},
	}, false)

	r.Register(&funcTool{
		name:        "book_restaurant_table",
		description: "Book a restaurant table; emits a cancel_reservation compensation",
		schema: Schema{
			Type: "object",
			Properties: map[string]SchemaProperty{
				"restaurant": {Type: "string"},
				"party_size": {Type: "number"},
				"time":       {Type: "string"},
			},
		},
		fn: func(ctx context.Context, params map[string]any) (*Invocation, error) {
			if err := simulateFailure(params); err != nil {
				return nil, err
			}
			if size, ok := params["party_size"].(float64); ok && size > 20 {
				return nil, NewLogicalError(fmt.Sprintf("party size %d too large", int(size)))
			}
			reservationID := uuid.NewString()
			return &Invocation{
				Output: map[string]any{
					"reservation_id": reservationID,
					"restaurant":     stringParam(params, "restaurant"),
					"time":           stringParam(params, "time"),
				},
				Compensation: &saga.CompensationRecipe{
					ToolName:   "cancel_reservation",
					Parameters: map[string]any{"reservation_id": reservationID},
				},
			}, nil
		},
	}, true)

	r.Register(&funcTool{
		name:        "cancel_reservation",
		description: "Cancel a restaurant reservation",
		schema: Schema{
			Type: "object",
			Properties: map[string]SchemaProperty{
				"reservation_id": {Type: "string"},
			},
			Required: []string{"reservation_id"},
		},
		fn: func(ctx context.Context, params map[string]any) (*Invocation, error) {
			if err := simulateFailure(params); err != nil {
				return nil, err
			}
			if stringParam(params, "reservation_id") == "" {
				return nil, NewLogicalError("reservation_id is required")
			}
			return &Invocation{Output: map[string]any{"cancelled": true}}, nil
		},
	}, false)

	r.Register(&funcTool{
		name:        "request_ride",
		description: "Request a ride; emits a cancel_ride compensation",
		schema: Schema{
			Type: "object",
			Properties: map[string]SchemaProperty{
				"to": {Type: "string"},
			},
			Required: []string{"to"},
		},
		fn: func(ctx context.Context, params map[string]any) (*Invocation, error) {
			if err := simulateFailure(params); err != nil {
				return nil, err
			}
			rideID := uuid.NewString()
			return &Invocation{
				Output: map[string]any{"ride_id": rideID, "to": stringParam(params, "to")},
				Compensation: &saga.CompensationRecipe{
					ToolName:   "cancel_ride",
					Parameters: map[string]any{"ride_id": rideID},
				},
			}, nil
		},
	}, true)

	r.Register(&funcTool{
		name:        "cancel_ride",
		description: "Cancel a requested ride",
		schema: Schema{
			Type: "object",
			Properties: map[string]SchemaProperty{
				"ride_id": {Type: "string"},
			},
			Required: []string{"ride_id"},
		},
		fn: func(ctx context.Context, params map[string]any) (*Invocation, error) {
			if err := simulateFailure(params); err != nil {
				return nil, err
			}
			return &Invocation{Output: map[string]any{"cancelled": true}}, nil
		},
	}, false)

	r.Register(&funcTool{
		name:        "send_notification",
		description: "Send a notification to the user (pure, no compensation)",
		schema: Schema{
			Type: "object",
			Properties: map[string]SchemaProperty{
				"message": {Type: "string"},
			},
			Required: []string{"message"},
		},
		fn: func(ctx context.Context, params map[string]any) (*Invocation, error) {
			if err := simulateFailure(params); err != nil {
				return nil, err
			}
			return &Invocation{Output: map[string]any{"delivered": true}}, nil
		},
	}, false)

	r.Register(&funcTool{
		name:        "search_restaurants",
		description: "Search restaurants near a location",
		schema: Schema{
			Type: "object",
			Properties: map[string]SchemaProperty{
				"query":    {Type: "string"},
				"location": {Type: "string"},
			},
		},
		fn: func(ctx context.Context, params map[string]any) (*Invocation, error) {
			if err := simulateFailure(params); err != nil {
				return nil, err
			}
			return &Invocation{Output: map[string]any{
				"restaurants": []any{
					map[string]any{"name": "Trattoria Uno", "rating": 4.6},
					map[string]any{"name": "Blue Lotus", "rating": 4.4},
					map[string]any{"name": "Gantry Grill", "rating": 4.1},
				},
			}}, nil
		},
	}, false)

	r.Register(&funcTool{
		name:        "sleep",
		description: "Sleep for duration_ms (testing and demos)",
		schema: Schema{
			Type: "object",
			Properties: map[string]SchemaProperty{
				"duration_ms": {Type: "number"},
			},
		},
		fn: func(ctx context.Context, params map[string]any) (*Invocation, error) {
			if err := simulateFailure(params); err != nil {
				return nil, err
			}
			ms, _ := params["duration_ms"].(float64)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(ms) * time.Millisecond):
			}
			return &Invocation{Output: map[string]any{"slept_ms": ms}}, nil
		},
	}, false)
}
