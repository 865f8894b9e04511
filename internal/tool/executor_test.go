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
	"sync/atomic"
	"testing"
	"time"

	"saga-platform/internal/saga"
	"saga-platform/pkg/log"
)

func newTestExecutor(reg *Registry, opts ExecutorOptions) *Executor {
	return NewExecutor(reg, nil, nil, opts, log.Discard())
}

func TestExecuteUnknownTool(t *testing.T) {
	e := newTestExecutor(NewRegistry(), ExecutorOptions{})
	res := e.Execute(context.Background(), "no_such_tool", nil, time.Second)
	if res.OK {
		t.Fatal("expected failure for unknown tool")
	}
	if res.ErrorCode != saga.CodeToolNotFound {
		t.Fatalf("error code = %q, want %q", res.ErrorCode, saga.CodeToolNotFound)
	}
}

func TestExecuteTimeout(t *testing.T) {
	reg := NewRegistry()
	RegisterBuiltins(reg)
	e := newTestExecutor(reg, ExecutorOptions{})

	res := e.Execute(context.Background(), "sleep",
		map[string]any{"duration_ms": float64(5000)}, 30*time.Millisecond)
	if res.OK {
		t.Fatal("expected timeout failure")
	}
	if res.ErrorCode != saga.CodeTimeout {
		t.Fatalf("error code = %q, want %q", res.ErrorCode, saga.CodeTimeout)
	}
}

func TestExecuteCancelled(t *testing.T) {
	reg := NewRegistry()
	RegisterBuiltins(reg)
	e := newTestExecutor(reg, ExecutorOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res := e.Execute(ctx, "sleep",
		map[string]any{"duration_ms": float64(5000)}, 10*time.Second)
	if res.OK {
		t.Fatal("expected cancellation failure")
	}
	if res.ErrorCode != saga.CodeCancelled {
		t.Fatalf("error code = %q, want %q", res.ErrorCode, saga.CodeCancelled)
	}
}

func TestExecuteRetriesTechnicalErrors(t *testing.T) {
	var calls atomic.Int64
	reg := NewRegistry()
	reg.Register(&funcTool{
		name: "flaky",
		fn: func(ctx context.Context, params map[string]any) (*Invocation, error) {
			if calls.Add(1) < 3 {
				return nil, newTechnicalError("connection reset")
			}
			return &Invocation{Output: map[string]any{"ok": true}}, nil
		},
	}, false)
	e := newTestExecutor(reg, ExecutorOptions{RetryMaxAttempts: 3, RetryBackoff: time.Millisecond})

	res := e.Execute(context.Background(), "flaky", nil, time.Second)
	if !res.OK {
		t.Fatalf("expected success after retries, got %s: %s", res.ErrorCode, res.ErrorMessage)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestExecuteTechnicalRetryExhausted(t *testing.T) {
	var calls atomic.Int64
	reg := NewRegistry()
	reg.Register(&funcTool{
		name: "down",
		fn: func(ctx context.Context, params map[string]any) (*Invocation, error) {
			calls.Add(1)
			return nil, newTechnicalError("upstream unavailable")
		},
	}, false)
	e := newTestExecutor(reg, ExecutorOptions{RetryMaxAttempts: 3, RetryBackoff: time.Millisecond})

	res := e.Execute(context.Background(), "down", nil, time.Second)
	if res.OK {
		t.Fatal("expected failure after retry exhaustion")
	}
	if res.ErrorCode != saga.CodeTechnicalError {
		t.Fatalf("error code = %q, want %q", res.ErrorCode, saga.CodeTechnicalError)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestExecuteLogicalErrorNotRetried(t *testing.T) {
	var calls atomic.Int64
	reg := NewRegistry()
	reg.Register(&funcTool{
		name: "full",
		fn: func(ctx context.Context, params map[string]any) (*Invocation, error) {
			calls.Add(1)
			return nil, NewLogicalError("restaurant is full")
		},
	}, false)
	e := newTestExecutor(reg, ExecutorOptions{RetryMaxAttempts: 3, RetryBackoff: time.Millisecond})

	res := e.Execute(context.Background(), "full", nil, time.Second)
	if res.OK {
		t.Fatal("expected logical failure")
	}
	if res.ErrorCode != saga.CodeLogicalError {
		t.Fatalf("error code = %q, want %q", res.ErrorCode, saga.CodeLogicalError)
	}
	if res.ErrorMessage != "restaurant is full" {
		t.Fatalf("error message = %q", res.ErrorMessage)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1 (logical errors are not retried)", calls.Load())
	}
}

func TestExecuteResultSchemaViolation(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&funcTool{
		name:         "bad_output",
		resultSchema: `{"type":"object","required":["lat"],"properties":{"lat":{"type":"number"}}}`,
		fn: func(ctx context.Context, params map[string]any) (*Invocation, error) {
			return &Invocation{Output: map[string]any{"lng": -73.99}}, nil
		},
	}, false)
	e := newTestExecutor(reg, ExecutorOptions{})

	res := e.Execute(context.Background(), "bad_output", nil, time.Second)
	if res.OK {
		t.Fatal("expected schema violation failure")
	}
	if res.ErrorCode != saga.CodeSchemaError {
		t.Fatalf("error code = %q, want %q", res.ErrorCode, saga.CodeSchemaError)
	}
}

func TestExecuteSurfacesCompensation(t *testing.T) {
	reg := NewRegistry()
	RegisterBuiltins(reg)
	e := newTestExecutor(reg, ExecutorOptions{})

	res := e.Execute(context.Background(), "book_restaurant_table",
		map[string]any{"restaurant": "Trattoria Uno", "time": "19:00"}, time.Second)
	if !res.OK {
		t.Fatalf("book failed: %s: %s", res.ErrorCode, res.ErrorMessage)
	}
	if res.Compensation == nil {
		t.Fatal("expected a compensation recipe")
	}
	if res.Compensation.ToolName != "cancel_reservation" {
		t.Fatalf("compensation tool = %q", res.Compensation.ToolName)
	}
	if res.Compensation.Parameters["reservation_id"] != res.Output["reservation_id"] {
		t.Fatal("compensation must reference the created reservation")
	}
}

func TestExecutePanicBecomesInternalError(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&funcTool{
		name: "boom",
		fn: func(ctx context.Context, params map[string]any) (*Invocation, error) {
			panic("unexpected")
		},
	}, false)
	e := newTestExecutor(reg, ExecutorOptions{})

	res := e.Execute(context.Background(), "boom", nil, time.Second)
	if res.OK {
		t.Fatal("expected failure from panicking tool")
	}
	if res.ErrorCode != saga.CodeInternalError {
		t.Fatalf("error code = %q, want %q", res.ErrorCode, saga.CodeInternalError)
	}
}

func TestRegistryNeedsCompensation(t *testing.T) {
	reg := NewRegistry()
	RegisterBuiltins(reg)

	cases := []struct {
		tool string
		want bool
	}{
		{"book_restaurant_table", true},
		{"request_ride", true},
		{"send_notification", false},
		{"geocode_location", false},
		{"never_registered", true}, // unknown tools are treated conservatively
	}
	for _, tc := range cases {
		if got := reg.NeedsCompensation(tc.tool); got != tc.want {
			t.Errorf("NeedsCompensation(%q) = %v, want %v", tc.tool, got, tc.want)
		}
	}
}
