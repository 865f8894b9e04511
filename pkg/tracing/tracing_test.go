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

package tracing

import (
	"context"
	"net/http"
	"testing"
)

func TestTraceContext_HeaderRoundTrip(t *testing.T) {
	tc := TraceContext{
		TraceID:       "trace-1",
		SpanID:        "span-1",
		ParentSpanID:  "parent-1",
		CorrelationID: "corr-1",
	}
	h := http.Header{}
	tc.ToHeaders(h)
	out := FromHeaders(h.Get)
	if out != tc {
		t.Fatalf("round trip = %+v, want %+v", out, tc)
	}
}

func TestFromHeaders_MissingTraceGeneratesNew(t *testing.T) {
	out := FromHeaders(func(string) string { return "" })
	if out.TraceID == "" {
		t.Fatal("expected generated trace id")
	}
	if out.CorrelationID == "" {
		t.Fatal("expected generated correlation id")
	}
}

func TestChild_LinksParent(t *testing.T) {
	tc := NewTraceContext()
	tc.SpanID = "s1"
	child := tc.Child()
	if child.TraceID != tc.TraceID {
		t.Error("child must keep trace id")
	}
	if child.ParentSpanID != "s1" {
		t.Errorf("parent span = %q, want s1", child.ParentSpanID)
	}
	if child.SpanID == "" || child.SpanID == tc.SpanID {
		t.Error("child must get fresh span id")
	}
}

func TestContextCarry(t *testing.T) {
	tc := NewTraceContext()
	ctx := WithTraceContext(context.Background(), tc)
	if got := TraceContextFrom(ctx); got != tc {
		t.Fatalf("TraceContextFrom = %+v, want %+v", got, tc)
	}
}
