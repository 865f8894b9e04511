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

package saga

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func step(id string, n int, tool string, deps ...string) PlanStep {
	return PlanStep{ID: id, StepNumber: n, ToolName: tool, Dependencies: deps, TimeoutMS: DefaultStepTimeoutMS}
}

func TestPlanValidate_OK(t *testing.T) {
	p := &Plan{
		ID:       "p1",
		IntentID: "i1",
		Steps: []PlanStep{
			step("s0", 0, "geocode_location"),
			step("s1", 1, "add_calendar_event", "s0"),
		},
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestPlanValidate_ForwardDependency(t *testing.T) {
	p := &Plan{
		ID: "p1",
		Steps: []PlanStep{
			step("s0", 0, "a", "s1"),
			step("s1", 1, "b"),
		},
	}
	err := p.Validate()
	if err == nil {
		t.Fatal("expected error for forward dependency")
	}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
	if !strings.Contains(ve.Field, "dependencies") {
		t.Errorf("field = %q, want dependencies path", ve.Field)
	}
}

func TestPlanValidate_UnknownDependency(t *testing.T) {
	p := &Plan{
		ID:    "p1",
		Steps: []PlanStep{step("s0", 0, "a", "missing")},
	}
	if err := p.Validate(); err == nil {
		t.Fatal("expected error for unknown dependency")
	}
}

func TestPlanValidate_DuplicateStepID(t *testing.T) {
	p := &Plan{
		ID: "p1",
		Steps: []PlanStep{
			step("s0", 0, "a"),
			step("s0", 1, "b"),
		},
	}
	if err := p.Validate(); err == nil {
		t.Fatal("expected error for duplicate step id")
	}
}

func TestPlanValidate_BadNumbering(t *testing.T) {
	p := &Plan{
		ID: "p1",
		Steps: []PlanStep{
			step("s0", 0, "a"),
			step("s1", 5, "b"),
		},
	}
	if err := p.Validate(); err == nil {
		t.Fatal("expected error for non-sequential step numbers")
	}
}

func TestPlanValidate_ZeroTimeout(t *testing.T) {
	p := &Plan{
		ID:    "p1",
		Steps: []PlanStep{{ID: "s0", StepNumber: 0, ToolName: "a"}},
	}
	if err := p.Validate(); err == nil {
		t.Fatal("expected error for zero timeout")
	}
}

func TestPlanValidate_TooManySteps(t *testing.T) {
	steps := make([]PlanStep, MaxPlanSteps+1)
	for i := range steps {
		steps[i] = step(fmt.Sprintf("s%d", i), i, "noop")
	}
	p := &Plan{ID: "p1", Steps: steps}
	if err := p.Validate(); err == nil {
		t.Fatal("expected error for oversized plan")
	}
}

func TestStepByID(t *testing.T) {
	p := &Plan{Steps: []PlanStep{step("s0", 0, "a"), step("s1", 1, "b")}}
	if got := p.StepByID("s1"); got == nil || got.ToolName != "b" {
		t.Errorf("StepByID(s1) = %+v", got)
	}
	if got := p.StepByID("nope"); got != nil {
		t.Errorf("StepByID(nope) = %+v, want nil", got)
	}
}
