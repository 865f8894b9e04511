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
	"encoding/json"
	"testing"
	"time"
)

func twoStepState() *ExecutionState {
	plan := Plan{
		ID:       "p1",
		IntentID: "i1",
		Steps: []PlanStep{
			step("s0", 0, "geocode_location"),
			step("s1", 1, "add_calendar_event", "s0"),
		},
	}
	return NewExecutionState("exec-1", Intent{ID: "i1", Type: IntentSchedule}, plan)
}

func TestNextReadyStep_DependencyOrder(t *testing.T) {
	st := twoStepState()
	if got := st.NextReadyStep(); got != 0 {
		t.Fatalf("NextReadyStep = %d, want 0", got)
	}
	st.StepStates[0].Status = StepRunning
	if got := st.NextReadyStep(); got != -1 {
		t.Fatalf("NextReadyStep with s0 running = %d, want -1", got)
	}
	st.StepStates[0].Status = StepCompleted
	if got := st.NextReadyStep(); got != 1 {
		t.Fatalf("NextReadyStep after s0 = %d, want 1", got)
	}
	st.StepStates[1].Status = StepCompleted
	if got := st.NextReadyStep(); got != -1 {
		t.Fatalf("NextReadyStep all done = %d, want -1", got)
	}
}

func TestNextReadyStep_LowestNumberWins(t *testing.T) {
	plan := Plan{
		ID: "p1",
		Steps: []PlanStep{
			step("a", 0, "t1"),
			step("b", 1, "t2"),
			step("c", 2, "t3"),
		},
	}
	st := NewExecutionState("exec-2", Intent{}, plan)
	st.StepStates[0].Status = StepCompleted
	// b 与 c 同时 ready，编号小者先行
	if got := st.NextReadyStep(); got != 1 {
		t.Fatalf("NextReadyStep = %d, want 1", got)
	}
}

func TestStateRoundTrip(t *testing.T) {
	st := twoStepState()
	st.Status = StatusExecuting
	st.Version = 7
	st.SegmentNumber = 2
	now := time.Now().UTC()
	st.StepStates[0].Status = StepCompleted
	st.StepStates[0].StartedAt = &now
	st.StepStates[0].Output = map[string]any{"lat": 40.7359}
	st.Compensations = append(st.Compensations, CompensationRecord{
		StepID: "s0", StepNumber: 0, ToolName: "cancel_reservation",
		Parameters: map[string]any{"reservationId": "r-1"}, RegisteredAt: now,
	})
	st.Checkpoint = &CheckpointRef{Cursor: 1, SegmentNumber: 2, Reason: "TIMEOUT_APPROACHING", CreatedAt: now}

	data, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out ExecutionState
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.ExecutionID != st.ExecutionID || out.Version != 7 || out.SegmentNumber != 2 {
		t.Errorf("header fields: %+v", out)
	}
	if out.Status != StatusExecuting {
		t.Errorf("status = %q, want EXECUTING", out.Status)
	}
	if len(out.StepStates) != 2 || out.StepStates[0].Status != StepCompleted {
		t.Errorf("step states: %+v", out.StepStates)
	}
	if len(out.Compensations) != 1 || out.Compensations[0].ToolName != "cancel_reservation" {
		t.Errorf("compensations: %+v", out.Compensations)
	}
	if out.Checkpoint == nil || out.Checkpoint.Cursor != 1 {
		t.Errorf("checkpoint: %+v", out.Checkpoint)
	}
}

func TestClone_Isolation(t *testing.T) {
	st := twoStepState()
	st.Context["user_id"] = "u1"
	st.Compensations = append(st.Compensations, CompensationRecord{
		StepID: "s0", ToolName: "cancel_reservation", Parameters: map[string]any{"id": "r-1"}, RegisteredAt: time.Now(),
	})
	cp := st.Clone()
	cp.StepStates[0].Status = StepFailed
	cp.Context["user_id"] = "u2"
	cp.Compensations[0].Parameters["id"] = "r-2"
	if st.StepStates[0].Status == StepFailed {
		t.Error("clone leaked step state mutation")
	}
	if st.Context["user_id"] != "u1" {
		t.Error("clone leaked context mutation")
	}
	if st.Compensations[0].Parameters["id"] != "r-1" {
		t.Error("clone leaked compensation params mutation")
	}
}

func TestRebasePlan(t *testing.T) {
	st := twoStepState()
	st.Status = StatusAwaitingResume
	st.StepStates[0].Status = StepCompleted
	st.Compensations = append(st.Compensations, CompensationRecord{StepID: "s0", ToolName: "cancel_reservation", RegisteredAt: time.Now()})
	oldPlanID := st.Plan.ID

	newPlan := Plan{ID: "p2", IntentID: "i1", Steps: []PlanStep{step("n0", 0, "book_restaurant_table")}}
	st.RebasePlan(newPlan, "RESTAURANT_FULL")

	if st.Status != StatusPlanned {
		t.Errorf("status = %q, want PLANNED", st.Status)
	}
	if st.Plan.ID != "p2" {
		t.Errorf("plan id = %q, want p2", st.Plan.ID)
	}
	if len(st.PlanHistory) != 1 || st.PlanHistory[0].Plan.ID != oldPlanID {
		t.Errorf("plan history: %+v", st.PlanHistory)
	}
	if len(st.StepStates) != 1 || st.StepStates[0].Status != StepPending {
		t.Errorf("step states: %+v", st.StepStates)
	}
	// 旧计划的补偿必须保留
	if len(st.Compensations) != 1 {
		t.Errorf("compensations lost on rebase: %+v", st.Compensations)
	}
}

func TestPlaybackOrder(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	records := []CompensationRecord{
		{StepID: "s0", StepNumber: 0, RegisteredAt: t0},
		{StepID: "s1", StepNumber: 1, RegisteredAt: t0.Add(time.Second)},
		{StepID: "s2", StepNumber: 2, RegisteredAt: t0.Add(2 * time.Second)},
	}
	order := PlaybackOrder(records)
	want := []int{2, 1, 0}
	for i, idx := range order {
		if idx != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestPlaybackOrder_TieBreakByStepNumber(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	records := []CompensationRecord{
		{StepID: "s0", StepNumber: 0, RegisteredAt: t0},
		{StepID: "s1", StepNumber: 1, RegisteredAt: t0},
	}
	order := PlaybackOrder(records)
	if order[0] != 1 || order[1] != 0 {
		t.Fatalf("tie-break order = %v, want [1 0]", order)
	}
}

func TestExecutionStatus_Predicates(t *testing.T) {
	terminals := []ExecutionStatus{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminals {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false", s)
		}
		if s.Active() {
			t.Errorf("%s.Active() = true", s)
		}
	}
	for _, s := range []ExecutionStatus{StatusExecuting, StatusAwaitingResume, StatusCompensating} {
		if !s.Active() {
			t.Errorf("%s.Active() = false", s)
		}
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true", s)
		}
	}
}
