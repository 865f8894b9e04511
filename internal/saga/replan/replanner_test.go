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

package replan

import (
	"context"
	"sync"
	"testing"
	"time"

	"saga-platform/internal/eventbus"
	"saga-platform/internal/planner"
	"saga-platform/internal/queue"
	"saga-platform/internal/saga"
	"saga-platform/internal/statestore"
	pkgerrors "saga-platform/pkg/errors"
	"saga-platform/pkg/log"
)

type captureQueue struct {
	mu   sync.Mutex
	jobs []queue.Job
}

func (q *captureQueue) EnqueueStep(ctx context.Context, job queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *captureQueue) Close() error { return nil }

func newFixture(t *testing.T) (statestore.Store, *captureQueue, *eventbus.Memory, *Replanner) {
	t.Helper()
	store := statestore.NewMemory(statestore.Options{})
	q := &captureQueue{}
	bus := eventbus.NewMemory()
	r := New(store, planner.NewRule(), q, bus, 3, log.Discard())
	return store, q, bus, r
}

func seedBooking(t *testing.T, store statestore.Store) *saga.ExecutionState {
	t.Helper()
	intent := saga.Intent{
		ID:         "intent-1",
		Type:       saga.IntentAction,
		Confidence: 0.9,
		Parameters: map[string]any{"restaurant": "Trattoria Uno", "time": "19:00"},
		RawText:    "book a table at Trattoria Uno at 19:00",
	}
	plan := saga.Plan{
		ID:       "plan-1",
		IntentID: intent.ID,
		Steps: []saga.PlanStep{{
			ID: "s0", StepNumber: 0, ToolName: "book_restaurant_table",
			Parameters: map[string]any{"restaurant": "Trattoria Uno", "time": "19:00"},
			TimeoutMS:  saga.DefaultStepTimeoutMS,
		}},
	}
	st := saga.NewExecutionState("exec-1", intent, plan)
	st.Status = saga.StatusAwaitingResume
	st.StepStates[0].Status = saga.StepFailed
	st.StepStates[0].Error = &saga.StepError{Code: saga.CodeLogicalError, Message: "restaurant is full"}
	if err := store.CreateState(context.Background(), st); err != nil {
		t.Fatalf("CreateState: %v", err)
	}
	return st
}

func marker(attempt int, suggestions ...saga.Suggestion) saga.ReplanMarker {
	return saga.ReplanMarker{
		ExecutionID:       "exec-1",
		FailedStepID:      "s0",
		FailedStepNumber:  0,
		FailureReason:     "RESTAURANT_FULL",
		RecommendedAction: "SUGGEST_ALTERNATIVE_TIME",
		Suggestions:       suggestions,
		AttemptCount:      attempt,
		Metadata:          map[string]any{"time": "19:00"},
		CreatedAt:         time.Now().UTC(),
	}
}

func TestReplanRebuildsPlanWithSuggestion(t *testing.T) {
	store, q, bus, r := newFixture(t)
	seedBooking(t, store)
	ctx := context.Background()
	if err := store.PutReplanMarker(ctx, marker(1, saga.Suggestion{
		Kind: "alternative_time", Label: "20:00", Parameters: map[string]any{"time": "20:00"},
	})); err != nil {
		t.Fatalf("PutReplanMarker: %v", err)
	}

	done, err := r.Replan(ctx, "exec-1")
	if err != nil {
		t.Fatalf("Replan: %v", err)
	}
	if !done {
		t.Fatal("expected replan to run")
	}

	st, _ := store.GetState(ctx, "exec-1")
	if st.Status != saga.StatusPlanned {
		t.Fatalf("status = %s, want PLANNED", st.Status)
	}
	if len(st.PlanHistory) != 1 || st.PlanHistory[0].Plan.ID != "plan-1" {
		t.Fatalf("old plan not archived: %+v", st.PlanHistory)
	}
	if st.Plan.Metadata.ReplanOf != "plan-1" {
		t.Fatalf("ReplanOf = %q, want plan-1", st.Plan.Metadata.ReplanOf)
	}
	if st.Intent.ID == "intent-1" || st.Intent.ParentIntentID != "intent-1" {
		t.Fatalf("intent lineage broken: id=%s parent=%s", st.Intent.ID, st.Intent.ParentIntentID)
	}
	if got := st.Intent.Parameters["time"]; got != "20:00" {
		t.Fatalf("intent time = %v, want 20:00", got)
	}
	found := false
	for _, s := range st.Plan.Steps {
		if s.ID == "s0" {
			t.Fatal("replanned steps must not reuse old step ids")
		}
		if s.ToolName == "book_restaurant_table" {
			found = true
			if s.Parameters["time"] != "20:00" {
				t.Fatalf("booking time = %v, want 20:00", s.Parameters["time"])
			}
		}
	}
	if !found {
		t.Fatal("replacement plan lost the booking step")
	}
	switch v := st.Context["replan_count"].(type) {
	case int:
		if v != 1 {
			t.Fatalf("replan_count = %d, want 1", v)
		}
	case float64:
		if v != 1 {
			t.Fatalf("replan_count = %v, want 1", v)
		}
	default:
		t.Fatalf("replan_count missing or wrong type: %T", v)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) != 1 || q.jobs[0].StartStepIndex != 0 {
		t.Fatalf("continuation jobs = %+v, want one job at step 0", q.jobs)
	}
	// AutomaticReplanTriggered 随状态 CAS 进 outbox，先排空到总线再断言
	if _, err := eventbus.NewDrainer(store, bus, eventbus.DrainerConfig{}, log.Discard()).DrainOnce(ctx); err != nil {
		t.Fatalf("drain outbox: %v", err)
	}
	replanned := false
	for _, ev := range bus.Events() {
		if ev.EventType == saga.EventAutomaticReplan {
			replanned = true
		}
	}
	if !replanned {
		t.Fatal("AutomaticReplanTriggered event missing")
	}
}

func TestReplanWithoutSuggestionRetriesSameParameters(t *testing.T) {
	store, _, _, r := newFixture(t)
	seedBooking(t, store)
	ctx := context.Background()
	if err := store.PutReplanMarker(ctx, marker(1)); err != nil {
		t.Fatalf("PutReplanMarker: %v", err)
	}

	done, err := r.Replan(ctx, "exec-1")
	if err != nil || !done {
		t.Fatalf("Replan = (%v, %v)", done, err)
	}
	st, _ := store.GetState(ctx, "exec-1")
	// RETRY：意图不变，计划同参但步骤 ID 全新
	if st.Intent.ID != "intent-1" {
		t.Fatalf("retry must keep the original intent, got %s", st.Intent.ID)
	}
	for _, s := range st.Plan.Steps {
		if s.ID == "s0" {
			t.Fatal("retry plan must mint fresh step ids")
		}
		if s.ToolName == "book_restaurant_table" && s.Parameters["time"] != "19:00" {
			t.Fatalf("retry must keep parameters, time = %v", s.Parameters["time"])
		}
	}
}

func TestReplanNoMarkerIsNoOp(t *testing.T) {
	store, q, _, r := newFixture(t)
	seedBooking(t, store)

	done, err := r.Replan(context.Background(), "exec-1")
	if err != nil {
		t.Fatalf("Replan: %v", err)
	}
	if done {
		t.Fatal("no marker must be a no-op")
	}
	if len(q.jobs) != 0 {
		t.Fatalf("no-op must not enqueue, jobs = %+v", q.jobs)
	}
}

func TestReplanDepthLimit(t *testing.T) {
	store, _, _, r := newFixture(t)
	seedBooking(t, store)
	ctx := context.Background()
	if err := store.PutReplanMarker(ctx, marker(4)); err != nil {
		t.Fatalf("PutReplanMarker: %v", err)
	}

	_, err := r.Replan(ctx, "exec-1")
	if !pkgerrors.Is(err, pkgerrors.ErrInvalidArg) {
		t.Fatalf("err = %v, want ErrInvalidArg on depth overflow", err)
	}
	st, _ := store.GetState(ctx, "exec-1")
	if len(st.PlanHistory) != 0 {
		t.Fatal("depth overflow must not rebase the plan")
	}
}

func TestReplanTerminalStateIsNoOp(t *testing.T) {
	store, q, _, r := newFixture(t)
	seedBooking(t, store)
	ctx := context.Background()
	if _, err := store.UpdateState(ctx, "exec-1", func(cur *saga.ExecutionState) error {
		cur.Status = saga.StatusCancelled
		return nil
	}); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	if err := store.PutReplanMarker(ctx, marker(1)); err != nil {
		t.Fatalf("PutReplanMarker: %v", err)
	}

	done, err := r.Replan(ctx, "exec-1")
	if err != nil {
		t.Fatalf("Replan: %v", err)
	}
	if done || len(q.jobs) != 0 {
		t.Fatal("terminal execution must not be replanned")
	}
}
