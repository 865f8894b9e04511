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

package dlq

import (
	"context"
	"errors"
	"testing"
	"time"

	"saga-platform/internal/eventbus"
	"saga-platform/internal/saga"
	"saga-platform/internal/statestore"
	pkgerrors "saga-platform/pkg/errors"
	"saga-platform/pkg/log"
)

type recordingCompensator struct {
	ran bool
}

func (r *recordingCompensator) Run(ctx context.Context, executionID, failureMessage string) (*saga.CompensationSummary, error) {
	r.ran = true
	return &saga.CompensationSummary{}, nil
}

type adminFixture struct {
	store statestore.Store
	queue *captureQueue
	bus   *eventbus.Memory
	comp  *recordingCompensator
	admin *Admin
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	store := statestore.NewMemory(statestore.Options{})
	q := &captureQueue{}
	bus := eventbus.NewMemory()
	comp := &recordingCompensator{}
	return &adminFixture{
		store: store,
		queue: q,
		bus:   bus,
		comp:  comp,
		admin: NewAdmin(store, q, bus, comp, log.Discard()),
	}
}

func seedDeadLettered(t *testing.T, f *adminFixture, id string) {
	t.Helper()
	plan := saga.Plan{
		ID:       "plan-" + id,
		IntentID: "intent-" + id,
		Steps: []saga.PlanStep{
			{ID: id + "-s0", StepNumber: 0, ToolName: "geocode_location", TimeoutMS: saga.DefaultStepTimeoutMS},
			{ID: id + "-s1", StepNumber: 1, ToolName: "book_restaurant_table",
				Parameters: map[string]any{"time": "19:00"}, Dependencies: []string{id + "-s0"},
				TimeoutMS: saga.DefaultStepTimeoutMS},
		},
	}
	st := saga.NewExecutionState(id, saga.Intent{ID: "intent-" + id, Type: saga.IntentAction}, plan)
	st.Status = saga.StatusAwaitingResume
	st.StepStates[0].Status = saga.StepCompleted
	st.StepStates[1].Status = saga.StepFailed
	st.StepStates[1].Error = &saga.StepError{Code: saga.CodeLogicalError, Message: "restaurant is full"}
	st.Context[recoveryAttemptsKey] = 3
	ctx := context.Background()
	if err := f.store.CreateState(ctx, st); err != nil {
		t.Fatalf("CreateState: %v", err)
	}
	if err := f.store.PutDLQEntry(ctx, buildEntry(st, 3, 12*time.Minute)); err != nil {
		t.Fatalf("PutDLQEntry: %v", err)
	}
}

func TestListFiltersAndPaginates(t *testing.T) {
	f := newAdminFixture(t)
	seedDeadLettered(t, f, "exec-1")
	seedDeadLettered(t, f, "exec-2")
	seedDeadLettered(t, f, "exec-3")
	ctx := context.Background()

	entries, total, err := f.admin.List(ctx, ListFilter{Limit: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 3 || len(entries) != 2 {
		t.Fatalf("total = %d, page = %d", total, len(entries))
	}

	entries, total, err = f.admin.List(ctx, ListFilter{Status: saga.StatusCompensating})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 0 || len(entries) != 0 {
		t.Fatalf("status filter leaked entries: %d", len(entries))
	}

	entries, _, err = f.admin.List(ctx, ListFilter{Offset: 10})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Fatal("offset past end must return empty page")
	}
}

func TestGetStats(t *testing.T) {
	f := newAdminFixture(t)
	seedDeadLettered(t, f, "exec-1")
	seedDeadLettered(t, f, "exec-2")

	s, err := f.admin.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if s.Total != 2 || s.RequiringHuman != 2 {
		t.Fatalf("stats = %+v", s)
	}
	if s.ByIntentType[saga.IntentAction] != 2 {
		t.Fatalf("by intent = %v", s.ByIntentType)
	}
	if s.TotalRecoveries != 6 {
		t.Fatalf("recoveries = %d, want 6", s.TotalRecoveries)
	}
	if s.OldestMovedAt == nil {
		t.Fatal("oldest moved at missing")
	}
}

func TestResumeValidation(t *testing.T) {
	f := newAdminFixture(t)
	seedDeadLettered(t, f, "exec-1")

	_, err := f.admin.Resume(context.Background(), "exec-1", ResumeRequest{Reason: "too short", AdminUserID: "ops-1"})
	var verr *saga.ValidationError
	if !errors.As(err, &verr) || verr.Field != "reason" {
		t.Fatalf("err = %v, want reason validation error", err)
	}

	_, err = f.admin.Resume(context.Background(), "exec-1", ResumeRequest{Reason: "restaurant confirmed the reservation manually"})
	if !errors.As(err, &verr) || verr.Field != "admin_user_id" {
		t.Fatalf("err = %v, want admin_user_id validation error", err)
	}
}

func TestResumeAppliesFixesAndRequeues(t *testing.T) {
	f := newAdminFixture(t)
	seedDeadLettered(t, f, "exec-1")
	ctx := context.Background()

	st, err := f.admin.Resume(ctx, "exec-1", ResumeRequest{
		FixedParameters: map[string]map[string]any{"exec-1-s1": {"time": "20:00"}},
		Reason:          "restaurant confirmed availability at 20:00",
		AdminUserID:     "ops-1",
	})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if st.Status != saga.StatusExecuting {
		t.Fatalf("status = %s, want EXECUTING", st.Status)
	}
	if got := st.Plan.StepByID("exec-1-s1").Parameters["time"]; got != "20:00" {
		t.Fatalf("fixed time = %v, want 20:00", got)
	}
	ss := st.StepStateByID("exec-1-s1")
	if ss.Status != saga.StepPending || ss.Error != nil {
		t.Fatalf("failed step not reset: %+v", ss)
	}
	if _, ok := st.Context[recoveryAttemptsKey]; ok {
		t.Fatal("recovery counter must be cleared")
	}
	if _, err := f.store.GetDLQEntry(ctx, "exec-1"); !pkgerrors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("dlq entry must be removed, err = %v", err)
	}

	f.queue.mu.Lock()
	defer f.queue.mu.Unlock()
	if len(f.queue.jobs) != 1 || f.queue.jobs[0].StartStepIndex != 1 {
		t.Fatalf("resume jobs = %+v, want step 1", f.queue.jobs)
	}
}

func TestResumeReleasesLocksOfResetSteps(t *testing.T) {
	f := newAdminFixture(t)
	seedDeadLettered(t, f, "exec-1")
	ctx := context.Background()

	// 失败步骤在死信前已持有幂等锁；人工续跑必须解锁，否则重投会被闸门拒掉
	if _, err := f.store.AcquireStepLock(ctx, "exec-1", 1, "exec-1-s1"); err != nil {
		t.Fatalf("AcquireStepLock: %v", err)
	}

	if _, err := f.admin.Resume(ctx, "exec-1", ResumeRequest{
		Reason:      "restaurant confirmed availability",
		AdminUserID: "ops-1",
	}); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	holder, err := f.store.StepLockHolder(ctx, "exec-1", 1)
	if err != nil {
		t.Fatalf("StepLockHolder: %v", err)
	}
	if holder != "" {
		t.Fatalf("step lock still held by %q after resume", holder)
	}
}

func TestResumeSkipsSteps(t *testing.T) {
	f := newAdminFixture(t)
	seedDeadLettered(t, f, "exec-1")

	st, err := f.admin.Resume(context.Background(), "exec-1", ResumeRequest{
		SkipSteps:   []string{"exec-1-s1"},
		Reason:      "reservation handled over the phone",
		AdminUserID: "ops-1",
	})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if st.StepStateByID("exec-1-s1").Status != saga.StepSkipped {
		t.Fatal("step must be marked skipped")
	}
}

func TestResumeRequiresDLQEntry(t *testing.T) {
	f := newAdminFixture(t)

	_, err := f.admin.Resume(context.Background(), "exec-missing", ResumeRequest{
		Reason:      "attempting to recover a stuck booking",
		AdminUserID: "ops-1",
	})
	if !pkgerrors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCancelCompensatesAndTombstones(t *testing.T) {
	f := newAdminFixture(t)
	seedDeadLettered(t, f, "exec-1")
	ctx := context.Background()

	// 已登记副作用：取消时应触发补偿
	if _, err := f.store.UpdateState(ctx, "exec-1", func(cur *saga.ExecutionState) error {
		cur.Compensations = append(cur.Compensations, saga.CompensationRecord{
			StepID: "exec-1-s1", StepNumber: 1,
			ToolName: "cancel_reservation", ForTool: "book_restaurant_table",
			Parameters: map[string]any{"reservation_id": "r-1"},
		})
		return nil
	}); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}

	st, err := f.admin.Cancel(ctx, "exec-1", CancelRequest{
		Reason:              "customer withdrew the booking request",
		AdminUserID:         "ops-1",
		AttemptCompensation: true,
	})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if st.Status != saga.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", st.Status)
	}
	if !f.comp.ran {
		t.Fatal("compensation must run when requested")
	}
	tombstoned, _ := f.store.IsTombstoned(ctx, "exec-1")
	if !tombstoned {
		t.Fatal("tombstone missing")
	}
	if _, err := f.store.GetDLQEntry(ctx, "exec-1"); !pkgerrors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("dlq entry must be removed, err = %v", err)
	}
}

func TestCancelLeavesCompletedExecutionUntouched(t *testing.T) {
	f := newAdminFixture(t)
	seedDeadLettered(t, f, "exec-1")
	ctx := context.Background()

	// 死信条目过期：执行在条目落盘后已自行跑完
	if _, err := f.store.UpdateState(ctx, "exec-1", func(cur *saga.ExecutionState) error {
		cur.Status = saga.StatusCompleted
		return nil
	}); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}

	st, err := f.admin.Cancel(ctx, "exec-1", CancelRequest{
		Reason:              "operator cleaning up the dead letter backlog",
		AdminUserID:         "ops-1",
		AttemptCompensation: true,
	})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if st.Status != saga.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED untouched", st.Status)
	}
	if f.comp.ran {
		t.Fatal("compensation must not run against a completed execution")
	}
	tombstoned, _ := f.store.IsTombstoned(ctx, "exec-1")
	if tombstoned {
		t.Fatal("terminal execution must not be tombstoned")
	}
	got, _ := f.store.GetState(ctx, "exec-1")
	if got.Status != saga.StatusCompleted {
		t.Fatalf("stored status = %s, want COMPLETED", got.Status)
	}
	if _, err := f.store.GetDLQEntry(ctx, "exec-1"); !pkgerrors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("stale dlq entry must be removed, err = %v", err)
	}
}

func TestCancelValidation(t *testing.T) {
	f := newAdminFixture(t)
	seedDeadLettered(t, f, "exec-1")

	_, err := f.admin.Cancel(context.Background(), "exec-1", CancelRequest{Reason: "short", AdminUserID: "ops-1"})
	var verr *saga.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want validation error", err)
	}
}
