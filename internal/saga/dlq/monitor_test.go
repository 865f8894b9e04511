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
	"sync"
	"testing"
	"time"

	"saga-platform/internal/eventbus"
	"saga-platform/internal/queue"
	"saga-platform/internal/saga"
	"saga-platform/internal/saga/checkpoint"
	"saga-platform/internal/statestore"
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

func (q *captureQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

type fixture struct {
	store   statestore.Store
	queue   *captureQueue
	bus     *eventbus.Memory
	monitor *Monitor
}

func newMonitorFixture(t *testing.T, cfg MonitorConfig) *fixture {
	t.Helper()
	store := statestore.NewMemory(statestore.Options{})
	q := &captureQueue{}
	bus := eventbus.NewMemory()
	logger := log.Discard()
	ck := checkpoint.NewManager(store, q, bus, logger)
	return &fixture{
		store:   store,
		queue:   q,
		bus:     bus,
		monitor: NewMonitor(store, ck, bus, cfg, logger),
	}
}

func seedStalled(t *testing.T, store statestore.Store, id string, inactive time.Duration) {
	t.Helper()
	plan := saga.Plan{
		ID:       "plan-" + id,
		IntentID: "intent-" + id,
		Steps: []saga.PlanStep{
			{ID: id + "-s0", StepNumber: 0, ToolName: "book_restaurant_table", TimeoutMS: saga.DefaultStepTimeoutMS},
		},
	}
	st := saga.NewExecutionState(id, saga.Intent{ID: "intent-" + id, Type: saga.IntentAction}, plan)
	st.Status = saga.StatusExecuting
	if err := store.CreateState(context.Background(), st); err != nil {
		t.Fatalf("CreateState: %v", err)
	}
	backdate(t, store, id, inactive)
}

func backdate(t *testing.T, store statestore.Store, id string, inactive time.Duration) {
	t.Helper()
	if _, err := store.UpdateState(context.Background(), id, func(cur *saga.ExecutionState) error {
		cur.LastActivityAt = time.Now().UTC().Add(-inactive)
		return nil
	}); err != nil {
		t.Fatalf("backdate: %v", err)
	}
}

func TestSweepResumesZombie(t *testing.T) {
	f := newMonitorFixture(t, MonitorConfig{StallThreshold: 10 * time.Minute})
	seedStalled(t, f.store, "exec-1", 15*time.Minute)

	if err := f.monitor.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if f.queue.len() != 1 {
		t.Fatalf("recovery jobs = %d, want 1", f.queue.len())
	}
	st, _ := f.store.GetState(context.Background(), "exec-1")
	if got := intFromContext(st.Context, recoveryAttemptsKey); got != 1 {
		t.Fatalf("recovery attempts = %d, want 1", got)
	}
}

func TestSweepSkipsFreshExecutions(t *testing.T) {
	f := newMonitorFixture(t, MonitorConfig{StallThreshold: 10 * time.Minute})
	seedStalled(t, f.store, "exec-1", time.Minute)

	if err := f.monitor.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if f.queue.len() != 0 {
		t.Fatal("fresh execution must not be resumed")
	}
}

func TestSweepMovesToDLQAfterExhaustedRecoveries(t *testing.T) {
	f := newMonitorFixture(t, MonitorConfig{StallThreshold: 10 * time.Minute, MaxRecoveryAttempts: 3})
	seedStalled(t, f.store, "exec-1", 15*time.Minute)
	ctx := context.Background()

	// 每轮恢复都会刷新活跃时间；回拨以模拟持续停摆
	for i := 0; i < 3; i++ {
		if err := f.monitor.Sweep(ctx); err != nil {
			t.Fatalf("Sweep %d: %v", i, err)
		}
		backdate(t, f.store, "exec-1", 15*time.Minute)
	}
	if f.queue.len() != 3 {
		t.Fatalf("recovery jobs = %d, want 3", f.queue.len())
	}
	if _, err := f.store.GetDLQEntry(ctx, "exec-1"); err == nil {
		t.Fatal("dlq entry must not exist before recoveries are exhausted")
	}

	if err := f.monitor.Sweep(ctx); err != nil {
		t.Fatalf("final Sweep: %v", err)
	}
	if f.queue.len() != 3 {
		t.Fatalf("exhausted execution must not be re-enqueued, jobs = %d", f.queue.len())
	}
	entry, err := f.store.GetDLQEntry(ctx, "exec-1")
	if err != nil {
		t.Fatalf("GetDLQEntry: %v", err)
	}
	if !entry.RequiresHumanIntervention || entry.RecoveryAttempts != 3 {
		t.Fatalf("entry = %+v", entry)
	}

	moved := false
	for _, ev := range f.bus.Events() {
		if ev.EventType == saga.EventExecutionDLQ {
			moved = true
		}
	}
	if !moved {
		t.Fatal("ExecutionMovedToDLQ event missing")
	}
}

func TestBuildEntryCapturesFailedSteps(t *testing.T) {
	plan := saga.Plan{
		ID:       "plan-1",
		IntentID: "intent-1",
		Steps: []saga.PlanStep{
			{ID: "s0", StepNumber: 0, ToolName: "geocode_location", TimeoutMS: saga.DefaultStepTimeoutMS},
			{ID: "s1", StepNumber: 1, ToolName: "book_restaurant_table", TimeoutMS: saga.DefaultStepTimeoutMS},
		},
	}
	st := saga.NewExecutionState("exec-1", saga.Intent{ID: "intent-1", Type: saga.IntentAction}, plan)
	st.Status = saga.StatusAwaitingResume
	st.StepStates[0].Status = saga.StepCompleted
	st.StepStates[1].Status = saga.StepFailed
	st.StepStates[1].Error = &saga.StepError{Code: saga.CodeLogicalError, Message: "restaurant is full"}

	entry := buildEntry(st, 3, 12*time.Minute)
	if len(entry.FailedStepIDs) != 1 || entry.FailedStepIDs[0] != "s1" {
		t.Fatalf("failed steps = %v", entry.FailedStepIDs)
	}
	if entry.FailureReason != saga.CodeLogicalError+": restaurant is full" {
		t.Fatalf("reason = %q", entry.FailureReason)
	}
	if entry.CompletedSteps != 1 || entry.TotalSteps != 2 {
		t.Fatalf("progress = %d/%d", entry.CompletedSteps, entry.TotalSteps)
	}
	if entry.InactiveDuration != "12m0s" {
		t.Fatalf("inactive = %q", entry.InactiveDuration)
	}
}
