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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"

	"saga-platform/internal/api/http/middleware"
	"saga-platform/internal/eventbus"
	"saga-platform/internal/intent"
	"saga-platform/internal/journal"
	"saga-platform/internal/planner"
	"saga-platform/internal/queue"
	"saga-platform/internal/saga"
	"saga-platform/internal/saga/checkpoint"
	"saga-platform/internal/saga/compensator"
	"saga-platform/internal/saga/dlq"
	"saga-platform/internal/saga/failover"
	"saga-platform/internal/saga/machine"
	"saga-platform/internal/saga/replan"
	"saga-platform/internal/statestore"
	"saga-platform/internal/tool"
	"saga-platform/pkg/log"
)

const (
	testSigningKey  = "test-signing-key"
	testInternalKey = "internal-system-key"
	testMeshToken   = "mesh-service-token"
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

func (q *captureQueue) pop() (queue.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return queue.Job{}, false
	}
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	return j, true
}

type apiFixture struct {
	store  statestore.Store
	queue  *captureQueue
	signer *queue.Signer
	srv    *server.Hertz
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store := statestore.NewMemory(statestore.Options{})
	bus := eventbus.NewMemory()
	q := &captureQueue{}
	logger := log.Discard()

	reg := tool.NewRegistry()
	tool.RegisterBuiltins(reg)
	exec := tool.NewExecutor(reg, nil, nil, tool.ExecutorOptions{}, logger)
	ck := checkpoint.NewManager(store, q, bus, logger)
	comp := compensator.New(store, exec, bus, reg.NeedsCompensation, 0, logger)
	rp := replan.New(store, planner.NewRule(), q, bus, 3, logger)
	m, err := machine.New(store, exec, reg, failover.NewEngine(nil), comp, ck, rp, q, bus, machine.Config{}, logger)
	if err != nil {
		t.Fatalf("machine.New: %v", err)
	}
	admin := dlq.NewAdmin(store, q, bus, comp, logger)
	h := NewHandler(store, m, intent.NewRule(), planner.NewRule(), ck, admin, q, journal.NewMemory(), logger)

	signer := queue.NewSigner(testSigningKey, "")
	stepAuth := middleware.StepAuth(middleware.StepAuthConfig{
		Signer: signer, InternalKey: testInternalKey, Strict: true,
	})
	router := NewRouter(h, stepAuth, middleware.MeshAuth(testMeshToken), logger)
	return &apiFixture{store: store, queue: q, signer: signer, srv: router.Build(":0")}
}

func (f *apiFixture) post(t *testing.T, path, body string, headers ...ut.Header) *ut.ResponseRecorder {
	t.Helper()
	return ut.PerformRequest(f.srv.Engine, "POST", path,
		&ut.Body{Body: bytes.NewBufferString(body), Len: len(body)}, headers...)
}

func (f *apiFixture) get(t *testing.T, path string) *ut.ResponseRecorder {
	t.Helper()
	return ut.PerformRequest(f.srv.Engine, "GET", path, nil)
}

func decode(t *testing.T, w *ut.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Result().Body(), &out); err != nil {
		t.Fatalf("decode response: %v (%s)", err, w.Result().Body())
	}
	return out
}

func (f *apiFixture) createBooking(t *testing.T) string {
	t.Helper()
	w := f.post(t, "/chat",
		`{"messages":[{"role":"user","content":"book a table for 2 people at 19:00"}]}`)
	if w.Result().StatusCode() != 200 {
		t.Fatalf("chat status = %d: %s", w.Result().StatusCode(), w.Result().Body())
	}
	body := decode(t, w)
	id, _ := body["executionId"].(string)
	if id == "" {
		t.Fatalf("executionId missing: %v", body)
	}
	return id
}

func TestChatCreatesBookingExecution(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createBooking(t)

	st, err := f.store.GetState(context.Background(), id)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if st.Status != saga.StatusPlanned {
		t.Fatalf("status = %s, want PLANNED", st.Status)
	}
	job, ok := f.queue.pop()
	if !ok || job.ExecutionID != id || job.StartStepIndex != 0 {
		t.Fatalf("first job = %+v", job)
	}
}

func TestChatRejectsEmptyMessages(t *testing.T) {
	f := newAPIFixture(t)
	w := f.post(t, "/chat", `{"messages":[]}`)
	if w.Result().StatusCode() != 400 {
		t.Fatalf("status = %d, want 400", w.Result().StatusCode())
	}
	if !bytes.Contains(w.Result().Body(), []byte(`"errors"`)) {
		t.Fatalf("error envelope missing: %s", w.Result().Body())
	}
}

func TestChatClarificationDoesNotCreateExecution(t *testing.T) {
	f := newAPIFixture(t)
	w := f.post(t, "/chat", `{"messages":[{"role":"user","content":"   "}]}`)
	if w.Result().StatusCode() != 400 {
		t.Fatalf("status = %d, want 400 for blank message", w.Result().StatusCode())
	}
}

func TestExecuteStepRequiresCredentials(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createBooking(t)
	body := fmt.Sprintf(`{"executionId":%q}`, id)

	w := f.post(t, "/engine/execute-step", body)
	if w.Result().StatusCode() != 401 {
		t.Fatalf("unsigned status = %d, want 401", w.Result().StatusCode())
	}

	w = f.post(t, "/engine/execute-step", body,
		ut.Header{Key: middleware.InternalKeyHeader, Value: "wrong-key"})
	if w.Result().StatusCode() != 401 {
		t.Fatalf("bad key status = %d, want 401", w.Result().StatusCode())
	}

	w = f.post(t, "/engine/execute-step", body,
		ut.Header{Key: queue.SignatureHeader, Value: "deadbeef"})
	if w.Result().StatusCode() != 401 {
		t.Fatalf("bad signature status = %d, want 401", w.Result().StatusCode())
	}
}

func TestExecuteStepWithInternalKey(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createBooking(t)
	body := fmt.Sprintf(`{"executionId":%q}`, id)

	w := f.post(t, "/engine/execute-step", body,
		ut.Header{Key: middleware.InternalKeyHeader, Value: testInternalKey})
	if w.Result().StatusCode() != 200 {
		t.Fatalf("status = %d: %s", w.Result().StatusCode(), w.Result().Body())
	}
	resp := decode(t, w)
	if resp["stepStatus"] != "completed" {
		t.Fatalf("stepStatus = %v, want completed", resp["stepStatus"])
	}
	if resp["stepExecuted"] == nil {
		t.Fatal("stepExecuted missing")
	}
}

func TestExecuteStepSignedDeliveryDrivesToCompletion(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createBooking(t)

	for rounds := 0; rounds < 20; rounds++ {
		job, ok := f.queue.pop()
		if !ok {
			break
		}
		body, _ := json.Marshal(job)
		w := f.post(t, "/engine/execute-step", string(body),
			ut.Header{Key: queue.SignatureHeader, Value: f.signer.Sign(body)})
		if w.Result().StatusCode() != 200 {
			t.Fatalf("status = %d: %s", w.Result().StatusCode(), w.Result().Body())
		}
	}

	st, err := f.store.GetState(context.Background(), id)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if st.Status != saga.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", st.Status)
	}
}

func TestExecuteStepUnknownExecution(t *testing.T) {
	f := newAPIFixture(t)
	w := f.post(t, "/engine/execute-step", `{"executionId":"nope"}`,
		ut.Header{Key: middleware.InternalKeyHeader, Value: testInternalKey})
	if w.Result().StatusCode() != 404 {
		t.Fatalf("status = %d, want 404", w.Result().StatusCode())
	}
}

func TestMeshResumeRequiresServiceToken(t *testing.T) {
	f := newAPIFixture(t)
	body := `{"executionId":"exec-1"}`

	w := f.post(t, "/mesh/resume", body)
	if w.Result().StatusCode() != 401 {
		t.Fatalf("missing token status = %d, want 401", w.Result().StatusCode())
	}
	w = f.post(t, "/mesh/resume", body,
		ut.Header{Key: "Authorization", Value: "Bearer wrong"})
	if w.Result().StatusCode() != 401 {
		t.Fatalf("bad token status = %d, want 401", w.Result().StatusCode())
	}
}

func TestMeshResumeAwaitingExecution(t *testing.T) {
	f := newAPIFixture(t)
	plan := saga.Plan{
		ID:       "plan-1",
		IntentID: "intent-1",
		Steps: []saga.PlanStep{{
			ID: "s0", StepNumber: 0, ToolName: "send_notification",
			TimeoutMS: saga.DefaultStepTimeoutMS,
		}},
	}
	st := saga.NewExecutionState("exec-1", saga.Intent{ID: "intent-1", Type: saga.IntentAction}, plan)
	st.Status = saga.StatusAwaitingResume
	if err := f.store.CreateState(context.Background(), st); err != nil {
		t.Fatalf("CreateState: %v", err)
	}

	w := f.post(t, "/mesh/resume", `{"executionId":"exec-1"}`,
		ut.Header{Key: "Authorization", Value: "Bearer " + testMeshToken})
	if w.Result().StatusCode() != 200 {
		t.Fatalf("status = %d: %s", w.Result().StatusCode(), w.Result().Body())
	}
	resp := decode(t, w)
	if resp["resumed"] != true {
		t.Fatalf("resumed = %v, want true", resp["resumed"])
	}
	if _, ok := f.queue.pop(); !ok {
		t.Fatal("resume must enqueue a job")
	}
}

func TestMeshResumeUnknownExecution(t *testing.T) {
	f := newAPIFixture(t)
	w := f.post(t, "/mesh/resume", `{"executionId":"missing"}`,
		ut.Header{Key: "Authorization", Value: "Bearer " + testMeshToken})
	if w.Result().StatusCode() != 404 {
		t.Fatalf("status = %d, want 404", w.Result().StatusCode())
	}
}

func seedDLQ(t *testing.T, f *apiFixture, id string) {
	t.Helper()
	plan := saga.Plan{
		ID:       "plan-" + id,
		IntentID: "intent-" + id,
		Steps: []saga.PlanStep{{
			ID: id + "-s0", StepNumber: 0, ToolName: "book_restaurant_table",
			Parameters: map[string]any{"time": "19:00"},
			TimeoutMS:  saga.DefaultStepTimeoutMS,
		}},
	}
	st := saga.NewExecutionState(id, saga.Intent{ID: "intent-" + id, Type: saga.IntentAction}, plan)
	st.Status = saga.StatusAwaitingResume
	st.StepStates[0].Status = saga.StepFailed
	st.StepStates[0].Error = &saga.StepError{Code: saga.CodeLogicalError, Message: "restaurant is full"}
	ctx := context.Background()
	if err := f.store.CreateState(ctx, st); err != nil {
		t.Fatalf("CreateState: %v", err)
	}
	now := time.Now().UTC()
	entry := saga.DLQEntry{
		ExecutionID:               id,
		Status:                    saga.StatusAwaitingResume,
		RequiresHumanIntervention: true,
		FailedStepIDs:             []string{id + "-s0"},
		RecoveryAttempts:          3,
		FailureReason:             "LOGICAL_ERROR: restaurant is full",
		InactiveDuration:          "15m0s",
		LastActivityAt:            now.Add(-15 * time.Minute),
		MovedAt:                   now,
		IntentType:                saga.IntentAction,
		TotalSteps:                1,
	}
	if err := f.store.PutDLQEntry(ctx, entry); err != nil {
		t.Fatalf("PutDLQEntry: %v", err)
	}
}

func TestDLQListAndStats(t *testing.T) {
	f := newAPIFixture(t)
	seedDLQ(t, f, "exec-dead")

	w := f.get(t, "/dlq/sagas?limit=10")
	if w.Result().StatusCode() != 200 {
		t.Fatalf("list status = %d: %s", w.Result().StatusCode(), w.Result().Body())
	}
	resp := decode(t, w)
	if resp["total"] != float64(1) {
		t.Fatalf("total = %v, want 1", resp["total"])
	}

	w = f.get(t, "/dlq/stats")
	if w.Result().StatusCode() != 200 {
		t.Fatalf("stats status = %d", w.Result().StatusCode())
	}

	w = f.get(t, "/dlq/sagas/exec-dead")
	if w.Result().StatusCode() != 200 {
		t.Fatalf("get status = %d", w.Result().StatusCode())
	}
	w = f.get(t, "/dlq/sagas/missing")
	if w.Result().StatusCode() != 404 {
		t.Fatalf("missing status = %d, want 404", w.Result().StatusCode())
	}
}

func TestDLQListRejectsBadQuery(t *testing.T) {
	f := newAPIFixture(t)
	w := f.get(t, "/dlq/sagas?limit=abc")
	if w.Result().StatusCode() != 400 {
		t.Fatalf("status = %d, want 400", w.Result().StatusCode())
	}
}

func TestDLQResumeValidation(t *testing.T) {
	f := newAPIFixture(t)
	seedDLQ(t, f, "exec-dead")

	w := f.post(t, "/dlq/sagas/exec-dead/resume", `{"reason":"short","adminUserId":"ops-1"}`)
	if w.Result().StatusCode() != 400 {
		t.Fatalf("status = %d, want 400", w.Result().StatusCode())
	}
	if !bytes.Contains(w.Result().Body(), []byte(`"reason"`)) {
		t.Fatalf("field name missing: %s", w.Result().Body())
	}
}

func TestDLQResumeRequeues(t *testing.T) {
	f := newAPIFixture(t)
	seedDLQ(t, f, "exec-dead")

	w := f.post(t, "/dlq/sagas/exec-dead/resume",
		`{"fixedParameters":{"exec-dead-s0":{"time":"20:00"}},"reason":"restaurant confirmed availability","adminUserId":"ops-1"}`)
	if w.Result().StatusCode() != 200 {
		t.Fatalf("status = %d: %s", w.Result().StatusCode(), w.Result().Body())
	}
	resp := decode(t, w)
	if resp["status"] != string(saga.StatusExecuting) {
		t.Fatalf("status = %v, want EXECUTING", resp["status"])
	}
	if _, ok := f.queue.pop(); !ok {
		t.Fatal("resume must enqueue a job")
	}
}

func TestDLQCancel(t *testing.T) {
	f := newAPIFixture(t)
	seedDLQ(t, f, "exec-dead")

	w := f.post(t, "/dlq/sagas/exec-dead/cancel",
		`{"reason":"customer withdrew the request","adminUserId":"ops-1","attemptCompensation":false}`)
	if w.Result().StatusCode() != 200 {
		t.Fatalf("status = %d: %s", w.Result().StatusCode(), w.Result().Body())
	}
	st, err := f.store.GetState(context.Background(), "exec-dead")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if st.Status != saga.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", st.Status)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t)

	w := f.get(t, "/health")
	if w.Result().StatusCode() != 200 {
		t.Fatalf("health status = %d", w.Result().StatusCode())
	}
	w = f.get(t, "/metrics")
	if w.Result().StatusCode() != 200 {
		t.Fatalf("metrics status = %d", w.Result().StatusCode())
	}
}

func TestExecutionHistoryEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createBooking(t)

	w := f.get(t, "/executions/" + id + "/history")
	if w.Result().StatusCode() != 200 {
		t.Fatalf("history status = %d", w.Result().StatusCode())
	}
	w = f.get(t, "/executions/" + id)
	if w.Result().StatusCode() != 200 {
		t.Fatalf("get status = %d", w.Result().StatusCode())
	}
	w = f.get(t, "/executions/missing")
	if w.Result().StatusCode() != 404 {
		t.Fatalf("missing status = %d, want 404", w.Result().StatusCode())
	}
}
