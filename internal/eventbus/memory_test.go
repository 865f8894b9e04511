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

package eventbus

import (
	"context"
	"testing"
	"time"

	"saga-platform/internal/saga"
)

func TestMemoryBusFanOut(t *testing.T) {
	bus := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch1, err := bus.Subscribe(ctx, "sink-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ch2, err := bus.Subscribe(ctx, "sink-2")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ev := saga.NewEvent(saga.EventStepCompleted, "exec-1").WithStep("step-a", 1)
	if err := bus.Publish(ctx, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for i, ch := range []<-chan Delivery{ch1, ch2} {
		select {
		case d := <-ch:
			if d.Event.EventType != saga.EventStepCompleted || d.Event.StepID != "step-a" {
				t.Fatalf("subscriber %d got %+v", i, d.Event)
			}
			if err := d.Ack(ctx); err != nil {
				t.Fatalf("ack: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestMemoryBusSubscriberCancellation(t *testing.T) {
	bus := NewMemory()
	subCtx, subCancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(subCtx, "sink")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	subCancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return // 通道已关闭
			}
		case <-deadline:
			t.Fatal("channel not closed after cancellation")
		}
	}
}

func TestMemoryBusHistory(t *testing.T) {
	bus := NewMemory()
	ctx := context.Background()
	for _, typ := range []saga.EventType{saga.EventStepStarted, saga.EventStepCompleted, saga.EventExecutionCompleted} {
		if err := bus.Publish(ctx, saga.NewEvent(typ, "exec-1")); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	types := bus.EventTypes()
	if len(types) != 3 || types[2] != saga.EventExecutionCompleted {
		t.Fatalf("history: %v", types)
	}
}
