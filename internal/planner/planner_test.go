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

package planner

import (
	"context"
	"testing"

	"saga-platform/internal/saga"
)

func toolNames(p saga.Plan) []string {
	out := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.ToolName
	}
	return out
}

func TestPlanBookingIntent(t *testing.T) {
	p := NewRule()
	intent := saga.Intent{
		ID:   "intent-1",
		Type: saga.IntentAction,
		Parameters: map[string]any{
			"restaurant": "Trattoria Uno",
			"party_size": float64(4),
			"time":       "19:00",
		},
	}
	plan, err := p.PlanIntent(context.Background(), intent, saga.PlanConstraints{})
	if err != nil {
		t.Fatalf("PlanIntent: %v", err)
	}
	want := []string{"book_restaurant_table", "send_notification"}
	got := toolNames(plan)
	if len(got) != len(want) {
		t.Fatalf("tools = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tools = %v, want %v", got, want)
		}
	}
	if plan.Steps[0].Parameters["time"] != "19:00" {
		t.Fatalf("booking time = %v", plan.Steps[0].Parameters["time"])
	}
	if len(plan.Steps[1].Dependencies) != 1 || plan.Steps[1].Dependencies[0] != plan.Steps[0].ID {
		t.Fatal("notification must depend on the booking step")
	}
}

func TestPlanBookingWithSearchAndRide(t *testing.T) {
	p := NewRule()
	intent := saga.Intent{
		ID:   "intent-2",
		Type: saga.IntentAction,
		Parameters: map[string]any{
			"query":    "italian",
			"location": "downtown",
			"ride_to":  "downtown",
		},
	}
	plan, err := p.PlanIntent(context.Background(), intent, saga.PlanConstraints{})
	if err != nil {
		t.Fatalf("PlanIntent: %v", err)
	}
	want := []string{"search_restaurants", "book_restaurant_table", "request_ride", "send_notification"}
	got := toolNames(plan)
	if len(got) != len(want) {
		t.Fatalf("tools = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tools = %v, want %v", got, want)
		}
	}
}

func TestPlanScheduleIntent(t *testing.T) {
	p := NewRule()
	intent := saga.Intent{
		ID:   "intent-3",
		Type: saga.IntentSchedule,
		Parameters: map[string]any{
			"title":      "dentist",
			"start_time": "2026-09-01T10:00:00Z",
			"location":   "12 Main St",
		},
	}
	plan, err := p.PlanIntent(context.Background(), intent, saga.PlanConstraints{})
	if err != nil {
		t.Fatalf("PlanIntent: %v", err)
	}
	want := []string{"geocode_location", "add_calendar_event", "send_notification"}
	got := toolNames(plan)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tools = %v, want %v", got, want)
		}
	}
}

func TestReplanAppliesSuggestionStructurally(t *testing.T) {
	p := NewRule()
	intent := saga.Intent{
		ID:   "intent-4",
		Type: saga.IntentAction,
		Parameters: map[string]any{
			"restaurant": "Trattoria Uno",
			"time":       "19:00",
		},
	}
	constraints := ApplySuggestion(saga.PlanConstraints{}, &saga.Suggestion{
		Kind:       "alternative_time",
		Parameters: map[string]any{"time": "20:00"},
	})
	plan, err := p.PlanIntent(context.Background(), intent, constraints)
	if err != nil {
		t.Fatalf("PlanIntent: %v", err)
	}
	if plan.Steps[0].Parameters["time"] != "20:00" {
		t.Fatalf("override lost: time = %v", plan.Steps[0].Parameters["time"])
	}
	if plan.Steps[0].Parameters["restaurant"] != "Trattoria Uno" {
		t.Fatal("non-overridden parameters must survive")
	}
}

func TestPlanUnknownIntentFails(t *testing.T) {
	p := NewRule()
	_, err := p.PlanIntent(context.Background(), saga.Intent{ID: "i", Type: saga.IntentUnknown}, saga.PlanConstraints{})
	if err == nil {
		t.Fatal("expected error for unplannable intent")
	}
}
