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

package intent

import (
	"context"
	"testing"

	"saga-platform/internal/saga"
)

func TestRuleParseBooking(t *testing.T) {
	p := NewRule()
	it, err := p.Parse(context.Background(), "Book a table for 4 at Trattoria Uno at 19:00")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if it.Type != saga.IntentAction {
		t.Fatalf("type = %s, want ACTION", it.Type)
	}
	if it.Parameters["time"] != "19:00" {
		t.Errorf("time = %v", it.Parameters["time"])
	}
	if it.Parameters["party_size"] != float64(4) {
		t.Errorf("party_size = %v", it.Parameters["party_size"])
	}
	if it.Parameters["restaurant"] != "Trattoria Uno" {
		t.Errorf("restaurant = %v", it.Parameters["restaurant"])
	}
}

func TestRuleParseSchedule(t *testing.T) {
	p := NewRule()
	it, err := p.Parse(context.Background(), "Schedule a dentist appointment at 10:30")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if it.Type != saga.IntentSchedule {
		t.Fatalf("type = %s, want SCHEDULE", it.Type)
	}
	if it.Parameters["start_time"] != "10:30" {
		t.Errorf("start_time = %v", it.Parameters["start_time"])
	}
}

func TestRuleParseSearch(t *testing.T) {
	p := NewRule()
	it, err := p.Parse(context.Background(), "find me a good italian place downtown")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if it.Type != saga.IntentSearch {
		t.Fatalf("type = %s, want SEARCH", it.Type)
	}
}

func TestRuleParseUnknownAndEmpty(t *testing.T) {
	p := NewRule()
	it, _ := p.Parse(context.Background(), "what even is this")
	if it.Type != saga.IntentUnknown {
		t.Fatalf("type = %s, want UNKNOWN", it.Type)
	}
	it, _ = p.Parse(context.Background(), "   ")
	if it.Type != saga.IntentClarificationRequired {
		t.Fatalf("type = %s, want CLARIFICATION_REQUIRED", it.Type)
	}
}

func TestExtractJSON(t *testing.T) {
	in := "```json\n{\"type\":\"ACTION\"}\n```"
	if got := extractJSON(in); got != `{"type":"ACTION"}` {
		t.Fatalf("extractJSON = %q", got)
	}
	if got := extractJSON("no json here"); got != "no json here" {
		t.Fatalf("extractJSON passthrough = %q", got)
	}
}
