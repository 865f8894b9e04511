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

package main

import "testing"

func TestTerminalStatusName(t *testing.T) {
	for _, status := range []string{"COMPLETED", "FAILED", "CANCELLED", "AWAITING_RESUME"} {
		if !terminalStatusName(status) {
			t.Errorf("%s should stop polling", status)
		}
	}
	for _, status := range []string{"CREATED", "PLANNED", "EXECUTING", "COMPENSATING", ""} {
		if terminalStatusName(status) {
			t.Errorf("%s should keep polling", status)
		}
	}
}

func TestExecutionStatus(t *testing.T) {
	resp := map[string]interface{}{
		"success":   true,
		"execution": map[string]interface{}{"status": "EXECUTING"},
	}
	if got := executionStatus(resp); got != "EXECUTING" {
		t.Fatalf("status = %q, want EXECUTING", got)
	}
	if got := executionStatus(map[string]interface{}{}); got != "" {
		t.Fatalf("missing execution should yield empty status, got %q", got)
	}
}
