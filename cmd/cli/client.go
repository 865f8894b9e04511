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

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

func apiBaseURL() string {
	if u := os.Getenv("SAGA_API_URL"); u != "" {
		return u
	}
	return "http://localhost:3000"
}

func newClient() *resty.Client {
	return resty.New().
		SetBaseURL(apiBaseURL()).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")
}

// adminClient /dlq/* 需要 Bearer token（SAGA_ADMIN_TOKEN）。
func adminClient() *resty.Client {
	c := newClient()
	if token := os.Getenv("SAGA_ADMIN_TOKEN"); token != "" {
		c.SetAuthToken(token)
	}
	return c
}

func postChat(message string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetBody(map[string]interface{}{
			"messages": []map[string]string{{"role": "user", "content": message}},
		}).
		SetResult(&out).
		Post("/chat")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("POST /chat: %s", resp.String())
	}
	return out, nil
}

func getExecution(executionID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/executions/" + executionID)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /executions/%s: %s", executionID, resp.String())
	}
	return out, nil
}

func getHistory(executionID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/executions/" + executionID + "/history")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET history: %s", resp.String())
	}
	return out, nil
}

// postStep 手动触发一段执行。需要 SAGA_INTERNAL_KEY。
func postStep(executionID string, startStepIndex int) (map[string]interface{}, error) {
	var out map[string]interface{}
	req := newClient().R().
		SetBody(map[string]interface{}{
			"executionId":    executionID,
			"startStepIndex": startStepIndex,
		}).
		SetResult(&out)
	if key := os.Getenv("SAGA_INTERNAL_KEY"); key != "" {
		req.SetHeader("x-internal-system-key", key)
	}
	resp, err := req.Post("/engine/execute-step")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("POST /engine/execute-step: %s", resp.String())
	}
	return out, nil
}

// postMeshResume 从检查点恢复执行。需要 SAGA_MESH_TOKEN。
func postMeshResume(executionID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	req := newClient().R().
		SetBody(map[string]string{"executionId": executionID}).
		SetResult(&out)
	if token := os.Getenv("SAGA_MESH_TOKEN"); token != "" {
		req.SetAuthToken(token)
	}
	resp, err := req.Post("/mesh/resume")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("POST /mesh/resume: %s", resp.String())
	}
	return out, nil
}

func listDLQ(query string) (map[string]interface{}, error) {
	var out map[string]interface{}
	path := "/dlq/sagas"
	if query != "" {
		path += "?" + query
	}
	resp, err := adminClient().R().SetResult(&out).Get(path)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /dlq/sagas: %s", resp.String())
	}
	return out, nil
}

func getDLQStats() (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := adminClient().R().SetResult(&out).Get("/dlq/stats")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /dlq/stats: %s", resp.String())
	}
	return out, nil
}

func getDLQEntry(executionID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := adminClient().R().SetResult(&out).Get("/dlq/sagas/" + executionID)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /dlq/sagas/%s: %s", executionID, resp.String())
	}
	return out, nil
}

func postDLQResume(executionID, reason, adminUser string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := adminClient().R().
		SetBody(map[string]string{"reason": reason, "adminUserId": adminUser}).
		SetResult(&out).
		Post("/dlq/sagas/" + executionID + "/resume")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("POST resume: %s", resp.String())
	}
	return out, nil
}

func postDLQCancel(executionID, reason, adminUser string, compensate bool) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := adminClient().R().
		SetBody(map[string]interface{}{
			"reason": reason, "adminUserId": adminUser, "attemptCompensation": compensate,
		}).
		SetResult(&out).
		Post("/dlq/sagas/" + executionID + "/cancel")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("POST cancel: %s", resp.String())
	}
	return out, nil
}

func prettyJSON(v interface{}) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
