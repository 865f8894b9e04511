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

package statestore

import "fmt"

// Key 布局（§3）。版本号单独成键，CAS 脚本靠它比较，免去整状态 JSON 解码。
const (
	activeIndexKey = "exec:active"
	dlqIndexKey    = "dlq:index"
	outboxKey      = "outbox:events"
)

func stateKey(id string) string      { return "exec:" + id + ":state" }
func versionKey(id string) string    { return "exec:" + id + ":ver" }
func lockKey(id string) string       { return "exec:" + id + ":lock" }
func checkpointKey(id string) string { return "exec:" + id + ":checkpoint" }
func replanKey(id string) string     { return "exec:" + id + ":replan" }
func dlqKey(id string) string        { return "dlq:saga:" + id }
func tombstoneKey(id string) string  { return "cancelled:" + id }

func stepLockKey(id string, stepIndex int) string {
	return fmt.Sprintf("exec:%s:step:%d:lock", id, stepIndex)
}
