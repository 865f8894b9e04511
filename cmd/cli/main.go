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
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"saga-platform/pkg/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}
	cmd := os.Args[1]
	args := os.Args[2:]
	switch cmd {
	case "version":
		fmt.Println("saga-platform cli 0.1.0")
	case "config":
		runConfig()
	case "server":
		if len(args) > 0 && args[0] == "start" {
			runProcess("./cmd/api")
		} else {
			fmt.Fprintf(os.Stderr, "Usage: saga server start\n")
			os.Exit(1)
		}
	case "worker":
		if len(args) > 0 && args[0] == "start" {
			runProcess("./cmd/worker")
		} else {
			fmt.Fprintf(os.Stderr, "Usage: saga worker start\n")
			os.Exit(1)
		}
	case "chat":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: saga chat <message>\n")
			os.Exit(1)
		}
		runChat(strings.Join(args, " "))
	case "status":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: saga status <execution_id>\n")
			os.Exit(1)
		}
		runStatus(args[0])
	case "history":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: saga history <execution_id>\n")
			os.Exit(1)
		}
		runHistory(args[0])
	case "step":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: saga step <execution_id> [start_index]\n")
			os.Exit(1)
		}
		runStep(args)
	case "resume":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: saga resume <execution_id>\n")
			os.Exit(1)
		}
		runResume(args[0])
	case "dlq":
		runDLQ(args)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: saga <command> [args]")
	fmt.Println("  version                    - 显示版本")
	fmt.Println("  config                     - 显示配置概要")
	fmt.Println("  server start               - 启动 API 服务（go run ./cmd/api）")
	fmt.Println("  worker start               - 启动 Worker 服务（go run ./cmd/worker）")
	fmt.Println("  chat <message>             - 提交请求并轮询执行状态")
	fmt.Println("  status <execution_id>      - 查看执行状态")
	fmt.Println("  history <execution_id>     - 查看执行事件历史")
	fmt.Println("  step <execution_id> [i]    - 手动触发一段执行（需 SAGA_INTERNAL_KEY）")
	fmt.Println("  resume <execution_id>      - 从检查点恢复（需 SAGA_MESH_TOKEN）")
	fmt.Println("  dlq list [query]           - 列出死信执行（需 SAGA_ADMIN_TOKEN）")
	fmt.Println("  dlq stats                  - 死信队列汇总")
	fmt.Println("  dlq get <execution_id>     - 单条死信详情")
	fmt.Println("  dlq resume <id> <reason>   - 人工续跑（操作者取 SAGA_ADMIN_USER）")
	fmt.Println("  dlq cancel <id> <reason>   - 人工取消并补偿")
}

func runConfig() {
	cfg, err := config.LoadAPIConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("api.port=%d\n", cfg.API.Port)
	fmt.Printf("runtime.profile=%s\n", cfg.Runtime.Profile)
	fmt.Printf("state_store.type=%s\n", cfg.StateStore.Type)
	fmt.Printf("queue.type=%s\n", cfg.Queue.Type)
	fmt.Printf("saga.segment_timeout_ms=%d\n", cfg.Saga.SegmentTimeoutMS)
	fmt.Printf("saga.checkpoint_threshold_ms=%d\n", cfg.Saga.CheckpointThresholdMS)
}

func runProcess(pkg string) {
	c := exec.Command("go", "run", pkg)
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	c.Dir = "."
	if err := c.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "start %s: %v\n", pkg, err)
		os.Exit(1)
	}
}

func runChat(message string) {
	out, err := postChat(message)
	if err != nil {
		fmt.Fprintf(os.Stderr, "请求失败: %v\n", err)
		os.Exit(1)
	}
	executionID, _ := out["executionId"].(string)
	if executionID == "" {
		// 会话类应答（澄清/未知意图），无执行产生
		fmt.Println(prettyJSON(out))
		return
	}
	fmt.Printf("execution: %s\n", executionID)
	for i := 0; i < 60; i++ {
		time.Sleep(time.Second)
		st, err := getExecution(executionID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "查询失败: %v\n", err)
			break
		}
		status := executionStatus(st)
		fmt.Printf("  status: %s\n", status)
		if terminalStatusName(status) {
			break
		}
	}
}

// executionStatus 从应答中取执行状态字符串。
func executionStatus(resp map[string]interface{}) string {
	exec, ok := resp["execution"].(map[string]interface{})
	if !ok {
		return ""
	}
	s, _ := exec["status"].(string)
	return s
}

// terminalStatusName 轮询终止条件：终态或等待人工/恢复介入。
func terminalStatusName(status string) bool {
	switch status {
	case "COMPLETED", "FAILED", "CANCELLED", "AWAITING_RESUME":
		return true
	}
	return false
}

func runStatus(executionID string) {
	out, err := getExecution(executionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "查询失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runHistory(executionID string) {
	out, err := getHistory(executionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "获取历史失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runStep(args []string) {
	index := 0
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 {
			fmt.Fprintf(os.Stderr, "无效的步骤序号: %s\n", args[1])
			os.Exit(1)
		}
		index = n
	}
	out, err := postStep(args[0], index)
	if err != nil {
		fmt.Fprintf(os.Stderr, "触发失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runResume(executionID string) {
	out, err := postMeshResume(executionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "恢复失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runDLQ(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: saga dlq <list|stats|get|resume|cancel> [args]\n")
		os.Exit(1)
	}
	adminUser := os.Getenv("SAGA_ADMIN_USER")
	switch args[0] {
	case "list":
		query := ""
		if len(args) > 1 {
			query = args[1]
		}
		out, err := listDLQ(query)
		exitOn(err, "列出死信失败")
		fmt.Println(prettyJSON(out))
	case "stats":
		out, err := getDLQStats()
		exitOn(err, "获取统计失败")
		fmt.Println(prettyJSON(out))
	case "get":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "Usage: saga dlq get <execution_id>\n")
			os.Exit(1)
		}
		out, err := getDLQEntry(args[1])
		exitOn(err, "获取详情失败")
		fmt.Println(prettyJSON(out))
	case "resume":
		if len(args) < 3 {
			fmt.Fprintf(os.Stderr, "Usage: saga dlq resume <execution_id> <reason>\n")
			os.Exit(1)
		}
		out, err := postDLQResume(args[1], strings.Join(args[2:], " "), adminUser)
		exitOn(err, "续跑失败")
		fmt.Println(prettyJSON(out))
	case "cancel":
		if len(args) < 3 {
			fmt.Fprintf(os.Stderr, "Usage: saga dlq cancel <execution_id> <reason>\n")
			os.Exit(1)
		}
		out, err := postDLQCancel(args[1], strings.Join(args[2:], " "), adminUser, true)
		exitOn(err, "取消失败")
		fmt.Println(prettyJSON(out))
	default:
		fmt.Fprintf(os.Stderr, "未知子命令: %s\n", args[0])
		os.Exit(1)
	}
}

func exitOn(err error, msg string) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
		os.Exit(1)
	}
}
