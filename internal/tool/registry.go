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

package tool

import (
	"encoding/json"
	"sync"
)

// Registry 本地工具注册表，兼作 needs-compensation 权威表：
// 工具注册时声明其副作用是否需要补偿，补偿器据此跳过纯通知类工具。
// 表以显式注册为准，不做名字模式匹配。
type Registry struct {
	mu           sync.RWMutex
	tools        map[string]Tool
	compensable  map[string]bool
}

// NewRegistry 创建注册表。
func NewRegistry() *Registry {
	return &Registry{
		tools:       make(map[string]Tool),
		compensable: make(map[string]bool),
	}
}

// Register 注册工具。needsCompensation 声明该工具产生的补偿配方是否必须回放。
func (r *Registry) Register(t Tool, needsCompensation bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
	r.compensable[t.Name()] = needsCompensation
}

// Get 按名称获取工具。
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// NeedsCompensation 查询补偿表。未注册的工具按需要补偿处理（保守方向）。
func (r *Registry) NeedsCompensation(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.compensable[name]
	if !ok {
		return true
	}
	return v
}

// List 返回所有已注册工具。
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		list = append(list, t)
	}
	return list
}

// ToolDescriptor 对外暴露的工具描述（规划器与远程发现共用）。
type ToolDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  Schema `json:"parameters"`
}

// Descriptors 返回所有工具的描述列表。
func (r *Registry) Descriptors() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]ToolDescriptor, 0, len(r.tools))
	for _, t := range r.tools {
		list = append(list, ToolDescriptor{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return list
}

// DescriptorsJSON Descriptors 的 JSON 序列化（LLM 规划提示词用）。
func (r *Registry) DescriptorsJSON() ([]byte, error) {
	return json.Marshal(r.Descriptors())
}
