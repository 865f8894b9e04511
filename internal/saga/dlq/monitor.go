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

// Package dlq 监控停摆的执行并提供人工干预入口（C10）。
// 僵尸判定：活跃状态且 LastActivityAt 超过停摆阈值。自动恢复有限次，
// 用尽后落死信等待管理员。
package dlq

import (
	"context"
	"time"

	"saga-platform/internal/eventbus"
	"saga-platform/internal/saga"
	"saga-platform/internal/saga/checkpoint"
	"saga-platform/internal/statestore"
	pkgerrors "saga-platform/pkg/errors"
	"saga-platform/pkg/log"
	"saga-platform/pkg/metrics"
)

const recoveryAttemptsKey = "dlq_recovery_attempts"

// MonitorConfig 监控参数。
type MonitorConfig struct {
	// StallThreshold 判定停摆的不活跃时长（默认 10m）。
	StallThreshold time.Duration
	// ScanInterval 扫描周期（默认 1m）。
	ScanInterval time.Duration
	// MaxRecoveryAttempts 自动恢复次数上限（默认 3）。
	MaxRecoveryAttempts int
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.StallThreshold <= 0 {
		c.StallThreshold = 10 * time.Minute
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = time.Minute
	}
	if c.MaxRecoveryAttempts <= 0 {
		c.MaxRecoveryAttempts = 3
	}
	return c
}

// Monitor 死信监控。
type Monitor struct {
	store       statestore.Store
	checkpoints *checkpoint.Manager
	bus         eventbus.Bus
	cfg         MonitorConfig
	logger      *log.Logger
}

// NewMonitor 创建监控器。
func NewMonitor(store statestore.Store, ck *checkpoint.Manager, bus eventbus.Bus, cfg MonitorConfig, logger *log.Logger) *Monitor {
	return &Monitor{
		store:       store,
		checkpoints: ck,
		bus:         bus,
		cfg:         cfg.withDefaults(),
		logger:      logger.Component("dlq-monitor"),
	}
}

// Run 周期扫描直到 ctx 结束。
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				m.logger.Warn("dlq sweep failed", "error", err)
			}
		}
	}
}

// Sweep 一轮扫描。独立导出便于测试与手动触发。
func (m *Monitor) Sweep(ctx context.Context) error {
	ids, err := m.store.ListActive(ctx)
	if err != nil {
		return pkgerrors.Wrap(err, "list active executions")
	}
	now := time.Now().UTC()
	for _, id := range ids {
		st, err := m.store.GetState(ctx, id)
		if err != nil {
			if pkgerrors.Is(err, pkgerrors.ErrExecutionNotFound) {
				continue // 状态已过期，索引残留
			}
			m.logger.Warn("state load failed during sweep", "execution_id", id, "error", err)
			continue
		}
		if !st.Status.Active() {
			continue
		}
		inactive := now.Sub(st.LastActivityAt)
		if inactive <= m.cfg.StallThreshold {
			continue
		}
		m.handleZombie(ctx, st, inactive)
	}

	if entries, err := m.store.ListDLQEntries(ctx); err == nil {
		metrics.DLQSize.Set(float64(len(entries)))
	}
	return nil
}

func (m *Monitor) handleZombie(ctx context.Context, st *saga.ExecutionState, inactive time.Duration) {
	logger := m.logger.WithExecution(st.ExecutionID)
	attempts := intFromContext(st.Context, recoveryAttemptsKey)

	if attempts < m.cfg.MaxRecoveryAttempts {
		if _, err := m.store.UpdateState(ctx, st.ExecutionID, func(cur *saga.ExecutionState) error {
			if cur.Context == nil {
				cur.Context = make(map[string]any)
			}
			cur.Context[recoveryAttemptsKey] = attempts + 1
			return nil
		}); err != nil {
			logger.Warn("recovery attempt bump failed", "error", err)
			return
		}
		if _, err := m.checkpoints.Resume(ctx, st.ExecutionID, checkpoint.ResumeOptions{Source: "dlq-monitor"}); err != nil {
			logger.Warn("automatic recovery failed", "attempt", attempts+1, "error", err)
			return
		}
		logger.Info("zombie execution resumed", "attempt", attempts+1, "inactive", inactive.String())
		return
	}

	entry := buildEntry(st, attempts, inactive)
	if err := m.store.PutDLQEntry(ctx, entry); err != nil {
		logger.Warn("dlq entry write failed", "error", err)
		return
	}
	ev := saga.NewEvent(saga.EventExecutionDLQ, st.ExecutionID).
		WithStatus(string(st.Status)).
		WithMessage(entry.FailureReason)
	if err := m.bus.Publish(ctx, ev); err != nil {
		logger.Warn("dlq event publish failed", "error", err)
	}
	logger.Warn("execution moved to dlq",
		"recovery_attempts", attempts, "inactive", inactive.String(),
		"failed_steps", entry.FailedStepIDs)
}

func buildEntry(st *saga.ExecutionState, attempts int, inactive time.Duration) saga.DLQEntry {
	var failedIDs []string
	var reason string
	for _, ss := range st.StepStates {
		if ss.Status == saga.StepFailed {
			failedIDs = append(failedIDs, ss.StepID)
			if reason == "" && ss.Error != nil {
				reason = ss.Error.Code + ": " + ss.Error.Message
			}
		}
	}
	if reason == "" {
		reason = "stalled in " + string(st.Status)
	}
	return saga.DLQEntry{
		ExecutionID:               st.ExecutionID,
		Status:                    st.Status,
		RequiresHumanIntervention: true,
		FailedStepIDs:             failedIDs,
		RecoveryAttempts:          attempts,
		FailureReason:             reason,
		InactiveDuration:          inactive.Truncate(time.Second).String(),
		LastActivityAt:            st.LastActivityAt,
		MovedAt:                   time.Now().UTC(),
		IntentType:                st.Intent.Type,
		TotalSteps:                len(st.Plan.Steps),
		CompletedSteps:            st.CompletedSteps(),
	}
}

func intFromContext(ctx map[string]any, key string) int {
	switch v := ctx[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
