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

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Runtime    RuntimeConfig    `mapstructure:"runtime"`
	Saga       SagaConfig       `mapstructure:"saga"`
	StateStore StateStoreConfig `mapstructure:"state_store"`
	EventBus   EventBusConfig   `mapstructure:"event_bus"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Journal    JournalConfig    `mapstructure:"journal"`
	Tools      ToolsConfig      `mapstructure:"tools"`
	Intent     IntentConfig     `mapstructure:"intent"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// RuntimeConfig 运行时环境配置
type RuntimeConfig struct {
	Profile string `mapstructure:"profile"` // dev | prod
	Strict  bool   `mapstructure:"strict"`  // true 时启用生产强校验门禁（未签名投递一律拒绝）
}

// SagaConfig 执行引擎核心参数。平台单次调用上限 10s 时，
// 必须满足 checkpoint_threshold_ms < segment_timeout_ms ≤ 9000。
type SagaConfig struct {
	SegmentTimeoutMS      int64     `mapstructure:"segment_timeout_ms"`      // 段预算，默认 8000，≤9000
	CheckpointThresholdMS int64     `mapstructure:"checkpoint_threshold_ms"` // 取消信号触发点，默认 6500，≤7000
	SafetyMarginMS        int64     `mapstructure:"safety_margin_ms"`        // 工具超时相对剩余预算的安全边距，默认 500
	CoarseLockTTL         string    `mapstructure:"coarse_lock_ttl"`         // exec:{id}:lock TTL，默认 "30s"
	StepLockTTL           string    `mapstructure:"step_lock_ttl"`           // exec:{id}:step:{i}:lock TTL，默认 "1h"
	MaxOCCRetries         int       `mapstructure:"max_occ_retries"`         // OCC 重试上限，默认 5
	OCCBaseDelay          string    `mapstructure:"occ_base_delay"`          // OCC 重试基础延迟，默认 "50ms"
	CheckpointTTL         string    `mapstructure:"checkpoint_ttl"`          // 默认 "24h"
	ReplanMarkerTTL       string    `mapstructure:"replan_marker_ttl"`       // 默认 "5m"
	TombstoneTTL          string    `mapstructure:"tombstone_ttl"`           // cancelled:{id} TTL，默认 "168h"
	MaxReplans            int       `mapstructure:"max_replans"`             // 单执行自动 replan 上限，默认 3
	CompensationTimeout   string    `mapstructure:"compensation_timeout"`    // 单条补偿调用超时，默认 "15s"
	DLQ                   DLQConfig `mapstructure:"dlq"`
}

// DLQConfig DLQ Monitor 配置
type DLQConfig struct {
	StallThreshold      string `mapstructure:"stall_threshold"`       // 僵尸判定阈值，默认 "10m"
	ScanInterval        string `mapstructure:"scan_interval"`         // 扫描间隔，默认 "1m"
	MaxRecoveryAttempts int    `mapstructure:"max_recovery_attempts"` // 自动恢复上限，默认 3
	EntryTTL            string `mapstructure:"entry_ttl"`             // dlq:saga:{id} TTL，默认 "168h"
}

// Validate 校验段预算约束：CHECKPOINT_THRESHOLD < SEGMENT_TIMEOUT ≤ 9000 ≤ 平台上限
func (c *SagaConfig) Validate() error {
	if c.SegmentTimeoutMS <= 0 || c.SegmentTimeoutMS > 9000 {
		return fmt.Errorf("saga.segment_timeout_ms must be in (0,9000], got %d", c.SegmentTimeoutMS)
	}
	if c.CheckpointThresholdMS <= 0 || c.CheckpointThresholdMS > 7000 {
		return fmt.Errorf("saga.checkpoint_threshold_ms must be in (0,7000], got %d", c.CheckpointThresholdMS)
	}
	if c.CheckpointThresholdMS >= c.SegmentTimeoutMS {
		return fmt.Errorf("saga.checkpoint_threshold_ms (%d) must be strictly below segment_timeout_ms (%d)",
			c.CheckpointThresholdMS, c.SegmentTimeoutMS)
	}
	return nil
}

// StateStoreConfig 状态存储配置（C1）
type StateStoreConfig struct {
	Type          string `mapstructure:"type"` // redis | memory
	Addr          string `mapstructure:"addr"`
	DB            int    `mapstructure:"db"`
	Password      string `mapstructure:"password"`
	OnUnreachable string `mapstructure:"on_unreachable"` // fail_fast | fallback_memory
}

// EventBusConfig 事件总线配置（C2）
type EventBusConfig struct {
	Type      string `mapstructure:"type"`       // pulse | memory
	Stream    string `mapstructure:"stream"`     // 默认 "nervous-system:updates"
	MaxLen    int    `mapstructure:"max_len"`    // stream 长度上限，默认 10000
	SinkName  string `mapstructure:"sink_name"`  // 订阅者 sink 名，默认 "saga-platform"
}

// QueueConfig 队列配置（C3）
type QueueConfig struct {
	Type            string `mapstructure:"type"`             // redis | local
	TargetURL       string `mapstructure:"target_url"`       // /engine/execute-step 完整地址
	MaxAttempts     int    `mapstructure:"max_attempts"`     // 投递重试上限，默认 5
	RetryBase       string `mapstructure:"retry_base"`       // 指数退避基值，默认 "1s"
	DeliveryTimeout string `mapstructure:"delivery_timeout"` // 单次投递超时，默认 "10s"
	PollInterval    string `mapstructure:"poll_interval"`    // dispatcher 轮询间隔，默认 "200ms"
}

// JournalConfig 执行日志与 outbox 归档配置
type JournalConfig struct {
	Type string `mapstructure:"type"` // memory | postgres
	DSN  string `mapstructure:"dsn"`  // Postgres 连接串，type=postgres 时必填
}

// ToolsConfig 工具执行配置（C4）
type ToolsConfig struct {
	RemoteServers       []RemoteServerConfig           `mapstructure:"remote_servers"`
	RateLimits          map[string]ToolRateLimitConfig `mapstructure:"rate_limits"`
	RetryMaxAttempts    int                            `mapstructure:"retry_max_attempts"` // 技术错误重试，默认 3
	RetryBackoffMS      int64                          `mapstructure:"retry_backoff_ms"`   // 指数退避基值，默认 200
	BreakerMaxFailures  int                            `mapstructure:"breaker_max_failures"`
	BreakerOpenInterval string                         `mapstructure:"breaker_open_interval"`
}

// RemoteServerConfig 远程工具服务器
type RemoteServerConfig struct {
	Name      string `mapstructure:"name"`
	BaseURL   string `mapstructure:"base_url"`
	TimeoutMS int64  `mapstructure:"timeout_ms"`
}

// ToolRateLimitConfig 单个 Tool 的限流配置
type ToolRateLimitConfig struct {
	QPS           float64 `mapstructure:"qps"`
	MaxConcurrent int     `mapstructure:"max_concurrent"`
	Burst         int     `mapstructure:"burst"`
}

// IntentConfig 意图解析配置
type IntentConfig struct {
	Parser   string               `mapstructure:"parser"` // rule | model
	Provider IntentProviderConfig `mapstructure:"provider"`
}

// IntentProviderConfig 模型解析后端（eino openai 兼容端点）
type IntentProviderConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

// WorkerConfig Worker 进程配置：后台循环开关与并发
type WorkerConfig struct {
	DispatcherEnabled *bool  `mapstructure:"dispatcher_enabled"` // 队列投递循环，默认 true
	DrainerEnabled    *bool  `mapstructure:"drainer_enabled"`    // outbox → 总线，默认 true
	MonitorEnabled    *bool  `mapstructure:"monitor_enabled"`    // DLQ 扫描，默认 true
	Concurrency       int    `mapstructure:"concurrency"`        // dispatcher 并发投递数，默认 4
	DrainInterval     string `mapstructure:"drain_interval"`     // outbox 轮询间隔，默认 "500ms"
}

// SecretsConfig Secret Store 选择
type SecretsConfig struct {
	Provider string            `mapstructure:"provider"` // vault | k8s | env | memory
	Config   map[string]string `mapstructure:"config"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Port       int              `mapstructure:"port"`
	Host       string           `mapstructure:"host"`
	Timeout    string           `mapstructure:"timeout"`
	CORS       CORSConfig       `mapstructure:"cors"`
	Middleware MiddlewareConfig `mapstructure:"middleware"`
}

// CORSConfig CORS 配置
type CORSConfig struct {
	Enable       bool     `mapstructure:"enable"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// MiddlewareConfig 中间件配置
type MiddlewareConfig struct {
	AdminJWT      bool   `mapstructure:"admin_jwt"`       // /dlq/* 启用 JWT（prod 默认开）
	JWTTimeout    string `mapstructure:"jwt_timeout"`     // 如 "1h"
	JWTMaxRefresh string `mapstructure:"jwt_max_refresh"` // 如 "1h"
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
	Port   int  `mapstructure:"port"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	applyDefaults(&config)
	replaceEnvVars(&config)

	if err := config.Saga.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// applyDefaults 填充文档化默认值（§6 Configuration）
func applyDefaults(c *Config) {
	s := &c.Saga
	if s.SegmentTimeoutMS == 0 {
		s.SegmentTimeoutMS = 8000
	}
	if s.CheckpointThresholdMS == 0 {
		s.CheckpointThresholdMS = 6500
	}
	if s.SafetyMarginMS == 0 {
		s.SafetyMarginMS = 500
	}
	if s.CoarseLockTTL == "" {
		s.CoarseLockTTL = "30s"
	}
	if s.StepLockTTL == "" {
		s.StepLockTTL = "1h"
	}
	if s.MaxOCCRetries == 0 {
		s.MaxOCCRetries = 5
	}
	if s.OCCBaseDelay == "" {
		s.OCCBaseDelay = "50ms"
	}
	if s.CheckpointTTL == "" {
		s.CheckpointTTL = "24h"
	}
	if s.ReplanMarkerTTL == "" {
		s.ReplanMarkerTTL = "5m"
	}
	if s.TombstoneTTL == "" {
		s.TombstoneTTL = "168h"
	}
	if s.MaxReplans == 0 {
		s.MaxReplans = 3
	}
	if s.CompensationTimeout == "" {
		s.CompensationTimeout = "15s"
	}
	if s.DLQ.StallThreshold == "" {
		s.DLQ.StallThreshold = "10m"
	}
	if s.DLQ.ScanInterval == "" {
		s.DLQ.ScanInterval = "1m"
	}
	if s.DLQ.MaxRecoveryAttempts == 0 {
		s.DLQ.MaxRecoveryAttempts = 3
	}
	if s.DLQ.EntryTTL == "" {
		s.DLQ.EntryTTL = "168h"
	}
	if c.EventBus.Stream == "" {
		c.EventBus.Stream = "nervous-system:updates"
	}
	if c.EventBus.MaxLen == 0 {
		c.EventBus.MaxLen = 10000
	}
	if c.EventBus.SinkName == "" {
		c.EventBus.SinkName = "saga-platform"
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 5
	}
	if c.Queue.RetryBase == "" {
		c.Queue.RetryBase = "1s"
	}
	if c.Queue.DeliveryTimeout == "" {
		c.Queue.DeliveryTimeout = "10s"
	}
	if c.Queue.PollInterval == "" {
		c.Queue.PollInterval = "200ms"
	}
	if c.Tools.RetryMaxAttempts == 0 {
		c.Tools.RetryMaxAttempts = 3
	}
	if c.Tools.RetryBackoffMS == 0 {
		c.Tools.RetryBackoffMS = 200
	}
	if c.Tools.BreakerMaxFailures == 0 {
		c.Tools.BreakerMaxFailures = 5
	}
	if c.Tools.BreakerOpenInterval == "" {
		c.Tools.BreakerOpenInterval = "30s"
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 4
	}
	if c.Worker.DrainInterval == "" {
		c.Worker.DrainInterval = "500ms"
	}
}

// replaceEnvVars 替换配置中的 ${ENV} 形式引用
func replaceEnvVars(config *Config) {
	config.Intent.Provider.APIKey = expandEnv(config.Intent.Provider.APIKey)
	config.StateStore.Password = expandEnv(config.StateStore.Password)
	config.Journal.DSN = expandEnv(config.Journal.DSN)
}

func expandEnv(v string) string {
	if strings.HasPrefix(v, "$") {
		envVar := strings.TrimPrefix(strings.TrimSuffix(v, "}"), "${")
		if val := os.Getenv(envVar); val != "" {
			return val
		}
	}
	return v
}

// Duration 解析各处 string 时长字段；解析失败返回 fallback
func Duration(v string, fallback time.Duration) time.Duration {
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// LoadAPIConfig 加载 API 配置（configs/api.yaml）
func LoadAPIConfig() (*Config, error) {
	return LoadConfig("configs/api.yaml")
}

// LoadWorkerConfig 加载 Worker 配置（configs/worker.yaml）
func LoadWorkerConfig() (*Config, error) {
	return LoadConfig("configs/worker.yaml")
}
