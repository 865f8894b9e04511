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

// Package app 装配层：把配置、密钥与各组件拼成可运行的 API/Worker 进程。
package app

import (
	"context"
	"time"

	"saga-platform/pkg/config"
	pkgerrors "saga-platform/pkg/errors"
	"saga-platform/pkg/log"
	"saga-platform/pkg/secrets"
)

// Bootstrap 进程级共享依赖。
type Bootstrap struct {
	Config  *config.Config
	Logger  *log.Logger
	Secrets secrets.Store
}

// NewBootstrap 创建进程引导：日志 + Secret Store。
func NewBootstrap(cfg *config.Config) (*Bootstrap, error) {
	logger, err := log.NewLogger(&log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "init logger")
	}

	store, err := secrets.NewStore(secrets.Config{
		Provider: cfg.Secrets.Provider,
		Config:   cfg.Secrets.Config,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "init secret store")
	}

	return &Bootstrap{Config: cfg, Logger: logger, Secrets: store}, nil
}

// Secret 读取单个密钥；缺失返回空串。
// 认证材料是否必须存在由调用方按 profile 决定。
func (b *Bootstrap) Secret(key string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	v, err := b.Secrets.Get(ctx, key)
	if err != nil {
		b.Logger.Debug("secret lookup failed", "key", key, "error", err)
		return ""
	}
	return v
}

// Strict 生产门禁：prod profile 或显式 strict 配置时为 true。
func (b *Bootstrap) Strict() bool {
	return b.Config.Runtime.Strict || b.Config.Runtime.Profile == "prod"
}
