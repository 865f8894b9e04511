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

// Package api API 进程装配：HTTP 面 + 引擎核心。
package api

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	"saga-platform/internal/api/http"
	"saga-platform/internal/api/http/middleware"
	"saga-platform/internal/app"
	"saga-platform/pkg/config"
	pkgerrors "saga-platform/pkg/errors"
	"saga-platform/pkg/secrets"
)

// otelProviderShutdown 优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 应用。
type App struct {
	bootstrap    *app.Bootstrap
	core         *app.Core
	router       *http.Router
	hertz        *server.Hertz
	otelProvider otelProviderShutdown
}

// NewApp 装配 API 进程（由 cmd/api 调用）。
func NewApp(b *app.Bootstrap) (*App, error) {
	core, err := app.BuildCore(b)
	if err != nil {
		return nil, err
	}

	handler := http.NewHandler(core.Store, core.Machine, core.Intent, core.Planner,
		core.Checkpoints, core.DLQAdmin, core.Queue, core.Journal, b.Logger)

	stepAuth := middleware.StepAuth(middleware.StepAuthConfig{
		Signer:      core.Signer,
		InternalKey: b.Secret(secrets.KeyInternalSystem),
		Strict:      b.Strict(),
	})
	meshToken := b.Secret(secrets.KeyMeshServiceToken)
	if b.Strict() && meshToken == "" {
		core.Close(context.Background())
		return nil, pkgerrors.Wrap(pkgerrors.ErrInvalidArg,
			"strict profile requires MESH_SERVICE_TOKEN")
	}
	router := http.NewRouter(handler, stepAuth, middleware.MeshAuth(meshToken), b.Logger)
	router.SetCORS(b.Config.API.CORS.Enable)

	if b.Config.API.Middleware.AdminJWT || b.Strict() {
		jwtKey := b.Secret(secrets.KeyAdminJWT)
		if jwtKey == "" {
			core.Close(context.Background())
			return nil, pkgerrors.Wrap(pkgerrors.ErrInvalidArg,
				"admin jwt enabled but ADMIN_JWT_KEY missing")
		}
		timeout := config.Duration(b.Config.API.Middleware.JWTTimeout, time.Hour)
		maxRefresh := config.Duration(b.Config.API.Middleware.JWTMaxRefresh, time.Hour)
		jwtAuth, err := middleware.NewAdminJWT([]byte(jwtKey), timeout, maxRefresh)
		if err != nil {
			core.Close(context.Background())
			return nil, pkgerrors.Wrap(err, "init admin jwt")
		}
		router.SetAdminJWT(jwtAuth)
		b.Logger.Info("admin JWT enabled for /dlq endpoints")
	}

	return &App{bootstrap: b, core: core, router: router}, nil
}

// Run 启动 HTTP 服务，addr 如 ":3000"。阻塞直到服务退出。
func (a *App) Run(addr string) error {
	cfg := a.bootstrap.Config
	a.bootstrap.Logger.Info("api server starting", "addr", addr, "profile", cfg.Runtime.Profile)

	output := os.Stdout
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return pkgerrors.Wrap(err, "open log file")
		}
		output = f
	}
	levelVar := &slog.LevelVar{}
	switch cfg.Log.Level {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))

	if cfg.Monitoring.Tracing.Enable {
		serviceName := cfg.Monitoring.Tracing.ServiceName
		if serviceName == "" {
			serviceName = "saga-api"
		}
		exportEndpoint := cfg.Monitoring.Tracing.ExportEndpoint
		if exportEndpoint == "" {
			exportEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if exportEndpoint != "" {
			opts := []provider.Option{
				provider.WithServiceName(serviceName),
				provider.WithExportEndpoint(exportEndpoint),
			}
			if cfg.Monitoring.Tracing.Insecure {
				opts = append(opts, provider.WithInsecure())
			}
			a.otelProvider = provider.NewOpenTelemetryProvider(opts...)
			tracerOpt, tracerCfg := hertztracing.NewServerTracer()
			a.hertz = a.router.Build(addr, tracerOpt)
			a.hertz.Use(hertztracing.ServerMiddleware(tracerCfg))
			a.bootstrap.Logger.Info("tracing enabled",
				"service_name", serviceName, "endpoint", exportEndpoint)
		} else {
			a.hertz = a.router.Build(addr)
		}
	} else {
		a.hertz = a.router.Build(addr)
	}

	return a.hertz.Run()
}

// Shutdown 优雅关闭。
func (a *App) Shutdown(ctx context.Context) error {
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			return err
		}
	}
	a.core.Close(ctx)
	return nil
}
