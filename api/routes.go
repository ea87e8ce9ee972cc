/*
 * @module api/routes
 * @description API路由配置模块，负责初始化和配置所有HTTP路由
 * @architecture RESTful API架构
 * @stateFlow 无状态HTTP请求处理
 * @rules 遵循RESTful API设计规范，统一错误处理和响应格式；写接口按客户端限流
 * @dependencies github.com/go-chi/chi/v5, github.com/go-chi/cors, github.com/go-chi/render
 */

package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"

	"dq-validation-service/api/controllers"
	ratelimit "dq-validation-service/api/middleware"
	"dq-validation-service/service"
)

// InitRoute 初始化所有API路由
func InitRoute(r chi.Router, svc *service.Services) {
	// 基础中间件
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(render.SetContentType(render.ContentTypeJSON))

	// CORS配置
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// 健康检查
	healthController := controllers.NewHealthController(svc.Ready)
	r.Get("/health", healthController.Health)
	r.Get("/ready", healthController.Ready)

	limit := ratelimit.RateLimit(svc.RateLimiter, svc.Config.Server.RateLimitPerMinute)

	// 校验运行
	r.Route("/validation-runs", func(r chi.Router) {
		runController := controllers.NewValidationRunController(svc.Engine)
		r.With(limit).Post("/", runController.TriggerRun)
		r.Get("/", runController.ListRuns)
		r.Get("/{run_id}", runController.GetRun)
	})

	// 规则审批
	r.Route("/approvals", func(r chi.Router) {
		approvalController := controllers.NewApprovalController(svc.Broker)
		r.Get("/", approvalController.ListApprovals)
		r.With(limit).Post("/resolve", approvalController.Resolve)
		r.Get("/{token}", approvalController.GetApproval)
	})
}
