/*
 * @module api/controllers/health_controller
 * @description 健康检查控制器，提供存活与就绪检查
 * @architecture MVC架构 - 控制器层
 * @stateFlow HTTP请求处理流程
 * @rules 存活检查不依赖外部资源；就绪检查要求数据库可用
 * @dependencies net/http, github.com/go-chi/render
 * @refs api/routes.go
 */

package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/render"
)

const serviceName = "dq-validation-service"

// ReadinessCheck 就绪检查函数，返回 nil 表示就绪
type ReadinessCheck func(ctx context.Context) error

// HealthController 健康检查控制器
type HealthController struct {
	ready ReadinessCheck
}

// NewHealthController 创建健康检查控制器实例，ready 为空时始终就绪
func NewHealthController(ready ReadinessCheck) *HealthController {
	return &HealthController{ready: ready}
}

// HealthResponse 健康检查响应结构
type HealthResponse struct {
	Status    string    `json:"status" example:"ok"`
	Timestamp time.Time `json:"timestamp" example:"2024-01-01T00:00:00Z"`
	Version   string    `json:"version" example:"1.0.0"`
	Service   string    `json:"service" example:"dq-validation-service"`
	Error     string    `json:"error,omitempty"`
}

// Health 健康检查
// @Summary 健康检查
// @Description 检查服务健康状态
// @Tags 系统
// @Produce json
// @Success 200 {object} HealthResponse
// @Router /health [get]
func (c *HealthController) Health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Version:   "1.0.0",
		Service:   serviceName,
	})
}

// Ready 就绪检查
// @Summary 就绪检查
// @Description 检查服务是否就绪（数据库可用）
// @Tags 系统
// @Produce json
// @Success 200 {object} HealthResponse
// @Failure 503 {object} HealthResponse
// @Router /ready [get]
func (c *HealthController) Ready(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "ready",
		Timestamp: time.Now(),
		Version:   "1.0.0",
		Service:   serviceName,
	}

	if c.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := c.ready(ctx); err != nil {
			response.Status = "unavailable"
			response.Error = err.Error()
			render.Status(r, http.StatusServiceUnavailable)
		}
	}

	render.JSON(w, r, response)
}
