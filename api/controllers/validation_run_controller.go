/*
 * @module api/controllers/validation_run_controller
 * @description 校验运行控制器，提供触发校验、查询运行结果与运行列表接口
 * @architecture MVC架构 - 控制器层
 * @stateFlow 请求接收 -> 编排引擎 -> 响应返回
 * @rules 触发接口同步推进到第一个挂起点后返回 202；run_id 重复返回 409
 * @dependencies github.com/go-chi/chi/v5, github.com/go-chi/render
 * @refs service/orchestrator/engine.go
 */

package controllers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"dq-validation-service/service/models"
	"dq-validation-service/service/orchestrator"
)

// RunService 编排引擎对外能力
type RunService interface {
	Trigger(ctx context.Context, in orchestrator.TriggerInput) (*orchestrator.Instance, error)
	Describe(ctx context.Context, runID string) (*orchestrator.RunView, error)
	ListRuns(ctx context.Context, filter orchestrator.RunFilter) ([]models.ValidationRun, int64, error)
}

// ValidationRunController 校验运行控制器
type ValidationRunController struct {
	runs RunService
}

// NewValidationRunController 创建校验运行控制器
func NewValidationRunController(runs RunService) *ValidationRunController {
	return &ValidationRunController{runs: runs}
}

// TriggerRun 触发校验运行
// @Summary 触发数据质量校验
// @Description 创建校验运行并启动工作流；pending 规则先进入人工审批
// @Tags 校验运行
// @Accept json
// @Produce json
// @Param request body orchestrator.TriggerInput true "触发参数"
// @Success 202 {object} APIResponse{data=orchestrator.RunView}
// @Failure 400 {object} APIResponse
// @Failure 409 {object} APIResponse
// @Failure 500 {object} APIResponse
// @Router /validation-runs [post]
func (c *ValidationRunController) TriggerRun(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.TriggerInput
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeResponse(w, r, http.StatusOK, BadRequestResponse("请求参数格式错误", err))
		return
	}

	inst, err := c.runs.Trigger(r.Context(), req)
	if err != nil {
		if errors.Is(err, orchestrator.ErrRunExists) {
			writeResponse(w, r, http.StatusOK, ConflictResponse("校验运行已存在", err))
			return
		}
		writeResponse(w, r, http.StatusOK, InternalErrorResponse("触发校验失败", err))
		return
	}

	view, err := c.runs.Describe(r.Context(), inst.RunID)
	if err != nil {
		writeResponse(w, r, http.StatusOK, InternalErrorResponse("读取校验运行失败", err))
		return
	}
	writeResponse(w, r, http.StatusAccepted, SuccessResponse("校验已触发", view))
}

// GetRun 查询校验运行
// @Summary 查询校验运行结果
// @Description 返回运行结果、规则结果、维度评分以及当前工作流状态
// @Tags 校验运行
// @Produce json
// @Param run_id path string true "运行ID"
// @Success 200 {object} APIResponse{data=orchestrator.RunView}
// @Failure 404 {object} APIResponse
// @Failure 500 {object} APIResponse
// @Router /validation-runs/{run_id} [get]
func (c *ValidationRunController) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")

	view, err := c.runs.Describe(r.Context(), runID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrRunNotFound) {
			writeResponse(w, r, http.StatusOK, NotFoundResponse("校验运行不存在", nil))
			return
		}
		writeResponse(w, r, http.StatusOK, InternalErrorResponse("读取校验运行失败", err))
		return
	}
	writeResponse(w, r, http.StatusOK, SuccessResponse("获取校验运行成功", view))
}

// ListRuns 查询校验运行列表
// @Summary 查询校验运行列表
// @Description 分页查询校验运行，支持按状态与数据集筛选
// @Tags 校验运行
// @Produce json
// @Param status query string false "运行状态" Enums(running,completed,failed)
// @Param dataset_ref query string false "数据集"
// @Param page query int false "页码" default(1)
// @Param size query int false "每页大小" default(20)
// @Success 200 {object} PaginatedResponse{data=[]models.ValidationRun}
// @Failure 500 {object} APIResponse
// @Router /validation-runs [get]
func (c *ValidationRunController) ListRuns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page, size := pageParams(query.Get("page"), query.Get("size"))

	runs, total, err := c.runs.ListRuns(r.Context(), orchestrator.RunFilter{
		Status:     query.Get("status"),
		DatasetRef: query.Get("dataset_ref"),
		Page:       page,
		Size:       size,
	})
	if err != nil {
		writeResponse(w, r, http.StatusOK, InternalErrorResponse("查询校验运行失败", err))
		return
	}

	render.JSON(w, r, &PaginatedResponse{
		Status: 0,
		Msg:    "查询校验运行成功",
		Data:   runs,
		Total:  total,
		Page:   page,
		Size:   size,
	})
}

func pageParams(pageStr, sizeStr string) (int, int) {
	page, _ := strconv.Atoi(pageStr)
	if page <= 0 {
		page = 1
	}
	size, _ := strconv.Atoi(sizeStr)
	if size <= 0 || size > 200 {
		size = 20
	}
	return page, size
}
