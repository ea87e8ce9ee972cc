/*
 * @module api/controllers/approval_controller
 * @description 审批控制器：审批请求查询与审批决定提交（HTTP 与 dapr 订阅两种入口）
 * @architecture MVC架构 - 控制器层
 * @stateFlow 审批决定 -> 审批代理条件写入 -> 恢复工作流
 * @rules 决定只生效一次，重复提交返回已有决定；截止后到达的决定只记录不生效
 * @dependencies github.com/go-chi/chi/v5, github.com/go-chi/render, github.com/dapr/go-sdk
 * @refs service/approval/broker.go
 */

package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dapr/go-sdk/service/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"dq-validation-service/service/approval"
	"dq-validation-service/service/models"
)

// ApprovalService 审批代理对外能力
type ApprovalService interface {
	Resolve(ctx context.Context, token, decision, reviewer, comments string) (*approval.ResolveResult, error)
	Get(ctx context.Context, token string) (*models.ApprovalRequest, error)
	List(ctx context.Context, decision string, page, size int) ([]models.ApprovalRequest, int64, error)
}

// ApprovalSignal 审批决定
type ApprovalSignal struct {
	CorrelationToken string `json:"correlationToken"`
	Decision         string `json:"decision" example:"approved"`
	Reviewer         string `json:"reviewer,omitempty"`
	Comments         string `json:"comments,omitempty"`
}

// ApprovalController 审批控制器
type ApprovalController struct {
	approvals ApprovalService
}

// NewApprovalController 创建审批控制器
func NewApprovalController(approvals ApprovalService) *ApprovalController {
	return &ApprovalController{approvals: approvals}
}

// Resolve 提交审批决定
// @Summary 提交审批决定
// @Description 按关联令牌记录 approved/rejected 决定并恢复对应的校验工作流
// @Tags 规则审批
// @Accept json
// @Produce json
// @Param request body ApprovalSignal true "审批决定"
// @Success 200 {object} APIResponse{data=approval.ResolveResult}
// @Failure 400 {object} APIResponse
// @Failure 404 {object} APIResponse
// @Failure 503 {object} APIResponse
// @Router /approvals/resolve [post]
func (c *ApprovalController) Resolve(w http.ResponseWriter, r *http.Request) {
	var signal ApprovalSignal
	if err := render.DecodeJSON(r.Body, &signal); err != nil {
		writeResponse(w, r, http.StatusOK, BadRequestResponse("请求参数格式错误", err))
		return
	}
	if strings.TrimSpace(signal.CorrelationToken) == "" {
		writeResponse(w, r, http.StatusOK, BadRequestResponse("correlationToken 不能为空", nil))
		return
	}

	result, err := c.resolve(r.Context(), signal)
	if err != nil {
		switch {
		case errors.Is(err, approval.ErrInvalidDecision):
			writeResponse(w, r, http.StatusOK, BadRequestResponse("审批决定无效", err))
		case errors.Is(err, approval.ErrTokenNotFound):
			writeResponse(w, r, http.StatusOK, NotFoundResponse("审批请求不存在", nil))
		case approval.IsTransient(err):
			writeResponse(w, r, http.StatusOK, ErrorResponse(http.StatusServiceUnavailable, "审批服务暂时不可用", err))
		default:
			writeResponse(w, r, http.StatusOK, InternalErrorResponse("记录审批决定失败", err))
		}
		return
	}

	msg := "审批决定已记录"
	switch {
	case !result.Applied:
		msg = "审批决定已存在，本次提交被忽略"
	case result.Late:
		msg = "审批决定晚于截止时间，仅记录"
	}
	writeResponse(w, r, http.StatusOK, SuccessResponse(msg, result))
}

// GetApproval 查询审批请求
// @Summary 查询审批请求
// @Tags 规则审批
// @Produce json
// @Param token path string true "关联令牌"
// @Success 200 {object} APIResponse{data=models.ApprovalRequest}
// @Failure 404 {object} APIResponse
// @Router /approvals/{token} [get]
func (c *ApprovalController) GetApproval(w http.ResponseWriter, r *http.Request) {
	request, err := c.approvals.Get(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		if errors.Is(err, approval.ErrTokenNotFound) {
			writeResponse(w, r, http.StatusOK, NotFoundResponse("审批请求不存在", nil))
			return
		}
		writeResponse(w, r, http.StatusOK, InternalErrorResponse("查询审批请求失败", err))
		return
	}
	writeResponse(w, r, http.StatusOK, SuccessResponse("获取审批请求成功", request))
}

// ListApprovals 查询审批请求列表
// @Summary 查询审批请求列表
// @Description 按决定筛选，decision=none 为待审批
// @Tags 规则审批
// @Produce json
// @Param decision query string false "审批决定" Enums(none,approved,rejected)
// @Param page query int false "页码" default(1)
// @Param size query int false "每页大小" default(20)
// @Success 200 {object} PaginatedResponse{data=[]models.ApprovalRequest}
// @Failure 500 {object} APIResponse
// @Router /approvals [get]
func (c *ApprovalController) ListApprovals(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page, size := pageParams(query.Get("page"), query.Get("size"))

	requests, total, err := c.approvals.List(r.Context(), query.Get("decision"), page, size)
	if err != nil {
		writeResponse(w, r, http.StatusOK, InternalErrorResponse("查询审批请求失败", err))
		return
	}

	render.JSON(w, r, &PaginatedResponse{
		Status: 0,
		Msg:    "查询审批请求成功",
		Data:   requests,
		Total:  total,
		Page:   page,
		Size:   size,
	})
}

// HandleDecisionEvent dapr 订阅入口，消息体与 ApprovalSignal 相同。
// 只有暂时性错误要求重投，格式错误与未知令牌直接丢弃
func (c *ApprovalController) HandleDecisionEvent(ctx context.Context, e *common.TopicEvent) (retry bool, err error) {
	var signal ApprovalSignal
	if err := decodeTopicData(e, &signal); err != nil {
		slog.Warn("审批决定消息格式错误，已丢弃", "topic", e.Topic, "id", e.ID, "error", err)
		return false, nil
	}

	result, err := c.resolve(ctx, signal)
	if err != nil {
		if approval.IsTransient(err) {
			return true, err
		}
		slog.Warn("审批决定消息处理失败，已丢弃", "topic", e.Topic, "correlation_token", signal.CorrelationToken, "error", err)
		return false, nil
	}

	slog.Info("收到审批决定消息", "correlation_token", signal.CorrelationToken,
		"decision", signal.Decision, "applied", result.Applied, "late", result.Late)
	return false, nil
}

func (c *ApprovalController) resolve(ctx context.Context, signal ApprovalSignal) (*approval.ResolveResult, error) {
	decision := strings.ToLower(strings.TrimSpace(signal.Decision))
	return c.approvals.Resolve(ctx, strings.TrimSpace(signal.CorrelationToken), decision, signal.Reviewer, signal.Comments)
}

func decodeTopicData(e *common.TopicEvent, out interface{}) error {
	raw := e.RawData
	if len(raw) == 0 {
		if e.Data == nil {
			return fmt.Errorf("消息体为空")
		}
		var err error
		if raw, err = json.Marshal(e.Data); err != nil {
			return err
		}
	}
	return json.Unmarshal(raw, out)
}
