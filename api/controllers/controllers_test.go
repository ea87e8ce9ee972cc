/*
 * @module api/controllers/controllers_test
 * @description 校验运行与审批控制器单元测试
 * @architecture 测试层
 * @stateFlow 测试准备 -> 请求构建 -> 响应验证
 * @dependencies testing, net/http/httptest, stretchr/testify
 */

package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dapr/go-sdk/service/common"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dq-validation-service/service/approval"
	"dq-validation-service/service/models"
	"dq-validation-service/service/orchestrator"
)

// ===================== 测试替身 =====================

type fakeRunService struct {
	triggerErr error
	runs       map[string]*orchestrator.RunView
	lastFilter orchestrator.RunFilter
	lastInput  orchestrator.TriggerInput
}

func newFakeRunService() *fakeRunService {
	return &fakeRunService{runs: map[string]*orchestrator.RunView{}}
}

func (f *fakeRunService) Trigger(ctx context.Context, in orchestrator.TriggerInput) (*orchestrator.Instance, error) {
	f.lastInput = in
	if f.triggerErr != nil {
		return nil, f.triggerErr
	}
	f.runs[in.RunID] = &orchestrator.RunView{
		ValidationRun: &models.ValidationRun{ID: in.RunID, DatasetRef: in.DatasetRef, Status: models.RunStatusRunning},
		State:         "Dispatching",
	}
	return &orchestrator.Instance{RunID: in.RunID}, nil
}

func (f *fakeRunService) Describe(ctx context.Context, runID string) (*orchestrator.RunView, error) {
	view, ok := f.runs[runID]
	if !ok {
		return nil, orchestrator.ErrRunNotFound
	}
	return view, nil
}

func (f *fakeRunService) ListRuns(ctx context.Context, filter orchestrator.RunFilter) ([]models.ValidationRun, int64, error) {
	f.lastFilter = filter
	var out []models.ValidationRun
	for _, v := range f.runs {
		out = append(out, *v.ValidationRun)
	}
	return out, int64(len(out)), nil
}

type fakeApprovalService struct {
	resolveErr   error
	result       *approval.ResolveResult
	requests     map[string]*models.ApprovalRequest
	lastToken    string
	lastDecision string
	calls        int
}

func (f *fakeApprovalService) Resolve(ctx context.Context, token, decision, reviewer, comments string) (*approval.ResolveResult, error) {
	f.calls++
	f.lastToken = token
	f.lastDecision = decision
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	return f.result, nil
}

func (f *fakeApprovalService) Get(ctx context.Context, token string) (*models.ApprovalRequest, error) {
	req, ok := f.requests[token]
	if !ok {
		return nil, approval.ErrTokenNotFound
	}
	return req, nil
}

func (f *fakeApprovalService) List(ctx context.Context, decision string, page, size int) ([]models.ApprovalRequest, int64, error) {
	var out []models.ApprovalRequest
	for _, r := range f.requests {
		if decision == "" || r.Decision == decision {
			out = append(out, *r)
		}
	}
	return out, int64(len(out)), nil
}

func decodeAPIResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

// ===================== 校验运行 =====================

func TestTriggerRun_Accepted(t *testing.T) {
	runs := newFakeRunService()
	controller := NewValidationRunController(runs)

	body := `{"runId":"run-1","datasetRef":"orders","ruleStatus":"approved","rules":[{"id":"r1"}]}`
	req := httptest.NewRequest(http.MethodPost, "/validation-runs", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	controller.TriggerRun(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	resp := decodeAPIResponse(t, w)
	assert.Equal(t, 0, resp.Status)
	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "run-1", data["run_id"])
	assert.Equal(t, "Dispatching", data["state"])
	assert.Equal(t, "orders", runs.lastInput.DatasetRef)
	require.Len(t, runs.lastInput.Rules, 1)
}

func TestTriggerRun_Conflict(t *testing.T) {
	runs := newFakeRunService()
	runs.triggerErr = fmt.Errorf("创建失败: %w", orchestrator.ErrRunExists)
	controller := NewValidationRunController(runs)

	req := httptest.NewRequest(http.MethodPost, "/validation-runs", bytes.NewBufferString(`{"runId":"run-1"}`))
	w := httptest.NewRecorder()
	controller.TriggerRun(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, http.StatusConflict, decodeAPIResponse(t, w).Status)
}

func TestTriggerRun_MalformedBody(t *testing.T) {
	controller := NewValidationRunController(newFakeRunService())

	req := httptest.NewRequest(http.MethodPost, "/validation-runs", bytes.NewBufferString(`{"runId":`))
	w := httptest.NewRecorder()
	controller.TriggerRun(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetRun(t *testing.T) {
	runs := newFakeRunService()
	controller := NewValidationRunController(runs)
	_, err := runs.Trigger(context.Background(), orchestrator.TriggerInput{RunID: "run-7", DatasetRef: "orders"})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	controller.GetRun(w, withURLParam(httptest.NewRequest(http.MethodGet, "/validation-runs/run-7", nil), "run_id", "run-7"))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	controller.GetRun(w, withURLParam(httptest.NewRequest(http.MethodGet, "/validation-runs/missing", nil), "run_id", "missing"))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListRuns_Paging(t *testing.T) {
	runs := newFakeRunService()
	controller := NewValidationRunController(runs)
	_, _ = runs.Trigger(context.Background(), orchestrator.TriggerInput{RunID: "run-1", DatasetRef: "orders"})

	req := httptest.NewRequest(http.MethodGet, "/validation-runs?status=running&dataset_ref=orders&page=2&size=500", nil)
	w := httptest.NewRecorder()
	controller.ListRuns(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp PaginatedResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, int64(1), resp.Total)
	assert.Equal(t, 2, resp.Page)
	assert.Equal(t, 20, resp.Size)
	assert.Equal(t, "running", runs.lastFilter.Status)
	assert.Equal(t, "orders", runs.lastFilter.DatasetRef)
}

// ===================== 审批 =====================

func TestResolveApproval(t *testing.T) {
	decidedAt := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	approvals := &fakeApprovalService{result: &approval.ResolveResult{
		Request: &models.ApprovalRequest{CorrelationToken: "tok-1", Decision: "approved", DecidedAt: &decidedAt},
		Applied: true,
	}}
	controller := NewApprovalController(approvals)

	body := `{"correlationToken":" tok-1 ","decision":"Approved","reviewer":"alice"}`
	w := httptest.NewRecorder()
	controller.Resolve(w, httptest.NewRequest(http.MethodPost, "/approvals/resolve", bytes.NewBufferString(body)))

	assert.Equal(t, http.StatusOK, w.Code)
	resp := decodeAPIResponse(t, w)
	assert.Equal(t, "审批决定已记录", resp.Msg)
	assert.Equal(t, "tok-1", approvals.lastToken)
	assert.Equal(t, "approved", approvals.lastDecision)
}

func TestResolveApproval_Errors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"invalid decision", approval.ErrInvalidDecision, http.StatusBadRequest},
		{"unknown token", approval.ErrTokenNotFound, http.StatusNotFound},
		{"broker unavailable", fmt.Errorf("写入失败: %w", approval.ErrBrokerUnavailable), http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			controller := NewApprovalController(&fakeApprovalService{resolveErr: tc.err})
			w := httptest.NewRecorder()
			body := `{"correlationToken":"tok-1","decision":"maybe"}`
			controller.Resolve(w, httptest.NewRequest(http.MethodPost, "/approvals/resolve", bytes.NewBufferString(body)))
			assert.Equal(t, tc.code, w.Code)
		})
	}
}

func TestResolveApproval_MissingToken(t *testing.T) {
	approvals := &fakeApprovalService{}
	controller := NewApprovalController(approvals)

	w := httptest.NewRecorder()
	controller.Resolve(w, httptest.NewRequest(http.MethodPost, "/approvals/resolve", bytes.NewBufferString(`{"decision":"approved"}`)))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, approvals.calls)
}

func TestGetAndListApprovals(t *testing.T) {
	approvals := &fakeApprovalService{requests: map[string]*models.ApprovalRequest{
		"tok-1": {CorrelationToken: "tok-1", RunID: "run-1", Decision: "none"},
		"tok-2": {CorrelationToken: "tok-2", RunID: "run-2", Decision: "approved"},
	}}
	controller := NewApprovalController(approvals)

	w := httptest.NewRecorder()
	controller.GetApproval(w, withURLParam(httptest.NewRequest(http.MethodGet, "/approvals/tok-1", nil), "token", "tok-1"))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	controller.GetApproval(w, withURLParam(httptest.NewRequest(http.MethodGet, "/approvals/nope", nil), "token", "nope"))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	controller.ListApprovals(w, httptest.NewRequest(http.MethodGet, "/approvals?decision=none", nil))
	var resp PaginatedResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, int64(1), resp.Total)
}

func TestHandleDecisionEvent(t *testing.T) {
	t.Run("applied", func(t *testing.T) {
		approvals := &fakeApprovalService{result: &approval.ResolveResult{Request: &models.ApprovalRequest{}, Applied: true}}
		controller := NewApprovalController(approvals)

		retry, err := controller.HandleDecisionEvent(context.Background(), &common.TopicEvent{
			Topic:   "rule-approval-decisions",
			RawData: []byte(`{"correlationToken":"tok-1","decision":"rejected","comments":"阈值过低"}`),
		})
		assert.False(t, retry)
		assert.NoError(t, err)
		assert.Equal(t, "rejected", approvals.lastDecision)
	})

	t.Run("structured data", func(t *testing.T) {
		approvals := &fakeApprovalService{result: &approval.ResolveResult{Request: &models.ApprovalRequest{}}}
		controller := NewApprovalController(approvals)

		retry, err := controller.HandleDecisionEvent(context.Background(), &common.TopicEvent{
			Data: map[string]interface{}{"correlationToken": "tok-9", "decision": "approved"},
		})
		assert.False(t, retry)
		assert.NoError(t, err)
		assert.Equal(t, "tok-9", approvals.lastToken)
	})

	t.Run("malformed payload is dropped", func(t *testing.T) {
		approvals := &fakeApprovalService{}
		controller := NewApprovalController(approvals)

		retry, err := controller.HandleDecisionEvent(context.Background(), &common.TopicEvent{RawData: []byte(`not-json`)})
		assert.False(t, retry)
		assert.NoError(t, err)
		assert.Zero(t, approvals.calls)
	})

	t.Run("transient error is retried", func(t *testing.T) {
		controller := NewApprovalController(&fakeApprovalService{resolveErr: fmt.Errorf("x: %w", approval.ErrBrokerUnavailable)})

		retry, err := controller.HandleDecisionEvent(context.Background(), &common.TopicEvent{
			RawData: []byte(`{"correlationToken":"tok-1","decision":"approved"}`),
		})
		assert.True(t, retry)
		assert.Error(t, err)
	})

	t.Run("unknown token is dropped", func(t *testing.T) {
		controller := NewApprovalController(&fakeApprovalService{resolveErr: approval.ErrTokenNotFound})

		retry, err := controller.HandleDecisionEvent(context.Background(), &common.TopicEvent{
			RawData: []byte(`{"correlationToken":"tok-x","decision":"approved"}`),
		})
		assert.False(t, retry)
		assert.NoError(t, err)
	})
}

func TestHealthReady(t *testing.T) {
	ok := NewHealthController(func(ctx context.Context) error { return nil })
	w := httptest.NewRecorder()
	ok.Ready(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	down := NewHealthController(func(ctx context.Context) error { return errors.New("database is closed") })
	w = httptest.NewRecorder()
	down.Ready(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
