package evaluation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dq-validation-service/service/models"
)

// HTTPClient 通过 REST 接口访问评估引擎
//
//	POST {base}/jobs                 提交作业，429/503 视为容量耗尽
//	GET  {base}/jobs/{id}            查询作业状态
//	GET  {base}/jobs/{id}/results    拉取规则结果
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient 创建评估引擎 HTTP 客户端
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type dispatchResponse struct {
	JobID string `json:"job_id"`
}

// Dispatch 提交评估作业
func (c *HTTPClient) Dispatch(ctx context.Context, req DispatchRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", &DispatchError{Message: fmt.Sprintf("序列化请求失败: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jobs", bytes.NewReader(body))
	if err != nil {
		return "", &DispatchError{Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.ClientToken)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &DispatchError{Message: err.Error()}
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return "", fmt.Errorf("%w: HTTP %d %s", ErrCapacityExhausted, resp.StatusCode, strings.TrimSpace(string(payload)))
	case resp.StatusCode >= 300:
		return "", &DispatchError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(payload))}
	}

	var out dispatchResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", &DispatchError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("解析响应失败: %v", err)}
	}
	if out.JobID == "" {
		return "", &DispatchError{StatusCode: resp.StatusCode, Message: "响应缺少 job_id"}
	}
	return out.JobID, nil
}

// Poll 查询作业状态
func (c *HTTPClient) Poll(ctx context.Context, jobID string) (*JobStatus, error) {
	var status JobStatus
	if err := c.getJSON(ctx, "/jobs/"+url.PathEscape(jobID), &status); err != nil {
		return nil, err
	}

	normalized, err := NormalizeStatus(status.Status)
	if err != nil {
		return nil, err
	}
	status.Status = normalized
	if status.JobID == "" {
		status.JobID = jobID
	}
	return &status, nil
}

// FetchResults 拉取规则结果
func (c *HTTPClient) FetchResults(ctx context.Context, jobID string) (*JobResults, error) {
	var results JobResults
	if err := c.getJSON(ctx, "/jobs/"+url.PathEscape(jobID)+"/results", &results); err != nil {
		return nil, err
	}
	if results.JobID == "" {
		results.JobID = jobID
	}
	return &results, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("请求评估引擎失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrJobNotFound, path)
	}
	if resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("评估引擎返回 HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析评估引擎响应失败: %w", err)
	}
	return nil
}

// NormalizeStatus 将引擎的作业状态归一为 submitted/running/succeeded/failed
func NormalizeStatus(raw string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "SUBMITTED", "STARTING", "WAITING", "QUEUED":
		return models.JobStatusSubmitted, nil
	case "RUNNING", "STOPPING":
		return models.JobStatusRunning, nil
	case "SUCCEEDED", "SUCCESS", "COMPLETED":
		return models.JobStatusSucceeded, nil
	case "FAILED", "ERROR", "STOPPED", "TIMEOUT":
		return models.JobStatusFailed, nil
	default:
		return "", fmt.Errorf("未知的作业状态: %q", raw)
	}
}
