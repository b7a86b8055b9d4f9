package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-orchestrator/internal/config"
	"github.com/hewenyu/kong-orchestrator/internal/core/model"
	"github.com/hewenyu/kong-orchestrator/internal/metrics"
	"github.com/hewenyu/kong-orchestrator/internal/registry"
)

const (
	// 端点未声明超时时使用
	defaultCallTimeout = 30 * time.Second
	// 下游响应体读取上限
	maxResponseBytes = 10 << 20
	actionPlaceholder = "{action}"
)

// 关联请求头
const (
	HeaderRequestID = "X-Request-ID"
	HeaderCallerID  = "X-Caller-ID"
	HeaderSessionID = "X-Session-ID"
	HeaderPriority  = "X-Priority"
	HeaderAction    = "X-Action"
)

// Registry 路由器依赖的注册表能力
type Registry interface {
	Get(serviceID string) (*model.ServiceDescriptor, error)
	CheckBreaker(serviceID string) error
	Select(serviceID string) (*model.Endpoint, error)
	ReportOutcome(outcome registry.Outcome) error
	LoadBalancerConfig(serviceID string) (model.LoadBalancerConfig, error)
}

// MetricSink 本地指标记录
type MetricSink interface {
	Record(name string, value float64)
}

// Router 编排请求入口
type Router struct {
	registry Registry
	client   *http.Client
	sink     MetricSink
	now      func() time.Time
	logger   config.Logger

	statsMu sync.Mutex
	stats   map[string]*model.ServiceStats
}

// NewRouter 创建路由器
func NewRouter(reg Registry, logger config.Logger) *Router {
	return &Router{
		registry: reg,
		client:   &http.Client{},
		now:      time.Now,
		logger:   logger,
		stats:    make(map[string]*model.ServiceStats),
	}
}

// SetMetricSink 设置本地指标记录
func (r *Router) SetMetricSink(sink MetricSink) {
	r.sink = sink
}

// SetHTTPClient 替换下游调用使用的HTTP客户端
func (r *Router) SetHTTPClient(client *http.Client) {
	r.client = client
}

// callResult 一次服务调用的结果
type callResult struct {
	data    model.Value
	desc    *model.ServiceDescriptor
	latency time.Duration
	called  bool
}

// ProcessRequest 处理一次编排请求，总是返回结构化响应
func (r *Router) ProcessRequest(ctx context.Context, req *model.OrchestrationRequest) (resp *model.OrchestrationResponse) {
	start := r.now()
	tr := &tracer{now: r.now}
	resp = &model.OrchestrationResponse{
		ID:   uuid.New().String(),
		Data: model.Null(),
	}
	if req != nil {
		resp.RequestID = req.ID
		resp.Metadata.ServiceID = req.ServiceID
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("处理编排请求时发生异常", zap.Any("panic", rec))
			r.fail(resp, &model.CoreError{Code: model.ErrCodeInternal, Message: fmt.Sprintf("内部错误: %v", rec)})
		}
		resp.Metadata.ProcessingSteps = tr.steps
		if resp.Metadata.UpstreamServices == nil {
			resp.Metadata.UpstreamServices = []string{}
		}
		resp.Timestamp = r.now()
		resp.ProcessingTimeMs = float64(r.now().Sub(start)) / float64(time.Millisecond)
	}()

	if err := tr.run("validate", func() error { return validateRequest(req) }); err != nil {
		r.fail(resp, err)
		return resp
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
		resp.RequestID = req.ID
	}

	result, err := r.callService(ctx, req, req.ServiceID, tr)
	resp.Metadata.UpstreamServices = append(resp.Metadata.UpstreamServices, req.ServiceID)
	if err != nil && r.shouldFailover(err) {
		if backup, backupErr := r.failover(ctx, req, tr, resp, err); backupErr == nil {
			result, err = backup, nil
		} else {
			err = backupErr
		}
	}

	r.recordRequest(req.ServiceID, result, err)

	if result.desc != nil {
		resp.Metadata.ServiceID = result.desc.ID
		resp.Metadata.Version = result.desc.Version
	}
	if err != nil {
		r.fail(resp, err)
		r.logger.Warn("编排请求失败",
			zap.String("requestId", req.ID),
			zap.String("serviceId", req.ServiceID),
			zap.String("code", string(model.CodeOf(err))),
			zap.Error(err))
		return resp
	}

	resp.Success = true
	resp.Data = result.data
	return resp
}

func (r *Router) fail(resp *model.OrchestrationResponse, err error) {
	resp.Success = false
	resp.Data = model.Null()
	var ce *model.CoreError
	if errors.As(err, &ce) {
		resp.Error = &model.ResponseError{Code: ce.Code, Message: ce.Message}
		return
	}
	resp.Error = &model.ResponseError{Code: model.ErrCodeInternal, Message: err.Error()}
}

func validateRequest(req *model.OrchestrationRequest) error {
	if req == nil {
		return model.NewValidationError("请求不能为空")
	}
	if strings.TrimSpace(req.ServiceID) == "" {
		return model.NewValidationError("service_id不能为空")
	}
	if strings.TrimSpace(req.Action) == "" {
		return model.NewValidationError("action不能为空")
	}
	if req.Priority < 0 {
		return model.NewValidationError("priority不能为负数: %d", req.Priority)
	}
	return nil
}

// shouldFailover 主服务不可用时才转移到备份服务
func (r *Router) shouldFailover(err error) bool {
	code := model.CodeOf(err)
	return code == model.ErrCodeCircuitOpen || code == model.ErrCodeNoEndpoint
}

func (r *Router) failover(ctx context.Context, req *model.OrchestrationRequest, tr *tracer, resp *model.OrchestrationResponse, primaryErr error) (callResult, error) {
	lb, err := r.registry.LoadBalancerConfig(req.ServiceID)
	if err != nil || !lb.Failover.Enabled || len(lb.Failover.BackupServices) == 0 {
		return callResult{}, primaryErr
	}

	lastErr := primaryErr
	for _, backup := range lb.Failover.BackupServices {
		if backup == req.ServiceID {
			continue
		}
		tr.note("failover", backup)
		resp.Metadata.UpstreamServices = append(resp.Metadata.UpstreamServices, backup)
		result, err := r.callService(ctx, req, backup, tr)
		if err == nil {
			r.logger.Info("请求已转移到备份服务",
				zap.String("requestId", req.ID),
				zap.String("primary", req.ServiceID),
				zap.String("backup", backup))
			return result, nil
		}
		lastErr = err
	}
	return callResult{}, lastErr
}

// callService 查找、熔断检查、选择端点、执行、上报，失败时按端点声明的次数重试
func (r *Router) callService(ctx context.Context, req *model.OrchestrationRequest, serviceID string, tr *tracer) (callResult, error) {
	var result callResult

	err := tr.run("lookup", func() error {
		desc, err := r.registry.Get(serviceID)
		result.desc = desc
		return err
	})
	if err != nil {
		return result, err
	}

	attempts := 1
	for attempt := 0; attempt < attempts; attempt++ {
		if err := tr.run("circuit-check", func() error { return r.registry.CheckBreaker(serviceID) }); err != nil {
			return result, err
		}

		var ep *model.Endpoint
		if err := tr.run("select", func() error {
			var err error
			ep, err = r.registry.Select(serviceID)
			return err
		}); err != nil {
			return result, err
		}
		if attempt == 0 && ep.Retries > 0 {
			attempts += ep.Retries
		}

		result.called = true
		data, retry, latency, callErr := r.attempt(ctx, req, serviceID, ep, tr)
		result.latency = latency

		if callErr == nil {
			result.data = data
			return result, nil
		}
		if !retry || ctx.Err() != nil || attempt+1 >= attempts {
			return result, callErr
		}
		r.logger.Debug("重试下游调用",
			zap.String("requestId", req.ID),
			zap.String("serviceId", serviceID),
			zap.Int("attempt", attempt+2),
			zap.Error(callErr))
	}
	return result, model.NewDownstreamError("调用 %s 失败", serviceID)
}

// attempt 调用一次已选中的端点，结果在返回或panic时都会上报给注册中心
func (r *Router) attempt(ctx context.Context, req *model.OrchestrationRequest, serviceID string, ep *model.Endpoint, tr *tracer) (data model.Value, retry bool, latency time.Duration, callErr error) {
	started := r.now()
	callErr = model.NewDownstreamError("调用 %s 中断", serviceID)
	defer func() {
		latency = r.now().Sub(started)
		_ = tr.run("report", func() error {
			return r.registry.ReportOutcome(registry.Outcome{
				ServiceID:   serviceID,
				EndpointKey: ep.Key(),
				Success:     callErr == nil,
				Latency:     latency,
			})
		})
		metrics.ObserveRequest(serviceID, latency, callErr == nil)
	}()

	callErr = tr.run("execute", func() error {
		var err error
		data, retry, err = r.execute(ctx, req, ep)
		return err
	})
	return data, retry, latency, callErr
}

// execute 调用下游端点；超时会取消出站请求
func (r *Router) execute(ctx context.Context, req *model.OrchestrationRequest, ep *model.Endpoint) (model.Value, bool, error) {
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := r.buildRequest(callCtx, req, ep)
	if err != nil {
		return model.Null(), false, err
	}

	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return model.Null(), true, model.NewTimeoutError("调用 %s 超时 (%s)", ep.Key(), timeout)
		}
		if ctx.Err() != nil {
			return model.Null(), false, model.NewDownstreamError("调用 %s 被取消: %v", ep.Key(), ctx.Err())
		}
		return model.Null(), true, model.NewDownstreamError("调用 %s 失败: %v", ep.Key(), err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return model.Null(), true, model.NewTimeoutError("读取 %s 响应超时", ep.Key())
		}
		return model.Null(), true, model.NewDownstreamError("读取 %s 响应失败: %v", ep.Key(), err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		retry := httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests
		return model.Null(), retry, model.NewDownstreamError("%s 返回状态码 %d: %s",
			ep.Key(), httpResp.StatusCode, truncate(string(body), 256))
	}

	return decodeBody(body), false, nil
}

func (r *Router) buildRequest(ctx context.Context, req *model.OrchestrationRequest, ep *model.Endpoint) (*http.Request, error) {
	method := strings.ToUpper(ep.Method)
	if method == "" {
		method = http.MethodPost
	}

	target, err := url.Parse(strings.TrimRight(ep.BaseURL, "/") + endpointPath(ep.Path, req.Action))
	if err != nil {
		return nil, model.NewValidationError("端点地址无效: %v", err)
	}

	var body io.Reader
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		payload := req.Payload
		if payload == nil {
			payload = model.Fields{}
		}
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, model.NewValidationError("序列化payload失败: %v", err)
		}
		body = bytes.NewReader(buf)
	default:
		query := target.Query()
		keys := make([]string, 0, len(req.Payload))
		for k := range req.Payload {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			query.Set(k, req.Payload[k].Text())
		}
		target.RawQuery = query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, model.NewValidationError("创建下游请求失败: %v", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(HeaderRequestID, req.ID)
	httpReq.Header.Set(HeaderAction, req.Action)
	httpReq.Header.Set(HeaderPriority, strconv.Itoa(req.Priority))
	if req.CallerID != "" {
		httpReq.Header.Set(HeaderCallerID, req.CallerID)
	}
	if req.SessionID != "" {
		httpReq.Header.Set(HeaderSessionID, req.SessionID)
	}
	return httpReq, nil
}

// endpointPath 替换路径中的{action}占位符；未声明路径时以action作为路径
func endpointPath(path, action string) string {
	escaped := url.PathEscape(action)
	if path == "" {
		return "/" + escaped
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.ReplaceAll(path, actionPlaceholder, escaped)
}

// decodeBody JSON响应按结构解析，其他内容按字符串返回
func decodeBody(body []byte) model.Value {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return model.Null()
	}
	var v model.Value
	if err := json.Unmarshal(trimmed, &v); err == nil {
		return v
	}
	return model.String(string(body))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// recordRequest 更新路由器自身的单服务计数与本地指标
func (r *Router) recordRequest(serviceID string, result callResult, err error) {
	if result.desc == nil && model.IsNotFound(err) {
		return
	}
	latencyMs := float64(result.latency) / float64(time.Millisecond)

	r.statsMu.Lock()
	stats, ok := r.stats[serviceID]
	if !ok {
		stats = &model.ServiceStats{ServiceID: serviceID}
		r.stats[serviceID] = stats
	}
	stats.TotalRequests++
	if err == nil {
		stats.SuccessCount++
	} else {
		stats.FailCount++
	}
	if result.called {
		if stats.AvgLatencyMs == 0 {
			stats.AvgLatencyMs = latencyMs
		} else {
			stats.AvgLatencyMs = (stats.AvgLatencyMs*9 + latencyMs) / 10
		}
	}
	r.statsMu.Unlock()

	if r.sink == nil {
		return
	}
	r.sink.Record("requests", 1)
	r.sink.Record("requests."+serviceID, 1)
	if err != nil {
		r.sink.Record("errors", 1)
		r.sink.Record("errors."+serviceID, 1)
	}
	if result.called {
		r.sink.Record("latency_ms", latencyMs)
		r.sink.Record("latency_ms."+serviceID, latencyMs)
	}
}

// Stats 获取单个服务的路由计数
func (r *Router) Stats(serviceID string) (model.ServiceStats, error) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	stats, ok := r.stats[serviceID]
	if !ok {
		return model.ServiceStats{}, model.NewNotFoundError("服务 %s 没有路由记录", serviceID)
	}
	return *stats, nil
}

// AllStats 按服务ID排序返回所有路由计数
func (r *Router) AllStats() []model.ServiceStats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	out := make([]model.ServiceStats, 0, len(r.stats))
	for _, s := range r.stats {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
	return out
}
