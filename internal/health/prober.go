package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hewenyu/kong-orchestrator/internal/config"
	"github.com/hewenyu/kong-orchestrator/internal/core/model"
	"github.com/hewenyu/kong-orchestrator/internal/registry"
)

const (
	defaultHealthPath = "/health"
	// 同时探测的服务数上限
	probeConcurrency = 8
)

// Registry 探测器依赖的注册表能力
type Registry interface {
	List() []*model.ServiceDescriptor
	LastCheck(serviceID string) (time.Time, error)
	RecordProbe(serviceID string, result registry.ProbeResult) error
	CountByStatus(status model.HealthStatus) int
}

// MetricSink 本地指标记录
type MetricSink interface {
	Record(name string, value float64)
}

// CheckFunc 对单个端点执行一次健康检查，返回nil表示健康
type CheckFunc func(ctx context.Context, ep model.Endpoint) error

// Prober 周期性探测所有已注册服务的健康状态
type Prober struct {
	registry  Registry
	client    *http.Client
	checkFunc CheckFunc
	sink      MetricSink
	interval  time.Duration
	timeout   time.Duration
	now       func() time.Time
	logger    config.Logger

	mu      sync.Mutex
	running bool
}

// NewProber 创建健康探测器
func NewProber(reg Registry, interval, timeout time.Duration, logger config.Logger) *Prober {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	p := &Prober{
		registry: reg,
		client:   &http.Client{},
		interval: interval,
		timeout:  timeout,
		now:      time.Now,
		logger:   logger,
	}
	p.checkFunc = p.httpCheck
	return p
}

// SetCheckFunc 替换端点检查函数，测试时使用
func (p *Prober) SetCheckFunc(fn CheckFunc) {
	p.checkFunc = fn
}

// SetMetricSink 设置本地指标记录
func (p *Prober) SetMetricSink(sink MetricSink) {
	p.sink = sink
}

// SetClock 替换时钟
func (p *Prober) SetClock(now func() time.Time) {
	p.now = now
}

// Run 立即探测一次，之后按间隔循环，直到ctx取消
func (p *Prober) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("健康探测器已在运行")
	}
	p.running = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	p.logger.Info("健康探测器启动", zap.Duration("interval", p.interval))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.ProbeAll(ctx)
	for {
		select {
		case <-ticker.C:
			p.ProbeAll(ctx)
		case <-ctx.Done():
			p.logger.Info("健康探测器停止")
			return nil
		}
	}
}

// ProbeAll 探测所有到期的服务
func (p *Prober) ProbeAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)

	for _, desc := range p.registry.List() {
		if !p.due(desc) {
			continue
		}
		desc := desc
		g.Go(func() error {
			p.ProbeService(gctx, desc)
			return nil
		})
	}
	_ = g.Wait()

	if p.sink != nil {
		p.sink.Record("unhealthy_services", float64(p.registry.CountByStatus(model.HealthStatusUnhealthy)))
	}
}

// due 端点声明了更长的探测间隔时跳过尚未到期的服务
func (p *Prober) due(desc *model.ServiceDescriptor) bool {
	var interval time.Duration
	for _, ep := range desc.Endpoints {
		if iv := ep.HealthCheck.Interval; iv > 0 && (interval == 0 || iv < interval) {
			interval = iv
		}
	}
	if interval <= p.interval {
		return true
	}
	last, err := p.registry.LastCheck(desc.ID)
	if err != nil || last.IsZero() {
		return true
	}
	return !p.now().Before(last.Add(interval))
}

// ProbeService 依次探测服务的端点，第一个成功即停止
func (p *Prober) ProbeService(ctx context.Context, desc *model.ServiceDescriptor) {
	result := registry.ProbeResult{Healthy: false, Message: "服务没有可探测的端点"}

	for _, ep := range desc.Endpoints {
		start := p.now()
		err := p.safeCheck(ctx, ep)
		elapsed := p.now().Sub(start)

		if err == nil {
			result = registry.ProbeResult{Healthy: true, ResponseTime: elapsed, Endpoint: ep.Key()}
			break
		}
		result = registry.ProbeResult{
			Healthy:      false,
			ResponseTime: elapsed,
			Endpoint:     ep.Key(),
			Message:      err.Error(),
		}
		p.logger.Debug("端点健康检查失败",
			zap.String("serviceId", desc.ID),
			zap.String("endpoint", ep.Key()),
			zap.Error(err))
	}

	// 关闭过程中被取消的探测不计入健康状态
	if ctx.Err() != nil {
		return
	}

	if err := p.registry.RecordProbe(desc.ID, result); err != nil {
		// 探测期间服务被注销
		p.logger.Debug("记录健康探测结果失败", zap.String("serviceId", desc.ID), zap.Error(err))
		return
	}
	if !result.Healthy {
		p.logger.Warn("服务健康检查失败",
			zap.String("serviceId", desc.ID),
			zap.String("endpoint", result.Endpoint),
			zap.String("message", result.Message))
	}
}

// safeCheck 把检查函数中的panic转换为错误
func (p *Prober) safeCheck(ctx context.Context, ep model.Endpoint) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("健康检查异常: %v", r)
		}
	}()
	return p.checkFunc(ctx, ep)
}

// httpCheck 默认的HTTP健康检查
func (p *Prober) httpCheck(ctx context.Context, ep model.Endpoint) error {
	hc := ep.HealthCheck
	timeout := hc.Timeout
	if timeout <= 0 {
		timeout = p.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := strings.ToUpper(hc.Method)
	if method == "" {
		method = http.MethodGet
	}
	path := hc.Path
	if path == "" {
		path = defaultHealthPath
	}
	expected := hc.ExpectedStatus
	if expected == 0 {
		expected = http.StatusOK
	}

	url := strings.TrimRight(ep.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return fmt.Errorf("创建健康检查请求失败: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("健康检查请求失败: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode != expected {
		return fmt.Errorf("健康检查状态码不匹配: 期望 %d, 实际 %d", expected, resp.StatusCode)
	}
	return nil
}
