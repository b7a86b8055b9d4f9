package registry

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/kong-orchestrator/internal/config"
	"github.com/hewenyu/kong-orchestrator/internal/core/model"
	"github.com/hewenyu/kong-orchestrator/internal/metrics"
)

const (
	// 计算降级状态时保留的最近调用结果数
	outcomeWindow = 20
	// 至少这么多次调用后才判断降级
	degradedMinCalls = 10
	// 错误率超过该值时降级
	degradedErrorRate = 0.5
	// 计算每秒请求数的时间窗口
	rpsWindow = time.Minute
)

// CatalogStore 服务目录的持久化存储
type CatalogStore interface {
	SaveService(ctx context.Context, desc *model.ServiceDescriptor) error
	DeleteService(ctx context.Context, serviceID string) error
	ListServices(ctx context.Context) ([]*model.ServiceDescriptor, error)
}

// Options 注册表配置
type Options struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	DefaultStrategy  model.LoadBalanceStrategy
	MaxHealthErrors  int
	// Now 时钟，测试时注入
	Now func() time.Time
	// Intn 随机数源，测试时注入
	Intn func(n int) int
}

// Outcome 一次下游调用的结果
type Outcome struct {
	ServiceID   string
	EndpointKey string
	Success     bool
	Latency     time.Duration
}

// ProbeResult 一次健康探测的结果
type ProbeResult struct {
	Healthy      bool
	ResponseTime time.Duration
	Endpoint     string
	Message      string
}

// serviceEntry 单个服务的全部可变状态，由自己的锁保护
type serviceEntry struct {
	mu         sync.Mutex
	descriptor *model.ServiceDescriptor
	health     model.ServiceHealth
	breaker    *serviceBreaker
	lb         model.LoadBalancerConfig
	balancer   *balancer
	endpoints  map[string]*endpointStats
	outcomes   []bool
	calls      []time.Time
}

// Registry 服务注册表与负载均衡器
type Registry struct {
	mu       sync.RWMutex
	services map[string]*serviceEntry
	opts     Options
	catalog  CatalogStore
	logger   config.Logger
}

// NewRegistry 创建服务注册表
func NewRegistry(opts Options, logger config.Logger) *Registry {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.RecoveryTimeout <= 0 {
		opts.RecoveryTimeout = 60 * time.Second
	}
	if !model.ValidStrategy(opts.DefaultStrategy) {
		opts.DefaultStrategy = model.StrategyRoundRobin
	}
	if opts.MaxHealthErrors <= 0 {
		opts.MaxHealthErrors = 10
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Intn == nil {
		opts.Intn = rand.Intn
	}
	return &Registry{
		services: make(map[string]*serviceEntry),
		opts:     opts,
		logger:   logger,
	}
}

// SetCatalog 设置服务目录持久化存储
func (r *Registry) SetCatalog(catalog CatalogStore) {
	r.catalog = catalog
}

// LoadCatalog 从持久化存储加载已注册的服务
func (r *Registry) LoadCatalog(ctx context.Context) (int, error) {
	if r.catalog == nil {
		return 0, nil
	}
	descs, err := r.catalog.ListServices(ctx)
	if err != nil {
		return 0, fmt.Errorf("加载服务目录失败: %w", err)
	}
	for _, desc := range descs {
		if err := validateDescriptor(desc); err != nil {
			r.logger.Warn("跳过无效的服务目录记录", zap.String("serviceId", desc.ID), zap.Error(err))
			continue
		}
		r.upsert(desc)
	}
	return len(descs), nil
}

func validateDescriptor(desc *model.ServiceDescriptor) error {
	if desc == nil || strings.TrimSpace(desc.ID) == "" {
		return model.NewValidationError("服务ID不能为空")
	}
	for i, ep := range desc.Endpoints {
		if strings.TrimSpace(ep.BaseURL) == "" {
			return model.NewValidationError("服务 %s 的第 %d 个端点缺少base_url", desc.ID, i)
		}
	}
	return nil
}

// Register 注册服务，重复注册时更新描述并保留运行时状态
func (r *Registry) Register(ctx context.Context, desc *model.ServiceDescriptor) error {
	if err := validateDescriptor(desc); err != nil {
		return err
	}

	stored := r.upsert(desc)

	if r.catalog != nil {
		if err := r.catalog.SaveService(ctx, stored); err != nil {
			r.logger.Error("持久化服务描述失败", zap.String("serviceId", desc.ID), zap.Error(err))
			return fmt.Errorf("持久化服务描述失败: %w", err)
		}
	}

	r.logger.Info("服务已注册",
		zap.String("serviceId", desc.ID),
		zap.String("version", desc.Version),
		zap.Int("endpoints", len(desc.Endpoints)))
	return nil
}

func (r *Registry) upsert(desc *model.ServiceDescriptor) *model.ServiceDescriptor {
	stored := cloneDescriptor(desc)
	if stored.Name == "" {
		stored.Name = stored.ID
	}

	r.mu.Lock()
	entry, exists := r.services[stored.ID]
	if !exists {
		if stored.RegisteredAt.IsZero() {
			stored.RegisteredAt = r.opts.Now()
		}
		entry = &serviceEntry{
			descriptor: stored,
			health:     model.ServiceHealth{Status: model.HealthStatusUnknown},
			breaker:    newServiceBreaker(stored.ID, r.opts.FailureThreshold, r.opts.RecoveryTimeout, r.breakerChanged(stored.ID)),
			lb:         model.LoadBalancerConfig{Strategy: r.opts.DefaultStrategy},
			balancer:   &balancer{intn: r.opts.Intn},
			endpoints:  make(map[string]*endpointStats),
		}
		r.services[stored.ID] = entry
		r.mu.Unlock()
		metrics.SetCircuitState(stored.ID, model.CircuitClosed)
		metrics.SetServiceHealth(stored.ID, model.HealthStatusUnknown)
		return cloneDescriptor(stored)
	}
	r.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	stored.RegisteredAt = entry.descriptor.RegisteredAt
	entry.descriptor = stored
	return cloneDescriptor(stored)
}

// Unregister 注销服务
func (r *Registry) Unregister(ctx context.Context, serviceID string) error {
	r.mu.Lock()
	_, exists := r.services[serviceID]
	delete(r.services, serviceID)
	r.mu.Unlock()

	if !exists {
		return model.NewNotFoundError("服务 %s 不存在", serviceID)
	}

	metrics.ForgetService(serviceID)

	if r.catalog != nil {
		if err := r.catalog.DeleteService(ctx, serviceID); err != nil {
			r.logger.Error("删除持久化服务描述失败", zap.String("serviceId", serviceID), zap.Error(err))
			return fmt.Errorf("删除持久化服务描述失败: %w", err)
		}
	}

	r.logger.Info("服务已注销", zap.String("serviceId", serviceID))
	return nil
}

func (r *Registry) entry(serviceID string) (*serviceEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.services[serviceID]
	if !ok {
		return nil, model.NewNotFoundError("服务 %s 不存在", serviceID)
	}
	return entry, nil
}

// Get 获取服务描述
func (r *Registry) Get(serviceID string) (*model.ServiceDescriptor, error) {
	entry, err := r.entry(serviceID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return cloneDescriptor(entry.descriptor), nil
}

// List 按ID排序列出所有服务
func (r *Registry) List() []*model.ServiceDescriptor {
	entries := r.snapshotEntries()
	result := make([]*model.ServiceDescriptor, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		result = append(result, cloneDescriptor(entry.descriptor))
		entry.mu.Unlock()
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (r *Registry) snapshotEntries() []*serviceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]*serviceEntry, 0, len(r.services))
	for _, entry := range r.services {
		entries = append(entries, entry)
	}
	return entries
}

// Status 获取服务的完整运行时视图
func (r *Registry) Status(serviceID string) (*model.ServiceStatus, error) {
	entry, err := r.entry(serviceID)
	if err != nil {
		return nil, err
	}
	now := r.opts.Now()
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.status(now), nil
}

// Statuses 按ID排序返回所有服务的运行时视图
func (r *Registry) Statuses() []*model.ServiceStatus {
	now := r.opts.Now()
	entries := r.snapshotEntries()
	result := make([]*model.ServiceStatus, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		result = append(result, entry.status(now))
		entry.mu.Unlock()
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Descriptor.ID < result[j].Descriptor.ID })
	return result
}

func (e *serviceEntry) status(now time.Time) *model.ServiceStatus {
	health := e.health
	health.Errors = append([]model.HealthError(nil), e.health.Errors...)
	health.Metrics.RequestsPerSecond = e.requestsPerSecond(now)
	lb := e.lb
	lb.Weights = copyWeights(e.lb.Weights)
	lb.Failover.BackupServices = append([]string(nil), e.lb.Failover.BackupServices...)
	return &model.ServiceStatus{
		Descriptor:   cloneDescriptor(e.descriptor),
		Health:       health,
		Breaker:      e.breaker.snapshot(),
		LoadBalancer: lb,
	}
}

// Health 获取服务健康状态
func (r *Registry) Health(serviceID string) (model.ServiceHealth, error) {
	status, err := r.Status(serviceID)
	if err != nil {
		return model.ServiceHealth{}, err
	}
	return status.Health, nil
}

// Breaker 获取熔断器快照
func (r *Registry) Breaker(serviceID string) (model.CircuitBreakerSnapshot, error) {
	entry, err := r.entry(serviceID)
	if err != nil {
		return model.CircuitBreakerSnapshot{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.breaker.snapshot(), nil
}

// SetLoadBalancerConfig 更新服务的负载均衡配置
func (r *Registry) SetLoadBalancerConfig(serviceID string, cfg model.LoadBalancerConfig) error {
	if cfg.Strategy == "" {
		cfg.Strategy = r.opts.DefaultStrategy
	}
	if !model.ValidStrategy(cfg.Strategy) {
		return model.NewValidationError("不支持的负载均衡策略: %s", cfg.Strategy)
	}
	for key, w := range cfg.Weights {
		if w < 0 {
			return model.NewValidationError("端点 %s 的权重不能为负数", key)
		}
	}

	entry, err := r.entry(serviceID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	cfg.Weights = copyWeights(cfg.Weights)
	cfg.Failover.BackupServices = append([]string(nil), cfg.Failover.BackupServices...)
	entry.lb = cfg
	return nil
}

// LoadBalancerConfig 获取服务的负载均衡配置
func (r *Registry) LoadBalancerConfig(serviceID string) (model.LoadBalancerConfig, error) {
	status, err := r.Status(serviceID)
	if err != nil {
		return model.LoadBalancerConfig{}, err
	}
	return status.LoadBalancer, nil
}

// CheckBreaker 只读检查熔断器，打开时返回CIRCUIT_OPEN
func (r *Registry) CheckBreaker(serviceID string) error {
	entry, err := r.entry(serviceID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.breaker.blocked() {
		return model.NewCircuitOpenError(serviceID)
	}
	return nil
}

// Select 选择一个可用端点并占用一个连接计数
// 熔断器处于半开时只放行一个试探请求，调用方必须随后调用ReportOutcome
func (r *Registry) Select(serviceID string) (*model.Endpoint, error) {
	entry, err := r.entry(serviceID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.breaker.blocked() {
		return nil, model.NewCircuitOpenError(serviceID)
	}
	if entry.health.Status == model.HealthStatusUnhealthy || len(entry.descriptor.Endpoints) == 0 {
		return nil, model.NewNoEndpointError(serviceID)
	}

	ep := entry.balancer.pick(entry.lb, entry.descriptor.Endpoints, entry.endpoints)
	if !entry.breaker.reserve(ep.Key()) {
		return nil, model.NewCircuitOpenError(serviceID)
	}
	stats := entry.endpointStats(ep.Key())
	stats.activeConnections++
	entry.health.Metrics.ActiveConnections++
	return &ep, nil
}

// SelectEndpoint 选择端点，没有可用端点时返回false
func (r *Registry) SelectEndpoint(serviceID string) (*model.Endpoint, bool) {
	ep, err := r.Select(serviceID)
	if err != nil {
		return nil, false
	}
	return ep, true
}

func (e *serviceEntry) endpointStats(key string) *endpointStats {
	stats, ok := e.endpoints[key]
	if !ok {
		stats = &endpointStats{}
		e.endpoints[key] = stats
	}
	return stats
}

// ReportOutcome 上报一次调用结果，更新熔断器、端点统计与健康指标
// EndpointKey为空表示该结果不对应Select占用的连接
func (r *Registry) ReportOutcome(outcome Outcome) error {
	entry, err := r.entry(outcome.ServiceID)
	if err != nil {
		return err
	}
	now := r.opts.Now()
	latencyMs := float64(outcome.Latency) / float64(time.Millisecond)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if outcome.EndpointKey != "" {
		stats := entry.endpointStats(outcome.EndpointKey)
		if stats.activeConnections > 0 {
			stats.activeConnections--
			entry.health.Metrics.ActiveConnections--
		}
		if stats.samples == 0 {
			stats.avgLatencyMs = latencyMs
		} else {
			stats.avgLatencyMs = (stats.avgLatencyMs*9 + latencyMs) / 10
		}
		stats.samples++
	}

	entry.breaker.report(outcome.EndpointKey, outcome.Success)

	entry.recordOutcome(now, outcome.Success, latencyMs)
	if status := entry.degradedTransition(); status != "" {
		entry.health.Status = status
		metrics.SetServiceHealth(outcome.ServiceID, status)
		r.logger.Info("服务健康状态变更",
			zap.String("serviceId", outcome.ServiceID),
			zap.String("status", string(status)),
			zap.Float64("errorRate", entry.health.Metrics.ErrorRate))
	}
	return nil
}

// RecordSuccess 上报一次不占用连接的成功
func (r *Registry) RecordSuccess(serviceID string) error {
	return r.ReportOutcome(Outcome{ServiceID: serviceID, Success: true})
}

// RecordFailure 上报一次不占用连接的失败
func (r *Registry) RecordFailure(serviceID string) error {
	return r.ReportOutcome(Outcome{ServiceID: serviceID, Success: false})
}

// breakerChanged 熔断器状态变化时更新指标并记录日志
func (r *Registry) breakerChanged(serviceID string) func(b *serviceBreaker, from, to model.CircuitState) {
	return func(b *serviceBreaker, from, to model.CircuitState) {
		metrics.SetCircuitState(serviceID, to)
		if to == model.CircuitOpen {
			r.logger.Warn("熔断器已打开",
				zap.String("serviceId", serviceID),
				zap.Int("failureCount", b.failureCount),
				zap.Time("nextAttemptTime", b.nextAttemptTime))
			return
		}
		r.logger.Info("熔断器状态变更",
			zap.String("serviceId", serviceID),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
	}
}

func (e *serviceEntry) recordOutcome(now time.Time, success bool, latencyMs float64) {
	e.outcomes = append(e.outcomes, success)
	if len(e.outcomes) > outcomeWindow {
		e.outcomes = e.outcomes[len(e.outcomes)-outcomeWindow:]
	}
	failures := 0
	for _, ok := range e.outcomes {
		if !ok {
			failures++
		}
	}
	e.health.Metrics.ErrorRate = float64(failures) / float64(len(e.outcomes))

	if e.health.Metrics.AvgLatencyMs == 0 {
		e.health.Metrics.AvgLatencyMs = latencyMs
	} else {
		e.health.Metrics.AvgLatencyMs = (e.health.Metrics.AvgLatencyMs*9 + latencyMs) / 10
	}

	e.calls = append(e.calls, now)
	cutoff := now.Add(-rpsWindow)
	i := 0
	for i < len(e.calls) && e.calls[i].Before(cutoff) {
		i++
	}
	e.calls = e.calls[i:]
}

func (e *serviceEntry) requestsPerSecond(now time.Time) float64 {
	cutoff := now.Add(-rpsWindow)
	n := 0
	for _, at := range e.calls {
		if !at.Before(cutoff) {
			n++
		}
	}
	return float64(n) / rpsWindow.Seconds()
}

// degradedTransition 根据最近调用错误率在healthy与degraded之间切换，无变化时返回空
func (e *serviceEntry) degradedTransition() model.HealthStatus {
	if len(e.outcomes) < degradedMinCalls {
		return ""
	}
	rate := e.health.Metrics.ErrorRate
	switch e.health.Status {
	case model.HealthStatusHealthy:
		if rate > degradedErrorRate {
			return model.HealthStatusDegraded
		}
	case model.HealthStatusDegraded:
		if rate <= degradedErrorRate {
			return model.HealthStatusHealthy
		}
	}
	return ""
}

// RecordProbe 记录一次健康探测结果
func (r *Registry) RecordProbe(serviceID string, result ProbeResult) error {
	entry, err := r.entry(serviceID)
	if err != nil {
		return err
	}
	now := r.opts.Now()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	h := &entry.health
	before := h.Status
	h.LastCheck = now
	h.ResponseTimeMs = float64(result.ResponseTime) / float64(time.Millisecond)
	h.TotalChecks++
	if result.Healthy {
		h.HealthyChecks++
		h.Status = model.HealthStatusHealthy
	} else {
		h.Status = model.HealthStatusUnhealthy
		h.Errors = append(h.Errors, model.HealthError{
			Timestamp: now,
			Endpoint:  result.Endpoint,
			Message:   result.Message,
		})
		if over := len(h.Errors) - r.opts.MaxHealthErrors; over > 0 {
			h.Errors = append([]model.HealthError(nil), h.Errors[over:]...)
		}
	}
	h.Uptime = float64(h.HealthyChecks) / float64(h.TotalChecks)

	if h.Status != before {
		metrics.SetServiceHealth(serviceID, h.Status)
		r.logger.Info("服务健康状态变更",
			zap.String("serviceId", serviceID),
			zap.String("from", string(before)),
			zap.String("to", string(h.Status)))
	}
	return nil
}

// LastCheck 返回服务最近一次健康探测时间
func (r *Registry) LastCheck(serviceID string) (time.Time, error) {
	entry, err := r.entry(serviceID)
	if err != nil {
		return time.Time{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.health.LastCheck, nil
}

// CountByStatus 统计处于某健康状态的服务数
func (r *Registry) CountByStatus(status model.HealthStatus) int {
	n := 0
	for _, entry := range r.snapshotEntries() {
		entry.mu.Lock()
		if entry.health.Status == status {
			n++
		}
		entry.mu.Unlock()
	}
	return n
}

func cloneDescriptor(desc *model.ServiceDescriptor) *model.ServiceDescriptor {
	if desc == nil {
		return nil
	}
	out := *desc
	out.Endpoints = append([]model.Endpoint(nil), desc.Endpoints...)
	out.Capabilities = append([]string(nil), desc.Capabilities...)
	out.Dependencies = append([]string(nil), desc.Dependencies...)
	if desc.Metadata != nil {
		out.Metadata = make(map[string]string, len(desc.Metadata))
		for k, v := range desc.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func copyWeights(in map[string]int) map[string]int {
	if in == nil {
		return nil
	}
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
