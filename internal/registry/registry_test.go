package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/kong-orchestrator/internal/config"
	"github.com/hewenyu/kong-orchestrator/internal/core/model"
)

// testClock 可手动推进的时钟
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(clock *testClock, threshold int) *Registry {
	return NewRegistry(Options{
		FailureThreshold: threshold,
		RecoveryTimeout:  30 * time.Second,
		MaxHealthErrors:  3,
		Now:              clock.Now,
	}, config.NopLogger{})
}

func testDescriptor(id string, urls ...string) *model.ServiceDescriptor {
	desc := &model.ServiceDescriptor{ID: id, Version: "1.0.0"}
	for _, u := range urls {
		desc.Endpoints = append(desc.Endpoints, model.Endpoint{BaseURL: u, Method: "POST", Path: "/"})
	}
	return desc
}

// fakeCatalog 内存中的服务目录
type fakeCatalog struct {
	mu      sync.Mutex
	records map[string]*model.ServiceDescriptor
	saveErr error
}

func (f *fakeCatalog) SaveService(ctx context.Context, desc *model.ServiceDescriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.records[desc.ID] = desc
	return nil
}

func (f *fakeCatalog) DeleteService(ctx context.Context, serviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, serviceID)
	return nil
}

func (f *fakeCatalog) ListServices(ctx context.Context) ([]*model.ServiceDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.ServiceDescriptor
	for _, d := range f.records {
		out = append(out, d)
	}
	return out, nil
}

func TestRegisterInitializesState(t *testing.T) {
	clock := newTestClock()
	reg := newTestRegistry(clock, 3)

	require.NoError(t, reg.Register(context.Background(), testDescriptor("S", "http://a")))

	status, err := reg.Status("S")
	require.NoError(t, err)
	assert.Equal(t, "S", status.Descriptor.Name, "名称默认为ID")
	assert.Equal(t, model.HealthStatusUnknown, status.Health.Status)
	assert.Equal(t, model.CircuitClosed, status.Breaker.State)
	assert.Equal(t, 3, status.Breaker.Threshold)
	assert.Equal(t, model.StrategyRoundRobin, status.LoadBalancer.Strategy)
	assert.Equal(t, clock.Now(), status.Descriptor.RegisteredAt)
}

func TestRegisterIsIdempotentUpsert(t *testing.T) {
	clock := newTestClock()
	reg := newTestRegistry(clock, 3)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, testDescriptor("S", "http://a")))
	require.NoError(t, reg.RecordFailure("S"))
	registeredAt := clock.Now()

	clock.Advance(time.Minute)
	updated := testDescriptor("S", "http://a", "http://b")
	updated.Version = "2.0.0"
	require.NoError(t, reg.Register(ctx, updated))

	status, err := reg.Status("S")
	require.NoError(t, err)
	assert.Len(t, reg.List(), 1)
	assert.Equal(t, "2.0.0", status.Descriptor.Version)
	assert.Len(t, status.Descriptor.Endpoints, 2)
	assert.Equal(t, 1, status.Breaker.FailureCount, "重复注册不应重置熔断器")
	assert.Equal(t, registeredAt, status.Descriptor.RegisteredAt)
}

func TestRegisterValidation(t *testing.T) {
	reg := newTestRegistry(newTestClock(), 3)

	err := reg.Register(context.Background(), &model.ServiceDescriptor{})
	assert.Equal(t, model.ErrCodeValidation, model.CodeOf(err))

	err = reg.Register(context.Background(), &model.ServiceDescriptor{
		ID:        "S",
		Endpoints: []model.Endpoint{{Path: "/x"}},
	})
	assert.Equal(t, model.ErrCodeValidation, model.CodeOf(err))
}

func TestUnregister(t *testing.T) {
	reg := newTestRegistry(newTestClock(), 3)
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, testDescriptor("S", "http://a")))

	require.NoError(t, reg.Unregister(ctx, "S"))
	_, err := reg.Get("S")
	assert.True(t, model.IsNotFound(err))

	err = reg.Unregister(ctx, "S")
	assert.True(t, model.IsNotFound(err), "重复注销应返回NOT_FOUND")

	_, ok := reg.SelectEndpoint("S")
	assert.False(t, ok)
}

// newBreakerRegistry 使用较短恢复时间，熔断器按墙上时钟计时
func newBreakerRegistry(threshold int, recovery time.Duration) *Registry {
	return NewRegistry(Options{
		FailureThreshold: threshold,
		RecoveryTimeout:  recovery,
		MaxHealthErrors:  3,
	}, config.NopLogger{})
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	reg := newTestRegistry(newTestClock(), 3)
	require.NoError(t, reg.Register(context.Background(), testDescriptor("S", "http://a")))

	for i := 0; i < 3; i++ {
		require.NoError(t, reg.RecordFailure("S"))
	}

	snap, err := reg.Breaker("S")
	require.NoError(t, err)
	assert.Equal(t, model.CircuitOpen, snap.State)
	assert.Equal(t, 3, snap.FailureCount)
	assert.WithinDuration(t, time.Now(), snap.LastFailureTime, time.Second)
	assert.Equal(t, snap.LastFailureTime.Add(30*time.Second), snap.NextAttemptTime)

	ep, ok := reg.SelectEndpoint("S")
	assert.False(t, ok, "熔断器打开时不应返回端点")
	assert.Nil(t, ep)

	err = reg.CheckBreaker("S")
	assert.Equal(t, model.ErrCodeCircuitOpen, model.CodeOf(err))
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	reg := newBreakerRegistry(2, 50*time.Millisecond)
	require.NoError(t, reg.Register(context.Background(), testDescriptor("S", "http://a")))

	require.NoError(t, reg.RecordFailure("S"))
	require.NoError(t, reg.RecordFailure("S"))

	_, ok := reg.SelectEndpoint("S")
	assert.False(t, ok, "恢复时间未到")

	require.Eventually(t, func() bool {
		return reg.CheckBreaker("S") == nil
	}, time.Second, 10*time.Millisecond, "到期后允许试探")
	ep, ok := reg.SelectEndpoint("S")
	require.True(t, ok)

	snap, _ := reg.Breaker("S")
	assert.Equal(t, model.CircuitHalfOpen, snap.State)

	// 半开状态只放行一个试探请求
	_, ok = reg.SelectEndpoint("S")
	assert.False(t, ok)
	assert.Equal(t, model.ErrCodeCircuitOpen, model.CodeOf(reg.CheckBreaker("S")))

	require.NoError(t, reg.ReportOutcome(Outcome{ServiceID: "S", EndpointKey: ep.Key(), Success: true}))
	snap, _ = reg.Breaker("S")
	assert.Equal(t, model.CircuitClosed, snap.State)
	assert.Equal(t, 0, snap.FailureCount)
	assert.True(t, snap.LastFailureTime.IsZero())
	assert.True(t, snap.NextAttemptTime.IsZero())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	reg := newBreakerRegistry(1, 50*time.Millisecond)
	require.NoError(t, reg.Register(context.Background(), testDescriptor("S", "http://a")))

	require.NoError(t, reg.RecordFailure("S"))
	first, _ := reg.Breaker("S")

	require.Eventually(t, func() bool {
		return reg.CheckBreaker("S") == nil
	}, time.Second, 10*time.Millisecond)
	ep, ok := reg.SelectEndpoint("S")
	require.True(t, ok)

	require.NoError(t, reg.ReportOutcome(Outcome{ServiceID: "S", EndpointKey: ep.Key(), Success: false}))
	snap, _ := reg.Breaker("S")
	assert.Equal(t, model.CircuitOpen, snap.State)
	assert.Equal(t, 2, snap.FailureCount)
	assert.True(t, snap.LastFailureTime.After(first.LastFailureTime))
	assert.Equal(t, snap.LastFailureTime.Add(50*time.Millisecond), snap.NextAttemptTime)
}

func TestStaleSelectionDoesNotCloseBreaker(t *testing.T) {
	reg := newBreakerRegistry(1, time.Minute)
	require.NoError(t, reg.Register(context.Background(), testDescriptor("S", "http://a")))

	ep, ok := reg.SelectEndpoint("S")
	require.True(t, ok)
	require.NoError(t, reg.RecordFailure("S"))

	// 打开前占用的调用成功返回，不应影响已打开的熔断器
	require.NoError(t, reg.ReportOutcome(Outcome{ServiceID: "S", EndpointKey: ep.Key(), Success: true}))
	snap, _ := reg.Breaker("S")
	assert.Equal(t, model.CircuitOpen, snap.State)
	assert.Equal(t, 1, snap.FailureCount)

	health, err := reg.Health("S")
	require.NoError(t, err)
	assert.Equal(t, 0, health.Metrics.ActiveConnections)
}

func TestSuccessWhileClosedKeepsFailureCount(t *testing.T) {
	reg := newTestRegistry(newTestClock(), 3)
	require.NoError(t, reg.Register(context.Background(), testDescriptor("S", "http://a")))

	require.NoError(t, reg.RecordFailure("S"))
	require.NoError(t, reg.RecordFailure("S"))
	require.NoError(t, reg.RecordSuccess("S"))

	snap, _ := reg.Breaker("S")
	assert.Equal(t, model.CircuitClosed, snap.State)
	assert.Equal(t, 2, snap.FailureCount, "关闭状态下的成功不清零计数")

	require.NoError(t, reg.RecordFailure("S"))
	snap, _ = reg.Breaker("S")
	assert.Equal(t, model.CircuitOpen, snap.State)
}

func TestSelectSkipsUnhealthyService(t *testing.T) {
	reg := newTestRegistry(newTestClock(), 3)
	require.NoError(t, reg.Register(context.Background(), testDescriptor("S", "http://a")))

	require.NoError(t, reg.RecordProbe("S", ProbeResult{Healthy: false, Endpoint: "http://a", Message: "boom"}))
	_, err := reg.Select("S")
	assert.Equal(t, model.ErrCodeNoEndpoint, model.CodeOf(err))

	require.NoError(t, reg.RecordProbe("S", ProbeResult{Healthy: true}))
	_, ok := reg.SelectEndpoint("S")
	assert.True(t, ok)

	_, err = reg.Select("missing")
	assert.True(t, model.IsNotFound(err))
}

func TestSelectNoEndpoints(t *testing.T) {
	reg := newTestRegistry(newTestClock(), 3)
	require.NoError(t, reg.Register(context.Background(), &model.ServiceDescriptor{ID: "empty"}))

	_, ok := reg.SelectEndpoint("empty")
	assert.False(t, ok)
}

// 随机轮询：每轮是一个随机排列，N次调用内每个端点至少被选中一次
func TestRoundRobinCoversAllEndpoints(t *testing.T) {
	reg := newTestRegistry(newTestClock(), 3)
	urls := []string{"http://a", "http://b", "http://c", "http://d"}
	require.NoError(t, reg.Register(context.Background(), testDescriptor("S", urls...)))

	for round := 0; round < 5; round++ {
		seen := make(map[string]int)
		for i := 0; i < len(urls); i++ {
			ep, ok := reg.SelectEndpoint("S")
			require.True(t, ok)
			seen[ep.BaseURL]++
			require.NoError(t, reg.ReportOutcome(Outcome{ServiceID: "S", EndpointKey: ep.Key(), Success: true}))
		}
		assert.Len(t, seen, len(urls), "第%d轮应覆盖全部端点", round)
	}
}

func TestLeastConnections(t *testing.T) {
	reg := newTestRegistry(newTestClock(), 3)
	require.NoError(t, reg.Register(context.Background(), testDescriptor("S", "http://a", "http://b")))
	require.NoError(t, reg.SetLoadBalancerConfig("S", model.LoadBalancerConfig{Strategy: model.StrategyLeastConnections}))

	first, ok := reg.SelectEndpoint("S")
	require.True(t, ok)
	assert.Equal(t, "http://a", first.BaseURL)

	// a 仍占用一个连接，下一次应选b
	second, ok := reg.SelectEndpoint("S")
	require.True(t, ok)
	assert.Equal(t, "http://b", second.BaseURL)

	health, err := reg.Health("S")
	require.NoError(t, err)
	assert.Equal(t, 2, health.Metrics.ActiveConnections)

	require.NoError(t, reg.ReportOutcome(Outcome{ServiceID: "S", EndpointKey: first.Key(), Success: true}))
	third, _ := reg.SelectEndpoint("S")
	assert.Equal(t, "http://a", third.BaseURL)
}

func TestWeightedSelection(t *testing.T) {
	reg := newTestRegistry(newTestClock(), 3)
	require.NoError(t, reg.Register(context.Background(), testDescriptor("S", "http://a", "http://b")))
	require.NoError(t, reg.SetLoadBalancerConfig("S", model.LoadBalancerConfig{
		Strategy: model.StrategyWeighted,
		Weights:  map[string]int{"http://a/": 0, "http://b/": 5},
	}))

	for i := 0; i < 20; i++ {
		ep, ok := reg.SelectEndpoint("S")
		require.True(t, ok)
		assert.Equal(t, "http://b", ep.BaseURL, "权重为0的端点不应被选中")
		require.NoError(t, reg.ReportOutcome(Outcome{ServiceID: "S", EndpointKey: ep.Key(), Success: true}))
	}

	err := reg.SetLoadBalancerConfig("S", model.LoadBalancerConfig{
		Strategy: model.StrategyWeighted,
		Weights:  map[string]int{"http://a/": -1},
	})
	assert.Equal(t, model.ErrCodeValidation, model.CodeOf(err))
}

func TestLeastResponseTime(t *testing.T) {
	reg := newTestRegistry(newTestClock(), 3)
	require.NoError(t, reg.Register(context.Background(), testDescriptor("S", "http://a", "http://b")))
	require.NoError(t, reg.SetLoadBalancerConfig("S", model.LoadBalancerConfig{Strategy: model.StrategyLeastResponseTime}))

	require.NoError(t, reg.ReportOutcome(Outcome{ServiceID: "S", EndpointKey: "http://a/", Success: true, Latency: 200 * time.Millisecond}))
	require.NoError(t, reg.ReportOutcome(Outcome{ServiceID: "S", EndpointKey: "http://b/", Success: true, Latency: 20 * time.Millisecond}))

	ep, ok := reg.SelectEndpoint("S")
	require.True(t, ok)
	assert.Equal(t, "http://b", ep.BaseURL)
}

func TestSetLoadBalancerConfigErrors(t *testing.T) {
	reg := newTestRegistry(newTestClock(), 3)
	err := reg.SetLoadBalancerConfig("missing", model.LoadBalancerConfig{Strategy: model.StrategyWeighted})
	assert.True(t, model.IsNotFound(err))

	require.NoError(t, reg.Register(context.Background(), testDescriptor("S", "http://a")))
	err = reg.SetLoadBalancerConfig("S", model.LoadBalancerConfig{Strategy: "random"})
	assert.Equal(t, model.ErrCodeValidation, model.CodeOf(err))
}

func TestRecordProbeBookkeeping(t *testing.T) {
	clock := newTestClock()
	reg := newTestRegistry(clock, 3)
	require.NoError(t, reg.Register(context.Background(), testDescriptor("S", "http://a")))

	require.NoError(t, reg.RecordProbe("S", ProbeResult{Healthy: true, ResponseTime: 15 * time.Millisecond}))
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		require.NoError(t, reg.RecordProbe("S", ProbeResult{Healthy: false, Endpoint: "http://a", Message: "status 500"}))
	}

	health, err := reg.Health("S")
	require.NoError(t, err)
	assert.Equal(t, model.HealthStatusUnhealthy, health.Status)
	assert.Len(t, health.Errors, 3, "错误记录应被截断到上限")
	assert.Equal(t, int64(6), health.TotalChecks)
	assert.InDelta(t, 1.0/6.0, health.Uptime, 1e-9)
	assert.Equal(t, clock.Now(), health.LastCheck)
	assert.Equal(t, 1, reg.CountByStatus(model.HealthStatusUnhealthy))

	assert.True(t, model.IsNotFound(reg.RecordProbe("missing", ProbeResult{})))
}

func TestDegradedTransition(t *testing.T) {
	reg := newTestRegistry(newTestClock(), 100)
	require.NoError(t, reg.Register(context.Background(), testDescriptor("S", "http://a")))
	require.NoError(t, reg.RecordProbe("S", ProbeResult{Healthy: true}))

	for i := 0; i < 10; i++ {
		require.NoError(t, reg.RecordFailure("S"))
	}
	health, _ := reg.Health("S")
	assert.Equal(t, model.HealthStatusDegraded, health.Status)
	assert.Equal(t, 1.0, health.Metrics.ErrorRate)

	// 降级不影响选择
	_, ok := reg.SelectEndpoint("S")
	assert.True(t, ok)

	for i := 0; i < 15; i++ {
		require.NoError(t, reg.RecordSuccess("S"))
	}
	health, _ = reg.Health("S")
	assert.Equal(t, model.HealthStatusHealthy, health.Status)
}

func TestCatalogWriteThrough(t *testing.T) {
	catalog := &fakeCatalog{records: make(map[string]*model.ServiceDescriptor)}
	reg := newTestRegistry(newTestClock(), 3)
	reg.SetCatalog(catalog)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, testDescriptor("S", "http://a")))
	assert.Contains(t, catalog.records, "S")

	restored := newTestRegistry(newTestClock(), 3)
	restored.SetCatalog(catalog)
	n, err := restored.LoadCatalog(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = restored.Get("S")
	assert.NoError(t, err)

	require.NoError(t, reg.Unregister(ctx, "S"))
	assert.NotContains(t, catalog.records, "S")

	catalog.saveErr = errors.New("etcd down")
	assert.Error(t, reg.Register(ctx, testDescriptor("T", "http://a")))
}

func TestConcurrentSelectAndReport(t *testing.T) {
	reg := newTestRegistry(newTestClock(), 1000)
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, testDescriptor("S", "http://a", "http://b")))
	require.NoError(t, reg.Register(ctx, testDescriptor("T", "http://c")))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "S"
			if i%2 == 0 {
				id = "T"
			}
			ep, ok := reg.SelectEndpoint(id)
			if !ok {
				return
			}
			_ = reg.ReportOutcome(Outcome{ServiceID: id, EndpointKey: ep.Key(), Success: i%3 != 0})
		}(i)
	}
	wg.Wait()

	for _, id := range []string{"S", "T"} {
		health, err := reg.Health(id)
		require.NoError(t, err)
		assert.Equal(t, 0, health.Metrics.ActiveConnections)
	}
}
