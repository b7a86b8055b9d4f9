package model

import (
	"time"
)

// HealthStatus 健康状态枚举
type HealthStatus string

const (
	// HealthStatusUnknown 表示尚未探测
	HealthStatusUnknown HealthStatus = "unknown"
	// HealthStatusHealthy 表示服务健康
	HealthStatusHealthy HealthStatus = "healthy"
	// HealthStatusDegraded 表示服务可用但错误率偏高
	HealthStatusDegraded HealthStatus = "degraded"
	// HealthStatusUnhealthy 表示服务不健康
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// CircuitState 熔断器状态
type CircuitState string

const (
	// CircuitClosed 正常放行
	CircuitClosed CircuitState = "closed"
	// CircuitOpen 快速失败
	CircuitOpen CircuitState = "open"
	// CircuitHalfOpen 放行一次试探请求
	CircuitHalfOpen CircuitState = "half-open"
)

// LoadBalanceStrategy 负载均衡策略
type LoadBalanceStrategy string

const (
	// StrategyRoundRobin 近似均匀的随机轮询
	StrategyRoundRobin LoadBalanceStrategy = "round-robin"
	// StrategyLeastConnections 最少连接
	StrategyLeastConnections LoadBalanceStrategy = "least-connections"
	// StrategyWeighted 按权重随机
	StrategyWeighted LoadBalanceStrategy = "weighted"
	// StrategyLeastResponseTime 最短平均响应时间
	StrategyLeastResponseTime LoadBalanceStrategy = "least-response-time"
)

// ValidStrategy 判断策略是否合法
func ValidStrategy(s LoadBalanceStrategy) bool {
	switch s {
	case StrategyRoundRobin, StrategyLeastConnections, StrategyWeighted, StrategyLeastResponseTime:
		return true
	}
	return false
}

// HealthCheckSpec 描述端点的健康检查方式
type HealthCheckSpec struct {
	Path           string        `json:"path" mapstructure:"path"`
	Method         string        `json:"method" mapstructure:"method"`
	Timeout        time.Duration `json:"timeout" mapstructure:"timeout"`
	Interval       time.Duration `json:"interval" mapstructure:"interval"`
	ExpectedStatus int           `json:"expected_status" mapstructure:"expected_status"`
}

// Endpoint 表示服务的一个可调用地址
type Endpoint struct {
	ID          string          `json:"id,omitempty" mapstructure:"id"`
	BaseURL     string          `json:"base_url" mapstructure:"base_url"`
	Method      string          `json:"method" mapstructure:"method"`
	Path        string          `json:"path" mapstructure:"path"`
	Timeout     time.Duration   `json:"timeout" mapstructure:"timeout"`
	Retries     int             `json:"retries" mapstructure:"retries"`
	HealthCheck HealthCheckSpec `json:"health_check" mapstructure:"health_check"`
}

// Key 返回端点在负载均衡表中的唯一键
func (e Endpoint) Key() string {
	if e.ID != "" {
		return e.ID
	}
	return e.BaseURL + e.Path
}

// ServiceDescriptor 服务描述
type ServiceDescriptor struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Endpoints    []Endpoint        `json:"endpoints"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
}

// HealthMetrics 服务指标快照
type HealthMetrics struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	ErrorRate         float64 `json:"error_rate"`
	AvgLatencyMs      float64 `json:"avg_latency_ms"`
	ActiveConnections int     `json:"active_connections"`
}

// HealthError 一次失败的健康检查记录
type HealthError struct {
	Timestamp time.Time `json:"timestamp"`
	Endpoint  string    `json:"endpoint"`
	Message   string    `json:"message"`
}

// ServiceHealth 服务健康状态
type ServiceHealth struct {
	Status         HealthStatus  `json:"status"`
	LastCheck      time.Time     `json:"last_check"`
	ResponseTimeMs float64       `json:"response_time_ms"`
	Errors         []HealthError `json:"errors,omitempty"`
	Metrics        HealthMetrics `json:"metrics"`
	TotalChecks    int64         `json:"total_checks"`
	HealthyChecks  int64         `json:"healthy_checks"`
	Uptime         float64       `json:"uptime"`
}

// CircuitBreakerSnapshot 熔断器状态快照
type CircuitBreakerSnapshot struct {
	State           CircuitState  `json:"state"`
	FailureCount    int           `json:"failure_count"`
	Threshold       int           `json:"threshold"`
	RecoveryTimeout time.Duration `json:"recovery_timeout"`
	LastFailureTime time.Time     `json:"last_failure_time,omitempty"`
	NextAttemptTime time.Time     `json:"next_attempt_time,omitempty"`
}

// FailoverPolicy 故障转移策略
type FailoverPolicy struct {
	Enabled        bool          `json:"enabled" mapstructure:"enabled"`
	MaxFailures    int           `json:"max_failures" mapstructure:"max_failures"`
	RecoveryWindow time.Duration `json:"recovery_window" mapstructure:"recovery_window"`
	BackupServices []string      `json:"backup_services,omitempty" mapstructure:"backup_services"`
}

// LoadBalancerConfig 服务的负载均衡配置
type LoadBalancerConfig struct {
	Strategy LoadBalanceStrategy `json:"strategy" mapstructure:"strategy"`
	Weights  map[string]int      `json:"weights,omitempty" mapstructure:"weights"`
	Failover FailoverPolicy      `json:"failover" mapstructure:"failover"`
}

// ServiceStatus 管理接口返回的服务完整视图
type ServiceStatus struct {
	Descriptor   *ServiceDescriptor     `json:"descriptor"`
	Health       ServiceHealth          `json:"health"`
	Breaker      CircuitBreakerSnapshot `json:"circuit_breaker"`
	LoadBalancer LoadBalancerConfig     `json:"load_balancer"`
}

// ApiResponse 表示通用API响应
type ApiResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}
