package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hewenyu/kong-orchestrator/internal/core/model"
)

const namespace = "kong_orchestrator"

const (
	// OutcomeSuccess 成功
	OutcomeSuccess = "success"
	// OutcomeError 失败
	OutcomeError = "error"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Orchestration requests handled, partitioned by service and outcome.",
		},
		[]string{"service", "outcome"},
	)

	requestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Downstream call latency in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"service"},
	)

	circuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state per service (0 closed, 1 half-open, 2 open).",
		},
		[]string{"service"},
	)

	serviceHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "service_health",
			Help:      "Service health per service (0 unknown, 1 healthy, 2 degraded, 3 unhealthy).",
		},
		[]string{"service"},
	)

	contextsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "contexts_active",
			Help:      "Contexts currently held by the store.",
		},
	)

	contextsEvicted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contexts_evicted_total",
			Help:      "Contexts removed by expiry or eviction, partitioned by reason.",
		},
		[]string{"reason"},
	)

	policyWarnings = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_validation_warnings_total",
			Help:      "Context policy validation failures (logged, never blocking).",
		},
	)

	alertsFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_fired_total",
			Help:      "Alerts created, partitioned by severity.",
		},
		[]string{"severity"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries per channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)
)

// Register 将所有采集器注册到给定的Registerer，重复注册视为成功
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		requestsTotal,
		requestDurationSeconds,
		circuitState,
		serviceHealth,
		contextsActive,
		contextsEvicted,
		policyWarnings,
		alertsFired,
		notificationsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveRequest 记录一次下游调用
func ObserveRequest(service string, duration time.Duration, success bool) {
	outcome := OutcomeSuccess
	if !success {
		outcome = OutcomeError
	}
	requestsTotal.WithLabelValues(service, outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	requestDurationSeconds.WithLabelValues(service).Observe(duration.Seconds())
}

// SetCircuitState 更新熔断器状态
func SetCircuitState(service string, state model.CircuitState) {
	var v float64
	switch state {
	case model.CircuitHalfOpen:
		v = 1
	case model.CircuitOpen:
		v = 2
	}
	circuitState.WithLabelValues(service).Set(v)
}

// SetServiceHealth 更新服务健康状态
func SetServiceHealth(service string, status model.HealthStatus) {
	var v float64
	switch status {
	case model.HealthStatusHealthy:
		v = 1
	case model.HealthStatusDegraded:
		v = 2
	case model.HealthStatusUnhealthy:
		v = 3
	}
	serviceHealth.WithLabelValues(service).Set(v)
}

// ForgetService 服务注销后移除其标签序列
func ForgetService(service string) {
	circuitState.DeleteLabelValues(service)
	serviceHealth.DeleteLabelValues(service)
	requestDurationSeconds.DeleteLabelValues(service)
	requestsTotal.DeleteLabelValues(service, OutcomeSuccess)
	requestsTotal.DeleteLabelValues(service, OutcomeError)
}

// SetActiveContexts 更新上下文数量
func SetActiveContexts(n int) {
	contextsActive.Set(float64(n))
}

// ObserveEviction 记录被清理的上下文
func ObserveEviction(reason string, n int) {
	if n <= 0 {
		return
	}
	contextsEvicted.WithLabelValues(reason).Add(float64(n))
}

// ObservePolicyWarning 记录一次策略校验告警
func ObservePolicyWarning() {
	policyWarnings.Inc()
}

// ObserveAlert 记录一次告警触发
func ObserveAlert(severity model.Severity) {
	alertsFired.WithLabelValues(string(severity)).Inc()
}

// ObserveNotification 记录一次通知投递结果
func ObserveNotification(channel string, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	notificationsTotal.WithLabelValues(channel, outcome).Inc()
}
