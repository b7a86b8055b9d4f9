package apihandler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/kong-orchestrator/internal/core/model"
)

// 接口中的时长一律以毫秒表示
type healthCheckRequest struct {
	Path           string `json:"path"`
	Method         string `json:"method"`
	TimeoutMs      int64  `json:"timeout_ms"`
	IntervalMs     int64  `json:"interval_ms"`
	ExpectedStatus int    `json:"expected_status"`
}

type endpointRequest struct {
	ID          string             `json:"id"`
	BaseURL     string             `json:"base_url"`
	Method      string             `json:"method"`
	Path        string             `json:"path"`
	TimeoutMs   int64              `json:"timeout_ms"`
	Retries     int                `json:"retries"`
	HealthCheck healthCheckRequest `json:"health_check"`
}

type loadBalancerRequest struct {
	Strategy model.LoadBalanceStrategy `json:"strategy"`
	Weights  map[string]int            `json:"weights"`
	Failover struct {
		Enabled          bool     `json:"enabled"`
		MaxFailures      int      `json:"max_failures"`
		RecoveryWindowMs int64    `json:"recovery_window_ms"`
		BackupServices   []string `json:"backup_services"`
	} `json:"failover"`
}

// ServiceRegistrationRequest 服务注册请求
type ServiceRegistrationRequest struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	Version      string               `json:"version"`
	Endpoints    []endpointRequest    `json:"endpoints"`
	Capabilities []string             `json:"capabilities"`
	Dependencies []string             `json:"dependencies"`
	Metadata     map[string]string    `json:"metadata"`
	LoadBalancer *loadBalancerRequest `json:"load_balancer,omitempty"`
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func (r *ServiceRegistrationRequest) descriptor() *model.ServiceDescriptor {
	desc := &model.ServiceDescriptor{
		ID:           r.ID,
		Name:         r.Name,
		Version:      r.Version,
		Capabilities: r.Capabilities,
		Dependencies: r.Dependencies,
		Metadata:     r.Metadata,
	}
	for _, ep := range r.Endpoints {
		desc.Endpoints = append(desc.Endpoints, model.Endpoint{
			ID:      ep.ID,
			BaseURL: ep.BaseURL,
			Method:  ep.Method,
			Path:    ep.Path,
			Timeout: millis(ep.TimeoutMs),
			Retries: ep.Retries,
			HealthCheck: model.HealthCheckSpec{
				Path:           ep.HealthCheck.Path,
				Method:         ep.HealthCheck.Method,
				Timeout:        millis(ep.HealthCheck.TimeoutMs),
				Interval:       millis(ep.HealthCheck.IntervalMs),
				ExpectedStatus: ep.HealthCheck.ExpectedStatus,
			},
		})
	}
	return desc
}

func (r *loadBalancerRequest) config() model.LoadBalancerConfig {
	return model.LoadBalancerConfig{
		Strategy: r.Strategy,
		Weights:  r.Weights,
		Failover: model.FailoverPolicy{
			Enabled:        r.Failover.Enabled,
			MaxFailures:    r.Failover.MaxFailures,
			RecoveryWindow: millis(r.Failover.RecoveryWindowMs),
			BackupServices: r.Failover.BackupServices,
		},
	}
}

func (h *Handler) listServices(c echo.Context) error {
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "获取服务列表成功", h.registry.Statuses()))
}

// registerService 注册服务，重复注册视为更新
func (h *Handler) registerService(c echo.Context) error {
	req := new(ServiceRegistrationRequest)
	if err := c.Bind(req); err != nil {
		return badRequest(c, err)
	}
	desc := req.descriptor()
	if err := h.registry.Register(c.Request().Context(), desc); err != nil {
		return h.fail(c, err)
	}
	if req.LoadBalancer != nil {
		if err := h.registry.SetLoadBalancerConfig(desc.ID, req.LoadBalancer.config()); err != nil {
			return h.fail(c, err)
		}
	}
	status, err := h.registry.Status(desc.ID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, successResponse(http.StatusCreated, "服务注册成功", status))
}

func (h *Handler) getService(c echo.Context) error {
	status, err := h.registry.Status(c.Param("serviceId"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "获取服务成功", status))
}

func (h *Handler) unregisterService(c echo.Context) error {
	if err := h.registry.Unregister(c.Request().Context(), c.Param("serviceId")); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "服务注销成功", nil))
}

func (h *Handler) setLoadBalancer(c echo.Context) error {
	req := new(loadBalancerRequest)
	if err := c.Bind(req); err != nil {
		return badRequest(c, err)
	}
	serviceID := c.Param("serviceId")
	if err := h.registry.SetLoadBalancerConfig(serviceID, req.config()); err != nil {
		return h.fail(c, err)
	}
	cfg, err := h.registry.LoadBalancerConfig(serviceID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "负载均衡配置已更新", cfg))
}

// serviceStats 服务已注册但尚无路由记录时返回零值
func (h *Handler) serviceStats(c echo.Context) error {
	serviceID := c.Param("serviceId")
	if _, err := h.registry.Get(serviceID); err != nil {
		return h.fail(c, err)
	}
	stats, err := h.router.Stats(serviceID)
	if model.IsNotFound(err) {
		stats = model.ServiceStats{ServiceID: serviceID}
	} else if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "获取服务统计成功", stats))
}
