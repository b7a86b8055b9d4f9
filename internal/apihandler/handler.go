package apihandler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-orchestrator/internal/alerting"
	"github.com/hewenyu/kong-orchestrator/internal/config"
	"github.com/hewenyu/kong-orchestrator/internal/contextstore"
	"github.com/hewenyu/kong-orchestrator/internal/core/model"
	"github.com/hewenyu/kong-orchestrator/internal/registry"
	"github.com/hewenyu/kong-orchestrator/internal/router"
)

// Handler 处理编排、服务管理、上下文与告警相关的HTTP请求
type Handler struct {
	registry *registry.Registry
	router   *router.Router
	contexts *contextstore.Store
	alerts   *alerting.Engine
	logger   config.Logger
}

// NewHandler 创建请求处理器
func NewHandler(reg *registry.Registry, rt *router.Router, contexts *contextstore.Store, alerts *alerting.Engine, logger config.Logger) *Handler {
	return &Handler{
		registry: reg,
		router:   rt,
		contexts: contexts,
		alerts:   alerts,
		logger:   logger,
	}
}

// RegisterRoutes 注册API路由
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.health)

	api := e.Group("/api/v1")

	api.POST("/orchestrate", h.orchestrate)

	// 服务管理
	api.GET("/services", h.listServices)
	api.POST("/services", h.registerService)
	api.GET("/services/:serviceId", h.getService)
	api.DELETE("/services/:serviceId", h.unregisterService)
	api.PUT("/services/:serviceId/loadbalancer", h.setLoadBalancer)
	api.GET("/services/:serviceId/stats", h.serviceStats)

	// 上下文
	api.POST("/contexts", h.createContext)
	api.POST("/contexts/search", h.searchContexts)
	api.GET("/contexts/:contextId", h.getContext)
	api.PATCH("/contexts/:contextId", h.updateContext)
	api.DELETE("/contexts/:contextId", h.deleteContext)

	api.GET("/policies", h.listPolicies)
	api.POST("/policies", h.addPolicy)
	api.DELETE("/policies/:name", h.removePolicy)

	// 告警
	api.GET("/alerts/rules", h.listRules)
	api.POST("/alerts/rules", h.addRule)
	api.DELETE("/alerts/rules/:ruleId", h.removeRule)
	api.GET("/alerts/channels", h.listChannels)
	api.POST("/alerts/channels", h.addChannel)
	api.DELETE("/alerts/channels/:channelId", h.removeChannel)
	api.GET("/alerts/active", h.activeAlerts)
	api.GET("/alerts/history", h.alertHistory)
	api.POST("/alerts/trigger", h.triggerAlert)
	api.POST("/alerts/:alertId/resolve", h.resolveAlert)
}

// 返回成功响应
func successResponse(code int, message string, data interface{}) *model.ApiResponse {
	return &model.ApiResponse{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// 返回错误响应
func errorResponse(code int, message string) *model.ApiResponse {
	return &model.ApiResponse{
		Code:    code,
		Message: message,
	}
}

// statusOf 把错误代码映射为HTTP状态码
func statusOf(code model.ErrorCode) int {
	switch code {
	case model.ErrCodeNotFound:
		return http.StatusNotFound
	case model.ErrCodeValidation:
		return http.StatusBadRequest
	case model.ErrCodeCircuitOpen, model.ErrCodeNoEndpoint:
		return http.StatusServiceUnavailable
	case model.ErrCodeDownstream:
		return http.StatusBadGateway
	case model.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// fail 输出错误响应，内部错误只记录日志不透出细节
func (h *Handler) fail(c echo.Context, err error) error {
	code := model.CodeOf(err)
	status := statusOf(code)
	if status == http.StatusInternalServerError {
		h.logger.Error("请求处理失败",
			zap.String("path", c.Path()),
			zap.Error(err))
		return c.JSON(status, errorResponse(status, "内部错误"))
	}
	return c.JSON(status, errorResponse(status, err.Error()))
}

func badRequest(c echo.Context, err error) error {
	return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "无效的请求参数: "+err.Error()))
}

func (h *Handler) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"service":   "kong-orchestrator",
		"services":  len(h.registry.List()),
		"contexts":  h.contexts.Count(),
		"alerts":    len(h.alerts.ActiveAlerts()),
	})
}

func (h *Handler) orchestrate(c echo.Context) error {
	req := new(model.OrchestrationRequest)
	if err := c.Bind(req); err != nil {
		return badRequest(c, err)
	}
	// 请求头中的关联信息作为缺省值
	if req.ID == "" {
		req.ID = c.Request().Header.Get(router.HeaderRequestID)
	}
	if req.CallerID == "" {
		req.CallerID = c.Request().Header.Get(router.HeaderCallerID)
	}
	if req.SessionID == "" {
		req.SessionID = c.Request().Header.Get(router.HeaderSessionID)
	}

	resp := h.router.ProcessRequest(c.Request().Context(), req)
	if resp.Success {
		return c.JSON(http.StatusOK, successResponse(http.StatusOK, "编排调用成功", resp))
	}
	status := statusOf(resp.Error.Code)
	return c.JSON(status, &model.ApiResponse{Code: status, Message: resp.Error.Message, Data: resp})
}
