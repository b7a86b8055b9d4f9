package apihandler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/kong-orchestrator/internal/alerting"
	"github.com/hewenyu/kong-orchestrator/internal/core/model"
)

type conditionRequest struct {
	Metric        string                  `json:"metric"`
	Operator      model.ConditionOperator `json:"operator"`
	Threshold     float64                 `json:"threshold"`
	WindowSeconds int64                   `json:"window_seconds"`
	Aggregation   model.Aggregation       `json:"aggregation"`
}

// AlertRuleRequest 告警规则请求，时长以秒表示
type AlertRuleRequest struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	Description     string             `json:"description"`
	Severity        model.Severity     `json:"severity"`
	Conditions      []conditionRequest `json:"conditions"`
	CooldownSeconds int64              `json:"cooldown_seconds"`
	Enabled         *bool              `json:"enabled,omitempty"`
	Channels        []string           `json:"channels"`
}

func (r *AlertRuleRequest) rule() model.AlertRule {
	rule := model.AlertRule{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Severity:    r.Severity,
		Cooldown:    time.Duration(r.CooldownSeconds) * time.Second,
		Enabled:     r.Enabled == nil || *r.Enabled,
		Channels:    r.Channels,
	}
	for _, c := range r.Conditions {
		rule.Conditions = append(rule.Conditions, model.AlertCondition{
			Metric:      c.Metric,
			Operator:    c.Operator,
			Threshold:   c.Threshold,
			Window:      time.Duration(c.WindowSeconds) * time.Second,
			Aggregation: c.Aggregation,
		})
	}
	return rule
}

func (h *Handler) listRules(c echo.Context) error {
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "获取告警规则成功", h.alerts.ListRules()))
}

func (h *Handler) addRule(c echo.Context) error {
	req := new(AlertRuleRequest)
	if err := c.Bind(req); err != nil {
		return badRequest(c, err)
	}
	if err := h.alerts.AddRule(req.rule()); err != nil {
		return h.fail(c, err)
	}
	rule, err := h.alerts.GetRule(req.ID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, successResponse(http.StatusCreated, "告警规则添加成功", rule))
}

func (h *Handler) removeRule(c echo.Context) error {
	if err := h.alerts.RemoveRule(c.Param("ruleId")); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "告警规则删除成功", nil))
}

// 渠道配置中可能包含密码，列表只返回键名
type channelView struct {
	ID         string            `json:"id"`
	Kind       model.ChannelKind `json:"kind"`
	Enabled    bool              `json:"enabled"`
	ConfigKeys []string          `json:"config_keys"`
}

func (h *Handler) listChannels(c echo.Context) error {
	channels := h.alerts.Dispatcher().ListChannels()
	views := make([]channelView, 0, len(channels))
	for _, ch := range channels {
		v := channelView{ID: ch.ID, Kind: ch.Kind, Enabled: ch.Enabled, ConfigKeys: []string{}}
		for k := range ch.Config {
			v.ConfigKeys = append(v.ConfigKeys, k)
		}
		views = append(views, v)
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "获取通知渠道成功", views))
}

func (h *Handler) addChannel(c echo.Context) error {
	ch := new(model.NotificationChannel)
	if err := c.Bind(ch); err != nil {
		return badRequest(c, err)
	}
	if err := h.alerts.Dispatcher().AddChannel(*ch); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, successResponse(http.StatusCreated, "通知渠道添加成功", map[string]string{"id": ch.ID}))
}

func (h *Handler) removeChannel(c echo.Context) error {
	if err := h.alerts.Dispatcher().RemoveChannel(c.Param("channelId")); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "通知渠道删除成功", nil))
}

func (h *Handler) activeAlerts(c echo.Context) error {
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "获取活动告警成功", h.alerts.ActiveAlerts()))
}

func (h *Handler) alertHistory(c echo.Context) error {
	limit := 0
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "limit必须为非负整数"))
		}
		limit = n
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "获取告警历史成功", h.alerts.History(limit)))
}

func (h *Handler) triggerAlert(c echo.Context) error {
	in := new(alerting.ManualInput)
	if err := c.Bind(in); err != nil {
		return badRequest(c, err)
	}
	alert, err := h.alerts.TriggerManual(c.Request().Context(), *in)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, successResponse(http.StatusCreated, "告警已触发", alert))
}

func (h *Handler) resolveAlert(c echo.Context) error {
	if err := h.alerts.ResolveAlert(c.Request().Context(), c.Param("alertId")); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "告警已关闭", nil))
}
