package apihandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/kong-orchestrator/internal/contextstore"
	"github.com/hewenyu/kong-orchestrator/internal/core/model"
)

type createContextRequest struct {
	UserID     string                 `json:"user_id"`
	SessionID  string                 `json:"session_id"`
	Data       model.Fields           `json:"data"`
	Metadata   *model.ContextMetadata `json:"metadata,omitempty"`
	TTLSeconds int64                  `json:"ttl_seconds"`
}

type searchContextRequest struct {
	UserID        string   `json:"user_id"`
	SessionID     string   `json:"session_id"`
	Tags          []string `json:"tags"`
	MinPriority   *float64 `json:"min_priority,omitempty"`
	MaxAgeSeconds int64    `json:"max_age_seconds"`
}

func (h *Handler) createContext(c echo.Context) error {
	req := new(createContextRequest)
	if err := c.Bind(req); err != nil {
		return badRequest(c, err)
	}
	created, err := h.contexts.Create(c.Request().Context(), contextstore.CreateInput{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Data:      req.Data,
		Metadata:  req.Metadata,
		TTL:       time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, successResponse(http.StatusCreated, "上下文创建成功", created))
}

func (h *Handler) getContext(c echo.Context) error {
	got, err := h.contexts.Get(c.Request().Context(), c.Param("contextId"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "获取上下文成功", got))
}

// updateContext 请求体为要合并的数据键值
func (h *Handler) updateContext(c echo.Context) error {
	partial := model.Fields{}
	if err := json.NewDecoder(c.Request().Body).Decode(&partial); err != nil {
		return badRequest(c, err)
	}
	updated, err := h.contexts.Update(c.Request().Context(), c.Param("contextId"), partial)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "上下文更新成功", updated))
}

func (h *Handler) deleteContext(c echo.Context) error {
	if err := h.contexts.Delete(c.Request().Context(), c.Param("contextId")); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "上下文删除成功", nil))
}

func (h *Handler) searchContexts(c echo.Context) error {
	req := new(searchContextRequest)
	if err := c.Bind(req); err != nil {
		return badRequest(c, err)
	}
	found, err := h.contexts.Search(c.Request().Context(), model.SearchCriteria{
		UserID:      req.UserID,
		SessionID:   req.SessionID,
		Tags:        req.Tags,
		MinPriority: req.MinPriority,
		MaxAge:      time.Duration(req.MaxAgeSeconds) * time.Second,
	})
	if err != nil {
		return h.fail(c, err)
	}
	if found == nil {
		found = []*model.ContextData{}
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "检索上下文成功", found))
}

func (h *Handler) listPolicies(c echo.Context) error {
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "获取策略列表成功", h.contexts.Policies().ListPolicies()))
}

func (h *Handler) addPolicy(c echo.Context) error {
	policy := new(model.ContextPolicy)
	if err := c.Bind(policy); err != nil {
		return badRequest(c, err)
	}
	if err := h.contexts.Policies().AddPolicy(policy); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, successResponse(http.StatusCreated, "策略添加成功", policy))
}

func (h *Handler) removePolicy(c echo.Context) error {
	if err := h.contexts.Policies().RemovePolicy(c.Param("name")); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "策略删除成功", nil))
}
