package apihandler

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-orchestrator/internal/config"
)

// Server 编排服务的HTTP入口
type Server struct {
	e      *echo.Echo
	addr   string
	logger config.Logger
}

// NewServer 创建HTTP服务并注册路由；gatherer非空时暴露/metrics
func NewServer(cfg *config.Config, h *Handler, gatherer prometheus.Gatherer, logger config.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, "X-Request-ID", "X-Caller-ID", "X-Session-ID"},
	}))

	h.RegisterRoutes(e)
	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	return &Server{
		e:      e,
		addr:   fmt.Sprintf("%s:%d", cfg.Server.ListenAddress, cfg.Server.Port),
		logger: logger,
	}
}

// Echo 返回底层echo实例
func (s *Server) Echo() *echo.Echo {
	return s.e
}

// Start 以非阻塞方式启动服务，监听失败通过返回的通道报告
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	s.logger.Info("HTTP服务启动", zap.String("address", s.addr))

	go func() {
		if err := s.e.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP服务启动失败", zap.Error(err))
			errCh <- err
		}
		close(errCh)
	}()

	return errCh
}

// Shutdown 优雅关闭，等待处理中的请求完成或ctx到期
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("正在关闭HTTP服务...")
	return s.e.Shutdown(ctx)
}
