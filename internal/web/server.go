package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"bedrock-failover/config"
	"bedrock-failover/internal/failover"
	"bedrock-failover/internal/monitor"
	"bedrock-failover/internal/tracking"
)

// Server 管理接口服务器
// 暴露端点状态查询、调用入口、失败持久化和会话历史。
type Server struct {
	cfg     *config.Config
	engine  *failover.Engine
	metrics *monitor.Metrics
	usage   *tracking.Tracker
	logger  *slog.Logger
	httpSrv *http.Server
}

// NewServer creates the admin API server.
func NewServer(cfg *config.Config, engine *failover.Engine, metrics *monitor.Metrics, usage *tracking.Tracker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		engine:  engine,
		metrics: metrics,
		usage:   usage,
		logger:  logger,
	}
}

// buildRouter assembles the gin routes.
func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/health", s.handleHealth)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	api := router.Group("/api")
	if s.cfg.Auth.Enabled {
		api.Use(s.authMiddleware())
	}
	{
		api.GET("/endpoints", s.handleEndpoints)
		api.POST("/endpoints/reload", s.handleReload)
		api.GET("/failures", s.handleFailures)
		api.POST("/failures/persist", s.handlePersistFailures)
		api.POST("/invoke", s.handleInvoke)
		api.GET("/sessions", s.handleSessions)
	}

	return router
}

// Start launches the HTTP server in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Web.Host, s.cfg.Web.Port)
	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.buildRouter(),
	}

	go func() {
		s.logger.Info("🌐 管理接口已启动", "addr", addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error(fmt.Sprintf("❌ 管理接口异常退出: %v", err))
		}
	}()

	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// requestLogger 访问日志中间件
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("🌐 管理接口请求",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// authMiddleware 校验 Bearer Token
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token != "Bearer "+s.cfg.Auth.Token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
