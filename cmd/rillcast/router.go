package main

import (
	"context"
	"net/http"
	"time"

	"rillcast/internal/core/ports"
	"rillcast/internal/core/services"
	httphandlers "rillcast/internal/handlers/http"
	"rillcast/internal/infrastructure/middleware"
	"rillcast/internal/infrastructure/monitoring"
	events "rillcast/internal/infrastructure/signal"
	"rillcast/internal/signaling"
	"rillcast/pkg/config"
	"rillcast/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type routerDeps struct {
	cfg       *config.Config
	log       *zap.SugaredLogger
	auth      services.AuthService
	manager   *services.SessionManager
	metadata  ports.MetadataStore
	channel   *signaling.Channel
	sockets   *events.WebSocketServer
	health    *monitoring.HealthChecker
	startTime time.Time
}

func newRouter(d routerDeps) *gin.Engine {
	if d.cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(d.log),
		middleware.TracingMiddleware(),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(d.log.Desugar())),
		middleware.NewHTTPRateLimitMiddleware(d.cfg),
		middleware.ErrorHandlerMiddleware(d.log),
	)

	public := router.Group("/api/v1")
	authed := router.Group("/api/v1", middleware.AuthMiddleware(d.auth))

	httphandlers.NewAuthHandler(d.auth, d.cfg.Auth.AccessTokenTTL).SetupRoutes(public, authed)
	httphandlers.NewStreamHandler(d.metadata, d.channel, d.cfg.Recording.SegmentDuration, d.cfg.Server.ListCacheTTL).SetupRoutes(public)
	httphandlers.NewSessionHandler(d.manager, d.auth, d.sockets).SetupRoutes(authed)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(d.startTime).String(),
			"sessions":  d.manager.Count(),
			"sockets":   d.sockets.ConnectionCount(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := d.health.CheckAll(ctx)
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if d.cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	return router
}
