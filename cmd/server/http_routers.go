package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"smshub-agent/internal/httpapi"
)

// corsMiddleware 允许所有来源访问，方便运维面板直接调用
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// timeoutMiddleware 为每个请求设置处理超时
func timeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// BuildGinRouter 集中管理所有 HTTP 路由
func BuildGinRouter(app *AppContext) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery(), corsMiddleware(), app.Metrics.GinMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(app.Metrics.Handler()))

	apiV1 := router.Group("/v1", timeoutMiddleware(app.Config.App.RequestTimeout))
	{
		httpapi.NewModemHandler(app.Agent).Register(apiV1)
		httpapi.NewActivationHandler(app.Lifecycle, app.Provider).Register(apiV1)
		httpapi.NewMessageHandler(app.Store, app.Scheduler, eventHistory(app)).Register(apiV1)
	}

	return router
}

// eventHistory 未接入 Redis 时不提供历史查询
func eventHistory(app *AppContext) httpapi.EventHistory {
	if app.EventStore == nil {
		return nil
	}
	return app.EventStore
}
