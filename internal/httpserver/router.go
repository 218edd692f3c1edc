package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"subscan/pkg/auth"
	"subscan/pkg/otel"
	"subscan/pkg/rbac"
)

// ReadyFunc reports whether backing stores are reachable.
type ReadyFunc func(ctx context.Context) error

func NewRouter(h *Handler, signer *auth.Signer, ready ReadyFunc, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), TraceMiddleware(), otel.GinMiddleware(), RequestLogger(logger))

	// Health endpoints
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/readyz", func(c *gin.Context) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 轮询接口
	r.POST("/v1/scans", h.CreateScan)
	r.GET("/v1/scans/:scan_id", h.GetScan)

	// 内部触发接口
	triggers := r.Group("/v1")
	triggers.Use(ServiceAuthMiddleware(signer))
	{
		ingest := RequirePermission(signer, rbac.PermissionIngest)
		triggers.POST("/ingest", ingest, h.Ingest)
		triggers.GET("/ingest", ingest, h.Ingest)

		dispatch := RequirePermission(signer, rbac.PermissionDispatch)
		triggers.POST("/dispatch", dispatch, h.Dispatch)
		triggers.GET("/dispatch", dispatch, h.Dispatch)

		triggers.POST("/classify", RequirePermission(signer, rbac.PermissionClassify), h.Classify)

		maintain := RequirePermission(signer, rbac.PermissionMaintain)
		triggers.POST("/sweep", maintain, h.Sweep)
		triggers.GET("/sweep", maintain, h.Sweep)
		triggers.POST("/watchdog", maintain, h.Watchdog)
		triggers.GET("/watchdog", maintain, h.Watchdog)
	}

	admin := r.Group("/admin")
	admin.Use(ServiceAuthMiddleware(signer), RequirePermission(signer, rbac.PermissionOutboxAdmin))
	{
		admin.GET("/outbox/failed", h.FailedEvents)
		admin.POST("/outbox/replay", h.ReplayEvent)
	}

	return r
}
