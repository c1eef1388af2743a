package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/136906/velvenode/internal/api/middleware"
	v1 "github.com/136906/velvenode/internal/api/v1"
	"github.com/136906/velvenode/internal/service"
	loggerpkg "github.com/136906/velvenode/pkg/logger"
)

// RouteConfig carries the knobs routing needs beyond the services
// themselves.
type RouteConfig struct {
	AdminToken      string
	ClaimRateLimit  int
	ClaimRateWindow time.Duration
}

func RegisterRoutes(
	router gin.IRouter,
	cfg RouteConfig,
	claimService *service.ClaimService,
	policyService *service.PolicyService,
	poolService *service.PoolService,
	auditService *service.AuditService,
	logStore *loggerpkg.RingStore,
) {
	apiV1 := router.Group("/api/v1")

	claimHandler := v1.NewClaimHandler(claimService)
	claim := apiV1.Group("/claim")
	claim.POST("/verify", middleware.RateLimitByIP(30, time.Minute), claimHandler.Verify)
	claim.POST("/status", middleware.RateLimitByIP(30, time.Minute), claimHandler.Status)
	claim.POST("",
		middleware.RateLimitByJSONField("api_key", cfg.ClaimRateLimit, cfg.ClaimRateWindow),
		claimHandler.Claim)

	policyHandler := v1.NewPolicyHandler(policyService, poolService)
	poolHandler := v1.NewPoolHandler(poolService)
	logsHandler := v1.NewLogsHandler(auditService, logStore)

	admin := apiV1.Group("/admin")
	admin.Use(middleware.AdminTokenAuth(cfg.AdminToken))
	admin.GET("/policy", policyHandler.Get)
	admin.PATCH("/policy", policyHandler.Update)
	admin.PUT("/stock/:tier", policyHandler.SetStock)
	admin.GET("/stats", policyHandler.Stats)
	admin.POST("/pool/load", poolHandler.Load)
	admin.GET("/pool", poolHandler.List)
	admin.DELETE("/pool", poolHandler.DeleteUnclaimed)
	admin.GET("/logs", logsHandler.SystemLogs)
	admin.GET("/audit", logsHandler.AuditLogs)
}
