package main

import (
	"callburst/internal/dispatch"
	"callburst/internal/httpapi"
	"callburst/internal/provider"
	"callburst/internal/rbac"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, engine *dispatch.Engine, authMW gin.HandlerFunc) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Provider webhooks (public).
	// NOTE: This endpoint should be protected by provider signature validation in production.
	{
		wh := provider.StatusWebhookHandler{Sink: engine}
		r.POST("/webhooks/provider/status", wh.HandleStatusCallback)
	}

	// protected API group
	v1 := r.Group("/v1")
	{
		// AUTH routes (token issuance).
		v1.POST("/auth/login", h.Login)

		protected := v1.Group("")
		protected.Use(authMW)
		protected.Use(rbac.RequireWorkspace())
		{
			// CALLS routes
			calls := protected.Group("/calls")
			calls.Use(rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleDispatcher, rbac.RoleSuperAdmin))
			{
				calls.POST("/dispatch", h.DispatchCalls)
			}

			// WALLET routes
			wallets := protected.Group("/wallets")
			{
				wallets.GET("/:wallet_id/balance",
					rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleDispatcher, rbac.RoleFinance, rbac.RoleSuperAdmin),
					h.GetWalletBalance)
				wallets.POST("/:wallet_id/credit",
					rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleFinance, rbac.RoleSuperAdmin),
					h.CreditWallet)
			}

			// REPORTING routes
			reports := protected.Group("/reports")
			reports.Use(rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleAnalyst, rbac.RoleFinance, rbac.RoleSuperAdmin))
			{
				reports.GET("/attempts", h.AttemptsSummary)
				reports.GET("/spend", h.SpendSummary)
			}

			// ADMIN routes
			// Only owner/super_admin plus the hidden pool_operator role can
			// touch the caller-id pool.
			admin := protected.Group("/admin")
			admin.Use(rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleSuperAdmin, rbac.RolePoolOperator))
			{
				admin.GET("/dids", h.ListDIDs)
				admin.POST("/dids", h.UpsertDID)
				admin.POST("/dids/:number/block", h.BlockDID)
				admin.POST("/dids/:number/deactivate", h.DeactivateDID)
			}
		}
	}
}
