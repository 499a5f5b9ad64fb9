package httpapi

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes wires the metering API onto a gin engine. Everything except
// the health check sits behind the tenant identity middleware.
func RegisterRoutes(engine *gin.Engine, h *Handler) {
	engine.GET("/healthz", h.Healthz)

	authed := engine.Group("/", TenantIdentity())
	authed.POST("/meter/forward", h.Forward)
	authed.GET("/usage", h.Usage)
	authed.GET("/usage/unpriced", h.Unpriced)
	authed.GET("/budget/:tenantId/:period", h.BudgetState)
	authed.GET("/events/:tenantId", h.EventsSSE)
	authed.GET("/events/:tenantId/ws", h.EventsWS)
}
