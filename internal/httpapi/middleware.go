package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Identity headers resolved by the external auth layer in front of this
// service. Requests arriving without a tenant are rejected.
const (
	HeaderTenantID       = "X-Tenant-ID"
	HeaderUserID         = "X-User-ID"
	HeaderOrganizationID = "X-Organization-ID"
)

// Context keys set by TenantIdentity.
const (
	ContextTenantID       = "tenant_id"
	ContextUserID         = "user_id"
	ContextOrganizationID = "organization_id"
)

// TenantIdentity extracts the caller identity headers and rejects requests
// without a tenant.
func TenantIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := strings.TrimSpace(c.GetHeader(HeaderTenantID))
		if tenantID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing tenant identity"})
			return
		}
		c.Set(ContextTenantID, tenantID)
		c.Set(ContextUserID, strings.TrimSpace(c.GetHeader(HeaderUserID)))
		c.Set(ContextOrganizationID, strings.TrimSpace(c.GetHeader(HeaderOrganizationID)))
		c.Next()
	}
}

// tenantFrom returns the authenticated tenant for the request.
func tenantFrom(c *gin.Context) string {
	return c.GetString(ContextTenantID)
}
