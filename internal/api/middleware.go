package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/privyscan/privyscan/internal/collab"
	"github.com/privyscan/privyscan/internal/logger"
	"github.com/privyscan/privyscan/internal/tenant"
)

const principalKey = "principal"

// requireAuth resolves the request principal and injects it into both the
// gin context and the request context. Requests without a verifiable
// identity stop here.
func requireAuth(resolver collab.PrincipalResolver, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := resolver.Resolve(c.Request.Context(), c.Request)
		if err != nil {
			log.Warn("rejected unauthenticated request", "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Set(principalKey, *p)
		c.Request = c.Request.WithContext(tenant.WithPrincipal(c.Request.Context(), *p))
		c.Next()
	}
}

// requireRole gates an endpoint on a principal role.
func requireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := tenant.MustGetPrincipal(c.Request.Context())
		if !p.HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
			return
		}
		c.Next()
	}
}
