package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-core/internal/chat"
	"chat-core/internal/middleware"
)

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(group gin.IRoutes, auditor chat.Auditor, enabled bool) {
	if !enabled {
		return
	}

	group.POST("/debug/audit-test", func(c *gin.Context) {
		if auditor == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		auditor.Audit(c.Request.Context(), chat.AuditEvent{Action: "debug.audit_test", ActorID: middleware.UserID(c)})
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
