package middleware

import (
	"github.com/gin-gonic/gin"

	"chat-core/internal/observability"
)

// RequestID propagates X-Request-Id, minting one when absent, into the
// request context and the response headers.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := observability.RequestIDFromRequest(c.Request)
		c.Request = c.Request.WithContext(observability.WithRequestID(c.Request.Context(), id))
		c.Header("X-Request-Id", id)
		c.Next()
	}
}
