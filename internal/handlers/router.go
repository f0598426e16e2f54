package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"chat-core/internal/chat"
	"chat-core/internal/middleware"
	"chat-core/internal/observability"
)

// RouterDeps is everything the HTTP surface needs.
type RouterDeps struct {
	Service     *chat.Service
	Auth        middleware.Authenticator
	WS          gin.HandlerFunc
	Auditor     chat.Auditor
	ServiceName string
	Debug       bool
	Log         zerolog.Logger
}

// NewRouter builds the gin engine with every route mounted.
func NewRouter(deps RouterDeps) *gin.Engine {
	router := gin.New()
	router.Use(
		gin.Recovery(),
		otelgin.Middleware(deps.ServiceName),
		middleware.RequestID(),
		middleware.AccessLog(deps.Log),
		observability.HTTPMetricsMiddleware(),
	)

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if deps.WS != nil {
		router.GET("/ws", deps.WS)
	}

	h := NewChatHandler(deps.Service, deps.Log)
	router.POST("/hooks/:key", h.PostWebhookMessage)

	api := router.Group("/", middleware.AuthMiddleware(deps.Auth))
	api.POST("/channels", h.CreateChannel)
	api.GET("/channels/:channel_id", h.GetChannel)
	api.PUT("/channels/:channel_id/status", h.SetChannelStatus)
	api.DELETE("/channels/:channel_id", h.DestroyChannel)

	api.GET("/channels/:channel_id/messages", h.ListMessages)
	api.POST("/channels/:channel_id/messages", h.PostMessage)
	api.PATCH("/channels/:channel_id/messages/:message_id", h.EditMessage)
	api.DELETE("/channels/:channel_id/messages/:message_id", h.DeleteMessage)
	api.POST("/channels/:channel_id/messages/:message_id/restore", h.RestoreMessage)
	api.DELETE("/channels/:channel_id/messages/:message_id/purge", h.PurgeMessage)

	api.GET("/channels/:channel_id/membership", h.GetMembership)
	api.POST("/channels/:channel_id/follow", h.Follow)
	api.DELETE("/channels/:channel_id/follow", h.Unfollow)
	api.PUT("/channels/:channel_id/read", h.MarkRead)
	api.PUT("/channels/:channel_id/notifications", h.SetNotificationLevels)
	api.POST("/channels/:channel_id/webhooks", h.CreateWebhook)

	api.POST("/direct-messages", h.OpenDirectMessage)

	RegisterDebugRoutes(api, deps.Auditor, deps.Debug)
	return router
}
