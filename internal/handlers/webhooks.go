package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-core/internal/middleware"
)

// CreateWebhook mints a posting key for a channel.
func (h *ChatHandler) CreateWebhook(c *gin.Context) {
	channelID, ok := paramID(c, "channel_id")
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	hook, err := h.svc.AddWebhook(c.Request.Context(), middleware.UserID(c), channelID, req.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, hook)
}

// PostWebhookMessage posts as a webhook. The key in the path is the credential.
func (h *ChatHandler) PostWebhookMessage(c *gin.Context) {
	var req postRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.svc.PostAsWebhook(c.Request.Context(), c.Param("key"), req.Body, req.StagedID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg, "staged_id": req.StagedID})
}
