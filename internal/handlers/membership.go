package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-core/internal/middleware"
	"chat-core/internal/models"
)

// Follow subscribes the caller to a channel they can see.
func (h *ChatHandler) Follow(c *gin.Context) {
	channelID, ok := paramID(c, "channel_id")
	if !ok {
		return
	}
	m, err := h.svc.Follow(c.Request.Context(), middleware.UserID(c), channelID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// Unfollow stops following. The read cursor is kept.
func (h *ChatHandler) Unfollow(c *gin.Context) {
	channelID, ok := paramID(c, "channel_id")
	if !ok {
		return
	}
	m, err := h.svc.Members.Unfollow(c.Request.Context(), middleware.UserID(c), channelID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// MarkRead advances the caller's read cursor.
func (h *ChatHandler) MarkRead(c *gin.Context) {
	channelID, ok := paramID(c, "channel_id")
	if !ok {
		return
	}
	var req struct {
		MessageID int64 `json:"message_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	advanced, err := h.svc.MarkRead(c.Request.Context(), middleware.UserID(c), channelID, req.MessageID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"advanced": advanced})
}

// SetNotificationLevels stores desktop, mobile and email preferences.
func (h *ChatHandler) SetNotificationLevels(c *gin.Context) {
	channelID, ok := paramID(c, "channel_id")
	if !ok {
		return
	}
	var levels models.NotificationLevels
	if err := c.ShouldBindJSON(&levels); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	m, err := h.svc.Members.SetNotificationLevels(c.Request.Context(), middleware.UserID(c), channelID, levels)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// GetMembership returns the caller's membership with its unread count.
func (h *ChatHandler) GetMembership(c *gin.Context) {
	channelID, ok := paramID(c, "channel_id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	userID := middleware.UserID(c)

	m, err := h.svc.Members.Get(ctx, userID, channelID)
	if err != nil {
		respondError(c, err)
		return
	}
	unread, err := h.svc.Members.UnreadCount(ctx, userID, channelID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"membership": m, "unread": unread})
}
