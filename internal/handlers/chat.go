package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"chat-core/internal/chat"
	"chat-core/internal/middleware"
	"chat-core/internal/models"
)

// ChatHandler exposes the channel core over HTTP.
type ChatHandler struct {
	svc *chat.Service
	log zerolog.Logger
}

// NewChatHandler builds a ChatHandler.
func NewChatHandler(svc *chat.Service, log zerolog.Logger) *ChatHandler {
	return &ChatHandler{svc: svc, log: log.With().Str("component", "http").Logger()}
}

// CreateChannel creates a topic or category channel.
func (h *ChatHandler) CreateChannel(c *gin.Context) {
	var req struct {
		Name         string             `json:"name"`
		Kind         models.ChannelKind `json:"kind" binding:"required"`
		ChatableType string             `json:"chatable_type" binding:"required"`
		ChatableID   int64              `json:"chatable_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ch, err := h.svc.CreateChannel(c.Request.Context(), middleware.UserID(c), chat.ChannelSpec{
		Name:     req.Name,
		Kind:     req.Kind,
		Chatable: models.Chatable{Type: models.ChatableType(req.ChatableType), ID: req.ChatableID},
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ch)
}

// GetChannel returns a channel the caller can see.
func (h *ChatHandler) GetChannel(c *gin.Context) {
	channelID, ok := paramID(c, "channel_id")
	if !ok {
		return
	}
	ch, err := h.svc.Channel(c.Request.Context(), middleware.UserID(c), channelID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

// SetChannelStatus opens, closes or archives a channel.
func (h *ChatHandler) SetChannelStatus(c *gin.Context) {
	channelID, ok := paramID(c, "channel_id")
	if !ok {
		return
	}
	var req struct {
		Status models.ChannelStatus `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ch, err := h.svc.SetChannelStatus(c.Request.Context(), middleware.UserID(c), channelID, req.Status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

// DestroyChannel removes a channel with its messages and memberships.
func (h *ChatHandler) DestroyChannel(c *gin.Context) {
	channelID, ok := paramID(c, "channel_id")
	if !ok {
		return
	}
	if err := h.svc.DestroyChannel(c.Request.Context(), middleware.UserID(c), channelID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// OpenDirectMessage returns the direct message channel with the given users.
func (h *ChatHandler) OpenDirectMessage(c *gin.Context) {
	var req struct {
		UserIDs []int64 `json:"user_ids" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ch, err := h.svc.OpenDirectMessage(c.Request.Context(), middleware.UserID(c), req.UserIDs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ch)
}
