package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-core/internal/chat"
	"chat-core/internal/middleware"
	"chat-core/internal/models"
)

type postRequest struct {
	Body     string  `json:"body" binding:"required"`
	StagedID *string `json:"staged_id"`
}

type historyResponse struct {
	Messages   []models.Message `json:"messages"`
	PageSize   int              `json:"page_size"`
	NextBefore int64            `json:"next_before,omitempty"`
	NextAfter  int64            `json:"next_after,omitempty"`
}

// PostMessage appends a message to a channel.
func (h *ChatHandler) PostMessage(c *gin.Context) {
	channelID, ok := paramID(c, "channel_id")
	if !ok {
		return
	}
	var req postRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.svc.Post(c.Request.Context(), middleware.UserID(c), channelID, req.Body, req.StagedID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg, "staged_id": req.StagedID})
}

// ListMessages returns one page of history. Tombstones are included.
func (h *ChatHandler) ListMessages(c *gin.Context) {
	channelID, ok := paramID(c, "channel_id")
	if !ok {
		return
	}
	before, ok := queryID(c, "before")
	if !ok {
		return
	}
	after, ok := queryID(c, "after")
	if !ok {
		return
	}
	size, ok := queryID(c, "page_size")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	it, err := h.svc.History(ctx, middleware.UserID(c), channelID, chat.HistoryQuery{
		BeforeID: before,
		AfterID:  after,
		PageSize: int(size),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	page, _, err := it.Next(ctx)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := historyResponse{Messages: page, PageSize: it.PageSize()}
	if resp.Messages == nil {
		resp.Messages = []models.Message{}
	}
	if len(page) == it.PageSize() {
		if after > 0 {
			resp.NextAfter = page[len(page)-1].ID
		} else {
			resp.NextBefore = page[0].ID
		}
	}
	c.JSON(http.StatusOK, resp)
}

// EditMessage replaces the body of the caller's own message.
func (h *ChatHandler) EditMessage(c *gin.Context) {
	channelID, messageID, ok := messageParams(c)
	if !ok {
		return
	}
	var req struct {
		Body string `json:"body" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.svc.Edit(c.Request.Context(), middleware.UserID(c), channelID, messageID, req.Body)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// DeleteMessage soft-deletes a message, leaving a tombstone.
func (h *ChatHandler) DeleteMessage(c *gin.Context) {
	channelID, messageID, ok := messageParams(c)
	if !ok {
		return
	}
	msg, err := h.svc.Delete(c.Request.Context(), middleware.UserID(c), channelID, messageID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// RestoreMessage clears a tombstone.
func (h *ChatHandler) RestoreMessage(c *gin.Context) {
	channelID, messageID, ok := messageParams(c)
	if !ok {
		return
	}
	msg, err := h.svc.Restore(c.Request.Context(), middleware.UserID(c), channelID, messageID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// PurgeMessage removes a message permanently.
func (h *ChatHandler) PurgeMessage(c *gin.Context) {
	channelID, messageID, ok := messageParams(c)
	if !ok {
		return
	}
	if err := h.svc.Purge(c.Request.Context(), middleware.UserID(c), channelID, messageID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func messageParams(c *gin.Context) (int64, int64, bool) {
	channelID, ok := paramID(c, "channel_id")
	if !ok {
		return 0, 0, false
	}
	messageID, ok := paramID(c, "message_id")
	if !ok {
		return 0, 0, false
	}
	return channelID, messageID, true
}
