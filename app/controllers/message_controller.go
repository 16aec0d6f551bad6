package controllers

import (
	"net/http"

	"github.com/aihub/chat-go/internal/logger"
	"github.com/aihub/chat-go/internal/models"
	"go.uber.org/zap"
)

// MessageController 消息发送与查询接口
type MessageController struct {
	BaseController
}

// SendMessageRequest 发送消息请求体
type SendMessageRequest struct {
	Content     string              `json:"content"`
	Attachments []models.Attachment `json:"attachments" validate:"omitempty,dive"`
}

// EditMessageRequest 编辑消息请求体
type EditMessageRequest struct {
	Content string `json:"content" validate:"required"`
}

// GET /api/conversations/:id/messages
func (c *MessageController) List() {
	userID, ok := c.getAuthenticatedUserID()
	if !ok {
		return
	}

	messages, err := deps.Chat.ListMessages(c.Ctx.Request.Context(), userID, c.Ctx.Input.Param(":id"))
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(map[string]interface{}{"messages": messages})
}

// POST /api/conversations/:id/messages
func (c *MessageController) Send() {
	userID, ok := c.getAuthenticatedUserID()
	if !ok {
		return
	}

	var req SendMessageRequest
	if !c.bindJSON(&req) {
		return
	}

	conversationID := c.Ctx.Input.Param(":id")
	result, err := deps.Chat.SendMessage(c.Ctx.Request.Context(), userID, conversationID, req.Content, req.Attachments)
	if err != nil {
		logger.Warn("send message failed",
			zap.String("conversation_id", conversationID),
			zap.Error(err))
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(result)
}

// GET /api/conversations/:id/sending
func (c *MessageController) Sending() {
	userID, ok := c.getAuthenticatedUserID()
	if !ok {
		return
	}

	conversationID := c.Ctx.Input.Param(":id")
	conv, err := deps.Chat.GetConversation(c.Ctx.Request.Context(), userID, conversationID)
	if err != nil {
		c.JSONAppError(err)
		return
	}
	if conv == nil {
		c.JSONError(http.StatusNotFound, "conversation not found")
		return
	}

	c.JSONSuccess(map[string]interface{}{
		"is_sending": deps.Chat.IsSending(conversationID),
	})
}

// PUT /api/messages/:message_id
func (c *MessageController) Edit() {
	userID, ok := c.getAuthenticatedUserID()
	if !ok {
		return
	}

	var req EditMessageRequest
	if !c.bindJSON(&req) {
		return
	}

	if err := deps.Chat.EditMessage(c.Ctx.Request.Context(), userID, c.Ctx.Input.Param(":message_id"), req.Content); err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(nil)
}

// DELETE /api/messages/:message_id
func (c *MessageController) Delete() {
	userID, ok := c.getAuthenticatedUserID()
	if !ok {
		return
	}

	if err := deps.Chat.DeleteMessage(c.Ctx.Request.Context(), userID, c.Ctx.Input.Param(":message_id")); err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(nil)
}

// POST /api/conversations/:id/messages/:message_id/regenerate
func (c *MessageController) Regenerate() {
	userID, ok := c.getAuthenticatedUserID()
	if !ok {
		return
	}

	err := deps.Chat.RegenerateResponse(c.Ctx.Request.Context(), userID,
		c.Ctx.Input.Param(":id"), c.Ctx.Input.Param(":message_id"))
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSON(http.StatusAccepted, map[string]interface{}{"success": true})
}

// GET /api/conversations/:id/messages/watch (SSE)
func (c *MessageController) Watch() {
	userID, ok := c.getAuthenticatedUserID()
	if !ok {
		return
	}

	ctx := c.Ctx.Request.Context()
	snapshots, err := deps.Chat.WatchMessages(ctx, userID, c.Ctx.Input.Param(":id"))
	if err != nil {
		c.JSONAppError(err)
		return
	}

	w := c.Ctx.ResponseWriter
	flusher, ok := http.ResponseWriter(w).(http.Flusher)
	if !ok {
		c.JSONError(http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case snapshot, open := <-snapshots:
			if !open {
				return
			}
			if err := writeSSE(w, "messages", snapshot); err != nil {
				logger.Warn("failed to write message snapshot", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}
