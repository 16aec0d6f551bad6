package controllers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/aihub/chat-go/internal/logger"
	"github.com/aihub/chat-go/internal/services"
	"go.uber.org/zap"
)

// ConversationController 对话列表与生命周期接口
type ConversationController struct {
	BaseController
}

// CreateConversationRequest 创建对话请求体
type CreateConversationRequest struct {
	Title        string   `json:"title"`
	ModelID      string   `json:"model_id"`
	Provider     string   `json:"provider"`
	SystemPrompt string   `json:"system_prompt"`
	Temperature  *float64 `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	MaxTokens    *int     `json:"max_tokens" validate:"omitempty,gt=0"`
	TeamID       *string  `json:"team_id"`
}

// UpdateConversationRequest 更新对话设置请求体
type UpdateConversationRequest struct {
	Title        *string  `json:"title"`
	ModelID      *string  `json:"model_id"`
	Provider     *string  `json:"provider"`
	SystemPrompt *string  `json:"system_prompt"`
	Temperature  *float64 `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	MaxTokens    *int     `json:"max_tokens" validate:"omitempty,gt=0"`
}

// GET /api/conversations
func (c *ConversationController) List() {
	userID, ok := c.getAuthenticatedUserID()
	if !ok {
		return
	}

	if query := c.GetString("q"); query != "" {
		conversations, err := deps.Chat.SearchConversations(c.Ctx.Request.Context(), userID, query)
		if err != nil {
			c.JSONAppError(err)
			return
		}
		c.JSONSuccess(map[string]interface{}{"conversations": conversations})
		return
	}

	conversations, err := deps.Chat.ListConversations(c.Ctx.Request.Context(), userID)
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(map[string]interface{}{"conversations": conversations})
}

// GET /api/conversations/views
func (c *ConversationController) Views() {
	userID, ok := c.getAuthenticatedUserID()
	if !ok {
		return
	}

	views, err := deps.Chat.Views(c.Ctx.Request.Context(), userID)
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(views)
}

// POST /api/conversations
func (c *ConversationController) Create() {
	userID, ok := c.getAuthenticatedUserID()
	if !ok {
		return
	}

	var req CreateConversationRequest
	if !c.bindJSON(&req) {
		return
	}

	conv, err := deps.Chat.CreateConversation(c.Ctx.Request.Context(), userID, services.CreateConversationParams{
		Title:        req.Title,
		ModelID:      req.ModelID,
		Provider:     req.Provider,
		SystemPrompt: req.SystemPrompt,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
		TeamID:       req.TeamID,
	})
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSON(http.StatusCreated, map[string]interface{}{"success": true, "data": conv})
}

// GET /api/conversations/:id
func (c *ConversationController) Get() {
	userID, ok := c.getAuthenticatedUserID()
	if !ok {
		return
	}

	conv, err := deps.Chat.GetConversation(c.Ctx.Request.Context(), userID, c.Ctx.Input.Param(":id"))
	if err != nil {
		c.JSONAppError(err)
		return
	}
	if conv == nil {
		c.JSONError(http.StatusNotFound, "conversation not found")
		return
	}
	c.JSONSuccess(conv)
}

// PUT /api/conversations/:id
func (c *ConversationController) Update() {
	userID, ok := c.getAuthenticatedUserID()
	if !ok {
		return
	}

	var req UpdateConversationRequest
	if !c.bindJSON(&req) {
		return
	}

	fields := map[string]interface{}{}
	if req.Title != nil {
		fields["title"] = *req.Title
	}
	if req.ModelID != nil {
		fields["model_id"] = *req.ModelID
	}
	if req.Provider != nil {
		fields["provider"] = *req.Provider
	}
	if req.SystemPrompt != nil {
		fields["system_prompt"] = *req.SystemPrompt
	}
	if req.Temperature != nil {
		fields["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		fields["max_tokens"] = *req.MaxTokens
	}
	if len(fields) == 0 {
		c.JSONError(http.StatusBadRequest, "no fields to update")
		return
	}

	if err := deps.Chat.UpdateConversation(c.Ctx.Request.Context(), userID, c.Ctx.Input.Param(":id"), fields); err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(nil)
}

// DELETE /api/conversations/:id
func (c *ConversationController) Delete() {
	userID, ok := c.getAuthenticatedUserID()
	if !ok {
		return
	}

	if err := deps.Chat.DeleteConversation(c.Ctx.Request.Context(), userID, c.Ctx.Input.Param(":id")); err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(nil)
}

// DELETE /api/conversations/:id/purge
func (c *ConversationController) Purge() {
	userID, ok := c.getAuthenticatedUserID()
	if !ok {
		return
	}

	if err := deps.Chat.PurgeConversation(c.Ctx.Request.Context(), userID, c.Ctx.Input.Param(":id")); err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(nil)
}

// POST /api/conversations/:id/pin
func (c *ConversationController) Pin() {
	c.setFlag(deps.Chat.PinConversation)
}

// DELETE /api/conversations/:id/pin
func (c *ConversationController) Unpin() {
	c.setFlag(deps.Chat.UnpinConversation)
}

// POST /api/conversations/:id/archive
func (c *ConversationController) Archive() {
	c.setFlag(deps.Chat.ArchiveConversation)
}

// DELETE /api/conversations/:id/archive
func (c *ConversationController) Unarchive() {
	c.setFlag(deps.Chat.UnarchiveConversation)
}

// POST /api/conversations/:id/recount
func (c *ConversationController) Recount() {
	c.setFlag(deps.Chat.RecountConversation)
}

func (c *ConversationController) setFlag(op func(ctx context.Context, userID, id string) error) {
	userID, ok := c.getAuthenticatedUserID()
	if !ok {
		return
	}
	if err := op(c.Ctx.Request.Context(), userID, c.Ctx.Input.Param(":id")); err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(nil)
}

// GET /api/conversations/watch (SSE)
// 每次底层数据变化推送一份完整列表快照
func (c *ConversationController) Watch() {
	userID, ok := c.getAuthenticatedUserID()
	if !ok {
		return
	}

	ctx := c.Ctx.Request.Context()
	snapshots, err := deps.Chat.WatchConversations(ctx, userID)
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
			if err := writeSSE(w, "conversations", snapshot); err != nil {
				logger.Warn("failed to write conversation snapshot", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSE 写出一条SSE数据帧
func writeSSE(w http.ResponseWriter, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("event: " + event + "\ndata: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n\n"))
	return err
}
