package controllers

import (
	"github.com/aihub/chat-go/internal/models"
)

// ModelController 模型目录接口
type ModelController struct {
	BaseController
}

// UpsertModelRequest 模型目录条目请求体
type UpsertModelRequest struct {
	ModelID        string `json:"model_id" validate:"required"`
	Provider       string `json:"provider" validate:"required"`
	DisplayName    string `json:"display_name"`
	Description    string `json:"description"`
	ContextWindow  int    `json:"context_window" validate:"omitempty,gt=0"`
	InputPrice     int    `json:"input_price" validate:"gte=0"`
	OutputPrice    int    `json:"output_price" validate:"gte=0"`
	RateLimitRPM   int    `json:"rate_limit_rpm" validate:"gte=0"`
	SupportsVision bool   `json:"supports_vision"`
	SupportsStream bool   `json:"supports_stream"`
	IsActive       bool   `json:"is_active"`
}

// GET /api/models
func (c *ModelController) List() {
	if _, ok := c.getAuthenticatedUserID(); !ok {
		return
	}

	entries, err := deps.Catalog.ListModels(c.Ctx.Request.Context())
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(map[string]interface{}{"models": entries})
}

// POST /api/models
func (c *ModelController) Upsert() {
	if _, ok := c.getAuthenticatedUserID(); !ok {
		return
	}

	var req UpsertModelRequest
	if !c.bindJSON(&req) {
		return
	}

	entry := &models.AIModel{
		ModelID:        req.ModelID,
		Provider:       req.Provider,
		DisplayName:    req.DisplayName,
		Description:    req.Description,
		ContextWindow:  req.ContextWindow,
		InputPrice:     req.InputPrice,
		OutputPrice:    req.OutputPrice,
		RateLimitRPM:   req.RateLimitRPM,
		SupportsVision: req.SupportsVision,
		SupportsStream: req.SupportsStream,
		IsActive:       req.IsActive,
	}
	if err := deps.Catalog.UpsertModel(c.Ctx.Request.Context(), entry); err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(entry)
}

// POST /api/models/discover
func (c *ModelController) Discover() {
	if _, ok := c.getAuthenticatedUserID(); !ok {
		return
	}

	provider := c.GetString("provider")
	added, err := deps.Catalog.DiscoverModels(c.Ctx.Request.Context(), provider)
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(map[string]interface{}{"added": added})
}
