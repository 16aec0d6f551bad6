package models

import (
	"time"
)

// AIModel 模型目录表
// 静态目录数据，仅用于展示和客户端费用预估，编排层不修改
type AIModel struct {
	ModelID        string    `gorm:"primaryKey;column:model_id;size:100" json:"model_id"`
	Provider       string    `gorm:"size:50;not null" json:"provider"` // openrouter/openai/anthropic/dashscope
	DisplayName    string    `gorm:"column:display_name;size:200" json:"display_name"`
	Description    string    `gorm:"type:text" json:"description,omitempty"`
	ContextWindow  int       `gorm:"column:context_window;default:0" json:"context_window"`
	InputPrice     int       `gorm:"column:input_price;default:0" json:"input_price"`   // 输入token单价（分/1000 tokens）
	OutputPrice    int       `gorm:"column:output_price;default:0" json:"output_price"` // 输出token单价（分/1000 tokens）
	RateLimitRPM   int       `gorm:"column:rate_limit_rpm;default:0" json:"rate_limit_rpm"`
	SupportsVision bool      `gorm:"column:supports_vision;default:false" json:"supports_vision"`
	SupportsStream bool      `gorm:"column:supports_stream;default:true" json:"supports_stream"`
	IsActive       bool      `gorm:"column:is_active;default:true" json:"is_active"`
	CreatedAt      time.Time `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (AIModel) TableName() string {
	return "ai_models"
}
