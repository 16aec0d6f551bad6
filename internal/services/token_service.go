package services

import (
	"unicode/utf8"

	"github.com/aihub/chat-go/internal/models"
)

// TokenService token估算与费用计算
// 估算采用字符数/4的近似，与上游计费口径有偏差，仅用于预览和本地统计
type TokenService struct{}

// NewTokenService 创建token服务
func NewTokenService() *TokenService {
	return &TokenService{}
}

// Estimate 估算文本的token数
func (s *TokenService) Estimate(text string) int {
	if text == "" {
		return 0
	}
	count := utf8.RuneCountInString(text) / 4
	if count == 0 {
		count = 1
	}
	return count
}

// EstimateMessages 估算一组消息的总token数
func (s *TokenService) EstimateMessages(messages []models.Message) int {
	total := 0
	for _, msg := range messages {
		total += s.Estimate(msg.Content)
	}
	return total
}

// Cost 按模型单价计算费用（分），单价为每千token
// 模型为nil（目录中不存在）时费用为0
func (s *TokenService) Cost(model *models.AIModel, inputTokens, outputTokens int) int {
	if model == nil {
		return 0
	}
	input := inputTokens * model.InputPrice / 1000
	output := outputTokens * model.OutputPrice / 1000
	return input + output
}
