package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aihub/chat-go/internal/config"
	apperrors "github.com/aihub/chat-go/internal/errors"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// ChatMessage 聊天消息（OpenAI兼容格式）
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest 补全请求
// Provider可选，显式指定时优先于模型ID中的路由标记
type CompletionRequest struct {
	ModelID      string
	Provider     string
	Messages     []ChatMessage
	SystemPrompt string
	Temperature  *float64
	MaxTokens    *int
}

// Completion 补全结果
type Completion struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ModelEntry 提供商模型列表条目
type ModelEntry struct {
	ID      string `json:"id"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// CompletionClient AI补全客户端契约
// 编排层只依赖此接口，便于测试替换
type CompletionClient interface {
	SendMessage(ctx context.Context, req *CompletionRequest) (*Completion, error)
	SendMessageStream(ctx context.Context, req *CompletionRequest) (<-chan string, error)
	ListModels(ctx context.Context, provider string) ([]ModelEntry, error)
}

// Client 基于OpenAI兼容HTTP API的补全客户端
type Client struct {
	cfg    *config.AIConfig
	client *http.Client
	logger *zap.Logger
}

// 编译期接口断言
var _ CompletionClient = (*Client)(nil)

// NewClient 创建补全客户端
func NewClient(cfg *config.AIConfig, logger *zap.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second // LLM可能需要更长时间
	}

	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// chatRequest OpenAI兼容请求体
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

// chatResponse OpenAI兼容响应体
type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int         `json:"index"`
		Message ChatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// errorResponse OpenAI兼容错误体
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// resolveProvider 解析目标提供商
// 优先级：显式provider参数 > 模型ID中的路由标记 > 默认提供商
func (c *Client) resolveProvider(modelID, provider string) config.ProviderConfig {
	if provider != "" {
		for _, alt := range c.cfg.Alternates {
			if strings.EqualFold(alt.Name, provider) {
				return alt
			}
		}
	}
	for _, alt := range c.cfg.Alternates {
		if alt.Marker != "" && strings.Contains(modelID, alt.Marker) {
			return alt
		}
	}
	return c.cfg.Primary
}

// buildMessages 组装消息历史，系统提示词（如有）置于最前
func buildMessages(req *CompletionRequest) []ChatMessage {
	messages := make([]ChatMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, req.Messages...)
	return messages
}

// SendMessage 调用LLM聊天接口（单次请求/响应）
func (c *Client) SendMessage(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	target := c.resolveProvider(req.ModelID, req.Provider)
	if strings.TrimSpace(target.APIKey) == "" {
		return nil, apperrors.NewProviderConfigurationError(target.Name)
	}

	body := chatRequest{
		Model:       req.ModelID,
		Messages:    buildMessages(req),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      false,
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/chat/completions", strings.TrimRight(target.BaseURL, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", target.APIKey))

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, apperrors.NewNetworkError("completion request failed").WithCause(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewNetworkError("failed to read completion response").WithCause(err)
	}

	// 检查HTTP状态码，错误信息优先取响应体中的error.message
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp errorResponse
		message := fmt.Sprintf("completion API returned HTTP %d", resp.StatusCode)
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
			message = errResp.Error.Message
		}
		return nil, apperrors.NewUpstreamAPIError(resp.StatusCode, message)
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("failed to parse completion response: %w", err)
	}

	if len(chatResp.Choices) == 0 {
		return nil, apperrors.NewUpstreamAPIError(resp.StatusCode, "no choices in completion response")
	}

	c.logger.Info("completion succeeded",
		zap.String("model", req.ModelID),
		zap.String("provider", target.Name),
		zap.Int("prompt_tokens", chatResp.Usage.PromptTokens),
		zap.Int("completion_tokens", chatResp.Usage.CompletionTokens))

	return &Completion{
		Content:          chatResp.Choices[0].Message.Content,
		PromptTokens:     chatResp.Usage.PromptTokens,
		CompletionTokens: chatResp.Usage.CompletionTokens,
		TotalTokens:      chatResp.Usage.TotalTokens,
	}, nil
}

// SendMessageStream 流式补全
// 最小契约：单个chunk（完整响应）。真正的增量流式是扩展点，不是必需行为。
func (c *Client) SendMessageStream(ctx context.Context, req *CompletionRequest) (<-chan string, error) {
	completion, err := c.SendMessage(ctx, req)
	if err != nil {
		return nil, err
	}

	ch := make(chan string, 1)
	ch <- completion.Content
	close(ch)
	return ch, nil
}

// ListModels 列出提供商的可用模型（GET {base}/models）
func (c *Client) ListModels(ctx context.Context, provider string) ([]ModelEntry, error) {
	target := c.resolveProvider("", provider)
	if strings.TrimSpace(target.APIKey) == "" {
		return nil, apperrors.NewProviderConfigurationError(target.Name)
	}

	clientConfig := openai.DefaultConfig(target.APIKey)
	clientConfig.BaseURL = strings.TrimRight(target.BaseURL, "/")
	client := openai.NewClientWithConfig(clientConfig)

	list, err := client.ListModels(ctx)
	if err != nil {
		return nil, apperrors.NewNetworkError(fmt.Sprintf("failed to list models for provider '%s'", target.Name)).WithCause(err)
	}

	entries := make([]ModelEntry, 0, len(list.Models))
	for _, m := range list.Models {
		entries = append(entries, ModelEntry{ID: m.ID, OwnedBy: m.OwnedBy})
	}

	return entries, nil
}
