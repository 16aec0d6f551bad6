package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/aihub/chat-go/internal/config"
	apperrors "github.com/aihub/chat-go/internal/errors"
	"github.com/aihub/chat-go/internal/kafka"
	"github.com/aihub/chat-go/internal/llm"
	"github.com/aihub/chat-go/internal/models"
	"github.com/aihub/chat-go/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FailedReplyContent 补全失败时写入占位消息的用户可见文案
const FailedReplyContent = "Sorry, something went wrong while generating a reply. Please try again."

// UsageProducer 用量事件投递契约（Kafka生产者实现）
type UsageProducer interface {
	SendUsageEvent(event *kafka.UsageEvent) error
}

// ModelCatalog 模型目录查询契约，用于费用计算
type ModelCatalog interface {
	GetModel(ctx context.Context, modelID string) (*models.AIModel, error)
}

// SendResult 一次发送操作产生的两条消息
type SendResult struct {
	UserMessage      *models.Message `json:"user_message"`
	AssistantMessage *models.Message `json:"assistant_message"`
}

// CreateConversationParams 创建对话参数
type CreateConversationParams struct {
	Title        string   `json:"title"`
	ModelID      string   `json:"model_id"`
	Provider     string   `json:"provider"`
	SystemPrompt string   `json:"system_prompt"`
	Temperature  *float64 `json:"temperature"`
	MaxTokens    *int     `json:"max_tokens"`
	TeamID       *string  `json:"team_id"`
}

// ConversationViews 列表的三个互斥视图
// 未删除的对话恰好出现在其中一个视图；软删除的对话不出现在任何视图
type ConversationViews struct {
	Pinned   []models.Conversation `json:"pinned"`
	Active   []models.Conversation `json:"active"`
	Archived []models.Conversation `json:"archived"`
}

// sendLock 对话发送锁，refs为等待加已持有的调用数
type sendLock struct {
	mu   sync.Mutex
	refs int
}

// ChatService 对话编排服务
// 管理消息发送生命周期（发送→占位→完成/失败）、列表操作和快照订阅的对接。
// 同一对话内的并发发送通过per-conversation锁串行化。
// 所有按ID操作都校验调用方对对话的访问权（所有者或协作者），
// 无权访问与不存在同样返回not found。
type ChatService struct {
	repo     repository.ConversationRepository
	client   llm.CompletionClient
	tokens   *TokenService
	catalog  ModelCatalog
	producer UsageProducer
	metrics  *MetricsService
	logger   *zap.Logger
	aiCfg    *config.AIConfig

	mu        sync.Mutex
	sendLocks map[string]*sendLock
	sending   map[string]bool
}

// NewChatService 创建对话编排服务
// producer和metrics可为nil（未启用Kafka/Prometheus时）
func NewChatService(
	repo repository.ConversationRepository,
	client llm.CompletionClient,
	tokens *TokenService,
	catalog ModelCatalog,
	producer UsageProducer,
	metrics *MetricsService,
	aiCfg *config.AIConfig,
	logger *zap.Logger,
) *ChatService {
	return &ChatService{
		repo:      repo,
		client:    client,
		tokens:    tokens,
		catalog:   catalog,
		producer:  producer,
		metrics:   metrics,
		logger:    logger,
		aiCfg:     aiCfg,
		sendLocks: make(map[string]*sendLock),
		sending:   make(map[string]bool),
	}
}

// acquireSendLock 获取并持有对话的发送锁
func (s *ChatService) acquireSendLock(conversationID string) *sendLock {
	s.mu.Lock()
	lock, ok := s.sendLocks[conversationID]
	if !ok {
		lock = &sendLock{}
		s.sendLocks[conversationID] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return lock
}

// releaseSendLock 释放发送锁，最后一个持有者离开时移除map条目
func (s *ChatService) releaseSendLock(conversationID string, lock *sendLock) {
	lock.mu.Unlock()

	s.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(s.sendLocks, conversationID)
	}
	s.mu.Unlock()
}

func (s *ChatService) setSending(conversationID string, value bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value {
		s.sending[conversationID] = true
	} else {
		delete(s.sending, conversationID)
	}
}

// IsSending 对话当前是否有发送在进行中
func (s *ChatService) IsSending(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sending[conversationID]
}

// authorizeConversation 加载对话并校验访问权
// 不存在与无权访问返回同一个not found错误，不泄露对话是否存在
func (s *ChatService) authorizeConversation(ctx context.Context, userID, conversationID string) (*models.Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil || !conv.CanAccess(userID) {
		return nil, apperrors.NewNotFoundError("conversation")
	}
	return conv, nil
}

// authorizeMessage 通过父对话校验消息的访问权
func (s *ChatService) authorizeMessage(ctx context.Context, userID, messageID string) (*models.Message, error) {
	msg, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, apperrors.NewNotFoundError("message")
	}
	if _, err := s.authorizeConversation(ctx, userID, msg.ConversationID); err != nil {
		return nil, apperrors.NewNotFoundError("message")
	}
	return msg, nil
}

// SendMessage 发送用户消息并驱动占位消息的补全生命周期
//
// 流程：持久化用户消息(sending) → 标记sent → 持久化助手占位(generating) →
// 调用补全 → 占位转completed或failed。失败的补全错误在记录后向调用方传播，
// 用户消息不回滚。无论成败，发送标志在返回前复位。
func (s *ChatService) SendMessage(ctx context.Context, userID, conversationID, content string, attachments []models.Attachment) (*SendResult, error) {
	if conversationID == "" {
		return nil, apperrors.NewInvalidStateError("no conversation loaded")
	}
	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		return nil, apperrors.NewValidationError("message content is empty")
	}

	conv, err := s.authorizeConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.IsDeleted {
		return nil, apperrors.NewInvalidStateError("conversation is deleted")
	}

	// 同一对话内的发送串行化，不同对话互不阻塞
	lock := s.acquireSendLock(conversationID)
	defer s.releaseSendLock(conversationID, lock)

	s.setSending(conversationID, true)
	defer s.setSending(conversationID, false)

	start := time.Now()

	// 用户消息必须在任何助手侧工作开始前可见地落库，
	// 因此sending→sent是两次独立的仓库写入
	userMsg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           models.RoleUser,
		Content:        content,
		Status:         models.MessageStatusSending,
		Attachments:    attachments,
		TokenCount:     s.tokens.Estimate(content),
	}
	if _, err := s.repo.AddMessage(ctx, userMsg); err != nil {
		s.observeSend(false, time.Since(start))
		return nil, err
	}
	if err := s.repo.UpdateMessage(ctx, userMsg.ID, map[string]interface{}{
		"status": models.MessageStatusSent,
	}); err != nil {
		s.observeSend(false, time.Since(start))
		return nil, err
	}
	userMsg.Status = models.MessageStatusSent

	// 助手占位消息：空内容，补全到达后填充
	placeholder := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           models.RoleAssistant,
		Content:        "",
		Status:         models.MessageStatusGenerating,
		ParentID:       &userMsg.ID,
	}
	if _, err := s.repo.AddMessage(ctx, placeholder); err != nil {
		s.observeSend(false, time.Since(start))
		return nil, err
	}

	history, err := s.buildHistory(ctx, conversationID)
	if err != nil {
		s.failPlaceholder(ctx, placeholder, err)
		s.observeSend(false, time.Since(start))
		return nil, err
	}

	completion, err := s.client.SendMessage(ctx, &llm.CompletionRequest{
		ModelID:      conv.ModelID,
		Provider:     conv.Provider,
		Messages:     history,
		SystemPrompt: conv.SystemPrompt,
		Temperature:  s.temperatureFor(conv),
		MaxTokens:    s.maxTokensFor(conv),
	})
	if err != nil {
		s.failPlaceholder(ctx, placeholder, err)
		s.observeSend(false, time.Since(start))
		// 错误已记录到占位消息，调用方决定是否展示重试入口
		return nil, err
	}

	cost := s.completionCost(ctx, conv.ModelID, completion)
	completedAt := time.Now()
	if err := s.repo.UpdateMessage(ctx, placeholder.ID, map[string]interface{}{
		"status":       models.MessageStatusCompleted,
		"content":      completion.Content,
		"completed_at": completedAt,
		"token_count":  completion.CompletionTokens,
		"cost_cents":   cost,
	}); err != nil {
		// 终态写入失败时占位消息不能停留在generating，按失败收尾
		s.failPlaceholder(ctx, placeholder, err)
		s.observeSend(false, time.Since(start))
		return nil, err
	}
	placeholder.Status = models.MessageStatusCompleted
	placeholder.Content = completion.Content
	placeholder.CompletedAt = &completedAt
	placeholder.TokenCount = completion.CompletionTokens
	placeholder.CostCents = cost

	s.publishUsage(conv, placeholder, completion, cost)
	s.observeSend(true, time.Since(start))

	s.logger.Info("message sent",
		zap.String("conversation_id", conversationID),
		zap.String("model", conv.ModelID),
		zap.Int("prompt_tokens", completion.PromptTokens),
		zap.Int("completion_tokens", completion.CompletionTokens))

	return &SendResult{UserMessage: userMsg, AssistantMessage: placeholder}, nil
}

// buildHistory 组装发给模型的消息历史（含刚落库的用户消息，不含占位和失败消息）
func (s *ChatService) buildHistory(ctx context.Context, conversationID string) ([]llm.ChatMessage, error) {
	messages, err := s.repo.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	history := make([]llm.ChatMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Status != models.MessageStatusSent && msg.Status != models.MessageStatusCompleted {
			continue
		}
		history = append(history, llm.ChatMessage{Role: msg.Role, Content: msg.Content})
	}
	return history, nil
}

// failPlaceholder 将占位消息转为failed并附加错误信息
// 占位更新自身失败时只能记录日志，原始错误仍然向上传播
func (s *ChatService) failPlaceholder(ctx context.Context, placeholder *models.Message, cause error) {
	s.logger.Error("completion failed",
		zap.String("conversation_id", placeholder.ConversationID),
		zap.String("message_id", placeholder.ID),
		zap.Error(cause))

	err := s.repo.UpdateMessage(ctx, placeholder.ID, map[string]interface{}{
		"status":        models.MessageStatusFailed,
		"content":       FailedReplyContent,
		"error_message": cause.Error(),
	})
	if err != nil {
		s.logger.Error("failed to mark placeholder as failed",
			zap.String("message_id", placeholder.ID),
			zap.Error(err))
	}
	placeholder.Status = models.MessageStatusFailed
	placeholder.Content = FailedReplyContent
	placeholder.ErrorMessage = cause.Error()
}

func (s *ChatService) temperatureFor(conv *models.Conversation) *float64 {
	if conv.Temperature != nil {
		return conv.Temperature
	}
	if s.aiCfg != nil && s.aiCfg.Temperature > 0 {
		t := s.aiCfg.Temperature
		return &t
	}
	return nil
}

func (s *ChatService) maxTokensFor(conv *models.Conversation) *int {
	if conv.MaxTokens != nil {
		return conv.MaxTokens
	}
	if s.aiCfg != nil && s.aiCfg.MaxTokens > 0 {
		m := s.aiCfg.MaxTokens
		return &m
	}
	return nil
}

// completionCost 按目录单价计算补全费用，目录缺失时为0
func (s *ChatService) completionCost(ctx context.Context, modelID string, completion *llm.Completion) int {
	if s.catalog == nil || s.tokens == nil {
		return 0
	}
	model, err := s.catalog.GetModel(ctx, modelID)
	if err != nil {
		s.logger.Warn("failed to look up model for cost estimation",
			zap.String("model_id", modelID), zap.Error(err))
		return 0
	}
	return s.tokens.Cost(model, completion.PromptTokens, completion.CompletionTokens)
}

// publishUsage 异步投递用量事件，失败只记录日志
func (s *ChatService) publishUsage(conv *models.Conversation, msg *models.Message, completion *llm.Completion, cost int) {
	if s.producer == nil {
		return
	}

	event := &kafka.UsageEvent{
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		UserID:         conv.UserID,
		ModelID:        conv.ModelID,
		Role:           msg.Role,
		InputTokens:    completion.PromptTokens,
		OutputTokens:   completion.CompletionTokens,
		TotalTokens:    completion.TotalTokens,
		CostCents:      cost,
		Timestamp:      time.Now(),
	}

	go func() {
		if err := s.producer.SendUsageEvent(event); err != nil {
			s.logger.Error("failed to publish usage event",
				zap.String("conversation_id", conv.ID),
				zap.Error(err))
		}
	}()
}

func (s *ChatService) observeSend(success bool, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveSend(success, elapsed)
}

// CreateConversation 创建新对话
func (s *ChatService) CreateConversation(ctx context.Context, userID string, params CreateConversationParams) (*models.Conversation, error) {
	if userID == "" {
		return nil, apperrors.NewValidationError("user id is required")
	}

	modelID := params.ModelID
	if modelID == "" && s.aiCfg != nil {
		modelID = s.aiCfg.DefaultModel
	}
	if modelID == "" {
		return nil, apperrors.NewValidationError("model id is required")
	}

	conv := &models.Conversation{
		ID:           uuid.NewString(),
		UserID:       userID,
		TeamID:       params.TeamID,
		Title:        params.Title,
		ModelID:      modelID,
		Provider:     params.Provider,
		SystemPrompt: params.SystemPrompt,
		Temperature:  params.Temperature,
		MaxTokens:    params.MaxTokens,
	}

	created, err := s.repo.CreateConversation(ctx, conv)
	if err != nil {
		s.logger.Error("failed to create conversation", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}

	s.logger.Info("conversation created",
		zap.String("conversation_id", created.ID),
		zap.String("user_id", userID),
		zap.String("model", created.ModelID))

	return created, nil
}

// GetConversation 获取对话，不存在或无权访问时返回(nil, nil)
func (s *ChatService) GetConversation(ctx context.Context, userID, id string) (*models.Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv == nil || !conv.CanAccess(userID) {
		return nil, nil
	}
	return conv, nil
}

// ListConversations 列表查询
func (s *ChatService) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	return s.repo.ListConversations(ctx, userID)
}

// WatchConversations 对话列表快照订阅
func (s *ChatService) WatchConversations(ctx context.Context, userID string) (<-chan []models.Conversation, error) {
	return s.repo.StreamConversations(ctx, userID)
}

// ListMessages 消息列表查询
func (s *ChatService) ListMessages(ctx context.Context, userID, conversationID string) ([]models.Message, error) {
	if _, err := s.authorizeConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, conversationID)
}

// WatchMessages 消息列表快照订阅
func (s *ChatService) WatchMessages(ctx context.Context, userID, conversationID string) (<-chan []models.Message, error) {
	if _, err := s.authorizeConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return s.repo.StreamMessages(ctx, conversationID)
}

// UpdateConversation 更新对话设置
func (s *ChatService) UpdateConversation(ctx context.Context, userID, id string, fields map[string]interface{}) error {
	if _, err := s.authorizeConversation(ctx, userID, id); err != nil {
		return err
	}
	return s.repo.UpdateConversation(ctx, id, fields)
}

// ArchiveConversation 归档
func (s *ChatService) ArchiveConversation(ctx context.Context, userID, id string) error {
	if _, err := s.authorizeConversation(ctx, userID, id); err != nil {
		return err
	}
	return s.repo.ArchiveConversation(ctx, id)
}

// UnarchiveConversation 取消归档
func (s *ChatService) UnarchiveConversation(ctx context.Context, userID, id string) error {
	if _, err := s.authorizeConversation(ctx, userID, id); err != nil {
		return err
	}
	return s.repo.UnarchiveConversation(ctx, id)
}

// PinConversation 置顶
func (s *ChatService) PinConversation(ctx context.Context, userID, id string) error {
	if _, err := s.authorizeConversation(ctx, userID, id); err != nil {
		return err
	}
	return s.repo.PinConversation(ctx, id)
}

// UnpinConversation 取消置顶
func (s *ChatService) UnpinConversation(ctx context.Context, userID, id string) error {
	if _, err := s.authorizeConversation(ctx, userID, id); err != nil {
		return err
	}
	return s.repo.UnpinConversation(ctx, id)
}

// DeleteConversation 软删除
func (s *ChatService) DeleteConversation(ctx context.Context, userID, id string) error {
	if _, err := s.authorizeConversation(ctx, userID, id); err != nil {
		return err
	}
	return s.repo.DeleteConversation(ctx, id)
}

// PurgeConversation 永久删除（级联删除消息）
func (s *ChatService) PurgeConversation(ctx context.Context, userID, id string) error {
	if _, err := s.authorizeConversation(ctx, userID, id); err != nil {
		return err
	}
	return s.repo.PermanentlyDeleteConversation(ctx, id)
}

// SearchConversations 标题/预览子串搜索
func (s *ChatService) SearchConversations(ctx context.Context, userID, query string) ([]models.Conversation, error) {
	return s.repo.SearchConversations(ctx, userID, query)
}

// RecountConversation 从消息集合重算计数器
func (s *ChatService) RecountConversation(ctx context.Context, userID, id string) error {
	if _, err := s.authorizeConversation(ctx, userID, id); err != nil {
		return err
	}
	return s.repo.RecountConversation(ctx, id)
}

// Views 获取三视图划分
func (s *ChatService) Views(ctx context.Context, userID string) (*ConversationViews, error) {
	conversations, err := s.repo.ListConversations(ctx, userID)
	if err != nil {
		return nil, err
	}
	views := SplitConversationViews(conversations)
	return &views, nil
}

// SplitConversationViews 将对话划分为置顶/活跃/归档三个互斥视图
// 软删除的对话不进入任何视图；归档优先于置顶标志
func SplitConversationViews(conversations []models.Conversation) ConversationViews {
	views := ConversationViews{
		Pinned:   make([]models.Conversation, 0),
		Active:   make([]models.Conversation, 0),
		Archived: make([]models.Conversation, 0),
	}
	for _, conv := range conversations {
		switch {
		case conv.IsDeleted:
			// 软删除对话不出现在任何视图
		case conv.IsArchived:
			views.Archived = append(views.Archived, conv)
		case conv.IsPinned:
			views.Pinned = append(views.Pinned, conv)
		default:
			views.Active = append(views.Active, conv)
		}
	}
	return views
}

// EditMessage 编辑消息内容，旧内容追加到编辑历史
func (s *ChatService) EditMessage(ctx context.Context, userID, messageID, newContent string) error {
	if strings.TrimSpace(newContent) == "" {
		return apperrors.NewValidationError("message content is empty")
	}

	msg, err := s.authorizeMessage(ctx, userID, messageID)
	if err != nil {
		return err
	}

	history := append(msg.EditHistory, msg.Content)
	return s.repo.UpdateMessage(ctx, messageID, map[string]interface{}{
		"content":      newContent,
		"is_edited":    true,
		"edit_history": history,
	})
}

// DeleteMessage 删除消息
func (s *ChatService) DeleteMessage(ctx context.Context, userID, messageID string) error {
	if _, err := s.authorizeMessage(ctx, userID, messageID); err != nil {
		return err
	}
	return s.repo.DeleteMessage(ctx, messageID)
}

// RegenerateResponse 重新生成助手回复
//
// 扩展点：当前设计中为显式未实现的no-op。重新生成是否丢弃旧回复
// 尚未决定，默认行为是保留现有消息并直接返回。
func (s *ChatService) RegenerateResponse(ctx context.Context, userID, conversationID, messageID string) error {
	if _, err := s.authorizeConversation(ctx, userID, conversationID); err != nil {
		return err
	}
	s.logger.Warn("regeneration requested but not implemented",
		zap.String("conversation_id", conversationID),
		zap.String("message_id", messageID))
	return nil
}
