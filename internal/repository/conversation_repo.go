package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	apperrors "github.com/aihub/chat-go/internal/errors"
	"github.com/aihub/chat-go/internal/models"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// lastMessagePreviewRunes 列表渲染用的预览长度
	lastMessagePreviewRunes = 120
	// autoTitleRunes 自动标题长度
	autoTitleRunes = 60

	conversationChannelPrefix = "chat:changed:conversations:"
	messageChannelPrefix      = "chat:changed:messages:"
)

// ConversationRepository 对话持久化契约
// GetConversation对不存在的文档返回(nil, nil)而不是错误
// 各部分字段更新操作均幂等（重复应用结果一致）
type ConversationRepository interface {
	StreamConversations(ctx context.Context, userID string) (<-chan []models.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	CreateConversation(ctx context.Context, conv *models.Conversation) (*models.Conversation, error)
	UpdateConversation(ctx context.Context, id string, fields map[string]interface{}) error
	ArchiveConversation(ctx context.Context, id string) error
	UnarchiveConversation(ctx context.Context, id string) error
	PinConversation(ctx context.Context, id string) error
	UnpinConversation(ctx context.Context, id string) error
	DeleteConversation(ctx context.Context, id string) error
	PermanentlyDeleteConversation(ctx context.Context, id string) error
	AddMessage(ctx context.Context, msg *models.Message) (*models.Message, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	UpdateMessage(ctx context.Context, id string, fields map[string]interface{}) error
	DeleteMessage(ctx context.Context, id string) error
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	StreamMessages(ctx context.Context, conversationID string) (<-chan []models.Message, error)
	SearchConversations(ctx context.Context, userID, query string) ([]models.Conversation, error)
	RecountConversation(ctx context.Context, id string) error
}

// GormRepository 基于Postgres+Redis的对话仓库
// Redis pub/sub作为快照订阅的变更通知通道：写路径发布通知，
// 订阅方收到通知后重新查询整个集合并推送完整快照（替换而非增量）
type GormRepository struct {
	db     *gorm.DB
	rdb    *redis.Client
	logger *zap.Logger
}

var _ ConversationRepository = (*GormRepository)(nil)

// NewGormRepository 创建对话仓库
func NewGormRepository(db *gorm.DB, rdb *redis.Client, logger *zap.Logger) *GormRepository {
	return &GormRepository{
		db:     db,
		rdb:    rdb,
		logger: logger,
	}
}

func conversationChannel(userID string) string {
	return conversationChannelPrefix + userID
}

func messageChannel(conversationID string) string {
	return messageChannelPrefix + conversationID
}

// notify 发布变更通知，失败只记录日志（订阅方会在下一次变更时追上）
func (r *GormRepository) notify(ctx context.Context, channel string) {
	if r.rdb == nil {
		return
	}
	if err := r.rdb.Publish(ctx, channel, "changed").Err(); err != nil {
		r.logger.Warn("failed to publish change notification",
			zap.String("channel", channel),
			zap.Error(err))
	}
}

// ListConversations 查询用户的全部未删除对话（更新时间降序）
func (r *GormRepository) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	var conversations []models.Conversation
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_deleted = ?", userID, false).
		Order("updated_at DESC").
		Find(&conversations).Error
	if err != nil {
		r.logger.Error("failed to list conversations", zap.String("user_id", userID), zap.Error(err))
		return nil, apperrors.NewPersistenceError("failed to list conversations").WithCause(err)
	}
	return conversations, nil
}

// StreamConversations 对话列表快照订阅
// 订阅立即收到当前快照，之后每次变更收到完整的新快照；ctx取消时结束
func (r *GormRepository) StreamConversations(ctx context.Context, userID string) (<-chan []models.Conversation, error) {
	notifications, cleanup := r.subscribe(ctx, conversationChannel(userID))
	return streamSnapshots(ctx, notifications, cleanup, func(ctx context.Context) ([]models.Conversation, error) {
		return r.ListConversations(ctx, userID)
	}, r.logger)
}

// subscribe 将Redis pub/sub转换为普通通知通道
// rdb未配置时返回已关闭的通道：订阅方只收到初始快照
func (r *GormRepository) subscribe(ctx context.Context, channel string) (<-chan struct{}, func()) {
	if r.rdb == nil {
		notifications := make(chan struct{})
		close(notifications)
		return notifications, func() {}
	}

	sub := r.rdb.Subscribe(ctx, channel)
	notifications := make(chan struct{}, 1)

	go func() {
		defer close(notifications)
		for range sub.Channel() {
			// 合并积压通知：一次重查即可覆盖多次变更
			select {
			case notifications <- struct{}{}:
			default:
			}
		}
	}()

	return notifications, func() { _ = sub.Close() }
}

// streamSnapshots 通知驱动的快照循环
// 初始快照立即入队；每次通知重新执行query并推送完整的新快照。
// 输出通道容量为1：消费慢时旧快照被丢弃替换，订阅方永远看到最新状态。
// ctx取消或通知通道关闭时输出通道关闭。
func streamSnapshots[T any](
	ctx context.Context,
	notifications <-chan struct{},
	cleanup func(),
	query func(ctx context.Context) ([]T, error),
	logger *zap.Logger,
) (<-chan []T, error) {
	initial, err := query(ctx)
	if err != nil {
		cleanup()
		return nil, err
	}

	out := make(chan []T, 1)
	out <- initial

	go func() {
		defer close(out)
		defer cleanup()

		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-notifications:
				if !ok {
					return
				}
				snapshot, err := query(ctx)
				if err != nil {
					logger.Error("failed to refresh snapshot", zap.Error(err))
					continue
				}
				// 只保留最新快照
				select {
				case <-out:
				default:
				}
				out <- snapshot
			}
		}
	}()

	return out, nil
}

// GetConversation 获取对话，不存在时返回(nil, nil)
func (r *GormRepository) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conversation models.Conversation
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&conversation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("failed to get conversation", zap.String("conversation_id", id), zap.Error(err))
		return nil, apperrors.NewPersistenceError("failed to get conversation").WithCause(err)
	}
	return &conversation, nil
}

// CreateConversation 创建对话
func (r *GormRepository) CreateConversation(ctx context.Context, conv *models.Conversation) (*models.Conversation, error) {
	now := time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}

	if err := r.db.WithContext(ctx).Create(conv).Error; err != nil {
		r.logger.Error("failed to create conversation", zap.String("user_id", conv.UserID), zap.Error(err))
		return nil, apperrors.NewPersistenceError("failed to create conversation").WithCause(err)
	}

	r.notify(ctx, conversationChannel(conv.UserID))
	return conv, nil
}

// UpdateConversation 部分字段更新
func (r *GormRepository) UpdateConversation(ctx context.Context, id string, fields map[string]interface{}) error {
	fields["updated_at"] = time.Now()
	return r.updateConversationFields(ctx, id, fields)
}

// setConversationFlag 单标志位更新
// 不触碰updated_at：归档再取消归档对其他所有字段是恒等操作
func (r *GormRepository) setConversationFlag(ctx context.Context, id, column string, value bool) error {
	return r.updateConversationFields(ctx, id, map[string]interface{}{column: value})
}

func (r *GormRepository) updateConversationFields(ctx context.Context, id string, fields map[string]interface{}) error {
	conv, err := r.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if conv == nil {
		return apperrors.NewNotFoundError("conversation")
	}

	err = r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ?", id).
		Updates(fields).Error
	if err != nil {
		r.logger.Error("failed to update conversation", zap.String("conversation_id", id), zap.Error(err))
		return apperrors.NewPersistenceError("failed to update conversation").WithCause(err)
	}

	r.notify(ctx, conversationChannel(conv.UserID))
	return nil
}

// ArchiveConversation 归档对话
func (r *GormRepository) ArchiveConversation(ctx context.Context, id string) error {
	return r.setConversationFlag(ctx, id, "is_archived", true)
}

// UnarchiveConversation 取消归档
func (r *GormRepository) UnarchiveConversation(ctx context.Context, id string) error {
	return r.setConversationFlag(ctx, id, "is_archived", false)
}

// PinConversation 置顶对话
func (r *GormRepository) PinConversation(ctx context.Context, id string) error {
	return r.setConversationFlag(ctx, id, "is_pinned", true)
}

// UnpinConversation 取消置顶
func (r *GormRepository) UnpinConversation(ctx context.Context, id string) error {
	return r.setConversationFlag(ctx, id, "is_pinned", false)
}

// DeleteConversation 软删除（标志位+时间戳，保留可恢复性）
func (r *GormRepository) DeleteConversation(ctx context.Context, id string) error {
	return r.updateConversationFields(ctx, id, map[string]interface{}{
		"is_deleted": true,
		"deleted_at": time.Now(),
	})
}

// PermanentlyDeleteConversation 永久删除，级联删除全部子消息（事务内全有或全无）
func (r *GormRepository) PermanentlyDeleteConversation(ctx context.Context, id string) error {
	conv, err := r.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if conv == nil {
		return apperrors.NewNotFoundError("conversation")
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", id).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&models.Conversation{}).Error
	})
	if err != nil {
		r.logger.Error("failed to permanently delete conversation",
			zap.String("conversation_id", id), zap.Error(err))
		return apperrors.NewPersistenceError("failed to permanently delete conversation").WithCause(err)
	}

	r.notify(ctx, conversationChannel(conv.UserID))
	r.notify(ctx, messageChannel(id))
	return nil
}

// AddMessage 持久化消息并在同一事务内维护父对话的计数器和预览
// 单事务写入消除了"消息已写入但计数器未更新"的部分失败窗口
func (r *GormRepository) AddMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	now := time.Now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = now
	}

	var ownerID string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv models.Conversation
		if err := tx.Where("id = ?", msg.ConversationID).First(&conv).Error; err != nil {
			return err
		}
		ownerID = conv.UserID

		if err := tx.Create(msg).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{
			"message_count":   gorm.Expr("message_count + 1"),
			"token_count":     gorm.Expr("token_count + ?", msg.TokenCount),
			"estimated_cost":  gorm.Expr("estimated_cost + ?", msg.CostCents),
			"last_message":    msg.Preview(lastMessagePreviewRunes),
			"last_message_at": msg.CreatedAt,
			"updated_at":      now,
		}

		// 首条用户消息成为未命名对话的标题
		if conv.Title == "" && msg.Role == models.RoleUser && msg.Content != "" {
			updates["title"] = msg.Preview(autoTitleRunes)
		}

		return tx.Model(&models.Conversation{}).Where("id = ?", msg.ConversationID).Updates(updates).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFoundError("conversation")
		}
		r.logger.Error("failed to add message",
			zap.String("conversation_id", msg.ConversationID), zap.Error(err))
		return nil, apperrors.NewPersistenceError("failed to add message").WithCause(err)
	}

	r.notify(ctx, messageChannel(msg.ConversationID))
	r.notify(ctx, conversationChannel(ownerID))
	return msg, nil
}

// GetMessage 获取消息，不存在时返回(nil, nil)
func (r *GormRepository) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var msg models.Message
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("failed to get message", zap.String("message_id", id), zap.Error(err))
		return nil, apperrors.NewPersistenceError("failed to get message").WithCause(err)
	}
	return &msg, nil
}

// UpdateMessage 更新消息字段
func (r *GormRepository) UpdateMessage(ctx context.Context, id string, fields map[string]interface{}) error {
	var msg models.Message
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.NewNotFoundError("message")
	}
	if err != nil {
		return apperrors.NewPersistenceError("failed to get message").WithCause(err)
	}

	fields["updated_at"] = time.Now()
	err = r.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ?", id).
		Updates(fields).Error
	if err != nil {
		r.logger.Error("failed to update message", zap.String("message_id", id), zap.Error(err))
		return apperrors.NewPersistenceError("failed to update message").WithCause(err)
	}

	r.notify(ctx, messageChannel(msg.ConversationID))
	return nil
}

// DeleteMessage 删除消息
func (r *GormRepository) DeleteMessage(ctx context.Context, id string) error {
	var msg models.Message
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.NewNotFoundError("message")
	}
	if err != nil {
		return apperrors.NewPersistenceError("failed to get message").WithCause(err)
	}

	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Message{}).Error; err != nil {
		r.logger.Error("failed to delete message", zap.String("message_id", id), zap.Error(err))
		return apperrors.NewPersistenceError("failed to delete message").WithCause(err)
	}

	r.notify(ctx, messageChannel(msg.ConversationID))
	return nil
}

// ListMessages 查询对话消息（创建时间升序）
func (r *GormRepository) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var messages []models.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Find(&messages).Error
	if err != nil {
		r.logger.Error("failed to list messages",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return nil, apperrors.NewPersistenceError("failed to list messages").WithCause(err)
	}
	return messages, nil
}

// StreamMessages 消息列表快照订阅（语义同StreamConversations）
func (r *GormRepository) StreamMessages(ctx context.Context, conversationID string) (<-chan []models.Message, error) {
	notifications, cleanup := r.subscribe(ctx, messageChannel(conversationID))
	return streamSnapshots(ctx, notifications, cleanup, func(ctx context.Context) ([]models.Message, error) {
		return r.ListMessages(ctx, conversationID)
	}, r.logger)
}

// SearchConversations 标题和最新消息预览的大小写不敏感子串匹配
// 客户端过滤，对用户全部对话O(n)扫描；空查询匹配全部未删除对话
func (r *GormRepository) SearchConversations(ctx context.Context, userID, query string) ([]models.Conversation, error) {
	conversations, err := r.ListConversations(ctx, userID)
	if err != nil {
		return nil, err
	}

	return FilterConversations(conversations, query), nil
}

// FilterConversations 子串匹配过滤（纯函数，便于测试）
func FilterConversations(conversations []models.Conversation, query string) []models.Conversation {
	needle := strings.ToLower(strings.TrimSpace(query))
	matched := make([]models.Conversation, 0, len(conversations))
	for _, conv := range conversations {
		if needle == "" ||
			strings.Contains(strings.ToLower(conv.Title), needle) ||
			strings.Contains(strings.ToLower(conv.LastMessage), needle) {
			matched = append(matched, conv)
		}
	}
	return matched
}

// RecountConversation 从权威的messages集合重算非规范化计数器
// 用于修复历史上两次独立写入留下的计数偏差
func (r *GormRepository) RecountConversation(ctx context.Context, id string) error {
	conv, err := r.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if conv == nil {
		return apperrors.NewNotFoundError("conversation")
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		type counters struct {
			MessageCount int
			TokenCount   int
			CostCents    int
		}
		var agg counters
		err := tx.Model(&models.Message{}).
			Select("COUNT(*) AS message_count, COALESCE(SUM(token_count), 0) AS token_count, COALESCE(SUM(cost_cents), 0) AS cost_cents").
			Where("conversation_id = ?", id).
			Scan(&agg).Error
		if err != nil {
			return err
		}

		updates := map[string]interface{}{
			"message_count":  agg.MessageCount,
			"token_count":    agg.TokenCount,
			"estimated_cost": agg.CostCents,
		}

		var last models.Message
		err = tx.Where("conversation_id = ?", id).Order("created_at DESC").First(&last).Error
		if err == nil {
			updates["last_message"] = last.Preview(lastMessagePreviewRunes)
			updates["last_message_at"] = last.CreatedAt
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		} else {
			updates["last_message"] = ""
			updates["last_message_at"] = nil
		}

		return tx.Model(&models.Conversation{}).Where("id = ?", id).Updates(updates).Error
	})
	if err != nil {
		r.logger.Error("failed to recount conversation", zap.String("conversation_id", id), zap.Error(err))
		return apperrors.NewPersistenceError("failed to recount conversation").WithCause(err)
	}

	r.notify(ctx, conversationChannel(conv.UserID))
	return nil
}
