package services

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/aihub/chat-go/internal/errors"
	"github.com/aihub/chat-go/internal/llm"
	"github.com/aihub/chat-go/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CatalogService 模型目录管理
// 维护本地模型表（单价、能力标志），并支持从上游/models接口发现新模型
type CatalogService struct {
	db     *gorm.DB
	client llm.CompletionClient
	logger *zap.Logger
}

// NewCatalogService 创建模型目录服务
func NewCatalogService(db *gorm.DB, client llm.CompletionClient, logger *zap.Logger) *CatalogService {
	return &CatalogService{db: db, client: client, logger: logger}
}

// ListModels 列出目录中的活跃模型
func (s *CatalogService) ListModels(ctx context.Context) ([]models.AIModel, error) {
	var entries []models.AIModel
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("provider ASC, model_id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, apperrors.NewPersistenceError("failed to list models").WithCause(err)
	}
	return entries, nil
}

// GetModel 按模型ID查询目录条目，不存在时返回(nil, nil)
func (s *CatalogService) GetModel(ctx context.Context, modelID string) (*models.AIModel, error) {
	var entry models.AIModel
	err := s.db.WithContext(ctx).Where("model_id = ?", modelID).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewPersistenceError("failed to get model").WithCause(err)
	}
	return &entry, nil
}

// UpsertModel 插入或更新目录条目
func (s *CatalogService) UpsertModel(ctx context.Context, entry *models.AIModel) error {
	if entry.ModelID == "" {
		return apperrors.NewValidationError("model id is required")
	}
	entry.UpdatedAt = time.Now()

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "model_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"provider", "display_name", "description", "context_window",
			"input_price", "output_price", "rate_limit_rpm",
			"supports_vision", "supports_stream", "is_active", "updated_at",
		}),
	}).Create(entry).Error
	if err != nil {
		return apperrors.NewPersistenceError("failed to upsert model").WithCause(err)
	}
	return nil
}

// DiscoverModels 从上游/models接口拉取模型列表并合并进目录
// 已有条目只刷新活跃标志，不覆盖人工配置的单价
func (s *CatalogService) DiscoverModels(ctx context.Context, provider string) (int, error) {
	entries, err := s.client.ListModels(ctx, provider)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, entry := range entries {
		existing, err := s.GetModel(ctx, entry.ID)
		if err != nil {
			return added, err
		}
		if existing != nil {
			if !existing.IsActive {
				err := s.db.WithContext(ctx).Model(&models.AIModel{}).
					Where("model_id = ?", entry.ID).
					Updates(map[string]interface{}{"is_active": true, "updated_at": time.Now()}).Error
				if err != nil {
					return added, apperrors.NewPersistenceError("failed to reactivate model").WithCause(err)
				}
			}
			continue
		}

		model := &models.AIModel{
			ModelID:        entry.ID,
			Provider:       provider,
			DisplayName:    entry.ID,
			SupportsStream: true,
			IsActive:       true,
		}
		if err := s.UpsertModel(ctx, model); err != nil {
			return added, err
		}
		added++
	}

	s.logger.Info("model discovery completed",
		zap.String("provider", provider),
		zap.Int("upstream_models", len(entries)),
		zap.Int("added", added))

	return added, nil
}
