package database

import (
	"context"
	"fmt"

	"github.com/aihub/chat-go/internal/config"
	"github.com/redis/go-redis/v9"
)

// NewRedis 建立Redis连接
// Redis用作快照订阅的变更通知通道（pub/sub）
func NewRedis(cfg *config.Config) (*redis.Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		DB:       cfg.Redis.DB,
		Password: cfg.Redis.Password,
	})

	// 测试连接
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return rdb, nil
}
