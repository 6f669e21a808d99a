// Package cache 提供 Redis 客户端构建与常用读写封装
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wyfcoding/backoffice/pkg/logger"
)

// Config Redis 配置
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClient 创建 Redis 客户端并验证连通性
func NewClient(cfg Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	logger.Info(context.Background(), "redis connected", "addr", cfg.Addr)
	return client, nil
}
