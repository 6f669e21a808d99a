package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wyfcoding/backoffice/internal/marketdata/domain"
)

// QuoteRedisCache 最新报价的 Redis 缓存
type QuoteRedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewQuoteRedisCache(client redis.UniversalClient) *QuoteRedisCache {
	return &QuoteRedisCache{
		client: client,
		prefix: "marketdata:quote:",
		ttl:    5 * time.Minute,
	}
}

func (c *QuoteRedisCache) Set(ctx context.Context, quote *domain.Quote) error {
	if quote == nil {
		return nil
	}
	data, err := json.Marshal(quote)
	if err != nil {
		return fmt.Errorf("failed to marshal quote: %w", err)
	}
	return c.client.Set(ctx, c.prefix+quote.Asset, data, c.ttl).Err()
}

func (c *QuoteRedisCache) Get(ctx context.Context, asset string) (*domain.Quote, error) {
	data, err := c.client.Get(ctx, c.prefix+asset).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get quote from redis: %w", err)
	}
	var quote domain.Quote
	if err := json.Unmarshal(data, &quote); err != nil {
		return nil, fmt.Errorf("failed to unmarshal quote: %w", err)
	}
	return &quote, nil
}
