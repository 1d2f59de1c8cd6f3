package history

import (
	"context"
	"fmt"
	"time"

	"github.com/wyfcoding/orderexecution/internal/orderexecution/domain"
	"github.com/wyfcoding/orderexecution/pkg/cache"
)

const keyPrefix = "orderexecution:order:"

// RedisHistory 以 JSON 快照保存已终结订单，带过期时间
type RedisHistory struct {
	cache *cache.RedisCache
	ttl   time.Duration
}

// NewRedisHistory 创建 Redis 历史存储
func NewRedisHistory(c *cache.RedisCache, ttl time.Duration) *RedisHistory {
	return &RedisHistory{cache: c, ttl: ttl}
}

func (h *RedisHistory) Put(ctx context.Context, o *domain.Order) error {
	return h.cache.SetJSON(ctx, keyPrefix+o.ID, o, h.ttl)
}

func (h *RedisHistory) Get(ctx context.Context, id string) (*domain.Order, error) {
	var o domain.Order
	found, err := h.cache.GetJSON(ctx, keyPrefix+id, &o)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
	}
	return &o, nil
}
