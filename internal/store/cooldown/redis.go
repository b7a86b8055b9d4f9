package cooldown

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/hewenyu/kong-orchestrator/internal/config"
)

const redisKeyPrefix = "kong-orchestrator:cooldown:"

// SetNXer redis的SET NX能力
type SetNXer interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisStore 基于redis的冷却存储，键的过期时间等于冷却时间
type RedisStore struct {
	client SetNXer
}

// NewRedisStore 创建redis冷却存储
func NewRedisStore(client SetNXer) *RedisStore {
	return &RedisStore{client: client}
}

// NewRedisClient 按配置创建redis客户端并检查连通性
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("连接redis失败 [%s]: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// Acquire 实现alerting.CooldownStore
func (s *RedisStore) Acquire(ctx context.Context, ruleID string, now time.Time, cooldown time.Duration) (bool, error) {
	if cooldown <= 0 {
		return true, nil
	}
	ok, err := s.client.SetNX(ctx, redisKeyPrefix+ruleID, now.UTC().Format(time.RFC3339Nano), cooldown).Result()
	if err != nil {
		return false, fmt.Errorf("写入冷却记录失败 [%s]: %w", ruleID, err)
	}
	return ok, nil
}
