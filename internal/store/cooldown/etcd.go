package cooldown

import (
	"context"
	"fmt"
	"time"
)

const cooldownPrefix = "/orchestrator/cooldown/"

// LeaseKV 带租约的条件写入，由etcd.Client实现
type LeaseKV interface {
	PutIfAbsentWithLease(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}

// EtcdStore 基于etcd的冷却存储
// 触发记录以租约写入，租约时长等于冷却时间，键存在即处于冷却期
type EtcdStore struct {
	kv LeaseKV
}

// NewEtcdStore 创建etcd冷却存储
func NewEtcdStore(kv LeaseKV) *EtcdStore {
	return &EtcdStore{kv: kv}
}

// Acquire 实现alerting.CooldownStore
func (s *EtcdStore) Acquire(ctx context.Context, ruleID string, now time.Time, cooldown time.Duration) (bool, error) {
	if cooldown <= 0 {
		return true, nil
	}
	ok, err := s.kv.PutIfAbsentWithLease(ctx, cooldownPrefix+ruleID, []byte(now.UTC().Format(time.RFC3339Nano)), cooldown)
	if err != nil {
		return false, fmt.Errorf("写入冷却记录失败 [%s]: %w", ruleID, err)
	}
	return ok, nil
}
