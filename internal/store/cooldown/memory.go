package cooldown

import (
	"context"
	"sync"
	"time"
)

// MemoryStore 进程内冷却存储，重启后状态丢失
type MemoryStore struct {
	mu   sync.Mutex
	last map[string]time.Time
}

// NewMemoryStore 创建内存冷却存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{last: make(map[string]time.Time)}
}

// Acquire 冷却期已过时记录本次触发时间并返回true
func (s *MemoryStore) Acquire(ctx context.Context, ruleID string, now time.Time, cooldown time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.last[ruleID]; ok && cooldown > 0 && now.Before(last.Add(cooldown)) {
		return false, nil
	}
	s.last[ruleID] = now
	return true, nil
}

// LastTrigger 返回规则最近一次触发时间
func (s *MemoryStore) LastTrigger(ruleID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.last[ruleID]
	return t, ok
}
