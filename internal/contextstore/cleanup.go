package contextstore

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/kong-orchestrator/internal/core/model"
	"github.com/hewenyu/kong-orchestrator/internal/metrics"
)

// 混合策略中空闲时长与体积的权重
const (
	hybridIdleWeight = 0.7
	hybridSizeWeight = 0.3
)

// CleanupResult 一次清理的结果
type CleanupResult struct {
	Expired int `json:"expired"`
	Evicted int `json:"evicted"`
}

type candidate struct {
	id        string
	e         *entry
	updatedAt time.Time
	expiresAt time.Time
	size      int
}

// Cleanup 删除所有过期上下文；仍超过容量时按淘汰策略删除价值最低的部分
func (s *Store) Cleanup(ctx context.Context) CleanupResult {
	now := s.opts.Now()
	var result CleanupResult
	var live []candidate

	for id, e := range s.snapshot() {
		e.mu.Lock()
		if e.deleted {
			e.mu.Unlock()
			continue
		}
		if now.After(e.ctx.ExpiresAt) {
			e.deleted = true
			e.mu.Unlock()
			s.remove(id, e)
			result.Expired++
			continue
		}
		live = append(live, candidate{
			id:        id,
			e:         e,
			updatedAt: e.ctx.UpdatedAt,
			expiresAt: e.ctx.ExpiresAt,
			size:      e.ctx.Metadata.Size,
		})
		e.mu.Unlock()
	}

	if over := len(live) - s.opts.MaxContexts; over > 0 {
		rankForEviction(live, s.opts.CleanupStrategy, now)
		for _, c := range live[:over] {
			c.e.mu.Lock()
			if c.e.deleted {
				c.e.mu.Unlock()
				continue
			}
			c.e.deleted = true
			c.e.mu.Unlock()
			s.remove(c.id, c.e)
			result.Evicted++
		}
	}

	metrics.ObserveEviction("expired", result.Expired)
	metrics.ObserveEviction(string(s.opts.CleanupStrategy), result.Evicted)
	if result.Expired > 0 || result.Evicted > 0 {
		s.logger.Info("上下文清理完成",
			zap.Int("expired", result.Expired),
			zap.Int("evicted", result.Evicted),
			zap.Int("remaining", s.Count()))
	}
	return result
}

// rankForEviction 把最应淘汰的排在前面
func rankForEviction(cands []candidate, strategy model.CleanupStrategy, now time.Time) {
	switch strategy {
	case model.CleanupTTL:
		sort.SliceStable(cands, func(i, j int) bool { return cands[i].expiresAt.Before(cands[j].expiresAt) })
	case model.CleanupSize:
		sort.SliceStable(cands, func(i, j int) bool { return cands[i].size < cands[j].size })
	case model.CleanupHybrid:
		scores := hybridScores(cands, now)
		sort.SliceStable(cands, func(i, j int) bool { return scores[cands[i].id] > scores[cands[j].id] })
	default:
		sort.SliceStable(cands, func(i, j int) bool { return cands[i].updatedAt.Before(cands[j].updatedAt) })
	}
}

// hybridScores 空闲越久、体积越大，得分越高
func hybridScores(cands []candidate, now time.Time) map[string]float64 {
	var maxIdle time.Duration
	maxSize := 0
	for _, c := range cands {
		if idle := now.Sub(c.updatedAt); idle > maxIdle {
			maxIdle = idle
		}
		if c.size > maxSize {
			maxSize = c.size
		}
	}
	scores := make(map[string]float64, len(cands))
	for _, c := range cands {
		var idleScore, sizeScore float64
		if maxIdle > 0 {
			idleScore = float64(now.Sub(c.updatedAt)) / float64(maxIdle)
		}
		if maxSize > 0 {
			sizeScore = float64(c.size) / float64(maxSize)
		}
		scores[c.id] = hybridIdleWeight*idleScore + hybridSizeWeight*sizeScore
	}
	return scores
}

// RunReaper 按间隔执行清理，直到ctx取消
func (s *Store) RunReaper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("上下文清理任务启动",
		zap.Duration("interval", interval),
		zap.String("strategy", string(s.opts.CleanupStrategy)),
		zap.Int("maxContexts", s.opts.MaxContexts))

	for {
		select {
		case <-ticker.C:
			s.Cleanup(ctx)
		case <-ctx.Done():
			s.logger.Info("上下文清理任务停止")
			return nil
		}
	}
}
