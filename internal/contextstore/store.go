package contextstore

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-orchestrator/internal/config"
	"github.com/hewenyu/kong-orchestrator/internal/core/model"
	"github.com/hewenyu/kong-orchestrator/internal/metrics"
)

// Options 上下文存储配置
type Options struct {
	DefaultTTL      time.Duration
	MaxContexts     int
	CleanupStrategy model.CleanupStrategy
	// Now 时钟，测试时注入
	Now func() time.Time
}

// MetricSink 本地指标记录
type MetricSink interface {
	Record(name string, value float64)
}

// CreateInput 创建上下文的参数
type CreateInput struct {
	UserID    string                 `json:"user_id"`
	SessionID string                 `json:"session_id"`
	Data      model.Fields           `json:"data"`
	Metadata  *model.ContextMetadata `json:"metadata,omitempty"`
	// TTL 为0时使用默认值
	TTL time.Duration `json:"ttl,omitempty"`
}

type entry struct {
	mu      sync.Mutex
	ctx     *model.ContextData
	deleted bool
}

// Store 带TTL的上下文存储
// 同一上下文的读写由条目锁串行化，不同上下文之间只共享表的读锁
type Store struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	policies *PolicyEngine
	opts     Options
	sink     MetricSink
	logger   config.Logger
}

// NewStore 创建上下文存储
func NewStore(opts Options, policies *PolicyEngine, logger config.Logger) *Store {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 30 * time.Minute
	}
	if opts.MaxContexts <= 0 {
		opts.MaxContexts = 10000
	}
	if opts.CleanupStrategy == "" {
		opts.CleanupStrategy = model.CleanupLRU
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if policies == nil {
		policies = NewPolicyEngine(logger)
	}
	return &Store{
		entries:  make(map[string]*entry),
		policies: policies,
		opts:     opts,
		logger:   logger,
	}
}

// SetMetricSink 设置本地指标记录
func (s *Store) SetMetricSink(sink MetricSink) {
	s.sink = sink
}

// Policies 返回策略引擎
func (s *Store) Policies() *PolicyEngine {
	return s.policies
}

// Create 创建上下文，过期时间由TTL决定
func (s *Store) Create(ctx context.Context, in CreateInput) (*model.ContextData, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return nil, model.NewValidationError("user_id不能为空")
	}
	if in.TTL < 0 {
		return nil, model.NewValidationError("ttl不能为负数")
	}
	ttl := in.TTL
	if ttl == 0 {
		ttl = s.opts.DefaultTTL
	}

	now := s.opts.Now()
	data := in.Data.Clone()
	if data == nil {
		data = model.Fields{}
	}
	c := &model.ContextData{
		ID:        uuid.New().String(),
		UserID:    in.UserID,
		SessionID: in.SessionID,
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if in.Metadata != nil {
		c.Metadata = *in.Metadata
		c.Metadata.Tags = append([]string(nil), in.Metadata.Tags...)
	}
	s.runPolicies(c, model.TriggerCreate, now)

	s.mu.Lock()
	s.entries[c.ID] = &entry{ctx: c}
	count := len(s.entries)
	s.mu.Unlock()

	s.observeCount(count)
	s.logger.Debug("上下文已创建",
		zap.String("contextId", c.ID),
		zap.String("userId", c.UserID),
		zap.Time("expiresAt", c.ExpiresAt))
	return c.Clone(), nil
}

// runPolicies 执行策略并刷新体积估算与告警，调用方持有条目锁或独占对象
func (s *Store) runPolicies(c *model.ContextData, trigger string, now time.Time) {
	c.Metadata.Size = estimateSize(c.Data)
	c.Warnings = s.policies.Apply(c, trigger, now)
	c.Metadata.Size = estimateSize(c.Data)
}

// estimateSize 以数据的JSON长度估算体积
func estimateSize(data model.Fields) int {
	buf, err := json.Marshal(data)
	if err != nil {
		return 0
	}
	return len(buf)
}

func (s *Store) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

// remove 只删除仍指向e的表项
func (s *Store) remove(id string, e *entry) {
	s.mu.Lock()
	if cur, ok := s.entries[id]; ok && cur == e {
		delete(s.entries, id)
	}
	count := len(s.entries)
	s.mu.Unlock()
	s.observeCount(count)
}

// Get 读取上下文；已过期的上下文在读取时删除并返回NOT_FOUND
func (s *Store) Get(ctx context.Context, id string) (*model.ContextData, error) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, model.NewNotFoundError("上下文 %s 不存在", id)
	}
	now := s.opts.Now()

	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return nil, model.NewNotFoundError("上下文 %s 不存在", id)
	}
	if now.After(e.ctx.ExpiresAt) {
		e.deleted = true
		e.mu.Unlock()
		s.remove(id, e)
		metrics.ObserveEviction("expired", 1)
		return nil, model.NewNotFoundError("上下文 %s 已过期", id)
	}
	e.ctx.AccessCount++
	e.ctx.UpdatedAt = now
	s.runPolicies(e.ctx, model.TriggerAccess, now)
	out := e.ctx.Clone()
	e.mu.Unlock()

	return out, nil
}

// Update 把partial中的键合并进数据，不影响其他键
func (s *Store) Update(ctx context.Context, id string, partial model.Fields) (*model.ContextData, error) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, model.NewNotFoundError("上下文 %s 不存在", id)
	}
	now := s.opts.Now()

	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return nil, model.NewNotFoundError("上下文 %s 不存在", id)
	}
	if now.After(e.ctx.ExpiresAt) {
		e.deleted = true
		e.mu.Unlock()
		s.remove(id, e)
		metrics.ObserveEviction("expired", 1)
		return nil, model.NewNotFoundError("上下文 %s 已过期", id)
	}
	if e.ctx.Data == nil {
		e.ctx.Data = model.Fields{}
	}
	for k, v := range partial {
		e.ctx.Data[k] = v.Clone()
	}
	e.ctx.UpdatedAt = now
	s.runPolicies(e.ctx, model.TriggerUpdate, now)
	out := e.ctx.Clone()
	e.mu.Unlock()

	return out, nil
}

// Delete 删除上下文
func (s *Store) Delete(ctx context.Context, id string) error {
	e, ok := s.lookup(id)
	if !ok {
		return model.NewNotFoundError("上下文 %s 不存在", id)
	}
	e.mu.Lock()
	already := e.deleted
	e.deleted = true
	e.mu.Unlock()
	if already {
		return model.NewNotFoundError("上下文 %s 不存在", id)
	}
	s.remove(id, e)
	return nil
}

// Search 按条件检索未过期的上下文，按更新时间倒序
func (s *Store) Search(ctx context.Context, criteria model.SearchCriteria) ([]*model.ContextData, error) {
	now := s.opts.Now()
	var out []*model.ContextData

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
			metrics.ObserveEviction("expired", 1)
			continue
		}
		if matchCriteria(e.ctx, criteria, now) {
			out = append(out, e.ctx.Clone())
		}
		e.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func matchCriteria(c *model.ContextData, criteria model.SearchCriteria, now time.Time) bool {
	if criteria.UserID != "" && c.UserID != criteria.UserID {
		return false
	}
	if criteria.SessionID != "" && c.SessionID != criteria.SessionID {
		return false
	}
	if len(criteria.Tags) > 0 && !anyTag(c.Metadata.Tags, criteria.Tags) {
		return false
	}
	if criteria.MinPriority != nil && c.Metadata.Priority < *criteria.MinPriority {
		return false
	}
	if criteria.MaxAge > 0 && now.Sub(c.CreatedAt) > criteria.MaxAge {
		return false
	}
	return true
}

func anyTag(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

func (s *Store) snapshot() map[string]*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*entry, len(s.entries))
	for id, e := range s.entries {
		out[id] = e
	}
	return out
}

// Count 返回当前条目数，包含尚未被清理的过期条目
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) observeCount(n int) {
	metrics.SetActiveContexts(n)
	if s.sink != nil {
		s.sink.Record("contexts", float64(n))
	}
}
