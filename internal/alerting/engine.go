package alerting

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hewenyu/kong-orchestrator/internal/config"
	"github.com/hewenyu/kong-orchestrator/internal/core/model"
	"github.com/hewenyu/kong-orchestrator/internal/metrics"
)

const (
	defaultWindow      = time.Minute
	defaultHistorySize = 1000
	// 同时求值的规则数上限
	evalConcurrency = 4
)

// MetricSource 指标来源，返回metric在最近window内按agg聚合的值
type MetricSource interface {
	Query(ctx context.Context, metric string, window time.Duration, agg model.Aggregation) (float64, error)
}

// CooldownStore 冷却时间存储
// Acquire 在冷却期已过时原子地记录本次触发并返回true，否则返回false
type CooldownStore interface {
	Acquire(ctx context.Context, ruleID string, now time.Time, cooldown time.Duration) (bool, error)
}

// Options 告警引擎配置
type Options struct {
	HistorySize int
	Now         func() time.Time
}

// ManualInput 人工触发告警的参数
type ManualInput struct {
	RuleID   string         `json:"rule_id,omitempty"`
	Message  string         `json:"message"`
	Severity model.Severity `json:"severity,omitempty"`
	Channels []string       `json:"channels,omitempty"`
}

type ruleState struct {
	// mu 串行化同一规则的求值
	mu   sync.Mutex
	rule model.AlertRule
}

// Engine 告警引擎
type Engine struct {
	mu      sync.RWMutex
	rules   map[string]*ruleState
	active  map[string]*model.Alert // 按告警ID
	byRule  map[string]string       // 规则ID -> 自动告警ID
	history []*model.Alert

	source     MetricSource
	cooldown   CooldownStore
	dispatcher *Dispatcher
	opts       Options
	logger     config.Logger
}

// NewEngine 创建告警引擎
func NewEngine(source MetricSource, cooldown CooldownStore, dispatcher *Dispatcher, opts Options, logger config.Logger) *Engine {
	if opts.HistorySize <= 0 {
		opts.HistorySize = defaultHistorySize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		rules:      make(map[string]*ruleState),
		active:     make(map[string]*model.Alert),
		byRule:     make(map[string]string),
		source:     source,
		cooldown:   cooldown,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger,
	}
}

// Dispatcher 返回通知分发器
func (e *Engine) Dispatcher() *Dispatcher {
	return e.dispatcher
}

func normalizeRule(rule *model.AlertRule) error {
	if strings.TrimSpace(rule.ID) == "" {
		return model.NewValidationError("规则ID不能为空")
	}
	if rule.Name == "" {
		rule.Name = rule.ID
	}
	if rule.Severity == "" {
		rule.Severity = model.SeverityMedium
	}
	if !model.ValidSeverity(rule.Severity) {
		return model.NewValidationError("规则 %s 的告警级别无效: %s", rule.ID, rule.Severity)
	}
	if rule.Cooldown < 0 {
		return model.NewValidationError("规则 %s 的冷却时间不能为负数", rule.ID)
	}
	if len(rule.Conditions) == 0 {
		return model.NewValidationError("规则 %s 至少需要一个条件", rule.ID)
	}
	for i := range rule.Conditions {
		c := &rule.Conditions[i]
		if c.Metric == "" {
			return model.NewValidationError("规则 %s 的第%d个条件缺少指标名", rule.ID, i+1)
		}
		switch c.Operator {
		case model.CondGreaterThan, model.CondGreaterOrEqual, model.CondLessThan,
			model.CondLessOrEqual, model.CondEqual, model.CondNotEqual:
		default:
			return model.NewValidationError("规则 %s 的比较符无效: %s", rule.ID, c.Operator)
		}
		if c.Aggregation == "" {
			c.Aggregation = model.AggAvg
		}
		switch c.Aggregation {
		case model.AggSum, model.AggAvg, model.AggMin, model.AggMax, model.AggCount:
		default:
			return model.NewValidationError("规则 %s 的聚合方式无效: %s", rule.ID, c.Aggregation)
		}
		if c.Window < 0 {
			return model.NewValidationError("规则 %s 的时间窗口不能为负数", rule.ID)
		}
		if c.Window == 0 {
			c.Window = defaultWindow
		}
	}
	return nil
}

// AddRule 添加或替换告警规则
func (e *Engine) AddRule(rule model.AlertRule) error {
	rule.Conditions = append([]model.AlertCondition(nil), rule.Conditions...)
	rule.Channels = append([]string(nil), rule.Channels...)
	if err := normalizeRule(&rule); err != nil {
		return err
	}

	e.mu.Lock()
	st, ok := e.rules[rule.ID]
	if !ok {
		st = &ruleState{}
		e.rules[rule.ID] = st
	}
	e.mu.Unlock()

	st.mu.Lock()
	st.rule = rule
	st.mu.Unlock()

	e.logger.Info("告警规则已添加",
		zap.String("ruleId", rule.ID),
		zap.String("severity", string(rule.Severity)),
		zap.Int("conditions", len(rule.Conditions)),
		zap.Duration("cooldown", rule.Cooldown))
	return nil
}

// RemoveRule 删除规则，其活动告警被静默关闭
func (e *Engine) RemoveRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[id]; !ok {
		return model.NewNotFoundError("告警规则 %s 不存在", id)
	}
	delete(e.rules, id)
	if alertID, ok := e.byRule[id]; ok {
		if alert := e.active[alertID]; alert != nil {
			now := e.opts.Now()
			alert.Resolved = true
			alert.ResolvedAt = &now
		}
		delete(e.active, alertID)
		delete(e.byRule, id)
	}
	return nil
}

// GetRule 读取规则
func (e *Engine) GetRule(id string) (model.AlertRule, error) {
	e.mu.RLock()
	st, ok := e.rules[id]
	e.mu.RUnlock()
	if !ok {
		return model.AlertRule{}, model.NewNotFoundError("告警规则 %s 不存在", id)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.rule, nil
}

// ListRules 返回所有规则，按ID排序
func (e *Engine) ListRules() []model.AlertRule {
	states := e.ruleStates()
	out := make([]model.AlertRule, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, st.rule)
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) ruleStates() []*ruleState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*ruleState, 0, len(e.rules))
	for _, st := range e.rules {
		out = append(out, st)
	}
	return out
}

// Evaluate 对所有启用的规则求值一次；单条规则的错误只记录日志
func (e *Engine) Evaluate(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(evalConcurrency)
	for _, st := range e.ruleStates() {
		st := st
		g.Go(func() error {
			e.evaluateRule(gctx, st)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) evaluateRule(ctx context.Context, st *ruleState) {
	st.mu.Lock()
	defer st.mu.Unlock()

	rule := st.rule
	if !rule.Enabled {
		return
	}

	results, firing, err := e.check(ctx, rule)
	if err != nil {
		e.logger.Warn("告警规则求值失败",
			zap.String("ruleId", rule.ID),
			zap.Error(err))
		return
	}

	if !firing {
		if alert := e.activeForRule(rule.ID); alert != nil {
			e.resolve(ctx, alert.ID, rule.Channels)
		}
		return
	}

	if e.activeForRule(rule.ID) != nil {
		return
	}

	now := e.opts.Now()
	acquired, err := e.cooldown.Acquire(ctx, rule.ID, now, rule.Cooldown)
	if err != nil {
		e.logger.Error("读取告警冷却状态失败",
			zap.String("ruleId", rule.ID),
			zap.Error(err))
		return
	}
	if !acquired {
		e.logger.Debug("告警规则处于冷却期", zap.String("ruleId", rule.ID))
		return
	}

	alert := &model.Alert{
		ID:        uuid.New().String(),
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		Message:   fmt.Sprintf("%s: %s", rule.Name, describe(results)),
		Severity:  rule.Severity,
		Timestamp: now,
	}
	if !e.activate(alert, st) {
		e.logger.Debug("规则在求值期间已被删除或替换", zap.String("ruleId", rule.ID))
		return
	}
	e.logger.Warn("告警触发",
		zap.String("alertId", alert.ID),
		zap.String("ruleId", rule.ID),
		zap.String("severity", string(alert.Severity)),
		zap.String("message", alert.Message))
	e.dispatcher.Dispatch(ctx, rule.Channels, firingNotification(alert.Clone(), rule))
}

// check 按顺序求值全部条件，任一条件不成立即返回false
func (e *Engine) check(ctx context.Context, rule model.AlertRule) ([]conditionResult, bool, error) {
	results := make([]conditionResult, 0, len(rule.Conditions))
	for _, c := range rule.Conditions {
		value, err := e.source.Query(ctx, c.Metric, c.Window, c.Aggregation)
		if err != nil {
			return nil, false, fmt.Errorf("查询指标 %s 失败: %w", c.Metric, err)
		}
		r := conditionResult{cond: c, value: value, holds: c.Operator.Compare(value, c.Threshold)}
		if !r.holds {
			return results, false, nil
		}
		results = append(results, r)
	}
	return results, true, nil
}

func (e *Engine) activeForRule(ruleID string) *model.Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if id, ok := e.byRule[ruleID]; ok {
		return e.active[id]
	}
	return nil
}

// activate 登记活动告警；st非空时为规则触发，规则已不是st时放弃
func (e *Engine) activate(alert *model.Alert, st *ruleState) bool {
	e.mu.Lock()
	if st != nil {
		if e.rules[alert.RuleID] != st {
			e.mu.Unlock()
			return false
		}
		e.byRule[alert.RuleID] = alert.ID
	}
	e.active[alert.ID] = alert
	e.history = append(e.history, alert)
	if over := len(e.history) - e.opts.HistorySize; over > 0 {
		e.history = append([]*model.Alert(nil), e.history[over:]...)
	}
	e.mu.Unlock()
	metrics.ObserveAlert(alert.Severity)
	return true
}

// resolve 关闭活动告警并发送一次恢复通知；告警已关闭时返回false
func (e *Engine) resolve(ctx context.Context, alertID string, channels []string) bool {
	e.mu.Lock()
	alert, ok := e.active[alertID]
	if !ok || alert.Resolved {
		e.mu.Unlock()
		return false
	}
	now := e.opts.Now()
	alert.Resolved = true
	alert.ResolvedAt = &now
	delete(e.active, alertID)
	if e.byRule[alert.RuleID] == alertID {
		delete(e.byRule, alert.RuleID)
	}
	snapshot := alert.Clone()
	e.mu.Unlock()

	e.logger.Info("告警已恢复",
		zap.String("alertId", alertID),
		zap.String("ruleId", snapshot.RuleID))
	e.dispatcher.Dispatch(ctx, channels, resolvedNotification(snapshot))
	return true
}

// TriggerManual 人工触发告警，跳过条件与冷却检查
func (e *Engine) TriggerManual(ctx context.Context, in ManualInput) (*model.Alert, error) {
	if strings.TrimSpace(in.Message) == "" {
		return nil, model.NewValidationError("告警消息不能为空")
	}
	alert := &model.Alert{
		ID:        uuid.New().String(),
		RuleID:    in.RuleID,
		RuleName:  "manual",
		Message:   in.Message,
		Severity:  in.Severity,
		Timestamp: e.opts.Now(),
		Manual:    true,
	}
	channels := in.Channels
	rule := model.AlertRule{}
	if in.RuleID != "" {
		r, err := e.GetRule(in.RuleID)
		if err != nil {
			return nil, err
		}
		rule = r
		alert.RuleName = r.Name
		if alert.Severity == "" {
			alert.Severity = r.Severity
		}
		if len(channels) == 0 {
			channels = r.Channels
		}
	}
	if alert.Severity == "" {
		alert.Severity = model.SeverityMedium
	}
	if !model.ValidSeverity(alert.Severity) {
		return nil, model.NewValidationError("告警级别无效: %s", alert.Severity)
	}

	e.activate(alert, nil)
	e.logger.Warn("人工告警触发",
		zap.String("alertId", alert.ID),
		zap.String("severity", string(alert.Severity)),
		zap.String("message", alert.Message))
	e.dispatcher.Dispatch(ctx, channels, firingNotification(alert.Clone(), rule))
	return alert.Clone(), nil
}

// ResolveAlert 由操作员关闭活动告警
func (e *Engine) ResolveAlert(ctx context.Context, alertID string) error {
	e.mu.RLock()
	alert, ok := e.active[alertID]
	var ruleID string
	if ok {
		ruleID = alert.RuleID
	}
	e.mu.RUnlock()
	if !ok {
		return model.NewNotFoundError("活动告警 %s 不存在", alertID)
	}

	var channels []string
	if ruleID != "" {
		if r, err := e.GetRule(ruleID); err == nil {
			channels = r.Channels
		}
	}
	if !e.resolve(ctx, alertID, channels) {
		return model.NewNotFoundError("活动告警 %s 不存在", alertID)
	}
	return nil
}

// ActiveAlerts 返回活动告警，按触发时间排序
func (e *Engine) ActiveAlerts() []*model.Alert {
	e.mu.RLock()
	out := make([]*model.Alert, 0, len(e.active))
	for _, a := range e.active {
		out = append(out, a.Clone())
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// History 返回最近的告警，最新的在前
func (e *Engine) History(limit int) []*model.Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := len(e.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*model.Alert, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, e.history[i].Clone())
	}
	return out
}

// Run 按间隔求值所有规则，直到ctx取消
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("告警求值任务启动", zap.Duration("interval", interval))
	for {
		select {
		case <-ticker.C:
			e.Evaluate(ctx)
		case <-ctx.Done():
			e.logger.Info("告警求值任务停止")
			return nil
		}
	}
}
